package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	quicALPN          = "ghostlink-quic"
	quicKeepAlive     = 10 * time.Second
	quicIdleTimeout   = 60 * time.Second
	quicStreamTimeout = 10 * time.Second
	quicAcceptBacklog = 16
)

// QUIC carries each channel on the first bidirectional stream of its own
// QUIC connection. TLS here only frames the transport; the channel runs its
// own handshake on top, so the shared dev certificate is acceptable.
type QUIC struct {
	conf *quic.Config
}

func NewQUIC() *QUIC {
	return &QUIC{conf: &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}}
}

func (*QUIC) Kind() Kind { return KindQUIC }

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("ghostlink-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{quicALPN},
	}, nil
}

func (q *QUIC) Dial(ctx context.Context, addr string) (Conn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, q.conf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (q *QUIC) Listen(addr string) (Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, q.conf)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(chan *quicConn, quicAcceptBacklog),
		errs:   make(chan error, 1),
	}
	go l.acceptLoop()
	return l, nil
}

type quicListener struct {
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
	conns  chan *quicConn
	errs   chan error
	once   sync.Once
}

func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.errs <- err
			return
		}
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the initiator's first stream. The stream becomes
// visible once the initiator writes its public key.
func (l *quicListener) acceptStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, quicStreamTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	select {
	case l.conns <- &quicConn{conn: conn, stream: stream}:
	case <-l.ctx.Done():
		_ = conn.CloseWithError(0, "")
	}
}

func (l *quicListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		l.errs <- err
		return nil, err
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	once   sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		err = errors.Join(c.stream.Close(), c.conn.CloseWithError(0, ""))
	})
	return err
}
