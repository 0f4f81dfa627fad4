package channel

import (
	"ghostlink/internal/crypto"
	"ghostlink/internal/network"
	"ghostlink/internal/proto"
)

// initiatorHandshake: send own key, read the responder key, send the
// symmetric bundle wrapped under it.
func (c *Channel) initiatorHandshake(conn network.Conn) (crypto.SessionCipher, []byte, error) {
	kp, err := crypto.GenKeypair()
	if err != nil {
		return nil, nil, handshakeErr("keygen", err)
	}
	if err := proto.WriteFrame(conn, kp.Public()); err != nil {
		return nil, nil, networkErr("send key", err)
	}
	peerKey, err := proto.ReadFrameMax(conn, crypto.MaxPublicKeySize)
	if err != nil {
		return nil, nil, networkErr("read key", err)
	}
	if _, err := crypto.ParseRSAPublicKey(peerKey); err != nil {
		return nil, nil, handshakeErr("peer key", err)
	}
	bundle, err := crypto.NewBundle()
	if err != nil {
		return nil, nil, handshakeErr("bundle", err)
	}
	wrapped, err := crypto.Wrap(peerKey, bundle.Bytes())
	if err != nil {
		return nil, nil, handshakeErr("wrap", err)
	}
	if err := proto.WriteFrame(conn, wrapped); err != nil {
		return nil, nil, networkErr("send bundle", err)
	}
	sc, err := crypto.NewSessionCipher(c.opts.Suite, bundle)
	if err != nil {
		return nil, nil, handshakeErr("cipher", err)
	}
	return sc, peerKey, nil
}

// responderHandshake: read the initiator key, send own key, unwrap the
// bundle.
func (c *Channel) responderHandshake(conn network.Conn) (crypto.SessionCipher, []byte, error) {
	kp, err := crypto.GenKeypair()
	if err != nil {
		return nil, nil, handshakeErr("keygen", err)
	}
	peerKey, err := proto.ReadFrameMax(conn, crypto.MaxPublicKeySize)
	if err != nil {
		return nil, nil, networkErr("read key", err)
	}
	if _, err := crypto.ParseRSAPublicKey(peerKey); err != nil {
		return nil, nil, handshakeErr("peer key", err)
	}
	if err := proto.WriteFrame(conn, kp.Public()); err != nil {
		return nil, nil, networkErr("send key", err)
	}
	wrapped, err := proto.ReadFrameMax(conn, crypto.MaxPublicKeySize)
	if err != nil {
		return nil, nil, networkErr("read bundle", err)
	}
	raw, err := kp.Unwrap(wrapped)
	if err != nil {
		return nil, nil, handshakeErr("unwrap", err)
	}
	bundle, err := crypto.ParseBundle(raw)
	if err != nil {
		return nil, nil, handshakeErr("bundle", err)
	}
	sc, err := crypto.NewSessionCipher(c.opts.Suite, bundle)
	if err != nil {
		return nil, nil, handshakeErr("cipher", err)
	}
	return sc, peerKey, nil
}
