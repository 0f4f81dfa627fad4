// Package pprofutil exposes net/http/pprof for a running node, either on
// the metrics server or on a separate loopback listener selected by
// environment.
package pprofutil

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"
)

const (
	// Prefix is the path the profiles are mounted under.
	Prefix = "/debug/pprof/"

	DefaultAddr = "127.0.0.1:6060"

	EnvEnable      = "GHOSTLINK_PPROF"
	EnvAddr        = "GHOSTLINK_PPROF_ADDR"
	EnvAllowPublic = "GHOSTLINK_PPROF_ALLOW_PUBLIC"
)

var ErrPublicBind = errors.New("pprofutil: refusing non-loopback bind")

// Register mounts the profile handlers on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc(Prefix, pprof.Index)
	mux.HandleFunc(Prefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(Prefix+"profile", pprof.Profile)
	mux.HandleFunc(Prefix+"symbol", pprof.Symbol)
	mux.HandleFunc(Prefix+"trace", pprof.Trace)
}

// Server is a standalone profile listener.
type Server struct {
	srv *http.Server
}

// Addr is the bound address.
func (s *Server) Addr() string { return s.srv.Addr }

func (s *Server) Close() error { return s.srv.Close() }

// Listen serves the profiles on addr. A non-loopback addr needs
// allowPublic.
func Listen(addr string, allowPublic bool) (*Server, error) {
	if !allowPublic && !IsLoopback(addr) {
		return nil, fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprofutil: listen: %w", err)
	}
	mux := http.NewServeMux()
	Register(mux)
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return &Server{srv: srv}, nil
}

// FromEnv starts a Server when GHOSTLINK_PPROF=1. It returns nil when
// profiling is not requested.
func FromEnv(log *logging.Logger) (*Server, error) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(os.Getenv(EnvAddr))
	if addr == "" {
		addr = DefaultAddr
	}
	srv, err := Listen(addr, strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1")
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Noticef("pprof on http://%s%s", srv.Addr(), Prefix)
	}
	return srv, nil
}

// IsLoopback reports whether host:port names a loopback host.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
