// Package config implements the configuration for a GhostLink node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ghostlink/internal/crypto"
	"ghostlink/internal/network"
	"ghostlink/internal/proto"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultUsername         = proto.UnknownUsername
	defaultDiscoveryPort    = 5051
	defaultBroadcastAddr    = "255.255.255.255"
	defaultCooldown         = 60
	defaultChatPort         = 5005
	defaultHandshakeTimeout = 10
	defaultMaxConnsPerIP    = 4
	defaultMaxChannels      = 64
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Discovery is the LAN discovery configuration.
type Discovery struct {
	// Port is the UDP discovery port.
	Port int

	// ListenAddr is the bind host, empty for all interfaces.
	ListenAddr string

	// BroadcastAddr is the subnet broadcast address requests are sent to.
	BroadcastAddr string

	// CooldownSeconds is the minimum interval between two replies to the
	// same requester address.
	CooldownSeconds int

	// RequestMarker and ReplyMarker override the datagram markers.
	RequestMarker string
	ReplyMarker   string
}

func validatePort(section string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: %v: Port %v is invalid", section, port)
	}
	return nil
}

func (dCfg *Discovery) validate() error {
	if dCfg.Port == 0 {
		dCfg.Port = defaultDiscoveryPort
	}
	if err := validatePort("Discovery", dCfg.Port); err != nil {
		return err
	}
	if dCfg.ListenAddr != "" {
		ip := net.ParseIP(dCfg.ListenAddr)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("config: Discovery: ListenAddr '%v' is invalid", dCfg.ListenAddr)
		}
	}
	if dCfg.BroadcastAddr == "" {
		dCfg.BroadcastAddr = defaultBroadcastAddr
	}
	if net.ParseIP(dCfg.BroadcastAddr) == nil {
		return fmt.Errorf("config: Discovery: BroadcastAddr '%v' is invalid", dCfg.BroadcastAddr)
	}
	if dCfg.CooldownSeconds == 0 {
		dCfg.CooldownSeconds = defaultCooldown
	}
	if dCfg.CooldownSeconds < 0 {
		return errors.New("config: Discovery: CooldownSeconds must be positive")
	}
	if dCfg.RequestMarker == "" {
		dCfg.RequestMarker = proto.DefaultRequestMarker
	}
	if dCfg.ReplyMarker == "" {
		dCfg.ReplyMarker = proto.DefaultReplyMarker
	}
	if dCfg.RequestMarker == dCfg.ReplyMarker {
		return errors.New("config: Discovery: RequestMarker and ReplyMarker must differ")
	}
	return nil
}

// Cooldown returns the reply cooldown window.
func (dCfg *Discovery) Cooldown() time.Duration {
	return time.Duration(dCfg.CooldownSeconds) * time.Second
}

// BindAddr returns the discovery bind address, invalid for all
// interfaces.
func (dCfg *Discovery) BindAddr() netip.Addr {
	a, _ := netip.ParseAddr(dCfg.ListenAddr)
	return a
}

// Markers returns the datagram markers.
func (dCfg *Discovery) Markers() proto.Markers {
	return proto.Markers{Request: dCfg.RequestMarker, Reply: dCfg.ReplyMarker}
}

// Chat is the secure channel configuration.
type Chat struct {
	// Port is the chat listening port.
	Port int

	// ListenAddr is the bind host, empty for all interfaces.
	ListenAddr string

	// Transport selects the stream transport, "tcp" or "quic".
	Transport string

	// Cipher selects the data frame cipher suite. Both peers must agree.
	Cipher string

	// HandshakeTimeoutSeconds bounds the key exchange.
	HandshakeTimeoutSeconds int

	// MaxConnsPerIP caps concurrent inbound channels per remote IP, 0 is
	// unlimited.
	MaxConnsPerIP int

	// MaxChannels caps concurrently open channels.
	MaxChannels int
}

func (cCfg *Chat) validate() error {
	if cCfg.Port == 0 {
		cCfg.Port = defaultChatPort
	}
	if err := validatePort("Chat", cCfg.Port); err != nil {
		return err
	}
	if cCfg.ListenAddr != "" && net.ParseIP(cCfg.ListenAddr) == nil {
		return fmt.Errorf("config: Chat: ListenAddr '%v' is invalid", cCfg.ListenAddr)
	}
	kind, err := network.ParseKind(cCfg.Transport)
	if err != nil {
		return fmt.Errorf("config: Chat: %v", err)
	}
	cCfg.Transport = string(kind)
	suite, err := crypto.ParseSuite(cCfg.Cipher)
	if err != nil {
		return fmt.Errorf("config: Chat: %v", err)
	}
	cCfg.Cipher = string(suite)
	if cCfg.HandshakeTimeoutSeconds == 0 {
		cCfg.HandshakeTimeoutSeconds = defaultHandshakeTimeout
	}
	if cCfg.HandshakeTimeoutSeconds < 0 {
		return errors.New("config: Chat: HandshakeTimeoutSeconds must be positive")
	}
	if cCfg.MaxConnsPerIP == 0 {
		cCfg.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if cCfg.MaxConnsPerIP < 0 {
		cCfg.MaxConnsPerIP = 0
	}
	if cCfg.MaxChannels <= 0 {
		cCfg.MaxChannels = defaultMaxChannels
	}
	return nil
}

// HandshakeTimeout returns the key exchange deadline.
func (cCfg *Chat) HandshakeTimeout() time.Duration {
	return time.Duration(cCfg.HandshakeTimeoutSeconds) * time.Second
}

// BindAddr returns host:port for the chat listener.
func (cCfg *Chat) BindAddr() string {
	return net.JoinHostPort(cCfg.ListenAddr, fmt.Sprint(cCfg.Port))
}

// Metrics is the metrics export configuration.
type Metrics struct {
	// Address serves Prometheus metrics when set, e.g. 127.0.0.1:9105.
	Address string

	// SnapshotFile receives a JSON snapshot on shutdown when set.
	SnapshotFile string

	// Pprof also mounts the profiling handlers on the metrics server.
	Pprof bool
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		if mCfg.Pprof {
			return fmt.Errorf("config: Metrics: Pprof requires Address")
		}
		return nil
	}
	if _, _, err := net.SplitHostPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Peers is the peer book configuration.
type Peers struct {
	// File is a bbolt database remembering peers between runs. Empty
	// keeps the registry in memory only.
	File string
}

// Config is the top level node configuration.
type Config struct {
	// Username is the display name announced in discovery replies.
	Username string

	Logging   *Logging
	Discovery *Discovery
	Chat      *Chat
	Peers     *Peers
	Metrics   *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	cfg.Username = proto.SanitizeUsername(cfg.Username)
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Discovery == nil {
		cfg.Discovery = &Discovery{}
	}
	if cfg.Chat == nil {
		cfg.Chat = &Chat{}
	}
	if cfg.Peers == nil {
		cfg.Peers = &Peers{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Discovery.validate(); err != nil {
		return err
	}
	if err := cfg.Chat.validate(); err != nil {
		return err
	}
	if err := cfg.Metrics.validate(); err != nil {
		return err
	}
	if cfg.Discovery.Port == cfg.Chat.Port && cfg.Chat.Transport == string(network.KindQUIC) {
		return errors.New("config: Discovery.Port and Chat.Port must differ for the quic transport")
	}
	return nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{Username: defaultUsername}
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Encode renders cfg as TOML.
func (cfg *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
