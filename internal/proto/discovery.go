package proto

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/secure/precis"
)

const (
	DefaultRequestMarker = "GhostLink Discovery Request"
	DefaultReplyMarker   = "GhostLink Response from"
	MaxDatagramSize      = 1024
	MaxUsernameSize      = 64
	UnknownUsername      = "Unknown"
)

type DatagramKind int

const (
	KindUnknown DatagramKind = iota
	KindRequest
	KindReply
)

func (k DatagramKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Markers are the fixed substrings identifying discovery datagrams.
type Markers struct {
	Request string
	Reply   string
}

func DefaultMarkers() Markers {
	return Markers{Request: DefaultRequestMarker, Reply: DefaultReplyMarker}
}

type Datagram struct {
	Kind     DatagramKind
	Username string
}

// EncodeRequest returns "<request marker> from <username>".
func (m Markers) EncodeRequest(username string) ([]byte, error) {
	return m.encode(m.Request+" from ", username)
}

// EncodeReply returns "<reply marker> <username>".
func (m Markers) EncodeReply(username string) ([]byte, error) {
	return m.encode(m.Reply+" ", username)
}

func (m Markers) encode(prefix, username string) ([]byte, error) {
	if m.Request == "" || m.Reply == "" {
		return nil, errors.New("missing discovery marker")
	}
	out := []byte(prefix + SanitizeUsername(username))
	if len(out) > MaxDatagramSize {
		return nil, errors.New("datagram too large")
	}
	return out, nil
}

// Parse classifies a datagram. Requests are checked before replies. The
// username of a request is informational only and may be empty.
func (m Markers) Parse(b []byte) Datagram {
	if len(b) == 0 || len(b) > MaxDatagramSize || !utf8.Valid(b) {
		return Datagram{Kind: KindUnknown}
	}
	msg := string(b)
	if m.Request != "" && strings.Contains(msg, m.Request) {
		rest := msg[strings.Index(msg, m.Request)+len(m.Request):]
		rest = strings.TrimPrefix(strings.TrimSpace(rest), "from")
		return Datagram{Kind: KindRequest, Username: SanitizeUsername(rest)}
	}
	if m.Reply != "" && strings.Contains(msg, m.Reply) {
		rest := msg[strings.Index(msg, m.Reply)+len(m.Reply):]
		return Datagram{Kind: KindReply, Username: SanitizeUsername(rest)}
	}
	return Datagram{Kind: KindUnknown}
}

// SanitizeUsername strips control characters, applies the PRECIS nickname
// profile when the name is valid under it and caps the length.
func SanitizeUsername(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if nick, err := precis.Nickname.String(s); err == nil {
		s = nick
	}
	s = strings.TrimSpace(s)
	for len(s) > MaxUsernameSize {
		_, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownUsername
	}
	return s
}
