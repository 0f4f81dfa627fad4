package channel

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork      = errors.New("channel: network error")
	ErrHandshake    = errors.New("channel: handshake failed")
	ErrNotReady     = errors.New("channel: not ready")
	ErrDecrypt      = errors.New("channel: decrypt failed")
	ErrInvalidState = errors.New("channel: already started")
	ErrClosed       = errors.New("channel: closed")
	ErrTooLarge     = errors.New("channel: message too large")
)

func networkErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}

func handshakeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrHandshake, op, err)
}
