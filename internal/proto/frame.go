package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MaxFrameSize = 1 << 20
	frameHeader  = 4
)

// EncodeFrame prefixes payload with its big-endian uint32 length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, frameHeader+len(payload))
	binary.BigEndian.PutUint32(out[:frameHeader], uint32(len(payload)))
	copy(out[frameHeader:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameMax(r, MaxFrameSize)
}

// ReadFrameMax reads one frame, rejecting payloads larger than max.
func ReadFrameMax(r io.Reader, max int) ([]byte, error) {
	if max <= 0 || max > MaxFrameSize {
		max = MaxFrameSize
	}
	var lenBuf [frameHeader]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > uint32(max) {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes the whole frame with a single Write call so that one
// message maps to one transport write.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
