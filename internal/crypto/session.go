package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	BundleKeySize = 32
	BundleIVSize  = aes.BlockSize
	BundleSize    = BundleKeySize + BundleIVSize
)

// Suite names the symmetric cipher used for data frames.
type Suite string

const (
	// SuiteAESCBC is AES-256-CBC with PKCS#7 padding. Key and IV are fixed
	// for the lifetime of a channel.
	SuiteAESCBC Suite = "aes-cbc"
	// SuiteXChaCha is XChaCha20-Poly1305 with a random nonce prefixed to
	// every ciphertext. Only the key half of the bundle is used.
	SuiteXChaCha Suite = "xchacha20poly1305"
)

var ErrOpen = errors.New("session open failed")

func ParseSuite(s string) (Suite, error) {
	switch Suite(s) {
	case SuiteAESCBC, SuiteXChaCha:
		return Suite(s), nil
	case "":
		return SuiteAESCBC, nil
	default:
		return "", fmt.Errorf("unknown cipher suite: %q", s)
	}
}

// Bundle is the symmetric key material sent by the initiator.
type Bundle struct {
	Key []byte
	IV  []byte
}

func NewBundle() (Bundle, error) {
	buf := make([]byte, BundleSize)
	if _, err := rand.Read(buf); err != nil {
		return Bundle{}, err
	}
	return Bundle{Key: buf[:BundleKeySize], IV: buf[BundleKeySize:]}, nil
}

// Bytes returns key||iv.
func (b Bundle) Bytes() []byte {
	out := make([]byte, 0, BundleSize)
	out = append(out, b.Key...)
	return append(out, b.IV...)
}

func ParseBundle(raw []byte) (Bundle, error) {
	if len(raw) != BundleSize {
		return Bundle{}, fmt.Errorf("bad bundle size: %d", len(raw))
	}
	buf := make([]byte, BundleSize)
	copy(buf, raw)
	return Bundle{Key: buf[:BundleKeySize], IV: buf[BundleKeySize:]}, nil
}

func (b Bundle) Equal(o Bundle) bool {
	return bytes.Equal(b.Key, o.Key) && bytes.Equal(b.IV, o.IV)
}

// SessionCipher seals one whole message per call.
type SessionCipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

func NewSessionCipher(suite Suite, b Bundle) (SessionCipher, error) {
	if len(b.Key) != BundleKeySize || len(b.IV) != BundleIVSize {
		return nil, errors.New("bad bundle")
	}
	switch suite {
	case SuiteAESCBC, "":
		block, err := aes.NewCipher(b.Key)
		if err != nil {
			return nil, err
		}
		return &cbcCipher{block: block, iv: b.IV}, nil
	case SuiteXChaCha:
		key := make([]byte, XKeySize)
		copy(key, b.Key)
		return &xchachaCipher{key: key}, nil
	default:
		return nil, fmt.Errorf("unknown cipher suite: %q", suite)
	}
}

type cbcCipher struct {
	block cipher.Block
	iv    []byte
}

func (c *cbcCipher) Seal(plaintext []byte) ([]byte, error) {
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

func (c *cbcCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrOpen
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, ciphertext)
	plain, ok := pkcs7Unpad(out, aes.BlockSize)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}

type xchachaCipher struct {
	key []byte
}

func (c *xchachaCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce, ct, err := XSeal(c.key, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func (c *xchachaCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < XNonceSize {
		return nil, ErrOpen
	}
	plain, err := XOpen(c.key, ciphertext[:XNonceSize], ciphertext[XNonceSize:], nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, false
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
