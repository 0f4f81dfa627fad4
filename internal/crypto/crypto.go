// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// GhostLink channel crypto
//
// - RSA-2048 keypair per channel, public key exchanged as PKIX DER
// - RSA-OAEP(SHA-256) wraps the symmetric bundle key(32)||iv(16)
// - data frames sealed by the negotiated session suite
// -----------------------------------------------------------------------------

const RSABits = 2048

const (
	// XChaCha20-Poly1305 sizes
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

// MaxPublicKeySize bounds the DER public key read during a handshake.
const MaxPublicKeySize = 4096

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Fingerprint is the hex SHA3-256 of a DER public key.
func Fingerprint(pub []byte) string {
	if len(pub) == 0 {
		return ""
	}
	return hex.EncodeToString(SHA3_256(pub))
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal generates a random 24 byte nonce and seals plaintext under key32.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// -----------------------------------------------------------------------------
// RSA keypair and key wrap
// -----------------------------------------------------------------------------

// Keypair is a per-channel RSA key. It is never persisted.
type Keypair struct {
	priv   *rsa.PrivateKey
	pubDER []byte
}

func (k *Keypair) String() string {
	return "Keypair{REDACTED}"
}

func (k *Keypair) GoString() string {
	return "crypto.Keypair{REDACTED}"
}

func GenKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv, pubDER: pubDER}, nil
}

// Public returns a copy of the PKIX DER public key.
func (k *Keypair) Public() []byte {
	out := make([]byte, len(k.pubDER))
	copy(out, k.pubDER)
	return out
}

// Unwrap decrypts a bundle wrapped for this keypair.
func (k *Keypair) Unwrap(ciphertext []byte) ([]byte, error) {
	if k == nil || k.priv == nil {
		return nil, errors.New("keypair unavailable")
	}
	return rsa.DecryptOAEP(sha256.New(), nil, k.priv, ciphertext, nil)
}

// Wrap encrypts msg under a peer's DER public key.
func Wrap(peerPub []byte, msg []byte) ([]byte, error) {
	key, err := ParseRSAPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, key, msg, nil)
}

func ParseRSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	if len(pub) == 0 {
		return nil, errors.New("empty key material")
	}
	if len(pub) > MaxPublicKeySize {
		return nil, errors.New("public key too large")
	}
	key, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rsaKey, nil
}
