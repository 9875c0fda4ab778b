// internal/crypto/crypto.go
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// FlySafe crypto suite
//
// - P-256 ECDH, one ephemeral key pair per node, public half as PEM
// - HKDF over SHA3-256 for the shared trap key
// - AES-256-GCM with a 16-byte nonce, empty associated data
// -----------------------------------------------------------------------------

const (
	KeySize   = 32
	NonceSize = 16

	contextPrefix = "flysafe:"
)

var (
	ErrKeySize   = fmt.Errorf("bad key size: need %d", KeySize)
	ErrNonceSize = fmt.Errorf("bad nonce size: need %d", NonceSize)
	ErrOpen      = errors.New("aead open failed")
	ErrContext   = errors.New("kdf context must carry the flysafe: prefix")
)

// -----------------------------------------------------------------------------
// SHA-3 / KDF
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func Extract(salt, ikm []byte) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, errors.New("empty key material")
	}
	return hkdf.Extract(sha3.New256, ikm, salt), nil
}

func Expand(prk, info []byte, n int) ([]byte, error) {
	if len(prk) == 0 {
		return nil, errors.New("empty prk")
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha3.New256, prk, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveKeyE runs extract-then-expand with a domain separated context.
func DeriveKeyE(ikm []byte, context string, n int) ([]byte, error) {
	if !strings.HasPrefix(context, contextPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrContext, context)
	}
	prk, err := Extract(nil, ikm)
	if err != nil {
		return nil, err
	}
	return Expand(prk, []byte(context), n)
}

// -----------------------------------------------------------------------------
// AEAD
// -----------------------------------------------------------------------------

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// Seal draws a fresh nonce from r (crypto/rand when nil) and seals plaintext.
func Seal(r io.Reader, key, plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nonce, nil, err
	}
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, nil, err
	}
	return nonce, aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func SealWithNonce(key []byte, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func Open(key []byte, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return pt, nil
}
