package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

const (
	labelTrapKey = "flysafe:trap-key:v1"
	pemTypePub   = "PUBLIC KEY"
	pemTypePriv  = "PRIVATE KEY"
)

var (
	ErrNoKey     = errors.New("no shared key for peer")
	ErrBadPEM    = errors.New("bad pem public key")
	ErrCurve     = errors.New("public key is not on P-256")
	ErrDestroyed = errors.New("key pair destroyed")
)

// KeyPair is a node's ephemeral P-256 key pair.
type KeyPair struct {
	priv      *ecdh.PrivateKey
	pubPEM    []byte
	destroyed bool
}

func (k *KeyPair) String() string {
	return "KeyPair{REDACTED}"
}

func (k *KeyPair) GoString() string {
	return "crypto.KeyPair{REDACTED}"
}

func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := ecdh.P256().GenerateKey(r)
	if err != nil {
		return nil, err
	}
	pubPEM, err := MarshalPublicPEM(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv, pubPEM: pubPEM}, nil
}

// PublicPEM is the value advertised in the public_key tag field.
func (k *KeyPair) PublicPEM() []byte {
	if k == nil || k.destroyed {
		return nil
	}
	out := make([]byte, len(k.pubPEM))
	copy(out, k.pubPEM)
	return out
}

func (k *KeyPair) PrivatePEM() ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, ErrDestroyed
	}
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePriv, Bytes: der}), nil
}

// SharedKey derives the symmetric trap key shared with the owner of peerPEM.
// Both sides obtain the same key.
func (k *KeyPair) SharedKey(peerPEM []byte) ([]byte, error) {
	if k == nil || k.destroyed {
		return nil, ErrDestroyed
	}
	pub, err := ParsePublicPEM(peerPEM)
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, err
	}
	return DeriveKeyE(secret, labelTrapKey, KeySize)
}

func (k *KeyPair) Destroy() {
	if k == nil || k.destroyed {
		return
	}
	for i := range k.pubPEM {
		k.pubPEM[i] = 0
	}
	k.priv = nil
	k.destroyed = true
}

func MarshalPublicPEM(pub *ecdh.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePub, Bytes: der}), nil
}

func ParsePublicPEM(b []byte) (*ecdh.PublicKey, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadPEM)
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != pemTypePub {
		return nil, ErrBadPEM
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPEM, err)
	}
	ec, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrCurve
	}
	pub, err := ec.ECDH()
	if err != nil {
		return nil, err
	}
	if pub.Curve() != ecdh.P256() {
		return nil, ErrCurve
	}
	return pub, nil
}

// -----------------------------------------------------------------------------
// Trap sealing
// -----------------------------------------------------------------------------

// SealTag encrypts an encoded cleartext tag into the sealed trap framing.
func SealTag(r io.Reader, key, tag []byte) (proto.Sealed, error) {
	nonce, ct, err := Seal(r, key, tag)
	if err != nil {
		return proto.Sealed{}, err
	}
	return proto.Sealed{Nonce: nonce, Ciphertext: ct}, nil
}

func OpenTag(key []byte, s proto.Sealed) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	return Open(key, s.Nonce, s.Ciphertext)
}
