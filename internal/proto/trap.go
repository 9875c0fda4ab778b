package proto

import (
	"bytes"
	"errors"
	"fmt"
)

// TrapPrefix opens every sealed trap payload.
var TrapPrefix = []byte("Trap!")

const (
	NonceSize = 16

	// SealedHeaderSize is prefix plus nonce; the AEAD ciphertext follows.
	SealedHeaderSize = 5 + NonceSize
)

var ErrNotSealed = errors.New("payload is not a sealed trap")

// Sealed is an encrypted trap as it travels on the wire.
type Sealed struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

func IsSealed(payload []byte) bool {
	return len(payload) >= len(TrapPrefix) && bytes.Equal(payload[:len(TrapPrefix)], TrapPrefix)
}

func EncodeSealed(s Sealed) []byte {
	out := make([]byte, 0, SealedHeaderSize+len(s.Ciphertext))
	out = append(out, TrapPrefix...)
	out = append(out, s.Nonce[:]...)
	out = append(out, s.Ciphertext...)
	return out
}

func DecodeSealed(payload []byte) (Sealed, error) {
	var s Sealed
	if !IsSealed(payload) {
		return s, ErrNotSealed
	}
	if len(payload) < SealedHeaderSize {
		return s, fmt.Errorf("%w: sealed trap %d bytes", ErrTruncated, len(payload))
	}
	copy(s.Nonce[:], payload[len(TrapPrefix):SealedHeaderSize])
	s.Ciphertext = append([]byte(nil), payload[SealedHeaderSize:]...)
	return s, nil
}
