// internal/proto/proto.go
package proto

import "fmt"

// Kind is the message discriminator carried in byte 1 of a cleartext tag.
type Kind uint8

const (
	KindHello      Kind = 0
	KindID         Kind = 1
	KindTrap       Kind = 2
	KindSpecialID  Kind = 3
	KindSuspect    Kind = 4
	KindBlocked    Kind = 5
	KindSuspReduce Kind = 6

	// KindInvalid marks a frame whose magic byte did not match.
	KindInvalid Kind = 255
)

const (
	Magic = 0xAB

	// Port is the UDP port every node listens on.
	Port = 9

	HeaderSize = 42
	DigestSize = 30

	MaxNeighbors  = 512
	MaxPubKeySize = 1024

	// MaxTagSize bounds a fully populated cleartext tag.
	MaxTagSize = HeaderSize + MaxPubKeySize + MaxNeighbors*DigestSize
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindID:
		return "id"
	case KindTrap:
		return "trap"
	case KindSpecialID:
		return "special_id"
	case KindSuspect:
		return "suspect"
	case KindBlocked:
		return "blocked"
	case KindSuspReduce:
		return "susp_reduce"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Label is the human readable payload text used in trace files.
func (k Kind) Label() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindID:
		return "Identification"
	case KindTrap:
		return "Trap"
	case KindSpecialID:
		return "Special identification"
	case KindSuspect:
		return "Suspicious"
	case KindBlocked:
		return "Blocked"
	case KindSuspReduce:
		return "Suspicious Reduction"
	default:
		return "Unknown"
	}
}

func (k Kind) Valid() bool {
	return k <= KindSuspReduce
}

// IsDiscovery reports whether k is one of the key-carrying discovery kinds.
func (k Kind) IsDiscovery() bool {
	return k == KindHello || k == KindID || k == KindSpecialID
}

// IsSuspicion reports whether k belongs to the legacy suspicion protocol.
func (k Kind) IsSuspicion() bool {
	return k == KindSuspect || k == KindBlocked || k == KindSuspReduce
}
