package proto

import (
	"errors"
	"fmt"

	"github.com/agnaldosb/flysafe-fdi/internal/geo"
)

// Fields are the decoded tag fields shared by every cleartext variant.
type Fields struct {
	SendTime  float64
	Position  geo.Vec3
	PublicKey []byte
	Neighbors []Digest
}

// Subject is the peer a suspicion notification talks about.
func (f Fields) Subject() (Digest, bool) {
	if len(f.Neighbors) == 0 {
		return Digest{}, false
	}
	return f.Neighbors[0], true
}

// Message is the tagged union of everything a receiver can be handed.
type Message interface {
	Kind() Kind
	isMessage()
}

type (
	Hello      struct{ Fields }
	ID         struct{ Fields }
	Trap       struct{ Fields }
	SpecialID  struct{ Fields }
	Suspect    struct{ Fields }
	Blocked    struct{ Fields }
	SuspReduce struct{ Fields }

	// SealedTrap is a trap that has not been opened yet.
	SealedTrap struct{ Sealed }
)

func (Hello) Kind() Kind      { return KindHello }
func (ID) Kind() Kind         { return KindID }
func (Trap) Kind() Kind       { return KindTrap }
func (SpecialID) Kind() Kind  { return KindSpecialID }
func (Suspect) Kind() Kind    { return KindSuspect }
func (Blocked) Kind() Kind    { return KindBlocked }
func (SuspReduce) Kind() Kind { return KindSuspReduce }
func (SealedTrap) Kind() Kind { return KindTrap }

func (Hello) isMessage()      {}
func (ID) isMessage()         {}
func (Trap) isMessage()       {}
func (SpecialID) isMessage()  {}
func (Suspect) isMessage()    {}
func (Blocked) isMessage()    {}
func (SuspReduce) isMessage() {}
func (SealedTrap) isMessage() {}

var ErrSealedMessage = errors.New("sealed trap has no cleartext fields")

func FromTag(t Tag) (Message, error) {
	f := Fields{
		SendTime:  t.SendTime,
		Position:  t.Position,
		PublicKey: t.PublicKey,
		Neighbors: t.Neighbors,
	}
	switch t.Kind {
	case KindHello:
		return Hello{f}, nil
	case KindID:
		return ID{f}, nil
	case KindTrap:
		return Trap{f}, nil
	case KindSpecialID:
		return SpecialID{f}, nil
	case KindSuspect:
		return Suspect{f}, nil
	case KindBlocked:
		return Blocked{f}, nil
	case KindSuspReduce:
		return SuspReduce{f}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(t.Kind))
	}
}

// FieldsOf returns the cleartext fields of m.
func FieldsOf(m Message) (Fields, error) {
	switch v := m.(type) {
	case Hello:
		return v.Fields, nil
	case ID:
		return v.Fields, nil
	case Trap:
		return v.Fields, nil
	case SpecialID:
		return v.Fields, nil
	case Suspect:
		return v.Fields, nil
	case Blocked:
		return v.Fields, nil
	case SuspReduce:
		return v.Fields, nil
	case SealedTrap:
		return Fields{}, ErrSealedMessage
	default:
		return Fields{}, fmt.Errorf("unexpected message type: %T", m)
	}
}

func ToTag(m Message) (Tag, error) {
	f, err := FieldsOf(m)
	if err != nil {
		return Tag{}, err
	}
	return Tag{
		Kind:       m.Kind(),
		SendTime:   f.SendTime,
		Position:   f.Position,
		PublicKey:  f.PublicKey,
		Neighbors:  f.Neighbors,
		NNeighbors: uint32(len(f.Neighbors)),
	}, nil
}

// New builds the variant for kind k around f.
func New(k Kind, f Fields) (Message, error) {
	return FromTag(Tag{
		Kind:      k,
		SendTime:  f.SendTime,
		Position:  f.Position,
		PublicKey: f.PublicKey,
		Neighbors: f.Neighbors,
	})
}

// EncodeMessage serializes a cleartext variant, or frames a sealed trap.
func EncodeMessage(m Message) ([]byte, error) {
	if s, ok := m.(SealedTrap); ok {
		return EncodeSealed(s.Sealed), nil
	}
	t, err := ToTag(m)
	if err != nil {
		return nil, err
	}
	return EncodeTag(t)
}

// ParsePayload classifies a UDP payload as a sealed trap or a cleartext tag.
func ParsePayload(payload []byte) (Message, error) {
	if IsSealed(payload) {
		s, err := DecodeSealed(payload)
		if err != nil {
			return nil, err
		}
		return SealedTrap{s}, nil
	}
	t, err := DecodeTag(payload)
	if err != nil {
		return nil, err
	}
	return FromTag(t)
}
