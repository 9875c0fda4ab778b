package node

import (
	"bytes"
	"net/netip"
	"sync"

	"github.com/agnaldosb/flysafe-fdi/internal/crypto"
)

type Session struct {
	PeerPEMHash []byte
	Key         []byte
}

// SessionStore is the shared-key map: peer address to trap key.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[netip.Addr]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[netip.Addr]*Session)}
}

// Learn stores the key derived from peerPEM. Re-announcing the same public
// key leaves the map untouched and reports false.
func (s *SessionStore) Learn(peer netip.Addr, peerPEM []byte, derive func([]byte) ([]byte, error)) (bool, error) {
	h := crypto.SHA3_256(peerPEM)
	s.mu.Lock()
	if cur, ok := s.sessions[peer]; ok && bytes.Equal(cur.PeerPEMHash, h) {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	key, err := derive(peerPEM)
	if err != nil {
		return false, err
	}
	s.Set(peer, &Session{PeerPEMHash: h, Key: key})
	return true, nil
}

func (s *SessionStore) Get(peer netip.Addr) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[peer]
	return st, ok
}

func (s *SessionStore) Key(peer netip.Addr) []byte {
	st, ok := s.Get(peer)
	if !ok {
		return nil
	}
	return st.Key
}

func (s *SessionStore) Set(peer netip.Addr, st *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[peer] = st
}

func (s *SessionStore) Has(peer netip.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[peer]
	return ok
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sessions {
		for i := range st.Key {
			st.Key[i] = 0
		}
	}
	s.sessions = make(map[netip.Addr]*Session)
}
