package transfer

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by a ResumeStore for unknown content.
var ErrNotFound = errors.New("transfer: resume state not found")

// ResumeState is the persisted progress of an incoming transfer, keyed by
// CID so a later offer of the same content picks it up.
type ResumeState struct {
	CID       string    `cbor:"1,keyasint"`
	Name      string    `cbor:"2,keyasint,omitempty"`
	Size      uint64    `cbor:"3,keyasint"`
	ChunkSize int       `cbor:"4,keyasint"`
	Verified  []byte    `cbor:"5,keyasint"`
	TempPath  string    `cbor:"6,keyasint"`
	Dest      string    `cbor:"7,keyasint"`
	Updated   time.Time `cbor:"8,keyasint"`
}

// ResumeStore persists ResumeState across restarts.
type ResumeStore interface {
	Load(cid string) (*ResumeState, error)
	Save(st *ResumeState) error
	Delete(cid string) error
	List() ([]*ResumeState, error)
	Close() error
}

// MemoryStore keeps resume state in memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*ResumeState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*ResumeState)}
}

func (s *MemoryStore) Load(cid string) (*ResumeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return st.clone(), nil
}

func (s *MemoryStore) Save(st *ResumeState) error {
	s.mu.Lock()
	s.states[st.CID] = st.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(cid string) error {
	s.mu.Lock()
	delete(s.states, cid)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List() ([]*ResumeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ResumeState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.clone())
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (st *ResumeState) clone() *ResumeState {
	c := *st
	c.Verified = append([]byte(nil), st.Verified...)
	return &c
}
