package checkpoint

import (
	"sort"
	"sync"
)

// State is the resumable capture progress: every id seen plus the last
// captured record's id and signature.
type State struct {
	mu            sync.RWMutex
	processed     map[string]struct{}
	lastID        string
	lastSignature string
	previousID    string
}

// Snapshot is a point in time copy of a State
type Snapshot struct {
	ProcessedIDs  []string `json:"processedIds"`
	LastID        string   `json:"lastId"`
	LastSignature string   `json:"lastSignature"`
	PreviousID    string   `json:"previousId,omitempty"`
}

// NewState returns an empty State
func NewState() *State {
	return &State{processed: make(map[string]struct{})}
}

// Has reports whether id was already processed
func (s *State) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[id]
	return ok
}

// Mark records id as processed without moving the anchor
func (s *State) Mark(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[id] = struct{}{}
}

// Len returns the number of processed ids
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processed)
}

// LastID returns the anchor id
func (s *State) LastID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

// LastSignature returns the signature of the anchor record
func (s *State) LastSignature() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSignature
}

// PreviousID returns the id captured before the anchor, if known
func (s *State) PreviousID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previousID
}

// Advance moves the anchor to a newly captured record and marks it processed.
func (s *State) Advance(id, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.lastID {
		s.previousID = s.lastID
	}
	s.lastID = id
	s.lastSignature = signature
	if id != "" {
		s.processed[id] = struct{}{}
	}
}

// Rebind points the anchor at a new id for the same logical record, as
// happens when the feed re-renders a message under a different id. The
// previous id is kept.
func (s *State) Rebind(id, signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID = id
	s.lastSignature = signature
	if id != "" {
		s.processed[id] = struct{}{}
	}
}

// IDs returns the processed ids sorted, with the anchor id last.
func (s *State) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedIDs()
}

func (s *State) orderedIDs() []string {
	ids := make([]string, 0, len(s.processed)+1)
	for id := range s.processed {
		if id != s.lastID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if s.lastID != "" {
		ids = append(ids, s.lastID)
	}
	return ids
}

// Snapshot copies the state
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ProcessedIDs:  s.orderedIDs(),
		LastID:        s.lastID,
		LastSignature: s.lastSignature,
		PreviousID:    s.previousID,
	}
}
