package credentials

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrInvalidEntryName = errors.New("credentials: invalid entry name")

// Bundle is the opaque authentication state handed out by the messaging network.
// Entry names are chosen by the network side; values are never interpreted here.
type Bundle map[string][]byte

// Clone returns a deep copy of b.
func (b Bundle) Clone() Bundle {
	out := make(Bundle, len(b))
	for name, value := range b {
		buf := make([]byte, len(value))
		copy(buf, value)
		out[name] = buf
	}
	return out
}

// Merge applies update onto b in place. An empty value removes the entry.
func (b Bundle) Merge(update Bundle) {
	for name, value := range update {
		if len(value) == 0 {
			delete(b, name)
			continue
		}
		buf := make([]byte, len(value))
		copy(buf, value)
		b[name] = buf
	}
}

// Names returns entry names in sorted order.
func (b Bundle) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store persists a Bundle across process restarts.
//
// Save receives a partial update: entries present with a value are written, entries
// present with an empty value are removed, absent entries are left untouched.
type Store interface {
	Load(ctx context.Context) (Bundle, error)
	Save(ctx context.Context, update Bundle) error
}

// MemoryStore keeps the bundle in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	bundle Bundle
	saves  int
}

func NewMemoryStore(initial Bundle) *MemoryStore {
	b := Bundle{}
	b.Merge(initial)
	return &MemoryStore{bundle: b}
}

func (s *MemoryStore) Load(ctx context.Context) (Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundle.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, update Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle.Merge(update)
	s.saves++
	return nil
}

// Saves reports how many Save calls succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
