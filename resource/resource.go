// Package resource implements the registry of named payloads available
// to an execution host. The host owns the authoritative store; the
// coordinator keeps a read-only mirror corrected on every
// register/unregister response.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind classifies a registered payload. Engines use it to decide how to
// materialize the resource (table, file, script value).
type Kind string

const (
	KindCSV    Kind = "csv"
	KindJSON   Kind = "json"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

var (
	ErrNotFound     = errors.New("resource: not found")
	ErrEmptyName    = errors.New("resource: name required")
	ErrEmptyPayload = errors.New("resource: payload required")
)

// Resource is a named payload handed to the execution host. The payload
// slice is transferred, not copied: after registration the caller must
// not modify it.
type Resource struct {
	Name    string
	Kind    Kind
	Payload []byte
}

// Info is the payload-free view of a resource, suitable for mirroring
// on the coordinator side.
type Info struct {
	Name string
	Kind Kind
	Size int64
}

func (r Resource) Info() Info {
	return Info{Name: r.Name, Kind: r.Kind, Size: int64(len(r.Payload))}
}

// Store is the host-side resource table. Re-registering an existing
// name overwrites the previous payload.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]Resource
	maxPayload int64
	maxEntries int
}

// StoreOption configures limits on a Store.
type StoreOption func(*Store)

// WithMaxPayloadSize caps the size of a single registered payload.
func WithMaxPayloadSize(n int64) StoreOption {
	return func(s *Store) { s.maxPayload = n }
}

// WithMaxEntries caps the number of resources held at once.
func WithMaxEntries(n int) StoreOption {
	return func(s *Store) { s.maxEntries = n }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{entries: make(map[string]Resource)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Put(res Resource) error {
	if res.Name == "" {
		return ErrEmptyName
	}
	if len(res.Payload) == 0 {
		return ErrEmptyPayload
	}
	if s.maxPayload > 0 && int64(len(res.Payload)) > s.maxPayload {
		return fmt.Errorf("resource: payload %q exceeds limit of %d bytes", res.Name, s.maxPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[res.Name]; !exists {
		if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
			return fmt.Errorf("resource: store full (%d entries)", s.maxEntries)
		}
	}
	s.entries[res.Name] = res
	return nil
}

func (s *Store) Get(name string) (Resource, error) {
	s.mu.RLock()
	res, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return res, nil
}

func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.entries, name)
	return nil
}

// List returns Info for every entry, sorted by name.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]Info, 0, len(s.entries))
	for _, res := range s.entries {
		infos = append(infos, res.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]Resource)
	s.mu.Unlock()
}
