// Package memory provides a thread-safe in-memory secrets.Store and an
// in-memory enrollment id counter.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jmcleod/pkiengine/secrets"
)

// Store is a thread-safe in-memory implementation of secrets.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
	seq  atomic.Int64
}

var _ secrets.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, key secrets.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key.Path()]
	if !ok {
		return nil, secrets.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (s *Store) Set(_ context.Context, key secrets.Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key.Path()] = slices.Clone(value)
	return nil
}

func (s *Store) List(_ context.Context, category secrets.Category, dfspID string) ([]string, error) {
	prefix := secrets.Key{Category: category, DFSPID: dfspID}.Path() + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := []string{}
	for k := range s.data {
		rest, ok := strings.CutPrefix(k, prefix)
		if ok && rest != "" && !strings.Contains(rest, "/") {
			ids = append(ids, rest)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) Delete(_ context.Context, key secrets.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key.Path()]; !ok {
		return secrets.ErrNotFound
	}
	delete(s.data, key.Path())
	return nil
}

// NextID returns the next value of the process-local enrollment counter,
// starting at 1.
func (s *Store) NextID(context.Context) (int64, error) {
	return s.seq.Add(1), nil
}

// Counter is a standalone in-memory id generator.
type Counter struct {
	n atomic.Int64
}

// NextID returns the next id, starting at 1.
func (c *Counter) NextID(context.Context) (int64, error) {
	return c.n.Add(1), nil
}
