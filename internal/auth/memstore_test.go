package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"authgate/internal/store"
)

// memStore is an in-memory Store for tests. Faults are injectable per path so
// tests can exercise the store failure branches without a network.
type memStore struct {
	mu       sync.Mutex
	docs     map[string]json.RawMessage
	getFails map[string]error
	putFails map[string]error
	updates  int
}

func newMemStore() *memStore {
	return &memStore{
		docs:     make(map[string]json.RawMessage),
		getFails: make(map[string]error),
		putFails: make(map[string]error),
	}
}

func (m *memStore) GetJSON(ctx context.Context, path string, v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.getFails[path]; err != nil {
		return err
	}
	raw, ok := m.docs[path]
	if !ok {
		return store.ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", store.ErrMalformed, path, err)
	}
	return nil
}

func (m *memStore) Update(ctx context.Context, path string, fn func(current json.RawMessage) (interface{}, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.putFails[path]; err != nil {
		return err
	}

	m.updates++
	current := m.docs[path]
	next, err := fn(current)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	m.docs[path] = raw
	return nil
}

// seed stores v at path, failing the test on marshal errors.
func (m *memStore) seed(t *testing.T, path string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	m.mu.Lock()
	m.docs[path] = raw
	m.mu.Unlock()
}

// doc decodes the stored document at path into v.
func (m *memStore) doc(t *testing.T, path string, v interface{}) bool {
	t.Helper()
	m.mu.Lock()
	raw, ok := m.docs[path]
	m.mu.Unlock()
	if !ok {
		return false
	}
	require.NoError(t, json.Unmarshal(raw, v))
	return true
}
