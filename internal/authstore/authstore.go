// SPDX-License-Identifier: MIT

// Package authstore persists the opaque credential blobs the protocol
// client hands out. The orchestrator never inspects a blob; it only
// saves it on rotation, loads it before dialing and deletes it when a
// device logs out.
package authstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no credentials are stored for a device.
var ErrNotFound = errors.New("no stored credentials")

// Store persists credential blobs keyed by device id.
type Store interface {
	Save(ctx context.Context, deviceID string, blob []byte) error
	Load(ctx context.Context, deviceID string) ([]byte, error)
	Delete(ctx context.Context, deviceID string) error
}

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, deviceID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.blobs[deviceID] = cp
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, deviceID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (m *MemoryStore) Delete(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, deviceID)
	return nil
}
