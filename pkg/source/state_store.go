// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/pakstat/pkg/ranges"
)

// CollectionState is the saved progress of one collection
type CollectionState struct {
	// Signature of the table the state was saved against
	Signature uint16 `cbor:"1,keyasint"`
	Floor     uint32 `cbor:"2,keyasint"`
	// Collected holds inclusive [begin, end] record number ranges
	Collected [][2]uint32 `cbor:"3,keyasint"`
}

func newCollectionState(sig uint16, floor uint32, collected *ranges.RangeList) *CollectionState {
	st := &CollectionState{Signature: sig, Floor: floor}
	for _, r := range collected.Ranges() {
		st.Collected = append(st.Collected, [2]uint32{r.Begin, r.End})
	}
	return st
}

func (st *CollectionState) rangeList() *ranges.RangeList {
	l := ranges.New()
	for _, r := range st.Collected {
		l.AddRange(r[0], r[1])
	}
	return l
}

// StateStore persists collection progress keyed by table and columns
type StateStore interface {
	// Load returns nil without error when nothing was saved under key
	Load(key string) (*CollectionState, error)
	Save(key string, st *CollectionState) error
}

// FileStateStore keeps every collection's state in one CBOR file
type FileStateStore struct {
	path string

	mu     sync.Mutex
	states map[string]*CollectionState
	loaded bool
}

// NewFileStateStore creates a store backed by the file at path. The file is
// created on the first save.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (f *FileStateStore) load() error {
	if f.loaded {
		return nil
	}
	f.states = make(map[string]*CollectionState)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}
	if err := cbor.Unmarshal(data, &f.states); err != nil {
		return fmt.Errorf("decoding state file %s: %w", f.path, err)
	}
	f.loaded = true
	return nil
}

func (f *FileStateStore) Load(key string) (*CollectionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return nil, err
	}
	return f.states[key], nil
}

func (f *FileStateStore) Save(key string, st *CollectionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		// Start over rather than keep failing on a damaged file
		f.states = make(map[string]*CollectionState)
		f.loaded = true
	}
	f.states[key] = st

	data, err := cbor.Marshal(f.states)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".pakstat-state-*")
	if err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing state file: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

// MemoryStateStore keeps states in memory
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*CollectionState
}

func (m *MemoryStateStore) Load(key string) (*CollectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	c := *st
	c.Collected = append([][2]uint32(nil), st.Collected...)
	return &c, nil
}

func (m *MemoryStateStore) Save(key string, st *CollectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]*CollectionState)
	}
	c := *st
	c.Collected = append([][2]uint32(nil), st.Collected...)
	m.states[key] = &c
	return nil
}
