// Package nvs abstracts the persistent key-value store the original
// component calls NVS (non-volatile storage): the OTA responder's
// resumable state (key "upugrad_config") and the application key slots
// ("key_info"/"dec_key_info") are the only things this core persists.
//
// Persisted blobs are encoded with github.com/fxamacker/cbor/v2, the same
// compact binary codec used for protocol/session state in
// _examples/other_examples (the backkem-matter Matter-protocol secure
// session vectors) — a natural fit for small versionless structs that
// must round-trip exactly, and a real ecosystem dependency rather than a
// hand-rolled binary.Write walk.
package nvs

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Store is the KeyValueStore trait the design notes call for: get, set,
// erase, namespaced by subsystem the way NVS namespaces are per the
// original (distinct names for distinct subsystems; no implicit sharing).
type Store interface {
	Get(namespace, key string, out interface{}) (bool, error)
	Set(namespace, key string, value interface{}) error
	Erase(namespace, key string) error
}

// MemStore is an in-RAM Store, used by tests and by nodes that don't need
// durability across reboots (spec.md Non-goals: no durable queueing
// across power loss is required of the transport, but OTA/key state MAY
// still be persisted if the host provides a durable Store).
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func nsKey(namespace, key string) string { return namespace + "/" + key }

func (s *MemStore) Get(namespace, key string, out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[nsKey(namespace, key)]
	if !ok {
		return false, nil
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return false, errors.Wrap(err, "nvs: decode")
	}
	return true, nil
}

func (s *MemStore) Set(namespace, key string, value interface{}) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "nvs: encode")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[nsKey(namespace, key)] = raw
	return nil
}

func (s *MemStore) Erase(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, nsKey(namespace, key))
	return nil
}

// FileStore persists each (namespace, key) as one file under Dir, for
// hosts that want OTA resume / key persistence to survive a process
// restart. A migration (changed struct layout) requires erasing the
// directory, matching the original's "versionless blobs" contract.
type FileStore struct {
	mu  sync.Mutex
	Dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (s *FileStore) path(namespace, key string) string {
	return s.Dir + "/" + namespace + "_" + key + ".cbor"
}

func (s *FileStore) Get(namespace, key string, out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path(namespace, key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "nvs: read")
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return false, errors.Wrap(err, "nvs: decode")
	}
	return true, nil
}

func (s *FileStore) Set(namespace, key string, value interface{}) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "nvs: encode")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrap(err, "nvs: mkdir")
	}
	return errors.Wrap(os.WriteFile(s.path(namespace, key), raw, 0o644), "nvs: write")
}

func (s *FileStore) Erase(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(namespace, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errors.Wrap(err, "nvs: remove")
}
