package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"

	"offerbook/storage"
)

// DefaultCacheSize is the number of decoded-key entries kept in the read cache.
const DefaultCacheSize = 4096

// Manager provides rlp-encoded key/value access on top of a storage backend.
// Keys are hashed with keccak256 before they reach the backend so callers can
// use readable, prefix-structured keys.
//
// Manager is not safe for concurrent mutation; callers serialise writes.
type Manager struct {
	db    storage.Database
	cache *lru.Cache[string, []byte]
}

// Option customises a Manager.
type Option func(*Manager)

// WithCacheSize overrides the read cache capacity. A non-positive size
// disables caching.
func WithCacheSize(size int) Option {
	return func(m *Manager) {
		if size <= 0 {
			m.cache = nil
			return
		}
		cache, err := lru.New[string, []byte](size)
		if err == nil {
			m.cache = cache
		}
	}
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database, opts ...Option) *Manager {
	m := &Manager{db: db}
	WithCacheSize(DefaultCacheSize)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) read(hashed []byte) ([]byte, error) {
	if m.cache != nil {
		if value, ok := m.cache.Get(string(hashed)); ok {
			return value, nil
		}
	}
	value, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		value, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Add(string(hashed), value)
	}
	return value, nil
}

func (m *Manager) write(hashed, value []byte) error {
	if m.cache != nil {
		m.cache.Remove(string(hashed))
	}
	return m.db.Put(hashed, value)
}

func (m *Manager) remove(hashed []byte) error {
	if m.cache != nil {
		m.cache.Remove(string(hashed))
	}
	return m.db.Delete(hashed)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.write(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVHas reports whether a value exists under key.
func (m *Manager) KVHas(key []byte) (bool, error) {
	return m.KVGet(key, nil)
}

// KVDelete removes the value stored under key. Deleting a missing key is a
// no-op.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.remove(kvKey(key))
}

func (m *Manager) loadList(hashed []byte) ([][]byte, error) {
	data, err := m.read(hashed)
	if err != nil {
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (m *Manager) storeList(hashed []byte, list [][]byte) error {
	if len(list) == 0 {
		return m.remove(hashed)
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.write(hashed, encoded)
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	list, err := m.loadList(hashed)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.storeList(hashed, list)
}

// KVRemove deletes value from the list stored under key, preserving the order
// of the remaining entries. The boolean reports whether the value was present.
// An emptied list is deleted outright.
func (m *Manager) KVRemove(key []byte, value []byte) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	list, err := m.loadList(hashed)
	if err != nil {
		return false, err
	}
	for i, existing := range list {
		if bytes.Equal(existing, value) {
			list = append(list[:i], list[i+1:]...)
			return true, m.storeList(hashed, list)
		}
	}
	return false, nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// KVIncrement bumps the uint64 counter stored under key and returns the new
// value. Missing counters start at zero.
func (m *Manager) KVIncrement(key []byte) (uint64, error) {
	var current uint64
	if _, err := m.KVGet(key, &current); err != nil {
		return 0, err
	}
	current++
	if err := m.KVPut(key, current); err != nil {
		return 0, err
	}
	return current, nil
}

// Atomic runs fn against a buffered view of the state. Writes performed by fn
// become visible to the parent only when fn returns nil, in which case they
// are committed to the backend as a single batch. Any error discards them.
func (m *Manager) Atomic(fn func(tx *Manager) error) error {
	if fn == nil {
		return nil
	}
	ov := newOverlay(m)
	tx := &Manager{db: ov}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(ov.batch())
}

func (m *Manager) commit(batch *storage.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if m.cache != nil {
		for _, op := range batch.Ops() {
			m.cache.Remove(string(op.Key))
		}
	}
	return m.db.Write(batch)
}
