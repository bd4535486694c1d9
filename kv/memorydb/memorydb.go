// Package memorydb implements an in-memory kv.Store, the backing engine
// the store-backed unit tests in this module use (package kv's own
// tests use a small fake instead). It follows the same Get/Put/Delete/
// NewIterator/NewBatch surface and copy-on-insert discipline as
// go-ethereum's ethdb/memorydb package.
package memorydb

import (
	"errors"
	"sort"
	"sync"

	"github.com/ethereum-mive/tailchain/kv"
)

var errMemorydbClosed = errors.New("memorydb: closed")

// Database is an ephemeral, in-memory key-value store.
type Database struct {
	lock sync.RWMutex
	db   map[string][]byte
}

// New returns a new, empty in-memory database.
func New() *Database {
	return &Database{db: make(map[string][]byte)}
}

func (d *Database) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.db = nil
	return nil
}

func (d *Database) Has(key []byte) (bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.db == nil {
		return false, errMemorydbClosed
	}
	_, ok := d.db[string(key)]
	return ok, nil
}

func (d *Database) Get(key []byte) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.db == nil {
		return nil, errMemorydbClosed
	}
	if entry, ok := d.db[string(key)]; ok {
		return append([]byte{}, entry...), nil
	}
	return nil, kv.ErrNotFound
}

func (d *Database) Put(key, value []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.db == nil {
		return errMemorydbClosed
	}
	d.db[string(key)] = append([]byte{}, value...)
	return nil
}

func (d *Database) Delete(key []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.db == nil {
		return errMemorydbClosed
	}
	delete(d.db, string(key))
	return nil
}

func (d *Database) NewBatch() kv.Batch {
	return &batch{db: d}
}

func (d *Database) NewIterator(prefix, start []byte) kv.Iterator {
	d.lock.RLock()
	defer d.lock.RUnlock()

	var keys []string
	for k := range d.db {
		if len(k) < len(prefix) || k[:len(prefix)] != string(prefix) {
			continue
		}
		if string(start) > "" && k[len(prefix):] < string(start) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte{}, d.db[k]...)
	}
	return &iterator{keys: keys, values: values, idx: -1}
}

type keyValue struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	db     *Database
	writes []keyValue
	size   int
}

func (b *batch) Put(key, value []byte) error {
	b.writes = append(b.writes, keyValue{append([]byte{}, key...), append([]byte{}, value...), false})
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.writes = append(b.writes, keyValue{append([]byte{}, key...), nil, true})
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()
	if b.db.db == nil {
		return errMemorydbClosed
	}
	for _, w := range b.writes {
		if w.delete {
			delete(b.db.db, string(w.key))
			continue
		}
		b.db.db[string(w.key)] = w.value
	}
	return nil
}

func (b *batch) Reset() {
	b.writes = b.writes[:0]
	b.size = 0
}

type iterator struct {
	keys   []string
	values [][]byte
	idx    int
}

func (it *iterator) Next() bool {
	if it.idx+1 >= len(it.keys) {
		it.idx = len(it.keys)
		return false
	}
	it.idx++
	return true
}

func (it *iterator) Error() error { return nil }

func (it *iterator) Key() []byte {
	if it.idx < 0 || it.idx >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.idx])
}

func (it *iterator) Value() []byte {
	if it.idx < 0 || it.idx >= len(it.values) {
		return nil
	}
	return it.values[it.idx]
}

func (it *iterator) Release() {}
