// Package leveldb implements kv.Store over syndtr/goleveldb, the embedded
// ordered key-value engine go-ethereum's own chaindata historically rests
// on. Opening a directory takes a gofrs/flock lock on it, the same
// guard go-ethereum's node.Node places over its datadir, so two processes
// never share one store.
package leveldb

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ethereum-mive/tailchain/kv"
)

// Database wraps a goleveldb handle and the flock guarding its directory.
type Database struct {
	db   *leveldb.DB
	lock *flock.Flock
}

// New opens (creating if necessary) the leveldb database at path.
func New(path string, cacheMB, handles int) (*Database, error) {
	lock := flock.New(filepath.Join(path, "LOCK.tailchain"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("leveldb: datadir %s is locked by another process", path)
	}

	opts := &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cacheMB / 2 * opt.MiB,
		WriteBuffer:            cacheMB / 4 * opt.MiB,
	}
	db, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return &Database{db: db, lock: lock}, nil
}

func (d *Database) Close() error {
	err := d.db.Close()
	d.lock.Unlock()
	return err
}

func (d *Database) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

func (d *Database) Get(key []byte) ([]byte, error) {
	value, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, kv.ErrNotFound
	}
	return value, err
}

func (d *Database) Put(key, value []byte) error {
	return d.db.Put(key, value, nil)
}

func (d *Database) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

func (d *Database) NewBatch() kv.Batch {
	return &batch{db: d.db, b: new(leveldb.Batch)}
}

func (d *Database) NewIterator(prefix, start []byte) kv.Iterator {
	return d.db.NewIterator(bytesPrefixRange(prefix, start), nil)
}

func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return r
}

type batch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int { return b.size }
func (b *batch) Write() error   { return b.db.Write(b.b, nil) }
func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}
