package kv

import "bytes"

// NewTable returns a Store that transparently prefixes every key it
// writes and strips that prefix from every key it reads, giving the
// caller an isolated sub-space of db.
func NewTable(db Store, prefix string) Store {
	return &table{db: db, prefix: []byte(prefix)}
}

type table struct {
	db     Store
	prefix []byte
}

func (t *table) prefixed(key []byte) []byte {
	return append(append([]byte{}, t.prefix...), key...)
}

func (t *table) Has(key []byte) (bool, error) {
	return t.db.Has(t.prefixed(key))
}

func (t *table) Get(key []byte) ([]byte, error) {
	return t.db.Get(t.prefixed(key))
}

func (t *table) Put(key, value []byte) error {
	return t.db.Put(t.prefixed(key), value)
}

func (t *table) Delete(key []byte) error {
	return t.db.Delete(t.prefixed(key))
}

func (t *table) Close() error { return nil }

func (t *table) NewBatch() Batch {
	return &tableBatch{batch: t.db.NewBatch(), prefix: t.prefix}
}

func (t *table) NewIterator(prefix, start []byte) Iterator {
	return &tableIterator{
		iter:   t.db.NewIterator(t.prefixed(prefix), start),
		prefix: t.prefix,
	}
}

type tableBatch struct {
	batch  Batch
	prefix []byte
}

func (b *tableBatch) Put(key, value []byte) error {
	return b.batch.Put(append(append([]byte{}, b.prefix...), key...), value)
}

func (b *tableBatch) Delete(key []byte) error {
	return b.batch.Delete(append(append([]byte{}, b.prefix...), key...))
}

func (b *tableBatch) ValueSize() int { return b.batch.ValueSize() }
func (b *tableBatch) Write() error   { return b.batch.Write() }
func (b *tableBatch) Reset()         { b.batch.Reset() }

type tableIterator struct {
	iter   Iterator
	prefix []byte
}

func (i *tableIterator) Next() bool  { return i.iter.Next() }
func (i *tableIterator) Error() error { return i.iter.Error() }
func (i *tableIterator) Release()    { i.iter.Release() }

func (i *tableIterator) Key() []byte {
	key := i.iter.Key()
	if !bytes.HasPrefix(key, i.prefix) {
		return key
	}
	return key[len(i.prefix):]
}

func (i *tableIterator) Value() []byte { return i.iter.Value() }
