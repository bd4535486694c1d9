package kv

import "testing"

type fakeStore struct {
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (f *fakeStore) Has(key []byte) (bool, error) {
	_, ok := f.data[string(key)]
	return ok, nil
}
func (f *fakeStore) Get(key []byte) ([]byte, error) {
	v, ok := f.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}
func (f *fakeStore) Put(key, value []byte) error {
	f.data[string(key)] = append([]byte{}, value...)
	return nil
}
func (f *fakeStore) Delete(key []byte) error {
	delete(f.data, string(key))
	return nil
}
func (f *fakeStore) Close() error { return nil }
func (f *fakeStore) NewBatch() Batch {
	return &fakeBatch{store: f}
}
func (f *fakeStore) NewIterator(prefix, start []byte) Iterator {
	var keys []string
	for k := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	return &fakeIterator{store: f, keys: keys, idx: -1}
}

type fakeBatch struct {
	store *fakeStore
	ops   []func()
}

func (b *fakeBatch) Put(key, value []byte) error {
	k, v := string(key), append([]byte{}, value...)
	b.ops = append(b.ops, func() { b.store.data[k] = v })
	return nil
}
func (b *fakeBatch) Delete(key []byte) error {
	k := string(key)
	b.ops = append(b.ops, func() { delete(b.store.data, k) })
	return nil
}
func (b *fakeBatch) ValueSize() int { return len(b.ops) }
func (b *fakeBatch) Write() error {
	for _, op := range b.ops {
		op()
	}
	return nil
}
func (b *fakeBatch) Reset() { b.ops = nil }

type fakeIterator struct {
	store *fakeStore
	keys  []string
	idx   int
}

func (it *fakeIterator) Next() bool {
	it.idx++
	return it.idx < len(it.keys)
}
func (it *fakeIterator) Error() error  { return nil }
func (it *fakeIterator) Key() []byte   { return []byte(it.keys[it.idx]) }
func (it *fakeIterator) Value() []byte { return it.store.data[it.keys[it.idx]] }
func (it *fakeIterator) Release()      {}

func TestTableIsolatesNamespace(t *testing.T) {
	db := newFakeStore()
	a := NewTable(db, "a-")
	b := NewTable(db, "b-")

	if err := a.Put([]byte("x"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put([]byte("x"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := a.Get([]byte("x"))
	if err != nil || string(got) != "1" {
		t.Fatalf("a.Get(x) = %q, %v; want 1, nil", got, err)
	}
	got, err = b.Get([]byte("x"))
	if err != nil || string(got) != "2" {
		t.Fatalf("b.Get(x) = %q, %v; want 2, nil", got, err)
	}

	if _, ok := db.data["a-x"]; !ok {
		t.Fatal("underlying store missing prefixed key a-x")
	}
}

func TestTableBatchAndIterator(t *testing.T) {
	db := newFakeStore()
	tbl := NewTable(db, "t-")

	batch := tbl.NewBatch()
	batch.Put([]byte("1"), []byte("one"))
	batch.Put([]byte("2"), []byte("two"))
	if err := batch.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	iter := tbl.NewIterator(nil, nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
		if len(iter.Key()) != 1 {
			t.Fatalf("iterator leaked prefix into key %q", iter.Key())
		}
	}
	if count != 2 {
		t.Fatalf("got %d items, want 2", count)
	}
}
