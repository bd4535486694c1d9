package memorydb

import (
	"testing"

	"github.com/ethereum-mive/tailchain/kv"
)

func TestPutGetDelete(t *testing.T) {
	db := New()
	defer db.Close()

	key, value := []byte("foo"), []byte("bar")
	if ok, _ := db.Has(key); ok {
		t.Fatal("non-existent key reported as existing")
	}
	if err := db.Put(key, value); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := db.Has(key); !ok {
		t.Fatal("inserted key reported as non-existent")
	}
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(value) {
		t.Fatalf("got %q, want %q", got, value)
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := db.Has(key); ok {
		t.Fatal("deleted key still reported as existing")
	}
	if _, err := db.Get(key); err != kv.ErrNotFound {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestBatch(t *testing.T) {
	db := New()
	defer db.Close()

	batch := db.NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	batch.Delete([]byte("a"))
	if err := batch.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if ok, _ := db.Has([]byte("a")); ok {
		t.Fatal("deleted-in-batch key still exists")
	}
	if v, _ := db.Get([]byte("b")); string(v) != "2" {
		t.Fatalf("got %q, want %q", v, "2")
	}
}

func TestIteratorOrderAndPrefix(t *testing.T) {
	db := New()
	defer db.Close()

	db.Put([]byte("p:1"), []byte("a"))
	db.Put([]byte("p:2"), []byte("b"))
	db.Put([]byte("q:1"), []byte("x"))

	iter := db.NewIterator([]byte("p:"), nil)
	defer iter.Release()

	var got []string
	for iter.Next() {
		got = append(got, string(iter.Key())+"="+string(iter.Value()))
	}
	want := []string{"p:1=a", "p:2=b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
