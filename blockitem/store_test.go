package blockitem

import (
	"testing"

	"github.com/ethereum-mive/tailchain/kv/memorydb"
)

func TestPutOutsideBatchFails(t *testing.T) {
	var b *Batch
	if err := b.PutBlockItem(1, "h", "block", []byte("x")); err == nil {
		t.Fatal("expected an error writing with no open batch")
	}
}

func TestWithBatchCommitsAndIndexes(t *testing.T) {
	s := New(memorydb.New())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := WithBatch(s, func(b *Batch) (struct{}, error) {
		if err := b.PutBlockItem(1, "hash1", ItemKeyBlock, []byte("block-data")); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, b.PutBlockItem(1, "hash1", ItemKeyAttached, []byte{1})
	})
	if err != nil {
		t.Fatalf("WithBatch: %v", err)
	}

	v, ok := s.GetItem("hash1", ItemKeyBlock)
	if !ok || string(v) != "block-data" {
		t.Fatalf("GetItem = %q, %v; want block-data, true", v, ok)
	}

	blocks := s.GetBlocksAtHeight(1)
	if len(blocks) != 1 || blocks[0].Hash != "hash1" || !blocks[0].Attached {
		t.Fatalf("GetBlocksAtHeight = %+v", blocks)
	}
}

func TestWithBatchReentryFailsFast(t *testing.T) {
	s := New(memorydb.New())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := WithBatch(s, func(b *Batch) (struct{}, error) {
		_, innerErr := WithBatch(s, func(*Batch) (struct{}, error) {
			return struct{}{}, nil
		})
		if innerErr == nil {
			t.Fatal("expected re-entrant WithBatch to fail")
		}
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("outer WithBatch: %v", err)
	}
}

func TestWithBatchErrorDiscardsWrite(t *testing.T) {
	db := memorydb.New()
	s := New(db)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	wantErr := errTestFailure
	_, err := WithBatch(s, func(b *Batch) (struct{}, error) {
		if err := b.PutBlockItem(2, "hash2", ItemKeyBlock, []byte("x")); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, wantErr
	})
	if err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}

	// A restart (the prescribed recovery path) must not see the
	// discarded write durably persisted.
	fresh := New(db)
	if err := fresh.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := fresh.GetItem("hash2", ItemKeyBlock); ok {
		t.Fatal("aborted batch's write leaked into the durable store")
	}
}

func TestDeleteItemsAtHeight(t *testing.T) {
	s := New(memorydb.New())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := WithBatch(s, func(b *Batch) (struct{}, error) {
		b.PutBlockItem(5, "a", ItemKeyBlock, []byte("a"))
		b.PutBlockItem(5, "b", ItemKeyBlock, []byte("b"))
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("WithBatch: %v", err)
	}

	_, err = WithBatch(s, func(b *Batch) (struct{}, error) {
		return struct{}{}, b.DeleteItemsAtHeight(5)
	})
	if err != nil {
		t.Fatalf("WithBatch delete: %v", err)
	}
	if blocks := s.GetBlocksAtHeight(5); len(blocks) != 0 {
		t.Fatalf("expected height 5 empty after delete, got %+v", blocks)
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTestFailure = testError("boom")
