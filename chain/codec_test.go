package chain

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestTaggedCodecStubRoundTrip(t *testing.T) {
	codec := NewTaggedCodec()
	block := NewStub(7, common.HexToHash("0xaa"), common.HexToHash("0xbb"))

	encoded, err := codec.Encode(block)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Stub() != block.Stub() {
		t.Fatalf("got %+v, want %+v", decoded.Stub(), block.Stub())
	}
}

type taggedBlock struct {
	StubField Stub
	Extra     string
}

func (b taggedBlock) Stub() Stub  { return b.StubField }
func (b taggedBlock) Tag() string { return "extra" }

func TestTaggedCodecCustomTag(t *testing.T) {
	codec := NewTaggedCodec()
	codec.Register("extra", func(payload []byte) (Block, error) {
		var v taggedBlock
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	})

	block := taggedBlock{StubField: Stub{Number: 1, Hash: common.HexToHash("0x01"), ParentHash: common.HexToHash("0x00")}, Extra: "payload"}
	encoded, err := codec.Encode(block)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(taggedBlock)
	if !ok {
		t.Fatalf("decoded type = %T, want taggedBlock", decoded)
	}
	if got.Extra != "payload" || got.Stub() != block.Stub() {
		t.Fatalf("got %+v, want %+v", got, block)
	}
}

func TestTaggedCodecUnknownTag(t *testing.T) {
	codec := NewTaggedCodec()
	if _, err := codec.Decode([]byte{0, 5, 'b', 'o', 'g', 'u', 's'}); err == nil {
		t.Fatal("expected an error decoding an unregistered tag")
	}
}
