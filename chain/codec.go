package chain

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ethereum-mive/tailchain/errs"
)

// Tagged is implemented by Block types that want a stable wire tag for
// the registry-based codec below. Types that don't implement it are
// encoded as a plain Stub under the "stub" tag.
type Tagged interface {
	Block
	Tag() string
}

// Codec turns a Block into bytes and back. The block cache and item
// store only ever move the bytes a Codec produces; they never inspect a
// block's concrete type.
type Codec interface {
	Encode(b Block) ([]byte, error)
	Decode(data []byte) (Block, error)
}

// Factory decodes the payload that follows a tag in the wire format.
type Factory func(payload []byte) (Block, error)

// TaggedCodec encodes every storable block with an identifying tag
// consumed by a registry of deserializers. The wire format is
// [2-byte tag length][tag][payload]; callers register a Factory per tag
// up front (typically once, at startup, before Start is called on
// anything that reads persisted blocks).
type TaggedCodec struct {
	factories map[string]Factory
}

// NewTaggedCodec returns a codec with the "stub" tag (plain Stub,
// JSON-encoded) pre-registered.
func NewTaggedCodec() *TaggedCodec {
	c := &TaggedCodec{factories: make(map[string]Factory)}
	c.Register("stub", func(payload []byte) (Block, error) {
		var s Stub
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, err
		}
		return stubBlock{s}, nil
	})
	return c
}

// Register associates tag with a Factory able to decode payloads
// produced for that tag.
func (c *TaggedCodec) Register(tag string, f Factory) {
	c.factories[tag] = f
}

func (c *TaggedCodec) Encode(b Block) ([]byte, error) {
	tag := "stub"
	var payload []byte
	var err error
	if tagged, ok := b.(Tagged); ok {
		tag = tagged.Tag()
	}
	if tag == "stub" {
		payload, err = json.Marshal(b.Stub())
	} else {
		payload, err = json.Marshal(b)
	}
	if err != nil {
		return nil, err
	}
	if len(tag) > 0xFFFF {
		return nil, errs.Application("codec: tag %q too long", tag)
	}
	out := make([]byte, 2+len(tag)+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(tag)))
	copy(out[2:], tag)
	copy(out[2+len(tag):], payload)
	return out, nil
}

func (c *TaggedCodec) Decode(data []byte) (Block, error) {
	if len(data) < 2 {
		return nil, errs.Application("codec: truncated header")
	}
	tagLen := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+tagLen {
		return nil, errs.Application("codec: truncated tag")
	}
	tag := string(data[2 : 2+tagLen])
	factory, ok := c.factories[tag]
	if !ok {
		return nil, errs.Application("codec: no factory registered for tag %q", tag)
	}
	return factory(data[2+tagLen:])
}
