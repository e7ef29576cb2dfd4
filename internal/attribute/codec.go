package attribute

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
)

// The serialized tree is protobuf wire format, equivalent to:
//
//	message AttributeTree {
//	  uint32 version = 1;
//	  repeated Attribute attributes = 2;
//	}
//	message Attribute {
//	  sint32 parent = 1;
//	  string name = 2;
//	}
//
// Attributes appear in quark order, so a parent always precedes its children.
const (
	codecVersion = 1

	fieldTreeVersion    protowire.Number = 1
	fieldTreeAttributes protowire.Number = 2
	fieldAttrParent     protowire.Number = 1
	fieldAttrName       protowire.Number = 2
)

// MarshalBinary encodes the tree.
func (t *Tree) MarshalBinary() ([]byte, error) {
	nodes := *t.nodes.Load()

	b := protowire.AppendTag(nil, fieldTreeVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, codecVersion)

	var rec []byte
	for _, n := range nodes {
		rec = rec[:0]
		rec = protowire.AppendTag(rec, fieldAttrParent, protowire.VarintType)
		rec = protowire.AppendVarint(rec, protowire.EncodeZigZag(int64(n.parent)))
		rec = protowire.AppendTag(rec, fieldAttrName, protowire.BytesType)
		rec = protowire.AppendString(rec, n.name)

		b = protowire.AppendTag(b, fieldTreeAttributes, protowire.BytesType)
		b = protowire.AppendBytes(b, rec)
	}
	return b, nil
}

// Unmarshal decodes a tree produced by MarshalBinary. The result is frozen.
func Unmarshal(data []byte) (*Tree, error) {
	t := NewTree()

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, decodeErr(n)
		}
		data = data[n:]

		switch {
		case num == fieldTreeVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, decodeErr(n)
			}
			if v != codecVersion {
				return nil, errors.NewCorrupt("attribute tree: unsupported version %d", v)
			}
			data = data[n:]

		case num == fieldTreeAttributes && typ == protowire.BytesType:
			rec, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, decodeErr(n)
			}
			if err := t.decodeAttribute(rec); err != nil {
				return nil, err
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, decodeErr(n)
			}
			data = data[n:]
		}
	}

	t.Freeze()
	return t, nil
}

func (t *Tree) decodeAttribute(rec []byte) error {
	parent := types.RootQuark
	var name string

	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return decodeErr(n)
		}
		rec = rec[n:]

		switch {
		case num == fieldAttrParent && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rec)
			if n < 0 {
				return decodeErr(n)
			}
			parent = types.Quark(protowire.DecodeZigZag(v))
			rec = rec[n:]
		case num == fieldAttrName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(rec)
			if n < 0 {
				return decodeErr(n)
			}
			name = s
			rec = rec[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rec)
			if n < 0 {
				return decodeErr(n)
			}
			rec = rec[n:]
		}
	}

	q := types.Quark(t.Len())
	if parent != types.RootQuark && (parent < 0 || parent >= q) {
		return errors.NewCorrupt("attribute tree: quark %d has parent %d", q, parent)
	}
	p, err := t.node(parent)
	if err != nil {
		return errors.NewCorrupt("attribute tree: quark %d: %v", q, err)
	}
	if name == "" {
		return errors.NewCorrupt("attribute tree: quark %d has no name", q)
	}
	if _, dup := p.child(name); dup {
		return errors.NewCorrupt("attribute tree: duplicate attribute %q under quark %d", name, parent)
	}

	t.mu.Lock()
	t.appendLocked(p, parent, name)
	t.mu.Unlock()
	return nil
}

func decodeErr(n int) error {
	return fmt.Errorf("attribute tree: %w: %v", errors.ErrCorruptFile, protowire.ParseError(n))
}
