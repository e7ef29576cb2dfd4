package historytree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/google/uuid"

	"github.com/xtxerr/statehist/config"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
)

// File layout (little-endian):
//
//	[0, HeaderSize)                      header
//	[HeaderSize + seq*BlockSize, +BlockSize)  node seq
//	[AttrOffset, +AttrSize)              attribute tree, written at finish
//
// Header:
//   - Magic (4) + file version (4) + provider version (4)
//   - Block size (4) + max children (4) + node count (4) + root seq (4)
//   - Start time (8) + end time (8)
//   - Attribute tree offset (8) + size (4) + crc32 (4)
//   - SSID (16) + quark count (4) + finished flag (1)
//   - crc32 of everything above, at headerCRCOffset
//
// Node block:
//   - crc32 of the rest of the block (4)
//   - Type (1) + seq (4) + parent seq (4) + start (8) + end (8)
//   - Interval count (4)
//   - Core nodes only: child count (4) + MaxChildren x (child seq (4) + child start (8))
//   - Intervals: start (8) + end (8) + quark (4) + value tag (1) + payload
//
// Payload by tag: Null none, Int 4, Long 8, Double 8, String length (2) + bytes.

const (
	fileMagic       = 0x53485431 // "SHT1"
	fileVersion     = 1
	headerCRCOffset = 84

	nodeCRCSize      = 4
	leafHeaderSize   = nodeCRCSize + 1 + 4 + 4 + 8 + 8 + 4
	childEntrySize   = 4 + 8
	intervalBaseSize = 8 + 8 + 4 + 1

	maxStringLength = math.MaxUint16
)

type nodeType uint8

const (
	leafNode nodeType = 1
	coreNode nodeType = 2
)

func (t nodeType) String() string {
	switch t {
	case leafNode:
		return "leaf"
	case coreNode:
		return "core"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// coreHeaderSize is the fixed part of a core node with maxChildren slots.
func coreHeaderSize(maxChildren int) int {
	return leafHeaderSize + 4 + maxChildren*childEntrySize
}

// =============================================================================
// Header
// =============================================================================

type fileHeader struct {
	ProviderVersion uint32
	BlockSize       uint32
	MaxChildren     uint32
	NodeCount       uint32
	RootSeq         int32
	StartTime       int64
	EndTime         int64
	AttrOffset      int64
	AttrSize        uint32
	AttrCRC         uint32
	SSID            uuid.UUID
	QuarkCount      uint32
	Finished        bool
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, 0, config.HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, fileMagic)
	buf = binary.LittleEndian.AppendUint32(buf, fileVersion)
	buf = binary.LittleEndian.AppendUint32(buf, h.ProviderVersion)
	buf = binary.LittleEndian.AppendUint32(buf, h.BlockSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.MaxChildren)
	buf = binary.LittleEndian.AppendUint32(buf, h.NodeCount)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.RootSeq))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.StartTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.EndTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.AttrOffset))
	buf = binary.LittleEndian.AppendUint32(buf, h.AttrSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.AttrCRC)
	buf = append(buf, h.SSID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.QuarkCount)
	if h.Finished {
		buf = append(buf, 1, 0, 0, 0)
	} else {
		buf = append(buf, 0, 0, 0, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[:headerCRCOffset]))
	return buf[:config.HeaderSize]
}

func decodeHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < headerCRCOffset+4 {
		return nil, errors.NewCorrupt("header too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(buf[0:]); magic != fileMagic {
		return nil, errors.NewCorrupt("bad magic 0x%08x", magic)
	}
	if version := le.Uint32(buf[4:]); version != fileVersion {
		return nil, errors.NewCorrupt("unsupported file version %d", version)
	}
	if want, got := le.Uint32(buf[headerCRCOffset:]), crc32.ChecksumIEEE(buf[:headerCRCOffset]); want != got {
		return nil, errors.NewCorrupt("header checksum mismatch: stored 0x%08x, computed 0x%08x", want, got)
	}

	h := &fileHeader{
		ProviderVersion: le.Uint32(buf[8:]),
		BlockSize:       le.Uint32(buf[12:]),
		MaxChildren:     le.Uint32(buf[16:]),
		NodeCount:       le.Uint32(buf[20:]),
		RootSeq:         int32(le.Uint32(buf[24:])),
		StartTime:       int64(le.Uint64(buf[28:])),
		EndTime:         int64(le.Uint64(buf[36:])),
		AttrOffset:      int64(le.Uint64(buf[44:])),
		AttrSize:        le.Uint32(buf[52:]),
		AttrCRC:         le.Uint32(buf[56:]),
		QuarkCount:      le.Uint32(buf[76:]),
		Finished:        buf[80] == 1,
	}
	copy(h.SSID[:], buf[60:76])
	return h, nil
}

// =============================================================================
// Intervals
// =============================================================================

func payloadSize(v types.Value) int {
	switch v.Kind() {
	case types.KindInt:
		return 4
	case types.KindLong, types.KindDouble:
		return 8
	case types.KindString:
		s, _ := v.Str()
		return 2 + len(s)
	default:
		return 0
	}
}

// intervalSize is the number of bytes iv takes in a node.
func intervalSize(iv types.Interval) int {
	return intervalBaseSize + payloadSize(iv.Value)
}

func appendInterval(buf []byte, iv types.Interval) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(iv.Start))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(iv.End))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(iv.Quark))
	buf = append(buf, byte(iv.Value.Kind()))

	switch iv.Value.Kind() {
	case types.KindInt:
		n, _ := iv.Value.Int()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	case types.KindLong:
		n, _ := iv.Value.Long()
		buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
	case types.KindDouble:
		f, _ := iv.Value.Double()
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	case types.KindString:
		s, _ := iv.Value.Str()
		buf = appendString(buf, s)
	}
	return buf
}

func readInterval(data []byte, offset int) (types.Interval, int, error) {
	if offset+intervalBaseSize > len(data) {
		return types.Interval{}, offset, fmt.Errorf("data too short for interval")
	}
	le := binary.LittleEndian
	iv := types.Interval{
		Start: int64(le.Uint64(data[offset:])),
		End:   int64(le.Uint64(data[offset+8:])),
		Quark: types.Quark(int32(le.Uint32(data[offset+16:]))),
	}
	kind := types.Kind(data[offset+20])
	offset += intervalBaseSize

	need := 0
	switch kind {
	case types.KindNull:
	case types.KindInt:
		need = 4
	case types.KindLong, types.KindDouble:
		need = 8
	case types.KindString:
		s, next, err := readString(data, offset)
		if err != nil {
			return types.Interval{}, offset, err
		}
		iv.Value = types.StringValue(s)
		return iv, next, nil
	default:
		return types.Interval{}, offset, fmt.Errorf("unknown value tag %d", kind)
	}
	if offset+need > len(data) {
		return types.Interval{}, offset, fmt.Errorf("data too short for %s payload", kind)
	}

	switch kind {
	case types.KindInt:
		iv.Value = types.IntValue(int32(le.Uint32(data[offset:])))
	case types.KindLong:
		iv.Value = types.LongValue(int64(le.Uint64(data[offset:])))
	case types.KindDouble:
		iv.Value = types.DoubleValue(math.Float64frombits(le.Uint64(data[offset:])))
	}
	return iv, offset + need, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

// =============================================================================
// Nodes
// =============================================================================

// layout knows the block geometry of one file.
type layout struct {
	blockSize   int
	maxChildren int
}

func (l layout) headerSize(typ nodeType) int {
	if typ == coreNode {
		return coreHeaderSize(l.maxChildren)
	}
	return leafHeaderSize
}

// maxIntervalSize is the largest interval that fits an empty core node.
// Anything bigger could never be stored.
func (l layout) maxIntervalSize() int {
	return l.blockSize - coreHeaderSize(l.maxChildren)
}

func (l layout) encodeNode(n *node) []byte {
	buf := make([]byte, nodeCRCSize, l.blockSize)
	buf = append(buf, byte(n.typ))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n.seq))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n.parent))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n.start))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n.end))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.intervals)))

	if n.typ == coreNode {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.children)))
		for i := 0; i < l.maxChildren; i++ {
			var c child
			if i < len(n.children) {
				c = n.children[i]
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(c.seq))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(c.start))
		}
	}

	for _, iv := range n.intervals {
		buf = appendInterval(buf, iv)
	}

	buf = buf[:l.blockSize]
	binary.LittleEndian.PutUint32(buf[0:], crc32.ChecksumIEEE(buf[nodeCRCSize:]))
	return buf
}

func (l layout) decodeNode(buf []byte, wantSeq int32) (*node, error) {
	if len(buf) != l.blockSize {
		return nil, errors.NewCorrupt("node %d: block is %d bytes, want %d", wantSeq, len(buf), l.blockSize)
	}
	le := binary.LittleEndian
	if want, got := le.Uint32(buf[0:]), crc32.ChecksumIEEE(buf[nodeCRCSize:]); want != got {
		return nil, errors.NewCorrupt("node %d: checksum mismatch", wantSeq)
	}

	n := &node{
		typ:    nodeType(buf[4]),
		seq:    int32(le.Uint32(buf[5:])),
		parent: int32(le.Uint32(buf[9:])),
		start:  int64(le.Uint64(buf[13:])),
		end:    int64(le.Uint64(buf[21:])),
		sealed: true,
	}
	count := int(le.Uint32(buf[29:]))
	offset := leafHeaderSize

	if n.seq != wantSeq {
		return nil, errors.NewCorrupt("node %d: block holds seq %d", wantSeq, n.seq)
	}

	switch n.typ {
	case leafNode:
	case coreNode:
		childCount := int(le.Uint32(buf[offset:]))
		offset += 4
		if childCount > l.maxChildren {
			return nil, errors.NewCorrupt("node %d: %d children, max %d", wantSeq, childCount, l.maxChildren)
		}
		n.children = make([]child, childCount)
		for i := 0; i < childCount; i++ {
			at := offset + i*childEntrySize
			n.children[i] = child{
				seq:   int32(le.Uint32(buf[at:])),
				start: int64(le.Uint64(buf[at+4:])),
			}
		}
		offset += l.maxChildren * childEntrySize
	default:
		return nil, errors.NewCorrupt("node %d: unknown node type %d", wantSeq, buf[4])
	}

	n.intervals = make([]types.Interval, 0, count)
	for i := 0; i < count; i++ {
		iv, next, err := readInterval(buf, offset)
		if err != nil {
			return nil, errors.NewCorrupt("node %d interval %d: %v", wantSeq, i, err)
		}
		n.intervals = append(n.intervals, iv)
		offset = next
	}
	n.size = offset
	return n, nil
}
