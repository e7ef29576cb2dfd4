package historytree

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/statehist/config"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/types"
)

func TestHeader_RoundTrip(t *testing.T) {
	h := fileHeader{
		ProviderVersion: 2,
		BlockSize:       4096,
		MaxChildren:     10,
		NodeCount:       17,
		RootSeq:         16,
		StartTime:       -5,
		EndTime:         1 << 40,
		AttrOffset:      123456,
		AttrSize:        99,
		AttrCRC:         0xdeadbeef,
		SSID:            uuid.New(),
		QuarkCount:      42,
		Finished:        true,
	}

	buf := h.encode()
	require.Len(t, buf, config.HeaderSize)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestHeader_Checksum(t *testing.T) {
	h := fileHeader{BlockSize: 4096, MaxChildren: 4}
	buf := h.encode()
	buf[headerCRCOffset-1] ^= 1

	_, err := decodeHeader(buf)
	assert.True(t, errors.Is(err, errors.ErrCorruptFile))

	_, err = decodeHeader(buf[:10])
	assert.True(t, errors.Is(err, errors.ErrCorruptFile))
}

func TestInterval_Encoding(t *testing.T) {
	values := []types.Value{
		types.NullValue(),
		types.IntValue(math.MinInt32),
		types.LongValue(math.MaxInt64),
		types.DoubleValue(-0.125),
		types.StringValue(""),
		types.StringValue("héllo"),
	}

	var buf []byte
	var want []types.Interval
	for i, v := range values {
		iv := types.Interval{Quark: types.Quark(i), Start: int64(-i), End: int64(i * 100), Value: v}
		before := len(buf)
		buf = appendInterval(buf, iv)
		assert.Equal(t, intervalSize(iv), len(buf)-before, "size of %s", iv)
		want = append(want, iv)
	}

	offset := 0
	for _, w := range want {
		iv, next, err := readInterval(buf, offset)
		require.NoError(t, err)
		assert.Equal(t, w, iv)
		offset = next
	}
	assert.Equal(t, len(buf), offset)

	_, _, err := readInterval(buf[:10], 0)
	assert.Error(t, err)

	bad := appendInterval(nil, types.Interval{Value: types.NullValue()})
	bad[20] = 99
	_, _, err = readInterval(bad, 0)
	assert.Error(t, err)
}

func TestNode_RoundTrip(t *testing.T) {
	l := layout{blockSize: 1024, maxChildren: 4}

	core := &node{typ: coreNode, seq: 7, parent: -1, start: 10, end: 500, size: l.headerSize(coreNode)}
	core.children = []child{{seq: 3, start: 10}, {seq: 6, start: 201}}
	core.add(types.Interval{Quark: 1, Start: 10, End: 300, Value: types.StringValue("core")})
	core.add(types.Interval{Quark: 0, Start: 15, End: 120, Value: types.IntValue(9)})
	core.seal(500)

	got, err := l.decodeNode(l.encodeNode(core), 7)
	require.NoError(t, err)
	assert.Equal(t, core, got)
	assert.Equal(t, int64(120), got.intervals[0].End, "sorted by end")

	leaf := &node{typ: leafNode, seq: 3, parent: 7, start: 10, size: l.headerSize(leafNode)}
	leaf.add(types.Interval{Quark: 2, Start: 10, End: 20, Value: types.DoubleValue(1.5)})
	leaf.seal(200)

	buf := l.encodeNode(leaf)
	got, err = l.decodeNode(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, leaf, got)

	_, err = l.decodeNode(buf, 4)
	assert.True(t, errors.Is(err, errors.ErrCorruptFile), "wrong seq")

	buf[100] ^= 0xff
	_, err = l.decodeNode(buf, 3)
	assert.True(t, errors.Is(err, errors.ErrCorruptFile), "checksum")

	_, err = l.decodeNode(buf[:512], 3)
	assert.True(t, errors.Is(err, errors.ErrCorruptFile), "short block")
}

func TestNode_Queries(t *testing.T) {
	n := &node{typ: coreNode}
	n.children = []child{{seq: 1, start: 0}, {seq: 2, start: 100}, {seq: 5, start: 200}}
	assert.Equal(t, -1, n.childAt(-1))
	assert.Equal(t, 0, n.childAt(99))
	assert.Equal(t, 1, n.childAt(100))
	assert.Equal(t, 2, n.childAt(1000))

	n.add(types.Interval{Quark: 0, Start: 0, End: 50})
	n.add(types.Interval{Quark: 1, Start: 0, End: 10})
	n.add(types.Interval{Quark: 0, Start: 51, End: 90})

	iv, ok := n.find(51, 0)
	require.True(t, ok)
	assert.Equal(t, int64(90), iv.End)
	_, ok = n.find(11, 1)
	assert.False(t, ok)

	dst := make([]*types.Interval, 2)
	n.collect(10, dst)
	require.NotNil(t, dst[0])
	require.NotNil(t, dst[1])
	assert.Equal(t, int64(50), dst[0].End)
	assert.Equal(t, int64(10), dst[1].End)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.NodeCacheSize = 0
	cfg.ProviderVersion = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_cache_size")
	assert.Contains(t, err.Error(), "provider_version")

	cfg = DefaultConfig()
	cfg.MaxChildren = 1
	assert.True(t, errors.Is(cfg.Validate(), errors.ErrInvalidConfig))
}
