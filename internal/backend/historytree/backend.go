// Package historytree implements the disk-backed history backend.
//
// Intervals are stored in a classic history tree: fixed-size node blocks
// appended to a single file in sequence-number order. Nodes are written once,
// when sealed, and never rewritten. The attribute tree is appended after the
// last node when the history is finished, and the header records where it is.
// A finished file can be reopened read-only with Open.
package historytree

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xtxerr/statehist/internal/backend"
	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
	"github.com/xtxerr/statehist/internal/metrics"
	"github.com/xtxerr/statehist/internal/types"
)

// Name is the registry name of this backend.
const Name = "historytree"

// Backend stores intervals in a history tree file.
type Backend struct {
	ssid            uuid.UUID
	cfg             Config
	providerVersion uint32
	logger          *slog.Logger
	metrics         *metrics.Metrics

	file  *historyFile
	cache *nodeCache
	tree  *tree

	// closeMu is held shared by every operation and exclusively by Dispose,
	// so the file is never closed under a running query.
	closeMu  sync.RWMutex
	disposed bool

	finished atomic.Bool
	// ioErr is the first storage failure. Inserts fail with it from then on.
	ioErr atomic.Pointer[error]

	attrMu   sync.Mutex
	attrTree []byte
}

var _ backend.Backend = (*Backend)(nil)

// Info summarizes a history file.
type Info struct {
	File            string
	SSID            string
	ProviderVersion int
	BlockSize       int
	MaxChildren     int
	NodeCount       int
	Depth           int
	QuarkCount      int
	StartTime       int64
	EndTime         int64
	Finished        bool
	CachedNodes     int
	CacheHits       int64
	CacheMisses     int64
}

// New creates a history file at opts.File, replacing any existing one.
func New(opts backend.Options) (*Backend, error) {
	if opts.File == "" {
		return nil, errors.NewMissingField("history file")
	}
	cfg := configFromOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, err := parseSSID(opts.SSID)
	if err != nil {
		return nil, err
	}

	b := newBackend(id, cfg, opts)
	l := layout{blockSize: cfg.BlockSize, maxChildren: cfg.MaxChildren}

	file, err := createFile(opts.File, l)
	if err != nil {
		return nil, err
	}
	b.file = file
	b.tree = newTree(l, file, b.cache, opts.StartTime, b.logger, b.metrics)

	if err := b.writeHeader(false); err != nil {
		file.close()
		return nil, err
	}

	b.logger.Debug("history file created",
		"file", opts.File,
		"ssid", b.ssid.String(),
		"block_size", cfg.BlockSize,
		"max_children", cfg.MaxChildren)
	return b, nil
}

// Open reopens the finished history file opts.File for querying. Layout
// fields of opts are ignored; the header is authoritative. A non-zero
// opts.ProviderVersion must match the one stored in the file.
func Open(opts backend.Options) (*Backend, error) {
	if opts.File == "" {
		return nil, errors.NewMissingField("history file")
	}

	file, err := openFile(opts.File)
	if err != nil {
		return nil, err
	}

	b, err := openBackend(file, opts)
	if err != nil {
		file.close()
		return nil, fmt.Errorf("open %s: %w", opts.File, err)
	}
	return b, nil
}

func openBackend(file *historyFile, opts backend.Options) (*Backend, error) {
	h, err := file.readHeader()
	if err != nil {
		return nil, err
	}
	if !h.Finished {
		return nil, errors.NewCorrupt("history was never finished")
	}
	if opts.ProviderVersion > 0 && uint32(opts.ProviderVersion) != h.ProviderVersion {
		return nil, errors.NewCorrupt("provider version %d, expected %d", h.ProviderVersion, opts.ProviderVersion)
	}

	cfg := configFromOptions(opts)
	cfg.BlockSize = int(h.BlockSize)
	cfg.MaxChildren = int(h.MaxChildren)
	cfg.ProviderVersion = int(h.ProviderVersion)
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewCorrupt("header layout: %v", err)
	}
	if h.NodeCount == 0 || h.RootSeq < 0 || uint32(h.RootSeq) >= h.NodeCount {
		return nil, errors.NewCorrupt("root node %d of %d", h.RootSeq, h.NodeCount)
	}
	if h.EndTime < h.StartTime {
		return nil, errors.NewCorrupt("end time %d before start time %d", h.EndTime, h.StartTime)
	}

	l := layout{blockSize: cfg.BlockSize, maxChildren: cfg.MaxChildren}
	file.layout = l

	size, err := file.size()
	if err != nil {
		return nil, err
	}
	if want := file.nodeOffset(int32(h.NodeCount)) + int64(h.AttrSize); size < want {
		return nil, errors.NewCorrupt("file is %d bytes, header needs %d", size, want)
	}

	b := newBackend(h.SSID, cfg, opts)
	b.file = file
	b.tree = closedTree(l, file, b.cache, h, b.logger, b.metrics)
	b.finished.Store(true)

	attr, err := file.readAttributeTree(h)
	if err != nil {
		return nil, err
	}
	b.attrTree = attr

	root, err := b.tree.readNode(h.RootSeq)
	if err != nil {
		return nil, err
	}
	if root.start != h.StartTime || root.end != h.EndTime {
		return nil, errors.NewCorrupt("root covers [%d,%d], header says [%d,%d]", root.start, root.end, h.StartTime, h.EndTime)
	}

	b.logger.Debug("history file opened", "file", file.path, "ssid", b.ssid.String(), "nodes", h.NodeCount)
	return b, nil
}

func newBackend(id uuid.UUID, cfg Config, opts backend.Options) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("historytree")
	}
	return &Backend{
		ssid:            id,
		cfg:             cfg,
		providerVersion: uint32(cfg.ProviderVersion),
		logger:          logger.With("ssid", id.String()),
		metrics:         opts.Metrics,
		cache:           newNodeCache(cfg.NodeCacheSize, opts.Metrics),
	}
}

func parseSSID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.NewInvalidValue("ssid", s, "history tree files need a UUID")
	}
	return id, nil
}

// Factory adapts New to backend.Factory.
func Factory(opts backend.Options) (backend.Backend, error) {
	return New(opts)
}

// Opener adapts Open to backend.Opener.
func Opener(opts backend.Options) (backend.Backend, error) {
	return Open(opts)
}

// Register adds the history tree backend to r.
func Register(r *backend.Registry) {
	r.Register(Name, Factory, Opener)
}

// =============================================================================
// Accessors
// =============================================================================

// SSID returns the state system identifier stored in the header.
func (b *Backend) SSID() string { return b.ssid.String() }

// StartTime returns the first valid timestamp.
func (b *Backend) StartTime() int64 { return b.tree.startTime }

// EndTime returns the end of the latest interval, or the final end time once
// the history is finished.
func (b *Backend) EndTime() int64 { return b.tree.endTime() }

// IsPersistent is always true.
func (b *Backend) IsPersistent() bool { return true }

// CheckValidTime reports whether t is inside [StartTime, EndTime].
func (b *Backend) CheckValidTime(t int64) bool {
	return b.tree.startTime <= t && t <= b.tree.endTime()
}

// Path returns the history file path.
func (b *Backend) Path() string { return b.file.path }

// Err returns the sticky storage error, if any.
func (b *Backend) Err() error {
	if p := b.ioErr.Load(); p != nil {
		return *p
	}
	return nil
}

// fail records err if it is a storage failure.
func (b *Backend) fail(err error) error {
	if errors.IsStorage(err) && b.ioErr.CompareAndSwap(nil, &err) {
		b.logger.Error("history file failure", "file", b.file.path, "error", err)
	}
	return err
}

// acquire takes the shared close lock. The caller must call release.
func (b *Backend) acquire() error {
	b.closeMu.RLock()
	if b.disposed {
		b.closeMu.RUnlock()
		return errors.ErrDisposed
	}
	return nil
}

func (b *Backend) release() {
	b.closeMu.RUnlock()
}

// =============================================================================
// Construction
// =============================================================================

// InsertPastState stores a closed interval.
func (b *Backend) InsertPastState(start, end int64, q types.Quark, v types.Value) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if b.finished.Load() {
		return fmt.Errorf("insert into finished history: %w", errors.ErrAlreadyBuilt)
	}
	if err := b.Err(); err != nil {
		return err
	}
	if start > end {
		return errors.NewTimeRange(start, start, end, "interval start after end")
	}
	if start < b.tree.startTime {
		return errors.NewTimeRange(start, b.tree.startTime, b.tree.endTime(), "interval starts before the history")
	}
	if q < 0 {
		return errors.NewQuarkNotFound(int32(q))
	}

	if err := b.CheckValue(v); err != nil {
		return err
	}

	if err := b.tree.insert(types.Interval{Quark: q, Start: start, End: end, Value: v}); err != nil {
		return b.fail(err)
	}
	b.metrics.IntervalInserted(Name)
	return nil
}

// CheckValue rejects strings beyond the encodable length and values whose
// interval would not fit an empty node.
func (b *Backend) CheckValue(v types.Value) error {
	if s, ok := v.Str(); ok && len(s) > maxStringLength {
		return fmt.Errorf("string of %d bytes, max %d: %w", len(s), maxStringLength, errors.ErrInvalidValue)
	}
	if size := intervalSize(types.Interval{Value: v}); size > b.tree.layout.maxIntervalSize() {
		return fmt.Errorf("interval of %d bytes, block holds %d: %w", size, b.tree.layout.maxIntervalSize(), errors.ErrNodeFull)
	}
	return nil
}

// WriteAttributeTree keeps data until FinishedBuilding writes it.
func (b *Backend) WriteAttributeTree(data []byte) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if b.finished.Load() {
		return fmt.Errorf("write attribute tree: %w", errors.ErrAlreadyBuilt)
	}
	b.attrMu.Lock()
	b.attrTree = append([]byte(nil), data...)
	b.attrMu.Unlock()
	return nil
}

// ReadAttributeTree returns the attribute tree bytes.
func (b *Backend) ReadAttributeTree() ([]byte, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.release()

	b.attrMu.Lock()
	defer b.attrMu.Unlock()
	if b.attrTree == nil {
		return nil, fmt.Errorf("history tree: attribute tree: %w", errors.ErrNotBuilt)
	}
	return append([]byte(nil), b.attrTree...), nil
}

// FinishedBuilding seals the latest branch at endTime, writes the attribute
// tree and a finished header, and syncs the file.
func (b *Backend) FinishedBuilding(endTime int64) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if err := b.Err(); err != nil {
		return err
	}
	if !b.finished.CompareAndSwap(false, true) {
		return fmt.Errorf("history tree: %w", errors.ErrAlreadyBuilt)
	}

	if err := b.tree.close(endTime); err != nil {
		if errors.IsTimeRange(err) {
			b.finished.Store(false)
		}
		return b.fail(err)
	}
	if err := b.writeHeader(true); err != nil {
		return b.fail(err)
	}
	if err := b.file.sync(); err != nil {
		return b.fail(err)
	}

	h := b.tree.header()
	b.logger.Info("history file finished",
		"file", b.file.path,
		"nodes", h.NodeCount,
		"start", h.StartTime,
		"end", h.EndTime)
	return nil
}

// writeHeader writes the header, and the attribute tree when finished.
func (b *Backend) writeHeader(finished bool) error {
	h := b.tree.header()
	h.ProviderVersion = b.providerVersion
	h.SSID = b.ssid
	h.Finished = finished

	if finished {
		b.attrMu.Lock()
		data := b.attrTree
		if data == nil {
			data = []byte{}
			b.attrTree = data
		}
		b.attrMu.Unlock()
		if err := b.file.writeAttributeTree(&h, data); err != nil {
			return err
		}
	}
	return b.file.writeHeader(&h)
}

// =============================================================================
// Queries
// =============================================================================

func (b *Backend) checkTime(t int64) error {
	if !b.CheckValidTime(t) {
		return errors.NewTimeRange(t, b.tree.startTime, b.tree.endTime(), "")
	}
	return nil
}

// DoSingularQuery returns the interval of q covering t.
func (b *Backend) DoSingularQuery(t int64, q types.Quark) (types.Interval, error) {
	if err := b.acquire(); err != nil {
		return types.Interval{}, err
	}
	defer b.release()

	if err := b.checkTime(t); err != nil {
		return types.Interval{}, err
	}
	if q < 0 || int(q) >= b.tree.quarks() {
		return types.Interval{}, errors.NewQuarkNotFound(int32(q))
	}

	iv, ok, err := b.tree.find(t, q)
	if err != nil {
		return types.Interval{}, err
	}
	if !ok {
		return types.Interval{}, fmt.Errorf("quark %d at t=%d: %w", q, t, errors.ErrIncoherentStorage)
	}
	return iv, nil
}

// FillQuery sets dst[q] for every quark with an interval covering t.
func (b *Backend) FillQuery(dst []*types.Interval, t int64) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if err := b.checkTime(t); err != nil {
		return err
	}
	return b.tree.collect(t, dst)
}

// DoQuery returns the covering interval of every stored quark, by quark.
// Once the history is finished every quark must have one.
func (b *Backend) DoQuery(t int64) ([]types.Interval, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.release()

	if err := b.checkTime(t); err != nil {
		return nil, err
	}

	dst := make([]*types.Interval, b.tree.quarks())
	if err := b.tree.collect(t, dst); err != nil {
		return nil, err
	}
	finished := b.finished.Load()
	out := make([]types.Interval, 0, len(dst))
	for q, iv := range dst {
		if iv != nil {
			out = append(out, *iv)
		} else if finished {
			return nil, fmt.Errorf("quark %d at t=%d: %w", q, t, errors.ErrIncoherentStorage)
		}
	}
	return out, nil
}

// =============================================================================
// Inspection
// =============================================================================

// Info returns a summary of the file.
func (b *Backend) Info() (Info, error) {
	if err := b.acquire(); err != nil {
		return Info{}, err
	}
	defer b.release()

	h := b.tree.header()
	depth, err := b.tree.depth()
	if err != nil {
		return Info{}, err
	}
	hits, misses := b.cache.stats()
	return Info{
		File:            b.file.path,
		SSID:            b.ssid.String(),
		ProviderVersion: int(b.providerVersion),
		BlockSize:       int(h.BlockSize),
		MaxChildren:     int(h.MaxChildren),
		NodeCount:       int(h.NodeCount),
		Depth:           depth,
		QuarkCount:      int(h.QuarkCount),
		StartTime:       h.StartTime,
		EndTime:         h.EndTime,
		Finished:        b.finished.Load(),
		CachedNodes:     b.cache.Len(),
		CacheHits:       hits,
		CacheMisses:     misses,
	}, nil
}

// Dump writes every node of the tree in sequence order. With intervals set,
// the intervals of each node are listed too.
func (b *Backend) Dump(w io.Writer, intervals bool) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	h := b.tree.header()
	if _, err := fmt.Fprintf(w, "history tree: %d nodes, root %d, [%d,%d]\n", h.NodeCount, h.RootSeq, h.StartTime, h.EndTime); err != nil {
		return err
	}
	for seq := int32(0); seq < int32(h.NodeCount); seq++ {
		n, err := b.tree.node(seq)
		if err != nil {
			return err
		}
		state := "sealed"
		if !n.sealed {
			state = "live"
		}
		if _, err := fmt.Fprintf(w, "node %d %s %s parent=%d [%d,%d] intervals=%d children=%d used=%d/%d\n",
			n.seq, n.typ, state, n.parent, n.start, n.end, len(n.intervals), len(n.children), n.size, b.cfg.BlockSize); err != nil {
			return err
		}
		for _, c := range n.children {
			if _, err := fmt.Fprintf(w, "  child %d start=%d\n", c.seq, c.start); err != nil {
				return err
			}
		}
		if intervals {
			for _, iv := range n.intervals {
				if _, err := fmt.Fprintf(w, "  %s\n", iv); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Dispose closes the file. It waits for running operations and is
// idempotent. An unfinished file is left behind but cannot be reopened.
func (b *Backend) Dispose() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.disposed {
		return nil
	}
	b.disposed = true

	if !b.finished.Load() {
		b.logger.Warn("disposing unfinished history", "file", b.file.path)
	}
	b.cache.clear()
	err := b.file.close()
	b.logger.Debug("disposed", "file", b.file.path)
	return err
}
