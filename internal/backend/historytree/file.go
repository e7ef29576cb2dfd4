package historytree

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/xtxerr/statehist/config"
	"github.com/xtxerr/statehist/internal/errors"
)

// historyFile is the on-disk side of a tree: a header followed by fixed-size
// node blocks and, once finished, the attribute tree. Blocks are written with
// WriteAt and read with ReadAt, so readers never share a file offset with the
// writer.
type historyFile struct {
	path     string
	f        *os.File
	layout   layout
	readOnly bool

	closeOnce sync.Once
	closeErr  error
}

// createFile creates (or truncates) a history file for writing.
func createFile(path string, l layout) (*historyFile, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.IO("create history dir", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.IO("create history file", err)
	}
	return &historyFile{path: path, f: f, layout: l}, nil
}

// openFile opens an existing history file read-only. The layout is set once
// the header has been read.
func openFile(path string) (*historyFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IO("open history file", err)
	}
	return &historyFile{path: path, f: f, readOnly: true}, nil
}

func (hf *historyFile) nodeOffset(seq int32) int64 {
	return config.HeaderSize + int64(seq)*int64(hf.layout.blockSize)
}

func (hf *historyFile) writeAt(data []byte, off int64) error {
	if hf.readOnly {
		return fmt.Errorf("write %s: file opened read-only: %w", hf.path, errors.ErrIO)
	}
	if _, err := hf.f.WriteAt(data, off); err != nil {
		return errors.IO("write "+hf.path, err)
	}
	return nil
}

func (hf *historyFile) readAt(size int, off int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := hf.f.ReadAt(buf, off)
	if n == size {
		return buf, nil
	}
	if err == io.EOF {
		return nil, errors.NewCorrupt("%s: short read at offset %d: got %d of %d bytes", hf.path, off, n, size)
	}
	return nil, errors.IO("read "+hf.path, err)
}

// =============================================================================
// Header
// =============================================================================

func (hf *historyFile) writeHeader(h *fileHeader) error {
	return hf.writeAt(h.encode(), 0)
}

func (hf *historyFile) readHeader() (*fileHeader, error) {
	buf, err := hf.readAt(config.HeaderSize, 0)
	if err != nil {
		return nil, err
	}
	return decodeHeader(buf)
}

// =============================================================================
// Nodes
// =============================================================================

func (hf *historyFile) writeNode(n *node) error {
	return hf.writeAt(hf.layout.encodeNode(n), hf.nodeOffset(n.seq))
}

func (hf *historyFile) readNode(seq int32) (*node, error) {
	buf, err := hf.readAt(hf.layout.blockSize, hf.nodeOffset(seq))
	if err != nil {
		return nil, err
	}
	return hf.layout.decodeNode(buf, seq)
}

// =============================================================================
// Attribute tree
// =============================================================================

// writeAttributeTree writes data after the last node block and records its
// location in h.
func (hf *historyFile) writeAttributeTree(h *fileHeader, data []byte) error {
	h.AttrOffset = hf.nodeOffset(int32(h.NodeCount))
	h.AttrSize = uint32(len(data))
	h.AttrCRC = crc32.ChecksumIEEE(data)
	if len(data) == 0 {
		return nil
	}
	return hf.writeAt(data, h.AttrOffset)
}

func (hf *historyFile) readAttributeTree(h *fileHeader) ([]byte, error) {
	if h.AttrSize == 0 {
		return []byte{}, nil
	}
	data, err := hf.readAt(int(h.AttrSize), h.AttrOffset)
	if err != nil {
		return nil, err
	}
	if crc := crc32.ChecksumIEEE(data); crc != h.AttrCRC {
		return nil, errors.NewCorrupt("attribute tree checksum mismatch: stored 0x%08x, computed 0x%08x", h.AttrCRC, crc)
	}
	return data, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (hf *historyFile) sync() error {
	if hf.readOnly {
		return nil
	}
	if err := hf.f.Sync(); err != nil {
		return errors.IO("sync "+hf.path, err)
	}
	return nil
}

// size returns the current file size.
func (hf *historyFile) size() (int64, error) {
	fi, err := hf.f.Stat()
	if err != nil {
		return 0, errors.IO("stat "+hf.path, err)
	}
	return fi.Size(), nil
}

// close closes the file exactly once.
func (hf *historyFile) close() error {
	hf.closeOnce.Do(func() {
		if err := hf.f.Close(); err != nil {
			hf.closeErr = errors.IO("close "+hf.path, err)
		}
	})
	return hf.closeErr
}
