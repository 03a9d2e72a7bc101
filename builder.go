// Copyright 2024 The ultra Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ultra

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/google/btree"

	"github.com/ATPs/ultra/internal/format"
	"github.com/ATPs/ultra/internal/unsafestring"
)

const builderBufferSize = 4 * 1024 * 1024

// BuilderOption configures the Builder.
type BuilderOption func(*builderOptions)

type builderOptions struct {
	logger *slog.Logger
}

// WithBuilderLogger sets an optional logger for the builder to use for progress updates.
// If not provided, no logging output will be produced.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(opts *builderOptions) {
		opts.logger = logger
	}
}

type entry struct {
	key   []byte
	value []byte
}

func entryLess(a, b entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Builder accumulates key/value pairs and writes them out as an immutable
// store.  Keys are staged in a btree so Finalize can stream them to disk in
// sorted order in a single pass.  A Builder is not safe for concurrent use.
type Builder struct {
	dir       string
	base      string
	keySize   int
	entries   *btree.BTreeG[entry]
	dataBytes uint64
	logger    *slog.Logger
	finalized bool
}

// NewBuilder creates a Builder that accumulates entries for the store named
// base under dir.  Building should happen once; the resulting files are
// read-only.
func NewBuilder(dir, base string, opts ...BuilderOption) (*Builder, error) {
	var options builderOptions
	options.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&options)
	}
	// we resolve dir up front: temp files are created next to the final
	// files so the publishing rename never crosses a filesystem boundary
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	return &Builder{
		dir:     dir,
		base:    base,
		entries: btree.NewG[entry](32, entryLess),
		logger:  options.logger,
	}, nil
}

// Put stages a key/value pair.  The first key fixes the store's key size;
// every later key must have the same length.  key and value are copied, so
// the caller may reuse its buffers after Put returns.
func (b *Builder) Put(key, value []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	return b.put(k, v)
}

// PutString stages a key with a textual value.  The value's bytes are
// referenced, not copied; strings are immutable so this is safe.
func (b *Builder) PutString(key []byte, value string) error {
	k := make([]byte, len(key))
	copy(k, key)
	return b.put(k, unsafestring.ToBytes(value))
}

func (b *Builder) put(key, value []byte) error {
	if b.finalized {
		return errFinalized
	}
	if len(key) == 0 {
		return fmt.Errorf("store %q: %w: zero-length key", b.base, ErrInvalidKey)
	}
	if b.keySize == 0 {
		b.keySize = len(key)
	} else if len(key) != b.keySize {
		return fmt.Errorf("store %q: %w: key is %d bytes, store keys are %d", b.base, ErrInvalidKey, len(key), b.keySize)
	}
	if uint64(len(value)) > math.MaxUint32 {
		return fmt.Errorf("store %q: key %x: %w", b.base, key, errValueTooLarge)
	}
	e := entry{key: key, value: value}
	if b.entries.Has(e) {
		return fmt.Errorf("store %q: %w: %x", b.base, ErrDuplicateKey, key)
	}
	b.entries.ReplaceOrInsert(e)
	b.dataBytes += uint64(len(value))
	return nil
}

// Len returns the number of entries staged so far.
func (b *Builder) Len() int {
	return b.entries.Len()
}

// Finalize writes the staged entries out as the store's file pair and
// publishes them with atomic renames, data file first, so a visible index
// never references a data file that isn't there yet.  A store with zero
// entries writes no files at all: absence is the canonical empty store.
func (b *Builder) Finalize() error {
	if b.finalized {
		return errFinalized
	}
	b.finalized = true

	n := b.entries.Len()
	if n == 0 {
		b.logger.Debug("no entries staged, not writing store files", "store", b.base)
		return nil
	}

	dataTmp, recs, err := b.writeDataTemp()
	if err != nil {
		return err
	}
	indexTmp, err := b.writeIndexTemp(recs)
	if err != nil {
		_ = os.Remove(dataTmp)
		return err
	}

	if err := os.Rename(dataTmp, format.DataPath(b.dir, b.base)); err != nil {
		_ = os.Remove(dataTmp)
		_ = os.Remove(indexTmp)
		return fmt.Errorf("os.Rename: %w", err)
	}
	if err := os.Rename(indexTmp, format.IndexPath(b.dir, b.base)); err != nil {
		_ = os.Remove(indexTmp)
		return fmt.Errorf("os.Rename: %w", err)
	}

	b.logger.Info("store published", "store", b.base, "records", n, "keySize", b.keySize, "dataBytes", b.dataBytes)
	return nil
}

type indexRecord struct {
	key    []byte
	offset uint64
	length uint32
}

func (b *Builder) writeDataTemp() (path string, recs []indexRecord, err error) {
	f, err := os.CreateTemp(b.dir, "ultra-builder.*"+format.DataExt)
	if err != nil {
		return "", nil, fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", b.dir, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriterSize(f, builderBufferSize)
	recs = make([]indexRecord, 0, b.entries.Len())
	var off uint64
	b.entries.Ascend(func(e entry) bool {
		if _, werr := w.Write(e.value); werr != nil {
			err = fmt.Errorf("bufio.Write: %w", werr)
			return false
		}
		recs = append(recs, indexRecord{key: e.key, offset: off, length: uint32(len(e.value))})
		off += uint64(len(e.value))
		return true
	})
	if err != nil {
		return "", nil, err
	}
	if err = finishTemp(f, w); err != nil {
		return "", nil, err
	}
	return f.Name(), recs, nil
}

func (b *Builder) writeIndexTemp(recs []indexRecord) (path string, err error) {
	f, err := os.CreateTemp(b.dir, "ultra-builder.*"+format.IndexExt)
	if err != nil {
		return "", fmt.Errorf("CreateTemp failed (may need permissions for dir %q): %w", b.dir, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriterSize(f, builderBufferSize)
	hdr := format.Header{
		KeySize:     uint32(b.keySize),
		RecordCount: uint64(len(recs)),
	}
	if _, err = w.Write(format.EncodeHeader(hdr)); err != nil {
		return "", fmt.Errorf("bufio.Write: %w", err)
	}
	var tail [format.RecordTailSize]byte
	for _, rec := range recs {
		if _, err = w.Write(rec.key); err != nil {
			return "", fmt.Errorf("bufio.Write: %w", err)
		}
		format.PutRecordTail(tail[:], rec.offset, rec.length)
		if _, err = w.Write(tail[:]); err != nil {
			return "", fmt.Errorf("bufio.Write: %w", err)
		}
	}
	if err = finishTemp(f, w); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// finishTemp flushes, syncs and closes a temp file and makes it read-only,
// leaving it ready to be renamed into place.
func finishTemp(f *os.File, w *bufio.Writer) error {
	if err := w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("file.Sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("file.Close: %w", err)
	}
	if err := os.Chmod(f.Name(), 0444); err != nil {
		return fmt.Errorf("os.Chmod(0444): %w", err)
	}
	return nil
}

// Build writes a store for entries in one shot.  Map keys carry the raw
// fixed-length key bytes.  An empty map writes no files.
func Build(dir, base string, entries map[string][]byte, opts ...BuilderOption) error {
	b, err := NewBuilder(dir, base, opts...)
	if err != nil {
		return err
	}
	for k, v := range entries {
		if err := b.Put(unsafestring.ToBytes(k), v); err != nil {
			return err
		}
	}
	return b.Finalize()
}

// BuildStrings is Build for textual values.
func BuildStrings(dir, base string, entries map[string]string, opts ...BuilderOption) error {
	b, err := NewBuilder(dir, base, opts...)
	if err != nil {
		return err
	}
	for k, v := range entries {
		if err := b.PutString(unsafestring.ToBytes(k), v); err != nil {
			return err
		}
	}
	return b.Finalize()
}
