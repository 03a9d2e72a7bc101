// Copyright 2024 The ultra Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ultra

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/dgryski/go-farm"
	"golang.org/x/sys/unix"

	"github.com/ATPs/ultra/internal/format"
	"github.com/ATPs/ultra/internal/mmap"
)

// IndexPath returns the index file path for the store named base under dir.
func IndexPath(dir, base string) string {
	return format.IndexPath(dir, base)
}

// DataPath returns the data file path for the store named base under dir.
func DataPath(dir, base string) string {
	return format.DataPath(dir, base)
}

// OpenOption configures Open.
type OpenOption func(*openOptions)

type openOptions struct {
	logger *slog.Logger
}

// WithOpenLogger sets an optional logger for Open to report mapping details
// to.  If not provided, no logging output will be produced.
func WithOpenLogger(logger *slog.Logger) OpenOption {
	return func(opts *openOptions) {
		opts.logger = logger
	}
}

// recordArray is a read-only view into the mapped record section of an index
// file as if it was a []record.
type recordArray struct {
	m          []byte
	keySize    int
	recordSize int
	count      int
}

func (a recordArray) key(i int) []byte {
	off := i * a.recordSize
	return a.m[off : off+a.keySize]
}

func (a recordArray) tail(i int) (offset uint64, length uint32) {
	off := i*a.recordSize + a.keySize
	return format.RecordTail(a.m[off : off+format.RecordTailSize])
}

// search returns the position of key in the array, or -1 if it is absent.
// Keys sort by bytes.Compare, which matches the order the builder wrote
// them in.
func (a recordArray) search(key []byte) int {
	lo, hi := 0, a.count-1
	for lo <= hi {
		mid := int(uint(lo+hi) >> 1)
		switch bytes.Compare(a.key(mid), key) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid - 1
		default:
			return mid
		}
	}
	return -1
}

// Store is an open store: both files mapped read-only, queries served by
// binary search over the record array.  A Store is safe for concurrent use
// by multiple goroutines.
type Store struct {
	idx    *mmap.ReaderAt
	data   *mmap.ReaderAt
	recs   recordArray
	closed atomic.Bool
}

// Open maps the store's file pair and validates the index geometry before
// returning.  Opening fails with ErrFormat rather than deferring to a crash
// on first lookup: the header's claimed record count must fit in the index
// file, and every record's value range must lie inside the data file.
func Open(indexPath, dataPath string, opts ...OpenOption) (*Store, error) {
	var options openOptions
	options.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&options)
	}

	idx, err := mmap.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("mmap.Open(%s): %w", indexPath, err)
	}
	hdr, err := format.DecodeHeader(idx.Data())
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("index %s: %w", indexPath, err)
	}
	recordSize := hdr.RecordSize()
	avail := int64(idx.Len()) - format.HeaderSize
	if hdr.RecordCount > uint64(avail/recordSize) {
		_ = idx.Close()
		return nil, fmt.Errorf("index %s: %w: header claims %d records of %d bytes, but only %d bytes follow the header",
			indexPath, ErrFormat, hdr.RecordCount, recordSize, avail)
	}
	count := int(hdr.RecordCount)

	data, err := mmap.Open(dataPath)
	if err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("mmap.Open(%s): %w", dataPath, err)
	}

	recs := recordArray{
		m:          idx.Data()[format.HeaderSize:],
		keySize:    int(hdr.KeySize),
		recordSize: int(recordSize),
		count:      count,
	}
	dataLen := uint64(data.Len())
	for i := 0; i < count; i++ {
		off, n := recs.tail(i)
		if off > dataLen || uint64(n) > dataLen-off {
			err := fmt.Errorf("index %s: %w: record %d claims bytes [%d, %d) of a %d byte data file",
				indexPath, ErrFormat, i, off, off+uint64(n), dataLen)
			_ = idx.Close()
			_ = data.Close()
			return nil, err
		}
	}

	for _, m := range [][]byte{idx.Data(), data.Data()} {
		if len(m) == 0 {
			continue
		}
		if err := unix.Madvise(m, unix.MADV_RANDOM); err != nil {
			_ = idx.Close()
			_ = data.Close()
			return nil, fmt.Errorf("madvise: %w", err)
		}
	}
	if m := idx.Data(); len(m) > 0 {
		options.logger.Debug("mlocking the index into memory", "index", indexPath)
		if err := unix.Mlock(m); err != nil {
			options.logger.Warn("failed to mlock the index, continuing anyway", "error", err)
		}
	}

	options.logger.Debug("opened store",
		"index", indexPath, "records", count, "keySize", hdr.KeySize, "dataBytes", dataLen)

	return &Store{
		idx:  idx,
		data: data,
		recs: recs,
	}, nil
}

// Len returns the number of records in the store.  It remains valid after
// Close, since it reads no mapped memory.
func (s *Store) Len() int {
	return s.recs.count
}

// KeySize returns the fixed key length in bytes shared by every record.
func (s *Store) KeySize() int {
	return s.recs.keySize
}

// DataLen returns the size of the data file in bytes.
func (s *Store) DataLen() int {
	return s.data.Len()
}

// find returns the record position for key or -1.  A key of the wrong
// length can't be present, so it is a miss, not an error.
func (s *Store) find(key []byte) int {
	if len(key) != s.recs.keySize {
		return -1
	}
	return s.recs.search(key)
}

// Contains reports whether key is present.  A closed store contains nothing.
func (s *Store) Contains(key []byte) bool {
	if s.closed.Load() {
		return false
	}
	return s.find(key) >= 0
}

// Get returns the value stored for key.  The returned slice aliases the
// store's mapping: it is valid until Close, and callers must not modify it.
// ok is false if the key is absent or the store is closed.
func (s *Store) Get(key []byte) (value []byte, ok bool) {
	v, err := s.Lookup(key)
	if err != nil {
		return nil, false
	}
	return v, true
}

// GetString is Get for callers that want the value as text.  Unlike Get it
// copies, so the result stays valid after Close.
func (s *Store) GetString(key []byte) (value string, ok bool) {
	v, err := s.Lookup(key)
	if err != nil {
		return "", false
	}
	return string(v), true
}

// Lookup returns the value stored for key, ErrKeyNotFound if the key is
// absent, or ErrClosed after Close.  The returned slice aliases the store's
// mapping, like Get's.
func (s *Store) Lookup(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	i := s.find(key)
	if i < 0 {
		return nil, ErrKeyNotFound
	}
	return s.value(i)
}

// LookupString is Lookup with the value copied out as text.
func (s *Store) LookupString(key []byte) (string, error) {
	v, err := s.Lookup(key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *Store) value(i int) ([]byte, error) {
	off, n := s.recs.tail(i)
	m := s.data.Data()
	// Open validated every record's range; only a data file truncated
	// behind our back can fail here
	if off > uint64(len(m)) || uint64(n) > uint64(len(m))-off {
		return nil, fmt.Errorf("record %d: %w: value spans [%d, %d) of a %d byte data file",
			i, ErrFormat, off, off+uint64(n), len(m))
	}
	return m[off : off+uint64(n)], nil
}

// At returns the key and value of the record at position i in sorted key
// order, 0 <= i < Len().  Both returned slices alias the store's mappings.
func (s *Store) At(i int) (key, value []byte, err error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	if i < 0 || i >= s.recs.count {
		return nil, nil, fmt.Errorf("ultra: record %d out of range [0, %d)", i, s.recs.count)
	}
	v, err := s.value(i)
	if err != nil {
		return nil, nil, err
	}
	return s.recs.key(i), v, nil
}

// Verify rescans the whole store: keys strictly ascending and unique, and
// every value range inside the data file.  Open already checks the ranges;
// Verify re-checks them together with the ordering invariant binary search
// depends on.
func (s *Store) Verify() error {
	if s.closed.Load() {
		return ErrClosed
	}
	dataLen := uint64(s.data.Len())
	var prev []byte
	for i := 0; i < s.recs.count; i++ {
		k := s.recs.key(i)
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			return fmt.Errorf("%w: keys out of order at record %d", ErrFormat, i)
		}
		off, n := s.recs.tail(i)
		if off > dataLen || uint64(n) > dataLen-off {
			return fmt.Errorf("%w: record %d claims bytes [%d, %d) of a %d byte data file",
				ErrFormat, i, off, off+uint64(n), dataLen)
		}
		prev = k
	}
	return nil
}

// Fingerprint returns a farmhash fingerprint over both mapped files.  Two
// stores built from the same entries fingerprint identically, so it serves
// as a cheap integrity check for store files copied between machines.
func (s *Store) Fingerprint() (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return farm.Hash64WithSeed(s.idx.Data(), farm.Hash64(s.data.Data())), nil
}

// Close unmaps both files and releases their descriptors.  The two are
// released independently: a failure unmapping the index never leaks the
// data mapping.  Close is idempotent, and queries issued after it fail
// with ErrClosed (or report absence) instead of touching unmapped memory.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return errors.Join(s.idx.Close(), s.data.Close())
}
