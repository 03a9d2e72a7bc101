// Copyright 2024 The ultra Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package format defines the on-disk layout shared by the store builder and
// reader: the index file header, the fixed-size record encoding, and the
// file-pair naming convention.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
)

// Magic identifies an index file and pins the format version; bumping the
// trailing digit is a breaking format change.
const Magic = "ULTRAMM1"

const (
	// HeaderSize is the fixed size of the index file header: the 8-byte
	// magic, a uint32 key size and a uint64 record count.
	HeaderSize = 8 + 4 + 8

	keySizeOff     = 8
	recordCountOff = 12

	// RecordTailSize is the per-record suffix after the key bytes: a
	// uint64 offset into the data file plus a uint32 value length.
	RecordTailSize = 8 + 4

	// IndexExt and DataExt are the file-pair extensions appended to a
	// store's base name.
	IndexExt = ".mmidx"
	DataExt  = ".mmdata"
)

// ErrFormat reports a structurally invalid store file: wrong magic,
// impossible header geometry, or record bounds outside the data file.
var ErrFormat = errors.New("ultra: invalid store format")

// Header is the decoded index file header. The key size is constant for
// every record in the store.
type Header struct {
	KeySize     uint32
	RecordCount uint64
}

// RecordSize returns the encoded size of one index record for the header's
// key size.
func (h Header) RecordSize() int64 {
	return int64(h.KeySize) + RecordTailSize
}

// EncodeHeader renders h as the fixed HeaderSize prefix of an index file.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[:8], Magic)
	binary.LittleEndian.PutUint32(buf[keySizeOff:], h.KeySize)
	binary.LittleEndian.PutUint64(buf[recordCountOff:], h.RecordCount)
	return buf
}

// DecodeHeader parses and validates the header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: index header truncated (%d < %d bytes)", ErrFormat, len(buf), HeaderSize)
	}
	if string(buf[:8]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrFormat, buf[:8])
	}
	h := Header{
		KeySize:     binary.LittleEndian.Uint32(buf[keySizeOff:]),
		RecordCount: binary.LittleEndian.Uint64(buf[recordCountOff:]),
	}
	if h.KeySize == 0 {
		return Header{}, fmt.Errorf("%w: zero key size", ErrFormat)
	}
	return h, nil
}

// PutRecordTail writes a record's data-file offset and value length into the
// RecordTailSize bytes at the start of buf.
func PutRecordTail(buf []byte, offset uint64, length uint32) {
	_ = buf[RecordTailSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], length)
}

// RecordTail decodes the offset/length suffix encoded by PutRecordTail.
func RecordTail(buf []byte) (offset uint64, length uint32) {
	_ = buf[RecordTailSize-1]
	offset = binary.LittleEndian.Uint64(buf[0:8])
	length = binary.LittleEndian.Uint32(buf[8:12])
	return offset, length
}

// IndexPath returns the index file path for a store named base in dir.
func IndexPath(dir, base string) string {
	return filepath.Join(dir, base+IndexExt)
}

// DataPath returns the data file path for a store named base in dir.
func DataPath(dir, base string) string {
	return filepath.Join(dir, base+DataExt)
}
