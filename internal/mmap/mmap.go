// Copyright 2024 The ultra Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmap provides a read-only memory mapping of a whole file.
package mmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ReaderAt is a file mapped read-only into the address space. It owns both
// the mapping and the underlying file handle; Close releases the two
// independently, so a failure unmapping never leaks the descriptor.
type ReaderAt struct {
	f    *os.File
	data []byte
}

// Open maps the named file read-only. A zero-length file yields a valid
// ReaderAt with an empty view, since mmap itself rejects empty ranges.
func Open(path string) (*ReaderAt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &ReaderAt{f: f}, nil
	}
	if size != int64(int(size)) {
		_ = f.Close()
		return nil, fmt.Errorf("mmap %s: file too large for address space (%d bytes)", path, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &ReaderAt{f: f, data: data}, nil
}

// Len returns the mapped length in bytes.
func (r *ReaderAt) Len() int {
	return len(r.data)
}

// Data returns the mapped bytes. The slice is valid until Close; writing to
// it faults.
func (r *ReaderAt) Data() []byte {
	return r.data
}

// Close unmaps the file and closes the handle. Both release steps always
// run, and repeated calls return nil.
func (r *ReaderAt) Close() error {
	var unmapErr, closeErr error
	if r.data != nil {
		unmapErr = unix.Munmap(r.data)
		r.data = nil
	}
	if r.f != nil {
		closeErr = r.f.Close()
		r.f = nil
	}
	return errors.Join(unmapErr, closeErr)
}
