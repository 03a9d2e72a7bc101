// Copyright 2024 The ultra Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ultra

import (
	"errors"

	"github.com/ATPs/ultra/internal/format"
)

// Errors returned by the builder and the store. They are always wrapped with
// context (store name, path, record) and should be matched with errors.Is.
var (
	// ErrInvalidKey reports a build-time key violation: a zero-length key
	// or a key whose length differs from the rest of the store.
	ErrInvalidKey = errors.New("ultra: invalid key")

	// ErrDuplicateKey reports that the same key was staged twice. Binary
	// search over the record array needs unique keys, so duplicates are
	// rejected at build time rather than silently keeping one of the two.
	ErrDuplicateKey = errors.New("ultra: duplicate key")

	// ErrKeyNotFound is returned by Lookup and LookupString for absent keys.
	ErrKeyNotFound = errors.New("ultra: key not found")

	// ErrClosed is returned by queries on a store after Close.
	ErrClosed = errors.New("ultra: store is closed")

	// ErrFormat reports a structurally invalid store file at open time.
	ErrFormat = format.ErrFormat
)

var (
	errFinalized     = errors.New("ultra: builder already finalized")
	errValueTooLarge = errors.New("ultra: value exceeds the 4 GiB record limit")
)
