// Copyright 2024 The ultra Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package ultra implements a static, read-optimized store mapping
// fixed-length binary keys to variable-length values.
//
// A store is built once, published atomically as a pair of read-only
// files, and then memory-mapped for point lookups.  There is no update
// path: changing the contents means building a new store.  Lookups do a
// binary search over the sorted, fixed-stride record array in the index
// file and return values as slices aliasing the data file's mapping,
// so a hit costs O(log n) comparisons and zero heap allocations.
//
// The index file (<base>.mmidx) is a 20-byte header followed by the
// record array, sorted by key:
//
//	header:
//	┌────────────────┬──────────────┬────────────────┐
//	│ magic (8B)     │ key size (4B)│ record cnt (8B)│
//	│ "ULTRAMM1"     │ uint32 LE    │ uint64 LE      │
//	└────────────────┴──────────────┴────────────────┘
//
//	record (key size + 12 bytes, repeated record cnt times):
//	┌────────────────┬────────────────┬───────────────┐
//	│ key (key size) │ offset (8B LE) │ length (4B LE)│
//	└────────────────┴────────────────┴───────────────┘
//
// The data file (<base>.mmdata) is the concatenation of all values in
// the same sorted order, with no framing of its own; each record's
// offset/length pair in the index carves its value out of the data
// mapping.
//
// Stores with zero entries are represented by the absence of both
// files, never by empty files.
//
// An open Store is safe for concurrent use by any number of goroutines.
// The Builder is not; stage from one goroutine.
package ultra
