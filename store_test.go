// Copyright 2024 The ultra Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ultra

import (
	"bytes"
	"io/fs"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ATPs/ultra/internal/format"
)

func buildPair(t *testing.T, entries map[string]string) (dir, base string) {
	t.Helper()
	dir = t.TempDir()
	base = "genes"
	require.NoError(t, BuildStrings(dir, base, entries))
	return dir, base
}

func openStore(t *testing.T, dir, base string) *Store {
	t.Helper()
	st, err := Open(IndexPath(dir, base), DataPath(dir, base))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testStore(t *testing.T, entries map[string]string) *Store {
	t.Helper()
	dir, base := buildPair(t, entries)
	return openStore(t, dir, base)
}

var trio = map[string]string{
	"AAAA": "first",
	"MMMM": "middle",
	"ZZZZ": "last",
}

func TestStoreRoundTrip(t *testing.T) {
	st := testStore(t, trio)

	require.Equal(t, 3, st.Len())
	require.Equal(t, 4, st.KeySize())
	require.Equal(t, len("firstmiddlelast"), st.DataLen())

	for k, want := range trio {
		key := []byte(k)
		require.True(t, st.Contains(key))

		v, ok := st.Get(key)
		require.True(t, ok)
		require.Equal(t, want, string(v))

		s, ok := st.GetString(key)
		require.True(t, ok)
		require.Equal(t, want, s)

		v, err := st.Lookup(key)
		require.NoError(t, err)
		require.Equal(t, want, string(v))

		s, err = st.LookupString(key)
		require.NoError(t, err)
		require.Equal(t, want, s)
	}

	// absent keys of the right length: before the first record, between
	// records, after the last
	for _, miss := range []string{"0000", "AAAB", "MMMN", "ZZZY", "zzzz"} {
		key := []byte(miss)
		require.False(t, st.Contains(key))

		v, ok := st.Get(key)
		require.False(t, ok)
		require.Nil(t, v)

		_, err := st.Lookup(key)
		require.ErrorIs(t, err, ErrKeyNotFound)

		_, err = st.LookupString(key)
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
}

func TestStoreWrongLengthKeyIsAMiss(t *testing.T) {
	st := testStore(t, trio)

	for _, key := range [][]byte{nil, {}, []byte("A"), []byte("AAA"), []byte("AAAAA")} {
		require.False(t, st.Contains(key))
		_, ok := st.Get(key)
		require.False(t, ok)
		_, err := st.Lookup(key)
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
}

// TestStoreKeysCompareUnsigned builds keys whose high bits are set: a signed
// byte comparison would sort them wrong and strand them from binary search.
func TestStoreKeysCompareUnsigned(t *testing.T) {
	entries := map[string]string{
		"\x00": "zero",
		"\x7f": "mid",
		"\x80": "high",
		"\xff": "top",
	}
	st := testStore(t, entries)

	wantOrder := []string{"\x00", "\x7f", "\x80", "\xff"}
	for i, want := range wantOrder {
		k, v, err := st.At(i)
		require.NoError(t, err)
		require.Equal(t, want, string(k))
		require.Equal(t, entries[want], string(v))
	}
	for k, want := range entries {
		v, ok := st.Get([]byte(k))
		require.True(t, ok)
		require.Equal(t, want, string(v))
	}
}

func TestStoreAtBounds(t *testing.T) {
	st := testStore(t, trio)

	k, v, err := st.At(0)
	require.NoError(t, err)
	require.Equal(t, "AAAA", string(k))
	require.Equal(t, "first", string(v))

	k, v, err = st.At(2)
	require.NoError(t, err)
	require.Equal(t, "ZZZZ", string(k))
	require.Equal(t, "last", string(v))

	_, _, err = st.At(-1)
	require.Error(t, err)
	_, _, err = st.At(3)
	require.Error(t, err)
}

func TestStoreAllValuesEmpty(t *testing.T) {
	entries := map[string]string{"AAAA": "", "BBBB": "", "CCCC": ""}
	dir, base := buildPair(t, entries)

	fi, err := os.Stat(DataPath(dir, base))
	require.NoError(t, err)
	require.Zero(t, fi.Size())

	st := openStore(t, dir, base)
	require.Equal(t, 3, st.Len())
	require.Zero(t, st.DataLen())
	require.NoError(t, st.Verify())

	v, ok := st.Get([]byte("BBBB"))
	require.True(t, ok)
	require.Empty(t, v)
	s, err := st.LookupString([]byte("CCCC"))
	require.NoError(t, err)
	require.Equal(t, "", s)
}

func TestStoreValueBytesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBuilder(dir, "bytes")
	require.NoError(t, err)

	value := make([]byte, 256)
	for i := range value {
		value[i] = byte(i)
	}
	require.NoError(t, b.Put([]byte("K"), value))
	require.NoError(t, b.Put([]byte("e"), nil))
	require.NoError(t, b.Finalize())

	st := openStore(t, dir, "bytes")
	got, ok := st.Get([]byte("K"))
	require.True(t, ok)
	require.Equal(t, value, got)
	got, ok = st.Get([]byte("e"))
	require.True(t, ok)
	require.Empty(t, got)
}

func TestStoreClose(t *testing.T) {
	st := testStore(t, trio)
	key := []byte("AAAA")

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	require.False(t, st.Contains(key))
	_, ok := st.Get(key)
	require.False(t, ok)
	_, ok = st.GetString(key)
	require.False(t, ok)

	_, err := st.Lookup(key)
	require.ErrorIs(t, err, ErrClosed)
	_, err = st.LookupString(key)
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = st.At(0)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, st.Verify(), ErrClosed)
	_, err = st.Fingerprint()
	require.ErrorIs(t, err, ErrClosed)

	// Len reads no mapped memory and stays usable
	require.Equal(t, 3, st.Len())
}

func TestOpenMissingFiles(t *testing.T) {
	dir, base := buildPair(t, trio)

	_, err := Open(IndexPath(dir, "absent"), DataPath(dir, "absent"))
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.NoError(t, os.Remove(DataPath(dir, base)))
	_, err = Open(IndexPath(dir, base), DataPath(dir, base))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir, base := buildPair(t, trio)
	path := IndexPath(dir, base)

	require.NoError(t, os.Chmod(path, 0644))
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[0] = 'X'
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err = Open(path, DataPath(dir, base))
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpenRejectsShortIndex(t *testing.T) {
	dir, base := buildPair(t, trio)
	path := IndexPath(dir, base)

	require.NoError(t, os.Chmod(path, 0644))
	require.NoError(t, os.Truncate(path, int64(len(format.Magic))))

	_, err := Open(path, DataPath(dir, base))
	require.ErrorIs(t, err, ErrFormat)
}

// TestOpenRejectsTruncatedRecords drops the index to a single record while
// the header still claims three.
func TestOpenRejectsTruncatedRecords(t *testing.T) {
	dir, base := buildPair(t, trio)
	path := IndexPath(dir, base)

	require.NoError(t, os.Chmod(path, 0644))
	require.NoError(t, os.Truncate(path, format.HeaderSize+16))

	_, err := Open(path, DataPath(dir, base))
	require.ErrorIs(t, err, ErrFormat)
}

// TestOpenRejectsRecordBeyondData rewrites the first record's length so it
// reaches past the end of the data file.
func TestOpenRejectsRecordBeyondData(t *testing.T) {
	dir, base := buildPair(t, trio)
	path := IndexPath(dir, base)

	require.NoError(t, os.Chmod(path, 0644))
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	// first record's length field: header, key, then the 8 byte offset
	_, err = f.WriteAt([]byte{0xff, 0xff, 0xff, 0xff}, format.HeaderSize+4+8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path, DataPath(dir, base))
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpenRejectsZeroKeySize(t *testing.T) {
	dir := t.TempDir()
	idx := IndexPath(dir, "broken")
	data := DataPath(dir, "broken")
	require.NoError(t, os.WriteFile(idx, format.EncodeHeader(format.Header{KeySize: 0, RecordCount: 0}), 0644))
	require.NoError(t, os.WriteFile(data, nil, 0644))

	_, err := Open(idx, data)
	require.ErrorIs(t, err, ErrFormat)
}

// TestVerifyDetectsDisorder corrupts key bytes in ways Open's geometry
// checks can't see: out-of-order keys and duplicate keys.
func TestVerifyDetectsDisorder(t *testing.T) {
	corrupt := func(t *testing.T, key string, recordPos int64) {
		dir, base := buildPair(t, trio)
		path := IndexPath(dir, base)
		require.NoError(t, os.Chmod(path, 0644))
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = f.WriteAt([]byte(key), format.HeaderSize+recordPos*16)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		st := openStore(t, dir, base)
		require.ErrorIs(t, st.Verify(), ErrFormat)
	}

	// record 0 renamed past record 1: NNNN > MMMM
	corrupt(t, "NNNN", 0)
	// record 1 renamed to record 0's key: duplicates
	corrupt(t, "AAAA", 1)
}

func TestVerifyAcceptsFreshStore(t *testing.T) {
	st := testStore(t, trio)
	require.NoError(t, st.Verify())
}

func TestFingerprint(t *testing.T) {
	dirA, baseA := buildPair(t, trio)
	dirB, baseB := buildPair(t, trio)
	a := openStore(t, dirA, baseA)
	b := openStore(t, dirB, baseB)

	fpA, err := a.Fingerprint()
	require.NoError(t, err)
	fpB, err := b.Fingerprint()
	require.NoError(t, err)
	// same entries, same files, same fingerprint
	require.Equal(t, fpA, fpB)

	other := testStore(t, map[string]string{"AAAA": "first", "MMMM": "middle", "ZZZZ": "lest"})
	fpOther, err := other.Fingerprint()
	require.NoError(t, err)
	require.NotEqual(t, fpA, fpOther)
}

func TestStoreQueriesDontAllocate(t *testing.T) {
	st := testStore(t, trio)
	hit := []byte("MMMM")
	miss := []byte("MMMN")

	var v []byte
	var ok bool
	allocs := testing.AllocsPerRun(100, func() {
		v, ok = st.Get(hit)
	})
	require.Zero(t, allocs)
	require.True(t, ok)
	require.Equal(t, "middle", string(v))

	allocs = testing.AllocsPerRun(100, func() {
		ok = st.Contains(miss)
	})
	require.Zero(t, allocs)
	require.False(t, ok)
}

func TestLoggerOptions(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dir := t.TempDir()
	b, err := NewBuilder(dir, "genes", WithBuilderLogger(logger))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("ACGT"), []byte("v")))
	require.NoError(t, b.Finalize())
	require.Contains(t, buf.String(), "store published")

	buf.Reset()
	st, err := Open(IndexPath(dir, "genes"), DataPath(dir, "genes"), WithOpenLogger(logger))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	require.Contains(t, buf.String(), "opened store")
}
