// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir)
}

func TestAddHashMatchesSHA256(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello world\n")
	it, err := s.Add(data, "HELLO.md", 86400, 5, 0, "publisher")
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), it.Hash)
	assert.Equal(t, "HELLO.md", it.Basename)
	assert.Equal(t, int64(len(data)), it.Size)

	got, err := s.Get(it.Hash)
	require.NoError(t, err)
	assert.Equal(t, it.Hash, got.Hash)
}

func TestAddDuplicateIsAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	data := []byte("same bytes")
	_, err := s.Add(data, "a.txt", 100, 5, 0, "pub")
	require.NoError(t, err)

	_, err = s.Add(data, "b.txt", 100, 5, 0, "pub")
	require.Error(t, err)
	assert.True(t, IsAlreadyExists(err))
}

func TestAddRejectsSlashInBasename(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add([]byte("x"), "dir/name", 100, 5, 0, "pub")
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindValidation, se.Kind)
}

func TestIncrementShareCountEvictsAtLimit(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Add([]byte("share me"), "f.bin", Unlimited, 2, 0, "pub")
	require.NoError(t, err)

	evicted, err := s.IncrementShareCount(it.Hash)
	require.NoError(t, err)
	assert.False(t, evicted)

	evicted, err = s.IncrementShareCount(it.Hash)
	require.NoError(t, err)
	assert.True(t, evicted)

	_, err = s.Get(it.Hash)
	assert.True(t, IsNotFound(err))

	_, statErr := os.Stat(it.StorageRef)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveDeletesBackingFile(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Add([]byte("bytes"), "f.bin", 100, 5, 0, "pub")
	require.NoError(t, err)

	require.NoError(t, s.Remove(it.Hash))
	_, err = s.Get(it.Hash)
	assert.True(t, IsNotFound(err))
	_, statErr := os.Stat(it.StorageRef)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveUnknownHashIsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Remove("deadbeef")
	assert.True(t, IsNotFound(err))
}

func TestScanOwnedRecomputesHashFromBytes(t *testing.T) {
	dir := t.TempDir()
	data := []byte("scan me please")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	// Deliberately write under a filename whose hash component is wrong to
	// prove scan_owned never trusts it.
	path := filepath.Join(dir, "notthehash-scanned.txt")
	require.NoError(t, os.WriteFile(path, data, 0600))

	s := New(dir)
	require.NoError(t, s.ScanOwned())

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, "scanned.txt", got.Basename)
	// No xattrs were set, so documented fallbacks apply.
	assert.Equal(t, defaultMaxAgeFallback, got.MaxAge)
	assert.Equal(t, defaultShareLimitFallback, got.ShareLimit)
}

func TestScanContributedDirUsesUnlimitedSentinels(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkgfile.dat"), []byte("contributed"), 0644))

	s := newTestStore(t)
	require.NoError(t, s.ScanContributedDir(dir))

	items := s.List()
	require.Len(t, items, 1)
	assert.Equal(t, Unlimited, items[0].MaxAge)
	assert.Equal(t, Unlimited, items[0].ShareLimit)
	assert.Equal(t, "", items[0].Cmdline)
	assert.True(t, items[0].Contributed)
}

func TestSweepEvictsExpiredItems(t *testing.T) {
	s := newTestStore(t)

	real := nowFunc
	defer func() { nowFunc = real }()
	publishedAt := time.Now().Add(-2 * time.Hour)
	nowFunc = func() time.Time { return publishedAt }

	it, err := s.Add([]byte("stale"), "old.txt", 3600, Unlimited, 0, "pub")
	require.NoError(t, err)

	nowFunc = real
	evicted := s.Sweep()
	require.Contains(t, evicted, it.Hash)
	_, err = s.Get(it.Hash)
	assert.True(t, IsNotFound(err))
}

func TestAddDoesNotLeakMutableItem(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Add([]byte("immutable view"), "f.bin", 100, 5, 0, "pub")
	require.NoError(t, err)

	it.Basename = "tampered"
	got, err := s.Get(it.Hash)
	require.NoError(t, err)
	assert.Equal(t, "f.bin", got.Basename)
}

func TestAddWithNextRebootFlagStaysDisabledUntilReboot(t *testing.T) {
	s := newTestStore(t)
	it, err := s.Add([]byte("next reboot"), "f.bin", 100, 5, FlagNextReboot, "pub")
	require.NoError(t, err)

	assert.True(t, it.Flags.Has(FlagNextReboot))
	assert.True(t, it.Flags.Has(FlagDisabled), "item published with NEXT_REBOOT must stay DISABLED until a later boot")
	assert.NotEmpty(t, it.BootToken)

	got, err := s.Get(it.Hash)
	require.NoError(t, err)
	assert.True(t, got.Flags.Has(FlagDisabled))
}
