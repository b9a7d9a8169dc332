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

// Package store implements the Content Store: the on-disk set of cached
// items, addressed by SHA-256 content hash, with the ownership, uniqueness
// and eviction invariants of the publication engine.
//
// Atomic writes follow the teacher's manifest-store idiom (hash the bytes,
// write under a name derived from the hash) generalized to a real
// write-then-rename, since unlike a manifest blob an Item's backing file is
// read concurrently with being written by a slow publisher.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/xattr"
	"tailscale.com/util/mak"

	"github.com/landistro/passimd/internal/bootepoch"
	"github.com/landistro/passimd/internal/contentprobe"
)

// nowFunc is the store's clock, overridable in tests so expiry can be
// exercised without sleeping or mutating stored state directly.
var nowFunc = time.Now

const (
	xattrMaxAge     = "user.max_age"
	xattrShareLimit = "user.share_limit"
	xattrCmdline    = "user.cmdline"
	xattrBootTime   = "user.boot_time"
	xattrChecksum   = "user.checksum.sha256"

	defaultMaxAgeFallback     uint32 = 86400
	defaultShareLimitFallback uint32 = 5
)

// Store owns the on-disk set of cached items under a single data directory.
type Store struct {
	dataDir string

	mu    sync.Mutex
	items map[string]*Item // keyed by hash
}

// New returns a Store rooted at dataDir. dataDir must already exist and be
// writable only by the daemon's own identity.
func New(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		items:   make(map[string]*Item),
	}
}

func validateBasename(basename string) error {
	if basename == "" || strings.Contains(basename, "/") {
		return newErr("validate", KindValidation, fmt.Errorf("basename %q must be non-empty and free of '/'", basename))
	}
	return nil
}

func encodeFilename(hash, basename string) string {
	return hash + "-" + basename
}

// splitFilename reverses encodeFilename: split once on '-'. The hash
// component recovered here is never trusted — scan_owned recomputes it from
// file contents.
func splitFilename(name string) (hashPart, basename string, ok bool) {
	hashPart, basename, ok = strings.Cut(name, "-")
	return
}

// Add computes the content hash of data, rejects a duplicate, and writes it
// atomically under {dataDir}/{hash}-{basename}, storing the remaining
// attributes as extended attributes.
func (s *Store) Add(data []byte, basename string, maxAge, shareLimit uint32, flags Flags, cmdline string) (*Item, error) {
	const op = "store.Add"
	if err := validateBasename(basename); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	if _, exists := s.items[hash]; exists {
		s.mu.Unlock()
		return nil, newErr(op, KindAlreadyExists, fmt.Errorf("item %s already exists", hash))
	}
	s.mu.Unlock()

	finalPath := filepath.Join(s.dataDir, encodeFilename(hash, basename))
	if err := atomicWrite(s.dataDir, finalPath, data); err != nil {
		return nil, newErr(op, KindIO, err)
	}

	var bootToken string
	if flags.Has(FlagNextReboot) {
		bt, err := bootepoch.Current()
		if err != nil {
			log.Printf("store: failed to read boot epoch, publishing without NEXT_REBOOT guard: %v", err)
		} else {
			bootToken = bt
			// The token just read is by definition the current boot epoch,
			// so the item stays held until a later scan_owned finds it no
			// longer matches.
			flags |= FlagDisabled
		}
	}

	if err := writeOwnedXattrs(finalPath, maxAge, shareLimit, cmdline, bootToken); err != nil {
		// The bytes are already durable; attribute loss only degrades to
		// fallback defaults on next scan, so this is logged, not fatal.
		log.Printf("store: failed to write xattrs for %s: %v", hash, err)
	}

	ct := contentprobe.Sniff(finalPath, basename)

	it := &Item{
		Hash:        hash,
		Basename:    basename,
		Size:        int64(len(data)),
		CTime:       nowFunc().UTC(),
		MaxAge:      maxAge,
		ShareLimit:  shareLimit,
		Flags:       flags,
		Cmdline:     cmdline,
		BootToken:   bootToken,
		StorageRef:  finalPath,
		ContentType: ct,
	}

	s.mu.Lock()
	if _, exists := s.items[hash]; exists {
		s.mu.Unlock()
		os.Remove(finalPath)
		return nil, newErr(op, KindAlreadyExists, fmt.Errorf("item %s already exists", hash))
	}
	mak.Set(&s.items, hash, it)
	s.mu.Unlock()

	out := *it
	return &out, nil
}

func atomicWrite(dir, finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".passim-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func writeOwnedXattrs(path string, maxAge, shareLimit uint32, cmdline, bootToken string) error {
	var firstErr error
	set := func(name, val string) {
		if err := xattr.Set(path, name, []byte(val)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	set(xattrMaxAge, strconv.FormatUint(uint64(maxAge), 10))
	set(xattrShareLimit, strconv.FormatUint(uint64(shareLimit), 10))
	set(xattrCmdline, cmdline)
	if bootToken != "" {
		set(xattrBootTime, bootToken)
	}
	return firstErr
}

// Remove deletes the backing file (for owned items) and the in-memory entry.
func (s *Store) Remove(hash string) error {
	const op = "store.Remove"
	s.mu.Lock()
	it, ok := s.items[hash]
	if !ok {
		s.mu.Unlock()
		return newErr(op, KindNotFound, fmt.Errorf("item %s not found", hash))
	}
	delete(s.items, hash)
	s.mu.Unlock()

	if it.Contributed {
		// Contributed files are owned by whatever installed the package;
		// we only stop tracking them, we never delete them.
		return nil
	}
	if err := os.Remove(it.StorageRef); err != nil && !os.IsNotExist(err) {
		return newErr(op, KindIO, err)
	}
	return nil
}

// Get returns a copy of the Item for hash, or NotFound.
func (s *Store) Get(hash string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[hash]
	if !ok {
		return Item{}, newErr("store.Get", KindNotFound, fmt.Errorf("item %s not found", hash))
	}
	return *it, nil
}

// List returns a snapshot of all items. Order is unspecified.
func (s *Store) List() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	return out
}

// AdvertisedHashes returns the hashes currently eligible for mDNS
// advertisement: present, not disabled.
func (s *Store) AdvertisedHashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for hash, it := range s.items {
		if it.Serveable() {
			out = append(out, hash)
		}
	}
	return out
}

// IncrementShareCount records one successful outbound serve. If the share
// count then reaches ShareLimit, the item is evicted as part of the same
// call and evicted reports true.
func (s *Store) IncrementShareCount(hash string) (evicted bool, err error) {
	s.mu.Lock()
	it, ok := s.items[hash]
	if !ok {
		s.mu.Unlock()
		return false, newErr("store.IncrementShareCount", KindNotFound, fmt.Errorf("item %s not found", hash))
	}
	it.ShareCount++
	atLimit := it.AtShareLimit()
	if atLimit {
		delete(s.items, hash)
	}
	s.mu.Unlock()

	if atLimit {
		if !it.Contributed {
			if rmErr := os.Remove(it.StorageRef); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Printf("store: failed to remove evicted item %s: %v", hash, rmErr)
			}
		}
		return true, nil
	}
	return false, nil
}

// ScanOwned enumerates the owned data directory on startup. Each file name
// is split once on '-' into a discarded hash component and a basename; the
// hash is recomputed from bytes, never trusted from the filename. Symbolic
// links are refused.
func (s *Store) ScanOwned() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return newErr("store.ScanOwned", KindIO, err)
	}

	currentBoot, bootErr := bootepoch.Current()

	for _, ent := range entries {
		if ent.IsDir() || strings.HasPrefix(ent.Name(), ".passim-tmp-") {
			continue
		}
		_, basename, ok := splitFilename(ent.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.dataDir, ent.Name())

		data, err := readNoFollow(path)
		if err != nil {
			log.Printf("store: scan_owned: skipping %s: %v", ent.Name(), err)
			continue
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		maxAge := readUint32Xattr(path, xattrMaxAge, defaultMaxAgeFallback)
		shareLimit := readUint32Xattr(path, xattrShareLimit, defaultShareLimitFallback)
		cmdline := readStringXattr(path, xattrCmdline, "")
		bootToken := readStringXattr(path, xattrBootTime, "")

		var flags Flags
		if bootToken != "" {
			flags |= FlagNextReboot
			// Open question resolved: activate (clear DISABLED) on
			// inequality — i.e. after a reboot has actually happened.
			if bootErr != nil || bootToken == currentBoot {
				flags |= FlagDisabled
			}
		}

		it := &Item{
			Hash:        hash,
			Basename:    basename,
			Size:        int64(len(data)),
			CTime:       modTimeOrNow(path),
			MaxAge:      maxAge,
			ShareLimit:  shareLimit,
			Cmdline:     cmdline,
			BootToken:   bootToken,
			Flags:       flags,
			StorageRef:  path,
			ContentType: contentprobe.Sniff(path, basename),
		}

		s.mu.Lock()
		mak.Set(&s.items, hash, it)
		s.mu.Unlock()
	}
	return nil
}

// ScanContributedDir scans the top-level files of dir (named by a Path= key
// in a package-contributed *.conf file) and adds each as an Item with the
// unlimited max_age/share_limit sentinels and no cmdline. A previously
// cached hash in user.checksum.sha256 is trusted; otherwise the hash is
// computed and written back for next time.
func (s *Store) ScanContributedDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newErr("store.ScanContributedDir", KindIO, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		data, err := readNoFollow(path)
		if err != nil {
			log.Printf("store: scan_contributed: skipping %s: %v", path, err)
			continue
		}

		hash := readStringXattr(path, xattrChecksum, "")
		if hash == "" {
			sum := sha256.Sum256(data)
			hash = hex.EncodeToString(sum[:])
			if err := xattr.Set(path, xattrChecksum, []byte(hash)); err != nil {
				log.Printf("store: scan_contributed: failed to cache checksum for %s: %v", path, err)
			}
		}

		it := &Item{
			Hash:        hash,
			Basename:    ent.Name(),
			Size:        int64(len(data)),
			CTime:       modTimeOrNow(path),
			MaxAge:      Unlimited,
			ShareLimit:  Unlimited,
			StorageRef:  path,
			Contributed: true,
			ContentType: contentprobe.Sniff(path, ent.Name()),
		}

		s.mu.Lock()
		mak.Set(&s.items, hash, it)
		s.mu.Unlock()
	}
	return nil
}

// Sweep removes every item whose age exceeds its MaxAge and returns the
// evicted hashes.
func (s *Store) Sweep() []string {
	now := nowFunc().UTC()
	var evicted []string

	s.mu.Lock()
	var toDelete []*Item
	for hash, it := range s.items {
		if it.Expired(now) {
			evicted = append(evicted, hash)
			toDelete = append(toDelete, it)
			delete(s.items, hash)
		}
	}
	s.mu.Unlock()

	for _, it := range toDelete {
		if it.Contributed {
			continue
		}
		if err := os.Remove(it.StorageRef); err != nil && !os.IsNotExist(err) {
			log.Printf("store: sweep: failed to remove %s: %v", it.StorageRef, err)
		}
	}
	return evicted
}

func readNoFollow(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("refused (possible symlink): %w", err)
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func modTimeOrNow(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Now().UTC()
	}
	return fi.ModTime().UTC()
}

func readUint32Xattr(path, name string, fallback uint32) uint32 {
	b, err := xattr.Get(path, name)
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(v)
}

func readStringXattr(path, name, fallback string) string {
	b, err := xattr.Get(path, name)
	if err != nil {
		return fallback
	}
	return string(b)
}
