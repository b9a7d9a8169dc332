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

// Package control implements the Control-plane Surface: a D-Bus object
// exposing publish/unpublish/enumerate operations plus observable status,
// built on the teacher's event-listener-registry pattern (a sync.Mutex
// guarding a tailscale.com/util/set.HandleSet) repointed at this daemon's
// own Event/Status shapes.
package control

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/landistro/passimd/internal/store"
)

// Advertiser is what the control surface needs from the daemon: trigger a
// discovery re-registration after the Item set changes.
type Advertiser interface {
	Reregister()
}

// Surface is the daemon's control-plane object.
type Surface struct {
	Store       *store.Store
	Advertiser  Advertiser
	MaxItemSize uint64
	CarbonCost  float64

	Name          string // advertised instance name, e.g. "Passim-ABCD"
	URI           string // scheme+host+port the HTTPS server is bound to
	DaemonVersion string

	downloadSaving atomic.Uint64

	statusMu sync.Mutex
	status   Status

	eventListeners eventListenerRegistry
}

// New returns a Surface in the STARTING state.
func New(s *store.Store, adv Advertiser, maxItemSize uint64, carbonCost float64) *Surface {
	return &Surface{
		Store:       s,
		Advertiser:  adv,
		MaxItemSize: maxItemSize,
		CarbonCost:  carbonCost,
		status:      StatusStarting,
	}
}

// SetStatus transitions Status and emits a PropertiesChanged-style event if
// it actually changed.
func (s *Surface) SetStatus(st Status) {
	s.statusMu.Lock()
	changed := s.status != st
	s.status = st
	s.statusMu.Unlock()
	if changed {
		s.publishEvent(EventStatusChanged)
	}
}

func (s *Surface) GetStatus() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// AddDownloadBytes records bytes served to a non-loopback peer, feeding the
// DownloadSaving / CarbonSaving properties.
func (s *Surface) AddDownloadBytes(n int64) {
	if n > 0 {
		s.downloadSaving.Add(uint64(n))
	}
}

// DownloadSaving returns the total bytes successfully served to
// non-loopback peers.
func (s *Surface) DownloadSaving() uint64 {
	return s.downloadSaving.Load()
}

// CarbonSaving derives kg CO2e saved from DownloadSaving and CarbonCost
// (kg CO2e per GB).
func (s *Surface) CarbonSaving() float64 {
	gb := float64(s.DownloadSaving()) / (1 << 30)
	return gb * s.CarbonCost
}

// GetItems returns every Item as a named-field record. Callable by any
// local caller — no permission check.
func (s *Surface) GetItems() []store.Record {
	items := s.Store.List()
	out := make([]store.Record, 0, len(items))
	for _, it := range items {
		out = append(out, it.ToRecord())
	}
	return out
}

// PublishAttrs is the attrs dictionary form accepted by Publish.
type PublishAttrs struct {
	Basename   string
	MaxAge     uint32
	ShareLimit uint32
	ShareCount uint32
	Flags      store.Flags
}

// publishError is the typed control-plane error surfaced to the D-Bus
// caller, mirroring store.Error's Kind enum but owned by this package since
// PermissionDenied is a control-plane-only concept the store never raises.
type publishError struct {
	Kind store.Kind
	Err  error
}

func (e *publishError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *publishError) Unwrap() error { return e.Err }

// Publish ingests data (already read to end-of-stream by the caller, up to
// MaxItemSize) under the given attrs. callerUID and callerPID identify the
// D-Bus caller, resolved by the transport layer (see dbus.go) the way the
// teacher resolves SSH caller identity in verifyCaller.
func (s *Surface) Publish(data []byte, attrs PublishAttrs, callerUID uint32, callerPID uint32) (store.Record, error) {
	if callerUID != 0 {
		return store.Record{}, &publishError{Kind: store.KindPermissionDenied, Err: fmt.Errorf("caller uid %d is not root", callerUID)}
	}
	if uint64(len(data)) > s.MaxItemSize {
		return store.Record{}, &publishError{Kind: store.KindQuotaExceeded,
			Err: fmt.Errorf("item of %d bytes exceeds MaxItemSize of %d bytes", len(data), s.MaxItemSize)}
	}
	if attrs.Basename == "" || strings.Contains(attrs.Basename, "/") {
		return store.Record{}, &publishError{Kind: store.KindValidation, Err: fmt.Errorf("basename %q must be non-empty and free of '/'", attrs.Basename)}
	}
	if attrs.ShareLimit != store.Unlimited && attrs.ShareCount >= attrs.ShareLimit {
		return store.Record{}, &publishError{Kind: store.KindValidation, Err: fmt.Errorf("share_count %d >= share_limit %d", attrs.ShareCount, attrs.ShareLimit)}
	}

	cmdline := processCmdlineBasename(callerPID)

	it, err := s.Store.Add(data, attrs.Basename, attrs.MaxAge, attrs.ShareLimit, attrs.Flags, cmdline)
	if err != nil {
		kind, ok := store.KindOf(err)
		if !ok {
			kind = store.KindIO
		}
		return store.Record{}, &publishError{Kind: kind, Err: err}
	}

	s.reregisterAndNotify()
	return it.ToRecord(), nil
}

// Unpublish removes hash from the store. callerUID must be 0.
func (s *Surface) Unpublish(hash string, callerUID uint32) error {
	if callerUID != 0 {
		return &publishError{Kind: store.KindPermissionDenied, Err: fmt.Errorf("caller uid %d is not root", callerUID)}
	}
	if err := s.Store.Remove(hash); err != nil {
		if store.IsNotFound(err) {
			return &publishError{Kind: store.KindNotFound, Err: err}
		}
		return &publishError{Kind: store.KindIO, Err: err}
	}
	s.reregisterAndNotify()
	return nil
}

func (s *Surface) reregisterAndNotify() {
	if s.Advertiser != nil {
		s.Advertiser.Reregister()
	}
	s.publishEvent(EventChanged)
}

// processCmdlineBasename returns the basename of the executable behind pid,
// read from /proc/{pid}/cmdline, for provenance display. Failure yields an
// empty string rather than an error — cmdline is informational only.
func processCmdlineBasename(pid uint32) string {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "cmdline"))
	if err != nil {
		log.Printf("control: failed to read cmdline for pid %d: %v", pid, err)
		return ""
	}
	arg0, _, _ := strings.Cut(string(b), "\x00")
	if arg0 == "" {
		return ""
	}
	return filepath.Base(arg0)
}
