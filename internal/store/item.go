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
	"math"
	"time"
)

// Unlimited is the sentinel value for "never expire" / "no share limit".
const Unlimited uint32 = math.MaxUint32

// Flags is a small bitset over an Item's boolean tags.
type Flags uint8

const (
	FlagDisabled Flags = 1 << iota
	FlagNextReboot
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Item is the central entity of the content store: bytes addressable by
// content hash, plus the metadata needed to enforce lifecycle invariants.
type Item struct {
	Hash       string // lowercase hex SHA-256, 64 chars; primary key
	Basename   string // served filename; never contains '/'
	Size       int64
	CTime      time.Time // UTC, assigned at publication
	MaxAge     uint32    // seconds; Unlimited means never expire
	ShareLimit uint32    // Unlimited means no limit
	ShareCount uint32
	Cmdline    string // basename of publishing process's executable
	Flags      Flags
	BootToken  string // only meaningful combined with FlagNextReboot

	// StorageRef is the path to the backing bytes on disk.
	StorageRef string

	// ContentType is captured once, at load time, to avoid re-stat'ing the
	// file mid-serve (see package contentprobe).
	ContentType string

	// Contributed is true for items discovered by scanning a package-
	// contributed directory rather than published at runtime.
	Contributed bool
}

// Expired reports whether the item has outlived its MaxAge as of now.
func (it *Item) Expired(now time.Time) bool {
	if it.MaxAge == Unlimited {
		return false
	}
	return now.Sub(it.CTime) > time.Duration(it.MaxAge)*time.Second
}

// AtShareLimit reports whether the item has been served as many times as
// its ShareLimit allows.
func (it *Item) AtShareLimit() bool {
	if it.ShareLimit == Unlimited {
		return false
	}
	return it.ShareCount >= it.ShareLimit
}

// Serveable reports whether the item is currently visible for serving: not
// disabled, and (for NEXT_REBOOT items) not still waiting on a reboot.
func (it *Item) Serveable() bool {
	return !it.Flags.Has(FlagDisabled)
}

// Record is the public, wire-shaped view of an Item returned by GetItems:
// a named-field dictionary with keys matching the control-plane surface.
type Record struct {
	Filename   string `json:"filename"`
	Cmdline    string `json:"cmdline"`
	Hash       string `json:"hash"`
	MaxAge     uint32 `json:"max-age"`
	Flags      uint8  `json:"flags"`
	ShareLimit uint32 `json:"share-limit"`
	ShareCount uint32 `json:"share-count"`
	Size       int64  `json:"size"`
}

// ToRecord projects an Item onto its wire representation.
func (it *Item) ToRecord() Record {
	return Record{
		Filename:   it.Basename,
		Cmdline:    it.Cmdline,
		Hash:       it.Hash,
		MaxAge:     it.MaxAge,
		Flags:      uint8(it.Flags),
		ShareLimit: it.ShareLimit,
		ShareCount: it.ShareCount,
		Size:       it.Size,
	}
}
