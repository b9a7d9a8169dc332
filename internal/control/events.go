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

package control

import (
	"sync"
	"time"

	"tailscale.com/util/set"
)

// EventType distinguishes the two signal kinds the control surface emits.
type EventType string

const (
	// EventChanged fires whenever the Item set changes (publish/unpublish/
	// eviction).
	EventChanged EventType = "Changed"
	// EventStatusChanged fires whenever the Status property changes.
	EventStatusChanged EventType = "PropertiesChanged"
)

// Event is delivered to listeners registered with AddEventListener. This is
// a direct repointing of the teacher's Server.PublishEvent/
// AddEventListener/RemoveEventListener machinery (pkg/catch/catch.go) at
// our own event shape.
type Event struct {
	Time int64 `json:"time"`
	Type EventType
}

type eventListener struct {
	ch chan<- Event
}

// publishEvent fans Event out to every registered listener. Listeners that
// can't keep up are the caller's problem — matches the teacher's unbuffered
// send, since this daemon's listener count is small (D-Bus signal
// dispatchers, not arbitrary clients).
func (s *Surface) publishEvent(typ EventType) {
	ev := Event{Time: time.Now().UnixMilli(), Type: typ}
	els := &s.eventListeners
	els.mu.Lock()
	defer els.mu.Unlock()
	for _, el := range els.s {
		el.ch <- ev
	}
}

// AddEventListener registers ch to receive future events and returns a
// handle for RemoveEventListener.
func (s *Surface) AddEventListener(ch chan<- Event) set.Handle {
	els := &s.eventListeners
	els.mu.Lock()
	defer els.mu.Unlock()
	return els.s.Add(&eventListener{ch: ch})
}

// RemoveEventListener unregisters a listener added by AddEventListener.
func (s *Surface) RemoveEventListener(h set.Handle) {
	els := &s.eventListeners
	els.mu.Lock()
	defer els.mu.Unlock()
	delete(els.s, h)
}

type eventListenerRegistry struct {
	mu sync.Mutex
	s  set.HandleSet[*eventListener]
}
