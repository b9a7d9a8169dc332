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

package discovery

import (
	"context"
	"sync"
	"time"
)

// FakeClient is a Client usable in tests of packages that depend on
// discovery, per the Design Notes' "define a capability interface ... so
// that tests can substitute a fake". It records registered hashes and
// returns pre-seeded results from Find.
type FakeClient struct {
	mu sync.Mutex

	Registered []string
	Results    map[string][]string // hash -> candidate addresses
	FindErr    map[string]error    // hash -> error to return from Find

	Closed bool

	// RegisterDelay, when set, sleeps before recording the call, letting
	// tests observe that Register calls never overlap.
	RegisterDelay time.Duration
	RegisterCalls int
}

// NewFakeClient returns an empty FakeClient ready for seeding.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Results: make(map[string][]string),
		FindErr: make(map[string]error),
	}
}

// Seed records the candidate addresses Find should return for hash.
func (f *FakeClient) Seed(hash string, addrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[hash] = addrs
}

// SeedErr records the error Find should return for hash.
func (f *FakeClient) SeedErr(hash string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FindErr[hash] = err
}

func (f *FakeClient) Register(_ context.Context, hashes []string) error {
	if f.RegisterDelay > 0 {
		time.Sleep(f.RegisterDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registered = append([]string(nil), hashes...)
	f.RegisterCalls++
	return nil
}

func (f *FakeClient) Unregister(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Registered = nil
	return nil
}

func (f *FakeClient) Find(_ context.Context, hash string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FindErr[hash]; ok {
		return nil, err
	}
	return append([]string(nil), f.Results[hash]...), nil
}

func (f *FakeClient) Close() error {
	f.Closed = true
	return nil
}

// Snapshot returns the current registered hashes and call count under lock.
func (f *FakeClient) Snapshot() (registered []string, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Registered...), f.RegisterCalls
}

var _ Client = (*FakeClient)(nil)
