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

// Package lookup implements the Lookup Coordinator: turning a
// "hash not found locally" event from a loopback peer into an HTTP
// redirect to a peer that does hold the content.
package lookup

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/landistro/passimd/internal/discovery"
)

// Coordinator drives a browse -> resolve -> pick pipeline on top of a
// discovery.Client.
type Coordinator struct {
	Discovery discovery.Client
}

// New returns a Coordinator backed by the given discovery client.
func New(d discovery.Client) *Coordinator {
	return &Coordinator{Discovery: d}
}

// Result is a successfully picked redirect target. Failures are reported
// through Find's error return, not through Result.
type Result struct {
	Addr string // host:port of the picked peer, e.g. "10.0.0.2:27500" or "[fe80::1]:27500"
}

// Find invokes Discovery.Find(hash) and picks uniformly at random from the
// returned candidate set. An empty result (no error) means "not found" and
// is reported as ErrNotFound. A browse/resolve error is returned wrapped
// with a "lookup: " prefix so its message can become the HTML reason on a
// 404.
func (c *Coordinator) Find(ctx context.Context, hash string) (Result, error) {
	addrs, err := c.Discovery.Find(ctx, hash)
	if err != nil {
		return Result{}, fmt.Errorf("lookup: %w", err)
	}
	if len(addrs) == 0 {
		return Result{}, ErrNotFound
	}
	picked, err := pickUniform(addrs)
	if err != nil {
		return Result{}, fmt.Errorf("lookup: %w", err)
	}
	return Result{Addr: picked}, nil
}

// ErrNotFound is returned when the discovery subsystem produced no
// candidates at all (as distinct from an Upstream error talking to it).
var ErrNotFound = fmt.Errorf("lookup: no peer holds the requested content")

func pickUniform(addrs []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(addrs))))
	if err != nil {
		return "", fmt.Errorf("pick candidate: %w", err)
	}
	return addrs[n.Int64()], nil
}

// RedirectLocation builds the Location header value for a picked peer:
// https://{addr}/{basename}?sha256={hash}.
func RedirectLocation(addr, basename, hash string) string {
	return fmt.Sprintf("https://%s/%s?sha256=%s", addr, basename, hash)
}
