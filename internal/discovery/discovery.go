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

// Package discovery maintains a session with an external service-discovery
// daemon equivalent to Avahi, publishing the content store's hash set as
// mDNS/DNS-SD service subtypes and resolving subtypes browsed on the LAN
// back into concrete peer addresses.
//
// Per the polymorphism design note, the daemon's dependency on the external
// discovery daemon is the one substitution point worth abstracting: Client
// is a small capability interface (Register, Unregister, Find, Close, with
// cancellation carried by each call's context) so tests can substitute
// FakeClient instead of talking to a real bus.
package discovery

import (
	"context"
	"crypto/rand"
	"fmt"
)

// ServiceType is the base mDNS/DNS-SD service type the daemon advertises.
const ServiceType = "_cache._tcp"

// Client is the capability the Lookup Coordinator and the daemon's
// publish/unpublish path depend on. The real implementation is AvahiClient;
// tests use FakeClient.
type Client interface {
	// Register mirrors the full set of currently-advertisable hashes into
	// the discovery daemon, replacing whatever was previously registered.
	Register(ctx context.Context, hashes []string) error

	// Unregister clears any outstanding advertisement.
	Unregister(ctx context.Context) error

	// Find browses for peers advertising hash and resolves each to a
	// host:port string, in arbitrary order, with LOCAL results dropped and
	// duplicates suppressed. An empty, non-error result means "no peer
	// found" — not a failure in itself.
	Find(ctx context.Context, hash string) ([]string, error)

	// Close tears down the session.
	Close() error
}

// NewInstanceName returns a daemon instance name of the form "Passim-XXXX"
// with XXXX a random 16-bit hex value, chosen once at startup.
func NewInstanceName() (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("discovery: generate instance name: %w", err)
	}
	return fmt.Sprintf("Passim-%02X%02X", b[0], b[1]), nil
}
