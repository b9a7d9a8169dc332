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
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// Well-known bus name and object paths of the external discovery daemon.
// These are the real Avahi D-Bus wire constants — we talk to Avahi as a
// client over its actual protocol rather than reimplementing it, per the
// scope note that the discovery daemon's on-wire detail is an external
// collaborator.
const (
	busName       = "org.freedesktop.Avahi"
	serverPath    = "/"
	serverIface   = "org.freedesktop.Avahi.Server"
	groupIface    = "org.freedesktop.Avahi.EntryGroup"
	browserIface  = "org.freedesktop.Avahi.ServiceBrowser"
	resolverIface = "org.freedesktop.Avahi.ServiceResolver"

	ifaceUnspec  = -1 // AVAHI_IF_UNSPEC
	protoUnspec  = -1 // AVAHI_PROTO_UNSPEC
	protoInet    = 0  // AVAHI_PROTO_INET
	protoInet6   = 1  // AVAHI_PROTO_INET6
	domainLocal  = "" // empty string means "default" (.local)
	lookupNoFlag = 0

	// AVAHI_LOOKUP_RESULT_LOCAL, from avahi-common/defs.h.
	lookupResultLocal = 8
)

// discoveryTimeout bounds every round trip to the discovery daemon so an
// unhealthy daemon is detected fast rather than stalling the event loop.
const discoveryTimeout = 150 * time.Millisecond

// publishState is the Publish state machine: Idle -> EntryGroupReady ->
// Populating -> Committed.
type publishState int

const (
	stateIdle publishState = iota
	stateEntryGroupReady
	statePopulating
	stateCommitted
)

// AvahiClient is the real discovery.Client, backed by a session with the
// system message bus's org.freedesktop.Avahi service.
type AvahiClient struct {
	conn *dbus.Conn
	port uint16
	ipv6 bool
	name string

	mu        sync.Mutex
	state     publishState
	groupPath dbus.ObjectPath
	metered   bool
}

// NewAvahiClient connects to the system bus and creates an entry group
// handle, completing the Idle -> EntryGroupReady transition.
func NewAvahiClient(instanceName string, port uint16, ipv6 bool) (*AvahiClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("discovery: connect system bus: %w", err)
	}
	c := &AvahiClient{
		conn: conn,
		port: port,
		ipv6: ipv6,
		name: instanceName,
	}
	if err := c.connect(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *AvahiClient) server() dbus.BusObject {
	return c.conn.Object(busName, dbus.ObjectPath(serverPath))
}

func (c *AvahiClient) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	var groupPath dbus.ObjectPath
	call := c.server().CallWithContext(ctx, serverIface+".EntryGroupNew", 0)
	if err := call.Store(&groupPath); err != nil {
		c.state = stateIdle
		return fmt.Errorf("discovery: EntryGroupNew: %w", err)
	}

	c.mu.Lock()
	c.groupPath = groupPath
	c.state = stateEntryGroupReady
	c.mu.Unlock()
	return nil
}

func (c *AvahiClient) group() dbus.BusObject {
	return c.conn.Object(busName, c.groupPath)
}

// Register resets the entry group, adds the base service plus one subtype
// per hash, and commits. A second call transparently resets before
// re-populating, per the Publish state machine. If the connection is
// metered, Register instead unregisters.
func (c *AvahiClient) Register(ctx context.Context, hashes []string) error {
	c.mu.Lock()
	metered := c.metered
	c.mu.Unlock()
	if metered {
		return c.Unregister(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == statePopulating || c.state == stateCommitted {
		if call := c.group().CallWithContext(ctx, groupIface+".Reset", 0); call.Err != nil {
			c.state = stateIdle
			return fmt.Errorf("discovery: EntryGroup.Reset: %w", call.Err)
		}
		c.state = stateEntryGroupReady
	}

	c.state = statePopulating

	proto := protoInet
	if c.ipv6 {
		proto = protoUnspec
	}

	addSvc := c.group().CallWithContext(ctx, groupIface+".AddService", 0,
		int32(ifaceUnspec), int32(proto), uint32(lookupNoFlag),
		c.name, ServiceType, domainLocal, "", uint16(c.port), []string{})
	if addSvc.Err != nil {
		c.state = stateIdle
		return fmt.Errorf("discovery: EntryGroup.AddService: %w", addSvc.Err)
	}

	for _, hash := range hashes {
		subtype, err := SubtypeForHash(hash)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
		addSub := c.group().CallWithContext(ctx, groupIface+".AddServiceSubtype", 0,
			int32(ifaceUnspec), int32(proto), uint32(lookupNoFlag),
			c.name, ServiceType, domainLocal, subtype)
		if addSub.Err != nil {
			c.state = stateIdle
			return fmt.Errorf("discovery: EntryGroup.AddServiceSubtype(%s): %w", hash, addSub.Err)
		}
	}

	if call := c.group().CallWithContext(ctx, groupIface+".Commit", 0); call.Err != nil {
		c.state = stateIdle
		return fmt.Errorf("discovery: EntryGroup.Commit: %w", call.Err)
	}
	c.state = stateCommitted
	return nil
}

// Unregister clears the entry group, returning to EntryGroupReady.
func (c *AvahiClient) Unregister(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateIdle {
		return nil
	}
	if call := c.group().CallWithContext(ctx, groupIface+".Reset", 0); call.Err != nil {
		c.state = stateIdle
		return fmt.Errorf("discovery: EntryGroup.Reset: %w", call.Err)
	}
	c.state = stateEntryGroupReady
	return nil
}

// SetMetered updates whether the default connection is metered; the next
// Register call will unregister instead of publishing, matching the
// requirement that no subtype be advertised while metered.
func (c *AvahiClient) SetMetered(metered bool) {
	c.mu.Lock()
	c.metered = metered
	c.mu.Unlock()
}

// Find browses the subtype for hash, then resolves every non-local result,
// returning deduplicated host:port strings.
func (c *AvahiClient) Find(ctx context.Context, hash string) ([]string, error) {
	subtype, err := SubtypeForHash(hash)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	items, err := c.browse(ctx, subtype)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		addr, err := c.resolve(ctx, it)
		if err != nil {
			// A single failed resolve does not fail the whole lookup.
			continue
		}
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}

type browseItem struct {
	iface   int32
	proto   int32
	name    string
	stype   string
	domain  string
	flags   uint32
	isLocal bool
}

// browse runs the Prepared -> Started -> Accumulating -> Done/Failed
// machine for one ServiceBrowserNew call, collecting ItemNew signals until
// AllForNow or Failure.
func (c *AvahiClient) browse(ctx context.Context, subtype string) ([]browseItem, error) {
	sigCh := make(chan *dbus.Signal, 32)
	c.conn.Signal(sigCh)
	defer c.conn.RemoveSignal(sigCh)

	callCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	var browserPath dbus.ObjectPath
	call := c.server().CallWithContext(callCtx, serverIface+".ServiceBrowserNew", 0,
		int32(ifaceUnspec), int32(protoUnspec), subtype, domainLocal, uint32(lookupNoFlag))
	if err := call.Store(&browserPath); err != nil {
		return nil, fmt.Errorf("discovery: ServiceBrowserNew: %w", err)
	}
	browserObj := c.conn.Object(busName, browserPath)
	defer browserObj.Call(browserIface+".Free", 0)

	var items []browseItem
	deadline := time.Now().Add(discoveryTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return items, nil
		}
		select {
		case <-ctx.Done():
			return items, ctx.Err()
		case <-time.After(remaining):
			return items, nil
		case sig := <-sigCh:
			if sig == nil || sig.Path != browserPath {
				continue
			}
			switch sig.Name {
			case browserIface + ".ItemNew":
				it, ok := parseBrowseItem(sig.Body)
				if ok && !it.isLocal {
					items = append(items, it)
				}
			case browserIface + ".CacheExhausted":
				// ignored per the Browse state machine
			case browserIface + ".AllForNow":
				return items, nil
			case browserIface + ".Failure":
				return items, fmt.Errorf("discovery: browse failure: %v", sig.Body)
			}
		}
	}
}

func parseBrowseItem(body []any) (browseItem, bool) {
	if len(body) < 6 {
		return browseItem{}, false
	}
	iface, _ := body[0].(int32)
	proto, _ := body[1].(int32)
	name, _ := body[2].(string)
	stype, _ := body[3].(string)
	domain, _ := body[4].(string)
	var flags uint32
	if len(body) > 5 {
		flags, _ = body[5].(uint32)
	}
	return browseItem{
		iface:   iface,
		proto:   proto,
		name:    name,
		stype:   stype,
		domain:  domain,
		flags:   flags,
		isLocal: flags&lookupResultLocal != 0,
	}, true
}

// resolve runs the Prepared -> Started -> Done/Failed machine for a single
// ServiceResolverNew call. Because older discovery daemons may deliver
// Found/Failure before the Start call returns, the signal subscription is
// installed before the call is made and any matching signal received in
// that window is replayed.
func (c *AvahiClient) resolve(ctx context.Context, it browseItem) (string, error) {
	sigCh := make(chan *dbus.Signal, 8)
	c.conn.Signal(sigCh)
	defer c.conn.RemoveSignal(sigCh)

	callCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	var resolverPath dbus.ObjectPath
	call := c.server().CallWithContext(callCtx, serverIface+".ServiceResolverNew", 0,
		it.iface, it.proto, it.name, it.stype, it.domain,
		int32(protoUnspec), uint32(lookupNoFlag))
	if err := call.Store(&resolverPath); err != nil {
		return "", fmt.Errorf("discovery: ServiceResolverNew: %w", err)
	}
	resolverObj := c.conn.Object(busName, resolverPath)
	defer resolverObj.Call(resolverIface+".Free", 0)

	deadline := time.Now().Add(discoveryTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("discovery: resolve timed out")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(remaining):
			return "", fmt.Errorf("discovery: resolve timed out")
		case sig := <-sigCh:
			if sig == nil || sig.Path != resolverPath {
				continue
			}
			switch sig.Name {
			case resolverIface + ".Found":
				return parseResolvedAddr(sig.Body)
			case resolverIface + ".Failure":
				return "", fmt.Errorf("discovery: resolve failure: %v", sig.Body)
			}
		}
	}
}

// parseResolvedAddr extracts the address/port pair from an
// Avahi.ServiceResolver.Found signal body and formats it as host:port
// (bracketed for IPv6).
func parseResolvedAddr(body []any) (string, error) {
	// Found(interface, protocol, name, type, domain, host, aprotocol,
	//       address, port, txt, flags)
	if len(body) < 9 {
		return "", fmt.Errorf("discovery: malformed Found signal")
	}
	address, _ := body[7].(string)
	var port uint16
	switch p := body[8].(type) {
	case uint16:
		port = p
	case int32:
		port = uint16(p)
	}
	if address == "" {
		return "", fmt.Errorf("discovery: empty address in Found signal")
	}
	ip := net.ParseIP(address)
	if ip != nil && ip.To4() == nil {
		return "[" + address + "]:" + strconv.Itoa(int(port)), nil
	}
	return address + ":" + strconv.Itoa(int(port)), nil
}

// Close tears down the bus connection.
func (c *AvahiClient) Close() error {
	return c.conn.Close()
}

var _ Client = (*AvahiClient)(nil)
