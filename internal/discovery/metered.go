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

	"github.com/godbus/dbus/v5"
)

const (
	nmBusName    = "org.freedesktop.NetworkManager"
	nmObjectPath = "/org/freedesktop/NetworkManager"
	nmIface      = "org.freedesktop.NetworkManager"
	propsIface   = "org.freedesktop.DBus.Properties"

	// NM_METERED_YES and NM_METERED_GUESS_YES from NetworkManager's public
	// enum; both count as "metered" for our purposes.
	nmMeteredYes      = 1
	nmMeteredGuessYes = 3
)

// WatchMetered subscribes to the default connection's "metered"
// PropertiesChanged signal and delivers the current state on ch whenever it
// flips. It sends the initial state once before returning control via the
// ctx's lifetime. The caller is expected to feed flips into
// AvahiClient.SetMetered and re-run Register.
func (c *AvahiClient) WatchMetered(ctx context.Context, ch chan<- bool) error {
	nm := c.conn.Object(nmBusName, dbus.ObjectPath(nmObjectPath))

	var initial dbus.Variant
	if err := nm.CallWithContext(ctx, propsIface+".Get", 0, nmIface, "Metered").Store(&initial); err != nil {
		return fmt.Errorf("discovery: NetworkManager.Metered: %w", err)
	}
	ch <- meteredVariantIsMetered(initial)

	sigCh := make(chan *dbus.Signal, 8)
	c.conn.Signal(sigCh)

	matchRule := fmt.Sprintf(
		"type='signal',interface='%s',member='PropertiesChanged',path='%s'",
		propsIface, nmObjectPath)
	if call := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return fmt.Errorf("discovery: AddMatch: %w", call.Err)
	}

	go func() {
		defer c.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == nil || sig.Name != propsIface+".PropertiesChanged" {
					continue
				}
				changed, ok := extractMeteredChange(sig.Body)
				if !ok {
					continue
				}
				ch <- changed
			}
		}
	}()
	return nil
}

func meteredVariantIsMetered(v dbus.Variant) bool {
	n, ok := v.Value().(uint32)
	if !ok {
		return false
	}
	return n == nmMeteredYes || n == nmMeteredGuessYes
}

func extractMeteredChange(body []any) (bool, bool) {
	if len(body) < 2 {
		return false, false
	}
	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Metered"]
	if !ok {
		return false, false
	}
	return meteredVariantIsMetered(v), true
}
