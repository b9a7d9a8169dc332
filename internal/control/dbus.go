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
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"

	"github.com/landistro/passimd/internal/store"
)

const (
	busName    = "org.passim.Daemon"
	objectPath = "/org/passim/Daemon"
	iface      = "org.passim.Daemon1"
)

// dbusObject adapts Surface's Go API to the method signatures godbus
// expects to export. A separate adapter type (rather than exporting Surface
// directly) keeps Surface's Go-facing API free of dbus.Sender/dbus.Error
// plumbing, the way the teacher keeps catch.Server's business logic
// separate from its SSH/HTTP transport glue.
type dbusObject struct {
	conn *dbus.Conn
	s    *Surface
}

// Serve claims busName on the system bus and exports the control-plane
// object and its properties. It returns an error if busName cannot be
// claimed as primary owner. A later loss of the name is not watched: no
// NameLost signal is handled here or by the daemon.
func Serve(s *Surface) (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("control: connect system bus: %w", err)
	}

	obj := &dbusObject{conn: conn, s: s}
	if err := conn.Export(obj, objectPath, iface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: export methods: %w", err)
	}
	propsSpec := prop.Map{
		iface: {
			"DaemonVersion":  {Value: s.DaemonVersion, Writable: false, Emit: prop.EmitTrue},
			"Name":           {Value: s.Name, Writable: false, Emit: prop.EmitTrue},
			"Uri":            {Value: s.URI, Writable: false, Emit: prop.EmitTrue},
			"Status":         {Value: string(s.GetStatus()), Writable: false, Emit: prop.EmitTrue},
			"DownloadSaving": {Value: s.DownloadSaving(), Writable: false, Emit: prop.EmitTrue},
			"CarbonSaving":   {Value: s.CarbonSaving(), Writable: false, Emit: prop.EmitTrue},
		},
	}
	props, err := prop.Export(conn, objectPath, propsSpec)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: export properties: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: request name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("control: name %s already owned", busName)
	}

	go bridgeEvents(s, conn, props)
	return conn, nil
}

// bridgeEvents relays Surface events onto the D-Bus signal stream: a
// Changed signal on the Item set, and a PropertiesChanged signal (refreshed
// via the properties exporter) when Status changes. DownloadSaving and
// CarbonSaving are refreshed only at those Status changes; a change in them
// alone emits no signal.
func bridgeEvents(s *Surface, conn *dbus.Conn, props *prop.Properties) {
	ch := make(chan Event, 16)
	handle := s.AddEventListener(ch)
	defer s.RemoveEventListener(handle)

	for ev := range ch {
		switch ev.Type {
		case EventChanged:
			conn.Emit(objectPath, iface+".Changed")
		case EventStatusChanged:
			props.SetMust(iface, "Status", string(s.GetStatus()))
			props.SetMust(iface, "DownloadSaving", s.DownloadSaving())
			props.SetMust(iface, "CarbonSaving", s.CarbonSaving())
		}
	}
}

// GetItems is the exported D-Bus method org.passim.Daemon1.GetItems.
func (d *dbusObject) GetItems() ([]map[string]dbus.Variant, *dbus.Error) {
	items := d.s.GetItems()
	out := make([]map[string]dbus.Variant, 0, len(items))
	for _, r := range items {
		out = append(out, map[string]dbus.Variant{
			"filename":    dbus.MakeVariant(r.Filename),
			"cmdline":     dbus.MakeVariant(r.Cmdline),
			"hash":        dbus.MakeVariant(r.Hash),
			"max-age":     dbus.MakeVariant(r.MaxAge),
			"flags":       dbus.MakeVariant(r.Flags),
			"share-limit": dbus.MakeVariant(r.ShareLimit),
			"share-count": dbus.MakeVariant(r.ShareCount),
			"size":        dbus.MakeVariant(r.Size),
		})
	}
	return out, nil
}

// Publish is the exported D-Bus method org.passim.Daemon1.Publish. fd is a
// passed file descriptor (UNIX_FD) read to end-of-stream by this handler.
func (d *dbusObject) Publish(fd dbus.UnixFD, attrs map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	uid, pid, err := callerCredentials(d.conn, sender)
	if err != nil {
		return dbus.MakeFailedError(err)
	}

	f := os.NewFile(uintptr(fd), "passim-publish-fd")
	if f == nil {
		return dbus.MakeFailedError(fmt.Errorf("control: invalid file descriptor"))
	}
	defer f.Close()

	data, err := readAllCapped(f, d.s.MaxItemSize)
	if err != nil {
		return dbus.MakeFailedError(err)
	}

	pa := attrsFromVariants(attrs)
	if _, err := d.s.Publish(data, pa, uid, pid); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// Unpublish is the exported D-Bus method org.passim.Daemon1.Unpublish.
func (d *dbusObject) Unpublish(hash string, sender dbus.Sender) *dbus.Error {
	uid, _, err := callerCredentials(d.conn, sender)
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	if err := d.s.Unpublish(hash, uid); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func callerCredentials(conn *dbus.Conn, sender dbus.Sender) (uid, pid uint32, err error) {
	busObj := conn.BusObject()
	var u, p uint32
	if err := busObj.Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&u); err != nil {
		return 0, 0, fmt.Errorf("control: resolve caller uid: %w", err)
	}
	if err := busObj.Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, string(sender)).Store(&p); err != nil {
		return 0, 0, fmt.Errorf("control: resolve caller pid: %w", err)
	}
	return u, p, nil
}

func attrsFromVariants(attrs map[string]dbus.Variant) PublishAttrs {
	var pa PublishAttrs
	if v, ok := attrs["filename"]; ok {
		pa.Basename, _ = v.Value().(string)
	}
	if v, ok := attrs["max-age"]; ok {
		pa.MaxAge, _ = v.Value().(uint32)
	}
	if v, ok := attrs["share-limit"]; ok {
		pa.ShareLimit, _ = v.Value().(uint32)
	}
	if v, ok := attrs["share-count"]; ok {
		pa.ShareCount, _ = v.Value().(uint32)
	}
	if v, ok := attrs["flags"]; ok {
		if fl, ok := v.Value().(uint8); ok {
			pa.Flags = store.Flags(fl)
		}
	}
	return pa
}
