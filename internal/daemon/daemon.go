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

// Package daemon wires the Content Store, Discovery Client, Request Engine,
// Lookup Coordinator, and Control-plane Surface into the single owning
// value the design notes call for: the event loop owns all long-lived
// state, and every handler takes a *Daemon pointer rather than reaching for
// a package-level global — the same shape as the teacher's catch.Server
// holding every subsystem handle behind one struct.
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/syncs"

	"github.com/landistro/passimd/internal/certs"
	"github.com/landistro/passimd/internal/config"
	"github.com/landistro/passimd/internal/control"
	"github.com/landistro/passimd/internal/discovery"
	"github.com/landistro/passimd/internal/lookup"
	"github.com/landistro/passimd/internal/request"
	"github.com/landistro/passimd/internal/store"
)

// sweepInterval is the periodic Content Store sweep cadence.
const sweepInterval = 60 * time.Minute

// Config holds everything read from flags and the key-file configuration
// needed to build a Daemon.
type Config struct {
	DaemonVersion string

	DataDir       string // owned data directory
	SysconfDir    string // directory holding passim.conf and passim.d/
	AssetsDir     string // static assets (favicon.ico, style.css)
	Port          uint16
	MaxItemSize   uint64
	CarbonCost    float64
	IPv6          bool
	TimedExit     time.Duration // 0 disables; test-only early shutdown
}

// Daemon is the single process-wide state bag.
type Daemon struct {
	cfg Config

	store      *store.Store
	discovery  discovery.Client
	meteredSet *discovery.AvahiClient // non-nil only when discovery is a real AvahiClient
	lookup     *lookup.Coordinator
	control    *control.Surface
	engine     *request.Engine
	httpServer *http.Server

	instanceName string

	ctx    context.Context
	cancel context.CancelFunc
	wg     syncs.WaitGroup

	registerMu      sync.Mutex
	registering     bool
	registerPending bool
}

// New builds an unstarted Daemon: creates the content store and scans owned
// and contributed directories. It does not yet load TLS material, bind the
// HTTPS listener or register with the discovery daemon — call Run for that. name is the mDNS instance name already
// handed to disco (the caller generates it once with
// discovery.NewInstanceName so the advertised service name, the TLS
// certificate's common name, and the Control Surface's reported Name all
// agree).
func New(cfg Config, disco discovery.Client, name string) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("daemon: create data dir: %w", err)
	}

	s := store.New(cfg.DataDir)
	if err := s.ScanOwned(); err != nil {
		return nil, fmt.Errorf("daemon: scan_owned: %w", err)
	}

	d := &Daemon{
		cfg:          cfg,
		store:        s,
		discovery:    disco,
		instanceName: name,
	}
	if av, ok := disco.(*discovery.AvahiClient); ok {
		d.meteredSet = av
	}

	d.control = control.New(s, d, cfg.MaxItemSize, cfg.CarbonCost)
	d.control.Name = name
	d.control.DaemonVersion = cfg.DaemonVersion
	d.control.URI = fmt.Sprintf("https://%s:%d", name, cfg.Port)

	d.lookup = lookup.New(disco)
	d.engine = &request.Engine{
		Store:         s,
		Lookup:        d.lookup,
		AssetsDir:     cfg.AssetsDir,
		DaemonName:    name,
		DaemonVersion: cfg.DaemonVersion,
		Status:        func() string { return string(d.control.GetStatus()) },
		OnLocalServe:  d.onLocalServe,
		OnEvicted:     func(string) { d.Reregister() },
	}

	if err := d.scanContributed(); err != nil {
		log.Printf("daemon: scan_contributed: %v", err)
	}

	return d, nil
}

func (d *Daemon) onLocalServe(it store.Item, nonLoopback bool) {
	if nonLoopback {
		d.control.AddDownloadBytes(it.Size)
	}
}

func (d *Daemon) scanContributed() error {
	contributedConfs, err := config.LoadContributedDir(filepath.Join(d.cfg.SysconfDir, "passim.d"))
	if err != nil {
		return err
	}
	for _, c := range contributedConfs {
		if err := d.store.ScanContributedDir(c.Path); err != nil {
			log.Printf("daemon: scan_contributed(%s): %v", c.Path, err)
		}
	}
	return nil
}

// contributedDirPaths returns the set of paths currently named by
// passim.d/*.conf, re-read on each call. Run calls it once at startup to
// choose the directories for watchContributedDirs; changes to the conf
// files themselves are not watched.
func (d *Daemon) contributedDirPaths() ([]string, error) {
	confs, err := config.LoadContributedDir(filepath.Join(d.cfg.SysconfDir, "passim.d"))
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(confs))
	for _, c := range confs {
		paths = append(paths, c.Path)
	}
	return paths, nil
}

// Run starts the HTTPS server, performs the initial discovery registration,
// and blocks until the context is cancelled by the parent, SIGINT or
// --timed-exit. A failed certificate load or HTTPS bind is returned as an
// error before blocking. Loss of the control-plane bus name does not end
// Run.
func (d *Daemon) Run(parent context.Context) error {
	d.ctx, d.cancel = context.WithCancel(parent)
	defer d.cancel()

	d.control.SetStatus(control.StatusStarting)

	cert, err := certs.LoadOrGenerate(d.cfg.DataDir, d.instanceName)
	if err != nil {
		return fmt.Errorf("daemon: load/generate cert: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.cfg.Port))
	if err != nil {
		// Fatal at startup per the error handling design.
		return fmt.Errorf("daemon: bind https port %d: %w", d.cfg.Port, err)
	}
	d.httpServer = &http.Server{
		Handler:   d.engine,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	d.control.SetStatus(control.StatusLoading)

	d.wg.Go(func() {
		if err := d.httpServer.ServeTLS(ln, "", ""); err != nil && err != http.ErrServerClosed {
			log.Printf("daemon: https server: %v", err)
		}
	})

	d.Reregister()

	d.wg.Go(d.sweepLoop)
	d.wg.Go(d.signalLoop)
	if d.meteredSet != nil {
		d.wg.Go(d.meteredLoop)
	}
	if d.cfg.TimedExit > 0 {
		d.wg.Go(d.timedExitLoop)
	}
	if dirs, err := d.contributedDirPaths(); err != nil {
		log.Printf("daemon: list contributed dirs: %v", err)
	} else if len(dirs) > 0 {
		d.wg.Go(func() { d.watchContributedDirs(d.ctx, dirs) })
	}

	<-d.ctx.Done()
	d.httpServer.Close()
	if d.discovery != nil {
		unregCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.discovery.Unregister(unregCtx)
		d.discovery.Close()
	}
	d.wg.Wait()
	return nil
}

func (d *Daemon) signalLoop() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	defer signal.Stop(ch)
	select {
	case <-ch:
		d.cancel()
	case <-d.ctx.Done():
	}
}

func (d *Daemon) timedExitLoop() {
	t := time.NewTimer(d.cfg.TimedExit)
	defer t.Stop()
	select {
	case <-t.C:
		d.cancel()
	case <-d.ctx.Done():
	}
}

func (d *Daemon) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			evicted := d.store.Sweep()
			if len(evicted) > 0 {
				d.Reregister()
			}
		}
	}
}

func (d *Daemon) meteredLoop() {
	ch := make(chan bool, 4)
	if err := d.meteredSet.WatchMetered(d.ctx, ch); err != nil {
		log.Printf("daemon: metered watch: %v", err)
		return
	}
	for {
		select {
		case <-d.ctx.Done():
			return
		case metered := <-ch:
			d.meteredSet.SetMetered(metered)
			if metered {
				d.control.SetStatus(control.StatusDisabledMetered)
			} else if d.control.GetStatus() == control.StatusDisabledMetered {
				d.control.SetStatus(control.StatusRunning)
			}
			d.Reregister()
		}
	}
}

// Reregister implements control.Advertiser: it runs a register to
// completion before starting the next, deferring (not reordering) a
// trigger that arrives mid-flight — the linearization ordering guarantee.
func (d *Daemon) Reregister() {
	d.registerMu.Lock()
	if d.registering {
		d.registerPending = true
		d.registerMu.Unlock()
		return
	}
	d.registering = true
	d.registerMu.Unlock()

	go d.runRegisterLoop()
}

func (d *Daemon) runRegisterLoop() {
	for {
		d.registerOnce()

		d.registerMu.Lock()
		if d.registerPending {
			d.registerPending = false
			d.registerMu.Unlock()
			continue
		}
		d.registering = false
		d.registerMu.Unlock()
		return
	}
}

func (d *Daemon) registerOnce() {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()

	hashes := d.store.AdvertisedHashes()
	if err := d.discovery.Register(ctx, hashes); err != nil {
		log.Printf("daemon: register: %v", err)
		// Upstream errors are logged only: the observable status is left
		// as it is and the daemon is not terminated; the next trigger
		// retries.
		return
	}
	if d.control.GetStatus() == control.StatusLoading {
		d.control.SetStatus(control.StatusRunning)
	}
}

// ContentStore exposes the Content Store for cmd/passimd wiring (e.g. a
// pre-shutdown inspection hook); not used by the request path, which holds
// its own reference.
func (d *Daemon) ContentStore() *store.Store { return d.store }

// ControlSurface exposes the Control-plane Surface for control.Serve.
func (d *Daemon) ControlSurface() *control.Surface { return d.control }

// InstanceName returns the daemon's advertised mDNS instance name.
func (d *Daemon) InstanceName() string { return d.instanceName }
