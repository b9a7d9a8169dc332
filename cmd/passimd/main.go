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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"tailscale.com/util/must"

	"github.com/landistro/passimd/internal/config"
	"github.com/landistro/passimd/internal/control"
	"github.com/landistro/passimd/internal/daemon"
	"github.com/landistro/passimd/internal/discovery"
)

const versionString = "0.1.0"

var (
	dataDir    = flag.String("data-dir", "/var/lib/passim/data", "owned content directory")
	sysconfDir = flag.String("sysconf-dir", "/etc/passim", "directory holding passim.conf and passim.d/")
	assetsDir  = flag.String("assets-dir", "/usr/share/passim", "directory holding favicon.ico and style.css")
	confFile   = flag.String("conf", "", "path to passim.conf (defaults to {sysconf-dir}/passim.conf)")
	timedExit  = flag.Duration("timed-exit", 0, "exit automatically after this duration (test use only)")
)

func main() {
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(versionString)
		return
	}

	must.Do(os.MkdirAll(*dataDir, 0700))

	confPath := *confFile
	if confPath == "" {
		confPath = filepath.Join(*sysconfDir, "passim.conf")
	}
	cfg, err := config.Load(confPath, *dataDir)
	if err != nil {
		log.Printf("passimd: %v; proceeding with defaults", err)
	}

	dcfg := daemon.Config{
		DaemonVersion: versionString,
		DataDir:       cfg.Path,
		SysconfDir:    *sysconfDir,
		AssetsDir:     *assetsDir,
		Port:          cfg.Port,
		MaxItemSize:   cfg.MaxItemSize,
		CarbonCost:    cfg.CarbonCost,
		IPv6:          cfg.IPv6,
		TimedExit:     *timedExit,
	}

	instanceName := must.Get(discovery.NewInstanceName())
	disco, err := discovery.NewAvahiClient(instanceName, dcfg.Port, dcfg.IPv6)
	if err != nil {
		log.Fatalf("passimd: connect to avahi-daemon: %v", err)
	}

	d, err := daemon.New(dcfg, disco, instanceName)
	if err != nil {
		log.Fatalf("passimd: %v", err)
	}

	conn, err := control.Serve(d.ControlSurface())
	if err != nil {
		log.Fatalf("passimd: control surface: %v", err)
	}
	defer conn.Close()

	log.Printf("passimd %s starting as %s on port %d", versionString, d.InstanceName(), dcfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Run(ctx); err != nil {
		log.Fatalf("passimd: %v", err)
	}
}
