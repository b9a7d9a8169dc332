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

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landistro/passimd/internal/control"
	"github.com/landistro/passimd/internal/discovery"
)

func newTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DaemonVersion: "test",
		DataDir:       filepath.Join(t.TempDir(), "data"),
		SysconfDir:    t.TempDir(),
		AssetsDir:     t.TempDir(),
		Port:          0,
		MaxItemSize:   1 << 20,
		CarbonCost:    0.026367,
	}
}

func TestNewReturnsDaemonInStartingState(t *testing.T) {
	cfg := newTestConfig(t)
	disco := discovery.NewFakeClient()

	d, err := New(cfg, disco, "Passim-Test")
	require.NoError(t, err)
	assert.NotNil(t, d.ContentStore())
	assert.NotEmpty(t, d.InstanceName())
	assert.Equal(t, control.StatusStarting, d.ControlSurface().GetStatus())
}

func TestReregisterSerializesConcurrentTriggers(t *testing.T) {
	cfg := newTestConfig(t)
	disco := discovery.NewFakeClient()
	disco.RegisterDelay = 30 * time.Millisecond

	d, err := New(cfg, disco, "Passim-Test")
	require.NoError(t, err)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	defer d.cancel()

	// Fire several triggers back-to-back. Because a register-in-flight sets
	// registerPending instead of spawning a second run, the call count
	// settles far below the trigger count once the in-flight run drains.
	for i := 0; i < 5; i++ {
		d.Reregister()
	}

	require.Eventually(t, func() bool {
		d.registerMu.Lock()
		registering := d.registering
		d.registerMu.Unlock()
		return !registering
	}, time.Second, 5*time.Millisecond)

	_, calls := disco.Snapshot()
	assert.Less(t, calls, 5)
	assert.GreaterOrEqual(t, calls, 1)
}

func TestContributedDirPathsReadsConfDir(t *testing.T) {
	cfg := newTestConfig(t)
	disco := discovery.NewFakeClient()
	d, err := New(cfg, disco, "Passim-Test")
	require.NoError(t, err)

	passimD := filepath.Join(cfg.SysconfDir, "passim.d")
	require.NoError(t, os.MkdirAll(passimD, 0755))
	contributedPath := t.TempDir()
	confBody := "[passim]\nPath=" + contributedPath + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(passimD, "pkg.conf"), []byte(confBody), 0644))

	dirs, err := d.contributedDirPaths()
	require.NoError(t, err)
	assert.Contains(t, dirs, contributedPath)
}
