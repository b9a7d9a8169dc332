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
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// contributedWatchDebounce coalesces bursts of filesystem events (e.g. a
// package manager writing several files in one transaction) into a single
// rescan.
const contributedWatchDebounce = 500 * time.Millisecond

// watchContributedDirs watches each contributed directory for changes and
// rescans the one that changed once events settle. The debounce is a single
// shared timer across all watched directories, reset on every event and
// firing a rescan of every directory that changed since the last fire —
// the same timer-reset shape the corpus uses for debounced reindexing, here
// driving store.ScanContributedDir instead.
func (d *Daemon) watchContributedDirs(ctx context.Context, dirs []string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("daemon: fsnotify: %v", err)
		return
	}
	defer watcher.Close()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			log.Printf("daemon: watch %s: %v", dir, err)
		}
	}

	dirty := make(map[string]bool)
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			dirty[containingWatchedDir(dirs, event.Name)] = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(contributedWatchDebounce)
			timerCh = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("daemon: fsnotify error: %v", err)

		case <-timerCh:
			timerCh = nil
			for dir := range dirty {
				if dir == "" {
					continue
				}
				if err := d.store.ScanContributedDir(dir); err != nil {
					log.Printf("daemon: rescan %s: %v", dir, err)
					continue
				}
				d.Reregister()
			}
			dirty = make(map[string]bool)
		}
	}
}

// containingWatchedDir returns whichever of dirs is a prefix of name, since
// fsnotify reports the changed file's full path rather than the watched
// directory.
func containingWatchedDir(dirs []string, name string) string {
	for _, dir := range dirs {
		if len(name) >= len(dir) && name[:len(dir)] == dir {
			return dir
		}
	}
	return ""
}
