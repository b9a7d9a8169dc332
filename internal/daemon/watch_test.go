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

import "testing"

func TestContainingWatchedDir(t *testing.T) {
	dirs := []string{"/etc/passim.d/foo", "/etc/passim.d/bar"}

	got := containingWatchedDir(dirs, "/etc/passim.d/foo/item.conf")
	if got != "/etc/passim.d/foo" {
		t.Fatalf("got %q, want /etc/passim.d/foo", got)
	}

	got = containingWatchedDir(dirs, "/etc/passim.d/other/item.conf")
	if got != "" {
		t.Fatalf("got %q, want empty for unmatched dir", got)
	}
}
