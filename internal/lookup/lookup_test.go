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

package lookup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landistro/passimd/internal/discovery"
)

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// S6 — peer redirect: two resolved candidates, a loopback miss must pick
// exactly one of them, uniformly at random.
func TestFindPicksUniformlyAmongCandidates(t *testing.T) {
	fc := discovery.NewFakeClient()
	fc.Seed(testHash, "10.0.0.2:27500", "10.0.0.3:27500")

	c := New(fc)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		res, err := c.Find(context.Background(), testHash)
		require.NoError(t, err)
		assert.Contains(t, []string{"10.0.0.2:27500", "10.0.0.3:27500"}, res.Addr)
		seen[res.Addr] = true
	}
	assert.Len(t, seen, 2, "expected both candidates to be picked at least once across 50 draws")
}

func TestFindNoCandidatesIsNotFound(t *testing.T) {
	fc := discovery.NewFakeClient()
	c := New(fc)

	_, err := c.Find(context.Background(), testHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindUpstreamErrorPropagates(t *testing.T) {
	fc := discovery.NewFakeClient()
	fc.SeedErr(testHash, assert.AnError)

	c := New(fc)
	_, err := c.Find(context.Background(), testHash)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedirectLocationFormat(t *testing.T) {
	got := RedirectLocation("10.0.0.2:27500", "HELLO.md", testHash)
	assert.Equal(t, "https://10.0.0.2:27500/HELLO.md?sha256="+testHash, got)
}
