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

package request

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landistro/passimd/internal/discovery"
	"github.com/landistro/passimd/internal/lookup"
	"github.com/landistro/passimd/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *discovery.FakeClient) {
	t.Helper()
	s := store.New(t.TempDir())
	fc := discovery.NewFakeClient()
	e := &Engine{
		Store:         s,
		Lookup:        lookup.New(fc),
		AssetsDir:     t.TempDir(),
		DaemonName:    "Passim-TEST",
		DaemonVersion: "test",
		Status:        func() string { return "RUNNING" },
	}
	return e, s, fc
}

func loopbackReq(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.RemoteAddr = "127.0.0.1:54321"
	return r
}

func nonLoopbackReq(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.RemoteAddr = "10.0.0.9:54321"
	return r
}

// S1 — local hit.
func TestLocalHit(t *testing.T) {
	e, s, _ := newTestEngine(t)
	data := []byte("hello world\n")
	it, err := s.Add(data, "HELLO.md", 86400, 5, 0, "pub")
	require.NoError(t, err)

	req := loopbackReq("/HELLO.md?sha256=" + it.Hash)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world\n", rec.Body.String())
	assert.Equal(t, `attachment; filename="HELLO.md"`, rec.Header().Get("Content-Disposition"))

	got, err := s.Get(it.Hash)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ShareCount)
}

// S2 — malformed hash.
func TestMalformedHash(t *testing.T) {
	e, _, _ := newTestEngine(t)
	req := loopbackReq("/x?sha256=deadbeef")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

// S3 — missing hash.
func TestMissingHash(t *testing.T) {
	e, _, _ := newTestEngine(t)
	req := loopbackReq("/x")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// S4 — remote peer policy.
func TestRemotePeerPolicy(t *testing.T) {
	e, s, _ := newTestEngine(t)
	data := []byte("known bytes")
	it, err := s.Add(data, "x", 86400, 5, 0, "pub")
	require.NoError(t, err)

	unknown := sha256.Sum256([]byte("unknown"))
	unknownHash := hex.EncodeToString(unknown[:])

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, nonLoopbackReq("/"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, nonLoopbackReq("/anything?sha256="+unknownHash))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, nonLoopbackReq("/x?sha256="+it.Hash))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(data), rec.Body.String())
}

// S5 — share-limit eviction.
func TestShareLimitEviction(t *testing.T) {
	e, s, _ := newTestEngine(t)
	it, err := s.Add([]byte("two shares only"), "x", 86400, 2, 0, "pub")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, nonLoopbackReq("/x?sha256="+it.Hash))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	_, err = s.Get(it.Hash)
	assert.True(t, store.IsNotFound(err))
}

func TestShareLimitEvictionFiresOnEvicted(t *testing.T) {
	e, s, _ := newTestEngine(t)
	it, err := s.Add([]byte("one share only"), "x", 86400, 1, 0, "pub")
	require.NoError(t, err)

	var evictedHash string
	e.OnEvicted = func(hash string) { evictedHash = hash }

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, nonLoopbackReq("/x?sha256="+it.Hash))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, it.Hash, evictedHash)
}

func TestDisabledItemIsLocked(t *testing.T) {
	e, s, _ := newTestEngine(t)
	it, err := s.Add([]byte("disabled content"), "x", 86400, 5, store.FlagDisabled, "pub")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, loopbackReq("/x?sha256="+it.Hash))
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestNonGetIsForbidden(t *testing.T) {
	e, _, _ := newTestEngine(t)
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// S6-adjacent: loopback miss delegates to the Lookup Coordinator.
func TestLoopbackMissRedirectsToPeer(t *testing.T) {
	e, _, fc := newTestEngine(t)
	missing := sha256.Sum256([]byte("not stored"))
	hash := hex.EncodeToString(missing[:])
	fc.Seed(hash, "10.0.0.2:27500")

	req := loopbackReq("/x?sha256=" + hash)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://10.0.0.2:27500/x?sha256="+hash, rec.Header().Get("Location"))
}

func TestLoopbackMissNoCandidatesIs404(t *testing.T) {
	e, _, _ := newTestEngine(t)
	missing := sha256.Sum256([]byte("also not stored"))
	hash := hex.EncodeToString(missing[:])

	req := loopbackReq("/x?sha256=" + hash)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
