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

// Package request implements the Request Engine: classifying inbound HTTPS
// requests and driving the index/static-asset/local-item/peer-lookup/reject
// decision tree.
package request

import (
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/landistro/passimd/internal/lookup"
	"github.com/landistro/passimd/internal/store"
)

// StatusFunc reports the daemon's current observable status string, e.g.
// "RUNNING" or "DISABLED_METERED". It is injected rather than imported to
// keep this package from depending on internal/daemon.
type StatusFunc func() string

// Engine is the http.Handler implementing the ordered classification from
// the Request Engine design.
type Engine struct {
	Store     *store.Store
	Lookup    *lookup.Coordinator
	AssetsDir string // install data directory holding favicon.ico/style.css

	DaemonName    string
	DaemonVersion string
	Status        StatusFunc

	// OnLocalServe is invoked after a successful local serve with the
	// served Item and whether the peer was non-loopback; used by the
	// daemon to maintain the DownloadSaving counter.
	OnLocalServe func(it store.Item, nonLoopback bool)

	// OnEvicted is invoked when a serve pushes an Item's share_count to its
	// share_limit, removing it from the advertised set; used by the daemon
	// to trigger re-registration so peers stop being told the hash is
	// available here.
	OnEvicted func(hash string)
}

var _ http.Handler = (*Engine)(nil)

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusForbidden)
		return
	}

	loopback := isLoopback(r.RemoteAddr)
	path := r.URL.Path

	switch {
	case path == "/":
		if !loopback {
			writeError(w, http.StatusForbidden)
			return
		}
		e.serveIndex(w)
		return

	case path == "/favicon.ico" || path == "/style.css":
		if !loopback {
			writeError(w, http.StatusForbidden)
			return
		}
		http.ServeFile(w, r, filepath.Join(e.AssetsDir, strings.TrimPrefix(path, "/")))
		return
	}

	hash := r.URL.Query().Get("sha256")
	if hash == "" {
		writeError(w, http.StatusBadRequest)
		return
	}
	if !validHash(hash) {
		writeError(w, http.StatusNotAcceptable)
		return
	}

	it, err := e.Store.Get(hash)
	if err == nil {
		e.serveLocal(w, r, it, loopback)
		return
	}
	if !store.IsNotFound(err) {
		writeError(w, http.StatusInternalServerError)
		return
	}

	// Hash not known locally.
	if !loopback {
		// A peer must never cause us to scan the LAN on its behalf.
		writeError(w, http.StatusForbidden)
		return
	}
	e.redirectToPeer(w, r, hash)
}

func (e *Engine) serveLocal(w http.ResponseWriter, r *http.Request, it store.Item, loopback bool) {
	if it.Flags.Has(store.FlagDisabled) {
		writeError(w, http.StatusLocked)
		return
	}

	f, openErr := openForServe(it.StorageRef)
	if openErr != nil {
		// An unrecoverable I/O error while serving a known item evicts it
		// rather than repeatedly failing.
		e.Store.Remove(it.Hash)
		writeError(w, http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", it.Basename))
	if it.ContentType != "" {
		w.Header().Set("Content-Type", it.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := copyBody(w, f); err != nil {
		// The body did not reach the peer in full: not a successful serve.
		return
	}

	evicted, err := e.Store.IncrementShareCount(it.Hash)
	if err == nil && evicted && e.OnEvicted != nil {
		e.OnEvicted(it.Hash)
	}

	if e.OnLocalServe != nil {
		e.OnLocalServe(it, !loopback)
	}
}

func (e *Engine) redirectToPeer(w http.ResponseWriter, r *http.Request, hash string) {
	res, err := e.Lookup.Find(r.Context(), hash)
	if err != nil {
		reason := http.StatusText(http.StatusNotFound)
		if !errors.Is(err, lookup.ErrNotFound) {
			reason = err.Error()
		}
		writeErrorWithReason(w, http.StatusNotFound, reason)
		return
	}

	basename := strings.TrimPrefix(strings.SplitN(r.URL.Path, "?", 2)[0], "/")
	location := lookup.RedirectLocation(res.Addr, basename, hash)

	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusSeeOther)
	fmt.Fprintf(w, "<html><body>Found at <a href=%q>%s</a></body></html>", location, html.EscapeString(location))
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	b, err := hex.DecodeString(hash)
	return err == nil && len(b) == 32
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeError(w http.ResponseWriter, code int) {
	writeErrorWithReason(w, code, http.StatusText(code))
}

func writeErrorWithReason(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, "<html><body><h1>%d %s</h1></body></html>", code, html.EscapeString(reason))
}
