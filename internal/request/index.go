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
	"fmt"
	"html"
	"net/http"
	"sort"
	"time"

	"github.com/landistro/passimd/internal/store"
)

// serveIndex responds 200 with a human-readable listing of every Item:
// served hash, basename, cmdline, age fraction, share fraction, size and
// flags, plus the daemon name, version and status.
func (e *Engine) serveIndex(w http.ResponseWriter) {
	items := e.Store.List()
	sort.Slice(items, func(i, j int) bool { return items[i].Hash < items[j].Hash })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	status := ""
	if e.Status != nil {
		status = e.Status()
	}

	fmt.Fprintf(w, "<html><head><link rel=\"stylesheet\" href=\"/style.css\"></head><body>")
	fmt.Fprintf(w, "<h1>%s</h1><p>version %s &mdash; status %s</p>",
		html.EscapeString(e.DaemonName), html.EscapeString(e.DaemonVersion), html.EscapeString(status))
	fmt.Fprintf(w, "<table><tr><th>hash</th><th>basename</th><th>cmdline</th>"+
		"<th>age</th><th>shares</th><th>size</th><th>flags</th></tr>")
	for _, it := range items {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td></tr>",
			html.EscapeString(it.Hash),
			html.EscapeString(it.Basename),
			html.EscapeString(it.Cmdline),
			ageFraction(it),
			shareFraction(it),
			it.Size,
			flagsString(it.Flags),
		)
	}
	fmt.Fprintf(w, "</table></body></html>")
}

func ageFraction(it store.Item) string {
	if it.MaxAge == store.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%ds / %ds", int64(time.Since(it.CTime).Seconds()), it.MaxAge)
}

func shareFraction(it store.Item) string {
	if it.ShareLimit == store.Unlimited {
		return fmt.Sprintf("%d / unlimited", it.ShareCount)
	}
	return fmt.Sprintf("%d / %d", it.ShareCount, it.ShareLimit)
}

func flagsString(f store.Flags) string {
	var out string
	if f.Has(store.FlagDisabled) {
		out += "DISABLED "
	}
	if f.Has(store.FlagNextReboot) {
		out += "NEXT_REBOOT"
	}
	return out
}
