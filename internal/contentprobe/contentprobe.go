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

// Package contentprobe determines the Content-Type of a stored item.
//
// It keeps the teacher's open-file-seek-to-start-sniff-magic-bytes technique
// from pkg/ftdetect, but aims it at a MIME type string instead of the
// teacher's FileType enum: passim has no binaries, compose files, or
// TypeScript to distinguish, only opaque cache blobs that need a
// Content-Type header. Per the resolved open question in the content-type
// probe design note, this is called exactly once, at Item-load time — never
// re-queried while serving, to avoid racing an eviction.
package contentprobe

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

const sniffLen = 512

// Sniff returns the best-guess Content-Type for the file at path. It first
// tries the extension on basename (cheap, and right most of the time for
// cache content fetched from a well-formed URL), then falls back to sniffing
// the first bytes of the file the way net/http.DetectContentType expects.
func Sniff(path, basename string) string {
	if ext := filepath.Ext(basename); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return sniffMagic(path)
}

func sniffMagic(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "application/octet-stream"
	}
	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "application/octet-stream"
	}
	return http.DetectContentType(buf[:n])
}
