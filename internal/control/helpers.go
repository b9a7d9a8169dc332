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

package control

import (
	"fmt"
	"io"

	"github.com/landistro/passimd/internal/store"
)

// readAllCapped reads r to EOF, failing with QuotaExceeded if more than max
// bytes arrive, surfaced as an InvalidData-like error with a human-readable
// size per the Publish design.
func readAllCapped(r io.Reader, max uint64) ([]byte, error) {
	limited := io.LimitReader(r, int64(max)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("control: read published content: %w", err)
	}
	if uint64(len(data)) > max {
		return nil, &publishError{Kind: store.KindQuotaExceeded,
			Err: fmt.Errorf("published item exceeds MaxItemSize (%.1f MiB)", float64(max)/(1<<20))}
	}
	return data, nil
}
