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

// Package bootepoch reads the opaque token identifying the current boot,
// used to decide whether a NEXT_REBOOT item has survived a reboot since it
// was published.
package bootepoch

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const procStat = "/proc/stat"

// Current returns the value following "btime " in /proc/stat, the kernel's
// record of the boot time as a Unix timestamp. It is treated as an opaque
// string, not parsed as a number.
func Current() (string, error) {
	f, err := os.Open(procStat)
	if err != nil {
		return "", fmt.Errorf("bootepoch: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "btime "); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("bootepoch: %w", err)
	}
	return "", fmt.Errorf("bootepoch: no btime line in %s", procStat)
}
