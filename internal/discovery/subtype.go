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

package discovery

import (
	"fmt"

	"github.com/miekg/dns"
)

// maxTruncatedHashLen is the length the hash is cut to before it becomes a
// subtype label; with the leading "_" the label is at most 61 octets, inside
// the 63-octet DNS label limit of the underlying discovery protocol.
const maxTruncatedHashLen = 60

// SubtypeForHash encodes a content hash as a DNS-SD subtype label of the
// service type ServiceType: "_{truncated_hash}._sub._cache._tcp".
func SubtypeForHash(hash string) (string, error) {
	truncated := hash
	if len(truncated) > maxTruncatedHashLen {
		truncated = truncated[:maxTruncatedHashLen]
	}
	label := "_" + truncated
	if !dns.IsDomainName(label) {
		return "", fmt.Errorf("discovery: %q is not a valid DNS-SD label", label)
	}
	return label + "._sub." + ServiceType, nil
}
