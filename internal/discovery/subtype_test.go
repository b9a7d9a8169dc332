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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubtypeForHashTruncatesTo60Chars(t *testing.T) {
	hash := strings.Repeat("a", 64)
	sub, err := SubtypeForHash(hash)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sub, "_"+strings.Repeat("a", 60)))
	assert.True(t, strings.HasSuffix(sub, "._sub."+ServiceType))
}

func TestSubtypeForHashShortHashUnchanged(t *testing.T) {
	hash := "deadbeef"
	sub, err := SubtypeForHash(hash)
	require.NoError(t, err)
	assert.Equal(t, "_deadbeef._sub."+ServiceType, sub)
}

func TestNewInstanceNameFormat(t *testing.T) {
	name, err := NewInstanceName()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "Passim-"))
	assert.Len(t, name, len("Passim-")+4)
}
