// Copyright 2025 StreamNative, Inc.
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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServiceUnitID(t *testing.T) {
	serviceUnit, err := ParseServiceUnitID("prop/cluster/ns/0x00000000_0x40000000")
	require.NoError(t, err)
	assert.Equal(t, "prop/cluster/ns", serviceUnit.Namespace())
	assert.Equal(t, "0x00000000_0x40000000", serviceUnit.Range())

	for _, invalid := range []string{
		"",
		"prop/cluster/ns",
		"prop//ns/0x00000000_0x40000000",
		"prop/cluster/ns/range/extra",
	} {
		_, err = ParseServiceUnitID(invalid)
		assert.ErrorIs(t, err, ErrInvalidServiceUnitID, invalid)
	}
}
