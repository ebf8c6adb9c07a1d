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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticPolicies(t *testing.T) {
	policies, err := NewStaticPolicies([]IsolationPolicyConfig{{
		Namespaces:            []string{"^prop/cluster/tenant-a/.*", "^prop/cluster/tenant-a$"},
		Primary:               []string{"^dedicated-.*"},
		MinAvailablePrimaries: 2,
	}})
	require.NoError(t, err)

	assert.True(t, policies.IsolationPoliciesPresent("prop/cluster/tenant-a"))
	assert.False(t, policies.IsolationPoliciesPresent("prop/cluster/tenant-b"))

	assert.True(t, policies.IsPrimaryBroker("prop/cluster/tenant-a", "dedicated-1"))
	assert.False(t, policies.IsPrimaryBroker("prop/cluster/tenant-a", "shared-1"))
	assert.False(t, policies.IsPrimaryBroker("prop/cluster/tenant-b", "dedicated-1"))

	// Brokers reserved as primaries are not shared.
	assert.False(t, policies.IsSharedBroker("dedicated-1"))
	assert.True(t, policies.IsSharedBroker("shared-1"))

	assert.True(t, policies.ShouldFailoverToSecondaries("prop/cluster/tenant-a", 1))
	assert.False(t, policies.ShouldFailoverToSecondaries("prop/cluster/tenant-a", 2))
	assert.False(t, policies.ShouldFailoverToSecondaries("prop/cluster/tenant-b", 0))
}

func TestStaticPoliciesInvalidPattern(t *testing.T) {
	_, err := NewStaticPolicies([]IsolationPolicyConfig{{
		Namespaces: []string{"("},
	}})
	assert.Error(t, err)
}

func TestNoIsolationPolicies(t *testing.T) {
	policies := NoIsolationPolicies()
	assert.False(t, policies.IsolationPoliciesPresent("prop/cluster/ns"))
	assert.True(t, policies.IsSharedBroker("any-broker"))
	assert.False(t, policies.ShouldFailoverToSecondaries("prop/cluster/ns", 0))
}
