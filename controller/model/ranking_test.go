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

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/stretchr/testify/assert"
)

func testUsage(loadPct float64) SystemResourceUsage {
	return SystemResourceUsage{
		CPU:          ResourceUsage{Usage: loadPct * 4, Limit: 400},
		Memory:       ResourceUsage{Usage: loadPct * 80, Limit: 8000},
		DirectMemory: ResourceUsage{Usage: 0, Limit: 8000},
		BandwidthIn:  ResourceUsage{Usage: loadPct * 10, Limit: 1000},
		BandwidthOut: ResourceUsage{Usage: loadPct * 10, Limit: 1000},
	}
}

func testFactors() QuotaFactors {
	return QuotaFactors{CPUPerMsgRate: 0.025}
}

func TestRankingLoadPercentageFromUsage(t *testing.T) {
	ranking := NewResourceUnitRanking(testUsage(45),
		linkedhashset.New("p/c/ns/0x0_0x8"), ResourceQuota{},
		linkedhashset.New(), ResourceQuota{},
		testFactors(), DefaultResourceQuota())

	assert.InDelta(t, 45.0, ranking.EstimatedLoadPercentage(), 0.01)
	assert.False(t, ranking.IsIdle())
}

func TestRankingLoadPercentageFromQuota(t *testing.T) {
	// The allocated quota projects a higher CPU load than the stale
	// usage report shows: 8000 msg/s * 0.025 = 200 CPU units of a 400
	// limit.
	allocated := ResourceQuota{MsgRateIn: 4000, MsgRateOut: 4000, Dynamic: true}
	ranking := NewResourceUnitRanking(testUsage(10),
		linkedhashset.New("p/c/ns/0x0_0x8"), allocated,
		linkedhashset.New(), ResourceQuota{},
		testFactors(), DefaultResourceQuota())

	assert.InDelta(t, 50.0, ranking.EstimatedLoadPercentage(), 0.01)
}

func TestRankingIdle(t *testing.T) {
	ranking := NewResourceUnitRanking(testUsage(0),
		linkedhashset.New(), ResourceQuota{},
		linkedhashset.New(), ResourceQuota{},
		testFactors(), DefaultResourceQuota())
	assert.True(t, ranking.IsIdle())

	ranking.AddPreAllocatedServiceUnit("p/c/ns/0x0_0x8", DefaultResourceQuota())
	assert.False(t, ranking.IsIdle())
	assert.True(t, ranking.IsServiceUnitPreAllocated("p/c/ns/0x0_0x8"))
}

func TestRankingPreAllocationRaisesLoad(t *testing.T) {
	ranking := NewResourceUnitRanking(testUsage(10),
		linkedhashset.New(), ResourceQuota{},
		linkedhashset.New(), ResourceQuota{},
		testFactors(), DefaultResourceQuota())
	before := ranking.EstimatedLoadPercentage()

	ranking.AddPreAllocatedServiceUnit("p/c/ns/0x0_0x8",
		ResourceQuota{MsgRateIn: 2000, MsgRateOut: 2000, Dynamic: true})
	assert.Greater(t, ranking.EstimatedLoadPercentage(), before)
}

func TestRankingRemoveLoadedServiceUnit(t *testing.T) {
	quota := ResourceQuota{MsgRateIn: 2000, MsgRateOut: 2000, Dynamic: true}
	ranking := NewResourceUnitRanking(testUsage(10),
		linkedhashset.New("p/c/ns/0x0_0x8"), quota,
		linkedhashset.New(), ResourceQuota{},
		testFactors(), DefaultResourceQuota())
	before := ranking.EstimatedLoadPercentage()

	ranking.RemoveLoadedServiceUnit("p/c/ns/0x0_0x8", quota)
	assert.False(t, ranking.IsServiceUnitLoaded("p/c/ns/0x0_0x8"))
	assert.Less(t, ranking.EstimatedLoadPercentage(), before)
}

func TestRankingCompare(t *testing.T) {
	low := NewResourceUnitRanking(testUsage(20),
		linkedhashset.New("a"), ResourceQuota{},
		linkedhashset.New(), ResourceQuota{},
		testFactors(), DefaultResourceQuota())
	high := NewResourceUnitRanking(testUsage(80),
		linkedhashset.New("b"), ResourceQuota{},
		linkedhashset.New(), ResourceQuota{},
		testFactors(), DefaultResourceQuota())

	assert.Negative(t, low.Compare(high))
	assert.Positive(t, high.Compare(low))
	assert.Zero(t, low.Compare(low))
}

func TestCalculateBrokerMaxCapacity(t *testing.T) {
	capacity := CalculateBrokerMaxCapacity(testUsage(0), DefaultResourceQuota(), testFactors())
	assert.Positive(t, capacity)

	// Unknown limits leave the capacity unbounded by that resource;
	// all-unknown means no estimate at all.
	assert.Zero(t, CalculateBrokerMaxCapacity(SystemResourceUsage{}, DefaultResourceQuota(), testFactors()))
}
