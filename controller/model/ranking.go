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
	"fmt"
	"math"

	"github.com/emirpasic/gods/sets/linkedhashset"
)

// Quota bandwidth is tracked in bytes/s while the system usage limit is
// Mbit/s.
const bytesPerMbit = 1_000_000.0 / 8

// QuotaFactors converts aggregated quotas back into per-resource load:
// CPUPerMsgRate is the expected CPU usage (0-100 scale) per msg/s.
type QuotaFactors struct {
	CPUPerMsgRate float64
}

// ResourceUnitRanking scores one broker by combining its reported usage
// with the quota allocated to the bundles it owns plus the bundles the
// leader has pre-allocated to it but which have not shown up in a load
// report yet. Quota-derived load keeps pre-allocations visible while
// reports are stale.
type ResourceUnitRanking struct {
	SystemUsage         SystemResourceUsage
	LoadedBundles       *linkedhashset.Set
	AllocatedQuota      ResourceQuota
	PreAllocatedBundles *linkedhashset.Set
	PreAllocatedQuota   ResourceQuota

	factors      QuotaFactors
	defaultQuota ResourceQuota

	estimatedLoadPct     float64
	estimatedMaxCapacity int64

	allocatedLoadPctCPU          float64
	allocatedLoadPctMemory       float64
	allocatedLoadPctBandwidthIn  float64
	allocatedLoadPctBandwidthOut float64
}

func NewResourceUnitRanking(usage SystemResourceUsage,
	loadedBundles *linkedhashset.Set, allocatedQuota ResourceQuota,
	preAllocatedBundles *linkedhashset.Set, preAllocatedQuota ResourceQuota,
	factors QuotaFactors, defaultQuota ResourceQuota) *ResourceUnitRanking {
	r := &ResourceUnitRanking{
		SystemUsage:         usage,
		LoadedBundles:       loadedBundles,
		AllocatedQuota:      allocatedQuota,
		PreAllocatedBundles: preAllocatedBundles,
		PreAllocatedQuota:   preAllocatedQuota,
		factors:             factors,
		defaultQuota:        defaultQuota,
	}
	r.estimateLoadPercentage()
	return r
}

func (r *ResourceUnitRanking) estimateLoadPercentage() {
	totalQuota := r.AllocatedQuota
	totalQuota.Add(r.PreAllocatedQuota)

	cpuQuotaPct := percentOf(
		(totalQuota.MsgRateIn+totalQuota.MsgRateOut)*r.factors.CPUPerMsgRate,
		r.SystemUsage.CPU.Limit)
	memQuotaPct := percentOf(totalQuota.Memory, r.SystemUsage.Memory.Limit)
	bandwidthInQuotaPct := percentOf(totalQuota.BandwidthIn/bytesPerMbit,
		r.SystemUsage.BandwidthIn.Limit)
	bandwidthOutQuotaPct := percentOf(totalQuota.BandwidthOut/bytesPerMbit,
		r.SystemUsage.BandwidthOut.Limit)

	r.allocatedLoadPctCPU = cpuQuotaPct
	r.allocatedLoadPctMemory = memQuotaPct
	r.allocatedLoadPctBandwidthIn = bandwidthInQuotaPct
	r.allocatedLoadPctBandwidthOut = bandwidthOutQuotaPct

	r.estimatedLoadPct = math.Max(r.SystemUsage.CPU.PercentUsage(), cpuQuotaPct)
	r.estimatedLoadPct = math.Max(r.estimatedLoadPct,
		math.Max(r.SystemUsage.Memory.PercentUsage(), memQuotaPct))
	r.estimatedLoadPct = math.Max(r.estimatedLoadPct,
		r.SystemUsage.DirectMemory.PercentUsage())
	r.estimatedLoadPct = math.Max(r.estimatedLoadPct,
		math.Max(r.SystemUsage.BandwidthIn.PercentUsage(), bandwidthInQuotaPct))
	r.estimatedLoadPct = math.Max(r.estimatedLoadPct,
		math.Max(r.SystemUsage.BandwidthOut.PercentUsage(), bandwidthOutQuotaPct))

	r.estimatedMaxCapacity = CalculateBrokerMaxCapacity(r.SystemUsage,
		r.defaultQuota, r.factors)
}

func percentOf(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return 100 * value / limit
}

// CalculateBrokerMaxCapacity estimates how many default-sized bundles a
// broker could host on its full resource limits.
func CalculateBrokerMaxCapacity(usage SystemResourceUsage, defaultQuota ResourceQuota, factors QuotaFactors) int64 {
	capacity := math.MaxFloat64
	bounded := false

	perBundleCPU := (defaultQuota.MsgRateIn + defaultQuota.MsgRateOut) * factors.CPUPerMsgRate
	if perBundleCPU > 0 && usage.CPU.Limit > 0 {
		capacity = math.Min(capacity, usage.CPU.Limit/perBundleCPU)
		bounded = true
	}
	if defaultQuota.Memory > 0 && usage.Memory.Limit > 0 {
		capacity = math.Min(capacity, usage.Memory.Limit/defaultQuota.Memory)
		bounded = true
	}
	if defaultQuota.BandwidthIn > 0 && usage.BandwidthIn.Limit > 0 {
		capacity = math.Min(capacity, usage.BandwidthIn.Limit*bytesPerMbit/defaultQuota.BandwidthIn)
		bounded = true
	}
	if defaultQuota.BandwidthOut > 0 && usage.BandwidthOut.Limit > 0 {
		capacity = math.Min(capacity, usage.BandwidthOut.Limit*bytesPerMbit/defaultQuota.BandwidthOut)
		bounded = true
	}

	if !bounded {
		return 0
	}
	return int64(capacity)
}

func (r *ResourceUnitRanking) EstimatedLoadPercentage() float64 {
	return r.estimatedLoadPct
}

func (r *ResourceUnitRanking) EstimatedMaxCapacity() int64 {
	return r.estimatedMaxCapacity
}

func (r *ResourceUnitRanking) EstimatedLoadPercentageString() string {
	return fmt.Sprintf("load: %.1f%%, cpu: %.1f%%, memory: %.1f%%, bandwidthIn: %.1f%%, bandwidthOut: %.1f%%",
		r.estimatedLoadPct,
		math.Max(r.SystemUsage.CPU.PercentUsage(), r.allocatedLoadPctCPU),
		math.Max(r.SystemUsage.Memory.PercentUsage(), r.allocatedLoadPctMemory),
		math.Max(r.SystemUsage.BandwidthIn.PercentUsage(), r.allocatedLoadPctBandwidthIn),
		math.Max(r.SystemUsage.BandwidthOut.PercentUsage(), r.allocatedLoadPctBandwidthOut))
}

// IsIdle reports whether the broker has no bundle loaded nor any
// pending pre-allocation.
func (r *ResourceUnitRanking) IsIdle() bool {
	return r.LoadedBundles.Size() == 0 && r.PreAllocatedBundles.Size() == 0
}

func (r *ResourceUnitRanking) IsServiceUnitLoaded(serviceUnit string) bool {
	return r.LoadedBundles.Contains(serviceUnit)
}

func (r *ResourceUnitRanking) IsServiceUnitPreAllocated(serviceUnit string) bool {
	return r.PreAllocatedBundles.Contains(serviceUnit)
}

// AddPreAllocatedServiceUnit accounts a newly assigned bundle that has
// not appeared in the broker's report yet.
func (r *ResourceUnitRanking) AddPreAllocatedServiceUnit(serviceUnit string, quota ResourceQuota) {
	r.PreAllocatedBundles.Add(serviceUnit)
	r.PreAllocatedQuota.Add(quota)
	r.estimateLoadPercentage()
}

// RemoveLoadedServiceUnit drops a bundle that is about to be placed
// elsewhere, releasing its share of the allocated quota.
func (r *ResourceUnitRanking) RemoveLoadedServiceUnit(serviceUnit string, quota ResourceQuota) {
	if !r.LoadedBundles.Contains(serviceUnit) {
		return
	}
	r.LoadedBundles.Remove(serviceUnit)
	r.AllocatedQuota.Subtract(quota)
	r.estimateLoadPercentage()
}

// Compare orders rankings lexicographically by (load percentage,
// -max capacity).
func (r *ResourceUnitRanking) Compare(other *ResourceUnitRanking) int {
	if r.estimatedLoadPct < other.estimatedLoadPct {
		return -1
	}
	if r.estimatedLoadPct > other.estimatedLoadPct {
		return 1
	}
	if r.estimatedMaxCapacity > other.estimatedMaxCapacity {
		return -1
	}
	if r.estimatedMaxCapacity < other.estimatedMaxCapacity {
		return 1
	}
	return 0
}

func (r *ResourceUnitRanking) AllocatedLoadPercentageCPU() float64 {
	return r.allocatedLoadPctCPU
}

func (r *ResourceUnitRanking) AllocatedLoadPercentageMemory() float64 {
	return r.allocatedLoadPctMemory
}

func (r *ResourceUnitRanking) AllocatedLoadPercentageBandwidthIn() float64 {
	return r.allocatedLoadPctBandwidthIn
}

func (r *ResourceUnitRanking) AllocatedLoadPercentageBandwidthOut() float64 {
	return r.allocatedLoadPctBandwidthOut
}
