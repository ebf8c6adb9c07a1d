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

// ResourceType identifies one of the five tracked system resources.
type ResourceType int

const (
	ResourceCPU ResourceType = iota
	ResourceMemory
	ResourceDirectMemory
	ResourceBandwidthIn
	ResourceBandwidthOut
)

func (t ResourceType) String() string {
	switch t {
	case ResourceCPU:
		return "cpu"
	case ResourceMemory:
		return "memory"
	case ResourceDirectMemory:
		return "directMemory"
	case ResourceBandwidthIn:
		return "bandwidthIn"
	case ResourceBandwidthOut:
		return "bandwidthOut"
	}
	return "unknown"
}

// ResourceTypes lists all tracked resources in a stable order.
var ResourceTypes = []ResourceType{
	ResourceCPU,
	ResourceMemory,
	ResourceDirectMemory,
	ResourceBandwidthIn,
	ResourceBandwidthOut,
}

// ResourceUsage carries usage and limit in a consistent unit: MB for
// memory, Mbit/s for bandwidth, fractional 0-100 for CPU. A zero limit
// means the limit is unknown and the resource is ignored in percentage
// comparisons.
type ResourceUsage struct {
	Usage float64 `json:"usage"`
	Limit float64 `json:"limit"`
}

func (r ResourceUsage) PercentUsage() float64 {
	if r.Limit <= 0 {
		return 0
	}
	return 100 * r.Usage / r.Limit
}

// SystemResourceUsage maps the five resource kinds to their usage.
type SystemResourceUsage struct {
	CPU          ResourceUsage `json:"cpu"`
	Memory       ResourceUsage `json:"memory"`
	DirectMemory ResourceUsage `json:"directMemory"`
	BandwidthIn  ResourceUsage `json:"bandwidthIn"`
	BandwidthOut ResourceUsage `json:"bandwidthOut"`
}

func (s SystemResourceUsage) Get(resourceType ResourceType) ResourceUsage {
	switch resourceType {
	case ResourceCPU:
		return s.CPU
	case ResourceMemory:
		return s.Memory
	case ResourceDirectMemory:
		return s.DirectMemory
	case ResourceBandwidthIn:
		return s.BandwidthIn
	case ResourceBandwidthOut:
		return s.BandwidthOut
	}
	return ResourceUsage{}
}

// IsAboveLoadLevel reports whether any of cpu, memory and bandwidth
// exceeds the threshold. Direct memory is deliberately excluded from
// overload detection.
func (s SystemResourceUsage) IsAboveLoadLevel(thresholdPercentage float64) bool {
	return s.BandwidthOut.PercentUsage() > thresholdPercentage ||
		s.BandwidthIn.PercentUsage() > thresholdPercentage ||
		s.CPU.PercentUsage() > thresholdPercentage ||
		s.Memory.PercentUsage() > thresholdPercentage
}

func (s SystemResourceUsage) IsBelowLoadLevel(thresholdPercentage float64) bool {
	return s.BandwidthOut.PercentUsage() < thresholdPercentage &&
		s.BandwidthIn.PercentUsage() < thresholdPercentage &&
		s.CPU.PercentUsage() < thresholdPercentage &&
		s.Memory.PercentUsage() < thresholdPercentage
}

// BottleneckResourceType returns the resource with the highest percent
// usage.
func (s SystemResourceUsage) BottleneckResourceType() ResourceType {
	bottleneck := ResourceCPU
	maxPct := -1.0
	for _, resourceType := range ResourceTypes {
		if pct := s.Get(resourceType).PercentUsage(); pct > maxPct {
			maxPct = pct
			bottleneck = resourceType
		}
	}
	return bottleneck
}
