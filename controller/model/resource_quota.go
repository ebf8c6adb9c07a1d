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

// Bounds the smoothed per-bundle quota fields. Samples are clamped to
// the [min, max] range before smoothing; a delta below the min is also
// the write-suppression threshold when persisting quotas.
const (
	MinQuotaMsgRateIn    = 5.0
	MaxQuotaMsgRateIn    = 5000.0
	MinQuotaMsgRateOut   = 5.0
	MaxQuotaMsgRateOut   = 5000.0
	MinQuotaBandwidthIn  = 10_000.0
	MaxQuotaBandwidthIn  = 1_000_000.0
	MinQuotaBandwidthOut = 10_000.0
	MaxQuotaBandwidthOut = 1_000_000.0
	MinQuotaMemory       = 2.0
	MaxQuotaMemory       = 200.0

	MinCPUFactor    = 0.01
	MaxCPUFactor    = 0.10
	MinMemoryFactor = 10.0
	MaxMemoryFactor = 50.0
)

// ResourceQuota is the expected resource consumption of one namespace
// bundle. Dynamic quotas follow telemetry through smoothing; static
// quotas are administrator-pinned and exempt.
type ResourceQuota struct {
	MsgRateIn    float64 `json:"msgRateIn"`
	MsgRateOut   float64 `json:"msgRateOut"`
	BandwidthIn  float64 `json:"bandwidthIn"`
	BandwidthOut float64 `json:"bandwidthOut"`
	Memory       float64 `json:"memory"`
	Dynamic      bool    `json:"dynamic"`
}

// DefaultResourceQuota returns the quota assumed for a bundle that has
// never reported statistics.
func DefaultResourceQuota() ResourceQuota {
	return ResourceQuota{
		MsgRateIn:    40,
		MsgRateOut:   120,
		BandwidthIn:  100_000,
		BandwidthOut: 300_000,
		Memory:       80,
		Dynamic:      true,
	}
}

// Add accumulates the other quota field-wise.
func (q *ResourceQuota) Add(other ResourceQuota) {
	q.MsgRateIn += other.MsgRateIn
	q.MsgRateOut += other.MsgRateOut
	q.BandwidthIn += other.BandwidthIn
	q.BandwidthOut += other.BandwidthOut
	q.Memory += other.Memory
}

// Subtract removes the other quota field-wise, clipping at zero.
func (q *ResourceQuota) Subtract(other ResourceQuota) {
	q.MsgRateIn = max(0, q.MsgRateIn-other.MsgRateIn)
	q.MsgRateOut = max(0, q.MsgRateOut-other.MsgRateOut)
	q.BandwidthIn = max(0, q.BandwidthIn-other.BandwidthIn)
	q.BandwidthOut = max(0, q.BandwidthOut-other.BandwidthOut)
	q.Memory = max(0, q.Memory-other.Memory)
}
