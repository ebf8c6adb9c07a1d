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

import "sort"

// LoadReport is a broker's periodic self-report, written to the
// coordination store under its presence node. Timestamps are epoch
// milliseconds and are monotonic per broker.
type LoadReport struct {
	BrokerName    string `json:"brokerName"`
	WebAddr       string `json:"webAddr"`
	WebAddrTLS    string `json:"webAddrTls"`
	BrokerAddr    string `json:"brokerAddr"`
	BrokerAddrTLS string `json:"brokerAddrTls"`

	Timestamp   int64                            `json:"timestamp"`
	SystemUsage SystemResourceUsage              `json:"systemUsage"`
	BundleStats map[string]*NamespaceBundleStats `json:"bundleStats"`
	Overloaded  bool                             `json:"overloaded"`
	Underloaded bool                             `json:"underloaded"`
}

// Bundles returns the ids of the bundles this broker currently owns.
func (r *LoadReport) Bundles() []string {
	bundles := make([]string, 0, len(r.BundleStats))
	for bundle := range r.BundleStats {
		bundles = append(bundles, bundle)
	}
	return bundles
}

func (r *LoadReport) NumBundles() int {
	return len(r.BundleStats)
}

func (r *LoadReport) MsgRateIn() float64 {
	total := 0.0
	for _, stats := range r.BundleStats {
		total += stats.MsgRateIn
	}
	return total
}

func (r *LoadReport) MsgRateOut() float64 {
	total := 0.0
	for _, stats := range r.BundleStats {
		total += stats.MsgRateOut
	}
	return total
}

// SortedBundleStats returns the bundle ids ordered by decreasing
// contribution to the given resource.
func (r *LoadReport) SortedBundleStats(resourceType ResourceType) []string {
	bundles := r.Bundles()
	sort.Slice(bundles, func(i, j int) bool {
		bi := r.BundleStats[bundles[i]].ResourceUsageOf(resourceType)
		bj := r.BundleStats[bundles[j]].ResourceUsageOf(resourceType)
		if bi != bj {
			return bi > bj
		}
		return bundles[i] < bundles[j]
	})
	return bundles
}
