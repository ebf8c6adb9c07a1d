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

package quota

import (
	"log/slog"
	"sync"
	"time"

	"github.com/streamnative/loadmanager/controller/model"
)

const (
	// Asymmetric smoothing windows: quotas ramp up quickly when load
	// rises and decay slowly, damping transient spikes.
	goUpTimeWindow   = 30 * time.Minute
	goDownTimeWindow = 1440 * time.Minute

	defaultCPUFactor    = 0.025
	defaultMemoryFactor = 25.0

	// Minimum cluster activity before the global factors are trusted.
	minTotalMsgRate = 1000.0
	minTotalGroups  = 30
	minTotalBundles = 30
)

// Estimator derives, from the stream of cluster load reports, the
// CPU-per-msg-rate factor, the memory-per-group factor, the average
// bundle quota and a smoothed per-bundle quota map.
type Estimator struct {
	sync.Mutex

	log *slog.Logger

	cpuFactor      float64
	memoryFactor   float64
	avgBundleQuota model.ResourceQuota
	bundleQuotas   map[string]model.ResourceQuota

	lastUpdateTimestamp int64
}

func NewEstimator(defaultQuota model.ResourceQuota) *Estimator {
	return &Estimator{
		cpuFactor:           defaultCPUFactor,
		memoryFactor:        defaultMemoryFactor,
		avgBundleQuota:      defaultQuota,
		bundleQuotas:        make(map[string]model.ResourceQuota),
		lastUpdateTimestamp: -1,
		log: slog.With(
			slog.String("component", "quota-estimator"),
		),
	}
}

// SeedDefaultQuota replaces the average bundle quota, typically with
// the default quota persisted in the coordination store.
func (e *Estimator) SeedDefaultQuota(defaultQuota model.ResourceQuota) {
	e.Lock()
	defer e.Unlock()
	e.avgBundleQuota = defaultQuota
}

// SeedFactors overrides the smoothing state, typically with the values
// persisted in the coordination store by a previous leader.
func (e *Estimator) SeedFactors(cpuFactor, memoryFactor float64) {
	e.Lock()
	defer e.Unlock()
	if cpuFactor > 0 {
		e.cpuFactor = cpuFactor
	}
	if memoryFactor > 0 {
		e.memoryFactor = memoryFactor
	}
}

func (e *Estimator) CPUFactor() float64 {
	e.Lock()
	defer e.Unlock()
	return e.cpuFactor
}

func (e *Estimator) MemoryFactor() float64 {
	e.Lock()
	defer e.Unlock()
	return e.memoryFactor
}

func (e *Estimator) Factors() model.QuotaFactors {
	e.Lock()
	defer e.Unlock()
	return model.QuotaFactors{CPUPerMsgRate: e.cpuFactor}
}

func (e *Estimator) AvgBundleQuota() model.ResourceQuota {
	e.Lock()
	defer e.Unlock()
	return e.avgBundleQuota
}

// Quota returns the smoothed quota of the bundle, falling back to the
// average bundle quota when the bundle has never reported.
func (e *Estimator) Quota(bundle string) model.ResourceQuota {
	e.Lock()
	defer e.Unlock()
	if q, ok := e.bundleQuotas[bundle]; ok {
		return q
	}
	return e.avgBundleQuota
}

// Quotas snapshots the per-bundle quota map.
func (e *Estimator) Quotas() map[string]model.ResourceQuota {
	e.Lock()
	defer e.Unlock()
	quotas := make(map[string]model.ResourceQuota, len(e.bundleQuotas))
	for bundle, q := range e.bundleQuotas {
		quotas[bundle] = q
	}
	return quotas
}

// Update runs one estimation tick over the current set of load reports.
func (e *Estimator) Update(reports map[string]*model.LoadReport) {
	e.Lock()
	defer e.Unlock()

	if len(reports) == 0 {
		return
	}

	var totalBundles, totalMemGroups int64
	var totalMsgRateIn, totalMsgRateOut float64
	var totalCPUUsage, totalMemoryUsage float64
	var totalBandwidthIn, totalBandwidthOut float64
	latestReportTimestamp := int64(-1)

	for _, report := range reports {
		if report.Timestamp > latestReportTimestamp {
			latestReportTimestamp = report.Timestamp
		}

		for _, stats := range report.BundleStats {
			totalBundles++
			totalMemGroups += stats.MemGroupCount()
			totalBandwidthIn += stats.MsgThroughputIn
			totalBandwidthOut += stats.MsgThroughputOut
		}

		totalMsgRateIn += report.MsgRateIn()
		totalMsgRateOut += report.MsgRateOut()
		totalCPUUsage += report.SystemUsage.CPU.Usage
		totalMemoryUsage += report.SystemUsage.Memory.Usage
	}

	totalMsgRate := totalMsgRateIn + totalMsgRateOut
	timePast := int64(0)
	if e.lastUpdateTimestamp >= 0 {
		timePast = latestReportTimestamp - e.lastUpdateTimestamp
	}
	e.lastUpdateTimestamp = latestReportTimestamp

	// Update the global factors only with a statistically meaningful
	// amount of traffic.
	if totalMsgRate > minTotalMsgRate && totalMemGroups > minTotalGroups {
		e.cpuFactor = timeSmoothValue(e.cpuFactor, totalCPUUsage/totalMsgRate,
			model.MinCPUFactor, model.MaxCPUFactor, timePast)
		e.memoryFactor = timeSmoothValue(e.memoryFactor, totalMemoryUsage/float64(totalMemGroups),
			model.MinMemoryFactor, model.MaxMemoryFactor, timePast)
	}

	if totalBundles > minTotalBundles && e.avgBundleQuota.Dynamic {
		e.avgBundleQuota = timeSmoothQuota(e.avgBundleQuota,
			totalMsgRateIn/float64(totalBundles),
			totalMsgRateOut/float64(totalBundles),
			totalBandwidthIn/float64(totalBundles),
			totalBandwidthOut/float64(totalBundles),
			totalMemoryUsage/float64(totalBundles),
			timePast)
	}

	newQuotas := make(map[string]model.ResourceQuota)
	for _, report := range reports {
		for bundle, stats := range report.BundleStats {
			memoryQuota := float64(stats.MemGroupCount()) * e.memoryFactor

			oldQuota, ok := e.bundleQuotas[bundle]
			if !ok {
				oldQuota = e.avgBundleQuota
			}
			newQuotas[bundle] = timeSmoothQuota(oldQuota,
				stats.MsgRateIn, stats.MsgRateOut,
				stats.MsgThroughputIn, stats.MsgThroughputOut,
				memoryQuota, timePast)
		}
	}
	e.bundleQuotas = newQuotas
}

// timeSmoothValue applies the exponentially-weighted update, clamping
// the sample to [minValue, maxValue] first. The window is 30 minutes on
// the way up and 1440 minutes on the way down.
func timeSmoothValue(oldValue, newSample, minValue, maxValue float64, timePast int64) float64 {
	if newSample < minValue {
		newSample = minValue
	}
	if maxValue > 0 && newSample > maxValue {
		newSample = maxValue
	}

	window := goDownTimeWindow.Milliseconds()
	if newSample >= oldValue {
		window = goUpTimeWindow.Milliseconds()
	}

	weight := float64(timePast) / float64(window)
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	return (1-weight)*oldValue + weight*newSample
}

func timeSmoothQuota(oldQuota model.ResourceQuota,
	msgRateIn, msgRateOut, bandwidthIn, bandwidthOut, memory float64,
	timePast int64) model.ResourceQuota {
	if !oldQuota.Dynamic {
		return oldQuota
	}
	return model.ResourceQuota{
		MsgRateIn: timeSmoothValue(oldQuota.MsgRateIn, msgRateIn,
			model.MinQuotaMsgRateIn, model.MaxQuotaMsgRateIn, timePast),
		MsgRateOut: timeSmoothValue(oldQuota.MsgRateOut, msgRateOut,
			model.MinQuotaMsgRateOut, model.MaxQuotaMsgRateOut, timePast),
		BandwidthIn: timeSmoothValue(oldQuota.BandwidthIn, bandwidthIn,
			model.MinQuotaBandwidthIn, model.MaxQuotaBandwidthIn, timePast),
		BandwidthOut: timeSmoothValue(oldQuota.BandwidthOut, bandwidthOut,
			model.MinQuotaBandwidthOut, model.MaxQuotaBandwidthOut, timePast),
		Memory: timeSmoothValue(oldQuota.Memory, memory,
			model.MinQuotaMemory, model.MaxQuotaMemory, timePast),
		Dynamic: true,
	}
}
