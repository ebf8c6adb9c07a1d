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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamnative/loadmanager/controller/model"
)

// reportsAt builds a cluster snapshot with the given total message
// rate and cpu usage spread over enough bundles to pass the activity
// thresholds.
func reportsAt(timestamp int64, msgRate float64, cpuUsage float64) map[string]*model.LoadReport {
	const bundles = 40
	stats := make(map[string]*model.NamespaceBundleStats, bundles)
	for i := 0; i < bundles; i++ {
		stats[fmt.Sprintf("p/c/ns/0x%08x_0x%08x", i, i+1)] = &model.NamespaceBundleStats{
			Topics:          500,
			MsgRateIn:       msgRate / (2 * bundles),
			MsgRateOut:      msgRate / (2 * bundles),
			MsgThroughputIn: 1000,
		}
	}
	return map[string]*model.LoadReport{
		"http://broker-1:8080": {
			BrokerName:  "broker-1:8080",
			Timestamp:   timestamp,
			SystemUsage: model.SystemResourceUsage{CPU: model.ResourceUsage{Usage: cpuUsage, Limit: 400}},
			BundleStats: stats,
		},
	}
}

func TestCPUFactorRampUpAndDecay(t *testing.T) {
	estimator := NewEstimator(model.DefaultResourceQuota())
	initial := estimator.CPUFactor()

	// 3000 msg/s at 150 CPU units: observed factor 0.05, above the
	// current value. Ten ten-minute ticks walk most of the 30 min
	// ramp-up window.
	now := int64(0)
	previous := initial
	for i := 0; i < 10; i++ {
		now += 10 * time.Minute.Milliseconds()
		estimator.Update(reportsAt(now, 3000, 150))
		factor := estimator.CPUFactor()
		assert.GreaterOrEqual(t, factor, previous)
		assert.GreaterOrEqual(t, factor, model.MinCPUFactor)
		assert.LessOrEqual(t, factor, model.MaxCPUFactor)
		previous = factor
	}
	assert.InDelta(t, 0.05, estimator.CPUFactor(), 0.001)

	// Load drops to a tenth: the factor decays along the much longer
	// ramp-down window, staying within bounds on every tick.
	for i := 0; i < 10; i++ {
		now += 10 * time.Minute.Milliseconds()
		estimator.Update(reportsAt(now, 1500, 15))
		factor := estimator.CPUFactor()
		assert.LessOrEqual(t, factor, previous)
		assert.GreaterOrEqual(t, factor, model.MinCPUFactor)
		previous = factor
	}
	assert.Greater(t, estimator.CPUFactor(), 0.01)
	assert.Less(t, estimator.CPUFactor(), 0.05)
}

func TestFirstTickDoesNotJump(t *testing.T) {
	estimator := NewEstimator(model.DefaultResourceQuota())
	initial := estimator.CPUFactor()

	// On the first tick no time has passed, so the sample has zero
	// weight.
	estimator.Update(reportsAt(time.Now().UnixMilli(), 3000, 300))
	assert.Equal(t, initial, estimator.CPUFactor())
}

func TestQuotaClamping(t *testing.T) {
	estimator := NewEstimator(model.DefaultResourceQuota())

	now := int64(0)
	for i := 0; i < 50; i++ {
		now += 30 * time.Minute.Milliseconds()
		estimator.Update(reportsAt(now, 1_000_000, 400))
	}

	for bundle, q := range estimator.Quotas() {
		assert.GreaterOrEqual(t, q.MsgRateIn, model.MinQuotaMsgRateIn, bundle)
		assert.LessOrEqual(t, q.MsgRateIn, model.MaxQuotaMsgRateIn, bundle)
		assert.GreaterOrEqual(t, q.MsgRateOut, model.MinQuotaMsgRateOut, bundle)
		assert.LessOrEqual(t, q.MsgRateOut, model.MaxQuotaMsgRateOut, bundle)
		assert.GreaterOrEqual(t, q.BandwidthIn, model.MinQuotaBandwidthIn, bundle)
		assert.LessOrEqual(t, q.BandwidthIn, model.MaxQuotaBandwidthIn, bundle)
		assert.GreaterOrEqual(t, q.Memory, model.MinQuotaMemory, bundle)
		assert.LessOrEqual(t, q.Memory, model.MaxQuotaMemory, bundle)
	}

	avg := estimator.AvgBundleQuota()
	assert.LessOrEqual(t, avg.MsgRateIn, model.MaxQuotaMsgRateIn)
	assert.GreaterOrEqual(t, avg.MsgRateIn, model.MinQuotaMsgRateIn)
}

func TestStaticQuotaFrozen(t *testing.T) {
	pinned := model.ResourceQuota{
		MsgRateIn:  100,
		MsgRateOut: 100,
		Memory:     50,
		Dynamic:    false,
	}
	estimator := NewEstimator(pinned)

	now := int64(0)
	for i := 0; i < 5; i++ {
		now += 30 * time.Minute.Milliseconds()
		estimator.Update(reportsAt(now, 100_000, 400))
	}

	assert.Equal(t, pinned, estimator.AvgBundleQuota())
}

func TestQuotaFallsBackToAverage(t *testing.T) {
	estimator := NewEstimator(model.DefaultResourceQuota())
	assert.Equal(t, estimator.AvgBundleQuota(), estimator.Quota("p/c/ns/0x0_0x8"))
}

func TestSmoothingWeightBounds(t *testing.T) {
	// A sample far in the future is fully adopted; negative elapsed
	// time keeps the old value.
	assert.Equal(t, 10.0, timeSmoothValue(5, 10, 0, 100, time.Hour.Milliseconds()*100))
	assert.Equal(t, 5.0, timeSmoothValue(5, 10, 0, 100, -100))
}
