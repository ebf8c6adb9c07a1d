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

package shedder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/loadmanager/controller/admin"
	"github.com/streamnative/loadmanager/controller/model"
)

type recordingAdmin struct {
	sync.Mutex
	unloaded []string
	split    []string
}

func (a *recordingAdmin) ForBroker(string) (admin.Client, error) {
	return a, nil
}

func (a *recordingAdmin) UnloadNamespaceBundle(_ context.Context, namespace string, bundleRange string) error {
	a.Lock()
	defer a.Unlock()
	a.unloaded = append(a.unloaded, namespace+"/"+bundleRange)
	return nil
}

func (a *recordingAdmin) SplitNamespaceBundle(_ context.Context, namespace string, bundleRange string) error {
	a.Lock()
	defer a.Unlock()
	a.split = append(a.split, namespace+"/"+bundleRange)
	return nil
}

func (a *recordingAdmin) Close() error {
	return nil
}

func (a *recordingAdmin) unloadedBundles() []string {
	a.Lock()
	defer a.Unlock()
	return append([]string{}, a.unloaded...)
}

func overloadedReport(broker string, bandwidthShares ...float64) *model.LoadReport {
	stats := make(map[string]*model.NamespaceBundleStats, len(bandwidthShares))
	for i, share := range bandwidthShares {
		stats[bundleID(i)] = &model.NamespaceBundleStats{
			Topics:           10,
			MsgThroughputOut: share,
		}
	}
	return &model.LoadReport{
		BrokerName: broker,
		WebAddr:    "http://" + broker,
		SystemUsage: model.SystemResourceUsage{
			CPU:          model.ResourceUsage{Usage: 100, Limit: 400},
			Memory:       model.ResourceUsage{Usage: 100, Limit: 8000},
			BandwidthIn:  model.ResourceUsage{Usage: 100, Limit: 1000},
			BandwidthOut: model.ResourceUsage{Usage: 950, Limit: 1000},
		},
		BundleStats: stats,
	}
}

func bundleID(i int) string {
	return []string{
		"prop/cluster/ns/0x00000000_0x40000000",
		"prop/cluster/ns/0x40000000_0x80000000",
		"prop/cluster/ns/0x80000000_0xc0000000",
	}[i]
}

func newTestShedder(t *testing.T, reports map[string]*model.LoadReport, adminProvider admin.ClientProvider) *Shedder {
	s, err := NewShedder(Options{
		ReportsSupplier:               func() map[string]*model.LoadReport { return reports },
		BrokerAvailableForRebalancing: func(string, float64) bool { return true },
		UnloadDisabled:                func(context.Context) bool { return false },
		OverloadThresholdSupplier:     func() float64 { return 85 },
		ComfortThresholdSupplier:      func() float64 { return 65 },
		AdminProvider:                 adminProvider,
		GracePeriod:                   30 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShedsHottestBundleOnce(t *testing.T) {
	adminClient := &recordingAdmin{}
	reports := map[string]*model.LoadReport{
		// b1 carries 80% of the bottleneck bandwidth, b2 and b3 10%
		// each.
		"http://broker-b:8080": overloadedReport("broker-b:8080", 760, 95, 95),
	}
	shedder := newTestShedder(t, reports, adminClient)

	shedder.DoLoadShedding(context.Background())
	require.Equal(t, []string{"prop/cluster/ns/0x00000000_0x40000000"}, adminClient.unloadedBundles())

	// Within the grace period the same bundle is not unloaded again.
	shedder.DoLoadShedding(context.Background())
	assert.Len(t, adminClient.unloadedBundles(), 1)
}

func TestSoleBundleIsNotShed(t *testing.T) {
	adminClient := &recordingAdmin{}
	reports := map[string]*model.LoadReport{
		"http://broker-b:8080": overloadedReport("broker-b:8080", 950),
	}
	shedder := newTestShedder(t, reports, adminClient)

	shedder.DoLoadShedding(context.Background())
	assert.Empty(t, adminClient.unloadedBundles())
}

func TestUnderloadedBrokerIsLeftAlone(t *testing.T) {
	adminClient := &recordingAdmin{}
	report := overloadedReport("broker-a:8080", 100, 100, 100)
	report.SystemUsage = model.SystemResourceUsage{
		CPU:          model.ResourceUsage{Usage: 100, Limit: 400},
		BandwidthOut: model.ResourceUsage{Usage: 300, Limit: 1000},
	}
	shedder := newTestShedder(t, map[string]*model.LoadReport{"http://broker-a:8080": report}, adminClient)

	shedder.DoLoadShedding(context.Background())
	assert.Empty(t, adminClient.unloadedBundles())
}

func TestNoShedWithoutRebalanceTarget(t *testing.T) {
	adminClient := &recordingAdmin{}
	reports := map[string]*model.LoadReport{
		"http://broker-b:8080": overloadedReport("broker-b:8080", 760, 95, 95),
	}

	s, err := NewShedder(Options{
		ReportsSupplier:               func() map[string]*model.LoadReport { return reports },
		BrokerAvailableForRebalancing: func(string, float64) bool { return false },
		UnloadDisabled:                func(context.Context) bool { return false },
		OverloadThresholdSupplier:     func() float64 { return 85 },
		ComfortThresholdSupplier:      func() float64 { return 65 },
		AdminProvider:                 adminClient,
		GracePeriod:                   30 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	s.DoLoadShedding(context.Background())
	assert.Empty(t, adminClient.unloadedBundles())
}

func TestDryRunKillSwitch(t *testing.T) {
	adminClient := &recordingAdmin{}
	reports := map[string]*model.LoadReport{
		"http://broker-b:8080": overloadedReport("broker-b:8080", 760, 95, 95),
	}

	s, err := NewShedder(Options{
		ReportsSupplier:               func() map[string]*model.LoadReport { return reports },
		BrokerAvailableForRebalancing: func(string, float64) bool { return true },
		UnloadDisabled:                func(context.Context) bool { return true },
		OverloadThresholdSupplier:     func() float64 { return 85 },
		ComfortThresholdSupplier:      func() float64 { return 65 },
		AdminProvider:                 adminClient,
		GracePeriod:                   30 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	s.DoLoadShedding(context.Background())
	assert.Empty(t, adminClient.unloadedBundles())
}
