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

package placement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamnative/loadmanager/controller/model"
	"github.com/streamnative/loadmanager/controller/policy"
)

type engineFixture struct {
	mu       sync.Mutex
	rankings map[string]*model.ResourceUnitRanking
	sorted   *RankedBrokers

	strategy           Strategy
	underloadThreshold float64
	overloadThreshold  float64
	policies           policy.IsolationPolicies
}

func newFixture(strategy Strategy) *engineFixture {
	return &engineFixture{
		rankings:           make(map[string]*model.ResourceUnitRanking),
		sorted:             NewRankedBrokers(),
		strategy:           strategy,
		underloadThreshold: 50,
		overloadThreshold:  85,
		policies:           policy.NoIsolationPolicies(),
	}
}

func usageAt(loadPct float64) model.SystemResourceUsage {
	return model.SystemResourceUsage{
		CPU:          model.ResourceUsage{Usage: loadPct * 4, Limit: 400},
		Memory:       model.ResourceUsage{Usage: loadPct * 80, Limit: 8000},
		DirectMemory: model.ResourceUsage{Limit: 8000},
		BandwidthIn:  model.ResourceUsage{Usage: loadPct * 10, Limit: 1000},
		BandwidthOut: model.ResourceUsage{Usage: loadPct * 10, Limit: 1000},
	}
}

// addBroker registers a broker at the given load with the given number
// of loaded bundles.
func (f *engineFixture) addBroker(name string, loadPct float64, bundleCount int) {
	loaded := linkedhashset.New()
	for i := 0; i < bundleCount; i++ {
		loaded.Add(fmt.Sprintf("p/c/ns-%s/0x%08x_0x%08x", name, i, i+1))
	}
	ranking := model.NewResourceUnitRanking(usageAt(loadPct),
		loaded, model.ResourceQuota{},
		linkedhashset.New(), model.ResourceQuota{},
		model.QuotaFactors{CPUPerMsgRate: 0.025}, model.DefaultResourceQuota())

	broker := "http://" + name
	f.rankings[broker] = ranking
	f.sorted.Put(f.strategy.Rank(ranking), broker)
}

func (f *engineFixture) engine() *Engine {
	return NewEngine(Options{
		Policies:               f.policies,
		SortedRankingsSupplier: func() *RankedBrokers { return f.sorted },
		RankingsSupplier:       func() map[string]*model.ResourceUnitRanking { return f.rankings },
		RankingsMutex:          &f.mu,
		ActiveBrokersSupplier: func(context.Context) ([]string, error) {
			brokers := make([]string, 0, len(f.rankings))
			for broker := range f.rankings {
				brokers = append(brokers, strings.TrimPrefix(broker, "http://"))
			}
			return brokers, nil
		},
		QuotaSupplier:        func(string) model.ResourceQuota { return model.DefaultResourceQuota() },
		DefaultQuotaSupplier: model.DefaultResourceQuota,
		StrategySupplier:     func() Strategy { return f.strategy },
		UnderloadThresholdSupplier: func() float64 { return f.underloadThreshold },
		OverloadThresholdSupplier:  func() float64 { return f.overloadThreshold },
	})
}

func serviceUnit(t *testing.T, id string) model.ServiceUnitID {
	su, err := model.ParseServiceUnitID(id)
	require.NoError(t, err)
	return su
}

func TestAssignFreshClusterWeightedRandom(t *testing.T) {
	f := newFixture(StrategyFor(StrategyWeightedRandomSelection))
	f.addBroker("broker-a:8080", 0, 0)
	f.addBroker("broker-b:8080", 0, 0)
	f.addBroker("broker-c:8080", 0, 0)

	x := serviceUnit(t, "prop/cluster/ns/0x00000000_0x40000000")
	selected, err := f.engine().Assign(context.Background(), x)
	require.NoError(t, err)
	assert.Contains(t, f.rankings, selected)

	for broker, ranking := range f.rankings {
		if broker == selected {
			assert.True(t, ranking.IsServiceUnitPreAllocated(x.String()))
		} else {
			assert.False(t, ranking.IsServiceUnitPreAllocated(x.String()))
		}
	}
}

func TestAssignLeastLoadedPrefersWarmUnderloadedBroker(t *testing.T) {
	f := newFixture(StrategyFor(StrategyLeastLoadedServer))
	f.addBroker("broker-a:8080", 20, 1)
	f.addBroker("broker-b:8080", 80, 5)

	selected, err := f.engine().Assign(context.Background(),
		serviceUnit(t, "prop/cluster/ns/0x00000000_0x40000000"))
	require.NoError(t, err)
	assert.Equal(t, "http://broker-a:8080", selected)
}

func TestAssignLeastLoadedIdleVsWarm(t *testing.T) {
	// broker-a idle, broker-b warm at 30%: below the underload
	// threshold the warm broker keeps filling up.
	f := newFixture(StrategyFor(StrategyLeastLoadedServer))
	f.addBroker("broker-a:8080", 0, 0)
	f.addBroker("broker-b:8080", 30, 2)

	selected, err := f.engine().Assign(context.Background(),
		serviceUnit(t, "prop/cluster/ns/0x00000000_0x40000000"))
	require.NoError(t, err)
	assert.Equal(t, "http://broker-b:8080", selected)

	// With the optimum level at 20% the warm broker is already full
	// enough and the idle broker gets woken up.
	f = newFixture(StrategyFor(StrategyLeastLoadedServer))
	f.underloadThreshold = 20
	f.addBroker("broker-a:8080", 0, 0)
	f.addBroker("broker-b:8080", 30, 2)

	selected, err = f.engine().Assign(context.Background(),
		serviceUnit(t, "prop/cluster/ns/0x00000000_0x40000000"))
	require.NoError(t, err)
	assert.Equal(t, "http://broker-a:8080", selected)
}

func TestAssignAllBrokersSaturatedRotates(t *testing.T) {
	f := newFixture(StrategyFor(StrategyLeastLoadedServer))
	for i := 0; i < 4; i++ {
		f.addBroker(fmt.Sprintf("broker-%d:8080", i), 105, 3)
	}
	engine := f.engine()

	expected := f.sorted.Brokers()
	for i := 0; i < 4; i++ {
		selected, err := engine.Assign(context.Background(),
			serviceUnit(t, fmt.Sprintf("prop/cluster/ns/0x%08x_0x%08x", i, i+1)))
		require.NoError(t, err)
		assert.Equal(t, expected[i%len(expected)], selected, "rotation position %d", i)
	}
}

func TestAssignSticky(t *testing.T) {
	f := newFixture(StrategyFor(StrategyLeastLoadedServer))
	f.addBroker("broker-a:8080", 20, 1)
	f.addBroker("broker-b:8080", 40, 2)
	engine := f.engine()

	x := serviceUnit(t, "prop/cluster/ns/0x00000000_0x40000000")
	first, err := engine.Assign(context.Background(), x)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := engine.Assign(context.Background(), x)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAssignHonorsIsolationPolicy(t *testing.T) {
	policies, err := policy.NewStaticPolicies([]policy.IsolationPolicyConfig{{
		Namespaces:            []string{"^prop/cluster/isolated$"},
		Primary:               []string{"^broker-a$"},
		MinAvailablePrimaries: 1,
	}})
	require.NoError(t, err)

	f := newFixture(StrategyFor(StrategyLeastLoadedServer))
	f.policies = policies
	f.addBroker("broker-a:8080", 50, 2)
	f.addBroker("broker-b:8080", 10, 1)

	// The isolated namespace only considers its primary broker, even
	// though the shared broker is less loaded.
	selected, err := f.engine().Assign(context.Background(),
		serviceUnit(t, "prop/cluster/isolated/0x00000000_0x40000000"))
	require.NoError(t, err)
	assert.Equal(t, "http://broker-a:8080", selected)

	// Any other namespace is kept off the reserved primary broker.
	selected, err = f.engine().Assign(context.Background(),
		serviceUnit(t, "prop/cluster/other/0x00000000_0x40000000"))
	require.NoError(t, err)
	assert.Equal(t, "http://broker-b:8080", selected)
}

func TestAssignNoCandidates(t *testing.T) {
	f := newFixture(StrategyFor(StrategyLeastLoadedServer))
	_, err := f.engine().Assign(context.Background(),
		serviceUnit(t, "prop/cluster/ns/0x00000000_0x40000000"))
	assert.ErrorIs(t, err, ErrNoBrokerAvailable)
}

func TestRankedBrokersOrdering(t *testing.T) {
	ranked := NewRankedBrokers()
	ranked.Put(30, "http://c")
	ranked.Put(10, "http://a")
	ranked.Put(10, "http://b")

	assert.Equal(t, 3, ranked.Size())
	assert.Equal(t, []string{"http://a", "http://b", "http://c"}, ranked.Brokers())

	// Duplicate insertion is a no-op.
	ranked.Put(10, "http://a")
	assert.Equal(t, 3, ranked.Size())
}
