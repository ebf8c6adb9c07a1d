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
	"log/slog"
	"math/rand"
	"net/url"
	"sync"

	"github.com/pkg/errors"

	"github.com/streamnative/loadmanager/controller/model"
	"github.com/streamnative/loadmanager/controller/policy"
)

var ErrNoBrokerAvailable = errors.New("placement: no broker available")

const rotationCursorPeriod = 1_000_000

type Options struct {
	Policies policy.IsolationPolicies

	// SortedRankingsSupplier returns the latest published rank
	// snapshot.
	SortedRankingsSupplier func() *RankedBrokers

	// RankingsSupplier returns the live per-broker rankings. Reads
	// and writes go under RankingsMutex.
	RankingsSupplier func() map[string]*model.ResourceUnitRanking
	RankingsMutex    *sync.Mutex

	// ActiveBrokersSupplier lists the brokers with a live presence
	// node, as host:port names.
	ActiveBrokersSupplier func(ctx context.Context) ([]string, error)

	QuotaSupplier        func(bundle string) model.ResourceQuota
	DefaultQuotaSupplier func() model.ResourceQuota

	StrategySupplier           func() Strategy
	UnderloadThresholdSupplier func() float64
	OverloadThresholdSupplier  func() float64
}

// Engine chooses the owner broker for a service unit. Candidates come
// from the published rank snapshot, filtered by the namespace isolation
// policy and by broker liveness, then handed to the configured
// strategy.
type Engine struct {
	Options

	log *slog.Logger

	// rotationCursor provides fair tie-breaking between brokers. It
	// is guarded by RankingsMutex together with the rankings.
	rotationCursor int64

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewEngine(options Options) *Engine {
	return &Engine{
		Options: options,
		rnd:     rand.New(rand.NewSource(rand.Int63())),
		log: slog.With(
			slog.String("component", "placement-engine"),
		),
	}
}

// Assign selects a broker for the service unit, records the
// pre-allocation on the chosen broker, and returns the broker id.
// ErrNoBrokerAvailable is retriable: transient outages may leave the
// candidate set empty.
func (e *Engine) Assign(ctx context.Context, serviceUnit model.ServiceUnitID) (string, error) {
	available := e.SortedRankingsSupplier()
	if available == nil || available.IsEmpty() {
		var err error
		if available, err = e.availableBrokersFallback(ctx); err != nil {
			return "", err
		}
	}

	candidates := e.FinalCandidates(serviceUnit.Namespace(), available)
	e.removeInactiveBrokers(ctx, candidates)

	if candidates.IsEmpty() {
		e.log.Warn(
			"No broker available to acquire service unit",
			slog.String("service-unit", serviceUnit.String()),
		)
		return "", ErrNoBrokerAvailable
	}

	var selected string
	if e.StrategySupplier().Name() == StrategyLeastLoadedServer {
		selected = e.findBrokerForPlacement(candidates, serviceUnit)
	} else {
		e.rndMu.Lock()
		selected = pickWeightedRandom(candidates, e.rnd)
		e.rndMu.Unlock()
		e.recordPreAllocation(selected, serviceUnit)
	}

	if selected == "" {
		return "", ErrNoBrokerAvailable
	}
	return selected, nil
}

// availableBrokersFallback builds a candidate set from the presence
// nodes alone, shuffled at rank zero, for the time window before any
// ranking pass has completed.
func (e *Engine) availableBrokersFallback(ctx context.Context) (*RankedBrokers, error) {
	brokers, err := e.ActiveBrokersSupplier(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active brokers")
	}

	e.rndMu.Lock()
	e.rnd.Shuffle(len(brokers), func(i, j int) {
		brokers[i], brokers[j] = brokers[j], brokers[i]
	})
	e.rndMu.Unlock()

	available := NewRankedBrokers()
	for _, broker := range brokers {
		available.Put(0, "http://"+broker)
	}
	e.log.Info(
		"No rankings available, choosing from active broker list",
		slog.Any("brokers", brokers),
	)
	return available, nil
}

// FinalCandidates applies the namespace isolation policy: primaries
// first, spilling over to shared brokers when the policy's failover
// predicate fires; all shared brokers when no policy matches.
func (e *Engine) FinalCandidates(namespace string, available *RankedBrokers) *RankedBrokers {
	matchedPrimaries := NewRankedBrokers()
	matchedShared := NewRankedBrokers()

	policiesPresent := e.Policies.IsolationPoliciesPresent(namespace)

	available.ForEach(func(rank int64, broker string) bool {
		brokerURL, err := url.Parse(broker)
		if err != nil {
			e.log.Error(
				"Unable to parse broker url",
				slog.String("broker", broker),
				slog.Any("error", err),
			)
			return true
		}
		host := brokerURL.Hostname()

		if policiesPresent {
			switch {
			case e.Policies.IsPrimaryBroker(namespace, host):
				matchedPrimaries.Put(rank, broker)
			case e.Policies.IsSharedBroker(host):
				matchedShared.Put(rank, broker)
			}
		} else if e.Policies.IsSharedBroker(host) {
			matchedShared.Put(rank, broker)
		}
		return true
	})

	if !policiesPresent {
		return matchedShared
	}

	finalCandidates := NewRankedBrokers()
	matchedPrimaries.ForEach(func(rank int64, broker string) bool {
		finalCandidates.Put(rank, broker)
		return true
	})
	if e.Policies.ShouldFailoverToSecondaries(namespace, matchedPrimaries.Size()) {
		e.log.Debug(
			"Not enough primary brokers, adding shared brokers as candidates",
			slog.String("namespace", namespace),
			slog.Int("primaries", matchedPrimaries.Size()),
			slog.Int("shared", matchedShared.Size()),
		)
		matchedShared.ForEach(func(rank int64, broker string) bool {
			finalCandidates.Put(rank, broker)
			return true
		})
	}
	return finalCandidates
}

// removeInactiveBrokers drops candidates whose presence node has
// disappeared since the last ranking pass.
func (e *Engine) removeInactiveBrokers(ctx context.Context, candidates *RankedBrokers) {
	activeBrokers, err := e.ActiveBrokersSupplier(ctx)
	if err != nil {
		e.log.Warn(
			"Error listing active brokers while filtering candidates",
			slog.Any("error", err),
		)
		return
	}

	active := make(map[string]bool, len(activeBrokers))
	for _, broker := range activeBrokers {
		active["http://"+broker] = true
	}

	filtered := NewRankedBrokers()
	candidates.ForEach(func(rank int64, broker string) bool {
		if active[broker] {
			filtered.Put(rank, broker)
		}
		return true
	})
	*candidates = *filtered
}

// findBrokerForPlacement implements the deterministic least-loaded
// selection, tracking four picks over a single scan:
//
//  1. the least loaded broker that is not idle, to fill warm brokers
//     up to the optimum level before waking idle ones;
//  2. the first idle broker, used once every warm broker is past the
//     underload threshold;
//  3. the broker with the largest absolute headroom, used when every
//     broker is past the overload threshold;
//  4. the broker at the rotation cursor, used when every broker is
//     saturated.
func (e *Engine) findBrokerForPlacement(candidates *RankedBrokers, serviceUnit model.ServiceUnitID) string {
	underloadThreshold := e.UnderloadThresholdSupplier()
	overloadThreshold := e.OverloadThresholdSupplier()
	serviceUnitID := serviceUnit.String()

	minLoadPercentage := 101.0
	maxAvailability := int64(-1)

	var idleRU, maxAvailableRU, randomRU, selectedRU, unrankedRU string
	var selectedRanking *model.ResourceUnitRanking

	e.RankingsMutex.Lock()
	defer e.RankingsMutex.Unlock()

	rankings := e.RankingsSupplier()

	randomBrokerIndex := int64(0)
	if candidates.Size() > 0 {
		randomBrokerIndex = e.rotationCursor % int64(candidates.Size())
	}

	sticky := ""
	candidates.ForEach(func(_ int64, candidate string) bool {
		randomBrokerIndex--

		ranking, ok := rankings[candidate]
		if !ok {
			// Not ranked yet; only usable as a last resort.
			if unrankedRU == "" {
				unrankedRU = candidate
			}
			return true
		}

		// A bundle already pre-allocated stays where it is.
		if ranking.IsServiceUnitPreAllocated(serviceUnitID) {
			sticky = candidate
			return false
		}

		// About to be re-placed: release its current allocation.
		if ranking.IsServiceUnitLoaded(serviceUnitID) {
			ranking.RemoveLoadedServiceUnit(serviceUnitID, e.QuotaSupplier(serviceUnitID))
		}

		if randomBrokerIndex < 0 && randomRU == "" {
			randomRU = candidate
		}

		loadPercentage := ranking.EstimatedLoadPercentage()
		availablePercentage := (100 - loadPercentage) / 100
		if availablePercentage < 0 {
			availablePercentage = 0
		}
		availability := int64(float64(ranking.EstimatedMaxCapacity()) * availablePercentage)
		if availability > maxAvailability {
			maxAvailability = availability
			maxAvailableRU = candidate
		}

		if ranking.IsIdle() {
			if idleRU == "" {
				idleRU = candidate
			}
		} else if selectedRU == "" || ranking.Compare(selectedRanking) < 0 {
			selectedRU = candidate
			selectedRanking = ranking
			minLoadPercentage = loadPercentage
		}
		return true
	})

	if sticky != "" {
		return sticky
	}

	switch {
	case (minLoadPercentage > underloadThreshold && idleRU != "") || selectedRU == "":
		// The least loaded warm broker already carries optimum load,
		// or every broker is idle.
		selectedRU = idleRU
	case minLoadPercentage >= 100.0 && randomRU != "":
		// Everyone is full: distribute at the rotation cursor.
		selectedRU = randomRU
	case minLoadPercentage > overloadThreshold:
		selectedRU = maxAvailableRU
	}

	if selectedRU == "" {
		selectedRU = unrankedRU
	}

	if selectedRU != "" {
		e.rotationCursor = (e.rotationCursor + 1) % rotationCursorPeriod
		if ranking, ok := rankings[selectedRU]; ok {
			e.log.Info(
				"Assigning service unit",
				slog.String("service-unit", serviceUnitID),
				slog.String("broker", selectedRU),
				slog.String("load", ranking.EstimatedLoadPercentageString()),
			)
			if !ranking.IsServiceUnitPreAllocated(serviceUnitID) {
				ranking.AddPreAllocatedServiceUnit(serviceUnitID, e.QuotaSupplier(serviceUnitID))
			}
		}
	}
	return selectedRU
}

// recordPreAllocation books the bundle on the broker chosen by the
// weighted random strategy so that placements within the same ranking
// interval see the pending load.
func (e *Engine) recordPreAllocation(broker string, serviceUnit model.ServiceUnitID) {
	if broker == "" {
		return
	}

	e.RankingsMutex.Lock()
	defer e.RankingsMutex.Unlock()

	e.rotationCursor = (e.rotationCursor + 1) % rotationCursorPeriod
	if ranking, ok := e.RankingsSupplier()[broker]; ok {
		serviceUnitID := serviceUnit.String()
		if !ranking.IsServiceUnitPreAllocated(serviceUnitID) {
			ranking.AddPreAllocatedServiceUnit(serviceUnitID, e.QuotaSupplier(serviceUnitID))
		}
	}
}
