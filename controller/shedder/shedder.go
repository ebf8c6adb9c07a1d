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
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"

	"github.com/streamnative/loadmanager/controller/admin"
	"github.com/streamnative/loadmanager/controller/model"
)

type Options struct {
	// ReportsSupplier snapshots the latest load report per broker id.
	ReportsSupplier func() map[string]*model.LoadReport

	// BrokerAvailableForRebalancing reports whether at least one
	// candidate broker for the bundle's namespace is below the given
	// load level on every resource.
	BrokerAvailableForRebalancing func(bundle string, maxLoadLevel float64) bool

	// UnloadDisabled is the kill switch: when set the shedder runs
	// dry, logging the bundles it would have unloaded.
	UnloadDisabled func(ctx context.Context) bool

	OverloadThresholdSupplier func() float64
	ComfortThresholdSupplier  func() float64

	AdminProvider admin.ClientProvider

	// GracePeriod bounds how often one bundle may be unloaded.
	GracePeriod time.Duration
}

// Shedder relieves overloaded brokers by picking, per broker, one
// bundle whose removal eases the bottleneck resource and requesting its
// unload through the admin interface.
type Shedder struct {
	Options

	log *slog.Logger

	// recentlyUnloaded rate-limits re-unloading of a bundle within the
	// grace period.
	recentlyUnloaded *ristretto.Cache
}

func NewShedder(options Options) (*Shedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create unload grace cache")
	}
	return &Shedder{
		Options:          options,
		recentlyUnloaded: cache,
		log: slog.With(
			slog.String("component", "load-shedder"),
		),
	}, nil
}

// DoLoadShedding runs one shedding pass over the current load reports.
func (s *Shedder) DoLoadShedding(ctx context.Context) {
	overloadThreshold := s.OverloadThresholdSupplier()
	comfortThreshold := s.ComfortThresholdSupplier()
	s.log.Info(
		"Running load shedding task",
		slog.Float64("overload-threshold", overloadThreshold),
		slog.Float64("comfort-threshold", comfortThreshold),
	)

	// broker id -> bundle to unload
	bundlesToUnload := make(map[string]string)

	for broker, report := range s.ReportsSupplier() {
		if !report.SystemUsage.IsAboveLoadLevel(overloadThreshold) {
			continue
		}

		if report.NumBundles() == 1 {
			bundle := report.Bundles()[0]
			s.log.Warn(
				"Sole namespace bundle is overloading the broker, no load shedding possible",
				slog.String("bundle", bundle),
				slog.String("broker", broker),
			)
			continue
		}

		bottleneck := report.SystemUsage.BottleneckResourceType()
		for _, bundle := range report.SortedBundleStats(bottleneck) {
			if !s.BrokerAvailableForRebalancing(bundle, comfortThreshold) {
				s.log.Info(
					"No broker with enough capacity available for re-balancing",
					slog.String("broker", broker),
					slog.String("bundle", bundle),
				)
				continue
			}

			stats := report.BundleStats[bundle]
			s.log.Info(
				"Namespace bundle will be unloaded from overloaded broker",
				slog.String("bundle", bundle),
				slog.String("broker", broker),
				slog.String("bottleneck", bottleneck.String()),
				slog.Int64("topics", stats.Topics),
				slog.Int64("producers", stats.ProducerCount),
				slog.Int64("consumers", stats.ConsumerCount),
				slog.Float64("throughput-in", stats.MsgThroughputIn),
				slog.Float64("throughput-out", stats.MsgThroughputOut),
			)
			bundlesToUnload[broker] = bundle
			break
		}
	}

	s.unloadFromOverloadedBrokers(ctx, bundlesToUnload)
}

func (s *Shedder) unloadFromOverloadedBrokers(ctx context.Context, bundlesToUnload map[string]string) {
	reports := s.ReportsSupplier()

	for broker, bundle := range bundlesToUnload {
		if _, unloaded := s.recentlyUnloaded.Get(bundle); unloaded {
			s.log.Info(
				"Skipping bundle unloaded within the grace period",
				slog.String("bundle", bundle),
			)
			continue
		}

		if s.UnloadDisabled(ctx) {
			s.log.Info(
				"DRY RUN: unload in load shedding is disabled, bundle would have been unloaded",
				slog.String("bundle", bundle),
				slog.String("broker", broker),
			)
			s.recentlyUnloaded.SetWithTTL(bundle, true, 1, s.GracePeriod)
			s.recentlyUnloaded.Wait()
			continue
		}

		report, ok := reports[broker]
		if !ok {
			continue
		}
		if err := s.unload(ctx, report.WebAddr, bundle); err != nil {
			// The bundle stays where it is; the grace map is left
			// untouched so the next cycle retries.
			s.log.Warn(
				"Failed to unload bundle from overloaded broker",
				slog.String("bundle", bundle),
				slog.String("broker", broker),
				slog.Any("error", err),
			)
			continue
		}

		s.log.Info(
			"Successfully unloaded bundle from broker",
			slog.String("bundle", bundle),
			slog.String("broker", broker),
		)
		s.recentlyUnloaded.SetWithTTL(bundle, true, 1, s.GracePeriod)
		s.recentlyUnloaded.Wait()
	}
}

func (s *Shedder) unload(ctx context.Context, webAddr string, bundle string) error {
	serviceUnit, err := model.ParseServiceUnitID(bundle)
	if err != nil {
		return err
	}

	client, err := s.AdminProvider.ForBroker(webAddr)
	if err != nil {
		return err
	}
	return client.UnloadNamespaceBundle(ctx, serviceUnit.Namespace(), serviceUnit.Range())
}

func (s *Shedder) Close() error {
	s.recentlyUnloaded.Close()
	return nil
}
