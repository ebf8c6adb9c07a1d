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

package splitter

import (
	"context"
	"log/slog"

	"github.com/streamnative/loadmanager/controller/admin"
	"github.com/streamnative/loadmanager/controller/model"
)

// Limits bound the size of one bundle; exceeding any of them marks the
// bundle for splitting. Bandwidth is bytes/s.
type Limits struct {
	MaxTopics    int64
	MaxSessions  int64
	MaxMsgRate   float64
	MaxBandwidth float64

	// MaxBundleCount caps how many bundles one namespace may be split
	// into.
	MaxBundleCount int
}

type Options struct {
	Limits Limits

	// LastReportSupplier returns the local broker's latest report;
	// only locally owned bundles are considered for splitting.
	LastReportSupplier func() *model.LoadReport

	// NamespaceBundleCount returns how many bundles the namespace
	// currently has.
	NamespaceBundleCount func(namespace string) int

	AutoSplitEnabled func(ctx context.Context) bool

	// SelfAdminClient talks to the local broker.
	SelfAdminClient admin.Client

	// ForceReportUpdate flags the next load report for immediate
	// write-back after a pass that requested splits, whether or not
	// the requests succeeded.
	ForceReportUpdate func()
}

// Splitter detects hot bundles exceeding the configured limits and
// requests their split.
type Splitter struct {
	Options

	log *slog.Logger
}

func NewSplitter(options Options) *Splitter {
	return &Splitter{
		Options: options,
		log: slog.With(
			slog.String("component", "bundle-splitter"),
		),
	}
}

// DoBundleSplit runs one split-detection pass over the local report.
func (s *Splitter) DoBundleSplit(ctx context.Context) {
	limits := s.Limits
	s.log.Info(
		"Running namespace bundle split",
		slog.Int64("max-topics", limits.MaxTopics),
		slog.Int64("max-sessions", limits.MaxSessions),
		slog.Float64("max-msg-rate", limits.MaxMsgRate),
		slog.Float64("max-bandwidth", limits.MaxBandwidth),
		slog.Int("max-bundle-count", limits.MaxBundleCount),
	)

	report := s.LastReportSupplier()
	if report == nil || len(report.BundleStats) == 0 {
		return
	}

	autoSplit := s.AutoSplitEnabled(ctx)
	bundlesToSplit := make([]string, 0)

	for bundle, stats := range report.BundleStats {
		totalSessions := stats.ProducerCount + stats.ConsumerCount
		totalMsgRate := stats.MsgRateIn + stats.MsgRateOut
		totalBandwidth := stats.MsgThroughputIn + stats.MsgThroughputOut

		if stats.Topics <= limits.MaxTopics && totalSessions <= limits.MaxSessions &&
			totalMsgRate <= limits.MaxMsgRate && totalBandwidth <= limits.MaxBandwidth {
			continue
		}

		if stats.Topics <= 1 {
			s.log.Info(
				"Unable to split hot namespace bundle with a single topic",
				slog.String("bundle", bundle),
			)
			continue
		}

		serviceUnit, err := model.ParseServiceUnitID(bundle)
		if err != nil {
			s.log.Warn(
				"Skipping malformed bundle id",
				slog.String("bundle", bundle),
				slog.Any("error", err),
			)
			continue
		}

		if s.NamespaceBundleCount(serviceUnit.Namespace()) >= limits.MaxBundleCount {
			s.log.Info(
				"Unable to split hot namespace bundle, namespace has too many bundles",
				slog.String("bundle", bundle),
			)
			continue
		}

		if !autoSplit {
			s.log.Info(
				"DRY RUN: would split hot namespace bundle",
				slog.String("bundle", bundle),
				slog.Int64("topics", stats.Topics),
				slog.Int64("sessions", totalSessions),
				slog.Float64("msg-rate", totalMsgRate),
				slog.Float64("bandwidth", totalBandwidth),
			)
			continue
		}

		s.log.Info(
			"Will split hot namespace bundle",
			slog.String("bundle", bundle),
			slog.Int64("topics", stats.Topics),
			slog.Int64("sessions", totalSessions),
			slog.Float64("msg-rate", totalMsgRate),
			slog.Float64("bandwidth", totalBandwidth),
		)
		bundlesToSplit = append(bundlesToSplit, bundle)
	}

	if len(bundlesToSplit) == 0 {
		return
	}

	for _, bundle := range bundlesToSplit {
		serviceUnit, _ := model.ParseServiceUnitID(bundle)
		if err := s.SelfAdminClient.SplitNamespaceBundle(ctx, serviceUnit.Namespace(), serviceUnit.Range()); err != nil {
			s.log.Error(
				"Failed to split namespace bundle",
				slog.String("bundle", bundle),
				slog.Any("error", err),
			)
			continue
		}
		s.log.Info(
			"Successfully split namespace bundle",
			slog.String("bundle", bundle),
		)
	}
	s.ForceReportUpdate()
}
