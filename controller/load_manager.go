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

package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/streamnative/loadmanager/common"
	"github.com/streamnative/loadmanager/common/channel"
	"github.com/streamnative/loadmanager/common/metric"
	"github.com/streamnative/loadmanager/common/process"
	"github.com/streamnative/loadmanager/controller/admin"
	"github.com/streamnative/loadmanager/controller/model"
	"github.com/streamnative/loadmanager/controller/placement"
	"github.com/streamnative/loadmanager/controller/policy"
	"github.com/streamnative/loadmanager/controller/quota"
	"github.com/streamnative/loadmanager/controller/shedder"
	"github.com/streamnative/loadmanager/controller/splitter"
	"github.com/streamnative/loadmanager/coordination"
)

// LoadReportUpdateMinInterval is how often, at most, a broker rewrites
// its load report.
const LoadReportUpdateMinInterval = 5 * time.Second

// memoryUsageAvgWindow smooths the reported memory usage across report
// generations.
const memoryUsageAvgWindow = 120 * time.Second

// HostUsageSupplier probes the host for its current resource usage.
type HostUsageSupplier func(ctx context.Context) (model.SystemResourceUsage, error)

// BundleStatsSupplier snapshots the statistics of the bundles served by
// the local broker.
type BundleStatsSupplier func() map[string]*model.NamespaceBundleStats

type Options struct {
	Config Config

	Store coordination.Store

	AdminProvider admin.ClientProvider

	// Policies overrides the isolation policies built from the
	// config.
	Policies policy.IsolationPolicies

	HostUsageSupplier   HostUsageSupplier
	BundleStatsSupplier BundleStatsSupplier

	// NamespaceBundleCount returns how many bundles the namespace is
	// currently split into.
	NamespaceBundleCount func(namespace string) int

	// IsLeader tells whether this replica currently is the elected
	// leader. Election itself happens elsewhere.
	IsLeader func() bool

	Clock common.Clock
}

// LoadManager is the per-broker load-balancing controller: it
// maintains this broker's load report in the coordination store and,
// on the leader, ranks the fleet, serves placement queries, sheds load
// from overloaded brokers, splits hot bundles and persists the adapted
// resource quotas.
type LoadManager struct {
	conf  Config
	store coordination.Store
	clock common.Clock
	log   *slog.Logger

	isLeader    func() bool
	hostUsage   HostUsageSupplier
	bundleStats BundleStatsSupplier

	settings  *dynamicSettings
	estimator *quota.Estimator
	engine    *placement.Engine
	shedder   *shedder.Shedder
	splitter  *splitter.Splitter

	// reportsMu guards currentLoadReports and the report/quota state;
	// the quota estimation and the ranking pass run under it so the
	// rankings observe a consistent quota snapshot.
	reportsMu          sync.Mutex
	currentLoadReports map[string]*model.LoadReport

	// rankingsMu guards rankings and the placement bookkeeping; it is
	// shared with the placement engine.
	rankingsMu sync.Mutex
	rankings   map[string]*model.ResourceUnitRanking

	sortedRankings atomic.Pointer[placement.RankedBrokers]

	lastLoadReport             *model.LoadReport
	lastResourceUsageTimestamp int64
	avgMemoryUsageMB           float64
	forceReportUpdate          atomic.Bool

	brokerNodePath string

	loadMetrics atomic.Pointer[brokerLoadMetrics]
	gauges      []metric.Gauge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rankingTrigger chan struct{}
}

type brokerLoadMetrics struct {
	broker          string
	loadRank        int64
	quotaPctCPU     float64
	quotaPctMemory  float64
	quotaPctBwIn    float64
	quotaPctBwOut   float64
}

func NewLoadManager(options Options) (*LoadManager, error) {
	conf := options.Config
	clock := options.Clock
	if clock == nil {
		clock = common.SystemClock()
	}

	policies := options.Policies
	if policies == nil {
		var err error
		if policies, err = policy.NewStaticPolicies(conf.IsolationPolicies); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &LoadManager{
		conf:                 conf,
		store:                options.Store,
		clock:                clock,
		isLeader:             options.IsLeader,
		hostUsage:            options.HostUsageSupplier,
		bundleStats:          options.BundleStatsSupplier,
		currentLoadReports:   make(map[string]*model.LoadReport),
		rankings:             make(map[string]*model.ResourceUnitRanking),
		brokerNodePath:       LoadbalanceBrokersRoot + "/" + conf.BrokerName,
		ctx:                  ctx,
		cancel:               cancel,
		rankingTrigger:       make(chan struct{}, 1),
		log: slog.With(
			slog.String("component", "load-manager"),
			slog.String("broker", conf.BrokerName),
		),
	}
	m.sortedRankings.Store(placement.NewRankedBrokers())

	m.settings = newDynamicSettings(options.Store, clock, &m.conf)
	m.estimator = quota.NewEstimator(model.DefaultResourceQuota())

	m.engine = placement.NewEngine(placement.Options{
		Policies:               policies,
		SortedRankingsSupplier: m.sortedRankings.Load,
		RankingsSupplier:       func() map[string]*model.ResourceUnitRanking { return m.rankings },
		RankingsMutex:          &m.rankingsMu,
		ActiveBrokersSupplier: func(ctx context.Context) ([]string, error) {
			return m.store.Children(ctx, LoadbalanceBrokersRoot)
		},
		QuotaSupplier:        m.estimator.Quota,
		DefaultQuotaSupplier: m.estimator.AvgBundleQuota,
		StrategySupplier: func() placement.Strategy {
			return placement.StrategyFor(m.settings.strategyName(m.ctx))
		},
		UnderloadThresholdSupplier: func() float64 { return m.settings.underloadThreshold(m.ctx) },
		OverloadThresholdSupplier:  func() float64 { return m.settings.overloadThreshold(m.ctx) },
	})

	var err error
	m.shedder, err = shedder.NewShedder(shedder.Options{
		ReportsSupplier:               m.snapshotLoadReports,
		BrokerAvailableForRebalancing: m.brokerAvailableForRebalancing,
		UnloadDisabled:                m.settings.unloadDisabled,
		OverloadThresholdSupplier:     func() float64 { return m.settings.overloadThreshold(m.ctx) },
		ComfortThresholdSupplier:      func() float64 { return m.settings.comfortThreshold(m.ctx) },
		AdminProvider:                 options.AdminProvider,
		GracePeriod:                   time.Duration(conf.SheddingGracePeriodMinutes) * time.Minute,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	selfAdmin, err := options.AdminProvider.ForBroker(conf.WebServiceURL)
	if err != nil {
		cancel()
		return nil, err
	}
	m.splitter = splitter.NewSplitter(splitter.Options{
		Limits: splitter.Limits{
			MaxTopics:      conf.NamespaceBundleMaxTopics,
			MaxSessions:    conf.NamespaceBundleMaxSessions,
			MaxMsgRate:     conf.NamespaceBundleMaxMsgRate,
			MaxBandwidth:   float64(conf.NamespaceBundleMaxBandwidthMbytes) * 1024 * 1024,
			MaxBundleCount: conf.NamespaceMaximumBundles,
		},
		LastReportSupplier:   m.LastLoadReport,
		NamespaceBundleCount: options.NamespaceBundleCount,
		AutoSplitEnabled:     m.settings.autoBundleSplitEnabled,
		SelfAdminClient:      selfAdmin,
		ForceReportUpdate:    m.SetLoadReportForceUpdateFlag,
	})

	m.registerMetrics()

	return m, nil
}

// Start registers the broker's presence node and spins up the
// scheduled tasks. Failing to create the presence node is fatal.
func (m *LoadManager) Start(ctx context.Context) error {
	err := m.store.Create(ctx, LoadbalanceBrokersRoot, nil, false)
	if err != nil && !errors.Is(err, coordination.ErrNodeExists) {
		return errors.Wrap(err, "failed to create the load balance root")
	}

	report, err := m.generateLoadReport(ctx)
	if err != nil {
		m.log.Warn(
			"Unable to generate the initial load report",
			slog.Any("error", err),
		)
		report = m.emptyLoadReport()
	}

	data, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to serialize the load report")
	}
	if err = m.store.Create(ctx, m.brokerNodePath, data, true); err != nil {
		return errors.Wrapf(err, "failed to create the broker presence node %s", m.brokerNodePath)
	}
	m.log.Info(
		"Created broker presence node",
		slog.String("path", m.brokerNodePath),
	)

	m.lastLoadReport = report
	m.lastResourceUsageTimestamp = report.Timestamp

	m.seedQuotaState(ctx)

	// First ranking pass, before any watch event arrives.
	m.updateRanking(ctx)

	m.startWatcher()
	m.startRankingLoop()
	m.startReportWriter()
	m.startLeaderTasks()

	return nil
}

func (m *LoadManager) seedQuotaState(ctx context.Context) {
	if defaultQuota, ok := m.readQuota(ctx, defaultResourceQuotaPath); ok {
		m.estimator.SeedDefaultQuota(defaultQuota)
	}
	m.estimator.SeedFactors(
		m.settings.cpuLoadFactor(ctx, m.estimator.CPUFactor()),
		m.settings.memoryLoadFactor(ctx, m.estimator.MemoryFactor()))
}

func (m *LoadManager) startWatcher() {
	events, err := m.store.WatchChildren(m.ctx, LoadbalanceBrokersRoot)
	if err != nil {
		m.log.Warn(
			"Failed to watch the brokers root, relying on periodic refresh",
			slog.Any("error", err),
		)
		return
	}

	m.wg.Add(1)
	go process.DoWithLabels(m.ctx, map[string]string{
		"component": "load-manager-watcher",
	}, func() {
		defer m.wg.Done()
		for {
			select {
			case _, more := <-events:
				if !more {
					return
				}
				// Never rank inline with the watch callback; coalesce
				// into the ranking loop.
				channel.PushNoBlock(m.rankingTrigger, struct{}{})
			case <-m.ctx.Done():
				return
			}
		}
	})
}

func (m *LoadManager) startRankingLoop() {
	m.wg.Add(1)
	go process.DoWithLabels(m.ctx, map[string]string{
		"component": "load-manager-ranking",
	}, func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.rankingTrigger:
				m.updateRanking(m.ctx)
			case <-m.ctx.Done():
				return
			}
		}
	})
}

func (m *LoadManager) startReportWriter() {
	m.wg.Add(1)
	go process.DoWithLabels(m.ctx, map[string]string{
		"component": "load-manager-report-writer",
	}, func() {
		defer m.wg.Done()
		ticker := time.NewTicker(LoadReportUpdateMinInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.writeLoadReportIfNeeded(m.ctx); err != nil {
					m.log.Warn(
						"Failed to write the load report",
						slog.Any("error", err),
					)
				}
			case <-m.ctx.Done():
				return
			}
		}
	})
}

func (m *LoadManager) startLeaderTasks() {
	m.wg.Add(1)
	go process.DoWithLabels(m.ctx, map[string]string{
		"component": "load-manager-leader-tasks",
	}, func() {
		defer m.wg.Done()

		shedTicker := time.NewTicker(time.Duration(m.conf.SheddingIntervalMinutes) * time.Minute)
		defer shedTicker.Stop()
		splitTicker := time.NewTicker(time.Duration(m.conf.SplitIntervalMinutes) * time.Minute)
		defer splitTicker.Stop()
		quotaTicker := time.NewTicker(time.Duration(m.conf.QuotaUpdateIntervalMinutes) * time.Minute)
		defer quotaTicker.Stop()

		for {
			select {
			case <-shedTicker.C:
				if m.isLeader() {
					m.shedder.DoLoadShedding(m.ctx)
				}
			case <-splitTicker.C:
				if m.isLeader() {
					m.splitter.DoBundleSplit(m.ctx)
				}
			case <-quotaTicker.C:
				if m.isLeader() {
					m.writeResourceQuotas(m.ctx)
				}
			case <-m.ctx.Done():
				return
			}
		}
	})
}

// Assign selects the owner broker for the service unit.
func (m *LoadManager) Assign(ctx context.Context, serviceUnit model.ServiceUnitID) (string, error) {
	return m.engine.Assign(ctx, serviceUnit)
}

// IsCentralized reports whether the configured strategy requires all
// placement decisions to go through the leader.
func (m *LoadManager) IsCentralized() bool {
	return m.settings.strategyName(m.ctx) == placement.StrategyLeastLoadedServer
}

// SetLoadReportForceUpdateFlag forces the next report-writer tick to
// write regardless of change detection.
func (m *LoadManager) SetLoadReportForceUpdateFlag() {
	m.forceReportUpdate.Store(true)
}

// LastLoadReport returns the most recently written local report.
func (m *LoadManager) LastLoadReport() *model.LoadReport {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	return m.lastLoadReport
}

// DisableBroker removes the broker's presence node, taking it out of
// every candidate set.
func (m *LoadManager) DisableBroker(ctx context.Context) error {
	return m.store.Delete(ctx, m.brokerNodePath)
}

func (m *LoadManager) snapshotLoadReports() map[string]*model.LoadReport {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()

	reports := make(map[string]*model.LoadReport, len(m.currentLoadReports))
	for broker, report := range m.currentLoadReports {
		reports[broker] = report
	}
	return reports
}

// updateRanking reloads every broker's report from the coordination
// store, re-estimates the quotas and rebuilds the rankings. Quota
// estimation and ranking run under the same critical section.
func (m *LoadManager) updateRanking(ctx context.Context) {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()

	brokers, err := m.store.Children(ctx, LoadbalanceBrokersRoot)
	if err != nil {
		m.log.Warn(
			"Error reading the active brokers list while re-ranking",
			slog.Any("error", err),
		)
		return
	}

	clear(m.currentLoadReports)
	for _, broker := range brokers {
		data, err := m.store.Get(ctx, LoadbalanceBrokersRoot+"/"+broker)
		if err != nil {
			// The broker may have just disappeared; the next pass
			// re-includes it if it comes back.
			m.log.Warn(
				"Error reading the load report",
				slog.String("broker", broker),
				slog.Any("error", err),
			)
			continue
		}

		report := &model.LoadReport{}
		if err = json.Unmarshal(data, report); err != nil {
			m.log.Warn(
				"Skipping malformed load report",
				slog.String("broker", broker),
				slog.Any("error", err),
			)
			continue
		}
		m.currentLoadReports["http://"+report.BrokerName] = report
	}

	m.estimator.Update(m.currentLoadReports)
	m.doLoadRanking(ctx)
}

// doLoadRanking rebuilds the per-broker rankings and publishes the
// sorted snapshot with a single pointer swap.
func (m *LoadManager) doLoadRanking(ctx context.Context) {
	strategy := placement.StrategyFor(m.settings.strategyName(ctx))
	m.log.Info(
		"Ranking brokers",
		slog.String("strategy", strategy.Name()),
		slog.Int("brokers", len(m.currentLoadReports)),
	)

	if len(m.currentLoadReports) == 0 {
		m.log.Info("No brokers to rank this run, keeping the previous ranking")
		return
	}

	factors := m.estimator.Factors()
	defaultQuota := m.estimator.AvgBundleQuota()

	m.rankingsMu.Lock()
	defer m.rankingsMu.Unlock()

	newSortedRankings := placement.NewRankedBrokers()
	newRankings := make(map[string]*model.ResourceUnitRanking, len(m.currentLoadReports))

	for broker, report := range m.currentLoadReports {
		loadedBundles := linkedhashset.New()
		for _, bundle := range report.Bundles() {
			loadedBundles.Add(bundle)
		}

		// Keep the pre-allocations that have not landed yet; a bundle
		// that shows up as loaded is no longer pre-allocated.
		preAllocatedBundles := linkedhashset.New()
		if previous, ok := m.rankings[broker]; ok {
			it := previous.PreAllocatedBundles.Iterator()
			for it.Next() {
				if bundle := it.Value().(string); !loadedBundles.Contains(bundle) {
					preAllocatedBundles.Add(bundle)
				}
			}
		}

		allocatedQuota := m.totalQuota(loadedBundles)
		preAllocatedQuota := m.totalQuota(preAllocatedBundles)

		ranking := model.NewResourceUnitRanking(report.SystemUsage,
			loadedBundles, allocatedQuota,
			preAllocatedBundles, preAllocatedQuota,
			factors, defaultQuota)
		newRankings[broker] = ranking

		finalRank := strategy.Rank(ranking)
		newSortedRankings.Put(finalRank, broker)
		m.log.Debug(
			"Ranked broker",
			slog.String("ranked-broker", broker),
			slog.Int64("rank", finalRank),
		)

		if strings.Contains(broker, m.conf.BrokerName) {
			m.loadMetrics.Store(&brokerLoadMetrics{
				broker:         m.conf.BrokerName,
				loadRank:       finalRank,
				quotaPctCPU:    ranking.AllocatedLoadPercentageCPU(),
				quotaPctMemory: ranking.AllocatedLoadPercentageMemory(),
				quotaPctBwIn:   ranking.AllocatedLoadPercentageBandwidthIn(),
				quotaPctBwOut:  ranking.AllocatedLoadPercentageBandwidthOut(),
			})
		}
	}

	m.sortedRankings.Store(newSortedRankings)
	m.rankings = newRankings
}

func (m *LoadManager) totalQuota(bundles *linkedhashset.Set) model.ResourceQuota {
	total := model.ResourceQuota{}
	it := bundles.Iterator()
	for it.Next() {
		total.Add(m.estimator.Quota(it.Value().(string)))
	}
	return total
}

// brokerAvailableForRebalancing reports whether some candidate broker
// for the bundle's namespace is below the given load level on every
// resource.
func (m *LoadManager) brokerAvailableForRebalancing(bundle string, maxLoadLevel float64) bool {
	namespace := model.ServiceUnitID(bundle).Namespace()
	candidates := m.engine.FinalCandidates(namespace, m.sortedRankings.Load())
	reports := m.snapshotLoadReports()

	available := false
	candidates.ForEach(func(_ int64, broker string) bool {
		if report, ok := reports[broker]; ok &&
			report.SystemUsage.IsBelowLoadLevel(maxLoadLevel) {
			available = true
			return false
		}
		return true
	})
	return available
}

func (m *LoadManager) emptyLoadReport() *model.LoadReport {
	return &model.LoadReport{
		BrokerName:    m.conf.BrokerName,
		WebAddr:       m.conf.WebServiceURL,
		WebAddrTLS:    m.conf.WebServiceURLTLS,
		BrokerAddr:    m.conf.BrokerServiceURL,
		BrokerAddrTLS: m.conf.BrokerServiceURLTLS,
		Timestamp:     m.clock.NowMillis(),
	}
}

// generateLoadReport builds a fresh report from the host probe and the
// local bundle statistics. Within the minimum update interval the last
// report is returned unchanged.
func (m *LoadManager) generateLoadReport(ctx context.Context) (*model.LoadReport, error) {
	m.reportsMu.Lock()
	last := m.lastLoadReport
	m.reportsMu.Unlock()

	if last != nil && m.clock.NowMillis()-last.Timestamp <= LoadReportUpdateMinInterval.Milliseconds() {
		return last, nil
	}

	usage, err := m.hostUsage(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to probe host usage")
	}
	usage.Memory.Usage = m.updateAvgMemoryUsage(usage.Memory.Usage)

	report := m.emptyLoadReport()
	report.SystemUsage = usage
	report.BundleStats = m.bundleStats()
	report.Overloaded = usage.IsAboveLoadLevel(m.settings.overloadThreshold(ctx))
	report.Underloaded = usage.IsBelowLoadLevel(m.settings.underloadThreshold(ctx))
	report.Timestamp = m.clock.NowMillis()
	return report, nil
}

// updateAvgMemoryUsage keeps the reported memory usage as a moving
// average across the smoothing window, so one garbage-collection cycle
// does not flip the overload flags.
func (m *LoadManager) updateAvgMemoryUsage(current float64) float64 {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()

	if m.avgMemoryUsageMB <= 0 {
		m.avgMemoryUsageMB = current
		return current
	}
	weight := math.Max(1, float64(memoryUsageAvgWindow.Milliseconds())/float64(LoadReportUpdateMinInterval.Milliseconds()))
	m.avgMemoryUsageMB = ((weight-1)*m.avgMemoryUsageMB + current) / weight
	return m.avgMemoryUsageMB
}

// writeLoadReportIfNeeded rewrites the broker's report when it is the
// first write, an update was forced, the maximum interval elapsed, the
// bundle count moved by more than the report threshold relative to the
// broker's capacity, or any resource moved by more than the threshold
// relative to its limit.
func (m *LoadManager) writeLoadReportIfNeeded(ctx context.Context) error {
	needUpdate := false

	m.reportsMu.Lock()
	last := m.lastLoadReport
	m.reportsMu.Unlock()

	switch {
	case last == nil, m.forceReportUpdate.Swap(false):
		needUpdate = true
	default:
		now := m.clock.NowMillis()
		elapsed := now - last.Timestamp
		maxInterval := time.Duration(m.conf.ReportUpdateMaxIntervalMinutes) * time.Minute
		if elapsed > maxInterval.Milliseconds() {
			needUpdate = true
		} else if elapsed > LoadReportUpdateMinInterval.Milliseconds() {
			needUpdate = m.bundleCountChanged(last) || m.resourceUsageChanged(ctx, last, now)
		}
	}

	if !needUpdate {
		return nil
	}

	report, err := m.generateLoadReport(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to serialize the load report")
	}
	if err = m.store.Set(ctx, m.brokerNodePath, data); err != nil {
		return errors.Wrap(err, "failed to write the load report")
	}

	m.reportsMu.Lock()
	m.lastLoadReport = report
	m.lastResourceUsageTimestamp = report.Timestamp
	m.reportsMu.Unlock()
	return nil
}

func (m *LoadManager) bundleCountChanged(last *model.LoadReport) bool {
	oldBundleCount := int64(last.NumBundles())
	newBundleCount := int64(len(m.bundleStats()))
	delta := newBundleCount - oldBundleCount
	if delta < 0 {
		delta = -delta
	}

	maxCapacity := model.CalculateBrokerMaxCapacity(last.SystemUsage,
		m.estimator.AvgBundleQuota(), m.estimator.Factors())
	if maxCapacity <= 0 {
		return false
	}
	change := float64(delta*100) / float64(maxCapacity)
	return change > m.conf.ReportUpdateThresholdPercentage
}

func (m *LoadManager) resourceUsageChanged(ctx context.Context, last *model.LoadReport, now int64) bool {
	m.reportsMu.Lock()
	lastChecked := m.lastResourceUsageTimestamp
	m.reportsMu.Unlock()

	checkInterval := time.Duration(m.conf.HostUsageCheckIntervalMinutes) * time.Minute
	if now-lastChecked <= checkInterval.Milliseconds() {
		return false
	}

	newUsage, err := m.hostUsage(ctx)
	if err != nil {
		m.log.Warn(
			"Failed to probe host usage for change detection",
			slog.Any("error", err),
		)
		return false
	}

	m.reportsMu.Lock()
	m.lastResourceUsageTimestamp = now
	m.reportsMu.Unlock()

	maxChange := 0.0
	for _, resourceType := range model.ResourceTypes {
		oldRes := last.SystemUsage.Get(resourceType)
		newRes := newUsage.Get(resourceType)
		if newRes.Limit <= 0 {
			continue
		}
		change := math.Abs(newRes.Usage-oldRes.Usage) * 100 / newRes.Limit
		maxChange = math.Max(maxChange, change)
	}
	maxChange = math.Min(100.0, maxChange)

	if maxChange > m.conf.ReportUpdateThresholdPercentage {
		m.log.Info(
			"Load report update triggered by resource usage change",
			slog.Float64("max-change-pct", maxChange),
		)
		return true
	}
	return false
}

// writeResourceQuotas persists the smoothed load factors, the default
// quota and the per-bundle quotas, suppressing writes whose delta is
// below the per-field minimum.
func (m *LoadManager) writeResourceQuotas(ctx context.Context) {
	m.log.Info("Writing namespace bundle resource quotas as leader broker")

	m.writeLoadFactor(ctx, settingLoadFactorCPUPath, settingNameLoadFactorCPU,
		m.estimator.CPUFactor(), model.MinCPUFactor)
	m.writeLoadFactor(ctx, settingLoadFactorMemPath, settingNameLoadFactorMemory,
		m.estimator.MemoryFactor(), model.MinMemoryFactor)

	oldDefault, ok := m.readQuota(ctx, defaultResourceQuotaPath)
	if !ok {
		oldDefault = model.DefaultResourceQuota()
	}
	m.compareAndWriteQuota(ctx, "", oldDefault, m.estimator.AvgBundleQuota())

	for bundle, newQuota := range m.estimator.Quotas() {
		oldQuota, ok := m.readQuota(ctx, bundleQuotaPath(bundle))
		if !ok {
			oldQuota = oldDefault
		}
		m.compareAndWriteQuota(ctx, bundle, oldQuota, newQuota)
	}
}

func (m *LoadManager) writeLoadFactor(ctx context.Context, path string, name string, value float64, minDelta float64) {
	old := m.settings.double(ctx, path, name, -1)
	if old >= 0 && math.Abs(value-old) < minDelta {
		return
	}
	if err := m.settings.write(ctx, path, map[string]any{name: value}); err != nil {
		m.log.Warn(
			"Failed to write load factor",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
}

// compareAndWriteQuota writes the quota only when a field moved by more
// than its minimum. The historical bandwidth-in comparison is against
// the old bandwidth-out value; the corrected comparison is available
// behind the config flag.
func (m *LoadManager) compareAndWriteQuota(ctx context.Context, bundle string, oldQuota, newQuota model.ResourceQuota) {
	oldBandwidthIn := oldQuota.BandwidthOut
	if !m.conf.LegacyQuotaBandwidthCompare {
		oldBandwidthIn = oldQuota.BandwidthIn
	}

	if !oldQuota.Dynamic ||
		(math.Abs(newQuota.MsgRateIn-oldQuota.MsgRateIn) < model.MinQuotaMsgRateIn &&
			math.Abs(newQuota.MsgRateOut-oldQuota.MsgRateOut) < model.MinQuotaMsgRateOut &&
			math.Abs(newQuota.BandwidthIn-oldBandwidthIn) < model.MinQuotaBandwidthIn &&
			math.Abs(newQuota.BandwidthOut-oldQuota.BandwidthOut) < model.MinQuotaBandwidthOut &&
			math.Abs(newQuota.Memory-oldQuota.Memory) < model.MinQuotaMemory) {
		return
	}

	path := defaultResourceQuotaPath
	name := "default"
	if bundle != "" {
		path = bundleQuotaPath(bundle)
		name = bundle
	}
	m.log.Debug(
		"Updating quota",
		slog.String("bundle", name),
		slog.Float64("msg-rate-in", newQuota.MsgRateIn),
		slog.Float64("msg-rate-out", newQuota.MsgRateOut),
		slog.Float64("bandwidth-in", newQuota.BandwidthIn),
		slog.Float64("bandwidth-out", newQuota.BandwidthOut),
		slog.Float64("memory", newQuota.Memory),
	)

	if err := m.writeQuota(ctx, path, newQuota); err != nil {
		m.log.Warn(
			"Failed to write resource quota",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
}

func bundleQuotaPath(bundle string) string {
	return namespaceResourceQuotaRoot + "/" + bundle
}

func (m *LoadManager) readQuota(ctx context.Context, path string) (model.ResourceQuota, bool) {
	data, err := m.store.Get(ctx, path)
	if err != nil {
		if !errors.Is(err, coordination.ErrNodeNotFound) {
			m.log.Warn(
				"Failed to read resource quota",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
		return model.ResourceQuota{}, false
	}

	q := model.ResourceQuota{}
	if err = json.Unmarshal(data, &q); err != nil {
		m.log.Warn(
			"Skipping malformed resource quota",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return model.ResourceQuota{}, false
	}
	return q, true
}

func (m *LoadManager) writeQuota(ctx context.Context, path string, q model.ResourceQuota) error {
	data, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "failed to serialize resource quota")
	}

	err = m.store.Set(ctx, path, data)
	if errors.Is(err, coordination.ErrNodeNotFound) {
		err = m.store.Create(ctx, path, data, false)
		if errors.Is(err, coordination.ErrNodeExists) {
			err = m.store.Set(ctx, path, data)
		}
	}
	return err
}

func (m *LoadManager) registerMetrics() {
	singleGauge := func(value func(s *brokerLoadMetrics) float64) func() []metric.Measurement {
		return func() []metric.Measurement {
			snapshot := m.loadMetrics.Load()
			if snapshot == nil {
				return nil
			}
			return []metric.Measurement{{
				Value:  value(snapshot),
				Labels: map[string]any{"broker": snapshot.broker},
			}}
		}
	}

	m.gauges = append(m.gauges,
		metric.NewGauge("brk_lb_load_rank",
			"The broker's rank in the last load ranking pass", "1",
			singleGauge(func(s *brokerLoadMetrics) float64 { return float64(s.loadRank) })),
		metric.NewGauge("brk_lb_quota_pct_cpu",
			"Allocated CPU quota percentage", "%",
			singleGauge(func(s *brokerLoadMetrics) float64 { return s.quotaPctCPU })),
		metric.NewGauge("brk_lb_quota_pct_memory",
			"Allocated memory quota percentage", "%",
			singleGauge(func(s *brokerLoadMetrics) float64 { return s.quotaPctMemory })),
		metric.NewGauge("brk_lb_quota_pct_bandwidth_in",
			"Allocated inbound bandwidth quota percentage", "%",
			singleGauge(func(s *brokerLoadMetrics) float64 { return s.quotaPctBwIn })),
		metric.NewGauge("brk_lb_quota_pct_bandwidth_out",
			"Allocated outbound bandwidth quota percentage", "%",
			singleGauge(func(s *brokerLoadMetrics) float64 { return s.quotaPctBwOut })),
	)
}

func (m *LoadManager) Close() error {
	m.cancel()
	m.wg.Wait()

	var err error
	for _, g := range m.gauges {
		err = multierr.Append(err, g.Unregister())
	}
	return multierr.Append(err, m.shedder.Close())
}
