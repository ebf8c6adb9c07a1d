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
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/streamnative/loadmanager/common"
	"github.com/streamnative/loadmanager/coordination"
)

// Coordination-store layout.
const (
	LoadbalanceBrokersRoot = "/loadbalance/brokers"

	settingStrategyPath            = "/loadbalance/settings/strategy"
	settingLoadFactorCPUPath       = "/loadbalance/settings/load_factor_cpu"
	settingLoadFactorMemPath       = "/loadbalance/settings/load_factor_mem"
	settingOverloadThresholdPath   = "/loadbalance/settings/overload_threshold"
	settingUnderloadThresholdPath  = "/loadbalance/settings/underload_threshold"
	settingComfortThresholdPath    = "/loadbalance/settings/comfort_load_threshold"
	settingAutoBundleSplitPath     = "/loadbalance/settings/auto_bundle_split_enabled"
	resourceQuotaRoot              = "/loadbalance/resource-quota"
	defaultResourceQuotaPath       = resourceQuotaRoot + "/default"
	namespaceResourceQuotaRoot     = resourceQuotaRoot + "/namespace"
	loadSheddingUnloadDisabledFlag = "/admin/flags/load-shedding-unload-disabled"
)

const (
	settingNameStrategy           = "loadBalancerStrategy"
	settingNameLoadFactorCPU      = "loadFactorCPU"
	settingNameLoadFactorMemory   = "loadFactorMemory"
	settingNameOverloadThreshold  = "overloadThreshold"
	settingNameUnderloadThreshold = "underloadThreshold"
	settingNameComfortThreshold   = "comfortLoadThreshold"
	settingNameAutoBundleSplit    = "autoBundleSplitEnabled"
)

// settingsCacheTTL bounds how long a dynamic setting read may be
// served from memory. Placement consults thresholds on every
// assignment and must not pay a store round-trip each time.
const settingsCacheTTL = time.Minute

type cachedSetting struct {
	values    map[string]any
	exists    bool
	fetchedAt int64
}

// dynamicSettings resolves the cluster-wide tunables from the
// coordination store, falling back to the static configuration.
type dynamicSettings struct {
	store coordination.Store
	clock common.Clock
	conf  *Config
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedSetting
}

func newDynamicSettings(store coordination.Store, clock common.Clock, conf *Config) *dynamicSettings {
	return &dynamicSettings{
		store: store,
		clock: clock,
		conf:  conf,
		cache: make(map[string]cachedSetting),
		log: slog.With(
			slog.String("component", "dynamic-settings"),
		),
	}
}

func (s *dynamicSettings) read(ctx context.Context, path string) (map[string]any, bool) {
	now := s.clock.NowMillis()

	s.mu.Lock()
	if cached, ok := s.cache[path]; ok && now-cached.fetchedAt < settingsCacheTTL.Milliseconds() {
		s.mu.Unlock()
		return cached.values, cached.exists
	}
	s.mu.Unlock()

	values := make(map[string]any)
	exists := false
	data, err := s.store.Get(ctx, path)
	switch {
	case err == nil:
		if err = json.Unmarshal(data, &values); err != nil {
			s.log.Warn(
				"Failed to deserialize dynamic setting",
				slog.String("path", path),
				slog.Any("error", err),
			)
		} else {
			exists = true
		}
	case !errors.Is(err, coordination.ErrNodeNotFound):
		s.log.Warn(
			"Failed to read dynamic setting",
			slog.String("path", path),
			slog.Any("error", err),
		)
		// Keep serving the stale value on transient errors.
		s.mu.Lock()
		if cached, ok := s.cache[path]; ok {
			s.mu.Unlock()
			return cached.values, cached.exists
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.cache[path] = cachedSetting{values: values, exists: exists, fetchedAt: now}
	s.mu.Unlock()
	return values, exists
}

func (s *dynamicSettings) invalidate(path string) {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
}

func (s *dynamicSettings) double(ctx context.Context, path string, name string, defaultValue float64) float64 {
	values, ok := s.read(ctx, path)
	if !ok {
		return defaultValue
	}
	switch v := values[name].(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func (s *dynamicSettings) boolean(ctx context.Context, path string, name string, defaultValue bool) bool {
	values, ok := s.read(ctx, path)
	if !ok {
		return defaultValue
	}
	switch v := values[name].(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func (s *dynamicSettings) strategyName(ctx context.Context) string {
	values, ok := s.read(ctx, settingStrategyPath)
	if ok {
		if v, isString := values[settingNameStrategy].(string); isString {
			return v
		}
	}
	return s.conf.PlacementStrategy
}

func (s *dynamicSettings) cpuLoadFactor(ctx context.Context, defaultValue float64) float64 {
	return s.double(ctx, settingLoadFactorCPUPath, settingNameLoadFactorCPU, defaultValue)
}

func (s *dynamicSettings) memoryLoadFactor(ctx context.Context, defaultValue float64) float64 {
	return s.double(ctx, settingLoadFactorMemPath, settingNameLoadFactorMemory, defaultValue)
}

func (s *dynamicSettings) underloadThreshold(ctx context.Context) float64 {
	return s.double(ctx, settingUnderloadThresholdPath, settingNameUnderloadThreshold,
		s.conf.UnderloadThresholdPercentage)
}

func (s *dynamicSettings) overloadThreshold(ctx context.Context) float64 {
	return s.double(ctx, settingOverloadThresholdPath, settingNameOverloadThreshold,
		s.conf.OverloadThresholdPercentage)
}

func (s *dynamicSettings) comfortThreshold(ctx context.Context) float64 {
	return s.double(ctx, settingComfortThresholdPath, settingNameComfortThreshold,
		s.conf.ComfortLoadThresholdPercentage)
}

func (s *dynamicSettings) autoBundleSplitEnabled(ctx context.Context) bool {
	return s.boolean(ctx, settingAutoBundleSplitPath, settingNameAutoBundleSplit,
		s.conf.AutoBundleSplitEnabled)
}

// unloadDisabled checks the presence of the load-shedding kill switch.
func (s *dynamicSettings) unloadDisabled(ctx context.Context) bool {
	disabled, err := s.store.Exists(ctx, loadSheddingUnloadDisabledFlag)
	if err != nil {
		s.log.Warn(
			"Unable to check the load-shedding kill switch",
			slog.Any("error", err),
		)
		return false
	}
	return disabled
}

// write persists a dynamic setting, creating the node when needed, and
// drops the cached copy.
func (s *dynamicSettings) write(ctx context.Context, path string, values map[string]any) error {
	data, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "failed to serialize dynamic setting")
	}

	err = s.store.Set(ctx, path, data)
	if errors.Is(err, coordination.ErrNodeNotFound) {
		err = s.store.Create(ctx, path, data, false)
		if errors.Is(err, coordination.ErrNodeExists) {
			err = s.store.Set(ctx, path, data)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write dynamic setting %s", path)
	}

	s.invalidate(path)
	return nil
}
