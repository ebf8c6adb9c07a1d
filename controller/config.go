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
	"github.com/streamnative/loadmanager/controller/placement"
	"github.com/streamnative/loadmanager/controller/policy"
)

type Config struct {
	// BrokerName is the advertised host:port, also the name of the
	// broker's presence node.
	BrokerName string `mapstructure:"brokerName"`

	WebServiceURL       string `mapstructure:"webServiceUrl"`
	WebServiceURLTLS    string `mapstructure:"webServiceUrlTls"`
	BrokerServiceURL    string `mapstructure:"brokerServiceUrl"`
	BrokerServiceURLTLS string `mapstructure:"brokerServiceUrlTls"`

	MetricsServiceAddr string `mapstructure:"metricsServiceAddr"`

	StoreEndpoints  []string `mapstructure:"storeEndpoints"`
	StoreSessionTTL int64    `mapstructure:"storeSessionTtl"`

	// Defaults for the dynamic settings; the coordination store
	// overrides win when present.
	PlacementStrategy              string  `mapstructure:"placementStrategy"`
	UnderloadThresholdPercentage   float64 `mapstructure:"underloadThresholdPercentage"`
	OverloadThresholdPercentage    float64 `mapstructure:"overloadThresholdPercentage"`
	ComfortLoadThresholdPercentage float64 `mapstructure:"comfortLoadThresholdPercentage"`
	AutoBundleSplitEnabled         bool    `mapstructure:"autoBundleSplitEnabled"`

	SheddingIntervalMinutes    int `mapstructure:"sheddingIntervalMinutes"`
	SheddingGracePeriodMinutes int `mapstructure:"sheddingGracePeriodMinutes"`

	ReportUpdateThresholdPercentage float64 `mapstructure:"reportUpdateThresholdPercentage"`
	ReportUpdateMaxIntervalMinutes  int     `mapstructure:"reportUpdateMaxIntervalMinutes"`
	HostUsageCheckIntervalMinutes   int     `mapstructure:"hostUsageCheckIntervalMinutes"`

	QuotaUpdateIntervalMinutes int `mapstructure:"quotaUpdateIntervalMinutes"`
	SplitIntervalMinutes       int `mapstructure:"splitIntervalMinutes"`

	NamespaceMaximumBundles           int     `mapstructure:"namespaceMaximumBundles"`
	NamespaceBundleMaxTopics          int64   `mapstructure:"namespaceBundleMaxTopics"`
	NamespaceBundleMaxSessions        int64   `mapstructure:"namespaceBundleMaxSessions"`
	NamespaceBundleMaxMsgRate         float64 `mapstructure:"namespaceBundleMaxMsgRate"`
	NamespaceBundleMaxBandwidthMbytes int64   `mapstructure:"namespaceBundleMaxBandwidthMbytes"`

	// LegacyQuotaBandwidthCompare keeps the historical write
	// suppression check that compares the new bandwidth-in quota
	// against the old bandwidth-out value. Disabling it uses the
	// like-for-like comparison.
	LegacyQuotaBandwidthCompare bool `mapstructure:"legacyQuotaBandwidthCompare"`

	IsolationPolicies []policy.IsolationPolicyConfig `mapstructure:"isolationPolicies"`
}

func NewConfig() Config {
	return Config{
		MetricsServiceAddr:                "0.0.0.0:8080",
		StoreSessionTTL:                   10,
		PlacementStrategy:                 placement.StrategyWeightedRandomSelection,
		UnderloadThresholdPercentage:      50,
		OverloadThresholdPercentage:       85,
		ComfortLoadThresholdPercentage:    65,
		AutoBundleSplitEnabled:            false,
		SheddingIntervalMinutes:           30,
		SheddingGracePeriodMinutes:        30,
		ReportUpdateThresholdPercentage:   10,
		ReportUpdateMaxIntervalMinutes:    15,
		HostUsageCheckIntervalMinutes:     1,
		QuotaUpdateIntervalMinutes:        15,
		SplitIntervalMinutes:              1,
		NamespaceMaximumBundles:           128,
		NamespaceBundleMaxTopics:          1000,
		NamespaceBundleMaxSessions:        1000,
		NamespaceBundleMaxMsgRate:         1000,
		NamespaceBundleMaxBandwidthMbytes: 100,
		LegacyQuotaBandwidthCompare:       true,
	}
}
