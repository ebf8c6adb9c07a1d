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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamnative/loadmanager/controller/model"
)

type recordingClient struct {
	split []string
}

func (c *recordingClient) UnloadNamespaceBundle(context.Context, string, string) error {
	return nil
}

func (c *recordingClient) SplitNamespaceBundle(_ context.Context, namespace string, bundleRange string) error {
	c.split = append(c.split, namespace+"/"+bundleRange)
	return nil
}

type splitFixture struct {
	client       *recordingClient
	report       *model.LoadReport
	bundleCounts map[string]int
	forced       int
	autoSplit    bool
}

func newSplitFixture() *splitFixture {
	return &splitFixture{
		client:       &recordingClient{},
		report:       &model.LoadReport{BundleStats: map[string]*model.NamespaceBundleStats{}},
		bundleCounts: map[string]int{},
		autoSplit:    true,
	}
}

func (f *splitFixture) splitter() *Splitter {
	return NewSplitter(Options{
		Limits: Limits{
			MaxTopics:      1000,
			MaxSessions:    1000,
			MaxMsgRate:     1000,
			MaxBandwidth:   100 * 1024 * 1024,
			MaxBundleCount: 4,
		},
		LastReportSupplier:   func() *model.LoadReport { return f.report },
		NamespaceBundleCount: func(namespace string) int { return f.bundleCounts[namespace] },
		AutoSplitEnabled:     func(context.Context) bool { return f.autoSplit },
		SelfAdminClient:      f.client,
		ForceReportUpdate:    func() { f.forced++ },
	})
}

func TestSplitsHotBundleUpToNamespaceCap(t *testing.T) {
	f := newSplitFixture()
	f.report.BundleStats["prop/cluster/ns/0x00000000_0x80000000"] = &model.NamespaceBundleStats{
		Topics:     2,
		MsgRateIn:  9000,
		MsgRateOut: 1000,
	}
	f.bundleCounts["prop/cluster/ns"] = 3

	f.splitter().DoBundleSplit(context.Background())
	assert.Equal(t, []string{"prop/cluster/ns/0x00000000_0x80000000"}, f.client.split)
	assert.Equal(t, 1, f.forced)

	// At the namespace cap no further splits are requested.
	f.bundleCounts["prop/cluster/ns"] = 4
	f.splitter().DoBundleSplit(context.Background())
	assert.Len(t, f.client.split, 1)
}

func TestSingleTopicBundleIsNotSplit(t *testing.T) {
	f := newSplitFixture()
	f.report.BundleStats["prop/cluster/ns/0x00000000_0x80000000"] = &model.NamespaceBundleStats{
		Topics:    1,
		MsgRateIn: 9000,
	}

	f.splitter().DoBundleSplit(context.Background())
	assert.Empty(t, f.client.split)
	assert.Zero(t, f.forced)
}

func TestQuietBundleIsNotSplit(t *testing.T) {
	f := newSplitFixture()
	f.report.BundleStats["prop/cluster/ns/0x00000000_0x80000000"] = &model.NamespaceBundleStats{
		Topics:        10,
		ProducerCount: 5,
		ConsumerCount: 5,
		MsgRateIn:     100,
	}

	f.splitter().DoBundleSplit(context.Background())
	assert.Empty(t, f.client.split)
}

func TestAutoSplitDisabledRunsDry(t *testing.T) {
	f := newSplitFixture()
	f.autoSplit = false
	f.report.BundleStats["prop/cluster/ns/0x00000000_0x80000000"] = &model.NamespaceBundleStats{
		Topics:    2,
		MsgRateIn: 9000,
	}

	f.splitter().DoBundleSplit(context.Background())
	assert.Empty(t, f.client.split)
	assert.Zero(t, f.forced)
}
