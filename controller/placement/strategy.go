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

import "github.com/streamnative/loadmanager/controller/model"

const (
	StrategyLeastLoadedServer       = "leastLoadedServer"
	StrategyWeightedRandomSelection = "weightedRandomSelection"
)

// Strategy ranks brokers for one placement policy. Under
// leastLoadedServer the rank is the estimated load percentage (lower is
// better); under weightedRandomSelection it is the estimated free
// capacity (higher is better), which also serves as the selection
// weight.
type Strategy interface {
	Name() string

	Rank(ranking *model.ResourceUnitRanking) int64
}

type leastLoadedServer struct{}

func (leastLoadedServer) Name() string {
	return StrategyLeastLoadedServer
}

func (leastLoadedServer) Rank(ranking *model.ResourceUnitRanking) int64 {
	return int64(ranking.EstimatedLoadPercentage())
}

type weightedRandomSelection struct{}

func (weightedRandomSelection) Name() string {
	return StrategyWeightedRandomSelection
}

func (weightedRandomSelection) Rank(ranking *model.ResourceUnitRanking) int64 {
	idleRatio := (100 - ranking.EstimatedLoadPercentage()) / 100
	if idleRatio < 0 {
		idleRatio = 0
	}
	return int64(float64(ranking.EstimatedMaxCapacity()) * idleRatio * idleRatio)
}

// StrategyFor resolves the configured strategy name, defaulting to
// weighted random selection for unknown values.
func StrategyFor(name string) Strategy {
	if name == StrategyLeastLoadedServer {
		return leastLoadedServer{}
	}
	return weightedRandomSelection{}
}
