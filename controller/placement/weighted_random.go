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

import "math/rand"

// pickWeightedRandom selects a broker with probability proportional to
// its rank. When every rank is zero (e.g. the fallback candidate set
// built without load information) the choice is uniform.
func pickWeightedRandom(candidates *RankedBrokers, rnd *rand.Rand) string {
	if candidates.IsEmpty() {
		return ""
	}

	totalWeight := int64(0)
	candidates.ForEach(func(rank int64, _ string) bool {
		totalWeight += rank
		return true
	})

	if totalWeight <= 0 {
		index := rnd.Intn(candidates.Size())
		selected := ""
		candidates.ForEach(func(_ int64, broker string) bool {
			if index == 0 {
				selected = broker
				return false
			}
			index--
			return true
		})
		return selected
	}

	target := rnd.Int63n(totalWeight)
	selected := ""
	candidates.ForEach(func(rank int64, broker string) bool {
		target -= rank
		selected = broker
		return target >= 0
	})
	return selected
}
