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
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/emirpasic/gods/utils"
)

// RankedBrokers is an ordered rank -> brokers multimap. Iteration
// visits ranks in ascending order; insertion order is preserved within
// one rank. Snapshots are immutable once published.
type RankedBrokers struct {
	ranks *treemap.Map
	size  int
}

func NewRankedBrokers() *RankedBrokers {
	return &RankedBrokers{
		ranks: treemap.NewWith(utils.Int64Comparator),
	}
}

func (r *RankedBrokers) Put(rank int64, broker string) {
	var brokers *linkedhashset.Set
	if existing, ok := r.ranks.Get(rank); ok {
		brokers = existing.(*linkedhashset.Set)
	} else {
		brokers = linkedhashset.New()
		r.ranks.Put(rank, brokers)
	}
	if !brokers.Contains(broker) {
		brokers.Add(broker)
		r.size++
	}
}

func (r *RankedBrokers) Size() int {
	return r.size
}

func (r *RankedBrokers) IsEmpty() bool {
	return r.size == 0
}

// ForEach visits every (rank, broker) pair in rank order until the
// callback returns false.
func (r *RankedBrokers) ForEach(f func(rank int64, broker string) bool) {
	it := r.ranks.Iterator()
	for it.Next() {
		rank := it.Key().(int64)
		brokers := it.Value().(*linkedhashset.Set)
		brokerIt := brokers.Iterator()
		for brokerIt.Next() {
			if !f(rank, brokerIt.Value().(string)) {
				return
			}
		}
	}
}

// Brokers flattens the multimap in rank order.
func (r *RankedBrokers) Brokers() []string {
	brokers := make([]string, 0, r.size)
	r.ForEach(func(_ int64, broker string) bool {
		brokers = append(brokers, broker)
		return true
	})
	return brokers
}
