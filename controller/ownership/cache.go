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

package ownership

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/streamnative/loadmanager/common/concurrent"
	"github.com/streamnative/loadmanager/common/process"
	"github.com/streamnative/loadmanager/controller/model"
	"github.com/streamnative/loadmanager/coordination"
)

var ErrNoOwner = errors.New("ownership: service unit has no owner")

// Cache tracks service-unit ownership. The coordination store's atomic
// create of an ephemeral node is the mutual exclusion primitive: the
// broker whose create succeeds owns the bundle until it releases it or
// its session ends. Locally owned bundles live in a keyed promise map
// so that concurrent acquisitions of one bundle share a single inflight
// create; everything else is resolved through a read-only cache of the
// remote nodes.
type Cache struct {
	store coordination.Store
	log   *slog.Logger

	selfOwner         EphemeralOwner
	selfOwnerDisabled EphemeralOwner
	selfOwnerData     []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	ownedBundles map[string]*acquisition
	remoteOwners map[string]EphemeralOwner
}

// acquisition is the shared in-flight (or completed) acquire of one
// bundle.
type acquisition struct {
	serviceUnit model.ServiceUnitID
	future      concurrent.Future[*OwnedBundle]

	// bundle is non-nil once the create succeeded.
	bundle *OwnedBundle
}

func NewCache(store coordination.Store, selfOwner EphemeralOwner) (*Cache, error) {
	selfOwnerData, err := json.Marshal(selfOwner)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize owner info")
	}

	disabled := selfOwner
	disabled.Disabled = true

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		store:             store,
		selfOwner:         selfOwner,
		selfOwnerDisabled: disabled,
		selfOwnerData:     selfOwnerData,
		ctx:               ctx,
		cancel:            cancel,
		ownedBundles:      make(map[string]*acquisition),
		remoteOwners:      make(map[string]EphemeralOwner),
		log: slog.With(
			slog.String("component", "ownership-cache"),
		),
	}
	c.startRemoteInvalidation()
	return c, nil
}

// startRemoteInvalidation drops read-only cache entries whenever the
// backing ephemeral node changes or disappears, so reads never serve
// the owner of a released bundle.
func (c *Cache) startRemoteInvalidation() {
	events, err := c.store.WatchChildren(c.ctx, NamespaceRoot)
	if err != nil {
		c.log.Warn(
			"Failed to watch the ownership root, disabling the remote owner cache",
			slog.Any("error", err),
		)
		c.mu.Lock()
		c.remoteOwners = nil
		c.mu.Unlock()
		return
	}

	go process.DoWithLabels(c.ctx, map[string]string{
		"component": "ownership-remote-invalidation",
	}, func() {
		for {
			select {
			case event, more := <-events:
				if !more {
					return
				}
				c.mu.Lock()
				delete(c.remoteOwners, event.Path)
				c.mu.Unlock()
			case <-c.ctx.Done():
				return
			}
		}
	})
}

// TryAcquire attempts to take ownership of the service unit. The
// returned future resolves with the winning broker's owner info: the
// local broker's own info when the ephemeral create succeeded, or the
// current owner's info when another broker got there first.
func (c *Cache) TryAcquire(serviceUnit model.ServiceUnitID) concurrent.Future[EphemeralOwner] {
	path := PathFor(serviceUnit)
	result := concurrent.NewFuture[EphemeralOwner]()

	c.mu.Lock()
	entry, inflight := c.ownedBundles[path]
	if !inflight {
		entry = &acquisition{
			serviceUnit: serviceUnit,
			future:      concurrent.NewFuture[*OwnedBundle](),
		}
		c.ownedBundles[path] = entry
	}
	c.mu.Unlock()

	if !inflight {
		c.log.Info(
			"Trying to acquire ownership",
			slog.String("service-unit", serviceUnit.String()),
		)
		go process.DoWithLabels(c.ctx, map[string]string{
			"component": "ownership-acquire",
		}, func() {
			c.runAcquire(path, entry)
		})
	}

	go process.DoWithLabels(c.ctx, map[string]string{
		"component": "ownership-acquire-wait",
	}, func() {
		c.resolveAcquire(path, entry, result)
	})

	return result
}

// runAcquire performs the ephemeral create backing the shared entry.
func (c *Cache) runAcquire(path string, entry *acquisition) {
	err := c.store.Create(c.ctx, path, c.selfOwnerData, true)
	if err == nil {
		c.mu.Lock()
		entry.bundle = newOwnedBundle(entry.serviceUnit)
		delete(c.remoteOwners, path)
		c.mu.Unlock()

		c.log.Info(
			"Successfully acquired ownership",
			slog.String("path", path),
		)
		entry.future.Complete(entry.bundle)
		return
	}

	// The entry must not stay pinned after a failure, or the next
	// caller could never retry.
	c.mu.Lock()
	if c.ownedBundles[path] == entry {
		delete(c.ownedBundles, path)
	}
	c.mu.Unlock()

	entry.future.Fail(err)
}

// resolveAcquire maps the shared acquisition outcome onto one caller's
// result future.
func (c *Cache) resolveAcquire(path string, entry *acquisition, result concurrent.Future[EphemeralOwner]) {
	_, err := entry.future.Wait(c.ctx)
	if err == nil {
		result.Complete(c.selfOwner)
		return
	}

	if !errors.Is(err, coordination.ErrNodeExists) {
		c.log.Warn(
			"Failed to acquire ownership",
			slog.String("path", path),
			slog.Any("error", err),
		)
		result.Fail(err)
		return
	}

	// Another broker won the race: surface its owner info. When the
	// read comes back empty the node got deleted in between; fail with
	// the original error so the caller retries from scratch.
	c.log.Info(
		"Failed to acquire ownership, already owned by another broker",
		slog.String("path", path),
	)
	owner, readErr := c.readRemoteOwner(path)
	switch {
	case readErr == nil:
		result.Complete(owner)
	case errors.Is(readErr, ErrNoOwner):
		result.Fail(err)
	default:
		c.log.Warn(
			"Failed to check ownership",
			slog.String("path", path),
			slog.Any("error", readErr),
		)
		result.Fail(err)
	}
}

// GetOwner returns the current owner of the service unit. A bundle in
// the local map is answered locally, even while the acquisition is
// still in flight; remote owners are read through the read-only cache.
func (c *Cache) GetOwner(ctx context.Context, serviceUnit model.ServiceUnitID) (EphemeralOwner, error) {
	path := PathFor(serviceUnit)

	c.mu.Lock()
	entry, ok := c.ownedBundles[path]
	if !ok {
		if owner, cached := c.remoteOwners[path]; cached {
			c.mu.Unlock()
			return owner, nil
		}
	}
	c.mu.Unlock()

	if ok {
		bundle, err := entry.future.Wait(ctx)
		if err != nil {
			return EphemeralOwner{}, err
		}
		if bundle.IsActive() {
			return c.selfOwner, nil
		}
		return c.selfOwnerDisabled, nil
	}

	return c.readRemoteOwner(path)
}

func (c *Cache) readRemoteOwner(path string) (EphemeralOwner, error) {
	data, err := c.store.Get(c.ctx, path)
	if errors.Is(err, coordination.ErrNodeNotFound) {
		return EphemeralOwner{}, ErrNoOwner
	}
	if err != nil {
		return EphemeralOwner{}, err
	}

	var owner EphemeralOwner
	if err = json.Unmarshal(data, &owner); err != nil {
		return EphemeralOwner{}, errors.Wrapf(err, "failed to deserialize owner info at %s", path)
	}

	c.mu.Lock()
	if c.remoteOwners != nil {
		c.remoteOwners[path] = owner
	}
	c.mu.Unlock()
	return owner, nil
}

// RemoveOwnership releases the bundle. On return the local cache no
// longer reports ownership; the ephemeral node delete happens in the
// background and is idempotent, since the node would expire with the
// session anyway.
func (c *Cache) RemoveOwnership(serviceUnit model.ServiceUnitID) {
	path := PathFor(serviceUnit)

	c.mu.Lock()
	_, owned := c.ownedBundles[path]
	delete(c.ownedBundles, path)
	delete(c.remoteOwners, path)
	c.mu.Unlock()

	if !owned {
		return
	}

	c.log.Info(
		"Removing ownership",
		slog.String("path", path),
	)
	go process.DoWithLabels(c.ctx, map[string]string{
		"component": "ownership-release",
	}, func() {
		if err := c.store.Delete(c.ctx, path); err != nil && !errors.Is(err, coordination.ErrNodeNotFound) {
			c.log.Warn(
				"Failed to delete the ownership node",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	})
}

// DisableOwnership flags the bundle as no longer accepting traffic
// while keeping the lock, and rewrites the ephemeral node so other
// brokers refetch the disabled state.
func (c *Cache) DisableOwnership(ctx context.Context, serviceUnit model.ServiceUnitID) error {
	path := PathFor(serviceUnit)

	c.mu.Lock()
	if entry, ok := c.ownedBundles[path]; ok && entry.bundle != nil {
		entry.bundle.active.Store(false)
	}
	delete(c.remoteOwners, path)
	c.mu.Unlock()

	data, err := json.Marshal(c.selfOwnerDisabled)
	if err != nil {
		return errors.Wrap(err, "failed to serialize owner info")
	}
	return c.store.Set(ctx, path, data)
}

// OwnedBundles snapshots the bundles whose acquisition has completed.
func (c *Cache) OwnedBundles() map[string]*OwnedBundle {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned := make(map[string]*OwnedBundle)
	for path, entry := range c.ownedBundles {
		if entry.bundle != nil {
			owned[path] = entry.bundle
		}
	}
	return owned
}

// IsServiceUnitOwned reports whether the bundle is locally owned and
// active.
func (c *Cache) IsServiceUnitOwned(serviceUnit model.ServiceUnitID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.ownedBundles[PathFor(serviceUnit)]
	return ok && entry.bundle != nil && entry.bundle.IsActive()
}

// SelfOwnerInfo returns the payload this cache writes for bundles it
// owns.
func (c *Cache) SelfOwnerInfo() EphemeralOwner {
	return c.selfOwner
}

func (c *Cache) Close() error {
	c.cancel()
	return nil
}
