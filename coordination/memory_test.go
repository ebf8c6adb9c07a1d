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

package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreBasicOps(t *testing.T) {
	backend := NewMemoryBackend()
	store := backend.NewSession()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "/a/b", []byte("1"), false))
	assert.ErrorIs(t, store.Create(ctx, "/a/b", []byte("2"), false), ErrNodeExists)

	data, err := store.Get(ctx, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)

	require.NoError(t, store.Set(ctx, "/a/b", []byte("3")))
	data, err = store.Get(ctx, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), data)

	exists, err := store.Exists(ctx, "/a/b")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "/a/b"))
	_, err = store.Get(ctx, "/a/b")
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "/a/b"), ErrNodeNotFound)
	assert.ErrorIs(t, store.Set(ctx, "/a/b", nil), ErrNodeNotFound)
}

func TestMemoryStoreChildren(t *testing.T) {
	backend := NewMemoryBackend()
	store := backend.NewSession()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "/loadbalance/brokers/b1:8080", nil, true))
	require.NoError(t, store.Create(ctx, "/loadbalance/brokers/b2:8080", nil, true))
	require.NoError(t, store.Create(ctx, "/loadbalance/settings/strategy", nil, false))

	children, err := store.Children(ctx, "/loadbalance/brokers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1:8080", "b2:8080"}, children)
}

func TestMemoryStoreEphemeralExpiresWithSession(t *testing.T) {
	backend := NewMemoryBackend()
	owner := backend.NewSession()
	observer := backend.NewSession()
	ctx := context.Background()

	require.NoError(t, owner.Create(ctx, "/namespace/p/c/ns/0x0_0x8", []byte("o"), true))
	require.NoError(t, owner.Create(ctx, "/loadbalance/settings/x", []byte("p"), false))

	require.NoError(t, owner.Close())

	_, err := observer.Get(ctx, "/namespace/p/c/ns/0x0_0x8")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	// Persistent nodes survive the session.
	_, err = observer.Get(ctx, "/loadbalance/settings/x")
	assert.NoError(t, err)
}

func TestMemoryStoreWatchChildren(t *testing.T) {
	backend := NewMemoryBackend()
	store := backend.NewSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := store.WatchChildren(ctx, "/loadbalance/brokers")
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, "/loadbalance/brokers/b1:8080", nil, true))
	require.NoError(t, store.Set(ctx, "/loadbalance/brokers/b1:8080", []byte("r")))
	require.NoError(t, store.Delete(ctx, "/loadbalance/brokers/b1:8080"))

	expected := []EventType{EventNodeCreated, EventNodeDataChanged, EventNodeDeleted}
	for _, eventType := range expected {
		select {
		case event := <-events:
			assert.Equal(t, eventType, event.Type)
			assert.Equal(t, "/loadbalance/brokers/b1:8080", event.Path)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for watch event")
		}
	}

	// Changes outside the watched parent are not delivered.
	require.NoError(t, store.Create(ctx, "/loadbalance/settings/strategy", nil, false))
	select {
	case event := <-events:
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}
