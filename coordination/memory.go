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
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process implementation of the coordination
// store, shared by any number of sessions. Each session holds its own
// ephemeral nodes, deleted when the session closes or expires.
type MemoryBackend struct {
	sync.Mutex

	nodes    map[string]*memoryNode
	watchers map[string][]*memoryWatcher
}

type memoryNode struct {
	data      []byte
	ephemeral bool
	sessionID string
}

type memoryWatcher struct {
	parent string
	ch     chan ChildEvent
	ctx    context.Context
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nodes:    make(map[string]*memoryNode),
		watchers: make(map[string][]*memoryWatcher),
	}
}

// NewSession opens a store handle with its own ephemeral-node session.
func (b *MemoryBackend) NewSession() Store {
	return &memorySession{
		backend:   b,
		sessionID: uuid.NewString(),
	}
}

func (b *MemoryBackend) notify(path string, eventType EventType) {
	for parent, watchers := range b.watchers {
		if childName(parent, path) == "" {
			continue
		}
		kept := watchers[:0]
		for _, w := range watchers {
			select {
			case <-w.ctx.Done():
				close(w.ch)
				continue
			default:
			}
			select {
			case w.ch <- ChildEvent{Type: eventType, Path: path}:
			default:
				// Watcher is not draining; the next event will
				// still force a full re-read on its side.
			}
			kept = append(kept, w)
		}
		b.watchers[parent] = kept
	}
}

// expireSession drops every ephemeral node of the given session,
// simulating a session loss.
func (b *MemoryBackend) expireSession(sessionID string) {
	b.Lock()
	defer b.Unlock()

	for path, n := range b.nodes {
		if n.ephemeral && n.sessionID == sessionID {
			delete(b.nodes, path)
			b.notify(path, EventNodeDeleted)
		}
	}
}

type memorySession struct {
	backend   *MemoryBackend
	sessionID string
	closed    bool
}

var _ Store = &memorySession{}

func (s *memorySession) Create(_ context.Context, path string, data []byte, ephemeral bool) error {
	b := s.backend
	b.Lock()
	defer b.Unlock()

	if _, ok := b.nodes[path]; ok {
		return ErrNodeExists
	}
	n := &memoryNode{data: append([]byte{}, data...), ephemeral: ephemeral}
	if ephemeral {
		n.sessionID = s.sessionID
	}
	b.nodes[path] = n
	b.notify(path, EventNodeCreated)
	return nil
}

func (s *memorySession) Get(_ context.Context, path string) ([]byte, error) {
	b := s.backend
	b.Lock()
	defer b.Unlock()

	n, ok := b.nodes[path]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return append([]byte{}, n.data...), nil
}

func (s *memorySession) Set(_ context.Context, path string, data []byte) error {
	b := s.backend
	b.Lock()
	defer b.Unlock()

	n, ok := b.nodes[path]
	if !ok {
		return ErrNodeNotFound
	}
	n.data = append([]byte{}, data...)
	b.notify(path, EventNodeDataChanged)
	return nil
}

func (s *memorySession) Delete(_ context.Context, path string) error {
	b := s.backend
	b.Lock()
	defer b.Unlock()

	if _, ok := b.nodes[path]; !ok {
		return ErrNodeNotFound
	}
	delete(b.nodes, path)
	b.notify(path, EventNodeDeleted)
	return nil
}

func (s *memorySession) Exists(_ context.Context, path string) (bool, error) {
	b := s.backend
	b.Lock()
	defer b.Unlock()

	_, ok := b.nodes[path]
	return ok, nil
}

func (s *memorySession) Children(_ context.Context, path string) ([]string, error) {
	b := s.backend
	b.Lock()
	defer b.Unlock()

	seen := make(map[string]bool)
	children := make([]string, 0)
	for key := range b.nodes {
		if name := childName(path, key); name != "" && !seen[name] {
			seen[name] = true
			children = append(children, name)
		}
	}
	return children, nil
}

func (s *memorySession) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	b := s.backend
	b.Lock()
	defer b.Unlock()

	w := &memoryWatcher{
		parent: strings.TrimSuffix(path, "/"),
		ch:     make(chan ChildEvent, 128),
		ctx:    ctx,
	}
	b.watchers[w.parent] = append(b.watchers[w.parent], w)
	return w.ch, nil
}

func (s *memorySession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.backend.expireSession(s.sessionID)
	return nil
}
