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
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNodeExists   = errors.New("coordination: node already exists")
	ErrNodeNotFound = errors.New("coordination: node not found")
	ErrSessionLost  = errors.New("coordination: session lost")
)

type EventType int

const (
	EventNodeCreated EventType = iota
	EventNodeDataChanged
	EventNodeDeleted
)

// ChildEvent notifies a change on a node below a watched path.
type ChildEvent struct {
	Type EventType
	Path string
}

// Store is the contract this controller requires from the coordination
// store: a strongly-consistent hierarchical key-value store with
// ephemeral nodes, watches and atomic create. Ephemeral nodes are bound
// to the session owning this Store instance and disappear when the
// session ends.
type Store interface {
	io.Closer

	// Create atomically creates the node, failing with ErrNodeExists
	// when another session got there first.
	Create(ctx context.Context, path string, data []byte, ephemeral bool) error

	Get(ctx context.Context, path string) ([]byte, error)

	Set(ctx context.Context, path string, data []byte) error

	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)

	// Children lists the names of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)

	// WatchChildren emits an event for every change below path. The
	// channel is closed when ctx is done or the store is closed.
	WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error)
}

// childName extracts the direct-child segment of key relative to the
// watched/listed parent, or "" when key is not below parent.
func childName(parent, key string) string {
	prefix := parent + "/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(key, prefix)
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
