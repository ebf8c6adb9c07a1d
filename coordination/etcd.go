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
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"

	"github.com/streamnative/loadmanager/common/process"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultSessionTTL  = 10 // seconds
)

type EtcdConfig struct {
	Endpoints  []string
	SessionTTL int64
}

// etcdStore maps the hierarchical node model onto etcd keys. Ephemeral
// nodes are keys attached to a per-store lease kept alive in the
// background; when the session is lost the lease expires and etcd
// deletes every node created through it.
type etcdStore struct {
	client  *clientv3.Client
	leaseID clientv3.LeaseID

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

var _ Store = &etcdStore{}

func NewEtcdStore(config EtcdConfig) (Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to the coordination store")
	}

	ttl := config.SessionTTL
	if ttl == 0 {
		ttl = defaultSessionTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	lease, err := client.Grant(ctx, ttl)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to create the session lease")
	}

	keepAlive, err := client.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to keep the session lease alive")
	}

	s := &etcdStore{
		client:  client,
		leaseID: lease.ID,
		ctx:     ctx,
		cancel:  cancel,
		log: slog.With(
			slog.String("component", "coordination-store"),
		),
	}

	go process.DoWithLabels(ctx, map[string]string{
		"component": "coordination-lease-keepalive",
	}, func() {
		for range keepAlive {
		}
		s.log.Warn("Session lease keep-alive channel closed")
	})

	return s, nil
}

func (s *etcdStore) Create(ctx context.Context, path string, data []byte, ephemeral bool) error {
	opts := []clientv3.OpOption{}
	if ephemeral {
		opts = append(opts, clientv3.WithLease(s.leaseID))
	}

	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), opts...)).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "failed to create node %s", path)
	}
	if !txn.Succeeded {
		return ErrNodeExists
	}
	return nil
}

func (s *etcdStore) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read node %s", path)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNodeNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *etcdStore) Set(ctx context.Context, path string, data []byte) error {
	// Keep the node on its original lease: overwriting an ephemeral
	// node must not turn it persistent.
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "failed to read node %s", path)
	}
	if len(resp.Kvs) == 0 {
		return ErrNodeNotFound
	}

	opts := []clientv3.OpOption{}
	if resp.Kvs[0].Lease != 0 {
		opts = append(opts, clientv3.WithLease(clientv3.LeaseID(resp.Kvs[0].Lease)))
	}
	if _, err = s.client.Put(ctx, path, string(data), opts...); err != nil {
		return errors.Wrapf(err, "failed to update node %s", path)
	}
	return nil
}

func (s *etcdStore) Delete(ctx context.Context, path string) error {
	resp, err := s.client.Delete(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "failed to delete node %s", path)
	}
	if resp.Deleted == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *etcdStore) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := s.client.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, errors.Wrapf(err, "failed to check node %s", path)
	}
	return resp.Count > 0, nil
}

func (s *etcdStore) Children(ctx context.Context, path string) ([]string, error) {
	resp, err := s.client.Get(ctx, path+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list children of %s", path)
	}

	seen := make(map[string]bool)
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if name := childName(path, string(kv.Key)); name != "" && !seen[name] {
			seen[name] = true
			children = append(children, name)
		}
	}
	return children, nil
}

func (s *etcdStore) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	events := make(chan ChildEvent, 128)

	go process.DoWithLabels(ctx, map[string]string{
		"component": "coordination-watch",
		"path":      path,
	}, func() {
		defer close(events)

		b := backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithMaxElapsedTime(0)), ctx)

		for {
			watchCh := s.client.Watch(clientv3.WithRequireLeader(ctx), path+"/", clientv3.WithPrefix())
			for resp := range watchCh {
				if err := resp.Err(); err != nil {
					s.log.Warn(
						"Watch stream error",
						slog.String("path", path),
						slog.Any("error", err),
					)
					break
				}
				b.Reset()
				for _, ev := range resp.Events {
					event := ChildEvent{Path: string(ev.Kv.Key)}
					switch {
					case ev.Type == clientv3.EventTypeDelete:
						event.Type = EventNodeDeleted
					case ev.IsCreate():
						event.Type = EventNodeCreated
					default:
						event.Type = EventNodeDataChanged
					}
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				}
			}

			// The watch stream was interrupted: back off, then
			// re-establish it.
			next := b.NextBackOff()
			if next == backoff.Stop {
				return
			}
			select {
			case <-time.After(next):
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	})

	return events, nil
}

func (s *etcdStore) Close() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()

	var err error
	if _, revokeErr := s.client.Revoke(ctx, s.leaseID); revokeErr != nil {
		err = multierr.Append(err, revokeErr)
	}
	return multierr.Append(err, s.client.Close())
}
