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

package concurrent

import (
	"context"
	"sync"
)

// Future is a one-shot container for the eventual result of an
// asynchronous operation. Multiple goroutines may Wait on the same
// future; only the first Complete or Fail takes effect.
type Future[T any] interface {

	// Wait until the future is either completed or failed
	Wait(ctx context.Context) (T, error)

	Complete(result T)

	// Fail signals that the operation has failed
	Fail(err error)
}

type future[T any] struct {
	once sync.Once
	done chan struct{}

	t   T
	err error
}

func NewFuture[T any]() Future[T] {
	return &future[T]{
		done: make(chan struct{}),
	}
}

func (f *future[T]) Wait(ctx context.Context) (t T, err error) {
	select {
	case <-f.done:
		return f.t, f.err

	case <-ctx.Done():
		return t, ctx.Err()
	}
}

func (f *future[T]) Complete(result T) {
	f.once.Do(func() {
		f.t = result
		close(f.done)
	})
}

func (f *future[T]) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}
