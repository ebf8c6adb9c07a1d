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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureComplete(t *testing.T) {
	f := NewFuture[int]()
	go f.Complete(42)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	// Waiting again observes the same result.
	v, err = f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureFail(t *testing.T) {
	errFailed := errors.New("failed")
	f := NewFuture[int]()
	f.Fail(errFailed)

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, errFailed)
}

func TestFutureFirstOutcomeWins(t *testing.T) {
	f := NewFuture[int]()
	f.Complete(1)
	f.Complete(2)
	f.Fail(errors.New("too late"))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureWaitCancellation(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureMultipleWaiters(t *testing.T) {
	f := NewFuture[string]()

	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		go func() {
			v, _ := f.Wait(context.Background())
			results <- v
		}()
	}
	f.Complete("done")

	for i := 0; i < 3; i++ {
		assert.Equal(t, "done", <-results)
	}
}
