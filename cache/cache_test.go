/*
   Copyright The regfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireMissBuildsOnce(t *testing.T) {
	c := New[string, int]()
	var builds int32
	ctor := func(ctx context.Context) (int, time.Duration, error) {
		atomic.AddInt32(&builds, 1)
		return 42, time.Minute, nil
	}

	h1, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	assert.Equal(t, 42, h1.Value())

	h2, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	assert.Equal(t, 42, h2.Value())
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	h1.Release(false)
	h2.Release(false)
}

func TestAcquireConcurrentMissSingleFlights(t *testing.T) {
	c := New[string, int]()
	var builds int32
	ctor := func(ctx context.Context) (int, time.Duration, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(5 * time.Millisecond)
		return 7, time.Minute, nil
	}

	const n = 20
	var wg sync.WaitGroup
	handles := make([]*Handle[int], n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), "shared", ctor)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	for _, h := range handles {
		assert.Equal(t, 7, h.Value())
		h.Release(false)
	}
}

func TestAcquireConstructorError(t *testing.T) {
	c := New[string, int]()
	wantErr := errors.New("upstream unavailable")
	_, err := c.Acquire(context.Background(), "k", func(ctx context.Context) (int, time.Duration, error) {
		return 0, 0, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, c.Len())
}

func TestExpiredEntryRebuildsOnNextAcquire(t *testing.T) {
	c := New[string, int]()
	var builds int32
	ctor := func(ctx context.Context) (int, time.Duration, error) {
		n := atomic.AddInt32(&builds, 1)
		return int(n), time.Millisecond, nil
	}

	h1, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	assert.Equal(t, 1, h1.Value())
	h1.Release(false)

	time.Sleep(5 * time.Millisecond)

	h2, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	assert.Equal(t, 2, h2.Value())
	h2.Release(false)
}

func TestPoisonedReleaseForcesRebuild(t *testing.T) {
	c := New[string, int]()
	var builds int32
	ctor := func(ctx context.Context) (int, time.Duration, error) {
		n := atomic.AddInt32(&builds, 1)
		return int(n), time.Hour, nil
	}

	h1, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	assert.Equal(t, 1, h1.Value())
	h1.Release(true)

	h2, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	assert.Equal(t, 2, h2.Value())
	h2.Release(false)
}

func TestOutstandingHandleSurvivesPoisonUntilReleased(t *testing.T) {
	c := New[string, int]()
	ctor := func(ctx context.Context) (int, time.Duration, error) {
		return 1, time.Hour, nil
	}

	h1, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	h2, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)

	h1.Release(true)
	// h2 still holds a reference; its already-fetched value stays valid for
	// its own use even though the entry is now poisoned for future Acquires.
	assert.Equal(t, 1, h2.Value())
	h2.Release(false)

	assert.Equal(t, 0, c.Len())
}

func TestInvalidateEvictsUnreferencedEntry(t *testing.T) {
	c := New[string, int]()
	ctor := func(ctx context.Context) (int, time.Duration, error) {
		return 1, time.Hour, nil
	}
	h, err := c.Acquire(context.Background(), "k", ctor)
	require.NoError(t, err)
	h.Release(false)

	assert.Equal(t, 1, c.Len())
	c.Invalidate("k")
	assert.Equal(t, 0, c.Len())
}
