package kmscache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func countingLoader(calls *atomic.Int32, key []byte) Loader {
	return func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return append([]byte(nil), key...), nil
	}
}

func TestCache_HitAfterMiss(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	load := countingLoader(&calls, []byte("0123456789abcdef0123456789abcdef"))

	first, err := c.Get(context.Background(), "rec-1", "wrapped", load)
	require.NoError(t, err)
	second, err := c.Get(context.Background(), "rec-1", "wrapped", load)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCache_KeyedByRecordAndWrappedKey(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	load := countingLoader(&calls, []byte("k"))

	_, _ = c.Get(context.Background(), "rec-1", "wrapped-a", load)
	_, _ = c.Get(context.Background(), "rec-1", "wrapped-b", load)
	_, _ = c.Get(context.Background(), "rec-2", "wrapped-a", load)

	assert.Equal(t, int32(3), calls.Load())
}

func TestCache_SingleFlight(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	want := []byte("plaintext-data-key-0123456789abc")
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return append([]byte(nil), want...), nil
	}

	const n = 25
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "rec-1", "wrapped", load)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
}

func TestCache_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	want := []byte("plaintext-data-key-0123456789abc")
	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	load := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
			return nil, err
		}
		return append([]byte(nil), want...), nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, "rec-1", "wrapped", load)
		firstErr <- err
	}()
	<-started

	type result struct {
		plain []byte
		err   error
	}
	second := make(chan result, 1)
	go func() {
		plain, err := c.Get(context.Background(), "rec-1", "wrapped", load)
		second <- result{plain, err}
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, want, got.plain)
	assert.Nil(t, loadErr.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCache_CallersGetIndependentCopies(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	load := countingLoader(&calls, []byte("shared-key"))

	a, err := c.Get(context.Background(), "rec", "w", load)
	require.NoError(t, err)
	for i := range a {
		a[i] = 0
	}
	b, err := c.Get(context.Background(), "rec", "w", load)
	require.NoError(t, err)
	assert.Equal(t, "shared-key", string(b))
}

func TestCache_StoresSealedKeyOnly(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	plain := []byte("plaintext-data-key-0123456789abc")
	var calls atomic.Int32
	_, err = c.Get(context.Background(), "rec", "w", countingLoader(&calls, plain))
	require.NoError(t, err)

	v, ok := c.entries.Peek("rec\x00w")
	require.True(t, ok)
	sealed := v.(*entry).sealed
	assert.False(t, bytes.Contains(sealed, plain))
}

func TestCache_IdleExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c, err := New(Config{Size: 10, IdleTTL: time.Hour}, WithClock(clock.Now))
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	load := countingLoader(&calls, []byte("k"))

	_, _ = c.Get(context.Background(), "rec", "w", load)
	clock.Advance(50 * time.Minute)
	_, _ = c.Get(context.Background(), "rec", "w", load) // hit refreshes access time
	clock.Advance(50 * time.Minute)
	_, _ = c.Get(context.Background(), "rec", "w", load)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(61 * time.Minute)
	_, _ = c.Get(context.Background(), "rec", "w", load)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Bounded(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Size: 2, IdleTTL: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	load := countingLoader(&calls, []byte("k"))
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Get(context.Background(), id, "w", load)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	// "a" was least recently used and is gone
	_, _ = c.Get(context.Background(), "a", "w", load)
	assert.Equal(t, int32(4), calls.Load())
}

func TestCache_Disabled(t *testing.T) {
	t.Parallel()

	c, err := New(Config{Size: 0})
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	load := countingLoader(&calls, []byte("k"))
	for i := 0; i < 3; i++ {
		got, err := c.Get(context.Background(), "rec", "w", load)
		require.NoError(t, err)
		assert.Equal(t, "k", string(got))
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	var calls atomic.Int32
	failing := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("kms unavailable")
	}

	_, err = c.Get(context.Background(), "rec", "w", failing)
	assert.Error(t, err)
	_, err = c.Get(context.Background(), "rec", "w", failing)
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestNew_RejectsNegativeSize(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Size: -1})
	assert.Error(t, err)
}
