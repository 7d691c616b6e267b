package idgen

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances by one millisecond every n reads.
type stepClock struct {
	mu    sync.Mutex
	now   time.Time
	n     int
	reads int
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.reads%c.n == 0 {
		c.now = c.now.Add(time.Millisecond)
	}
	return c.now
}

func TestNext_NoDuplicates(t *testing.T) {
	g := New(WithWorkerID(7))

	const n = 100_000
	seen := make(map[int64]struct{}, n)
	for i := 0; i < n; i++ {
		id, err := g.Next()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d at %d", id, i)
		seen[id] = struct{}{}
	}
}

func TestNext_ConcurrentNoDuplicates(t *testing.T) {
	g := New(WithWorkerID(1))

	const workers, per = 8, 5_000
	ids := make(chan int64, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				id, err := g.Next()
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, workers*per)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, workers*per)
}

func TestNextString_OrderedOverTime(t *testing.T) {
	clock := &stepClock{now: time.UnixMilli(1_760_000_000_000), n: 3}
	g := New(WithWorkerID(42), WithClock(clock.Now))

	prev := ""
	for i := 0; i < 1_000; i++ {
		s, err := g.NextString()
		require.NoError(t, err)
		assert.Len(t, s, 19)
		assert.Greater(t, s, prev)
		prev = s
	}
}

func TestNext_SequenceOverflowWaitsForNextMillisecond(t *testing.T) {
	base := time.UnixMilli(1_760_000_000_000)
	now := base
	var slept int
	g := New(WithWorkerID(3),
		WithClock(func() time.Time { return now }),
		withSleep(func(time.Duration) {
			slept++
			now = now.Add(time.Millisecond)
		}),
	)

	var last int64
	for i := 0; i <= maxSequence+1; i++ {
		id, err := g.Next()
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, 1, slept)
	assert.Equal(t, base.Add(time.Millisecond).UnixMilli()-epochMS, last>>(workerBits+sequenceBits))
}

func TestNext_OrderedAcrossDecimalBoundaries(t *testing.T) {
	for _, ms := range []int64{1_999_999_999_999, 2_799_999_999_999} {
		now := time.UnixMilli(ms)
		g := New(WithWorkerID(7), WithClock(func() time.Time { return now }))

		before, err := g.NextString()
		require.NoError(t, err)
		now = now.Add(2 * time.Millisecond)
		after, err := g.NextString()
		require.NoError(t, err)
		assert.Greater(t, after, before, "at %d", ms)
		assert.Len(t, after, 19)
	}
}

func TestNext_ClockBeforeEpoch(t *testing.T) {
	g := New(WithWorkerID(1), WithClock(func() time.Time { return time.UnixMilli(epochMS - 1) }))
	_, err := g.Next()
	assert.ErrorIs(t, err, ErrClockBeforeEpoch)
}

func TestNext_ClockRegression(t *testing.T) {
	t.Run("small regression is waited out", func(t *testing.T) {
		now := time.UnixMilli(1_760_000_000_100)
		g := New(WithWorkerID(1),
			WithClock(func() time.Time { return now }),
			withSleep(func(d time.Duration) { now = now.Add(d) }),
		)
		first, err := g.Next()
		require.NoError(t, err)

		now = now.Add(-3 * time.Millisecond)
		second, err := g.Next()
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})

	t.Run("large regression fails", func(t *testing.T) {
		now := time.UnixMilli(1_760_000_000_100)
		g := New(WithWorkerID(1), WithClock(func() time.Time { return now }))
		_, err := g.Next()
		require.NoError(t, err)

		now = now.Add(-time.Second)
		_, err = g.Next()
		assert.ErrorIs(t, err, ErrClockMovedBackwards)
	})
}

func TestDeriveWorkerID_InRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := DeriveWorkerID()
		assert.GreaterOrEqual(t, id, int64(0))
		assert.LessOrEqual(t, id, int64(MaxWorkerID))
	}
}

func TestNext_EncodesWorker(t *testing.T) {
	g := New(WithWorkerID(513))
	id, err := g.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(513), (id>>sequenceBits)&MaxWorkerID)
}
