// Package idgen generates time-ordered numeric identifiers without a shared counter.
//
// Layout of an id (62 bits):
//
//	| ms since 2025-01-01 UTC (40 bits) | worker (10 bits) | sequence (12 bits) |
//
// The time field lasts until 2059. Ids from one worker are strictly increasing. Two processes collide only if
// they derive the same worker id, which callers absorb by regenerating on a
// storage uniqueness failure.
package idgen

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	workerBits   = 10
	sequenceBits = 12

	MaxWorkerID = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1

	timeBits = 40
	timeMask = 1<<timeBits - 1

	// epochMS is 2025-01-01T00:00:00Z.
	epochMS = 1_735_689_600_000
)

// ErrClockMovedBackwards is returned when the wall clock regressed further
// than the generator is willing to wait out.
var ErrClockMovedBackwards = errors.New("clock moved backwards")

// ErrClockBeforeEpoch is returned when the wall clock reads before the id epoch.
var ErrClockBeforeEpoch = errors.New("clock before id epoch")

// Generator produces ids for one process. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	clock    func() time.Time
	sleep    func(time.Duration)
	worker   int64
	maxDrift time.Duration
	lastMS   int64
	seq      int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) { g.clock = clock }
}

// WithWorkerID fixes the worker id instead of deriving it.
func WithWorkerID(id int64) Option {
	return func(g *Generator) { g.worker = id & MaxWorkerID }
}

// WithMaxDrift sets the largest clock regression that is waited out.
func WithMaxDrift(d time.Duration) Option {
	return func(g *Generator) { g.maxDrift = d }
}

func withSleep(sleep func(time.Duration)) Option {
	return func(g *Generator) { g.sleep = sleep }
}

// New creates a Generator. Without WithWorkerID the worker id is derived from
// the host name, the process id and a random component.
func New(opts ...Option) *Generator {
	g := &Generator{
		clock:    time.Now,
		sleep:    time.Sleep,
		worker:   -1,
		maxDrift: 5 * time.Millisecond,
		lastMS:   -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.worker < 0 {
		g.worker = DeriveWorkerID()
	}
	return g
}

// DeriveWorkerID hashes process identity into the worker id space.
func DeriveWorkerID() int64 {
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(host + "|" + strconv.Itoa(os.Getpid()) + "|" + uuid.NewString()))
	return int64(binary.BigEndian.Uint64(sum[:8]) % (MaxWorkerID + 1))
}

// WorkerID returns the generator's worker id.
func (g *Generator) WorkerID() int64 {
	return g.worker
}

// Next returns the next id.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock().UnixMilli()
	if now < epochMS {
		return 0, fmt.Errorf("%w: %d", ErrClockBeforeEpoch, now)
	}
	if now < g.lastMS {
		drift := time.Duration(g.lastMS-now) * time.Millisecond
		if drift > g.maxDrift {
			return 0, fmt.Errorf("%w by %s", ErrClockMovedBackwards, drift)
		}
		for now < g.lastMS {
			g.sleep(time.Duration(g.lastMS-now) * time.Millisecond)
			now = g.clock().UnixMilli()
		}
	}

	if now == g.lastMS {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			// Sequence exhausted for this millisecond.
			for now <= g.lastMS {
				g.sleep(50 * time.Microsecond)
				now = g.clock().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now

	return ((now-epochMS)&timeMask)<<(workerBits+sequenceBits) | g.worker<<sequenceBits | g.seq, nil
}

// NextString returns the next id as a fixed-width decimal string, so string
// order matches numeric order.
func (g *Generator) NextString() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%019d", id), nil
}
