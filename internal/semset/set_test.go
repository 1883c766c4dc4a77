//go:build unit && linux

package semset_test

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"semset/internal/ipc/sysv"
	"semset/internal/semset"
)

const (
	readCount  = semset.CounterID(0)
	mutex      = semset.CounterID(1)
	maxReaders = 3
)

var (
	readerEntry = []semset.Requirement{
		semset.Need(readCount, 1, -1),
		semset.Need(mutex, 1, 0),
	}
	writerEntry = []semset.Requirement{
		semset.Need(mutex, 1, -1),
		semset.Need(readCount, maxReaders, 0),
	}
)

func newLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t,
		zaptest.Level(zapcore.InfoLevel),
		zaptest.WrapOptions(zap.WithFatalHook(zapcore.WriteThenPanic)),
	)
}

func newSet(t *testing.T, counters map[semset.CounterID]int, opts ...semset.Option) *semset.Set {
	t.Helper()

	set, err := semset.New(newLogger(t), sysv.Private, counters, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = set.Remove()
	})

	return set
}

func newReadersWritersSet(t *testing.T) *semset.Set {
	return newSet(t, map[semset.CounterID]int{readCount: maxReaders, mutex: 1})
}

func testKey(t *testing.T, proj byte) sysv.Key {
	t.Helper()

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	key, err := sysv.Ftok(path, proj)
	require.NoError(t, err)

	return key
}

func acquireAsync(set *semset.Set, reqs ...semset.Requirement) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		set.Acquire(reqs...)
		close(done)
	}()
	return done
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNew_RejectsInvalidCounters(t *testing.T) {
	logger := newLogger(t)

	_, err := semset.New(logger, sysv.Private, nil)
	assert.ErrorIs(t, err, semset.ErrNoCounters)

	_, err = semset.New(logger, sysv.Private, map[semset.CounterID]int{})
	assert.ErrorIs(t, err, semset.ErrNoCounters)

	_, err = semset.New(logger, sysv.Private, map[semset.CounterID]int{0: 1, 1: -1})
	assert.ErrorIs(t, err, semset.ErrNegativeInitial)
}

func TestNew_SparseIDs(t *testing.T) {
	set := newSet(t, map[semset.CounterID]int{0: 2, 3: 5})

	assert.Equal(t, 4, set.Len())
	assert.Equal(t, map[semset.CounterID]int{0: 2, 1: 0, 2: 0, 3: 5}, set.Values())
	assert.True(t, set.Owner())
}

// A failure half way through construction must not leave the objects that
// were already created behind.
func TestNew_FailureLeavesNothingReachable(t *testing.T) {
	key := testKey(t, 'c')

	squatter, err := sysv.CreateSegment(key.Offset(2), 8, 0600)
	require.NoError(t, err)
	defer func() {
		_ = squatter.Remove()
		_ = squatter.Detach()
	}()

	_, err = semset.New(newLogger(t), key, map[semset.CounterID]int{0: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, sysv.ErrExist)

	_, err = sysv.OpenSemArray(key, 1)
	assert.ErrorIs(t, err, sysv.ErrNotExist, "counters must have been removed")

	_, err = sysv.OpenSemArray(key.Offset(1), 1)
	assert.ErrorIs(t, err, sysv.ErrNotExist, "gate must have been removed")
}

func TestNew_KernelRejectsValue(t *testing.T) {
	_, err := semset.New(newLogger(t), sysv.Private, map[semset.CounterID]int{0: 1 << 20})
	require.Error(t, err)
	assert.Equal(t, "value out of range", sysv.Describe(err))
}

func TestAcquire_ScenarioA_ReaderBlocksWhenSlotsExhausted(t *testing.T) {
	set := newReadersWritersSet(t)

	for i := 0; i < maxReaders; i++ {
		set.Acquire(readerEntry...)
	}
	assert.Equal(t, 0, set.Value(readCount))

	fourth := acquireAsync(set, readerEntry...)

	require.Eventually(t, func() bool {
		return set.Waiters(readCount) == 1
	}, 2*time.Second, time.Millisecond)
	assert.False(t, isDone(fourth))
	assert.True(t, set.Blocked(readCount))

	set.Release(readCount)

	require.Eventually(t, func() bool {
		return isDone(fourth)
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, set.Value(readCount))
	assert.Equal(t, 1, set.Value(mutex))
	assert.False(t, set.Blocked(readCount), "ledger resets once the last waiter leaves")
}

func TestAcquire_ScenarioB_WriterWaitsForAllReaders(t *testing.T) {
	set := newReadersWritersSet(t)

	set.Acquire(readerEntry...)
	set.Acquire(readerEntry...)
	require.Equal(t, 1, set.Value(readCount))

	writer := acquireAsync(set, writerEntry...)

	require.Eventually(t, func() bool {
		return set.Waiters(readCount) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, set.Value(mutex), "a blocked writer must not hold the mutex")

	set.Release(readCount)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, isDone(writer))

	set.Release(readCount)

	require.Eventually(t, func() bool {
		return isDone(writer)
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, set.Value(mutex))
	assert.Equal(t, maxReaders, set.Value(readCount))
}

func TestAcquire_GuardReleaseWakesEveryReader(t *testing.T) {
	set := newReadersWritersSet(t)

	set.Acquire(writerEntry...)

	readers := make([]<-chan struct{}, maxReaders)
	for i := range readers {
		readers[i] = acquireAsync(set, readerEntry...)
	}

	require.Eventually(t, func() bool {
		return set.Waiters(mutex) == maxReaders
	}, 2*time.Second, time.Millisecond)

	set.Release(mutex)

	require.Eventually(t, func() bool {
		for _, r := range readers {
			if !isDone(r) {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, set.Value(readCount))
	assert.Equal(t, 1, set.Value(mutex))
}

func TestTryAcquire_NoPartialCommit(t *testing.T) {
	set := newSet(t, map[semset.CounterID]int{0: 1, 1: 0, 2: 4})

	before := set.Values()
	ok := set.TryAcquire(
		semset.Need(0, 1, -1),
		semset.Need(2, 1, -2),
		semset.Need(1, 1, -1),
	)
	assert.False(t, ok)
	assert.Equal(t, before, set.Values())

	ok = set.TryAcquire(
		semset.Need(0, 1, -1),
		semset.Need(2, 3, -2),
		semset.Need(1, 0, 0),
	)
	assert.True(t, ok)
	assert.Equal(t, map[semset.CounterID]int{0: 0, 1: 0, 2: 2}, set.Values())
}

func TestTryAcquire_DecrementImpliesThreshold(t *testing.T) {
	set := newSet(t, map[semset.CounterID]int{0: 1})

	assert.False(t, set.TryAcquire(semset.Need(0, 0, -2)))
	assert.Equal(t, 1, set.Value(0))
	assert.True(t, set.TryAcquire(semset.Need(0, 0, -1)))
	assert.Equal(t, 0, set.Value(0))
}

func TestRelease_WithoutWaitersOnlyIncrements(t *testing.T) {
	set := newReadersWritersSet(t)

	set.Acquire(readerEntry...)
	set.Release(readCount)
	set.ReleaseN(mutex, 2)

	assert.Equal(t, maxReaders, set.Value(readCount))
	assert.Equal(t, 3, set.Value(mutex))

	gate, err := sysv.SemArrayFromID(set.Identity().Gate, set.Len())
	require.NoError(t, err)
	values, err := gate.GetAll()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, values)
}

func TestAcquire_MutualExclusionUnderContention(t *testing.T) {
	set := newReadersWritersSet(t)

	const (
		readers    = 5
		writers    = 2
		iterations = 40
	)

	var (
		readersIn  atomic.Int32
		writersIn  atomic.Int32
		violations atomic.Int32
		wg         sync.WaitGroup
	)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				set.Acquire(readerEntry...)
				n := readersIn.Add(1)
				if n > maxReaders || writersIn.Load() != 0 {
					violations.Add(1)
				}
				time.Sleep(50 * time.Microsecond)
				readersIn.Add(-1)
				set.Release(readCount)
			}
		}()
	}

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				set.Acquire(writerEntry...)
				if writersIn.Add(1) != 1 || readersIn.Load() != 0 {
					violations.Add(1)
				}
				time.Sleep(50 * time.Microsecond)
				writersIn.Add(-1)
				set.Release(mutex)
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatal("participants did not finish, a wake-up was lost")
	}

	assert.Zero(t, violations.Load())
	assert.Equal(t, maxReaders, set.Value(readCount))
	assert.Equal(t, 1, set.Value(mutex))
	assert.Zero(t, set.Waiters(readCount))
	assert.Zero(t, set.Waiters(mutex))
}

func TestAttach_SharesCountersAndLedger(t *testing.T) {
	set := newReadersWritersSet(t)

	other, err := semset.Attach(newLogger(t), set.Identity())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, other.Close())
	}()

	assert.False(t, other.Owner())
	assert.Equal(t, set.Semid(), other.Semid())
	assert.ErrorIs(t, other.Remove(), semset.ErrNotOwner)

	for i := 0; i < maxReaders; i++ {
		other.Acquire(readerEntry...)
	}
	assert.Equal(t, 0, set.Value(readCount))

	blocked := acquireAsync(set, readerEntry...)
	require.Eventually(t, func() bool {
		return other.Waiters(readCount) == 1
	}, 2*time.Second, time.Millisecond)

	other.Release(readCount)
	require.Eventually(t, func() bool {
		return isDone(blocked)
	}, 2*time.Second, time.Millisecond)
}

func TestOpen_ByKey(t *testing.T) {
	key := testKey(t, 'o')
	logger := newLogger(t)

	set, err := semset.New(logger, key, map[semset.CounterID]int{readCount: maxReaders, mutex: 1})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, set.Remove())
	}()

	opened, err := semset.Open(logger, key, 2)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, opened.Close())
	}()

	opened.Acquire(writerEntry...)
	assert.Equal(t, 0, set.Value(mutex))
	opened.Release(mutex)
	assert.Equal(t, 1, set.Value(mutex))

	_, err = semset.Open(logger, key.Offset(100), 2)
	assert.ErrorIs(t, err, sysv.ErrNotExist)
}

func TestAttach_RejectsBadIdentity(t *testing.T) {
	_, err := semset.Attach(newLogger(t), semset.Identity{})
	assert.ErrorIs(t, err, semset.ErrNoCounters)

	_, err = semset.ParseIdentity("1,2,3")
	assert.ErrorIs(t, err, semset.ErrBadIdentity)

	id, err := semset.ParseIdentity("10, 11, 12, 2")
	require.NoError(t, err)
	assert.Equal(t, semset.Identity{Counters: 10, Gate: 11, Ledger: 12, Len: 2}, id)
	assert.Equal(t, "10,11,12,2", id.String())
}

func TestFatal_KernelErrorsTerminate(t *testing.T) {
	set, err := semset.New(newLogger(t), sysv.Private, map[semset.CounterID]int{0: 1})
	require.NoError(t, err)
	require.NoError(t, set.Remove())

	assert.Panics(t, func() {
		set.Value(0)
	})
	assert.Panics(t, func() {
		set.Release(0)
	})
}

func TestFatal_InvalidRequests(t *testing.T) {
	set := newReadersWritersSet(t)

	assert.Panics(t, func() {
		set.Acquire(semset.Need(readCount, 1, -1), semset.Need(readCount, 1, 0))
	})
	assert.Panics(t, func() {
		set.Acquire(semset.Need(7, 1, -1))
	})
	assert.Panics(t, func() {
		set.Acquire(semset.Need(readCount, -1, 0))
	})
	assert.Panics(t, func() {
		set.ReleaseN(readCount, 0)
	})
	assert.Equal(t, maxReaders, set.Value(readCount))
}
