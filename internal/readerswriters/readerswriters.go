// Package readerswriters expresses the readers-writers problem on top of a
// semaphore set. Readers share the critical section up to a bound, writers
// hold it alone.
package readerswriters

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"semset/internal/semset"
)

const (
	// ReadCount holds the number of free reader slots.
	ReadCount semset.CounterID = 0
	// Mutex is 1 while no writer is inside.
	Mutex semset.CounterID = 1
	// WriterWait is 0 while a writer is queued or inside. Only used with
	// writer preference.
	WriterWait semset.CounterID = 2
)

var ErrInvalidOptions = errors.New("invalid readers-writers options")

type Role string

const (
	Reader Role = "reader"
	Writer Role = "writer"
)

func (r Role) String() string {
	return string(r)
}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case Reader, Writer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

type State int

const (
	Idle State = iota
	WaitingToEnter
	InCriticalSection
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingToEnter:
		return "waiting-to-enter"
	case InCriticalSection:
		return "in-critical-section"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	MaxReaders       int
	WriterPreference bool
}

func (o Options) validate() error {
	if o.MaxReaders <= 0 {
		return fmt.Errorf("%w: max readers %d", ErrInvalidOptions, o.MaxReaders)
	}
	return nil
}

// Counters returns the initial counter values a set needs for opts.
func Counters(opts Options) map[semset.CounterID]int {
	counters := map[semset.CounterID]int{
		ReadCount: opts.MaxReaders,
		Mutex:     1,
	}
	if opts.WriterPreference {
		counters[WriterWait] = 1
	}
	return counters
}

// Semaphores is the part of *semset.Set the problem needs.
type Semaphores interface {
	Acquire(reqs ...semset.Requirement)
	Release(id semset.CounterID)
	Value(id semset.CounterID) int
}

// Visit is what one participant saw during one pass through the critical
// section. Times are wall clock nanoseconds so that visits of different
// processes compare.
type Visit struct {
	Role      Role  `msgpack:"role"`
	ID        int   `msgpack:"id"`
	Enter     int64 `msgpack:"enter"`
	Exit      int64 `msgpack:"exit"`
	ReadCount int   `msgpack:"read_count"`
	Mutex     int   `msgpack:"mutex"`
	Version   int   `msgpack:"version"`
}

// Body runs inside the critical section and returns the payload version it
// read or wrote.
type Body func() (int, error)

type Problem struct {
	logger *zap.Logger
	set    Semaphores
	opts   Options
}

func NewProblem(logger *zap.Logger, set Semaphores, opts Options) (*Problem, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Problem{
		logger: logger,
		set:    set,
		opts:   opts,
	}, nil
}

func (p *Problem) Options() Options {
	return p.opts
}

// Read takes a reader slot, runs body and gives the slot back. The mutex is
// only required, never taken.
func (p *Problem) Read(id int, body Body) (Visit, error) {
	log := p.logger.With(zap.Stringer("role", Reader), zap.Int("id", id))
	p.transition(log, WaitingToEnter)

	reqs := []semset.Requirement{
		semset.Need(ReadCount, 1, -1),
		semset.Need(Mutex, 1, 0),
	}
	if p.opts.WriterPreference {
		reqs = append(reqs, semset.Need(WriterWait, 1, 0))
	}
	p.set.Acquire(reqs...)

	visit, err := p.visit(log, Reader, id, body)

	p.set.Release(ReadCount)
	p.transition(log, Idle)

	return visit, err
}

// Write takes the mutex once every reader slot is free, runs body and
// releases the mutex.
func (p *Problem) Write(id int, body Body) (Visit, error) {
	log := p.logger.With(zap.Stringer("role", Writer), zap.Int("id", id))
	p.transition(log, WaitingToEnter)

	if p.opts.WriterPreference {
		p.set.Acquire(semset.Need(WriterWait, 1, -1))
	}
	p.set.Acquire(
		semset.Need(Mutex, 1, -1),
		semset.Need(ReadCount, p.opts.MaxReaders, 0),
	)

	visit, err := p.visit(log, Writer, id, body)

	p.set.Release(Mutex)
	if p.opts.WriterPreference {
		p.set.Release(WriterWait)
	}
	p.transition(log, Idle)

	return visit, err
}

func (p *Problem) visit(log *zap.Logger, role Role, id int, body Body) (Visit, error) {
	visit := Visit{
		Role:      role,
		ID:        id,
		Enter:     time.Now().UnixNano(),
		ReadCount: p.set.Value(ReadCount),
		Mutex:     p.set.Value(Mutex),
	}
	p.transition(log, InCriticalSection,
		zap.Int("read_count", visit.ReadCount),
		zap.Int("mutex", visit.Mutex),
	)

	version, err := body()
	visit.Version = version
	visit.Exit = time.Now().UnixNano()
	if err != nil {
		log.Error("critical section failed", zap.Error(err))
		return visit, fmt.Errorf("%s %d: %w", role, id, err)
	}

	return visit, nil
}

func (p *Problem) transition(log *zap.Logger, to State, fields ...zap.Field) {
	log.Debug("state", append(fields, zap.Stringer("state", to))...)
}
