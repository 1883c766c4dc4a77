// Package semset implements semaphore sets shared by independent processes:
// several named counters that are acquired together, all-or-nothing, with a
// minimum-value condition per counter.
//
// A set is three kernel objects: the counters themselves, a gate array of
// the same length that parked participants sleep on, and a shared memory
// ledger recording how many participants are parked behind each counter.
// Acquire checks every condition, commits all deltas in one kernel call, and
// otherwise parks on the gate of the first counter that fell short. Release
// increments a counter, opens a new ledger epoch and puts one gate token
// per registered waiter. A waiter consumes exactly the tokens of the epochs
// it was registered in and hands back any token it took beyond that.
//
// Kernel failures are not recoverable here. Constructors return them; the
// runtime operations log them through the logger's Fatal path, so callers
// see either success or a terminated process.
package semset

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"semset/internal/ipc/sysv"
)

var (
	ErrNoCounters      = errors.New("semaphore set needs at least one counter")
	ErrNegativeInitial = errors.New("initial counter value must not be negative")
	ErrNotOwner        = errors.New("only the creating instance may remove the set")
	ErrBadIdentity     = errors.New("malformed set identity")
	ErrClosed          = errors.New("semaphore set handle is closed")
)

// Identity holds the kernel ids of a set, enough to attach to a private set
// from another process.
type Identity struct {
	Counters int
	Gate     int
	Ledger   int
	Len      int
}

func (id Identity) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", id.Counters, id.Gate, id.Ledger, id.Len)
}

func ParseIdentity(s string) (Identity, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: %q", ErrBadIdentity, s)
	}

	var nums [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %q: %w", ErrBadIdentity, s, err)
		}
		nums[i] = v
	}

	return Identity{Counters: nums[0], Gate: nums[1], Ledger: nums[2], Len: nums[3]}, nil
}

// Set is a handle on a semaphore set. It is safe for concurrent use by
// goroutines of one process; Close and Remove must not race other calls.
type Set struct {
	logger   *zap.Logger
	counters *sysv.SemArray
	gate     *sysv.SemArray
	ledger   *ledger
	owner    bool
}

// New creates a set with the given counters and initial values. Counter ids
// index the kernel array, so the set has max(id)+1 counters and ids absent
// from the map start at zero. A non-private key occupies key, key+1 (gate)
// and key+2 (ledger). Everything created before a failure is removed again.
func New(logger *zap.Logger, key sysv.Key, counters map[CounterID]int, opts ...Option) (*Set, error) {
	if len(counters) == 0 {
		logger.Error("cannot create semaphore set", zap.Error(ErrNoCounters))
		return nil, ErrNoCounters
	}

	n := 0
	for id, v := range counters {
		if v < 0 {
			err := fmt.Errorf("%w: counter %d = %d", ErrNegativeInitial, id, v)
			logger.Error("cannot create semaphore set", zap.Error(err))
			return nil, err
		}
		if int(id) >= n {
			n = int(id) + 1
		}
	}

	o := buildOptions(opts)

	var undo []func() error
	fail := func(step string, err error) (*Set, error) {
		logger.Error("cannot create semaphore set",
			zap.String("step", step),
			zap.Stringer("key", key),
			zap.String("reason", sysv.Describe(err)),
			zap.Error(err),
		)
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				logger.Warn("cleanup after failed create", zap.Error(uerr))
			}
		}
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	counterArr, err := sysv.CreateSemArray(key, n, o.perm)
	if err != nil {
		return fail("create counters", err)
	}
	undo = append(undo, counterArr.Remove)

	gate, err := sysv.CreateSemArray(key.Offset(1), n, o.perm)
	if err != nil {
		return fail("create gate", err)
	}
	undo = append(undo, gate.Remove)

	seg, err := sysv.CreateSegment(key.Offset(2), ledgerSize(n), o.perm)
	if err != nil {
		return fail("create ledger", err)
	}
	undo = append(undo, seg.Remove, seg.Detach)

	for i := 0; i < n; i++ {
		v := counters[CounterID(i)]
		if err := counterArr.Set(uint16(i), v); err != nil {
			return fail("init counter", err)
		}
		if err := gate.Set(uint16(i), 0); err != nil {
			return fail("init gate", err)
		}
		logger.Debug("counter initialised",
			zap.Int("semid", counterArr.ID()),
			zap.Int("counter", i),
			zap.Int("value", v),
		)
	}

	l := newLedger(seg, n)
	l.reset()

	return &Set{
		logger:   logger,
		counters: counterArr,
		gate:     gate,
		ledger:   l,
		owner:    true,
	}, nil
}

// Open attaches to a set created by New with the same non-private key.
func Open(logger *zap.Logger, key sysv.Key, n int) (*Set, error) {
	if n <= 0 {
		return nil, ErrNoCounters
	}

	counters, err := sysv.OpenSemArray(key, n)
	if err != nil {
		return nil, fmt.Errorf("open counters: %w", err)
	}

	gate, err := sysv.OpenSemArray(key.Offset(1), n)
	if err != nil {
		return nil, fmt.Errorf("open gate: %w", err)
	}

	seg, err := sysv.OpenSegment(key.Offset(2), ledgerSize(n))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	return attached(logger, counters, gate, seg, n), nil
}

// Attach joins a set by kernel ids, typically a private one whose Identity
// was handed over by its creator.
func Attach(logger *zap.Logger, id Identity) (*Set, error) {
	if id.Len <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCounters, id)
	}

	counters, err := sysv.SemArrayFromID(id.Counters, id.Len)
	if err != nil {
		return nil, fmt.Errorf("attach counters: %w", err)
	}

	gate, err := sysv.SemArrayFromID(id.Gate, id.Len)
	if err != nil {
		return nil, fmt.Errorf("attach gate: %w", err)
	}

	seg, err := sysv.AttachSegment(id.Ledger)
	if err != nil {
		return nil, fmt.Errorf("attach ledger: %w", err)
	}
	if seg.Size() < ledgerSize(id.Len) {
		err := fmt.Errorf("%w: ledger holds %d bytes, need %d", ErrBadIdentity, seg.Size(), ledgerSize(id.Len))
		return nil, errors.Join(err, seg.Detach())
	}

	return attached(logger, counters, gate, seg, id.Len), nil
}

func attached(logger *zap.Logger, counters, gate *sysv.SemArray, seg *sysv.Segment, n int) *Set {
	return &Set{
		logger:   logger,
		counters: counters,
		gate:     gate,
		ledger:   newLedger(seg, n),
	}
}

// Acquire blocks until every requirement holds, then applies all deltas at
// once. Each wake-up re-checks the whole request from the start.
func (s *Set) Acquire(reqs ...Requirement) {
	ops, err := plan(s.Len(), reqs)
	if err != nil {
		s.fatal("invalid acquire request", err)
		return
	}

	for attempt := 1; ; attempt++ {
		blocking, ok := s.check(reqs)
		if !ok {
			s.park(blocking, reqs)
			continue
		}

		if s.commit(ops) {
			if ce := s.logger.Check(zapcore.DebugLevel, "acquired"); ce != nil {
				ce.Write(zap.Int("attempts", attempt), zap.Ints("values", s.snapshot()))
			}
			return
		}

		s.logger.Debug("request changed between check and commit", zap.Int("attempt", attempt))
	}
}

// TryAcquire makes a single attempt. On false nothing was changed.
func (s *Set) TryAcquire(reqs ...Requirement) bool {
	ops, err := plan(s.Len(), reqs)
	if err != nil {
		s.fatal("invalid acquire request", err)
		return false
	}

	if _, ok := s.check(reqs); !ok {
		return false
	}

	return s.commit(ops)
}

// Release adds one to a counter.
func (s *Set) Release(id CounterID) {
	s.ReleaseN(id, 1)
}

// ReleaseN adds delta to a counter and wakes participants parked behind it.
// The increment lands before the wake so that a woken participant always
// sees it.
func (s *Set) ReleaseN(id CounterID, delta int) {
	if int(id) >= s.Len() {
		s.fatal("invalid release", fmt.Errorf("%w: %d", ErrUnknownCounter, id))
		return
	}
	if delta <= 0 || delta > math.MaxInt16 {
		s.fatal("invalid release", fmt.Errorf("%w: delta %d", ErrInvalidAmount, delta))
		return
	}

	if err := s.counters.Op(sysv.SemOp{Num: uint16(id), Delta: int16(delta), Flags: sysv.Undo}); err != nil {
		s.fatal("cannot release counter", err, zap.Int("counter", int(id)))
		return
	}

	s.wake(id)
}

// Value reads one counter.
func (s *Set) Value(id CounterID) int {
	v, err := s.counters.Get(uint16(id))
	if err != nil {
		s.fatal("cannot read counter", err, zap.Int("counter", int(id)))
		return 0
	}
	return v
}

// Values reads every counter, one at a time. Releases racing with the loop
// may show in some values and not in others.
func (s *Set) Values() map[CounterID]int {
	values := make(map[CounterID]int, s.Len())
	for i, v := range s.snapshot() {
		values[CounterID(i)] = v
	}
	return values
}

// Waiters returns how many participants are registered as blocked on id.
func (s *Set) Waiters(id CounterID) int {
	if int(id) >= s.Len() {
		return 0
	}
	return s.ledger.waiters(id)
}

// Blocked reports whether the ledger marks id as blocking someone.
func (s *Set) Blocked(id CounterID) bool {
	return int(id) < s.Len() && s.ledger.blocked(id)
}

// Semid is the kernel id of the counters, for logs.
func (s *Set) Semid() int {
	return s.counters.ID()
}

func (s *Set) Len() int {
	return s.counters.Len()
}

func (s *Set) Owner() bool {
	return s.owner
}

func (s *Set) Identity() Identity {
	return Identity{
		Counters: s.counters.ID(),
		Gate:     s.gate.ID(),
		Ledger:   s.ledger.seg.ID(),
		Len:      s.Len(),
	}
}

// Close detaches the ledger from this process. The kernel objects stay.
func (s *Set) Close() error {
	return s.ledger.detach()
}

// Remove destroys the kernel objects. Only the creating instance may do so.
// Participants still parked are woken with EIDRM and terminate.
func (s *Set) Remove() error {
	if !s.owner {
		return ErrNotOwner
	}

	return errors.Join(
		s.counters.Remove(),
		s.gate.Remove(),
		s.ledger.seg.Remove(),
		s.ledger.detach(),
	)
}

func (s *Set) check(reqs []Requirement) (Requirement, bool) {
	for _, r := range reqs {
		if v := s.Value(r.ID); v < r.threshold() {
			return r, false
		}
	}
	return Requirement{}, true
}

func (s *Set) commit(ops []sysv.SemOp) bool {
	err := s.counters.Op(ops...)
	switch {
	case err == nil:
		return true
	case errors.Is(err, sysv.ErrWouldBlock):
		return false
	default:
		s.fatal("cannot commit acquire", err)
		return false
	}
}

// park registers on the blocking counter, looks once more, and sleeps on its
// gate. A release that happened between the first check and the
// registration did not see us in the ledger, hence the second look.
func (s *Set) park(blocking Requirement, reqs []Requirement) {
	epoch, ok := s.ledger.register(blocking.ID)
	if !ok {
		s.fatal("cannot park", ErrClosed, zap.Int("counter", int(blocking.ID)))
		return
	}

	slept := false
	if again, ok := s.check(reqs); !ok && again.ID == blocking.ID {
		s.logger.Debug("blocked",
			zap.Int("counter", int(blocking.ID)),
			zap.Int("need", blocking.threshold()),
			zap.Int("waiters", s.ledger.waiters(blocking.ID)),
		)
		s.sleep(blocking.ID)
		slept = true
	}

	s.settle(blocking.ID, epoch, slept)
}

func (s *Set) sleep(id CounterID) {
	if err := s.gate.Op(sysv.SemOp{Num: uint16(id), Delta: -1}); err != nil {
		s.fatal("cannot park on gate", err, zap.Int("counter", int(id)))
		return
	}
	s.logger.Debug("woken", zap.Int("counter", int(id)))
}

// settle deregisters and squares the gate account. Every release during our
// registration put one token for us; slept means we took one. Missing tokens
// are still on their way from the releaser and are taken as they land. A
// token taken without being owed belonged to a participant that registered
// earlier and has not reached the gate yet: it goes back, and we let the gate
// drain before registering again so that we do not take it a second time.
func (s *Set) settle(id CounterID, registered uint32, slept bool) {
	left, ok := s.ledger.deregister(id)
	if !ok {
		return
	}

	owed := int(left - registered)
	taken := 0
	if slept {
		taken = 1
	}

	for ; taken < owed; taken++ {
		s.sleep(id)
	}

	if taken > owed {
		s.logger.Debug("handing back gate token", zap.Int("counter", int(id)))
		if err := s.gate.Op(sysv.SemOp{Num: uint16(id), Delta: 1}); err != nil {
			s.fatal("cannot hand back gate token", err, zap.Int("counter", int(id)))
			return
		}
		if err := s.gate.Op(sysv.SemOp{Num: uint16(id), Delta: 0}); err != nil {
			s.fatal("cannot wait for gate to drain", err, zap.Int("counter", int(id)))
			return
		}
	}
}

// wake opens a new epoch for id and puts one gate token per participant it
// saw registered.
func (s *Set) wake(id CounterID) {
	waiters, ok := s.ledger.announce(id)
	if !ok {
		s.fatal("cannot wake", ErrClosed, zap.Int("counter", int(id)))
		return
	}

	for rest := waiters; rest > 0; {
		tokens := min(rest, math.MaxInt16)
		if err := s.gate.Op(sysv.SemOp{Num: uint16(id), Delta: int16(tokens)}); err != nil {
			s.fatal("cannot raise gate", err, zap.Int("counter", int(id)))
			return
		}
		rest -= tokens
	}

	if waiters > 0 {
		s.logger.Debug("woke parked participants",
			zap.Int("counter", int(id)),
			zap.Int("waiters", waiters),
		)
	}
}

func (s *Set) snapshot() []int {
	values, err := s.counters.GetAll()
	if err != nil {
		s.fatal("cannot read counters", err)
		return nil
	}
	return values
}

func (s *Set) fatal(msg string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.Int("semid", s.counters.ID()),
		zap.String("reason", sysv.Describe(err)),
		zap.Error(err),
	)
	s.logger.Fatal(msg, fields...)
}
