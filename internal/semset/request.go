package semset

import (
	"errors"
	"fmt"
	"math"

	"semset/internal/ipc/sysv"
)

// CounterID names a counter inside a set. It is also the counter's index in
// the kernel array.
type CounterID uint16

// Requirement is one entry of an acquire request: counter ID must hold at
// least Min, and Delta is applied to it when the whole request succeeds.
// Delta 0 only guards.
type Requirement struct {
	ID    CounterID
	Min   int
	Delta int
}

// Need builds a Requirement.
func Need(id CounterID, min, delta int) Requirement {
	return Requirement{ID: id, Min: min, Delta: delta}
}

// threshold is the value the counter must hold for the entry to pass. A
// decrement larger than Min raises it, since the kernel keeps counters >= 0.
func (r Requirement) threshold() int {
	if -r.Delta > r.Min {
		return -r.Delta
	}
	return r.Min
}

var (
	ErrUnknownCounter   = errors.New("unknown counter")
	ErrDuplicateCounter = errors.New("counter appears twice in one request")
	ErrInvalidAmount    = errors.New("invalid threshold or delta")
)

// plan turns a request into one semop batch. A threshold t is expressed as
// the pair (-t, +t+delta): the kernel refuses the first op unless the counter
// holds t, and the pair nets out to delta. A zero second op would mean
// "wait for zero" to the kernel, so it is dropped.
func plan(n int, reqs []Requirement) ([]sysv.SemOp, error) {
	ops := make([]sysv.SemOp, 0, 2*len(reqs))
	seen := make(map[CounterID]struct{}, len(reqs))

	for _, r := range reqs {
		if int(r.ID) >= n {
			return nil, fmt.Errorf("%w: %d (set has %d)", ErrUnknownCounter, r.ID, n)
		}
		if _, ok := seen[r.ID]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateCounter, r.ID)
		}
		seen[r.ID] = struct{}{}

		if r.Min < 0 || r.Min > math.MaxInt16 || r.Delta < math.MinInt16 || r.Delta > math.MaxInt16 {
			return nil, fmt.Errorf("%w: counter %d min %d delta %d", ErrInvalidAmount, r.ID, r.Min, r.Delta)
		}

		const flags = sysv.NoWait | sysv.Undo
		t := r.threshold()
		if t == 0 {
			if r.Delta != 0 {
				ops = append(ops, sysv.SemOp{Num: uint16(r.ID), Delta: int16(r.Delta), Flags: flags})
			}
			continue
		}

		back := t + r.Delta
		if back > math.MaxInt16 {
			return nil, fmt.Errorf("%w: counter %d min %d delta %d", ErrInvalidAmount, r.ID, r.Min, r.Delta)
		}

		ops = append(ops, sysv.SemOp{Num: uint16(r.ID), Delta: int16(-t), Flags: flags})
		if back != 0 {
			ops = append(ops, sysv.SemOp{Num: uint16(r.ID), Delta: int16(back), Flags: flags})
		}
	}

	return ops, nil
}
