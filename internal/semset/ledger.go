package semset

import (
	"sync/atomic"
	"unsafe"

	"semset/internal/ipc/sysv"
)

const slotSize = int(unsafe.Sizeof(uint64(0)))

const (
	waitersMask = 1<<32 - 1
	epochOne    = 1 << 32
)

// ledger is the Block Ledger: one uint64 per counter in shared memory. The
// low half counts participants registered as blocked on the counter, the
// high half counts releases of it (the epoch). Both halves move through one
// atomic add, so a participant learns exactly which releases saw it
// registered. Slots are only touched through sync/atomic, which is atomic
// across processes mapping the same segment.
type ledger struct {
	seg   *sysv.Segment
	slots []uint64
}

func ledgerSize(n int) int {
	return n * slotSize
}

func newLedger(seg *sysv.Segment, n int) *ledger {
	b := seg.Bytes()
	return &ledger{
		seg:   seg,
		slots: unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n),
	}
}

func (l *ledger) slot(id CounterID) *uint64 {
	if int(id) >= len(l.slots) {
		return nil
	}
	return &l.slots[id]
}

func (l *ledger) reset() {
	for i := range l.slots {
		atomic.StoreUint64(&l.slots[i], 0)
	}
}

// register adds a waiter and returns the epoch it registered in. ok is false
// once the ledger is detached.
func (l *ledger) register(id CounterID) (epoch uint32, ok bool) {
	p := l.slot(id)
	if p == nil {
		return 0, false
	}
	return uint32(atomic.AddUint64(p, 1) >> 32), true
}

// deregister removes a waiter and returns the epoch it left in.
func (l *ledger) deregister(id CounterID) (epoch uint32, ok bool) {
	p := l.slot(id)
	if p == nil {
		return 0, false
	}
	return uint32(atomic.AddUint64(p, ^uint64(0)) >> 32), true
}

// announce starts a new epoch and returns how many waiters it saw. Each of
// them is owed one gate token.
func (l *ledger) announce(id CounterID) (waiters int, ok bool) {
	p := l.slot(id)
	if p == nil {
		return 0, false
	}
	return int(atomic.AddUint64(p, epochOne) & waitersMask), true
}

func (l *ledger) waiters(id CounterID) int {
	p := l.slot(id)
	if p == nil {
		return 0
	}
	return int(atomic.LoadUint64(p) & waitersMask)
}

func (l *ledger) blocked(id CounterID) bool {
	return l.waiters(id) > 0
}

func (l *ledger) detach() error {
	l.slots = nil
	return l.seg.Detach()
}
