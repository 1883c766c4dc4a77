package primitive

import "context"

// Semaphore is an in-process ticket semaphore. It bounds how many goroutines
// run a section at once; it has nothing to do with the kernel semaphores.
type Semaphore struct {
	tickets chan struct{}
}

func NewSemaphore(ticketsCount int) *Semaphore {
	if ticketsCount <= 0 {
		ticketsCount = 1
	}

	tickets := make(chan struct{}, ticketsCount)
	for i := 0; i < ticketsCount; i++ {
		tickets <- struct{}{}
	}
	return &Semaphore{
		tickets: tickets,
	}
}

func (s *Semaphore) Acquire() {
	<-s.tickets
}

// AcquireContext waits for a ticket or for ctx to end, whichever is first.
func (s *Semaphore) AcquireContext(ctx context.Context) error {
	select {
	case <-s.tickets:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.tickets:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	s.tickets <- struct{}{}
}

// Available is the number of free tickets at the moment of the call.
func (s *Semaphore) Available() int {
	return len(s.tickets)
}
