package amqp

import (
	"context"
	"sync"
)

// Latch counts in-flight transport writes. It can be counted up and down any
// number of times; Await returns once the count is zero.
type Latch struct {
	mu    sync.Mutex
	count int
	// zero is closed while count == 0 and replaced when the count leaves zero.
	zero chan struct{}
}

// NewLatch returns a latch with a zero count.
func NewLatch() *Latch {
	z := make(chan struct{})
	close(z)
	return &Latch{zero: z}
}

// CountUp registers one more in-flight write.
func (l *Latch) CountUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		l.zero = make(chan struct{})
	}
	l.count++
}

// CountDown retires one in-flight write. Extra calls at zero are ignored.
func (l *Latch) CountDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		logger.Error().Msg("latch count down below zero")
		return
	}
	l.count--
	if l.count == 0 {
		close(l.zero)
	}
}

// Count returns the number of in-flight writes.
func (l *Latch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Await blocks until the count reaches zero or ctx is done.
func (l *Latch) Await(ctx context.Context) error {
	l.mu.Lock()
	z := l.zero
	l.mu.Unlock()
	select {
	case <-z:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
