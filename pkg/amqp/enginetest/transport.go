package enginetest

import "sync"

type write struct {
	n    int
	done func(error)
}

// Transport records output. With Inline set every write is confirmed from
// inside Output; otherwise writes wait for Confirm.
type Transport struct {
	Inline bool
	// Addr is reported by RemoteAddr.
	Addr string

	mu      sync.Mutex
	data    []byte
	chunks  int
	pending []write
	closes  int
	// Written is signaled once per Output call when non-nil.
	Written chan int
}

func (t *Transport) Output(p []byte, done func(error)) {
	t.mu.Lock()
	t.data = append(t.data, p...)
	t.chunks++
	inline := t.Inline
	if !inline {
		t.pending = append(t.pending, write{n: len(p), done: done})
	}
	sig := t.Written
	t.mu.Unlock()
	if inline {
		done(nil)
	}
	if sig != nil {
		select {
		case sig <- len(p):
		default:
		}
	}
}

// Confirm completes the oldest unconfirmed write with err. It reports false
// when nothing was pending.
func (t *Transport) Confirm(err error) bool {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return false
	}
	w := t.pending[0]
	t.pending = t.pending[1:]
	t.mu.Unlock()
	w.done(err)
	return true
}

// ConfirmAll completes every pending write and returns how many there were.
func (t *Transport) ConfirmAll() int {
	n := 0
	for t.Confirm(nil) {
		n++
	}
	return n
}

// Unconfirmed returns the number of writes waiting for Confirm.
func (t *Transport) Unconfirmed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Data returns every byte handed to the transport, in order.
func (t *Transport) Data() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.data...)
}

// Chunks returns the number of Output calls.
func (t *Transport) Chunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	return nil
}

// Closes returns how many times Close was called.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *Transport) RemoteAddr() string {
	if t.Addr == "" {
		return "enginetest"
	}
	return t.Addr
}
