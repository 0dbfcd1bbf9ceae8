package transport

import (
	"net"
	"sync"
	"time"
)

type outWrite struct {
	p    []byte
	done func(error)
}

// connTransport queues output for a dedicated writer goroutine that confirms
// every buffer once the socket accepted it.
type connTransport struct {
	conn    net.Conn
	timeout time.Duration

	mu      sync.Mutex
	queue   []outWrite
	closing bool
	failed  error
	wake    chan struct{}
	done    chan struct{}
}

func newConnTransport(conn net.Conn, timeout time.Duration) *connTransport {
	return &connTransport{
		conn:    conn,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (t *connTransport) Output(p []byte, done func(error)) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		done(net.ErrClosed)
		return
	}
	t.queue = append(t.queue, outWrite{p: p, done: done})
	t.mu.Unlock()
	t.signal()
}

func (t *connTransport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Close lets the writer finish the queued output and then closes the socket.
func (t *connTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.signal()
	return nil
}

func (t *connTransport) RemoteAddr() string {
	if a := t.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (t *connTransport) writeLoop() {
	defer close(t.done)
	defer t.conn.Close()
	for {
		<-t.wake
		for {
			t.mu.Lock()
			batch := t.queue
			t.queue = nil
			closing := t.closing
			t.mu.Unlock()
			if len(batch) == 0 {
				if closing {
					return
				}
				break
			}
			for _, w := range batch {
				w.done(t.write(w.p))
			}
		}
	}
}

// write sends p, failing fast once an earlier write failed.
func (t *connTransport) write(p []byte) error {
	if t.failed != nil {
		return t.failed
	}
	if t.timeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	if _, err := t.conn.Write(p); err != nil {
		logger.Debug().Err(err).Str("remote", t.RemoteAddr()).Msg("[server] write error")
		t.failed = err
		return err
	}
	return nil
}
