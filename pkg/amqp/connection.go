package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/ericogr/amqp-plug/pkg/observability"
	"github.com/rs/zerolog"
)

// Transport is the network side of a connection. Output must not block on
// the network: it queues p and calls done once the bytes are written (or the
// write failed). done may run on any goroutine, including inline.
type Transport interface {
	Output(p []byte, done func(err error))
	// Close releases the network connection after queued output was attempted.
	Close() error
	RemoteAddr() string
}

// connSerial numbers connections for logs.
var connSerial atomix.Uint32

// Connection drives one engine against one transport. Every engine call,
// event dispatch and output-mark update happens while holding mu.
type Connection struct {
	id        uint32
	cfg       Config
	engine    Engine
	broker    Broker
	transport Transport
	log       zerolog.Logger
	created   time.Time

	// ctx scopes broker calls; canceled when the connection is destroyed.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[uint16]*sessionContext
	// failed holds links closed with a condition that the peer has not
	// detached yet. Their later events are dropped.
	failed      map[linkKey]struct{}
	pump        outputPump
	initialized bool
	closed      bool
	// destroyPending asks unlock to release the transport.
	destroyPending bool
	destroyed      bool

	// outbox holds claimed output in claim order until it is handed to the
	// transport outside mu. outMu is only ever taken after mu, never before.
	outMu    sync.Mutex
	outbox   [][]byte
	flushing bool

	writes *Latch
	// received counts Feed calls; seen is the count at the last
	// CheckDataReceived and is guarded by mu.
	received atomix.Uint32
	seen     uint32
}

// NewConnection wires engine to transport. The engine must not have been fed
// yet: the connection subscribes to its events here.
func NewConnection(engine Engine, transport Transport, broker Broker, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid adapter config: %w", err)
	}
	if engine == nil || transport == nil || broker == nil {
		return nil, fmt.Errorf("engine, transport and broker are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := connSerial.Add(1)
	c := &Connection{
		id:        id,
		cfg:       cfg,
		engine:    engine,
		broker:    broker,
		transport: transport,
		log:       logger.With().Uint32("conn", id).Str("remote", transport.RemoteAddr()).Logger(),
		created:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  map[uint16]*sessionContext{},
		failed:    map[linkKey]struct{}{},
		pump:      outputPump{engine: engine},
		writes:    NewLatch(),
	}
	engine.Subscribe(c.dispatch)
	observability.RecordConnectionOpened()
	c.log.Debug().Msg("connection created")
	return c, nil
}

// ID returns the process-unique connection number.
func (c *Connection) ID() uint32 { return c.id }

// CreationTime returns when the connection was created.
func (c *Connection) CreationTime() time.Time { return c.created }

// Config returns the adapter configuration of the connection.
func (c *Connection) Config() Config { return c.cfg }

// CheckDataReceived reports whether inbound bytes arrived since the previous
// call and resets the flag.
func (c *Connection) CheckDataReceived() bool {
	n := c.received.Add(0)
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == c.seen {
		return false
	}
	c.seen = n
	return true
}

// Feed hands inbound bytes to the engine, dispatching the events they
// produce and draining the resulting output. It is safe to call from the
// transport's goroutine. Bytes the engine does not accept, whether refused
// with iox.ErrWouldBlock or left over from a short accept, are retried in
// order with adaptive backoff, without holding the lock between attempts,
// until FeedTimeout elapses.
func (c *Connection) Feed(p []byte) error {
	c.received.Add(1)
	var bo iox.Backoff
	deadline := time.Now().Add(c.cfg.FeedTimeout)
	for len(p) > 0 {
		c.mu.Lock()
		if c.destroyed {
			c.unlock()
			return ErrConnectionClosed
		}
		n, err := c.engine.Feed(p)
		c.drainLocked()
		c.unlock()

		if n > 0 {
			p = p[n:]
		}
		if err != nil && !iox.IsWouldBlock(err) {
			return fmt.Errorf("feed engine: %w", err)
		}
		if len(p) == 0 {
			break
		}
		// a short accept without an error is retried like a refusal
		if n > 0 {
			bo.Reset()
			continue
		}
		if time.Now().After(deadline) {
			c.log.Error().Int("remaining", len(p)).Msg("engine kept refusing inbound bytes")
			return ErrFeedTimeout
		}
		bo.Wait()
	}
	c.throttle()
	return nil
}

// DrainOutput hands the transport any engine output produced since the last
// drain. It is a no-op when there is none.
func (c *Connection) DrainOutput() {
	c.mu.Lock()
	c.drainLocked()
	c.unlock()
}

// Flush lets sending links use available credit and drains the output.
// Transports call it periodically.
func (c *Connection) Flush() {
	c.mu.Lock()
	if !c.destroyed {
		for _, sc := range c.sessions {
			sc.pumpSenders()
		}
		c.drainLocked()
	}
	c.unlock()
	c.throttle()
}

// Close closes the engine connection, flushes the closing frames and releases
// the transport. It does not wait for the last write to be confirmed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.destroyed || c.destroyPending {
		c.unlock()
		return nil
	}
	c.closed = true
	c.closeSessionsLocked()
	c.engine.Close()
	c.drainLocked()
	c.destroyPending = true
	c.unlock()
	return nil
}

// AwaitWrites waits until every output handed to the transport has been
// confirmed. It must not be called from a dispatch callback.
func (c *Connection) AwaitWrites(ctx context.Context) error {
	return c.writes.Await(ctx)
}

// PendingWrites returns the number of unconfirmed transport writes.
func (c *Connection) PendingWrites() int { return c.writes.Count() }

// HighWaterMark returns the number of output bytes handed to the transport
// and not yet confirmed.
func (c *Connection) HighWaterMark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pump.mark
}

// SessionCount returns the number of live session contexts.
func (c *Connection) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Handler returns the delivery handler attached to the link with the given
// identity, or nil.
func (c *Connection) Handler(channel uint16, handle uint32) DeliveryHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.sessions[channel]
	if sc == nil {
		return nil
	}
	return sc.links[handle]
}

// Closed reports whether the connection has been destroyed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed || c.destroyPending
}

// drainLocked claims new engine output and queues it for the transport.
func (c *Connection) drainLocked() {
	if c.destroyed {
		return
	}
	out, err := c.pump.claim()
	if err != nil {
		c.log.Error().Err(err).Msg("drain output")
		return
	}
	if out == nil {
		return
	}
	c.writes.CountUp()
	observability.RecordOutputHanded(len(out))
	c.outMu.Lock()
	c.outbox = append(c.outbox, out)
	c.outMu.Unlock()
}

// unlock releases mu, hands queued output to the transport and performs a
// pending destroy. Every path that locks mu to touch the engine ends here.
func (c *Connection) unlock() {
	destroy := c.destroyPending && !c.destroyed
	if destroy {
		c.destroyed = true
		c.pump.reset()
	}
	c.mu.Unlock()
	c.flushOutbox()
	if destroy {
		c.destroy()
	}
}

// flushOutbox hands queued output to the transport in claim order. Only one
// goroutine flushes at a time; others leave their writes to it.
func (c *Connection) flushOutbox() {
	c.outMu.Lock()
	if c.flushing {
		c.outMu.Unlock()
		return
	}
	c.flushing = true
	for len(c.outbox) > 0 {
		p := c.outbox[0]
		c.outbox[0] = nil
		c.outbox = c.outbox[1:]
		c.outMu.Unlock()
		n := len(p)
		c.transport.Output(p, func(err error) { c.outputDone(n, err) })
		c.outMu.Lock()
	}
	c.flushing = false
	c.outMu.Unlock()
}

// outputDone retires n written bytes from the engine and the mark.
func (c *Connection) outputDone(n int, err error) {
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", n).Msg("transport write failed")
	}
	c.mu.Lock()
	if !c.destroyed {
		c.pump.retire(n)
	}
	c.mu.Unlock()
	c.writes.CountDown()
	observability.RecordOutputConfirmed(n)
}

// throttle waits, outside the lock, for the transport to catch up when too
// many writes are unconfirmed.
func (c *Connection) throttle() {
	if c.cfg.MaxPendingWrites <= 0 || c.writes.Count() <= c.cfg.MaxPendingWrites {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteDrainTimeout)
	defer cancel()
	if err := c.writes.Await(ctx); err != nil {
		c.log.Warn().Int("pending_writes", c.writes.Count()).Msg("transport did not confirm writes in time")
	}
}

// closeSessionsLocked closes and removes every session context.
func (c *Connection) closeSessionsLocked() {
	for ch, sc := range c.sessions {
		sc.close()
		delete(c.sessions, ch)
	}
}

func (c *Connection) destroy() {
	c.cancel()
	if err := c.transport.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close transport")
	}
	observability.RecordConnectionClosed()
	c.log.Debug().Dur("age", time.Since(c.created)).Msg("connection destroyed")
}
