package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/panjf2000/gnet/v2"
)

// GnetServer serves AMQP connections from gnet event loops. Writes are
// confirmed by AsyncWrite callbacks on the loop that owns the connection.
type GnetServer struct {
	gnet.BuiltinEventEngine

	opts      Options
	addr      string
	multicore bool
	// maxPending holds reads back while a connection has more unconfirmed
	// writes. Zero disables it.
	maxPending int
	engine     gnet.Engine

	mu    sync.Mutex
	conns map[*amqp.Connection]*gnetConn
}

// gnetConn is stored as the gnet.Conn context.
type gnetConn struct {
	conn *amqp.Connection
	// missed counts idle ticks without inbound bytes.
	missed int
	// deferred is set while inbound bytes wait for writes to be confirmed.
	// Only the owning event loop touches it.
	deferred bool
}

// NewGnetServer returns a server for addr ("host:port"). The connection never
// waits for unconfirmed writes here: the confirmations run on the same event
// loop that would be waiting. Config.MaxPendingWrites instead holds reads back
// until the write callbacks catch up.
func NewGnetServer(addr string, multicore bool, opts Options) (*GnetServer, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	maxPending := o.Config.MaxPendingWrites
	o.Config.MaxPendingWrites = 0
	return &GnetServer{
		opts:       o,
		addr:       addr,
		multicore:  multicore,
		maxPending: maxPending,
		conns:      map[*amqp.Connection]*gnetConn{},
	}, nil
}

// Start runs the event loops until Stop is called.
func (s *GnetServer) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.multicore),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTicker(s.opts.Config.IdleTimeout > 0),
	}
	return gnet.Run(s, "tcp://"+s.addr, options...)
}

// Stop closes every connection and stops the engine.
func (s *GnetServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*amqp.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return s.engine.Stop(ctx)
}

// Connections returns the number of live connections.
func (s *GnetServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *GnetServer) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	logger.Info().Str("addr", s.addr).Bool("multicore", s.multicore).Msg("[gnet] listening")
	return gnet.None
}

func (s *GnetServer) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	engine, err := s.opts.Engine()
	if err != nil {
		logger.Error().Err(err).Msg("[gnet] create engine")
		return nil, gnet.Close
	}
	t := &gnetTransport{conn: c, maxPending: s.maxPending}
	conn, err := amqp.NewConnection(engine, t, s.opts.Broker, s.opts.Config)
	if err != nil {
		logger.Error().Err(err).Msg("[gnet] create connection")
		return nil, gnet.Close
	}
	gc := &gnetConn{conn: conn}
	t.gc = gc
	c.SetContext(gc)
	s.mu.Lock()
	s.conns[conn] = gc
	s.mu.Unlock()
	return nil, gnet.None
}

func (s *GnetServer) OnClose(c gnet.Conn, err error) gnet.Action {
	gc, ok := c.Context().(*gnetConn)
	if !ok {
		return gnet.None
	}
	if err != nil {
		logger.Debug().Err(err).Uint32("conn", gc.conn.ID()).Msg("[gnet] connection closed with error")
	}
	gc.conn.Close()
	s.mu.Lock()
	delete(s.conns, gc.conn)
	s.mu.Unlock()
	return gnet.None
}

func (s *GnetServer) OnTraffic(c gnet.Conn) gnet.Action {
	gc, ok := c.Context().(*gnetConn)
	if !ok {
		logger.Error().Msg("[gnet] connection context not found")
		return gnet.Close
	}
	if s.maxPending > 0 && gc.conn.PendingWrites() > s.maxPending {
		// leave the bytes in the inbound buffer; the write callback wakes us
		gc.deferred = true
		return gnet.None
	}
	gc.deferred = false
	buf, err := c.Next(-1)
	if err != nil {
		logger.Error().Err(err).Msg("[gnet] read error")
		return gnet.Close
	}
	if err := gc.conn.Feed(buf); err != nil {
		logger.Debug().Err(err).Uint32("conn", gc.conn.ID()).Msg("[gnet] feed error")
		return gnet.Close
	}
	return gnet.None
}

// OnTick flushes every connection and closes those idle for two periods.
func (s *GnetServer) OnTick() (time.Duration, gnet.Action) {
	s.mu.Lock()
	conns := make([]*gnetConn, 0, len(s.conns))
	for _, gc := range s.conns {
		conns = append(conns, gc)
	}
	s.mu.Unlock()
	for _, gc := range conns {
		if gc.conn.CheckDataReceived() {
			gc.missed = 0
		} else {
			gc.missed++
		}
		if gc.missed >= 2 {
			logger.Info().Uint32("conn", gc.conn.ID()).Msg("[gnet] closing idle connection")
			gc.conn.Close()
			continue
		}
		gc.conn.Flush()
	}
	return s.opts.Config.IdleTimeout, gnet.None
}

// gnetTransport adapts gnet.Conn to amqp.Transport.
type gnetTransport struct {
	conn       gnet.Conn
	gc         *gnetConn
	maxPending int
}

func (t *gnetTransport) Output(p []byte, done func(error)) {
	err := t.conn.AsyncWrite(p, func(c gnet.Conn, err error) error {
		done(err)
		t.resume(c)
		return nil
	})
	if err != nil {
		done(err)
	}
}

// resume runs on the event loop after a write completed and lets held back
// inbound bytes through once enough writes are confirmed.
func (t *gnetTransport) resume(c gnet.Conn) {
	gc := t.gc
	if gc == nil || !gc.deferred || gc.conn.PendingWrites() > t.maxPending {
		return
	}
	gc.deferred = false
	if err := c.Wake(nil); err != nil {
		logger.Debug().Err(err).Uint32("conn", gc.conn.ID()).Msg("[gnet] wake after writes")
	}
}

func (t *gnetTransport) Close() error { return t.conn.Close() }

func (t *gnetTransport) RemoteAddr() string {
	if a := t.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
