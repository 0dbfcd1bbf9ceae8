// Package transport connects amqp.Connection to the network: a goroutine per
// connection over net.Conn (optionally TLS) and an event-loop server over
// gnet.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/rs/zerolog"
)

var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the logger used by the transports.
func SetLogger(l zerolog.Logger) { logger = l }

// Options configures a server.
type Options struct {
	Engine amqp.EngineFactory
	Broker amqp.Broker
	Config amqp.Config
	// HandshakeTimeout bounds the TLS handshake of a new connection.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration
	// ReadBufferSize is the size of the per-connection read buffer.
	ReadBufferSize int
}

func (o Options) withDefaults() (Options, error) {
	if o.Engine == nil || o.Broker == nil {
		return o, fmt.Errorf("engine factory and broker are required")
	}
	if o.Config == (amqp.Config{}) {
		o.Config = amqp.DefaultConfig()
	}
	if err := o.Config.Validate(); err != nil {
		return o, err
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = o.Config.WriteDrainTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 64 << 10
	}
	return o, nil
}

// Server serves AMQP connections accepted from a net.Listener.
type Server struct {
	opts Options

	mu    sync.Mutex
	conns map[*amqp.Connection]struct{}
	wg    sync.WaitGroup
}

// NewServer validates opts and returns a server.
func NewServer(opts Options) (*Server, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Server{opts: o, conns: map[*amqp.Connection]struct{}{}}, nil
}

// ListenAndServe listens on addr, with TLS when tlsConfig is set, and serves
// until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done or ln fails. The
// listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("[server] listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection, gives each one until ctx is done to get
// its last writes confirmed and waits for the connection goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*amqp.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		if err := c.AwaitWrites(ctx); err != nil {
			logger.Warn().Uint32("conn", c.ID()).Int("pending_writes", c.PendingWrites()).Msg("[server] shutdown before writes were confirmed")
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// performTLSHandshake performs the TLS handshake if conn is a *tls.Conn.
func performTLSHandshake(conn net.Conn) (*tls.ConnectionState, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil, nil
	}
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	st := tc.ConnectionState()
	return &st, nil
}

func (s *Server) handleConn(conn net.Conn) {
	// bound the handshake; the idle monitor takes over afterwards
	conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	st, err := performTLSHandshake(conn)
	if err != nil {
		logger.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("[server] tls handshake error")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	if st != nil {
		logger.Debug().Str("remote", conn.RemoteAddr().String()).Uint16("tls_version", st.Version).Msg("[server] tls established")
	}

	engine, err := s.opts.Engine()
	if err != nil {
		logger.Error().Err(err).Msg("[server] create engine")
		conn.Close()
		return
	}
	t := newConnTransport(conn, s.opts.WriteTimeout)
	c, err := amqp.NewConnection(engine, t, s.opts.Broker, s.opts.Config)
	if err != nil {
		logger.Error().Err(err).Msg("[server] create connection")
		conn.Close()
		return
	}
	go t.writeLoop()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	stop := make(chan struct{})
	go monitorIdle(c, s.opts.Config.IdleTimeout, stop)
	defer close(stop)

	readLoop(c, conn, s.opts.ReadBufferSize)
	c.Close()
	<-t.done
}

// readLoop feeds everything read from conn into c until either side fails.
func readLoop(c *amqp.Connection, conn net.Conn, size int) {
	buf := make([]byte, size)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := c.Feed(buf[:n]); ferr != nil {
				if !errors.Is(ferr, amqp.ErrConnectionClosed) {
					logger.Error().Err(ferr).Uint32("conn", c.ID()).Msg("[server] feed error")
				}
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Uint32("conn", c.ID()).Msg("[server] read error")
			}
			return
		}
	}
}

// monitorIdle flushes c every idle period and closes it once two periods in
// a row passed without inbound bytes.
func monitorIdle(c *amqp.Connection, period time.Duration, stop <-chan struct{}) {
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	missed := 0
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		if c.CheckDataReceived() {
			missed = 0
		} else {
			missed++
		}
		if missed >= 2 {
			logger.Info().Uint32("conn", c.ID()).Dur("idle", 2*period).Msg("[server] closing idle connection")
			c.Close()
			return
		}
		c.Flush()
	}
}
