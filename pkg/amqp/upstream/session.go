package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var errSessionClosed = errors.New("upstream session closed")

type upstreamSession struct {
	b   *Broker
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	upstreamConn *amqp091.Connection
	// ops carries declares and gets. The broker closes it on a 404, so it is
	// kept apart from the publishing channel and reopened on demand.
	ops    *amqp091.Channel
	temp   []string
	closed bool
	// failed is set under FailCloseSession once the upstream is lost.
	failed error
	// connection in-progress singleflight
	connecting    bool
	connectWaitCh chan struct{}
	connectErr    error

	// pubMu serializes publish and confirm so confirmations match publishes.
	pubMu    sync.Mutex
	pch      *amqp091.Channel
	pconn    *amqp091.Connection
	confirms chan amqp091.Confirmation
	returns  chan amqp091.Return

	enqueueMu sync.Mutex
	enqueued  []enqueuedMsg
}

type enqueuedMsg struct {
	address string
	format  uint32
	payload []byte
	when    time.Time
}

func newUpstreamSession(b *Broker) *upstreamSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &upstreamSession{b: b, cfg: b.cfg, ctx: ctx, cancel: cancel}
}

// buildDialURL injects credentials into a configured upstream URL.
func buildDialURL(rawURL, user, pass string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if user != "" {
		u.User = url.UserPassword(user, pass)
	}
	return u.String(), nil
}

func (s *upstreamSession) dial() (*amqp091.Connection, error) {
	dialURL, err := buildDialURL(s.cfg.URL, s.cfg.DefaultUser, s.cfg.DefaultPass)
	if err != nil {
		return nil, err
	}
	if s.cfg.TLS {
		tlsCfg := s.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return amqp091.DialTLS(dialURL, tlsCfg)
	}
	return amqp091.Dial(dialURL)
}

func (s *upstreamSession) connectUpstream() error {
	s.mu.Lock()
	if s.upstreamConn != nil {
		s.mu.Unlock()
		return nil
	}
	// singleflight: if another goroutine is connecting, wait for it
	if s.connecting {
		ch := s.connectWaitCh
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
		err := s.connectErr
		s.mu.Unlock()
		return err
	}
	s.connecting = true
	s.connectWaitCh = make(chan struct{})
	s.connectErr = nil
	s.mu.Unlock()

	conn, err := s.dial()

	s.mu.Lock()
	if s.closed {
		if conn != nil {
			_ = conn.Close()
		}
		err = errSessionClosed
	}
	if err == nil {
		s.upstreamConn = conn
		s.failed = nil
	}
	s.connectErr = err
	close(s.connectWaitCh)
	s.connecting = false
	s.connectWaitCh = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}

	go s.monitorUpstream(conn)
	go s.drainEnqueued()
	return nil
}

func (s *upstreamSession) monitorUpstream(conn *amqp091.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))
	errInfo := <-closeCh

	s.mu.Lock()
	if s.upstreamConn == conn {
		s.upstreamConn = nil
		s.ops = nil
	}
	closed := s.closed
	lost := len(s.temp)
	s.temp = nil
	if !closed && s.cfg.FailurePolicy == FailCloseSession {
		s.failed = fmt.Errorf("%w: %v", ErrUpstreamClosed, errInfo)
	}
	s.mu.Unlock()
	if closed {
		return
	}
	logger.Info().Err(errInfo).Msg("upstream connection closed")
	if lost > 0 {
		logger.Warn().Int("destinations", lost).Msg("temporary destinations lost with upstream connection")
	}
	if s.cfg.FailurePolicy != FailCloseSession {
		s.reconnectLoop()
	}
}

// reconnectLoop dials every ReconnectDelay until it succeeds or the session
// is closed.
func (s *upstreamSession) reconnectLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
		err := s.connectUpstream()
		if err == nil {
			logger.Info().Msg("reconnected to upstream")
			return
		}
		if errors.Is(err, errSessionClosed) {
			return
		}
		logger.Warn().Err(err).Msg("failed to reconnect to upstream, will retry")
	}
}

// connection returns the live upstream connection. FailReconnect dials
// synchronously once when there is none.
func (s *upstreamSession) connection() (*amqp091.Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		return nil, err
	}
	conn := s.upstreamConn
	s.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	if s.cfg.FailurePolicy != FailReconnect {
		return nil, ErrUpstreamClosed
	}
	if err := s.connectUpstream(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	conn = s.upstreamConn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrUpstreamClosed
	}
	return conn, nil
}

func (s *upstreamSession) opsChannel() (*amqp091.Channel, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops != nil && s.upstreamConn == conn {
		return s.ops, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	s.ops = ch
	return ch, nil
}

// dropOps forgets ch after the broker closed it.
func (s *upstreamSession) dropOps(ch *amqp091.Channel) {
	s.mu.Lock()
	if s.ops == ch {
		s.ops = nil
	}
	s.mu.Unlock()
}

func isNotFound(err error) bool {
	var aerr *amqp091.Error
	return errors.As(err, &aerr) && aerr.Code == amqp091.NotFound
}

// lost reports whether err means the upstream connection is gone.
func lost(err error) bool {
	return errors.Is(err, ErrUpstreamClosed) || errors.Is(err, amqp091.ErrClosed)
}

// CreateTemporaryDestination declares a server-named exclusive queue. It is
// deleted by the upstream broker when the session's connection closes.
func (s *upstreamSession) CreateTemporaryDestination(ctx context.Context) (string, error) {
	ch, err := s.opsChannel()
	if err != nil {
		return "", err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		s.dropOps(ch)
		return "", err
	}
	s.mu.Lock()
	s.temp = append(s.temp, q.Name)
	s.mu.Unlock()
	return q.Name, nil
}

func (s *upstreamSession) DestinationExists(ctx context.Context, name string) (bool, error) {
	ch, err := s.opsChannel()
	if err != nil {
		return false, err
	}
	if _, err := ch.QueueDeclarePassive(name, false, false, false, false, nil); err != nil {
		s.dropOps(ch)
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *upstreamSession) AdmitMessage(ctx context.Context, address string, format uint32, payload []byte) error {
	if s.b.AdmitHook != nil {
		if handled, err := s.b.AdmitHook(ctx, address, format, payload); handled {
			return err
		}
	}
	err := s.publish(ctx, address, format, payload)
	if err == nil || !lost(err) {
		return err
	}
	switch s.cfg.FailurePolicy {
	case FailEnqueue:
		return s.enqueue(address, format, payload)
	case FailReconnect:
		// retry once on a fresh connection
		if cerr := s.connectUpstream(); cerr != nil {
			return err
		}
		return s.publish(ctx, address, format, payload)
	default:
		return err
	}
}

// publish sends one message to the default exchange and waits for its
// confirm. The message is mandatory so an unroutable address comes back.
func (s *upstreamSession) publish(ctx context.Context, address string, format uint32, payload []byte) error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.pch == nil || s.pconn != conn {
		if err := s.openPublisher(conn); err != nil {
			return err
		}
	}
	pub := amqp091.Publishing{
		Headers:      amqp091.Table{FormatHeader: int64(format)},
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}
	if err := s.pch.PublishWithContext(ctx, "", address, true, false, pub); err != nil {
		s.resetPublisher()
		return err
	}
	timer := time.NewTimer(s.cfg.ConfirmTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-s.confirms:
		if !ok {
			s.resetPublisher()
			return ErrUpstreamClosed
		}
		if !c.Ack {
			return fmt.Errorf("%w: %s", ErrNacked, address)
		}
		// a mandatory return precedes its confirm
		select {
		case r := <-s.returns:
			return fmt.Errorf("%w: %s (%s)", amqp.ErrAddressDoesNotExist, address, r.ReplyText)
		default:
		}
		return nil
	case <-timer.C:
		// the late confirm would be matched to the next publish
		s.resetPublisher()
		return ErrConfirmTimeout
	case <-ctx.Done():
		s.resetPublisher()
		return ctx.Err()
	}
}

// openPublisher opens a confirm-mode channel on conn. Callers hold pubMu.
func (s *upstreamSession) openPublisher(conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return err
	}
	s.pch = ch
	s.pconn = conn
	s.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	s.returns = ch.NotifyReturn(make(chan amqp091.Return, 1))
	return nil
}

// resetPublisher closes the publishing channel. Callers hold pubMu.
func (s *upstreamSession) resetPublisher() {
	if s.pch != nil {
		_ = s.pch.Close()
	}
	s.pch = nil
	s.pconn = nil
}

func (s *upstreamSession) enqueue(address string, format uint32, payload []byte) error {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	if len(s.enqueued) >= s.cfg.MaxEnqueued {
		return ErrEnqueueFull
	}
	s.enqueued = append(s.enqueued, enqueuedMsg{
		address: address,
		format:  format,
		payload: append([]byte(nil), payload...),
		when:    time.Now(),
	})
	return nil
}

// Enqueued returns the number of admissions waiting for the upstream.
func (s *upstreamSession) Enqueued() int {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	return len(s.enqueued)
}

func (s *upstreamSession) drainEnqueued() {
	s.enqueueMu.Lock()
	queue := s.enqueued
	s.enqueued = nil
	s.enqueueMu.Unlock()
	for i, em := range queue {
		err := s.publish(s.ctx, em.address, em.format, em.payload)
		if err == nil {
			continue
		}
		if lost(err) || errors.Is(err, context.Canceled) {
			// put the rest back in front, in order
			s.enqueueMu.Lock()
			s.enqueued = append(append([]enqueuedMsg(nil), queue[i:]...), s.enqueued...)
			s.enqueueMu.Unlock()
			return
		}
		logger.Error().Err(err).Str("address", em.address).Time("enqueued", em.when).Msg("dropping enqueued message")
	}
}

// Fetch implements amqp.MessageSource with basic.get and automatic ack.
func (s *upstreamSession) Fetch(ctx context.Context, address string) (amqp.Message, bool, error) {
	ch, err := s.opsChannel()
	if err != nil {
		return amqp.Message{}, false, err
	}
	d, ok, err := ch.Get(address, true)
	if err != nil {
		s.dropOps(ch)
		if isNotFound(err) {
			return amqp.Message{}, false, fmt.Errorf("%w: %s", amqp.ErrAddressDoesNotExist, address)
		}
		return amqp.Message{}, false, err
	}
	if !ok {
		return amqp.Message{}, false, nil
	}
	return amqp.Message{Format: formatOf(d.Headers), Payload: d.Body}, true, nil
}

// formatOf reads FormatHeader. Messages published by other clients carry
// none and get format 0.
func formatOf(h amqp091.Table) uint32 {
	switch v := h[FormatHeader].(type) {
	case int64:
		return uint32(v)
	case int32:
		return uint32(v)
	case int:
		return uint32(v)
	case uint32:
		return v
	}
	return 0
}

// Close closes the upstream connection, which removes the temporary queues.
func (s *upstreamSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.upstreamConn
	s.upstreamConn = nil
	s.ops = nil
	s.mu.Unlock()
	s.cancel()
	if n := s.Enqueued(); n > 0 {
		logger.Warn().Int("messages", n).Msg("discarding enqueued messages on session close")
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}
