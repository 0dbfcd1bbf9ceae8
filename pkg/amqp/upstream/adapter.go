// Package upstream is an amqp.Broker that stores messages in a real AMQP
// 0-9-1 broker (RabbitMQ). Each engine session gets its own upstream
// connection and channel; destinations are queues reached through the
// default exchange.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/rs/zerolog"
)

// FailurePolicy controls behavior when the upstream broker fails.
type FailurePolicy int

const (
	FailCloseSession FailurePolicy = iota // fail every later call of the session
	FailReconnect                         // reconnect before the next call
	FailEnqueue                           // keep admissions in memory until upstream is back
)

// FormatHeader carries the AMQP 1.0 message-format code of an admitted
// message.
const FormatHeader = "x-amqp-message-format"

var (
	ErrUpstreamClosed = errors.New("upstream connection closed")
	ErrEnqueueFull    = errors.New("upstream enqueue buffer full")
	ErrConfirmTimeout = errors.New("upstream confirm timeout")
	ErrNacked         = errors.New("upstream broker refused the message")
)

var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger.
func SetLogger(l zerolog.Logger) { logger = l }

// Config configures the upstream broker connection and behavior.
type Config struct {
	URL            string
	TLS            bool
	TLSConfig      *tls.Config
	DefaultUser    string
	DefaultPass    string
	FailurePolicy  FailurePolicy
	ReconnectDelay time.Duration
	// ConfirmTimeout bounds the wait for a publisher confirm. Default 5s.
	ConfirmTimeout time.Duration
	// MaxEnqueued bounds admissions held under FailEnqueue. Default 10000.
	MaxEnqueued int
}

// AdmitHook intercepts admissions before they are published upstream. When
// handled is true the message is not published and err is returned to the
// receiving link.
type AdmitHook func(ctx context.Context, address string, format uint32, payload []byte) (handled bool, err error)

// Broker implements amqp.Broker on top of RabbitMQ.
type Broker struct {
	cfg       Config
	AdmitHook AdmitHook
}

// NewBroker creates a broker for the configured upstream URL. The URL may
// omit credentials; DefaultUser and DefaultPass are injected when set.
func NewBroker(cfg Config) *Broker {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.MaxEnqueued == 0 {
		cfg.MaxEnqueued = 10000
	}
	return &Broker{cfg: cfg}
}

// NewSession opens an upstream connection for one engine session. Under
// FailEnqueue a failed dial is not an error: admissions are held and the
// session keeps reconnecting in the background.
func (b *Broker) NewSession(ctx context.Context) (amqp.BrokerSession, error) {
	s := newUpstreamSession(b)
	err := s.connectUpstream()
	if err == nil {
		return s, nil
	}
	if b.cfg.FailurePolicy == FailEnqueue {
		logger.Warn().Err(err).Msg("upstream unavailable, enqueueing admissions")
		go s.reconnectLoop()
		return s, nil
	}
	s.Close()
	return nil, err
}
