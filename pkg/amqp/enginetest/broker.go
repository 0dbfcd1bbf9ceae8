package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ericogr/amqp-plug/pkg/amqp"
)

// Admitted is a message the broker double accepted.
type Admitted struct {
	Address string
	Format  uint32
	Payload []byte
}

// Broker is an in-process broker double with failure injection. Its sessions
// implement amqp.MessageSource unless NoSource is set.
type Broker struct {
	mu           sync.Mutex
	destinations map[string][]amqp.Message
	admitted     []Admitted
	temp         int
	sessions     int
	closed       int

	NoSource      bool
	NewSessionErr error
	ExistsErr     error
	AdmitErr      error
	TempErr       error
	// AdmitPanic, when set, is raised by every admission.
	AdmitPanic any
}

// NewBroker returns a broker knowing the given destinations.
func NewBroker(destinations ...string) *Broker {
	b := &Broker{destinations: map[string][]amqp.Message{}}
	for _, d := range destinations {
		b.destinations[d] = nil
	}
	return b
}

// Put stores a message for a sending link to fetch.
func (b *Broker) Put(address string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destinations[address] = append(b.destinations[address], amqp.Message{Payload: payload})
}

// Admitted returns the messages admitted so far.
func (b *Broker) Admitted() []Admitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Admitted(nil), b.admitted...)
}

// Has reports whether the destination exists.
func (b *Broker) Has(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.destinations[name]
	return ok
}

// Sessions returns the number of sessions created and closed.
func (b *Broker) Sessions() (created, closed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions, b.closed
}

func (b *Broker) NewSession(ctx context.Context) (amqp.BrokerSession, error) {
	if b.NewSessionErr != nil {
		return nil, b.NewSessionErr
	}
	b.mu.Lock()
	b.sessions++
	b.mu.Unlock()
	s := &session{b: b}
	if b.NoSource {
		return plainSession{s}, nil
	}
	return s, nil
}

type session struct {
	b    *Broker
	temp []string
}

// plainSession hides Fetch.
type plainSession struct{ s *session }

func (p plainSession) CreateTemporaryDestination(ctx context.Context) (string, error) {
	return p.s.CreateTemporaryDestination(ctx)
}

func (p plainSession) DestinationExists(ctx context.Context, name string) (bool, error) {
	return p.s.DestinationExists(ctx, name)
}

func (p plainSession) AdmitMessage(ctx context.Context, address string, format uint32, payload []byte) error {
	return p.s.AdmitMessage(ctx, address, format, payload)
}

func (p plainSession) Close() error { return p.s.Close() }

func (s *session) CreateTemporaryDestination(ctx context.Context) (string, error) {
	if s.b.TempErr != nil {
		return "", s.b.TempErr
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.temp++
	name := fmt.Sprintf("tmp.%d", s.b.temp)
	s.b.destinations[name] = nil
	s.temp = append(s.temp, name)
	return name, nil
}

func (s *session) DestinationExists(ctx context.Context, name string) (bool, error) {
	if s.b.ExistsErr != nil {
		return false, s.b.ExistsErr
	}
	return s.b.Has(name), nil
}

func (s *session) AdmitMessage(ctx context.Context, address string, format uint32, payload []byte) error {
	if s.b.AdmitPanic != nil {
		panic(s.b.AdmitPanic)
	}
	if s.b.AdmitErr != nil {
		return s.b.AdmitErr
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.admitted = append(s.b.admitted, Admitted{Address: address, Format: format, Payload: append([]byte(nil), payload...)})
	return nil
}

func (s *session) Fetch(ctx context.Context, address string) (amqp.Message, bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	q := s.b.destinations[address]
	if len(q) == 0 {
		return amqp.Message{}, false, nil
	}
	s.b.destinations[address] = q[1:]
	return q[0], true, nil
}

func (s *session) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for _, name := range s.temp {
		delete(s.b.destinations, name)
	}
	s.b.closed++
	return nil
}
