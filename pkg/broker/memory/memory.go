// Package memory is an in-process broker with bounded destinations. Nothing
// survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/ericogr/amqp-plug/pkg/amqp"
)

// DefaultCapacity is the number of messages a destination holds.
const DefaultCapacity = 1024

// destination is a bounded lock-free queue. lfq.SPSC admits one producer and
// one consumer at a time, so each side has its own mutex.
type destination struct {
	name      string
	temporary bool
	produce   sync.Mutex
	consume   sync.Mutex
	q         lfq.SPSC[amqp.Message]
	admitted  atomix.Uint32
}

// Broker holds named destinations shared by every session.
type Broker struct {
	capacity int

	mu    sync.RWMutex
	dests map[string]*destination
	temp  atomix.Uint32
}

// New returns a broker whose destinations hold capacity messages each,
// rounded up to a power of two.
func New(capacity int) *Broker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broker{capacity: roundPow2(capacity), dests: map[string]*destination{}}
}

func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Declare creates a destination if it does not exist yet.
func (b *Broker) Declare(name string) error {
	if name == "" {
		return fmt.Errorf("destination name is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dests[name]; !ok {
		b.dests[name] = b.newDestination(name, false)
	}
	return nil
}

func (b *Broker) newDestination(name string, temporary bool) *destination {
	d := &destination{name: name, temporary: temporary}
	d.q.Init(b.capacity)
	return d
}

// Delete removes a destination and its messages.
func (b *Broker) Delete(name string) {
	b.mu.Lock()
	delete(b.dests, name)
	b.mu.Unlock()
}

// Destinations returns the sorted destination names.
func (b *Broker) Destinations() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.dests))
	for n := range b.dests {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Admitted returns how many messages name accepted so far.
func (b *Broker) Admitted(name string) uint32 {
	d := b.lookup(name)
	if d == nil {
		return 0
	}
	return d.admitted.Add(0)
}

func (b *Broker) lookup(name string) *destination {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dests[name]
}

func (b *Broker) NewSession(ctx context.Context) (amqp.BrokerSession, error) {
	return &session{b: b}, nil
}

type session struct {
	b    *Broker
	mu   sync.Mutex
	temp []string
}

func (s *session) CreateTemporaryDestination(ctx context.Context) (string, error) {
	name := fmt.Sprintf("tmp.%d", s.b.temp.Add(1))
	s.b.mu.Lock()
	s.b.dests[name] = s.b.newDestination(name, true)
	s.b.mu.Unlock()
	s.mu.Lock()
	s.temp = append(s.temp, name)
	s.mu.Unlock()
	return name, nil
}

func (s *session) DestinationExists(ctx context.Context, name string) (bool, error) {
	return s.b.lookup(name) != nil, nil
}

func (s *session) AdmitMessage(ctx context.Context, address string, format uint32, payload []byte) error {
	d := s.b.lookup(address)
	if d == nil {
		return fmt.Errorf("%w: %s", amqp.ErrAddressDoesNotExist, address)
	}
	msg := amqp.Message{Format: format, Payload: append([]byte(nil), payload...)}
	d.produce.Lock()
	err := d.q.Enqueue(&msg)
	d.produce.Unlock()
	if err != nil {
		if iox.IsWouldBlock(err) {
			return fmt.Errorf("destination %q is full: %w", address, err)
		}
		return err
	}
	d.admitted.Add(1)
	return nil
}

// Fetch implements amqp.MessageSource.
func (s *session) Fetch(ctx context.Context, address string) (amqp.Message, bool, error) {
	d := s.b.lookup(address)
	if d == nil {
		return amqp.Message{}, false, fmt.Errorf("%w: %s", amqp.ErrAddressDoesNotExist, address)
	}
	d.consume.Lock()
	msg, err := d.q.Dequeue()
	d.consume.Unlock()
	if err != nil {
		if iox.IsWouldBlock(err) {
			return amqp.Message{}, false, nil
		}
		return amqp.Message{}, false, err
	}
	return msg, true, nil
}

// Close removes the temporary destinations of the session.
func (s *session) Close() error {
	s.mu.Lock()
	temp := s.temp
	s.temp = nil
	s.mu.Unlock()
	for _, name := range temp {
		s.b.Delete(name)
	}
	return nil
}
