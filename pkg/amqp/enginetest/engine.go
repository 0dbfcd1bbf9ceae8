// Package enginetest provides a scripted AMQP engine, a recording transport
// and a broker double for exercising the adapter without a network or a real
// protocol engine.
//
// The engine does not parse frames. Tests queue remote behavior with Next;
// the queued steps run inside the next Feed call, exactly where a real engine
// would emit events while decoding input. Every local action the adapter
// takes (open, flow, disposition, close ...) appends a short textual frame
// such as "[flow 1 500]" to the engine output so tests can follow it on the
// transport.
package enginetest

import (
	"fmt"
	"io"
	"sync"

	"code.hybscloud.com/iox"
	"github.com/ericogr/amqp-plug/pkg/amqp"
)

// Name is the registry name of the scripted engine.
const Name = "enginetest"

func init() {
	amqp.RegisterEngine(Name, func() (amqp.Engine, error) { return New(), nil })
}

// Engine is a scripted amqp.Engine.
type Engine struct {
	handler func(amqp.Event)

	mu        sync.Mutex
	out       []byte
	written   []byte
	fed       []byte
	discarded int
	refuse    int
	feedLimit int
	// quiet makes a capped Feed return no error.
	quiet bool
	steps []func(*Engine)

	Opened   bool
	Closed   bool
	sessions map[uint16]*Session
}

// New returns an engine with no queued steps.
func New() *Engine {
	return &Engine{sessions: map[uint16]*Session{}}
}

// Next queues a step to run during the next Feed that accepts bytes.
func (e *Engine) Next(step func(*Engine)) {
	e.mu.Lock()
	e.steps = append(e.steps, step)
	e.mu.Unlock()
}

// Refuse makes the next n Feed calls accept nothing and report
// iox.ErrWouldBlock.
func (e *Engine) Refuse(n int) {
	e.mu.Lock()
	e.refuse = n
	e.mu.Unlock()
}

// LimitFeed caps the bytes accepted per Feed call. Zero removes the cap.
func (e *Engine) LimitFeed(n int) {
	e.mu.Lock()
	e.feedLimit = n
	e.quiet = false
	e.mu.Unlock()
}

// ShortAccept caps the bytes accepted per Feed call like LimitFeed but
// reports the short count without an error.
func (e *Engine) ShortAccept(n int) {
	e.mu.Lock()
	e.feedLimit = n
	e.quiet = true
	e.mu.Unlock()
}

func (e *Engine) Feed(p []byte) (int, error) {
	e.mu.Lock()
	if e.refuse > 0 {
		e.refuse--
		e.mu.Unlock()
		return 0, iox.ErrWouldBlock
	}
	n := len(p)
	var err error
	if e.feedLimit > 0 && n > e.feedLimit {
		n = e.feedLimit
		if !e.quiet {
			err = iox.ErrWouldBlock
		}
	}
	e.fed = append(e.fed, p[:n]...)
	steps := e.steps
	e.steps = nil
	e.mu.Unlock()

	for _, step := range steps {
		step(e)
	}
	return n, err
}

// Fed returns every byte the engine accepted, in order.
func (e *Engine) Fed() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.fed...)
}

func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.out)
}

func (e *Engine) ReadOutput(offset, n int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset < 0 || n < 0 || offset+n > len(e.out) {
		return nil, fmt.Errorf("output window %d+%d beyond %d pending bytes", offset, n, len(e.out))
	}
	return e.out[offset : offset+n], nil
}

func (e *Engine) DiscardOutput(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > len(e.out) {
		panic(fmt.Sprintf("enginetest: discard %d of %d pending bytes", n, len(e.out)))
	}
	e.out = e.out[n:]
	e.discarded += n
}

// Discarded returns the number of output bytes retired so far.
func (e *Engine) Discarded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.discarded
}

// Written returns every output byte the engine produced, in order.
func (e *Engine) Written() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.written...)
}

// Write appends raw output, as if the engine encoded a frame.
func (e *Engine) Write(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = append(e.out, p...)
	e.written = append(e.written, p...)
}

// LoseOutput drops n pending bytes without a discard, leaving the engine
// behind the adapter's high-water mark.
func (e *Engine) LoseOutput(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = e.out[:len(e.out)-n]
}

func (e *Engine) frame(format string, args ...any) {
	e.Write([]byte("[" + fmt.Sprintf(format, args...) + "]"))
}

func (e *Engine) Open() {
	e.Opened = true
	e.frame("open")
}

func (e *Engine) Close() {
	if e.Closed {
		return
	}
	e.Closed = true
	e.frame("close")
}

func (e *Engine) Subscribe(fn func(amqp.Event)) { e.handler = fn }

// Emit delivers ev to the subscriber.
func (e *Engine) Emit(ev amqp.Event) {
	if e.handler != nil {
		e.handler(ev)
	}
}

// RemoteOpen emits the peer's connection open.
func (e *Engine) RemoteOpen() { e.Emit(amqp.Event{Kind: amqp.EventConnectionOpened}) }

// RemoteClose emits the peer's connection close.
func (e *Engine) RemoteClose() { e.Emit(amqp.Event{Kind: amqp.EventConnectionClosed}) }

// Transport emits an output-available notification.
func (e *Engine) Transport() { e.Emit(amqp.Event{Kind: amqp.EventTransport}) }

// Session returns the session on channel, creating it if needed.
func (e *Engine) Session(channel uint16) *Session {
	s := e.sessions[channel]
	if s == nil {
		s = &Session{e: e, channel: channel, links: map[uint32]*Link{}}
		e.sessions[channel] = s
	}
	return s
}

// Begin emits the peer's begin on channel.
func (e *Engine) Begin(channel uint16) *Session {
	s := e.Session(channel)
	e.Emit(amqp.Event{Kind: amqp.EventSessionOpened, Session: s})
	return s
}

// End emits the peer's end of s.
func (e *Engine) End(s *Session) {
	e.Emit(amqp.Event{Kind: amqp.EventSessionClosed, Session: s})
	delete(e.sessions, s.channel)
}

// Attach creates a link on s and emits the peer's attach followed by the
// link becoming active. role is the local role of the link.
func (e *Engine) Attach(s *Session, handle uint32, name string, role amqp.Role, source, target *amqp.Terminus) *Link {
	l := e.AttachOnly(s, handle, name, role, source, target)
	e.Emit(amqp.Event{Kind: amqp.EventLinkActive, Link: l})
	return l
}

// AttachOnly emits the peer's attach without the active notification.
func (e *Engine) AttachOnly(s *Session, handle uint32, name string, role amqp.Role, source, target *amqp.Terminus) *Link {
	l := e.NewLink(s, handle, name, role, source, target)
	e.Emit(amqp.Event{Kind: amqp.EventLinkOpened, Link: l})
	return l
}

// NewLink creates a link on s without emitting anything.
func (e *Engine) NewLink(s *Session, handle uint32, name string, role amqp.Role, source, target *amqp.Terminus) *Link {
	l := &Link{e: e, sess: s, handle: handle, name: name, role: role, remoteSource: source, remoteTarget: target}
	s.links[handle] = l
	return l
}

// Detach emits the peer's detach of l.
func (e *Engine) Detach(l *Link) {
	e.Emit(amqp.Event{Kind: amqp.EventLinkClosed, Link: l})
}

// Flow grants the local sender credit and emits the flow.
func (e *Engine) Flow(l *Link, credit uint32) {
	l.credit = credit
	e.Emit(amqp.Event{Kind: amqp.EventLinkFlow, Link: l, Credit: credit})
}

// Transfer delivers a frame of a message to l. more marks the frame as not
// the last one of the delivery. The same tag continues the current delivery.
func (e *Engine) Transfer(l *Link, tag string, payload []byte, more bool) *Delivery {
	d := l.current
	if d == nil || string(d.tag) != tag {
		d = &Delivery{link: l, tag: []byte(tag), readable: true}
		l.current = d
		l.Received = append(l.Received, d)
		if l.credit > 0 {
			l.credit--
		}
	}
	l.incoming = append(l.incoming, payload...)
	d.partial = more
	e.Emit(amqp.Event{Kind: amqp.EventDelivery, Delivery: d})
	return d
}

// Announce emits a delivery whose bytes are not readable yet.
func (e *Engine) Announce(l *Link, tag string) *Delivery {
	d := &Delivery{link: l, tag: []byte(tag), partial: true}
	e.Emit(amqp.Event{Kind: amqp.EventDelivery, Delivery: d})
	return d
}

// Settle records the peer's outcome for a sent delivery and emits it.
func (e *Engine) Settle(d *Delivery, o amqp.Outcome) {
	d.remoteSettled = true
	d.remoteOutcome = o
	e.Emit(amqp.Event{Kind: amqp.EventDelivery, Delivery: d})
}

// Session is a scripted engine session.
type Session struct {
	e       *Engine
	channel uint16
	links   map[uint32]*Link

	Opened    bool
	Closed    bool
	Condition *amqp.Condition
}

func (s *Session) Channel() uint16 { return s.channel }

func (s *Session) Open() {
	s.Opened = true
	s.e.frame("begin %d", s.channel)
}

func (s *Session) Close() {
	if s.Closed {
		return
	}
	s.Closed = true
	s.e.frame("end %d", s.channel)
}

func (s *Session) SetCondition(c *amqp.Condition) { s.Condition = c }

// Link is a scripted engine link.
type Link struct {
	e            *Engine
	sess         *Session
	handle       uint32
	name         string
	role         amqp.Role
	remoteSource *amqp.Terminus
	remoteTarget *amqp.Terminus
	source       *amqp.Terminus
	target       *amqp.Terminus
	credit       uint32
	incoming     []byte
	current      *Delivery

	Opened    bool
	Closed    bool
	Condition *amqp.Condition
	// Flows lists every credit the adapter issued.
	Flows []uint32
	// Advances counts Advance calls.
	Advances int
	Received []*Delivery
	Sent     []*Delivery
	// SendErr, when set, fails every Send.
	SendErr error
}

func (l *Link) Handle() uint32               { return l.handle }
func (l *Link) Name() string                 { return l.name }
func (l *Link) Session() amqp.Session        { return l.sess }
func (l *Link) Role() amqp.Role              { return l.role }
func (l *Link) RemoteSource() *amqp.Terminus { return l.remoteSource }
func (l *Link) RemoteTarget() *amqp.Terminus { return l.remoteTarget }
func (l *Link) Source() *amqp.Terminus       { return l.source }
func (l *Link) Target() *amqp.Terminus       { return l.target }
func (l *Link) SetSource(t *amqp.Terminus)   { l.source = t }
func (l *Link) SetTarget(t *amqp.Terminus)   { l.target = t }
func (l *Link) Credit() uint32               { return l.credit }

// SetCredit changes the remaining credit without emitting anything.
func (l *Link) SetCredit(c uint32) { l.credit = c }

func (l *Link) Flow(credit uint32) {
	l.credit = credit
	l.Flows = append(l.Flows, credit)
	l.e.frame("flow %d %d", l.handle, credit)
}

func (l *Link) Recv(p []byte) (int, error) {
	if len(l.incoming) == 0 {
		return 0, io.EOF
	}
	n := copy(p, l.incoming)
	l.incoming = l.incoming[n:]
	return n, nil
}

func (l *Link) Advance() {
	l.Advances++
	l.current = nil
	l.incoming = nil
}

func (l *Link) Send(tag []byte, format uint32, payload []byte) (amqp.Delivery, error) {
	if l.SendErr != nil {
		return nil, l.SendErr
	}
	if l.credit == 0 {
		return nil, fmt.Errorf("no credit on link %q", l.name)
	}
	l.credit--
	d := &Delivery{link: l, tag: append([]byte(nil), tag...), format: format, Payload: append([]byte(nil), payload...)}
	l.Sent = append(l.Sent, d)
	l.e.frame("transfer %d %x", l.handle, tag)
	return d, nil
}

func (l *Link) Open() {
	l.Opened = true
	l.e.frame("attach %d", l.handle)
}

func (l *Link) Close() {
	if l.Closed {
		return
	}
	l.Closed = true
	l.e.frame("detach %d", l.handle)
}

func (l *Link) SetCondition(c *amqp.Condition) { l.Condition = c }

// Delivery is a scripted engine delivery.
type Delivery struct {
	link          *Link
	tag           []byte
	format        uint32
	readable      bool
	partial       bool
	remoteSettled bool
	remoteOutcome amqp.Outcome

	// Payload holds the bytes of a sent delivery.
	Payload []byte
	Outcome amqp.Outcome
	Settled bool
}

func (d *Delivery) Link() amqp.Link              { return d.link }
func (d *Delivery) Tag() []byte                  { return d.tag }
func (d *Delivery) Readable() bool               { return d.readable }
func (d *Delivery) Partial() bool                { return d.partial }
func (d *Delivery) MessageFormat() uint32        { return d.format }
func (d *Delivery) RemoteSettled() bool          { return d.remoteSettled }
func (d *Delivery) RemoteOutcome() amqp.Outcome  { return d.remoteOutcome }

func (d *Delivery) Disposition(o amqp.Outcome) {
	d.Outcome = o
	d.link.e.frame("disposition %x", d.tag)
}

func (d *Delivery) Settle() { d.Settled = true }
