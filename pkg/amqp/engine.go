package amqp

// EventKind identifies an engine event.
type EventKind int

const (
	EventConnectionOpened EventKind = iota
	EventConnectionClosed
	EventSessionOpened
	EventSessionClosed
	EventLinkOpened
	EventLinkActive
	EventLinkFlow
	EventLinkClosed
	EventDelivery
	// EventTransport reports that the engine produced new output bytes.
	EventTransport
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionOpened:
		return "connection-opened"
	case EventConnectionClosed:
		return "connection-closed"
	case EventSessionOpened:
		return "session-opened"
	case EventSessionClosed:
		return "session-closed"
	case EventLinkOpened:
		return "link-opened"
	case EventLinkActive:
		return "link-active"
	case EventLinkFlow:
		return "link-flow"
	case EventLinkClosed:
		return "link-closed"
	case EventDelivery:
		return "delivery"
	case EventTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Event is emitted synchronously by the engine while it processes fed bytes.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Session  Session
	Link     Link
	Delivery Delivery
	Credit   uint32
}

// Engine is the embedded AMQP 1.0 protocol state machine for one connection.
// It performs no I/O and is not safe for concurrent use: the Connection
// serializes every call.
type Engine interface {
	// Feed hands inbound bytes to the engine and returns how many were
	// accepted. The remainder, signalled by iox.ErrWouldBlock or by a short
	// count, is fed again later.
	// p may be reused by the caller once Feed returns.
	Feed(p []byte) (int, error)
	// Pending is the number of output bytes produced and not yet discarded.
	Pending() int
	// ReadOutput returns a view of n output bytes starting at offset. The view
	// is only valid until the next engine call.
	ReadOutput(offset, n int) ([]byte, error)
	// DiscardOutput trims the first n bytes of produced output.
	DiscardOutput(n int)
	// Open opens the local end of the connection.
	Open()
	// Close closes the local end of the connection.
	Close()
	// Subscribe registers the event callback. Events are delivered in order
	// from inside Feed (and from Open/Close when they produce transitions).
	Subscribe(fn func(Event))
}

// EngineFactory creates a fresh engine for an accepted connection.
type EngineFactory func() (Engine, error)

// Session is an engine session. Channel is unique among live sessions of
// the connection.
type Session interface {
	Channel() uint16
	Open()
	Close()
	SetCondition(c *Condition)
}

// Role is the local role of a link.
type Role int

const (
	RoleReceiver Role = iota
	RoleSender
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Terminus is a link source or target.
type Terminus struct {
	Address string
	Dynamic bool
}

// Link is an engine link. Handle is unique among the live links of its session.
type Link interface {
	Handle() uint32
	Name() string
	Session() Session
	Role() Role

	RemoteSource() *Terminus
	RemoteTarget() *Terminus
	Source() *Terminus
	Target() *Terminus
	SetSource(t *Terminus)
	SetTarget(t *Terminus)

	// Credit is the credit the peer still holds (receiver) or that the local
	// end may still use (sender).
	Credit() uint32
	// Flow issues credit to the peer.
	Flow(credit uint32)
	// Recv reads bytes of the current delivery. It returns io.EOF when no
	// more bytes are currently available.
	Recv(p []byte) (int, error)
	// Advance moves the link to the next delivery.
	Advance()
	// Send transfers one complete message on a sending link.
	Send(tag []byte, format uint32, payload []byte) (Delivery, error)

	Open()
	Close()
	SetCondition(c *Condition)
}

// Delivery is one message transfer in flight on a link.
type Delivery interface {
	Link() Link
	Tag() []byte
	// Readable reports whether transfer bytes are available.
	Readable() bool
	// Partial reports whether more transfer frames are expected.
	Partial() bool
	MessageFormat() uint32
	Disposition(o Outcome)
	Settle()
	RemoteSettled() bool
	RemoteOutcome() Outcome
}

// Outcome is a delivery disposition.
type Outcome interface {
	outcome()
}

type Accepted struct{}

type Rejected struct {
	Condition *Condition
}

type Released struct{}

type Modified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
}

func (Accepted) outcome() {}
func (Rejected) outcome() {}
func (Released) outcome() {}
func (Modified) outcome() {}
