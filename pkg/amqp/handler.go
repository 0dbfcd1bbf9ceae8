package amqp

import "fmt"

// LinkState is the lifecycle state of a delivery handler.
type LinkState int

const (
	LinkUninitialized LinkState = iota
	// LinkFlowing: a receiving link with credit outstanding. Credit is
	// re-granted as soon as it drops below the refill point, so a receiver
	// never rests at zero credit.
	LinkFlowing
	// LinkActive: a sending link that was resolved and can send.
	LinkActive
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkUninitialized:
		return "uninitialized"
	case LinkFlowing:
		return "flowing"
	case LinkActive:
		return "active"
	case LinkClosed:
		return "closed"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// DeliveryHandler is attached to every open link and receives its events.
// All methods run with the connection lock held.
type DeliveryHandler interface {
	Link() Link
	State() LinkState
	// Init resolves the link termini and prepares the link to transfer.
	Init() error
	// OnFlow handles a flow update carrying the link credit.
	OnFlow(credit uint32) error
	// OnMessage handles a delivery update on the link.
	OnMessage(d Delivery) error
	// CheckState re-validates the link once the peer attached it.
	CheckState() error
	// Close detaches the handler and closes the link. It is idempotent.
	Close() error
}

func errUnknownRole(r Role) error {
	return fmt.Errorf("unsupported link role %s", r)
}
