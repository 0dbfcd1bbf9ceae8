package amqp

import "context"

// Broker creates the broker-side collaborator for each engine session.
type Broker interface {
	NewSession(ctx context.Context) (BrokerSession, error)
}

// BrokerSession is the broker's view of one AMQP session. Every call may fail;
// failures close the affected link with a diagnostic condition.
type BrokerSession interface {
	// CreateTemporaryDestination creates a destination that lives until the
	// session is closed and returns its generated name.
	CreateTemporaryDestination(ctx context.Context) (string, error)
	DestinationExists(ctx context.Context, name string) (bool, error)
	// AdmitMessage stores a complete message. payload is only valid for the
	// duration of the call.
	AdmitMessage(ctx context.Context, address string, format uint32, payload []byte) error
	// Close releases the session and removes its temporary destinations.
	Close() error
}

// Message is a stored message handed to a sending link.
type Message struct {
	Format  uint32
	Payload []byte
}

// MessageSource is implemented by broker sessions that can feed sending links.
type MessageSource interface {
	// Fetch removes and returns the next message of address. ok is false when
	// the destination is empty.
	Fetch(ctx context.Context, address string) (msg Message, ok bool, err error)
}
