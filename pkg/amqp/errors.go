package amqp

import (
	"errors"
	"fmt"
)

// Standard AMQP 1.0 error conditions used by the adapter.
const (
	CondInternalError  = "amqp:internal-error"
	CondNotFound       = "amqp:not-found"
	CondIllegalState   = "amqp:illegal-state"
	CondInvalidField   = "amqp:invalid-field"
	CondNotImplemented = "amqp:not-implemented"
	CondResourceLimit  = "amqp:resource-limit-exceeded"
	// CondFailed is attached to rejected deliveries.
	CondFailed = "failed"
)

var (
	ErrTargetAddressNotSet = errors.New("target address not set")
	ErrSourceAddressNotSet = errors.New("source address not set")
	ErrAddressDoesNotExist = errors.New("address does not exist")
	ErrNoHandler           = errors.New("no delivery handler attached to link")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrSourceUnsupported   = errors.New("broker does not support message sources")
	ErrFeedTimeout         = errors.New("engine did not accept inbound bytes in time")
)

// Condition is an AMQP error condition attached to a session or link before
// it is closed, or to a rejected delivery.
type Condition struct {
	Name        string
	Description string
}

func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	if c.Description == "" {
		return c.Name
	}
	return c.Name + ": " + c.Description
}

// ConditionError pairs a failure with the condition reported to the peer.
type ConditionError struct {
	Name string
	Err  error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// withCondition wraps err so it is reported to the peer as name.
func withCondition(name string, err error) error {
	if err == nil {
		return nil
	}
	return &ConditionError{Name: name, Err: err}
}

// conditionFor maps err to the condition sent to the peer. An explicit
// ConditionError wins over def.
func conditionFor(err error, def string) *Condition {
	var ce *ConditionError
	if errors.As(err, &ce) {
		return &Condition{Name: ce.Name, Description: ce.Err.Error()}
	}
	return &Condition{Name: def, Description: err.Error()}
}
