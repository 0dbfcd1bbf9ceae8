package amqp

import (
	"fmt"

	"github.com/ericogr/amqp-plug/pkg/observability"
)

// dispatch routes one engine event. The engine only emits events from inside
// calls the connection makes while holding mu.
func (c *Connection) dispatch(ev Event) {
	observability.RecordEvent(ev.Kind.String())
	switch ev.Kind {
	case EventConnectionOpened:
		c.connectionOpened()
	case EventConnectionClosed:
		c.connectionClosed()
	case EventSessionOpened:
		if err := guard(ev.Kind, func() error { return c.sessionOpened(ev.Session) }); err != nil {
			c.failSession(ev.Session, CondIllegalState, err)
		}
	case EventSessionClosed:
		if err := guard(ev.Kind, func() error { return c.sessionClosed(ev.Session) }); err != nil {
			c.failSession(ev.Session, CondIllegalState, err)
		}
	case EventLinkOpened:
		if k, ok := keyOf(ev.Link); ok {
			delete(c.failed, k)
		}
		c.onLink(ev, CondIllegalState, func() error { return c.linkOpened(ev.Link) })
	case EventLinkActive:
		if c.dropFailed(ev) {
			return
		}
		c.onLink(ev, CondInternalError, func() error { return c.linkActive(ev.Link) })
	case EventLinkFlow:
		if c.dropFailed(ev) {
			return
		}
		c.onLink(ev, CondIllegalState, func() error {
			h, err := c.handlerOf(ev.Link)
			if err != nil {
				return err
			}
			return h.OnFlow(ev.Credit)
		})
	case EventLinkClosed:
		c.onLink(ev, CondIllegalState, func() error { return c.linkClosed(ev.Link) })
	case EventDelivery:
		if ev.Delivery == nil {
			c.log.Error().Msg("delivery event without delivery")
			return
		}
		l := ev.Delivery.Link()
		if c.dropFailed(Event{Kind: ev.Kind, Link: l}) {
			return
		}
		c.onLink(Event{Kind: ev.Kind, Link: l}, CondInternalError, func() error {
			h, err := c.handlerOf(l)
			if err != nil {
				return err
			}
			return h.OnMessage(ev.Delivery)
		})
	case EventTransport:
		c.drainLocked()
	default:
		c.log.Warn().Int("kind", int(ev.Kind)).Msg("ignoring unknown engine event")
	}
}

// guard runs fn and turns a panic into an error so one failing engine object
// does not take the connection down.
func guard(kind EventKind, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", kind, r)
		}
	}()
	return fn()
}

func (c *Connection) onLink(ev Event, def string, fn func() error) {
	if err := guard(ev.Kind, fn); err != nil {
		c.failLink(ev.Link, def, err)
	}
}

// linkKey identifies a link within the connection.
type linkKey struct {
	channel uint16
	handle  uint32
}

func keyOf(l Link) (linkKey, bool) {
	if l == nil || l.Session() == nil {
		return linkKey{}, false
	}
	return linkKey{channel: l.Session().Channel(), handle: l.Handle()}, true
}

// dropFailed reports whether ev targets a link this connection already
// failed. The engine keeps emitting the rest of an attach sequence, flows and
// transfers for such a link until the peer answers the detach.
func (c *Connection) dropFailed(ev Event) bool {
	k, ok := keyOf(ev.Link)
	if !ok {
		return false
	}
	if _, failed := c.failed[k]; !failed {
		return false
	}
	c.log.Debug().Str("event", ev.Kind.String()).Uint16("channel", k.channel).Uint32("handle", k.handle).Msg("ignoring event for failed link")
	return true
}

// forgetFailed drops the failed links of channel.
func (c *Connection) forgetFailed(channel uint16) {
	for k := range c.failed {
		if k.channel == channel {
			delete(c.failed, k)
		}
	}
}

func (c *Connection) connectionOpened() {
	if c.initialized {
		return
	}
	c.initialized = true
	c.engine.Open()
	c.log.Info().Msg("connection opened")
}

// connectionClosed runs once when the engine connection closes. Cleanup
// failures are logged and never stop the teardown.
func (c *Connection) connectionClosed() {
	if c.closed {
		return
	}
	c.closed = true
	if err := guard(EventConnectionClosed, func() error {
		c.closeSessionsLocked()
		c.engine.Close()
		return nil
	}); err != nil {
		c.log.Error().Err(err).Msg("connection cleanup")
	}
	c.drainLocked()
	c.destroyPending = true
	c.log.Info().Msg("connection closed")
}

func (c *Connection) sessionOpened(s Session) error {
	sc, err := c.sessionFor(s)
	if err != nil {
		return err
	}
	sc.initialise()
	return nil
}

func (c *Connection) sessionClosed(s Session) error {
	sc := c.sessions[s.Channel()]
	if sc == nil {
		s.Close()
		return nil
	}
	delete(c.sessions, s.Channel())
	c.forgetFailed(s.Channel())
	sc.close()
	return nil
}

// sessionFor resolves the context of s, creating it on first use.
func (c *Connection) sessionFor(s Session) (*sessionContext, error) {
	if s == nil {
		return nil, fmt.Errorf("event without session")
	}
	if sc := c.sessions[s.Channel()]; sc != nil {
		return sc, nil
	}
	bs, err := c.broker.NewSession(c.ctx)
	if err != nil {
		return nil, withCondition(CondInternalError, fmt.Errorf("create broker session: %w", err))
	}
	sc := newSessionContext(c, s, bs)
	c.sessions[s.Channel()] = sc
	observability.RecordSessionOpened()
	return sc, nil
}

func (c *Connection) linkOpened(l Link) error {
	if l == nil {
		return fmt.Errorf("event without link")
	}
	if s := l.Session(); s != nil && c.sessions[s.Channel()] == nil {
		c.log.Warn().Uint16("channel", s.Channel()).Str("link", l.Name()).Msg("link opened on a session that was never announced")
	}
	sc, err := c.sessionFor(l.Session())
	if err != nil {
		return err
	}
	h, err := sc.attach(l)
	if err != nil {
		return err
	}
	if err := h.Init(); err != nil {
		return err
	}
	l.Open()
	return nil
}

func (c *Connection) linkActive(l Link) error {
	h, err := c.handlerOf(l)
	if err != nil {
		return err
	}
	l.SetSource(mirror(l.Source(), l.RemoteSource()))
	l.SetTarget(mirror(l.Target(), l.RemoteTarget()))
	return h.CheckState()
}

// mirror copies the remote terminus, keeping a locally assigned address.
func mirror(local, remote *Terminus) *Terminus {
	if remote == nil {
		return local
	}
	t := *remote
	if local != nil && local.Address != "" {
		t.Address = local.Address
	}
	return &t
}

func (c *Connection) linkClosed(l Link) error {
	if k, ok := keyOf(l); ok {
		delete(c.failed, k)
	}
	h := c.lookup(l)
	if h == nil {
		// links failed while opening have no handler by now
		l.Close()
		c.log.Debug().Uint32("handle", l.Handle()).Msg("closed link without handler")
		return nil
	}
	return h.Close()
}

func (c *Connection) lookup(l Link) DeliveryHandler {
	if l == nil || l.Session() == nil {
		return nil
	}
	sc := c.sessions[l.Session().Channel()]
	if sc == nil {
		return nil
	}
	return sc.links[l.Handle()]
}

// handlerOf returns the handler attached to l. A missing handler is a defect
// in event ordering and is surfaced as an error.
func (c *Connection) handlerOf(l Link) (DeliveryHandler, error) {
	if l == nil {
		return nil, fmt.Errorf("event without link")
	}
	h := c.lookup(l)
	if h == nil {
		return nil, fmt.Errorf("%w: %s link %q handle %d", ErrNoHandler, l.Role(), l.Name(), l.Handle())
	}
	return h, nil
}

// failLink closes a link with the condition derived from err. The session
// and the connection keep running. A link is failed at most once so the
// first condition is the one the peer sees.
func (c *Connection) failLink(l Link, def string, err error) {
	if l == nil {
		c.log.Error().Err(err).Msg("link event failed")
		return
	}
	if k, ok := keyOf(l); ok {
		if _, failed := c.failed[k]; failed {
			c.log.Debug().Err(err).Str("link", l.Name()).Uint32("handle", l.Handle()).Msg("link already failed")
			return
		}
		c.failed[k] = struct{}{}
	}
	cond := conditionFor(err, def)
	c.log.Warn().Err(err).Str("link", l.Name()).Uint32("handle", l.Handle()).Str("condition", cond.Name).Msg("closing link")
	observability.RecordLinkFailure(cond.Name)
	l.SetCondition(cond)
	if h := c.lookup(l); h != nil {
		if cerr := h.Close(); cerr != nil {
			c.log.Debug().Err(cerr).Msg("close failed link handler")
		}
		return
	}
	l.Close()
}

// failSession closes a session and its links with the condition derived from
// err.
func (c *Connection) failSession(s Session, def string, err error) {
	if s == nil {
		c.log.Error().Err(err).Msg("session event failed")
		return
	}
	cond := conditionFor(err, def)
	c.log.Warn().Err(err).Uint16("channel", s.Channel()).Str("condition", cond.Name).Msg("closing session")
	observability.RecordSessionFailure(cond.Name)
	s.SetCondition(cond)
	c.forgetFailed(s.Channel())
	if sc := c.sessions[s.Channel()]; sc != nil {
		delete(c.sessions, s.Channel())
		sc.close()
		return
	}
	s.Close()
}
