package amqp

import (
	"github.com/ericogr/amqp-plug/pkg/observability"
	"github.com/rs/zerolog"
)

// sessionContext pairs an engine session with its broker session and owns
// the delivery handlers of the session's links, keyed by link handle.
type sessionContext struct {
	conn    *Connection
	session Session
	broker  BrokerSession
	links   map[uint32]DeliveryHandler
	log     zerolog.Logger
	opened  bool
	closed  bool
}

func newSessionContext(c *Connection, s Session, bs BrokerSession) *sessionContext {
	return &sessionContext{
		conn:    c,
		session: s,
		broker:  bs,
		links:   map[uint32]DeliveryHandler{},
		log:     c.log.With().Uint16("channel", s.Channel()).Logger(),
	}
}

// initialise opens the local end of the session once.
func (sc *sessionContext) initialise() {
	if sc.opened {
		return
	}
	sc.opened = true
	sc.session.Open()
	sc.log.Debug().Msg("session opened")
}

// attach creates the handler for l according to the local role of the link.
func (sc *sessionContext) attach(l Link) (DeliveryHandler, error) {
	if h := sc.links[l.Handle()]; h != nil {
		return h, nil
	}
	var h DeliveryHandler
	switch l.Role() {
	case RoleReceiver:
		h = newReceiver(sc, l)
	case RoleSender:
		h = newSender(sc, l)
	default:
		return nil, withCondition(CondInvalidField, errUnknownRole(l.Role()))
	}
	sc.links[l.Handle()] = h
	observability.RecordLinkAttached(l.Role().String())
	return h, nil
}

func (sc *sessionContext) detach(handle uint32) {
	if h, ok := sc.links[handle]; ok {
		delete(sc.links, handle)
		observability.RecordLinkDetached(h.Link().Role().String())
	}
}

// pumpSenders lets every sending link use its credit. A failing link is
// closed; the others continue.
func (sc *sessionContext) pumpSenders() {
	for _, h := range sc.links {
		s, ok := h.(*sender)
		if !ok {
			continue
		}
		if err := guard(EventLinkFlow, s.pump); err != nil {
			sc.conn.failLink(s.link, CondInternalError, err)
		}
	}
}

// close closes every handler and the engine session, then releases the
// broker session. It is idempotent.
func (sc *sessionContext) close() {
	if sc.closed {
		return
	}
	sc.closed = true
	for _, h := range sc.links {
		if err := h.Close(); err != nil {
			sc.log.Warn().Err(err).Str("link", h.Link().Name()).Msg("close link handler")
		}
	}
	sc.session.Close()
	if err := sc.broker.Close(); err != nil {
		sc.log.Warn().Err(err).Msg("close broker session")
	}
	observability.RecordSessionClosed()
	sc.log.Debug().Msg("session closed")
}
