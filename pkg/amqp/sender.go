package amqp

import (
	"encoding/binary"
	"fmt"

	"github.com/ericogr/amqp-plug/pkg/observability"
	"github.com/rs/zerolog"
)

// sender feeds a link where we are the sending end from the broker's
// message source, as far as the peer's credit allows.
type sender struct {
	sess    *sessionContext
	link    Link
	source  MessageSource
	address string
	state   LinkState
	nextTag uint64
	log     zerolog.Logger
}

func newSender(sc *sessionContext, l Link) *sender {
	return &sender{
		sess: sc,
		link: l,
		log:  sc.log.With().Str("link", l.Name()).Uint32("handle", l.Handle()).Logger(),
	}
}

func (s *sender) Link() Link       { return s.link }
func (s *sender) State() LinkState { return s.state }

// Init resolves the source. Brokers that cannot feed links refuse it.
func (s *sender) Init() error {
	if s.state != LinkUninitialized {
		return nil
	}
	src, ok := s.sess.broker.(MessageSource)
	if !ok {
		return withCondition(CondNotImplemented, ErrSourceUnsupported)
	}
	source, err := resolveTerminus(s.sess, s.link.RemoteSource(), ErrSourceAddressNotSet)
	if err != nil {
		return err
	}
	if source == nil {
		return withCondition(CondInvalidField, ErrSourceAddressNotSet)
	}
	s.source = src
	s.address = source.Address
	s.link.SetSource(source)
	s.state = LinkActive
	s.log.Debug().Str("address", s.address).Msg("sender initialised")
	return nil
}

func (s *sender) OnFlow(credit uint32) error {
	s.log.Debug().Uint32("credit", credit).Msg("flow")
	return s.pump()
}

// pump sends stored messages while the link has credit.
func (s *sender) pump() error {
	if s.state != LinkActive {
		return nil
	}
	ctx := s.sess.conn.ctx
	for s.link.Credit() > 0 {
		msg, ok, err := s.source.Fetch(ctx, s.address)
		if err != nil {
			return withCondition(CondInternalError, fmt.Errorf("fetch from %q: %w", s.address, err))
		}
		if !ok {
			return nil
		}
		if _, err := s.link.Send(s.tag(), msg.Format, msg.Payload); err != nil {
			// put the message back so it is not lost with the link
			if rerr := s.sess.broker.AdmitMessage(ctx, s.address, msg.Format, msg.Payload); rerr != nil {
				s.log.Error().Err(rerr).Str("address", s.address).Msg("message lost after failed send")
			}
			return fmt.Errorf("send delivery: %w", err)
		}
		observability.RecordDelivery("sent", len(msg.Payload))
	}
	return nil
}

func (s *sender) tag() []byte {
	t := make([]byte, 8)
	binary.BigEndian.PutUint64(t, s.nextTag)
	s.nextTag++
	return t
}

// OnMessage handles the peer's disposition of a sent delivery.
func (s *sender) OnMessage(d Delivery) error {
	if !d.RemoteSettled() {
		return nil
	}
	switch o := d.RemoteOutcome().(type) {
	case Accepted, nil:
	case Rejected:
		s.log.Warn().Str("condition", o.Condition.String()).Msg("peer rejected delivery")
	default:
		s.log.Debug().Str("outcome", fmt.Sprintf("%T", o)).Msg("peer did not accept delivery")
	}
	d.Settle()
	return nil
}

func (s *sender) CheckState() error {
	if s.state == LinkClosed {
		return withCondition(CondIllegalState, fmt.Errorf("link %q already closed", s.link.Name()))
	}
	return nil
}

func (s *sender) Close() error {
	if s.state == LinkClosed {
		return nil
	}
	s.state = LinkClosed
	s.sess.detach(s.link.Handle())
	s.link.Close()
	return nil
}
