package amqp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ericogr/amqp-plug/pkg/observability"
	"github.com/rs/zerolog"
)

// maxRetainedBuffer caps the accumulation buffer kept between messages.
const maxRetainedBuffer = 1 << 20

// receiver admits messages the peer sends on a link where we are the
// receiving end. It keeps the link supplied with credit and accumulates
// multi-frame deliveries until they are complete.
type receiver struct {
	sess    *sessionContext
	link    Link
	grant   uint32
	refill  uint32
	address string
	state   LinkState
	buf     bytes.Buffer
	log     zerolog.Logger
}

func newReceiver(sc *sessionContext, l Link) *receiver {
	cfg := sc.conn.cfg
	return &receiver{
		sess:   sc,
		link:   l,
		grant:  cfg.CreditGrant,
		refill: cfg.replenishThreshold(),
		log:    sc.log.With().Str("link", l.Name()).Uint32("handle", l.Handle()).Logger(),
	}
}

func (r *receiver) Link() Link       { return r.link }
func (r *receiver) State() LinkState { return r.state }

// Address is the resolved destination messages are admitted to.
func (r *receiver) Address() string { return r.address }

// Init resolves the target and issues the initial credit.
func (r *receiver) Init() error {
	if r.state != LinkUninitialized {
		return nil
	}
	target, err := resolveTerminus(r.sess, r.link.RemoteTarget(), ErrTargetAddressNotSet)
	if err != nil {
		return err
	}
	if target != nil {
		r.address = target.Address
		r.link.SetTarget(target)
	}
	r.flow()
	r.log.Debug().Str("address", r.address).Uint32("credit", r.grant).Msg("receiver initialised")
	return nil
}

func (r *receiver) flow() {
	r.link.Flow(r.grant)
	r.state = LinkFlowing
	observability.RecordCreditIssued(r.grant)
}

// OnFlow handles the peer's view of the credit. A drain that used up the
// credit is answered with a new grant.
func (r *receiver) OnFlow(credit uint32) error {
	r.log.Debug().Uint32("credit", credit).Msg("flow")
	if r.state == LinkFlowing {
		r.replenish()
	}
	return nil
}

// OnMessage admits d once it is complete. Every failure, a panic included,
// ends with d rejected and settled while the link stays open.
func (r *receiver) OnMessage(d Delivery) (err error) {
	if r.state == LinkClosed {
		return fmt.Errorf("delivery on closed link %q", r.link.Name())
	}
	if !d.Readable() {
		return nil
	}
	disposed := false
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if disposed {
			err = fmt.Errorf("panic settling delivery: %v", p)
			return
		}
		r.reject(d, fmt.Errorf("panic handling delivery: %v", p))
	}()

	if _, err := io.Copy(&r.buf, linkReader{r.link}); err != nil {
		disposed = true
		r.reject(d, fmt.Errorf("read delivery: %w", err))
		return nil
	}
	if d.Partial() {
		return nil
	}
	defer r.release()

	payload := r.buf.Bytes()
	if err := r.sess.broker.AdmitMessage(r.sess.conn.ctx, r.address, d.MessageFormat(), payload); err != nil {
		disposed = true
		r.reject(d, err)
		return nil
	}
	r.link.Advance()
	disposed = true
	d.Disposition(Accepted{})
	d.Settle()
	observability.RecordDelivery("accepted", len(payload))
	r.replenish()
	return nil
}

// replenish re-issues the full grant once the remaining credit drops below
// the refill point.
func (r *receiver) replenish() {
	if r.link.Credit() < r.refill {
		r.flow()
	}
}

// reject advances past d and settles it with the failed condition.
func (r *receiver) reject(d Delivery, err error) {
	r.log.Warn().Err(err).Str("address", r.address).Msg("rejecting delivery")
	r.link.Advance()
	d.Disposition(Rejected{Condition: &Condition{Name: CondFailed, Description: err.Error()}})
	d.Settle()
	r.release()
	observability.RecordDelivery("rejected", 0)
	r.replenish()
}

func (r *receiver) release() {
	if r.buf.Cap() > maxRetainedBuffer {
		r.buf = bytes.Buffer{}
		return
	}
	r.buf.Reset()
}

func (r *receiver) CheckState() error {
	if r.state == LinkClosed {
		return withCondition(CondIllegalState, fmt.Errorf("link %q already closed", r.link.Name()))
	}
	if t := r.link.Target(); t != nil && t.Address != "" {
		r.address = t.Address
	}
	return nil
}

func (r *receiver) Close() error {
	if r.state == LinkClosed {
		return nil
	}
	r.state = LinkClosed
	r.release()
	r.sess.detach(r.link.Handle())
	r.link.Close()
	return nil
}

// linkReader reads the pending bytes of the current delivery.
type linkReader struct{ l Link }

func (lr linkReader) Read(p []byte) (int, error) { return lr.l.Recv(p) }

// resolveTerminus validates the address the peer asked for, creating a
// temporary destination for a dynamic terminus. A nil terminus is allowed.
func resolveTerminus(sc *sessionContext, t *Terminus, unset error) (*Terminus, error) {
	if t == nil {
		return nil, nil
	}
	local := *t
	ctx := sc.conn.ctx
	if t.Dynamic {
		name, err := sc.broker.CreateTemporaryDestination(ctx)
		if err != nil {
			return nil, withCondition(CondInternalError, fmt.Errorf("create temporary destination: %w", err))
		}
		local.Address = name
		return &local, nil
	}
	if local.Address == "" {
		return nil, withCondition(CondInvalidField, unset)
	}
	ok, err := sc.broker.DestinationExists(ctx, local.Address)
	if err != nil {
		return nil, withCondition(CondInternalError, fmt.Errorf("error finding destination %q: %w", local.Address, err))
	}
	if !ok {
		return nil, withCondition(CondNotFound, fmt.Errorf("%w: %s", ErrAddressDoesNotExist, local.Address))
	}
	return &local, nil
}
