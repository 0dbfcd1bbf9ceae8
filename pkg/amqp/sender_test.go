package amqp_test

import (
	"errors"
	"testing"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/ericogr/amqp-plug/pkg/amqp/enginetest"
)

func openSender(t *testing.T, c *amqp.Connection, eng *enginetest.Engine, source *amqp.Terminus) *enginetest.Link {
	t.Helper()
	var l *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		l = e.Attach(e.Begin(1), 2, "out", amqp.RoleSender, source, nil)
	})
	return l
}

func TestSenderUsesPeerCredit(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	b.Put("queue1", []byte("m1"))
	b.Put("queue1", []byte("m2"))
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openSender(t, c, eng, target("queue1"))

	if h := c.Handler(1, 2); h == nil || h.State() != amqp.LinkActive {
		t.Fatalf("sender handler %v", h)
	}
	step(t, c, eng, func(e *enginetest.Engine) { e.Flow(l, 5) })
	if len(l.Sent) != 2 || l.Credit() != 3 {
		t.Fatalf("sent %d credit %d", len(l.Sent), l.Credit())
	}
	if string(l.Sent[0].Payload) != "m1" || string(l.Sent[1].Payload) != "m2" {
		t.Fatalf("sent out of order")
	}
	if string(l.Sent[0].Tag()) == string(l.Sent[1].Tag()) {
		t.Fatalf("delivery tags reused")
	}

	b.Put("queue1", []byte("m3"))
	c.Flush()
	if len(l.Sent) != 3 || l.Credit() != 2 {
		t.Fatalf("flush sent %d credit %d", len(l.Sent), l.Credit())
	}

	d := l.Sent[0]
	step(t, c, eng, func(e *enginetest.Engine) { e.Settle(d, amqp.Accepted{}) })
	if !d.Settled {
		t.Fatalf("delivery not settled after peer settled it")
	}
}

func TestSenderStopsWithoutCredit(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	for i := 0; i < 4; i++ {
		b.Put("queue1", []byte{byte(i)})
	}
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openSender(t, c, eng, target("queue1"))
	step(t, c, eng, func(e *enginetest.Engine) { e.Flow(l, 1) })
	c.Flush()
	if len(l.Sent) != 1 {
		t.Fatalf("sent %d with credit 1", len(l.Sent))
	}
}

func TestSenderFailedSendRequeues(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	b.Put("queue1", []byte("keep"))
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openSender(t, c, eng, target("queue1"))
	l.SendErr = errors.New("session window closed")

	step(t, c, eng, func(e *enginetest.Engine) { e.Flow(l, 1) })
	if !l.Closed || l.Condition == nil || l.Condition.Name != amqp.CondIllegalState {
		t.Fatalf("link closed %v condition %v", l.Closed, l.Condition)
	}
	got := b.Admitted()
	if len(got) != 1 || string(got[0].Payload) != "keep" {
		t.Fatalf("message not put back: %+v", got)
	}
}

func TestSenderWithoutMessageSource(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	b.NoSource = true
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openSender(t, c, eng, target("queue1"))
	if !l.Closed || l.Condition == nil || l.Condition.Name != amqp.CondNotImplemented {
		t.Fatalf("link closed %v condition %v", l.Closed, l.Condition)
	}
}

func TestSenderSourceResolution(t *testing.T) {
	b := enginetest.NewBroker()
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openSender(t, c, eng, target("nowhere"))
	if l.Condition == nil || l.Condition.Name != amqp.CondNotFound {
		t.Fatalf("condition %v", l.Condition)
	}

	c2, eng2 := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l2 := openSender(t, c2, eng2, nil)
	if l2.Condition == nil || l2.Condition.Name != amqp.CondInvalidField {
		t.Fatalf("condition %v", l2.Condition)
	}
}
