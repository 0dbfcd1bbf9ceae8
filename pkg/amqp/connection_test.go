package amqp_test

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/ericogr/amqp-plug/pkg/amqp/enginetest"
	"github.com/rs/zerolog"
)

func newConn(t *testing.T, tr *enginetest.Transport, b *enginetest.Broker, cfg amqp.Config) (*amqp.Connection, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New()
	c, err := amqp.NewConnection(eng, tr, b, cfg)
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	return c, eng
}

// step runs fn inside the engine the way decoded input would.
func step(t *testing.T, c *amqp.Connection, eng *enginetest.Engine, fn func(e *enginetest.Engine)) {
	t.Helper()
	eng.Next(fn)
	if err := c.Feed([]byte{0}); err != nil {
		t.Fatalf("feed: %v", err)
	}
}

func target(addr string) *amqp.Terminus { return &amqp.Terminus{Address: addr} }

func TestOpenReceiverOnExistingQueue(t *testing.T) {
	tr := &enginetest.Transport{Inline: true}
	c, eng := newConn(t, tr, enginetest.NewBroker("queue1"), amqp.DefaultConfig())

	var s *enginetest.Session
	var l *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		s = e.Begin(1)
		l = e.Attach(s, 0, "in", amqp.RoleReceiver, nil, target("queue1"))
	})

	if c.SessionCount() != 1 {
		t.Fatalf("sessions: %d", c.SessionCount())
	}
	h := c.Handler(1, 0)
	if h == nil {
		t.Fatalf("no handler attached")
	}
	if h.State() != amqp.LinkFlowing {
		t.Fatalf("state %s want flowing", h.State())
	}
	if len(l.Flows) != 1 || l.Flows[0] != 500 {
		t.Fatalf("flows %v want [500]", l.Flows)
	}
	if l.Condition != nil || s.Condition != nil {
		t.Fatalf("unexpected conditions %v %v", l.Condition, s.Condition)
	}
	if !eng.Opened || !s.Opened || !l.Opened {
		t.Fatalf("local ends not opened: conn %v session %v link %v", eng.Opened, s.Opened, l.Opened)
	}
	if got := string(tr.Data()); got != "[open][begin 1][flow 0 500][attach 0]" {
		t.Fatalf("output %q", got)
	}
	if c.HighWaterMark() != 0 || c.PendingWrites() != 0 {
		t.Fatalf("inline transport left mark %d pending %d", c.HighWaterMark(), c.PendingWrites())
	}
	if l.Target() == nil || l.Target().Address != "queue1" {
		t.Fatalf("local target %v", l.Target())
	}
}

func TestOpenReceiverOnMissingQueue(t *testing.T) {
	tr := &enginetest.Transport{Inline: true}
	c, eng := newConn(t, tr, enginetest.NewBroker("queue1"), amqp.DefaultConfig())

	var s *enginetest.Session
	var l *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		s = e.Begin(1)
		l = e.Attach(s, 0, "in", amqp.RoleReceiver, nil, target("missing-queue"))
	})

	if !l.Closed {
		t.Fatalf("link not closed")
	}
	if l.Condition == nil || l.Condition.Name != amqp.CondNotFound {
		t.Fatalf("condition %v", l.Condition)
	}
	if !strings.Contains(l.Condition.Description, "does not exist") {
		t.Fatalf("description %q", l.Condition.Description)
	}
	if s.Closed || c.SessionCount() != 1 {
		t.Fatalf("session closed with the link")
	}
	if c.Handler(1, 0) != nil {
		t.Fatalf("failed link kept its handler")
	}

	// the peer answers the detach; nothing else happens
	step(t, c, eng, func(e *enginetest.Engine) { e.Detach(l) })
	if s.Closed {
		t.Fatalf("session closed after detach")
	}
}

func TestFailedLinkKeepsFirstCondition(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())

	var s *enginetest.Session
	var l *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		s = e.Begin(1)
		l = e.Attach(s, 0, "in", amqp.RoleReceiver, nil, target("missing-queue"))
		e.Flow(l, 10)
		e.Transfer(l, "d1", []byte("late"), false)
	})
	if l.Condition == nil || l.Condition.Name != amqp.CondNotFound || !strings.Contains(l.Condition.Description, "does not exist") {
		t.Fatalf("condition %v", l.Condition)
	}
	if n := len(b.Admitted()); n != 0 {
		t.Fatalf("admitted %d messages on a failed link", n)
	}
	if s.Closed {
		t.Fatalf("session closed with the link")
	}

	// once the peer detached, the handle can be attached again
	var again *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.Detach(l)
		again = e.Attach(s, 0, "in", amqp.RoleReceiver, nil, target("queue1"))
	})
	if again.Closed || again.Condition != nil {
		t.Fatalf("reattached link closed %v condition %v", again.Closed, again.Condition)
	}
	if h := c.Handler(1, 0); h == nil || h.State() != amqp.LinkFlowing {
		t.Fatalf("reattached handler %v", h)
	}
}

func TestLinkOnUnannouncedSessionIsLogged(t *testing.T) {
	var logs bytes.Buffer
	amqp.SetLogger(zerolog.New(&logs))
	defer amqp.SetLogger(zerolog.Nop())

	c, eng := newConn(t, &enginetest.Transport{Inline: true}, enginetest.NewBroker("queue1"), amqp.DefaultConfig())
	var l *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		l = e.Attach(e.Session(7), 0, "in", amqp.RoleReceiver, nil, target("queue1"))
	})
	if l.Closed || c.SessionCount() != 1 || c.Handler(7, 0) == nil {
		t.Fatalf("link closed %v sessions %d", l.Closed, c.SessionCount())
	}
	if !strings.Contains(logs.String(), "never announced") {
		t.Fatalf("no warning logged: %s", logs.String())
	}
}

func TestTargetResolution(t *testing.T) {
	cases := []struct {
		name   string
		target *amqp.Terminus
		broker func() *enginetest.Broker
		cond   string
	}{
		{"empty address", target(""), func() *enginetest.Broker { return enginetest.NewBroker() }, amqp.CondInvalidField},
		{"query failure", target("q"), func() *enginetest.Broker {
			b := enginetest.NewBroker("q")
			b.ExistsErr = errors.New("broker down")
			return b
		}, amqp.CondInternalError},
		{"temporary failure", &amqp.Terminus{Dynamic: true}, func() *enginetest.Broker {
			b := enginetest.NewBroker()
			b.TempErr = errors.New("no space")
			return b
		}, amqp.CondInternalError},
		{"no target", nil, func() *enginetest.Broker { return enginetest.NewBroker() }, ""},
	}
	for _, tc := range cases {
		tr := &enginetest.Transport{Inline: true}
		c, eng := newConn(t, tr, tc.broker(), amqp.DefaultConfig())
		var l *enginetest.Link
		step(t, c, eng, func(e *enginetest.Engine) {
			e.RemoteOpen()
			l = e.Attach(e.Begin(0), 3, "in", amqp.RoleReceiver, nil, tc.target)
		})
		if tc.cond == "" {
			if l.Condition != nil || l.Closed {
				t.Fatalf("%s: link failed with %v", tc.name, l.Condition)
			}
			continue
		}
		if l.Condition == nil || l.Condition.Name != tc.cond || !l.Closed {
			t.Fatalf("%s: condition %v closed %v", tc.name, l.Condition, l.Closed)
		}
	}
}

func TestDynamicTargetLivesWithSession(t *testing.T) {
	tr := &enginetest.Transport{Inline: true}
	b := enginetest.NewBroker()
	c, eng := newConn(t, tr, b, amqp.DefaultConfig())

	var s *enginetest.Session
	var l *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		s = e.Begin(2)
		l = e.Attach(s, 1, "reply", amqp.RoleReceiver, nil, &amqp.Terminus{Dynamic: true})
	})
	if l.Target() == nil || l.Target().Address != "tmp.1" {
		t.Fatalf("dynamic address not written back: %v", l.Target())
	}
	if !b.Has("tmp.1") {
		t.Fatalf("temporary destination missing")
	}

	step(t, c, eng, func(e *enginetest.Engine) { e.End(s) })
	if b.Has("tmp.1") {
		t.Fatalf("temporary destination outlived its session")
	}
	if !l.Closed || !s.Closed || c.SessionCount() != 0 {
		t.Fatalf("session end did not close everything")
	}
}

func openReceiver(t *testing.T, c *amqp.Connection, eng *enginetest.Engine, addr string) *enginetest.Link {
	t.Helper()
	var l *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		l = e.Attach(e.Begin(1), 0, "in", amqp.RoleReceiver, nil, target(addr))
	})
	return l
}

func TestDeliveryNotYetReadable(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openReceiver(t, c, eng, "queue1")

	step(t, c, eng, func(e *enginetest.Engine) { e.Announce(l, "d1") })
	if n := len(b.Admitted()); n != 0 {
		t.Fatalf("admitted %d messages before the delivery was readable", n)
	}

	var d *enginetest.Delivery
	step(t, c, eng, func(e *enginetest.Engine) { d = e.Transfer(l, "d1", []byte("hello"), false) })
	got := b.Admitted()
	if len(got) != 1 || string(got[0].Payload) != "hello" || got[0].Address != "queue1" {
		t.Fatalf("admitted %+v", got)
	}
	if _, ok := d.Outcome.(amqp.Accepted); !ok || !d.Settled {
		t.Fatalf("delivery outcome %v settled %v", d.Outcome, d.Settled)
	}
	if l.Advances != 1 {
		t.Fatalf("advances %d", l.Advances)
	}
}

func TestMultiFrameDeliveryIsAssembled(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openReceiver(t, c, eng, "queue1")

	var d *enginetest.Delivery
	step(t, c, eng, func(e *enginetest.Engine) {
		e.Transfer(l, "d1", []byte("hel"), true)
		e.Transfer(l, "d1", []byte("lo "), true)
	})
	if len(b.Admitted()) != 0 {
		t.Fatalf("partial delivery admitted")
	}
	step(t, c, eng, func(e *enginetest.Engine) {
		d = e.Transfer(l, "d1", []byte("world"), false)
	})
	got := b.Admitted()
	if len(got) != 1 || string(got[0].Payload) != "hello world" {
		t.Fatalf("admitted %+v", got)
	}
	if !d.Settled {
		t.Fatalf("delivery not settled")
	}
}

func TestAdmissionFailureRejectsAndReleasesBuffer(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openReceiver(t, c, eng, "queue1")

	b.AdmitErr = errors.New("disk full")
	var d *enginetest.Delivery
	step(t, c, eng, func(e *enginetest.Engine) { d = e.Transfer(l, "d1", []byte("lost"), false) })
	rej, ok := d.Outcome.(amqp.Rejected)
	if !ok || rej.Condition == nil || rej.Condition.Description == "" {
		t.Fatalf("outcome %#v", d.Outcome)
	}
	if rej.Condition.Name != amqp.CondFailed {
		t.Fatalf("condition name %q", rej.Condition.Name)
	}
	if !d.Settled || l.Closed {
		t.Fatalf("settled %v link closed %v", d.Settled, l.Closed)
	}

	b.AdmitErr = nil
	step(t, c, eng, func(e *enginetest.Engine) { e.Transfer(l, "d2", []byte("next"), false) })
	got := b.Admitted()
	if len(got) != 1 || string(got[0].Payload) != "next" {
		t.Fatalf("buffer leaked into next delivery: %+v", got)
	}
}

func TestAdmissionPanicRejectsDelivery(t *testing.T) {
	b := enginetest.NewBroker("queue1")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	l := openReceiver(t, c, eng, "queue1")

	b.AdmitPanic = "index out of range"
	var d *enginetest.Delivery
	step(t, c, eng, func(e *enginetest.Engine) { d = e.Transfer(l, "d1", []byte("boom"), false) })
	rej, ok := d.Outcome.(amqp.Rejected)
	if !ok || rej.Condition == nil || !strings.Contains(rej.Condition.Description, "index out of range") {
		t.Fatalf("outcome %#v", d.Outcome)
	}
	if !d.Settled || l.Closed || l.Condition != nil {
		t.Fatalf("settled %v link closed %v condition %v", d.Settled, l.Closed, l.Condition)
	}

	b.AdmitPanic = nil
	step(t, c, eng, func(e *enginetest.Engine) { e.Transfer(l, "d2", []byte("next"), false) })
	if got := b.Admitted(); len(got) != 1 || string(got[0].Payload) != "next" {
		t.Fatalf("admitted %+v", got)
	}
}

func TestDrainedReceiverIsGrantedAgain(t *testing.T) {
	cfg := amqp.DefaultConfig()
	cfg.CreditGrant = 10
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, enginetest.NewBroker("queue1"), cfg)
	l := openReceiver(t, c, eng, "queue1")

	step(t, c, eng, func(e *enginetest.Engine) { e.Flow(l, 0) })
	if len(l.Flows) != 2 || l.Credit() != 10 {
		t.Fatalf("flows %v credit %d after drain", l.Flows, l.Credit())
	}
	if h := c.Handler(1, 0); h.State() != amqp.LinkFlowing {
		t.Fatalf("state %s", h.State())
	}
}

func TestCreditReplenishedBelowThreshold(t *testing.T) {
	cfg := amqp.DefaultConfig()
	cfg.CreditGrant = 10
	b := enginetest.NewBroker("queue1")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, cfg)
	l := openReceiver(t, c, eng, "queue1")

	for i := 0; i < 5; i++ {
		step(t, c, eng, func(e *enginetest.Engine) { e.Transfer(l, string(rune('a'+i)), []byte("m"), false) })
	}
	if len(l.Flows) != 1 || l.Credit() != 5 {
		t.Fatalf("flows %v credit %d after 5 deliveries", l.Flows, l.Credit())
	}
	step(t, c, eng, func(e *enginetest.Engine) { e.Transfer(l, "f", []byte("m"), false) })
	if len(l.Flows) != 2 || l.Flows[1] != 10 || l.Credit() != 10 {
		t.Fatalf("flows %v credit %d after dropping below half", l.Flows, l.Credit())
	}
}

func TestReplenishRatioIsConfigurable(t *testing.T) {
	cfg := amqp.DefaultConfig()
	cfg.CreditGrant = 4
	cfg.ReplenishRatio = 1
	b := enginetest.NewBroker("queue1")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, cfg)
	l := openReceiver(t, c, eng, "queue1")

	step(t, c, eng, func(e *enginetest.Engine) { e.Transfer(l, "a", []byte("m"), false) })
	if len(l.Flows) != 2 || l.Credit() != 4 {
		t.Fatalf("flows %v credit %d", l.Flows, l.Credit())
	}
}

func TestDrainAndConfirm(t *testing.T) {
	tr := &enginetest.Transport{}
	c, eng := newConn(t, tr, enginetest.NewBroker(), amqp.DefaultConfig())

	eng.Write(bytes.Repeat([]byte{'x'}, 100))
	c.DrainOutput()
	if c.HighWaterMark() != 100 || c.PendingWrites() != 1 {
		t.Fatalf("mark %d pending %d", c.HighWaterMark(), c.PendingWrites())
	}
	c.DrainOutput()
	if tr.Chunks() != 1 {
		t.Fatalf("unconfirmed bytes handed out twice")
	}
	if !tr.Confirm(nil) {
		t.Fatalf("nothing to confirm")
	}
	if c.HighWaterMark() != 0 || c.PendingWrites() != 0 || eng.Pending() != 0 {
		t.Fatalf("mark %d pending %d engine %d", c.HighWaterMark(), c.PendingWrites(), eng.Pending())
	}
	c.DrainOutput()
	if tr.Chunks() != 1 {
		t.Fatalf("drain without new output handed %d chunks", tr.Chunks())
	}
}

func TestOutputOrderWithConcurrentConfirmations(t *testing.T) {
	tr := &enginetest.Transport{}
	b := enginetest.NewBroker("queue1")
	cfg := amqp.DefaultConfig()
	cfg.MaxPendingWrites = 0
	c, eng := newConn(t, tr, b, cfg)
	l := openReceiver(t, c, eng, "queue1")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				tr.ConfirmAll()
			}
		}
	}()
	for i := 0; i < 200; i++ {
		tag := string(rune(i))
		step(t, c, eng, func(e *enginetest.Engine) { e.Transfer(l, tag, []byte("payload"), false) })
	}
	close(stop)
	wg.Wait()
	tr.ConfirmAll()

	if c.HighWaterMark() != 0 || c.PendingWrites() != 0 {
		t.Fatalf("mark %d pending %d", c.HighWaterMark(), c.PendingWrites())
	}
	if !bytes.Equal(tr.Data(), eng.Written()) {
		t.Fatalf("transport saw different bytes than the engine produced")
	}
	if eng.Discarded() != len(eng.Written()) {
		t.Fatalf("discarded %d of %d", eng.Discarded(), len(eng.Written()))
	}
	if len(b.Admitted()) != 200 {
		t.Fatalf("admitted %d", len(b.Admitted()))
	}
}

func TestNegativeAvailableOutputIsIgnored(t *testing.T) {
	tr := &enginetest.Transport{}
	c, eng := newConn(t, tr, enginetest.NewBroker(), amqp.DefaultConfig())
	eng.Write([]byte("abcdef"))
	c.DrainOutput()
	eng.LoseOutput(4)
	c.DrainOutput()
	if tr.Chunks() != 1 || c.HighWaterMark() != 6 {
		t.Fatalf("chunks %d mark %d", tr.Chunks(), c.HighWaterMark())
	}
}

func TestFeedRetriesRefusedBytesInOrder(t *testing.T) {
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, enginetest.NewBroker(), amqp.DefaultConfig())
	eng.Refuse(3)
	if err := c.Feed([]byte("abc")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	eng.LimitFeed(2)
	if err := c.Feed([]byte("defgh")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if got := string(eng.Fed()); got != "abcdefgh" {
		t.Fatalf("engine saw %q", got)
	}
	if !c.CheckDataReceived() {
		t.Fatalf("data received flag not set")
	}
	if c.CheckDataReceived() {
		t.Fatalf("data received flag not reset")
	}
}

func TestFeedRetriesShortAccept(t *testing.T) {
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, enginetest.NewBroker(), amqp.DefaultConfig())
	eng.ShortAccept(3)
	if err := c.Feed([]byte("abcdefgh")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if got := string(eng.Fed()); got != "abcdefgh" {
		t.Fatalf("engine saw %q", got)
	}
}

func TestFeedGivesUpAfterTimeout(t *testing.T) {
	cfg := amqp.DefaultConfig()
	cfg.FeedTimeout = 20 * time.Millisecond
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, enginetest.NewBroker(), cfg)
	eng.Refuse(1 << 30)
	if err := c.Feed([]byte("x")); !errors.Is(err, amqp.ErrFeedTimeout) {
		t.Fatalf("feed error %v", err)
	}
}

func TestFeedWaitsForTransportWhenTooManyWritesPending(t *testing.T) {
	cfg := amqp.DefaultConfig()
	cfg.MaxPendingWrites = 1
	cfg.WriteDrainTimeout = 2 * time.Second
	tr := &enginetest.Transport{}
	c, eng := newConn(t, tr, enginetest.NewBroker(), cfg)

	eng.Write([]byte("a"))
	c.DrainOutput()
	eng.Write([]byte("b"))
	c.DrainOutput()

	go func() {
		time.Sleep(30 * time.Millisecond)
		tr.ConfirmAll()
	}()
	start := time.Now()
	if err := c.Feed([]byte{0}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("feed did not wait for the transport")
	}
	if c.PendingWrites() != 0 {
		t.Fatalf("pending writes %d", c.PendingWrites())
	}
}

func TestEventForUnattachedLinkFailsLink(t *testing.T) {
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, enginetest.NewBroker("queue1"), amqp.DefaultConfig())
	var s *enginetest.Session
	var stray, other *enginetest.Link
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		s = e.Begin(1)
		other = e.Attach(s, 0, "in", amqp.RoleReceiver, nil, target("queue1"))
		stray = e.NewLink(s, 9, "stray", amqp.RoleSender, nil, nil)
		e.Flow(stray, 3)
	})
	if stray.Condition == nil || stray.Condition.Name != amqp.CondIllegalState || !stray.Closed {
		t.Fatalf("stray link condition %v closed %v", stray.Condition, stray.Closed)
	}
	if !strings.Contains(stray.Condition.Description, "no delivery handler") {
		t.Fatalf("description %q", stray.Condition.Description)
	}
	if other.Closed || s.Closed {
		t.Fatalf("failure spread beyond the stray link")
	}
}

func TestBrokerSessionFailureClosesSession(t *testing.T) {
	b := enginetest.NewBroker()
	b.NewSessionErr = errors.New("broker unavailable")
	c, eng := newConn(t, &enginetest.Transport{Inline: true}, b, amqp.DefaultConfig())
	var s *enginetest.Session
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		s = e.Begin(4)
	})
	if !s.Closed || s.Condition == nil || s.Condition.Name != amqp.CondInternalError {
		t.Fatalf("session closed %v condition %v", s.Closed, s.Condition)
	}
	if c.Closed() {
		t.Fatalf("connection closed with the session")
	}
}

func TestCloseCascade(t *testing.T) {
	tr := &enginetest.Transport{Inline: true}
	b := enginetest.NewBroker("q1", "q2")
	c, eng := newConn(t, tr, b, amqp.DefaultConfig())

	var links []*enginetest.Link
	var sessions []*enginetest.Session
	step(t, c, eng, func(e *enginetest.Engine) {
		e.RemoteOpen()
		for ch := uint16(0); ch < 2; ch++ {
			s := e.Begin(ch)
			sessions = append(sessions, s)
			links = append(links, e.Attach(s, 0, "a", amqp.RoleReceiver, nil, target("q1")))
			links = append(links, e.Attach(s, 1, "b", amqp.RoleReceiver, nil, target("q2")))
		}
	})

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	for _, l := range links {
		if !l.Closed {
			t.Fatalf("link %s/%d left open", l.Name(), l.Handle())
		}
	}
	for _, s := range sessions {
		if !s.Closed {
			t.Fatalf("session %d left open", s.Channel())
		}
	}
	if created, closed := b.Sessions(); created != 2 || closed != 2 {
		t.Fatalf("broker sessions created %d closed %d", created, closed)
	}
	if !eng.Closed || tr.Closes() != 1 {
		t.Fatalf("engine closed %v transport closes %d", eng.Closed, tr.Closes())
	}
	if !strings.HasSuffix(string(tr.Data()), "[close]") {
		t.Fatalf("close frame not flushed: %q", tr.Data())
	}
	if err := c.Feed([]byte{0}); !errors.Is(err, amqp.ErrConnectionClosed) {
		t.Fatalf("feed after close: %v", err)
	}
}

func TestRemoteCloseWithWritesInFlight(t *testing.T) {
	tr := &enginetest.Transport{}
	b := enginetest.NewBroker("q1")
	c, eng := newConn(t, tr, b, amqp.DefaultConfig())
	l := openReceiver(t, c, eng, "q1")

	var d *enginetest.Delivery
	step(t, c, eng, func(e *enginetest.Engine) {
		d = e.Transfer(l, "d", []byte("m"), false)
		e.RemoteClose()
	})
	if !c.Closed() || tr.Closes() != 1 {
		t.Fatalf("connection not destroyed")
	}
	if !d.Settled || !l.Closed {
		t.Fatalf("delivery settled %v link closed %v", d.Settled, l.Closed)
	}
	// confirmations arriving after destruction only release the latch
	tr.ConfirmAll()
	if c.PendingWrites() != 0 {
		t.Fatalf("pending writes %d", c.PendingWrites())
	}
	if eng.Discarded() != 0 {
		t.Fatalf("engine output discarded after destroy")
	}
	if _, closed := b.Sessions(); closed != 1 {
		t.Fatalf("broker session not closed")
	}
}

func TestRegistry(t *testing.T) {
	f, err := amqp.LookupEngine(enginetest.Name)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := f(); err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, err := amqp.LookupEngine("nope"); err == nil {
		t.Fatalf("unknown engine found")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate registration did not panic")
		}
	}()
	amqp.RegisterEngine(enginetest.Name, f)
}
