package telemetry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"saltshaker/clock"
	"saltshaker/eventbus"
	"saltshaker/telemetry"
)

// fakeConn is an instrumented telemetry.Conn. Status only changes when a
// test calls setStatus, except Disconnect which reports Disconnected.
type fakeConn struct {
	mu             sync.Mutex
	status         telemetry.Status
	statusHandlers []func(telemetry.Status)
	msgHandlers    []func(telemetry.Message)
	errHandlers    []func(error)
	connects       int
	disconnects    int
	connectErr     error
	lastHost       string
	lastPort       int
}

func (c *fakeConn) Status() telemetry.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) Connect(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.lastHost, c.lastPort = host, port
	return c.connectErr
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	was := c.status
	c.mu.Unlock()
	if was != telemetry.StatusDisconnected {
		c.setStatus(telemetry.StatusDisconnected)
	}
	return nil
}

func (c *fakeConn) OnStatusChange(f func(telemetry.Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHandlers = append(c.statusHandlers, f)
}

func (c *fakeConn) OnMessage(f func(telemetry.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers = append(c.msgHandlers, f)
}

func (c *fakeConn) OnError(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errHandlers = append(c.errHandlers, f)
}

func (c *fakeConn) setStatus(s telemetry.Status) {
	c.mu.Lock()
	c.status = s
	hs := c.statusHandlers
	c.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	hs := c.errHandlers
	c.mu.Unlock()
	for _, h := range hs {
		h(err)
	}
}

func (c *fakeConn) deliver(msg telemetry.Message) {
	c.mu.Lock()
	hs := c.msgHandlers
	c.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (c *fakeConn) listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.statusHandlers) + len(c.msgHandlers) + len(c.errHandlers)
}

func (c *fakeConn) counts() (connects, disconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects
}

// recorder collects bus events of the given kinds.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

func (r *recorder) kinds() []eventbus.Kind {
	var out []eventbus.Kind
	for _, ev := range r.snapshot() {
		out = append(out, ev.Kind)
	}
	return out
}

var telemetryKinds = []eventbus.Kind{
	eventbus.Connecting,
	eventbus.Connected,
	eventbus.Disconnected,
	eventbus.Error,
	eventbus.GameStart,
	eventbus.GameEnd,
}

type harness struct {
	subs  *telemetry.Subscriptions
	bus   *eventbus.Bus
	clk   *clock.Fake
	conn  *fakeConn
	dials int
	mgr   *telemetry.Manager
	rec   *recorder
}

func newHarness(t *testing.T, opts ...func(*telemetry.ManagerConfig)) *harness {
	t.Helper()
	h := &harness{
		subs: telemetry.NewSubscriptions(),
		bus:  eventbus.New(zerolog.Nop()),
		clk:  clock.NewFake(time.Unix(0, 0)),
		conn: &fakeConn{},
		rec:  &recorder{},
	}
	for _, k := range telemetryKinds {
		h.bus.Subscribe(k, h.rec.handle)
	}
	cfg := telemetry.ManagerConfig{
		Clock:  h.clk,
		Logger: zerolog.Nop(),
		Dial: func() telemetry.Conn {
			h.dials++
			return h.conn
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.mgr = telemetry.NewManager(h.subs, h.bus, cfg)
	t.Cleanup(h.mgr.Close)
	return h
}
