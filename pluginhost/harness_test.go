package pluginhost_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"saltshaker/clock"
	"saltshaker/eventbus"
	"saltshaker/filebridge"
	"saltshaker/pluginhost"
	"saltshaker/storage"
	"saltshaker/telemetry"
)

// stubConnector stands in for the connection manager.
type stubConnector struct {
	mu          sync.Mutex
	desired     bool
	connects    int
	disconnects int
}

func (c *stubConnector) RequestConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = true
	c.connects++
}

func (c *stubConnector) RequestDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = false
	c.disconnects++
}

func (c *stubConnector) State() telemetry.Status { return telemetry.StatusDisconnected }

func (c *stubConnector) Desired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}

func (c *stubConnector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects
}

type harness struct {
	bus      *eventbus.Bus
	subs     *telemetry.Subscriptions
	conn     *stubConnector
	registry *storage.Registry
	host     *pluginhost.Host
	manager  *pluginhost.Manager
	home     string
	dataDir  string
	clock    *clock.Fake
}

func newHarness(t *testing.T, scriptTimeout time.Duration) *harness {
	t.Helper()
	logger := zerolog.Nop()

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	dataDir := t.TempDir()
	registry, err := storage.OpenRegistry(storage.DatabasePath(dataDir), logger)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	home := t.TempDir()
	resolver := &filebridge.Resolver{Home: home, AppData: filepath.Join(home, "appdata")}

	bus := eventbus.New(logger)
	subs := telemetry.NewSubscriptions()
	conn := &stubConnector{}
	host := pluginhost.NewHost(pluginhost.HostConfig{
		Bus:            bus,
		Files:          filebridge.New(registry, resolver, logger),
		Telemetry:      telemetry.NewBridge(subs, conn, nil, logger),
		Pool:           pool,
		ScriptTimeout:  scriptTimeout,
		DisposeTimeout: time.Second,
		Logger:         logger,
	})
	t.Cleanup(func() { host.Shutdown(context.Background()) })

	fake := clock.NewFake(time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC))
	manager := pluginhost.NewManager(pluginhost.ManagerConfig{
		Host:       host,
		Registry:   registry,
		Bus:        bus,
		PluginsDir: storage.PluginsDir(dataDir),
		Clock:      fake,
		Logger:     logger,
	})
	return &harness{
		bus:      bus,
		subs:     subs,
		conn:     conn,
		registry: registry,
		host:     host,
		manager:  manager,
		home:     home,
		dataDir:  dataDir,
		clock:    fake,
	}
}

// record captures every event of the given kinds.
func (h *harness) record(t *testing.T, kinds ...eventbus.Kind) chan eventbus.Event {
	t.Helper()
	ch := make(chan eventbus.Event, 64)
	for _, k := range kinds {
		unsub := h.bus.Subscribe(k, func(ev eventbus.Event) { ch <- ev })
		t.Cleanup(unsub)
	}
	return ch
}

// sync waits until every job already queued on the plugin's loop has run.
func (h *harness) sync(t *testing.T, id string) {
	t.Helper()
	inst, ok := h.host.Active(id)
	require.True(t, ok, "plugin %s is not active", id)
	_, err := inst.Call(context.Background(), func(*goja.Runtime) (goja.Value, error) {
		return goja.Undefined(), nil
	})
	require.NoError(t, err)
}

func next(t *testing.T, ch chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func payload(t *testing.T, ev eventbus.Event) map[string]any {
	t.Helper()
	m, ok := ev.Payload.(map[string]any)
	require.True(t, ok, "payload is %T", ev.Payload)
	return m
}

func none(t *testing.T, ch chan eventbus.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s from %s: %v", ev.Kind, ev.Source, ev.Payload)
	default:
	}
}
