package telemetry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltshaker/eventbus"
	"saltshaker/telemetry"
	"saltshaker/typedef"
)

func TestManagerStartsDisconnectedAndLazy(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, telemetry.StatusDisconnected, h.mgr.State())
	assert.False(t, h.mgr.Desired())
	assert.Zero(t, h.dials)
}

func TestManagerRequestConnectWiresOnce(t *testing.T) {
	h := newHarness(t)
	for range 3 {
		h.mgr.RequestConnect()
	}
	connects, _ := h.conn.counts()
	assert.Equal(t, 1, h.dials)
	assert.Equal(t, 3, h.conn.listeners(), "one status, one message and one error listener")
	assert.Equal(t, 1, connects, "no second connect while Connecting")
	assert.Equal(t, "127.0.0.1", h.conn.lastHost)
	assert.Equal(t, telemetry.DefaultPort, h.conn.lastPort)
	assert.True(t, h.mgr.Desired())
	assert.Equal(t, telemetry.StatusConnecting, h.mgr.State())
}

func TestManagerPublishesOnlyWhatIsWanted(t *testing.T) {
	h := newHarness(t)
	h.subs.Subscribe("a", []string{eventbus.NameConnected})
	h.mgr.RequestConnect()

	h.conn.setStatus(telemetry.StatusConnecting)
	h.conn.setStatus(telemetry.StatusConnected)

	events := h.rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.Connected, events[0].Kind)
	assert.Equal(t, telemetry.Source, events[0].Source)
	assert.Equal(t, telemetry.ConnectedPayload{Host: "127.0.0.1", Port: telemetry.DefaultPort}, events[0].Payload)
}

func TestManagerReconnectsAfterDelay(t *testing.T) {
	h := newHarness(t)
	h.subs.Subscribe("a", []string{eventbus.NameDisconnected})
	h.mgr.RequestConnect()
	h.conn.setStatus(telemetry.StatusConnected)
	h.conn.setStatus(telemetry.StatusDisconnected)

	assert.Equal(t, []eventbus.Kind{eventbus.Disconnected}, h.rec.kinds())
	assert.True(t, h.mgr.ReconnectPending())
	assert.Equal(t, 1, h.clk.Pending())

	h.clk.Advance(999 * time.Millisecond)
	connects, _ := h.conn.counts()
	assert.Equal(t, 1, connects)

	h.clk.Advance(time.Millisecond)
	connects, _ = h.conn.counts()
	assert.Equal(t, 2, connects)
	assert.False(t, h.mgr.ReconnectPending())
	assert.Zero(t, h.clk.Pending())
}

func TestManagerCoalescesReconnectSchedules(t *testing.T) {
	h := newHarness(t)
	h.mgr.RequestConnect()
	h.conn.setStatus(telemetry.StatusDisconnected)
	h.conn.setStatus(telemetry.StatusDisconnected)
	h.conn.fail(errors.New("connection reset"))

	assert.Equal(t, 1, h.clk.Pending())
	h.clk.Advance(5 * time.Second)
	connects, _ := h.conn.counts()
	assert.Equal(t, 2, connects, "exactly one reconnect")
}

func TestManagerConnectedCancelsReconnect(t *testing.T) {
	h := newHarness(t)
	h.mgr.RequestConnect()
	h.conn.setStatus(telemetry.StatusDisconnected)
	require.Equal(t, 1, h.clk.Pending())

	h.conn.setStatus(telemetry.StatusConnected)
	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(2 * time.Second)
	connects, _ := h.conn.counts()
	assert.Equal(t, 1, connects)
}

func TestManagerRequestDisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t)
	h.mgr.RequestConnect()
	h.conn.setStatus(telemetry.StatusDisconnected)
	require.True(t, h.mgr.ReconnectPending())

	h.mgr.RequestDisconnect()
	assert.False(t, h.mgr.Desired())
	assert.False(t, h.mgr.ReconnectPending())
	assert.Zero(t, h.clk.Pending())

	h.clk.Advance(10 * time.Second)
	connects, disconnects := h.conn.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
}

func TestManagerTransportErrorEventAndRetry(t *testing.T) {
	h := newHarness(t)
	h.subs.Subscribe("a", []string{eventbus.NameError})
	h.conn.connectErr = errors.New("connection refused")

	h.mgr.RequestConnect()
	assert.Equal(t, telemetry.StatusDisconnected, h.mgr.State())
	events := h.rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.Error, events[0].Kind)
	payload, ok := events[0].Payload.(telemetry.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, string(typedef.KindTransportError), payload.Kind)
	assert.Contains(t, payload.Message, "connection refused")

	h.conn.mu.Lock()
	h.conn.connectErr = nil
	h.conn.mu.Unlock()
	h.clk.Advance(time.Second)
	connects, _ := h.conn.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, telemetry.StatusConnecting, h.mgr.State())
}

func TestManagerDropsConnectionNobodyWants(t *testing.T) {
	h := newHarness(t)
	h.mgr.RequestConnect()
	h.mgr.RequestDisconnect()

	// the dial that was in flight completes anyway
	h.conn.setStatus(telemetry.StatusConnected)

	_, disconnects := h.conn.counts()
	assert.Equal(t, 2, disconnects)
	assert.Equal(t, telemetry.StatusDisconnected, h.mgr.State())
	assert.Zero(t, h.clk.Pending())
}

func TestManagerBackoffStopEndsRetries(t *testing.T) {
	h := newHarness(t, func(cfg *telemetry.ManagerConfig) {
		cfg.Backoff = backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1)
	})
	h.mgr.RequestConnect()
	h.conn.setStatus(telemetry.StatusDisconnected)
	h.clk.Advance(time.Second)
	h.conn.setStatus(telemetry.StatusDisconnected)

	assert.Zero(t, h.clk.Pending())
	connects, _ := h.conn.counts()
	assert.Equal(t, 2, connects)
}

func TestManagerConnectedResetsDecoder(t *testing.T) {
	h := newHarness(t)
	h.subs.Subscribe("a", []string{eventbus.NameGameStart})
	h.mgr.RequestConnect()
	h.conn.setStatus(telemetry.StatusConnected)
	h.conn.deliver(gameEvent(startOnly()))
	require.NotNil(t, h.mgr.Pipeline().Settings())

	h.conn.setStatus(telemetry.StatusDisconnected)
	h.clk.Advance(time.Second)
	h.conn.setStatus(telemetry.StatusConnected)
	assert.Nil(t, h.mgr.Pipeline().Settings())
}
