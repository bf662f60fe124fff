package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"saltshaker/typedef"
)

// Connector is the part of Manager the bridge drives.
type Connector interface {
	RequestConnect()
	RequestDisconnect()
	State() Status
	Desired() bool
}

// Bridge is the telemetry capability handed to plugins. Telemetry is not
// resource scoped, so no permission is checked.
type Bridge struct {
	subs   *Subscriptions
	conn   Connector
	probe  ProcessProbe
	logger zerolog.Logger
}

// NewBridge composes the registry and the connection manager. probe may be nil.
func NewBridge(subs *Subscriptions, conn Connector, probe ProcessProbe, logger zerolog.Logger) *Bridge {
	return &Bridge{
		subs:   subs,
		conn:   conn,
		probe:  probe,
		logger: logger.With().Str("component", "telemetry.bridge").Logger(),
	}
}

// Subscribe records interest in events and keeps the connection desired.
// A cancelled ctx records nothing: the calling plugin is going away.
func (b *Bridge) Subscribe(ctx context.Context, pluginID string, events []string) error {
	if pluginID == "" {
		return typedef.NewError(typedef.KindInvalidArgument, "dolphin.subscribe", "", nil, "plugin id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range events {
		if e == "" {
			return typedef.NewError(typedef.KindInvalidArgument, "dolphin.subscribe", pluginID, nil, "empty event name")
		}
	}
	b.subs.Subscribe(pluginID, events)
	b.logger.Debug().Str("plugin", pluginID).Strs("events", events).Msg("subscribe")
	if b.subs.Desired() {
		b.conn.RequestConnect()
	}
	return nil
}

// Unsubscribe drops events (all of them when events is nil) and disconnects
// once no plugin wants anything.
func (b *Bridge) Unsubscribe(_ context.Context, pluginID string, events []string) error {
	if pluginID == "" {
		return typedef.NewError(typedef.KindInvalidArgument, "dolphin.unsubscribe", "", nil, "plugin id is required")
	}
	b.subs.Unsubscribe(pluginID, events)
	b.logger.Debug().Str("plugin", pluginID).Strs("events", events).Msg("unsubscribe")
	if !b.subs.Desired() {
		b.conn.RequestDisconnect()
	}
	return nil
}

// Release drops every subscription of a plugin that is going away.
func (b *Bridge) Release(pluginID string) {
	_ = b.Unsubscribe(context.Background(), pluginID, nil)
}

// Wants reports whether pluginID should see the telemetry event name.
func (b *Bridge) Wants(pluginID, name string) bool {
	return b.subs.Wants(pluginID, name)
}

// StatusReport is what the UI shows about the telemetry feed.
type StatusReport struct {
	State         string              `json:"state"`
	Desired       bool                `json:"desired"`
	GameRunning   *bool               `json:"gameRunning,omitempty"`
	Subscriptions map[string][]string `json:"subscriptions"`
}

// Status snapshots the connection and, if a probe is set, the game process.
func (b *Bridge) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		State:         b.conn.State().String(),
		Desired:       b.conn.Desired(),
		Subscriptions: make(map[string][]string),
	}
	for _, id := range b.subs.Plugins() {
		report.Subscriptions[id] = b.subs.Events(id)
	}
	if b.probe != nil {
		running, err := b.probe.GameRunning(ctx)
		if err != nil {
			b.logger.Debug().Err(err).Msg("process probe failed")
		} else {
			report.GameRunning = &running
		}
	}
	return report
}
