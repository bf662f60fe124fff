// Package eventbus is the process-wide publish/subscribe channel between the
// telemetry pipeline, the plugins and the UI relay.
package eventbus

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"saltshaker/metrics"
)

// Kind names an event channel.
type Kind string

// TelemetryPrefix namespaces events produced by the telemetry connection.
const TelemetryPrefix = "dolphin:"

// Telemetry event names as plugins request them through host.dolphin.subscribe.
const (
	NameConnecting   = "Connecting"
	NameConnected    = "Connected"
	NameDisconnected = "Disconnected"
	NameError        = "Error"
	NameGameStart    = "GameStart"
	NameGameEnd      = "GameEnd"
)

const (
	Connecting   = Kind(TelemetryPrefix + NameConnecting)
	Connected    = Kind(TelemetryPrefix + NameConnected)
	Disconnected = Kind(TelemetryPrefix + NameDisconnected)
	Error        = Kind(TelemetryPrefix + NameError)
	GameStart    = Kind(TelemetryPrefix + NameGameStart)
	GameEnd      = Kind(TelemetryPrefix + NameGameEnd)

	PluginsInstalled   Kind = "plugins-installed"
	PluginsUninstalled Kind = "plugins-uninstalled"
)

// TelemetryKind maps a subscription name like "GameStart" to its channel.
func TelemetryKind(name string) Kind { return Kind(TelemetryPrefix + name) }

// TelemetryName returns the subscription name of a telemetry kind.
func (k Kind) TelemetryName() (string, bool) {
	return strings.CutPrefix(string(k), TelemetryPrefix)
}

// IsTelemetry reports whether k is reserved for the telemetry connection.
func (k Kind) IsTelemetry() bool {
	return strings.HasPrefix(string(k), TelemetryPrefix)
}

// hostKinds are the channels only the host publishes on.
var hostKinds = map[Kind]bool{
	Connecting:         true,
	Connected:          true,
	Disconnected:       true,
	Error:              true,
	GameStart:          true,
	GameEnd:            true,
	PluginsInstalled:   true,
	PluginsUninstalled: true,
}

// IsReserved reports whether plugins are barred from publishing on k.
func (k Kind) IsReserved() bool {
	return k.IsTelemetry() || hostKinds[k]
}

// PluginMetricLabel is the kind label shared by every plugin-defined event.
const PluginMetricLabel = "plugin"

// metricLabel keeps the label set bounded: plugins choose their own names.
func (k Kind) metricLabel() string {
	if hostKinds[k] {
		return string(k)
	}
	return PluginMetricLabel
}

// Event is one publication. Source is a plugin id, or "telemetry" / "host".
type Event struct {
	Kind    Kind
	Payload any
	Source  string
}

// Handler receives events. It runs on the publisher's goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id uint64
	h  Handler
}

// Bus delivers events to handlers in subscription order per kind.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]subscription
	nextID   uint64
	logger   zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Kind][]subscription),
		logger:   logger.With().Str("component", "eventbus").Logger(),
	}
}

// Subscribe registers h for kind and returns a function that removes it.
// The returned function is idempotent.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, s := range subs {
		if s.id == id {
			// copy so in-flight Publish snapshots stay intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, kind)
			} else {
				b.handlers[kind] = next
			}
			return
		}
	}
}

// Publish delivers ev to every handler of ev.Kind. A panicking handler is
// logged and does not stop delivery to the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.handlers[ev.Kind]
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(ev.Kind.metricLabel()).Inc()
	for _, s := range subs {
		b.deliver(s.h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("kind", string(ev.Kind)).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	h(ev)
}

// HasSubscribers reports whether anything listens on kind.
func (b *Bus) HasSubscribers(kind Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind]) > 0
}
