// Package telemetry keeps the single connection to the game's telemetry
// feed alive while plugins want it, decodes the feed and routes the
// resulting events to interested subscribers.
package telemetry

import (
	"saltshaker/eventbus"
)

// Status of the external connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// MessageType of a spectator protocol message.
type MessageType string

const (
	MessageConnectRequest MessageType = "connect_request"
	MessageConnectReply   MessageType = "connect_reply"
	MessageGameEvent      MessageType = "game_event"
	MessageStartGame      MessageType = "start_game"
	MessageEndGame        MessageType = "end_game"
)

// Message is one spectator protocol message. Game events carry base64 replay bytes.
type Message struct {
	Type       MessageType `json:"type"`
	Payload    string      `json:"payload,omitempty"`
	Cursor     uint64      `json:"cursor,omitempty"`
	NextCursor uint64      `json:"next_cursor,omitempty"`
	Nonce      string      `json:"nonce,omitempty"`
	Version    string      `json:"version,omitempty"`
}

// Conn is the external telemetry connection. Handlers may be invoked from
// any goroutine, but never concurrently for a single connection.
type Conn interface {
	Status() Status
	// Connect starts connecting and returns; progress is reported through OnStatusChange.
	Connect(host string, port int) error
	Disconnect() error
	OnStatusChange(func(Status))
	OnMessage(func(Message))
	OnError(func(error))
}

// Publisher is where decoded events go. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(eventbus.Event)
}

// Source tags every event the telemetry package publishes.
const Source = "telemetry"

// ConnectedPayload accompanies the Connected event.
type ConnectedPayload struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ErrorPayload accompanies the Error event.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// emitter publishes a telemetry event only when some plugin asked for it.
type emitter struct {
	subs *Subscriptions
	bus  Publisher
}

// emit builds the payload lazily so nobody pays for an unwanted event.
func (e emitter) emit(name string, payload func() any) bool {
	if !e.subs.IsAnyoneInterested(name) {
		return false
	}
	var p any
	if payload != nil {
		p = payload()
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.TelemetryKind(name), Payload: p, Source: Source})
	return true
}
