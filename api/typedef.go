package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"saltshaker/telemetry"
	"saltshaker/typedef"
)

// WebSocket message types
type MessageType string

const (
	// Outgoing message types (server to client)
	MessageTypeEvent    MessageType = "event"
	MessageTypeResponse MessageType = "response"
	MessageTypeAck      MessageType = "ack"
	MessageTypePing     MessageType = "ping"

	// Incoming message types (client to server)
	MessageTypeInstallPlugin        MessageType = "install-plugin"
	MessageTypeUninstallPlugin      MessageType = "uninstall-plugin"
	MessageTypeRunPlugin            MessageType = "run-plugin"
	MessageTypeLoadPlugin           MessageType = "load-plugin"
	MessageTypeListInstalledPlugins MessageType = "list-installed-plugins"
	MessageTypeTelemetryStatus      MessageType = "telemetry-status"
)

// WSMessage is everything the server sends.
type WSMessage struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"` // request id being answered
	Channel   string      `json:"channel,omitempty"`
	OK        *bool       `json:"ok,omitempty"`
	Data      any         `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorBody describes a failed request. Kind is a typedef.ErrorKind when one applies.
type ErrorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Request is everything a client sends.
type Request struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PluginRef names one plugin.
type PluginRef struct {
	PluginID string `json:"pluginId"`
}

// LoadPluginData carries ad-hoc plugin source.
type LoadPluginData struct {
	PluginID   string `json:"pluginId"`
	PluginCode string `json:"pluginCode"`
}

// Plugins is the plugin lifecycle the relay exposes to the UI.
type Plugins interface {
	InstallPlugin(ctx context.Context, req typedef.InstallRequest) (typedef.InstallResult, error)
	UninstallPlugin(ctx context.Context, id string) error
	RunInstalledPlugin(ctx context.Context, id string) error
	LoadAndRunPlugin(ctx context.Context, id, code string) error
	ListInstalledPlugins(ctx context.Context) ([]typedef.PluginMetadata, error)
}

// TelemetryStatus reports the telemetry feed to the UI.
type TelemetryStatus interface {
	Status(ctx context.Context) telemetry.StatusReport
}

// MessageHandler answers one request type.
type MessageHandler func(ctx context.Context, c *WSClient, req Request) (any, error)

// WSClient is one connected UI.
type WSClient struct {
	conn *websocket.Conn
	api  *API
	id   string

	mu     sync.Mutex
	send   chan WSMessage
	closed bool
}

// enqueue hands m to the write pump. It fails once the client is closed or its buffer is full.
func (c *WSClient) enqueue(m WSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
