// Package api relays allowlisted bus events to UI clients over a websocket
// and accepts plugin lifecycle requests back.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"saltshaker/eventbus"
	"saltshaker/metrics"
	"saltshaker/typedef"
)

// DefaultListen is where the relay listens unless configured otherwise.
const DefaultListen = "127.0.0.1:42069"

const (
	pingInterval   = 54 * time.Second
	writeWait      = 10 * time.Second
	requestTimeout = 30 * time.Second
	maxGoroutines  = 10000
)

// Channels lists the bus kinds forwarded to the UI. Everything else stays in process.
var Channels = []eventbus.Kind{
	"connect",
	"disconnect",
	eventbus.Connected,
	eventbus.Connecting,
	eventbus.Disconnected,
	eventbus.Error,
	eventbus.GameStart,
	eventbus.GameEnd,
	eventbus.PluginsInstalled,
	eventbus.PluginsUninstalled,
}

// Config wires the relay.
type Config struct {
	Bus       *eventbus.Bus
	Plugins   Plugins
	Telemetry TelemetryStatus
	// Ready backs /ready; nil means always ready.
	Ready func(ctx context.Context) error
	// AllowedOrigins lists the browser origins that may open /ws. Requests
	// without an Origin header (native clients) are always accepted.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// API is the websocket hub.
type API struct {
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clients    map[*WSClient]bool // hub-only
	broadcast  chan WSMessage
	register   chan *WSClient
	unregister chan *WSClient
	handlers   map[MessageType]MessageHandler
	done       chan struct{}
}

// New creates a relay. Call Run to start the hub.
func New(cfg Config) *API {
	a := &API{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "api").Logger(),
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		handlers:   make(map[MessageType]MessageHandler),
		done:       make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{CheckOrigin: a.checkOrigin}
	a.registerHandlers()
	return a
}

// checkOrigin keeps arbitrary web pages off the relay: any tab in a local
// browser can reach loopback, and /ws can install and run plugins.
func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	a.logger.Warn().Str("origin", origin).Str("remote", r.RemoteAddr).Msg("websocket origin refused")
	return false
}

// Handler mounts /ws, /metrics, /live and /ready.
func (a *API) Handler() http.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	if a.cfg.Ready != nil {
		health.AddReadinessCheck("plugin-registry", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return a.cfg.Ready(ctx)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return mux
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (a *API) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("relay shutdown")
		}
	}()
	a.logger.Info().Str("addr", addr).Msg("relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// Run handles the hub until ctx is cancelled, then closes every client.
func (a *API) Run(ctx context.Context) {
	defer close(a.done)
	for _, unsub := range a.wireBus() {
		defer unsub()
	}

	for {
		select {
		case <-ctx.Done():
			for client := range a.clients {
				client.close()
				delete(a.clients, client)
			}
			return

		case client := <-a.register:
			a.clients[client] = true
			ok := client.enqueue(WSMessage{
				Type:      MessageTypeAck,
				Data:      map[string]string{"clientId": client.id},
				Timestamp: time.Now(),
			})
			if !ok {
				client.close()
				delete(a.clients, client)
				continue
			}
			a.logger.Info().Str("client", client.id).Msg("client connected")

		case client := <-a.unregister:
			if _, ok := a.clients[client]; ok {
				delete(a.clients, client)
				client.close()
				a.logger.Info().Str("client", client.id).Msg("client disconnected")
			}

		case message := <-a.broadcast:
			for client := range a.clients {
				if !client.enqueue(message) {
					a.logger.Warn().Str("client", client.id).Msg("client too slow, dropping")
					client.close()
					delete(a.clients, client)
				}
			}
		}
	}
}

// wireBus forwards the allowlisted channels into the hub. Bus handlers must
// not block, so a full broadcast queue drops the event.
func (a *API) wireBus() []func() {
	if a.cfg.Bus == nil {
		return nil
	}
	unsubs := make([]func(), 0, len(Channels))
	for _, kind := range Channels {
		unsubs = append(unsubs, a.cfg.Bus.Subscribe(kind, func(ev eventbus.Event) {
			message := WSMessage{
				Type:      MessageTypeEvent,
				Channel:   string(ev.Kind),
				Data:      ev.Payload,
				Timestamp: time.Now(),
			}
			select {
			case a.broadcast <- message:
			default:
				a.logger.Warn().Str("channel", string(ev.Kind)).Msg("relay queue full, event dropped")
			}
		}))
	}
	return unsubs
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WSMessage, 256),
		api:  a,
		id:   uuid.NewString(),
	}

	select {
	case a.register <- client:
	case <-a.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump is the only writer on the connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.api.logger.Debug().Err(err).Str("client", c.id).Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(WSMessage{Type: MessageTypePing, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

// readPump answers requests in the order they arrive.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.api.unregister <- c:
		case <-c.api.done:
		}
		c.conn.Close()
	}()

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.api.logger.Debug().Err(err).Str("client", c.id).Msg("read failed")
			}
			return
		}
		c.enqueue(c.api.respond(c, req))
	}
}

func (a *API) respond(c *WSClient, req Request) WSMessage {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	data, err := a.dispatch(ctx, c, req)
	msg := WSMessage{Type: MessageTypeResponse, ID: req.ID, Timestamp: time.Now()}
	ok := err == nil
	msg.OK = &ok
	if err != nil {
		a.logger.Warn().Err(err).Str("client", c.id).Str("request", string(req.Type)).Msg("request failed")
		msg.Error = &ErrorBody{Kind: string(typedef.KindOf(err)), Message: err.Error()}
		return msg
	}
	msg.Data = data
	return msg
}

func (a *API) dispatch(ctx context.Context, c *WSClient, req Request) (data any, err error) {
	handler, exists := a.handlers[req.Type]
	if !exists {
		return nil, typedef.NewError(typedef.KindInvalidArgument, string(req.Type), "", nil, "unknown message type")
	}
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error().Interface("panic", p).Str("request", string(req.Type)).Msg("handler panicked")
			data, err = nil, fmt.Errorf("internal error")
		}
	}()
	return handler(ctx, c, req)
}

func (a *API) registerHandlers() {
	a.handlers[MessageTypeInstallPlugin] = a.handleInstallPlugin
	a.handlers[MessageTypeUninstallPlugin] = a.handleUninstallPlugin
	a.handlers[MessageTypeRunPlugin] = a.handleRunPlugin
	a.handlers[MessageTypeLoadPlugin] = a.handleLoadPlugin
	a.handlers[MessageTypeListInstalledPlugins] = a.handleListInstalledPlugins
	a.handlers[MessageTypeTelemetryStatus] = a.handleTelemetryStatus
}

func (a *API) handleInstallPlugin(ctx context.Context, _ *WSClient, req Request) (any, error) {
	var in typedef.InstallRequest
	if err := parseMessageData(req, &in); err != nil {
		return nil, err
	}
	a.logger.Info().Str("plugin", in.ID).Msg("install requested")
	return a.plugins().InstallPlugin(ctx, in)
}

func (a *API) handleUninstallPlugin(ctx context.Context, _ *WSClient, req Request) (any, error) {
	ref, err := pluginRef(req)
	if err != nil {
		return nil, err
	}
	if err := a.plugins().UninstallPlugin(ctx, ref.PluginID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (a *API) handleRunPlugin(ctx context.Context, _ *WSClient, req Request) (any, error) {
	ref, err := pluginRef(req)
	if err != nil {
		return nil, err
	}
	if err := a.plugins().RunInstalledPlugin(ctx, ref.PluginID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (a *API) handleLoadPlugin(ctx context.Context, _ *WSClient, req Request) (any, error) {
	var in LoadPluginData
	if err := parseMessageData(req, &in); err != nil {
		return nil, err
	}
	if in.PluginID == "" {
		return nil, typedef.NewError(typedef.KindInvalidArgument, string(req.Type), "", nil, "pluginId is required")
	}
	if err := a.plugins().LoadAndRunPlugin(ctx, in.PluginID, in.PluginCode); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (a *API) handleListInstalledPlugins(ctx context.Context, _ *WSClient, _ Request) (any, error) {
	return a.plugins().ListInstalledPlugins(ctx)
}

func (a *API) handleTelemetryStatus(ctx context.Context, _ *WSClient, req Request) (any, error) {
	if a.cfg.Telemetry == nil {
		return nil, typedef.NewError(typedef.KindResourceUnavailable, string(req.Type), "", nil, "telemetry is not configured")
	}
	return a.cfg.Telemetry.Status(ctx), nil
}

func (a *API) plugins() Plugins {
	if a.cfg.Plugins == nil {
		return unavailablePlugins{}
	}
	return a.cfg.Plugins
}

// pluginRef accepts {"pluginId": "..."} or a bare JSON string.
func pluginRef(req Request) (PluginRef, error) {
	var ref PluginRef
	var bare string
	if err := json.Unmarshal(req.Data, &bare); err == nil {
		ref.PluginID = bare
	} else if err := parseMessageData(req, &ref); err != nil {
		return ref, err
	}
	if ref.PluginID == "" {
		return ref, typedef.NewError(typedef.KindInvalidArgument, string(req.Type), "", nil, "pluginId is required")
	}
	return ref, nil
}

// parseMessageData decodes the request payload into target.
func parseMessageData(req Request, target any) error {
	if len(req.Data) == 0 {
		return typedef.NewError(typedef.KindInvalidArgument, string(req.Type), "", nil, "data is required")
	}
	if err := json.Unmarshal(req.Data, target); err != nil {
		return typedef.NewError(typedef.KindInvalidArgument, string(req.Type), "", err, "malformed data")
	}
	return nil
}

type unavailablePlugins struct{}

var errNoPlugins = typedef.NewError(typedef.KindResourceUnavailable, "plugins", "", nil, "plugin manager is not configured")

func (unavailablePlugins) InstallPlugin(context.Context, typedef.InstallRequest) (typedef.InstallResult, error) {
	return typedef.InstallResult{}, errNoPlugins
}
func (unavailablePlugins) UninstallPlugin(context.Context, string) error { return errNoPlugins }
func (unavailablePlugins) RunInstalledPlugin(context.Context, string) error { return errNoPlugins }
func (unavailablePlugins) LoadAndRunPlugin(context.Context, string, string) error {
	return errNoPlugins
}
func (unavailablePlugins) ListInstalledPlugins(context.Context) ([]typedef.PluginMetadata, error) {
	return nil, errNoPlugins
}
