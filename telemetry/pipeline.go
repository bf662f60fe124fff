package telemetry

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"saltshaker/eventbus"
	"saltshaker/metrics"
	"saltshaker/slippi"
	"saltshaker/typedef"
)

// Pipeline turns game_event messages into GameStart/GameEnd events. Its
// decoder state belongs to one connection; Reset it when a new one opens.
type Pipeline struct {
	mu     sync.Mutex
	stream *slippi.Stream
	parser *slippi.Parser
	out    emitter
	logger zerolog.Logger
}

// NewPipeline publishes onto bus, gated by subs.
func NewPipeline(subs *Subscriptions, bus Publisher, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		stream: slippi.NewStream(),
		parser: slippi.NewParser(),
		out:    emitter{subs: subs, bus: bus},
		logger: logger.With().Str("component", "telemetry.pipeline").Logger(),
	}
}

type pendingEvent struct {
	name    string
	payload func() any
}

// HandleMessage consumes one spectator message.
func (p *Pipeline) HandleMessage(msg Message) {
	switch msg.Type {
	case MessageConnectReply:
		p.logger.Debug().Str("version", msg.Version).Uint64("cursor", msg.Cursor).Msg("connect reply")
	case MessageGameEvent:
		raw, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			p.publish([]pendingEvent{p.decodeError(fmt.Errorf("base64 payload: %w", err))})
			return
		}
		p.Write(raw)
	}
}

// Write feeds decoded replay bytes through the decoder. Decode failures
// become Error events and never stop later payloads from being processed.
func (p *Pipeline) Write(raw []byte) {
	p.mu.Lock()
	cmds, streamErr := p.stream.Write(raw)
	var events []pendingEvent
	for _, cmd := range cmds {
		if err := p.parser.HandleCommand(cmd); err != nil {
			events = append(events, p.decodeError(err))
			continue
		}
		switch cmd.Code {
		case slippi.CmdGameStart:
			settings := p.parser.Settings()
			events = append(events, pendingEvent{name: eventbus.NameGameStart, payload: func() any { return settings }})
		case slippi.CmdGameEnd:
			events = append(events, pendingEvent{name: eventbus.NameGameEnd})
		}
	}
	if streamErr != nil {
		p.stream.Reset()
		events = append(events, p.decodeError(streamErr))
	}
	p.mu.Unlock()

	p.publish(events)
}

func (p *Pipeline) decodeError(err error) pendingEvent {
	metrics.DecodeErrors.Inc()
	herr := typedef.NewError(typedef.KindDecodeError, "telemetry.decode", "", err, "")
	p.logger.Warn().Err(err).Msg("telemetry decode failed")
	return pendingEvent{name: eventbus.NameError, payload: func() any {
		return ErrorPayload{Kind: string(herr.Kind), Message: herr.Error()}
	}}
}

func (p *Pipeline) publish(events []pendingEvent) {
	for _, ev := range events {
		p.out.emit(ev.name, ev.payload)
	}
}

// Reset clears the decoder for a fresh connection.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream.Reset()
	p.parser.Reset()
}

// Settings returns the decoder's current match settings.
func (p *Pipeline) Settings() *slippi.GameSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parser.Settings()
}

// Close releases the decoder buffers.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream.Close()
}
