// Package slippi decodes the Slippi replay event stream that Dolphin mirrors
// over its spectator connection. Only the framing and the handful of fields
// the host reports are implemented.
package slippi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Command codes of the replay event stream.
const (
	CmdEventPayloads byte = 0x35
	CmdGameStart     byte = 0x36
	CmdPreFrame      byte = 0x37
	CmdPostFrame     byte = 0x38
	CmdGameEnd       byte = 0x39
	CmdFrameStart    byte = 0x3A
	CmdItemUpdate    byte = 0x3B
	CmdFrameBookend  byte = 0x3C
	CmdGeckoList     byte = 0x3D
	CmdMessageSplit  byte = 0x10
)

var (
	ErrNoPayloadSizes = errors.New("slippi: command before event payloads")
	ErrUnknownCommand = errors.New("slippi: unknown command")
)

// Command is one framed event. Payload excludes the command byte.
type Command struct {
	Code    byte
	Payload []byte
}

// Stream splits raw bytes into commands. Bytes belonging to an incomplete
// command are kept until the next Write.
type Stream struct {
	sizes   map[byte]uint16
	pending *bytebufferpool.ByteBuffer
}

// NewStream returns a stream waiting for its event payloads command.
func NewStream() *Stream {
	return &Stream{pending: bytebufferpool.Get()}
}

// Write appends data and returns every command that is now complete.
// On error the stream is left unchanged for the bytes that failed; call Reset
// to resynchronise.
func (s *Stream) Write(data []byte) ([]Command, error) {
	if s.pending == nil {
		s.pending = bytebufferpool.Get()
	}
	_, _ = s.pending.Write(data)
	buf := s.pending.B

	var cmds []Command
	off := 0
	for off < len(buf) {
		code := buf[off]
		n, complete, err := s.frameLen(buf[off:])
		if err != nil {
			s.compact(off)
			return cmds, err
		}
		if !complete {
			break
		}
		payload := make([]byte, n-1)
		copy(payload, buf[off+1:off+n])
		cmds = append(cmds, Command{Code: code, Payload: payload})
		off += n

		switch code {
		case CmdEventPayloads:
			if err := s.readSizes(payload); err != nil {
				s.compact(off)
				return cmds, err
			}
		case CmdGameEnd:
			// the next game announces its own payload sizes
			s.sizes = nil
		}
	}
	s.compact(off)
	return cmds, nil
}

// frameLen returns the total length of the command at the head of b,
// including the command byte.
func (s *Stream) frameLen(b []byte) (int, bool, error) {
	code := b[0]
	if code == CmdEventPayloads {
		if len(b) < 2 {
			return 0, false, nil
		}
		n := 1 + int(b[1])
		return n, len(b) >= n, nil
	}
	if s.sizes == nil {
		return 0, false, fmt.Errorf("%w: 0x%02x", ErrNoPayloadSizes, code)
	}
	size, ok := s.sizes[code]
	if !ok {
		return 0, false, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, code)
	}
	n := 1 + int(size)
	return n, len(b) >= n, nil
}

// readSizes parses the event payloads body: its own size byte followed by
// (command, uint16 size) triples.
func (s *Stream) readSizes(payload []byte) error {
	if len(payload) < 1 || (len(payload)-1)%3 != 0 {
		return fmt.Errorf("slippi: malformed event payloads command (%d bytes)", len(payload))
	}
	sizes := make(map[byte]uint16, (len(payload)-1)/3)
	for i := 1; i+3 <= len(payload); i += 3 {
		sizes[payload[i]] = binary.BigEndian.Uint16(payload[i+1 : i+3])
	}
	s.sizes = sizes
	return nil
}

func (s *Stream) compact(off int) {
	if off == 0 {
		return
	}
	rest := len(s.pending.B) - off
	copy(s.pending.B, s.pending.B[off:])
	s.pending.B = s.pending.B[:rest]
}

// Reset drops buffered bytes and the payload size table.
func (s *Stream) Reset() {
	s.sizes = nil
	if s.pending != nil {
		s.pending.Reset()
	}
}

// Close returns the internal buffer to the pool.
func (s *Stream) Close() {
	if s.pending != nil {
		bytebufferpool.Put(s.pending)
		s.pending = nil
	}
	s.sizes = nil
}

// Buffered is the number of bytes waiting for the rest of their command.
func (s *Stream) Buffered() int {
	if s.pending == nil {
		return 0
	}
	return s.pending.Len()
}
