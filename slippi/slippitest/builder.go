// Package slippitest builds replay event streams for tests.
package slippitest

import (
	"encoding/binary"
	"sort"

	"saltshaker/slippi"
)

// GameStartSize is the game start payload length written by Slippi 3.9+.
const GameStartSize = 0x2A0

// FrameSize is the payload length used for pre/post frame commands.
const FrameSize = 0x40

// Player configures one port of a synthetic game start.
type Player struct {
	Port        int
	CharacterID uint8
	Color       uint8
	Type        slippi.PlayerType
	Stocks      uint8
	Team        uint8
	ConnectCode []byte // raw Shift-JIS bytes
}

// Game describes a synthetic game start command.
type Game struct {
	Major, Minor, Build uint8
	Teams               bool
	Stage               uint16
	Seed                uint32
	PAL                 bool
	Players             []Player
}

// DefaultSizes is the payload table announced by EventPayloads.
func DefaultSizes() map[byte]uint16 {
	return map[byte]uint16{
		slippi.CmdGameStart: GameStartSize,
		slippi.CmdPreFrame:  FrameSize,
		slippi.CmdPostFrame: FrameSize,
		slippi.CmdGameEnd:   2,
	}
}

// EventPayloads encodes the 0x35 command announcing sizes.
func EventPayloads(sizes map[byte]uint16) []byte {
	codes := make([]int, 0, len(sizes))
	for c := range sizes {
		codes = append(codes, int(c))
	}
	sort.Ints(codes)

	out := []byte{slippi.CmdEventPayloads, byte(1 + 3*len(sizes))}
	for _, c := range codes {
		out = append(out, byte(c))
		out = binary.BigEndian.AppendUint16(out, sizes[byte(c)])
	}
	return out
}

// GameStart encodes a 0x36 command of GameStartSize bytes.
func GameStart(g Game) []byte {
	p := make([]byte, GameStartSize)
	p[0], p[1], p[2] = g.Major, g.Minor, g.Build
	if g.Teams {
		p[0x0C] = 1
	}
	binary.BigEndian.PutUint16(p[0x12:], g.Stage)
	for i := range 4 {
		p[0x64+i*0x24+1] = byte(slippi.PlayerEmpty)
	}
	for _, pl := range g.Players {
		base := 0x64 + (pl.Port-1)*0x24
		p[base] = pl.CharacterID
		p[base+1] = byte(pl.Type)
		p[base+2] = pl.Stocks
		p[base+3] = pl.Color
		p[base+9] = pl.Team
		copy(p[0x220+(pl.Port-1)*0x0A:], pl.ConnectCode)
	}
	binary.BigEndian.PutUint32(p[0x13C:], g.Seed)
	if g.PAL {
		p[0x1A0] = 1
	}
	return append([]byte{slippi.CmdGameStart}, p...)
}

// Frame encodes a pre or post frame command for the given frame number.
func Frame(code byte, frame int32) []byte {
	p := make([]byte, FrameSize)
	binary.BigEndian.PutUint32(p, uint32(frame))
	return append([]byte{code}, p...)
}

// GameEnd encodes a 0x39 command.
func GameEnd(method uint8, lras int8) []byte {
	return []byte{slippi.CmdGameEnd, method, byte(lras)}
}

// Concat joins encoded commands.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
