package slippi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/width"
)

// PlayerType as encoded in the game start block.
type PlayerType uint8

const (
	PlayerHuman PlayerType = 0
	PlayerCPU   PlayerType = 1
	PlayerDemo  PlayerType = 2
	PlayerEmpty PlayerType = 3
)

// PlayerSettings describes one occupied port.
type PlayerSettings struct {
	Port           int        `json:"port"`
	PlayerIndex    int        `json:"playerIndex"`
	CharacterID    uint8      `json:"characterId"`
	CharacterColor uint8      `json:"characterColor"`
	Type           PlayerType `json:"type"`
	StartStocks    uint8      `json:"startStocks"`
	TeamID         uint8      `json:"teamId"`
	DisplayName    string     `json:"displayName,omitempty"`
	ConnectCode    string     `json:"connectCode,omitempty"`
}

// GameSettings is the match configuration announced by the game start command.
type GameSettings struct {
	SlpVersion    string           `json:"slpVersion"`
	IsTeams       bool             `json:"isTeams"`
	StageID       uint16           `json:"stageId"`
	RandomSeed    uint32           `json:"randomSeed"`
	IsPAL         bool             `json:"isPAL"`
	IsFrozenPS    bool             `json:"isFrozenPS"`
	Players       []PlayerSettings `json:"players"`
	Active        bool             `json:"active"`
	LatestFrame   int32            `json:"latestFrame"`
	GameEndMethod uint8            `json:"gameEndMethod,omitempty"`
	LRASInitiator int8             `json:"lrasInitiator,omitempty"`
}

// Byte offsets into the game start payload (the command byte is not included).
const (
	offVersion      = 0x00
	offIsTeams      = 0x0C
	offStage        = 0x12
	offPlayerBlock  = 0x64
	playerBlockSize = 0x24
	offRandomSeed   = 0x13C
	offIsPAL        = 0x1A0
	offFrozenPS     = 0x1A1
	offDisplayName  = 0x1A4
	displayNameSize = 0x1F
	offConnectCode  = 0x220
	connectCodeSize = 0x0A

	minGameStartLen = offRandomSeed + 4
	numPorts        = 4
)

// Parser accumulates match state from decoded commands.
type Parser struct {
	settings *GameSettings
	frames   int
}

// NewParser returns a parser with no match in progress.
func NewParser() *Parser { return &Parser{} }

// HandleCommand folds one command into the parser state.
func (p *Parser) HandleCommand(cmd Command) error {
	switch cmd.Code {
	case CmdGameStart:
		s, err := parseGameStart(cmd.Payload)
		if err != nil {
			return err
		}
		p.settings = s
		p.frames = 0
	case CmdPreFrame, CmdPostFrame:
		if p.settings == nil {
			return nil
		}
		if len(cmd.Payload) < 4 {
			return fmt.Errorf("slippi: truncated frame command 0x%02x", cmd.Code)
		}
		frame := int32(binary.BigEndian.Uint32(cmd.Payload[0:4]))
		if frame > p.settings.LatestFrame || p.frames == 0 {
			p.settings.LatestFrame = frame
		}
		p.frames++
	case CmdGameEnd:
		if p.settings == nil {
			return nil
		}
		p.settings.Active = false
		if len(cmd.Payload) >= 1 {
			p.settings.GameEndMethod = cmd.Payload[0]
		}
		if len(cmd.Payload) >= 2 {
			p.settings.LRASInitiator = int8(cmd.Payload[1])
		}
	}
	return nil
}

// Settings returns a copy of the current match settings, or nil before the first game start.
func (p *Parser) Settings() *GameSettings {
	if p.settings == nil {
		return nil
	}
	out := *p.settings
	out.Players = append([]PlayerSettings(nil), p.settings.Players...)
	return &out
}

// Reset forgets the current match.
func (p *Parser) Reset() {
	p.settings = nil
	p.frames = 0
}

func parseGameStart(b []byte) (*GameSettings, error) {
	if len(b) < minGameStartLen {
		return nil, fmt.Errorf("slippi: truncated game start (%d bytes)", len(b))
	}
	major, minor, build := b[offVersion], b[offVersion+1], b[offVersion+2]
	s := &GameSettings{
		SlpVersion: fmt.Sprintf("%d.%d.%d", major, minor, build),
		IsTeams:    b[offIsTeams] != 0,
		StageID:    binary.BigEndian.Uint16(b[offStage : offStage+2]),
		RandomSeed: binary.BigEndian.Uint32(b[offRandomSeed : offRandomSeed+4]),
		Active:     true,
	}
	if len(b) > offIsPAL {
		s.IsPAL = b[offIsPAL] != 0
	}
	if len(b) > offFrozenPS {
		s.IsFrozenPS = b[offFrozenPS] != 0
	}

	for i := range numPorts {
		base := offPlayerBlock + i*playerBlockSize
		pt := PlayerType(b[base+1])
		if pt == PlayerEmpty {
			continue
		}
		ps := PlayerSettings{
			Port:           i + 1,
			PlayerIndex:    i,
			CharacterID:    b[base],
			Type:           pt,
			StartStocks:    b[base+2],
			CharacterColor: b[base+3],
			TeamID:         b[base+9],
		}
		if off := offDisplayName + i*displayNameSize; len(b) >= off+displayNameSize {
			ps.DisplayName = decodeShiftJIS(b[off : off+displayNameSize])
		}
		if off := offConnectCode + i*connectCodeSize; len(b) >= off+connectCodeSize {
			ps.ConnectCode = decodeShiftJIS(b[off : off+connectCodeSize])
		}
		s.Players = append(s.Players, ps)
	}
	return s, nil
}

// decodeShiftJIS reads a NUL terminated Shift-JIS string and folds
// full-width characters (the game writes '＃' in connect codes).
func decodeShiftJIS(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) == 0 {
		return ""
	}
	decoded, err := japanese.ShiftJIS.NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return width.Narrow.String(string(decoded))
}
