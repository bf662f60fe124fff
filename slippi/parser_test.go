package slippi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltshaker/slippi"
	"saltshaker/slippi/slippitest"
)

func command(t *testing.T, raw []byte) slippi.Command {
	t.Helper()
	return slippi.Command{Code: raw[0], Payload: raw[1:]}
}

func TestParserGameStartSettings(t *testing.T) {
	p := slippi.NewParser()
	assert.Nil(t, p.Settings())

	// "ＡＢＣ＃１" in Shift-JIS
	code := []byte{0x82, 0x60, 0x82, 0x61, 0x82, 0x62, 0x81, 0x94, 0x82, 0x50}
	raw := slippitest.GameStart(slippitest.Game{
		Major: 3, Minor: 16, Build: 0,
		Teams: true,
		Stage: 31,
		Seed:  0xDEADBEEF,
		PAL:   true,
		Players: []slippitest.Player{
			{Port: 1, CharacterID: 2, Color: 1, Type: slippi.PlayerHuman, Stocks: 4, Team: 1, ConnectCode: code},
			{Port: 3, CharacterID: 9, Type: slippi.PlayerCPU, Stocks: 4},
		},
	})
	require.NoError(t, p.HandleCommand(command(t, raw)))

	s := p.Settings()
	require.NotNil(t, s)
	assert.Equal(t, "3.16.0", s.SlpVersion)
	assert.True(t, s.IsTeams)
	assert.True(t, s.IsPAL)
	assert.True(t, s.Active)
	assert.Equal(t, uint16(31), s.StageID)
	assert.Equal(t, uint32(0xDEADBEEF), s.RandomSeed)
	require.Len(t, s.Players, 2)
	assert.Equal(t, 1, s.Players[0].Port)
	assert.Equal(t, uint8(2), s.Players[0].CharacterID)
	assert.Equal(t, uint8(1), s.Players[0].TeamID)
	assert.Equal(t, "ABC#1", s.Players[0].ConnectCode)
	assert.Equal(t, 3, s.Players[1].Port)
	assert.Equal(t, slippi.PlayerCPU, s.Players[1].Type)
	assert.Empty(t, s.Players[1].ConnectCode)
}

func TestParserTracksFramesAndGameEnd(t *testing.T) {
	p := slippi.NewParser()
	require.NoError(t, p.HandleCommand(command(t, slippitest.GameStart(slippitest.Game{}))))
	require.NoError(t, p.HandleCommand(command(t, slippitest.Frame(slippi.CmdPreFrame, -123))))
	require.NoError(t, p.HandleCommand(command(t, slippitest.Frame(slippi.CmdPostFrame, 40))))
	require.NoError(t, p.HandleCommand(command(t, slippitest.GameEnd(7, 2))))

	s := p.Settings()
	assert.Equal(t, int32(40), s.LatestFrame)
	assert.False(t, s.Active)
	assert.Equal(t, uint8(7), s.GameEndMethod)
	assert.Equal(t, int8(2), s.LRASInitiator)
}

func TestParserSettingsIsASnapshot(t *testing.T) {
	p := slippi.NewParser()
	require.NoError(t, p.HandleCommand(command(t, slippitest.GameStart(slippitest.Game{
		Players: []slippitest.Player{{Port: 1, Type: slippi.PlayerHuman}},
	}))))
	snap := p.Settings()
	snap.Players[0].CharacterID = 99
	require.NoError(t, p.HandleCommand(command(t, slippitest.GameEnd(1, 0))))

	assert.True(t, snap.Active)
	assert.Equal(t, uint8(0), p.Settings().Players[0].CharacterID)
}

func TestParserRejectsTruncatedGameStart(t *testing.T) {
	p := slippi.NewParser()
	err := p.HandleCommand(slippi.Command{Code: slippi.CmdGameStart, Payload: make([]byte, 10)})
	require.Error(t, err)
	assert.Nil(t, p.Settings())
}
