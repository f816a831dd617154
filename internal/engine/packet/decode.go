package packet

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Sizes fixed by the protocol.
const (
	gameIDLength     = 16
	teamStatLength   = 82
	luaMsgHeaderSize = 8
	luaMsgMagic      = 50
)

// ErrEmptyDatagram is returned for zero-length datagrams.
var ErrEmptyDatagram = errors.New("empty datagram")

// Decode parses one engine datagram into its typed event. The datagram
// type is the first byte; every length and field constraint of the
// protocol is enforced and violations return a deterministic error
// naming the datagram type.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDatagram
	}

	switch t := Type(data[0]); t {
	case TypeServerStarted:
		if len(data) != 1 {
			return nil, fmt.Errorf("%s: invalid length %d (want 1)", t, len(data))
		}
		return ServerStarted{}, nil

	case TypeServerQuit:
		if len(data) != 1 {
			return nil, fmt.Errorf("%s: invalid length %d (want 1)", t, len(data))
		}
		return ServerQuit{}, nil

	case TypeServerStartPlaying:
		return parseServerStartPlaying(data)

	case TypeServerGameOver:
		return parseServerGameOver(data)

	case TypeServerMessage:
		return ServerMessage{Message: string(data[1:])}, nil

	case TypeServerWarning:
		return ServerWarning{Message: string(data[1:])}, nil

	case TypePlayerJoined:
		if len(data) < 3 {
			return nil, fmt.Errorf("%s: invalid length %d (want >= 3)", t, len(data))
		}
		return PlayerJoined{Player: data[1], Name: string(data[2:])}, nil

	case TypePlayerLeft:
		if len(data) != 3 {
			return nil, fmt.Errorf("%s: invalid length %d (want 3)", t, len(data))
		}
		if data[2] > LeftReasonKicked {
			return nil, fmt.Errorf("%s: invalid reason %d", t, data[2])
		}
		return PlayerLeft{Player: data[1], Reason: data[2]}, nil

	case TypePlayerReady:
		if len(data) != 3 {
			return nil, fmt.Errorf("%s: invalid length %d (want 3)", t, len(data))
		}
		if data[2] > 3 {
			return nil, fmt.Errorf("%s: invalid ready state %d", t, data[2])
		}
		return PlayerReady{Player: data[1], State: data[2]}, nil

	case TypePlayerChat:
		if len(data) < 3 {
			return nil, fmt.Errorf("%s: invalid length %d (want >= 3)", t, len(data))
		}
		if data[2] > ChatToEveryone {
			return nil, fmt.Errorf("%s: invalid destination %d", t, data[2])
		}
		return PlayerChat{Player: data[1], Destination: data[2], Message: string(data[3:])}, nil

	case TypePlayerDefeated:
		if len(data) != 2 {
			return nil, fmt.Errorf("%s: invalid length %d (want 2)", t, len(data))
		}
		return PlayerDefeated{Player: data[1]}, nil

	case TypeGameLuaMsg:
		return parseGameLuaMsg(data)

	case TypeGameTeamStat:
		return parseGameTeamStat(data)
	}

	return nil, fmt.Errorf("unknown packet type %d", data[0])
}

// parseServerStartPlaying parses SERVER_STARTPLAYING.
//
// Layout after the type byte:
//   - uint32 msgSize (must equal the datagram length)
//   - byte[16] gameID
//   - char[] demoPath (rest, may be empty)
func parseServerStartPlaying(data []byte) (Event, error) {
	t := TypeServerStartPlaying
	if len(data) < 1+4+gameIDLength {
		return nil, fmt.Errorf("%s: invalid length %d (want >= %d)", t, len(data), 1+4+gameIDLength)
	}

	r := NewReader(data[1:])
	msgSize, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%s: read msgSize: %w", t, err)
	}
	if int(msgSize) != len(data) {
		return nil, fmt.Errorf("%s: msgSize %d does not match datagram length %d", t, msgSize, len(data))
	}
	gameID, err := r.ReadBytes(gameIDLength)
	if err != nil {
		return nil, fmt.Errorf("%s: read gameID: %w", t, err)
	}

	return ServerStartPlaying{
		GameID:   hex.EncodeToString(gameID),
		DemoPath: string(r.ReadRest()),
	}, nil
}

// parseServerGameOver parses SERVER_GAMEOVER.
//
// Layout after the type byte:
//   - uint8 msgSize (must equal the datagram length)
//   - uint8 player
//   - uint8[] winningAllyTeams (rest)
func parseServerGameOver(data []byte) (Event, error) {
	t := TypeServerGameOver
	if len(data) < 3 {
		return nil, fmt.Errorf("%s: invalid length %d (want >= 3)", t, len(data))
	}
	if int(data[1]) != len(data) {
		return nil, fmt.Errorf("%s: msgSize %d does not match datagram length %d", t, data[1], len(data))
	}

	r := NewReader(data[3:])
	return ServerGameOver{
		Player:           data[2],
		WinningAllyTeams: r.ReadRest(),
	}, nil
}

// parseGameLuaMsg parses GAME_LUAMSG.
//
// Layout after the type byte:
//   - uint8 magic (always 50)
//   - uint16 size (must equal the datagram length minus 1)
//   - uint8 player
//   - uint16 script (ui=2000, gaia=300, rules=100)
//   - uint8 uiMode (0, 'a' or 's'; nonzero only for the ui script)
//   - byte[] data (rest)
func parseGameLuaMsg(data []byte) (Event, error) {
	t := TypeGameLuaMsg
	if len(data) < luaMsgHeaderSize {
		return nil, fmt.Errorf("%s: invalid length %d (want >= %d)", t, len(data), luaMsgHeaderSize)
	}

	r := NewReader(data[1:])
	magic, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%s: read magic: %w", t, err)
	}
	if magic != luaMsgMagic {
		return nil, fmt.Errorf("%s: invalid magic %d (want %d)", t, magic, luaMsgMagic)
	}
	size, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%s: read size: %w", t, err)
	}
	if int(size) != len(data)-1 {
		return nil, fmt.Errorf("%s: size %d does not match datagram length %d", t, size, len(data))
	}
	player, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%s: read player: %w", t, err)
	}
	script, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("%s: read script: %w", t, err)
	}
	switch script {
	case LuaMsgScriptUI, LuaMsgScriptGaia, LuaMsgScriptRules:
	default:
		return nil, fmt.Errorf("%s: unknown script %d", t, script)
	}
	uiMode, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%s: read uiMode: %w", t, err)
	}
	if script == LuaMsgScriptUI {
		switch uiMode {
		case LuaMsgUIModeAll, LuaMsgUIModeAllies, LuaMsgUIModeSpectators:
		default:
			return nil, fmt.Errorf("%s: invalid uiMode %d", t, uiMode)
		}
	} else if uiMode != 0 {
		return nil, fmt.Errorf("%s: uiMode %d set outside the ui script", t, uiMode)
	}

	return GameLuaMsg{
		Player: player,
		Script: script,
		UIMode: uiMode,
		Data:   r.ReadRest(),
	}, nil
}

// parseGameTeamStat parses GAME_TEAMSTAT.
//
// Layout after the type byte:
//   - uint8 team
//   - int32 frame
//   - float32 x12: metal/energy used, produced, excess, received, sent;
//     damage dealt, received
//   - int32 x7: units produced, died, received, sent, captured,
//     out captured, killed
func parseGameTeamStat(data []byte) (Event, error) {
	t := TypeGameTeamStat
	if len(data) != teamStatLength {
		return nil, fmt.Errorf("%s: invalid length %d (want %d)", t, len(data), teamStatLength)
	}

	r := NewReader(data[1:])
	team, _ := r.ReadByte()

	var stats TeamStats
	var err error
	if stats.Frame, err = r.ReadInt32(); err != nil {
		return nil, fmt.Errorf("%s: read frame: %w", t, err)
	}
	for _, f := range []*float32{
		&stats.MetalUsed, &stats.EnergyUsed,
		&stats.MetalProduced, &stats.EnergyProduced,
		&stats.MetalExcess, &stats.EnergyExcess,
		&stats.MetalReceived, &stats.EnergyReceived,
		&stats.MetalSent, &stats.EnergySent,
		&stats.DamageDealt, &stats.DamageReceived,
	} {
		if *f, err = r.ReadFloat32(); err != nil {
			return nil, fmt.Errorf("%s: read float field: %w", t, err)
		}
	}
	for _, n := range []*int32{
		&stats.UnitsProduced, &stats.UnitsDied,
		&stats.UnitsReceived, &stats.UnitsSent,
		&stats.UnitsCaptured, &stats.UnitsOutCaptured,
		&stats.UnitsKilled,
	} {
		if *n, err = r.ReadInt32(); err != nil {
			return nil, fmt.Errorf("%s: read int field: %w", t, err)
		}
	}

	return GameTeamStat{Team: team, Stats: stats}, nil
}
