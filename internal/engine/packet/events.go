// Package packet implements the engine autohost UDP protocol: decoding of
// the datagrams the engine pushes to its autohost socket and encoding of
// the chat and command lines the autohost sends back.
package packet

// Type identifies an engine datagram by its first byte.
type Type byte

// Engine datagram types.
const (
	TypeServerStarted      Type = 0
	TypeServerQuit         Type = 1
	TypeServerStartPlaying Type = 2
	TypeServerGameOver     Type = 3
	TypeServerMessage      Type = 4
	TypeServerWarning      Type = 5
	TypePlayerJoined       Type = 10
	TypePlayerLeft         Type = 11
	TypePlayerReady        Type = 12
	TypePlayerChat         Type = 13
	TypePlayerDefeated     Type = 14
	TypeGameLuaMsg         Type = 20
	TypeGameTeamStat       Type = 60
)

// String returns the protocol name of the datagram type.
func (t Type) String() string {
	switch t {
	case TypeServerStarted:
		return "SERVER_STARTED"
	case TypeServerQuit:
		return "SERVER_QUIT"
	case TypeServerStartPlaying:
		return "SERVER_STARTPLAYING"
	case TypeServerGameOver:
		return "SERVER_GAMEOVER"
	case TypeServerMessage:
		return "SERVER_MESSAGE"
	case TypeServerWarning:
		return "SERVER_WARNING"
	case TypePlayerJoined:
		return "PLAYER_JOINED"
	case TypePlayerLeft:
		return "PLAYER_LEFT"
	case TypePlayerReady:
		return "PLAYER_READY"
	case TypePlayerChat:
		return "PLAYER_CHAT"
	case TypePlayerDefeated:
		return "PLAYER_DEFEATED"
	case TypeGameLuaMsg:
		return "GAME_LUAMSG"
	case TypeGameTeamStat:
		return "GAME_TEAMSTAT"
	}
	return "UNKNOWN"
}

// PLAYER_LEFT reasons.
const (
	LeftReasonLostConnection = 0
	LeftReasonLeft           = 1
	LeftReasonKicked         = 2
)

// PLAYER_CHAT destinations. Values below ChatToAllies address a single
// player by number.
const (
	ChatToAllies     = 252
	ChatToSpectators = 253
	ChatToEveryone   = 254
)

// GAME_LUAMSG script targets.
const (
	LuaMsgScriptUI    = 2000
	LuaMsgScriptGaia  = 300
	LuaMsgScriptRules = 100
)

// GAME_LUAMSG ui modes, meaningful only for LuaMsgScriptUI.
const (
	LuaMsgUIModeAll        = 0
	LuaMsgUIModeAllies     = 'a'
	LuaMsgUIModeSpectators = 's'
)

// Event is a decoded engine datagram.
type Event interface {
	EventType() Type
}

// ServerStarted signals the engine's autohost link is up. Always the
// first datagram the engine sends.
type ServerStarted struct{}

// ServerQuit signals an orderly engine shutdown.
type ServerQuit struct{}

// ServerStartPlaying signals the match left the pregame phase.
type ServerStartPlaying struct {
	GameID   string // 32 hex characters
	DemoPath string
}

// ServerGameOver carries the winning ally teams as seen by one player.
type ServerGameOver struct {
	Player           uint8
	WinningAllyTeams []uint8
}

// ServerMessage is an informational engine console line.
type ServerMessage struct {
	Message string
}

// ServerWarning is an engine warning console line.
type ServerWarning struct {
	Message string
}

// PlayerJoined signals a player connected to the engine.
type PlayerJoined struct {
	Player uint8
	Name   string
}

// PlayerLeft signals a player disconnected.
type PlayerLeft struct {
	Player uint8
	Reason uint8 // one of the LeftReason values
}

// PlayerReady signals a ready-state change in the pregame phase.
type PlayerReady struct {
	Player uint8
	State  uint8
}

// PlayerChat is a chat line relayed by the engine.
type PlayerChat struct {
	Player      uint8
	Destination uint8 // player number, or one of the ChatTo values
	Message     string
}

// PlayerDefeated signals a player lost the game.
type PlayerDefeated struct {
	Player uint8
}

// GameLuaMsg is a Lua message forwarded from a game script.
type GameLuaMsg struct {
	Player uint8
	Script uint16 // one of the LuaMsgScript values
	UIMode uint8  // one of the LuaMsgUIMode values, 0 unless Script is ui
	Data   []byte
}

// TeamStats is the per-team statistics frame of GAME_TEAMSTAT.
type TeamStats struct {
	Frame int32

	MetalUsed      float32
	EnergyUsed     float32
	MetalProduced  float32
	EnergyProduced float32
	MetalExcess    float32
	EnergyExcess   float32
	MetalReceived  float32
	EnergyReceived float32
	MetalSent      float32
	EnergySent     float32

	DamageDealt    float32
	DamageReceived float32

	UnitsProduced    int32
	UnitsDied        int32
	UnitsReceived    int32
	UnitsSent        int32
	UnitsCaptured    int32
	UnitsOutCaptured int32
	UnitsKilled      int32
}

// GameTeamStat is a periodic statistics snapshot for one team.
type GameTeamStat struct {
	Team  uint8
	Stats TeamStats
}

func (ServerStarted) EventType() Type      { return TypeServerStarted }
func (ServerQuit) EventType() Type         { return TypeServerQuit }
func (ServerStartPlaying) EventType() Type { return TypeServerStartPlaying }
func (ServerGameOver) EventType() Type     { return TypeServerGameOver }
func (ServerMessage) EventType() Type      { return TypeServerMessage }
func (ServerWarning) EventType() Type      { return TypeServerWarning }
func (PlayerJoined) EventType() Type       { return TypePlayerJoined }
func (PlayerLeft) EventType() Type         { return TypePlayerLeft }
func (PlayerReady) EventType() Type        { return TypePlayerReady }
func (PlayerChat) EventType() Type         { return TypePlayerChat }
func (PlayerDefeated) EventType() Type     { return TypePlayerDefeated }
func (GameLuaMsg) EventType() Type         { return TypeGameLuaMsg }
func (GameTeamStat) EventType() Type       { return TypeGameTeamStat }
