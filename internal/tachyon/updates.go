package tachyon

import "encoding/base64"

// Update kinds published through autohost/update.
const (
	UpdateStart          = "start"
	UpdateFinished       = "finished"
	UpdateEngineMessage  = "engine_message"
	UpdateEngineWarning  = "engine_warning"
	UpdateEngineQuit     = "engine_quit"
	UpdateEngineCrash    = "engine_crash"
	UpdatePlayerJoined   = "player_joined"
	UpdatePlayerLeft     = "player_left"
	UpdatePlayerChat     = "player_chat"
	UpdatePlayerDefeated = "player_defeated"
	UpdateLuaMsg         = "luamsg"
)

// player_left reasons.
const (
	LeftLostConnection = "lost_connection"
	LeftLeft           = "left"
	LeftKicked         = "kicked"
)

// player_chat destinations.
const (
	ChatDestPlayer     = "player"
	ChatDestAllies     = "allies"
	ChatDestSpectators = "spectators"
	ChatDestAll        = "all"
)

// luamsg script targets.
const (
	LuaMsgUI    = "ui"
	LuaMsgGaia  = "game/gaia"
	LuaMsgRules = "game/rules"
)

// luamsg ui modes.
const (
	UIModeAll        = "all"
	UIModeAllies     = "allies"
	UIModeSpectators = "spectators"
)

// Update is one battle update. Type selects the variant; the other
// fields are set per variant and omitted otherwise.
type Update struct {
	Type             string `json:"type"`
	UserID           string `json:"userId,omitempty"`
	ToUserID         string `json:"toUserId,omitempty"`
	PlayerNumber     *int   `json:"playerNumber,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Destination      string `json:"destination,omitempty"`
	Message          string `json:"message,omitempty"`
	Details          string `json:"details,omitempty"`
	WinningAllyTeams []int  `json:"winningAllyTeams,omitempty"`
	Script           string `json:"script,omitempty"`
	UIMode           string `json:"uiMode,omitempty"`
	Data             string `json:"data,omitempty"`
}

// UpdateEventData is the payload of one autohost/update event.
type UpdateEventData struct {
	Time     int64  `json:"time"`
	BattleID string `json:"battleId"`
	Update   Update `json:"update"`
}

// StatusEventData is the payload of one autohost/status event.
type StatusEventData struct {
	CurrentBattles   int      `json:"currentBattles"`
	MaxBattles       int      `json:"maxBattles"`
	AvailableEngines []string `json:"availableEngines"`
}

func StartUpdate() Update {
	return Update{Type: UpdateStart}
}

func FinishedUpdate(userID string, winningAllyTeams []int) Update {
	return Update{Type: UpdateFinished, UserID: userID, WinningAllyTeams: winningAllyTeams}
}

func EngineMessageUpdate(message string) Update {
	return Update{Type: UpdateEngineMessage, Message: message}
}

func EngineWarningUpdate(message string) Update {
	return Update{Type: UpdateEngineWarning, Message: message}
}

func EngineQuitUpdate() Update {
	return Update{Type: UpdateEngineQuit}
}

func EngineCrashUpdate(details string) Update {
	return Update{Type: UpdateEngineCrash, Details: details}
}

func PlayerJoinedUpdate(userID string, playerNumber int) Update {
	return Update{Type: UpdatePlayerJoined, UserID: userID, PlayerNumber: &playerNumber}
}

func PlayerLeftUpdate(userID, reason string) Update {
	return Update{Type: UpdatePlayerLeft, UserID: userID, Reason: reason}
}

// PlayerChatUpdate builds a chat update; toUserID is set only for the
// player destination.
func PlayerChatUpdate(userID, destination, message, toUserID string) Update {
	return Update{
		Type:        UpdatePlayerChat,
		UserID:      userID,
		Destination: destination,
		Message:     message,
		ToUserID:    toUserID,
	}
}

func PlayerDefeatedUpdate(userID string) Update {
	return Update{Type: UpdatePlayerDefeated, UserID: userID}
}

// LuaMsgUpdate carries the raw Lua payload base64-encoded; uiMode is
// set only for the ui script.
func LuaMsgUpdate(userID, script, uiMode string, data []byte) Update {
	return Update{
		Type:   UpdateLuaMsg,
		UserID: userID,
		Script: script,
		UIMode: uiMode,
		Data:   base64.StdEncoding.EncodeToString(data),
	}
}
