package autohost

import (
	"log/slog"

	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
	"github.com/beyond-all-reason/recoil-autohost/internal/players"
	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

// project turns one decoded engine event into the update the lobby
// should see, or reports false for events that produce none. Events
// referring to players the index does not know are dropped: the engine
// and the lobby disagree about the battle and a made-up user ID would
// only make that worse.
func (a *Adapter) project(battleID string, ev packet.Event) (tachyon.Update, bool) {
	switch e := ev.(type) {
	case packet.ServerStarted, packet.PlayerReady, packet.GameTeamStat:
		// Consumed internally or carrying nothing the lobby models.
		return tachyon.Update{}, false

	case packet.ServerStartPlaying:
		return tachyon.StartUpdate(), true

	case packet.ServerGameOver:
		if len(e.WinningAllyTeams) == 0 {
			return tachyon.Update{}, false
		}
		id, ok := a.resolveNumber(battleID, int(e.Player))
		if !ok {
			return tachyon.Update{}, false
		}
		winners := make([]int, len(e.WinningAllyTeams))
		for i, w := range e.WinningAllyTeams {
			winners[i] = int(w)
		}
		return tachyon.FinishedUpdate(id.UserID, winners), true

	case packet.ServerQuit:
		a.markFinished(battleID)
		return tachyon.EngineQuitUpdate(), true

	case packet.ServerMessage:
		return tachyon.EngineMessageUpdate(e.Message), true

	case packet.ServerWarning:
		return tachyon.EngineWarningUpdate(e.Message), true

	case packet.PlayerJoined:
		id, ok := a.recordJoin(battleID, e.Name, int(e.Player))
		if !ok {
			return tachyon.Update{}, false
		}
		return tachyon.PlayerJoinedUpdate(id.UserID, int(e.Player)), true

	case packet.PlayerLeft:
		id, ok := a.resolveNumber(battleID, int(e.Player))
		if !ok {
			return tachyon.Update{}, false
		}
		reason, ok := leftReason(e.Reason)
		if !ok {
			slog.Warn("dropping player left event with unknown reason", "battle", battleID, "reason", e.Reason)
			return tachyon.Update{}, false
		}
		return tachyon.PlayerLeftUpdate(id.UserID, reason), true

	case packet.PlayerChat:
		id, ok := a.resolveNumber(battleID, int(e.Player))
		if !ok {
			return tachyon.Update{}, false
		}
		var dest, toUserID string
		switch e.Destination {
		case packet.ChatToAllies:
			dest = tachyon.ChatDestAllies
		case packet.ChatToSpectators:
			dest = tachyon.ChatDestSpectators
		case packet.ChatToEveryone:
			dest = tachyon.ChatDestAll
		default:
			target, ok := a.resolveNumber(battleID, int(e.Destination))
			if !ok {
				return tachyon.Update{}, false
			}
			dest = tachyon.ChatDestPlayer
			toUserID = target.UserID
		}
		return tachyon.PlayerChatUpdate(id.UserID, dest, e.Message, toUserID), true

	case packet.PlayerDefeated:
		id, ok := a.resolveNumber(battleID, int(e.Player))
		if !ok {
			return tachyon.Update{}, false
		}
		return tachyon.PlayerDefeatedUpdate(id.UserID), true

	case packet.GameLuaMsg:
		id, ok := a.resolveNumber(battleID, int(e.Player))
		if !ok {
			return tachyon.Update{}, false
		}
		script, ok := luaMsgScript(e.Script)
		if !ok {
			slog.Warn("dropping luamsg with unknown script", "battle", battleID, "script", e.Script)
			return tachyon.Update{}, false
		}
		var uiMode string
		if e.Script == packet.LuaMsgScriptUI {
			uiMode, ok = luaMsgUIMode(e.UIMode)
			if !ok {
				slog.Warn("dropping luamsg with unknown ui mode", "battle", battleID, "uiMode", e.UIMode)
				return tachyon.Update{}, false
			}
		}
		return tachyon.LuaMsgUpdate(id.UserID, script, uiMode, e.Data), true
	}

	slog.Warn("dropping unhandled engine event", "battle", battleID, "event", ev.EventType())
	return tachyon.Update{}, false
}

// markFinished remembers that the engine announced its own shutdown.
func (a *Adapter) markFinished(battleID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st := a.battles[battleID]; st != nil {
		st.finished = true
	}
}

// recordJoin resolves a joining player by name and pins the number the
// engine assigned. For players placed by the start script that number
// matches the script order; for players admitted mid-game it replaces
// our provisional one.
func (a *Adapter) recordJoin(battleID, name string, number int) (players.Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.battles[battleID]
	if st == nil {
		slog.Warn("dropping engine event for unknown battle", "battle", battleID)
		return players.Identity{}, false
	}
	id, ok := st.index.ByName(name)
	if !ok {
		slog.Warn("dropping join event for unknown player", "battle", battleID, "name", name)
		return players.Identity{}, false
	}
	if id.Number != number {
		id.Number = number
		st.index.Add(id)
	}
	return id, true
}

func (a *Adapter) resolveNumber(battleID string, number int) (players.Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.battles[battleID]
	if st == nil {
		slog.Warn("dropping engine event for unknown battle", "battle", battleID)
		return players.Identity{}, false
	}
	id, ok := st.index.ByNumber(number)
	if !ok {
		slog.Warn("dropping engine event for unknown player number", "battle", battleID, "player", number)
		return players.Identity{}, false
	}
	return id, true
}

func leftReason(reason uint8) (string, bool) {
	switch reason {
	case packet.LeftReasonLostConnection:
		return tachyon.LeftLostConnection, true
	case packet.LeftReasonLeft:
		return tachyon.LeftLeft, true
	case packet.LeftReasonKicked:
		return tachyon.LeftKicked, true
	}
	return "", false
}

func luaMsgScript(script uint16) (string, bool) {
	switch script {
	case packet.LuaMsgScriptUI:
		return tachyon.LuaMsgUI, true
	case packet.LuaMsgScriptGaia:
		return tachyon.LuaMsgGaia, true
	case packet.LuaMsgScriptRules:
		return tachyon.LuaMsgRules, true
	}
	return "", false
}

func luaMsgUIMode(mode uint8) (string, bool) {
	switch mode {
	case packet.LuaMsgUIModeAll:
		return tachyon.UIModeAll, true
	case packet.LuaMsgUIModeAllies:
		return tachyon.UIModeAllies, true
	case packet.LuaMsgUIModeSpectators:
		return tachyon.UIModeSpectators, true
	}
	return "", false
}
