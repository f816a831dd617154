package tachyon

import (
	"errors"
	"fmt"
	"strings"
)

// Start position modes accepted in start requests.
const (
	StartPosFixed      = "fixed"
	StartPosRandom     = "random"
	StartPosIngame     = "ingame"
	StartPosBeforegame = "beforegame"
)

// Player is one human participant of a battle.
type Player struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Team groups players fighting on one side within an ally team.
type Team struct {
	Players []Player `json:"players"`
	Faction string   `json:"faction,omitempty"`
}

// StartBox is a start area given as map fractions in [0, 1].
type StartBox struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// AllyTeam is a set of teams sharing victory conditions.
type AllyTeam struct {
	Teams    []Team    `json:"teams"`
	StartBox *StartBox `json:"startBox,omitempty"`
}

// StartRequest is the payload of autohost/start.
type StartRequest struct {
	BattleID      string            `json:"battleId"`
	EngineVersion string            `json:"engineVersion"`
	GameName      string            `json:"gameName"`
	MapName       string            `json:"mapName"`
	StartPosType  string            `json:"startPosType,omitempty"`
	AllyTeams     []AllyTeam        `json:"allyTeams"`
	Spectators    []Player          `json:"spectators,omitempty"`
	GameOptions   map[string]string `json:"gameOptions,omitempty"`
	MapOptions    map[string]string `json:"mapOptions,omitempty"`
	Restrictions  map[string]string `json:"restrictions,omitempty"`
}

// Validate checks the request shape. The battle id doubles as a
// directory name, so it must be a safe path component.
func (r *StartRequest) Validate() error {
	if err := validPathComponent("battleId", r.BattleID); err != nil {
		return err
	}
	if r.EngineVersion == "" {
		return errors.New("missing engineVersion")
	}
	if r.GameName == "" {
		return errors.New("missing gameName")
	}
	if r.MapName == "" {
		return errors.New("missing mapName")
	}
	switch r.StartPosType {
	case "", StartPosFixed, StartPosRandom, StartPosIngame, StartPosBeforegame:
	default:
		return fmt.Errorf("invalid startPosType %q", r.StartPosType)
	}
	if len(r.AllyTeams) == 0 {
		return errors.New("at least one ally team is required")
	}

	seenUser := make(map[string]bool)
	seenName := make(map[string]bool)
	checkPlayer := func(p Player) error {
		if p.UserID == "" || p.Name == "" || p.Password == "" {
			return fmt.Errorf("player %q needs userId, name and password", p.Name)
		}
		if seenUser[p.UserID] {
			return fmt.Errorf("duplicate userId %q", p.UserID)
		}
		if seenName[p.Name] {
			return fmt.Errorf("duplicate player name %q", p.Name)
		}
		seenUser[p.UserID] = true
		seenName[p.Name] = true
		return nil
	}

	for i, at := range r.AllyTeams {
		if len(at.Teams) == 0 {
			return fmt.Errorf("ally team %d has no teams", i)
		}
		if b := at.StartBox; b != nil {
			for _, v := range []float64{b.Top, b.Bottom, b.Left, b.Right} {
				if v < 0 || v > 1 {
					return fmt.Errorf("ally team %d start box outside [0, 1]", i)
				}
			}
		}
		for j, team := range at.Teams {
			if len(team.Players) == 0 {
				return fmt.Errorf("ally team %d team %d has no players", i, j)
			}
			for _, p := range team.Players {
				if err := checkPlayer(p); err != nil {
					return err
				}
			}
		}
	}
	for _, p := range r.Spectators {
		if err := checkPlayer(p); err != nil {
			return err
		}
	}
	return nil
}

// PlacedPlayer is a player with the engine-side placement derived from
// the request: a number from the declaration order (ally teams first,
// then spectators) and the global team index (-1 for spectators).
type PlacedPlayer struct {
	Player
	Number int
	Team   int
}

// PlacedPlayers returns every participant in engine numbering order.
// This ordering is the single source of truth shared by the start
// script and the player index.
func (r *StartRequest) PlacedPlayers() []PlacedPlayer {
	var out []PlacedPlayer
	team := 0
	for _, at := range r.AllyTeams {
		for _, t := range at.Teams {
			for _, p := range t.Players {
				out = append(out, PlacedPlayer{Player: p, Number: len(out), Team: team})
			}
			team++
		}
	}
	for _, p := range r.Spectators {
		out = append(out, PlacedPlayer{Player: p, Number: len(out), Team: -1})
	}
	return out
}

// StartResponseData answers autohost/start.
type StartResponseData struct {
	IPs  []string `json:"ips"`
	Port int      `json:"port"`
}

// KillRequest is the payload of autohost/kill.
type KillRequest struct {
	BattleID string `json:"battleId"`
}

func (r *KillRequest) Validate() error {
	return requireBattleID(r.BattleID)
}

// AddPlayerRequest is the payload of autohost/addPlayer.
type AddPlayerRequest struct {
	BattleID string `json:"battleId"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (r *AddPlayerRequest) Validate() error {
	if err := requireBattleID(r.BattleID); err != nil {
		return err
	}
	if r.UserID == "" {
		return errors.New("missing userId")
	}
	if r.Name == "" {
		return errors.New("missing name")
	}
	if r.Password == "" {
		return errors.New("missing password")
	}
	return nil
}

// KickPlayerRequest is the payload of autohost/kickPlayer.
type KickPlayerRequest struct {
	BattleID string `json:"battleId"`
	UserID   string `json:"userId"`
}

func (r *KickPlayerRequest) Validate() error {
	if err := requireBattleID(r.BattleID); err != nil {
		return err
	}
	if r.UserID == "" {
		return errors.New("missing userId")
	}
	return nil
}

// MutePlayerRequest is the payload of autohost/mutePlayer.
type MutePlayerRequest struct {
	BattleID string `json:"battleId"`
	UserID   string `json:"userId"`
	Chat     bool   `json:"chat"`
	Draw     bool   `json:"draw"`
}

func (r *MutePlayerRequest) Validate() error {
	if err := requireBattleID(r.BattleID); err != nil {
		return err
	}
	if r.UserID == "" {
		return errors.New("missing userId")
	}
	return nil
}

// SpecPlayersRequest is the payload of autohost/specPlayers.
type SpecPlayersRequest struct {
	BattleID string   `json:"battleId"`
	UserIDs  []string `json:"userIds"`
}

func (r *SpecPlayersRequest) Validate() error {
	if err := requireBattleID(r.BattleID); err != nil {
		return err
	}
	if len(r.UserIDs) == 0 {
		return errors.New("missing userIds")
	}
	for _, id := range r.UserIDs {
		if id == "" {
			return errors.New("empty userId")
		}
	}
	return nil
}

// SendCommandRequest is the payload of autohost/sendCommand.
type SendCommandRequest struct {
	BattleID  string   `json:"battleId"`
	Command   string   `json:"command"`
	Arguments []string `json:"arguments,omitempty"`
}

func (r *SendCommandRequest) Validate() error {
	if err := requireBattleID(r.BattleID); err != nil {
		return err
	}
	if r.Command == "" {
		return errors.New("missing command")
	}
	return nil
}

// SendMessageRequest is the payload of autohost/sendMessage.
type SendMessageRequest struct {
	BattleID string `json:"battleId"`
	Message  string `json:"message"`
}

func (r *SendMessageRequest) Validate() error {
	return requireBattleID(r.BattleID)
}

// SubscribeUpdatesRequest is the payload of autohost/subscribeUpdates.
type SubscribeUpdatesRequest struct {
	Since int64 `json:"since"`
}

func (r *SubscribeUpdatesRequest) Validate() error {
	if r.Since < 0 {
		return errors.New("since must not be negative")
	}
	return nil
}

// InstallEngineRequest is the payload of autohost/installEngine.
type InstallEngineRequest struct {
	Version string `json:"version"`
}

func (r *InstallEngineRequest) Validate() error {
	if r.Version == "" {
		return errors.New("missing version")
	}
	return nil
}

func requireBattleID(id string) error {
	if id == "" {
		return errors.New("missing battleId")
	}
	return nil
}

func validPathComponent(field, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", field)
	}
	if v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("invalid %s %q", field, v)
	}
	return nil
}
