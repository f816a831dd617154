// Package autohost connects the lobby protocol to the battle manager.
//
// The Adapter is the tachyon.Handler of this process: it validates and
// translates incoming autohost/* requests into manager, installer and
// registry calls, projects engine datagrams into autohost/update events,
// and keeps the per-battle player index that maps lobby user IDs to the
// names and numbers the engine understands.
package autohost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beyond-all-reason/recoil-autohost/internal/engine"
	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
	"github.com/beyond-all-reason/recoil-autohost/internal/eventbuffer"
	"github.com/beyond-all-reason/recoil-autohost/internal/players"
	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

// startTimeout bounds a single start request, from spawning the engine
// to its SERVER_STARTED datagram. The request cannot outlive the caller
// going away, so the bound keeps a wedged engine from holding a battle
// slot forever.
const startTimeout = 30 * time.Second

// ErrNoSender is returned when an event or response should go to the
// lobby but no session is connected.
var ErrNoSender = errors.New("no lobby session")

// Manager is the battle lifecycle surface the adapter drives.
type Manager interface {
	Start(ctx context.Context, req *tachyon.StartRequest) (*tachyon.StartResponseData, error)
	Kill(battleID string) error
	SendPacket(battleID string, data []byte) error
	CurrentBattles() int
	MaxBattles() int
}

// Installer downloads and unpacks engine versions on demand.
type Installer interface {
	Install(ctx context.Context, version string) error
}

// Engines lists the versions currently installed and runnable.
type Engines interface {
	Versions() []string
}

// Sender delivers one envelope to the connected lobby.
type Sender interface {
	Send(env tachyon.Envelope) error
}

// updateRecord is one buffered autohost/update payload.
type updateRecord struct {
	battleID string
	update   tachyon.Update
}

// battleState is the adapter's view of one hosted battle.
type battleState struct {
	index *players.Index

	// started is set once the start request succeeded. A battle that
	// never started reports its failure through the response, not
	// through the update stream.
	started bool

	// finished is set once the engine reported SERVER_QUIT, so the
	// process exit that follows does not produce a second terminal
	// update.
	finished bool

	// exited records the process exit when it lands before the start
	// request has returned; the start path reports it instead.
	exited *engine.ExitStatus
}

// Adapter implements tachyon.Handler on top of a battle manager, an
// engine installer and the installed-engines registry.
type Adapter struct {
	manager    Manager
	installer  Installer
	engines    Engines
	buffer     *eventbuffer.Buffer[updateRecord]
	dispatcher *tachyon.Dispatcher

	mu      sync.Mutex
	sender  Sender
	battles map[string]*battleState
}

// New builds an Adapter. Updates are kept for replay for maxUpdateAge;
// SetSender must be called before any lobby traffic is handled.
func New(manager Manager, installer Installer, engines Engines, maxUpdateAge time.Duration) *Adapter {
	a := &Adapter{
		manager:   manager,
		installer: installer,
		engines:   engines,
		buffer:    eventbuffer.New[updateRecord](maxUpdateAge, 0),
		battles:   make(map[string]*battleState),
	}
	a.dispatcher = tachyon.NewDispatcher(a)
	return a
}

// SetSender installs the lobby session used for responses and events.
func (a *Adapter) SetSender(s Sender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *Adapter) send(env tachyon.Envelope) error {
	a.mu.Lock()
	s := a.sender
	a.mu.Unlock()
	if s == nil {
		return ErrNoSender
	}
	return s.Send(env)
}

// HandleMessage is the lobby client's OnMessage callback. Requests are
// dispatched off the read loop so a slow command does not stall the
// connection; anything else is noise from the lobby and is ignored.
func (a *Adapter) HandleMessage(env tachyon.Envelope) {
	if env.Type != tachyon.MessageTypeRequest {
		slog.Debug("ignoring lobby message", "type", env.Type, "commandId", env.CommandID)
		return
	}
	go func() {
		resp := a.dispatcher.Dispatch(context.Background(), env)
		if err := a.send(resp); err != nil {
			slog.Warn("response not delivered", "commandId", env.CommandID, "messageId", env.MessageID, "error", err)
		}
	}()
}

// HandleConnect is the lobby client's OnConnect callback.
func (a *Adapter) HandleConnect() {
	a.publishStatus()
}

// HandleDisconnect drops the update subscription when a lobby session
// ends. The lobby resubscribes with its last seen timestamp and the
// buffer replays what it missed.
func (a *Adapter) HandleDisconnect() {
	a.buffer.Unsubscribe()
}

// HandleCapacityChange republishes the status event when the number of
// running battles or the battle limit changes.
func (a *Adapter) HandleCapacityChange(current, max int) {
	a.publishStatus()
}

// HandleEngineVersions republishes the status event when the set of
// installed engines changes.
func (a *Adapter) HandleEngineVersions(versions []string) {
	a.publishStatus()
}

func (a *Adapter) publishStatus() {
	data := tachyon.StatusEventData{
		CurrentBattles:   a.manager.CurrentBattles(),
		MaxBattles:       a.manager.MaxBattles(),
		AvailableEngines: a.engines.Versions(),
	}
	if err := a.send(tachyon.NewEvent(tachyon.CmdStatus, data)); err != nil {
		slog.Debug("status event not delivered", "error", err)
	}
}

// HandleEnginePacket projects one engine datagram into an update event.
func (a *Adapter) HandleEnginePacket(battleID string, ev packet.Event) {
	if update, ok := a.project(battleID, ev); ok {
		a.publishUpdate(battleID, update)
	}
}

// HandleEngineError logs datagrams the engine sent but we could not
// decode. They carry no update; the battle keeps running.
func (a *Adapter) HandleEngineError(battleID string, err error) {
	slog.Warn("engine event dropped", "battle", battleID, "error", err)
}

// HandleEngineExit forgets the battle and, unless the engine already
// said goodbye with SERVER_QUIT, reports how it went away. An exit
// landing before the start request has returned is recorded on the
// state instead; the start path reports it once it knows the start
// succeeded.
func (a *Adapter) HandleEngineExit(battleID string, status engine.ExitStatus) {
	a.mu.Lock()
	st := a.battles[battleID]
	delete(a.battles, battleID)
	report := st != nil && st.started && !st.finished
	if st != nil {
		st.exited = &status
	}
	a.mu.Unlock()
	if !report {
		return
	}
	a.publishTerminal(battleID, status)
}

func (a *Adapter) publishTerminal(battleID string, status engine.ExitStatus) {
	if status.Crashed {
		a.publishUpdate(battleID, tachyon.EngineCrashUpdate(status.Details))
		return
	}
	a.publishUpdate(battleID, tachyon.EngineQuitUpdate())
}

func (a *Adapter) publishUpdate(battleID string, update tachyon.Update) {
	a.buffer.Push(updateRecord{battleID: battleID, update: update})
}

// deliverUpdate is the buffer subscription callback. Delivery failures
// are not fatal: the entry stays in the buffer and the lobby picks it
// up when it resubscribes.
func (a *Adapter) deliverUpdate(e eventbuffer.Entry[updateRecord]) error {
	env := tachyon.NewEvent(tachyon.CmdUpdate, tachyon.UpdateEventData{
		Time:     e.Time,
		BattleID: e.Value.battleID,
		Update:   e.Value.update,
	})
	if err := a.send(env); err != nil {
		slog.Debug("update event not delivered", "battle", e.Value.battleID, "error", err)
	}
	return nil
}

// Start hosts a new battle. The player index is registered before the
// engine spawns so join events arriving right after SERVER_STARTED
// already resolve.
func (a *Adapter) Start(ctx context.Context, req *tachyon.StartRequest) (*tachyon.StartResponseData, error) {
	idx := players.NewIndex()
	for _, p := range req.PlacedPlayers() {
		idx.Add(players.Identity{UserID: p.UserID, Name: p.Name, Number: p.Number})
	}
	st := &battleState{index: idx}

	a.mu.Lock()
	if _, exists := a.battles[req.BattleID]; exists {
		a.mu.Unlock()
		return nil, tachyon.Fail(tachyon.ReasonBattleAlreadyExists, fmt.Sprintf("battle %s already exists", req.BattleID))
	}
	a.battles[req.BattleID] = st
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	data, err := a.manager.Start(ctx, req)
	if err != nil {
		a.mu.Lock()
		if a.battles[req.BattleID] == st {
			delete(a.battles, req.BattleID)
		}
		a.mu.Unlock()
		return nil, err
	}

	a.mu.Lock()
	st.started = true
	exited := st.exited
	finished := st.finished
	a.mu.Unlock()
	if exited != nil && !finished {
		// The engine went down while the response was in flight.
		a.publishTerminal(req.BattleID, *exited)
	}
	return data, nil
}

// Kill stops a battle's engine.
func (a *Adapter) Kill(ctx context.Context, req *tachyon.KillRequest) error {
	return a.manager.Kill(req.BattleID)
}

// AddPlayer admits a player into a running battle, or refreshes the
// password of one already admitted. New players always come in as
// spectators; the lobby promotes them afterwards if it wants to.
func (a *Adapter) AddPlayer(ctx context.Context, req *tachyon.AddPlayerRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.battles[req.BattleID]
	if st == nil {
		return tachyon.Fail(tachyon.ReasonInvalidRequest, fmt.Sprintf("battle %s does not exist", req.BattleID))
	}

	known, rejoin := st.index.ByUserID(req.UserID)
	if rejoin && known.Name != req.Name {
		return tachyon.Fail(tachyon.ReasonInvalidRequest,
			fmt.Sprintf("player %s is already in battle %s as %s", req.UserID, req.BattleID, known.Name))
	}
	if !rejoin && st.index.HasName(req.Name) {
		return tachyon.Fail(tachyon.ReasonInvalidRequest,
			fmt.Sprintf("name %s is already taken in battle %s", req.Name, req.BattleID))
	}

	args := []string{req.Name, req.Password}
	if !rejoin {
		args = append(args, "1")
	}
	data, err := commandPacket("adduser", args...)
	if err != nil {
		return err
	}
	if err := a.manager.SendPacket(req.BattleID, data); err != nil {
		return err
	}
	if !rejoin {
		st.index.Add(players.Identity{UserID: req.UserID, Name: req.Name, Number: st.index.NextNumber()})
	}
	return nil
}

// KickPlayer removes a player from a battle.
func (a *Adapter) KickPlayer(ctx context.Context, req *tachyon.KickPlayerRequest) error {
	name, err := a.playerName(req.BattleID, req.UserID)
	if err != nil {
		return err
	}
	data, err := commandPacket("kick", name)
	if err != nil {
		return err
	}
	return a.manager.SendPacket(req.BattleID, data)
}

// MutePlayer mutes or unmutes a player's chat and drawing.
func (a *Adapter) MutePlayer(ctx context.Context, req *tachyon.MutePlayerRequest) error {
	name, err := a.playerName(req.BattleID, req.UserID)
	if err != nil {
		return err
	}
	data, err := commandPacket("mute", name, boolArg(req.Chat), boolArg(req.Draw))
	if err != nil {
		return err
	}
	return a.manager.SendPacket(req.BattleID, data)
}

// SpecPlayers moves players to spectators. All user IDs must resolve
// before anything is sent, so the request applies fully or not at all.
func (a *Adapter) SpecPlayers(ctx context.Context, req *tachyon.SpecPlayersRequest) error {
	names := make([]string, 0, len(req.UserIDs))
	for _, userID := range req.UserIDs {
		name, err := a.playerName(req.BattleID, userID)
		if err != nil {
			return err
		}
		names = append(names, name)
	}
	for _, name := range names {
		data, err := commandPacket("spec", name)
		if err != nil {
			return err
		}
		if err := a.manager.SendPacket(req.BattleID, data); err != nil {
			return err
		}
	}
	return nil
}

// SendCommand forwards an arbitrary engine console command.
func (a *Adapter) SendCommand(ctx context.Context, req *tachyon.SendCommandRequest) error {
	data, err := commandPacket(req.Command, req.Arguments...)
	if err != nil {
		return err
	}
	return a.manager.SendPacket(req.BattleID, data)
}

// SendMessage says a chat line as the host.
func (a *Adapter) SendMessage(ctx context.Context, req *tachyon.SendMessageRequest) error {
	data, err := packet.EncodeChat(req.Message)
	if err != nil {
		if errors.Is(err, packet.ErrSerialize) {
			return tachyon.Fail(tachyon.ReasonInvalidRequest, err.Error())
		}
		return err
	}
	return a.manager.SendPacket(req.BattleID, data)
}

// SubscribeUpdates starts streaming update events, replaying everything
// buffered after the given timestamp first.
func (a *Adapter) SubscribeUpdates(ctx context.Context, req *tachyon.SubscribeUpdatesRequest) error {
	if err := a.buffer.Subscribe(req.Since, a.deliverUpdate); err != nil {
		return tachyon.Fail(tachyon.ReasonInvalidRequest, err.Error())
	}
	return nil
}

// InstallEngine downloads and installs an engine version.
func (a *Adapter) InstallEngine(ctx context.Context, req *tachyon.InstallEngineRequest) error {
	if err := a.installer.Install(ctx, req.Version); err != nil {
		return tachyon.Fail(tachyon.ReasonInstallFailed, err.Error())
	}
	return nil
}

// playerName resolves a user ID to the name the engine knows, failing
// as an invalid request when the battle or the player is unknown.
func (a *Adapter) playerName(battleID, userID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.battles[battleID]
	if st == nil {
		return "", tachyon.Fail(tachyon.ReasonInvalidRequest, fmt.Sprintf("battle %s does not exist", battleID))
	}
	id, ok := st.index.ByUserID(userID)
	if !ok {
		return "", tachyon.Fail(tachyon.ReasonInvalidRequest, fmt.Sprintf("player %s is not in battle %s", userID, battleID))
	}
	return id.Name, nil
}

// commandPacket encodes an engine console command, turning values the
// wire format cannot carry into invalid-request failures.
func commandPacket(name string, args ...string) ([]byte, error) {
	data, err := packet.EncodeCommand(name, args...)
	if err != nil {
		if errors.Is(err, packet.ErrSerialize) {
			return nil, tachyon.Fail(tachyon.ReasonInvalidRequest, err.Error())
		}
		return nil, err
	}
	return data, nil
}

func boolArg(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
