// Package games supervises the set of running battles: one engine
// process per battle, port assignment, capacity accounting and battle
// lifetime limits.
package games

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/beyond-all-reason/recoil-autohost/internal/engine"
	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
	"github.com/beyond-all-reason/recoil-autohost/internal/startscript"
	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

// EngineLocator resolves installed engine versions to their dedicated
// server binary.
type EngineLocator interface {
	BinaryPath(version string) (string, bool)
}

// runner is the slice of engine.Runner the manager depends on.
type runner interface {
	Run() error
	Close()
	SendPacket(data []byte) error
}

// Events are the manager's notification callbacks. Packet, Error and
// Exit relay engine runner events with the battle attached; Capacity
// fires whenever the number of hosted battles or the battle limit
// changes. Nil callbacks are skipped.
type Events struct {
	Packet   func(battleID string, ev packet.Event)
	Error    func(battleID string, err error)
	Exit     func(battleID string, status engine.ExitStatus)
	Capacity func(current, max int)
}

// Options configure a Manager.
type Options struct {
	MaxBattles              int
	MaxGameDuration         time.Duration
	HostingIP               string
	EngineBindIP            string
	EngineStartPort         int
	EngineAutohostStartPort int
	MaxPortsUsed            int
	EngineSettings          map[string]string
	InstancesDir            string
	Engines                 EngineLocator
	Events                  Events
}

type battle struct {
	id          string
	portOffset  int
	hostPort    int
	runner      runner
	killPending bool
	timer       *time.Timer
	startc      chan error
	done        chan struct{}
}

// Manager owns all battles hosted by this process.
type Manager struct {
	opts Options
	log  *slog.Logger

	newRunner func(opts engine.Options) runner

	mu            sync.Mutex
	maxBattles    int
	battles       map[string]*battle
	usedBattleIDs map[string]bool
	usedOffsets   map[int]bool
	portCursor    int
}

// NewManager creates a manager; no battles run until Start.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts: opts,
		log:  slog.Default(),
		newRunner: func(o engine.Options) runner {
			return engine.NewRunner(o)
		},
		maxBattles:    opts.MaxBattles,
		battles:       make(map[string]*battle),
		usedBattleIDs: make(map[string]bool),
		usedOffsets:   make(map[int]bool),
	}
}

// CurrentBattles returns the number of battles being hosted right now,
// starting ones included.
func (m *Manager) CurrentBattles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.battles)
}

// MaxBattles returns the current battle capacity.
func (m *Manager) MaxBattles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxBattles
}

// SetMaxBattles changes the admission limit for subsequent starts.
// Running battles are unaffected; zero stops all admissions.
func (m *Manager) SetMaxBattles(n int) {
	m.mu.Lock()
	m.maxBattles = n
	current := len(m.battles)
	m.mu.Unlock()
	m.emitCapacity(current, n)
}

// Start launches an engine for the battle and blocks until the engine
// reports it is up, it exits early, or ctx expires. Battle IDs are
// burned on first use: a once-seen ID can never be started again, even
// after the battle ends or the start fails.
func (m *Manager) Start(ctx context.Context, req *tachyon.StartRequest) (*tachyon.StartResponseData, error) {
	m.mu.Lock()
	if m.usedBattleIDs[req.BattleID] {
		m.mu.Unlock()
		return nil, tachyon.Fail(tachyon.ReasonBattleAlreadyExists, fmt.Sprintf("battle %s already exists", req.BattleID))
	}
	if len(m.battles) >= m.maxBattles {
		m.mu.Unlock()
		return nil, tachyon.Fail(tachyon.ReasonMaxBattlesReached, fmt.Sprintf("already hosting %d battles", len(m.battles)))
	}
	binary, ok := m.opts.Engines.BinaryPath(req.EngineVersion)
	if !ok {
		m.mu.Unlock()
		return nil, tachyon.Fail(tachyon.ReasonEngineVersionNotAvailable, fmt.Sprintf("engine version %s is not installed", req.EngineVersion))
	}
	offset, err := m.allocOffsetLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, tachyon.Fail(tachyon.ReasonStartFailed, err.Error())
	}

	b := &battle{
		id:         req.BattleID,
		portOffset: offset,
		hostPort:   m.opts.EngineStartPort + offset,
		startc:     make(chan error, 1),
		done:       make(chan struct{}),
	}
	autohostPort := m.opts.EngineAutohostStartPort + offset
	m.usedBattleIDs[req.BattleID] = true
	m.battles[req.BattleID] = b
	current, max := len(m.battles), m.maxBattles
	m.mu.Unlock()
	m.emitCapacity(current, max)

	m.log.Info("starting battle",
		"battle", req.BattleID, "engine", req.EngineVersion,
		"hostPort", b.hostPort, "autohostPort", autohostPort)

	script, err := startscript.Build(req, startscript.Network{
		HostIP:       m.opts.EngineBindIP,
		HostPort:     b.hostPort,
		AutohostIP:   "127.0.0.1",
		AutohostPort: autohostPort,
	}).Render()
	if err != nil {
		m.release(b)
		return nil, tachyon.Fail(tachyon.ReasonStartFailed, fmt.Sprintf("render start script: %v", err))
	}

	r := m.newRunner(engine.Options{
		BattleID:     req.BattleID,
		EngineBinary: binary,
		InstanceDir:  filepath.Join(m.opts.InstancesDir, req.BattleID),
		StartScript:  script,
		Settings:     m.opts.EngineSettings,
		AutohostPort: autohostPort,
		Events: engine.Events{
			Start: func() {
				select {
				case b.startc <- nil:
				default:
				}
			},
			Packet: func(ev packet.Event) {
				if m.opts.Events.Packet != nil {
					m.opts.Events.Packet(b.id, ev)
				}
			},
			Error: func(err error) {
				if m.opts.Events.Error != nil {
					m.opts.Events.Error(b.id, err)
				}
			},
			Exit: func(status engine.ExitStatus) {
				m.handleExit(b, status)
			},
		},
	})

	m.mu.Lock()
	b.runner = r
	killPending := b.killPending
	m.mu.Unlock()

	if err := r.Run(); err != nil {
		m.release(b)
		return nil, tachyon.Fail(tachyon.ReasonStartFailed, err.Error())
	}
	if killPending {
		r.Close()
	}

	select {
	case err := <-b.startc:
		if err != nil {
			// The exit callback has already cleaned up.
			return nil, tachyon.Fail(tachyon.ReasonStartFailed, err.Error())
		}
	case <-ctx.Done():
		r.Close()
		return nil, tachyon.Fail(tachyon.ReasonStartFailed, "timed out waiting for the engine to start")
	}

	m.mu.Lock()
	if m.battles[b.id] == b && m.opts.MaxGameDuration > 0 {
		b.timer = time.AfterFunc(m.opts.MaxGameDuration, func() {
			m.log.Info("battle exceeded the game duration limit, closing", "battle", b.id)
			r.Close()
		})
	}
	m.mu.Unlock()

	return &tachyon.StartResponseData{
		IPs:  []string{m.opts.HostingIP},
		Port: b.hostPort,
	}, nil
}

// Kill requests shutdown of a running battle.
func (m *Manager) Kill(battleID string) error {
	m.mu.Lock()
	b := m.battles[battleID]
	var r runner
	if b != nil {
		r = b.runner
		if r == nil {
			b.killPending = true
		}
	}
	m.mu.Unlock()
	if b == nil {
		return tachyon.Fail(tachyon.ReasonInvalidRequest, fmt.Sprintf("battle %s does not exist", battleID))
	}
	if r != nil {
		r.Close()
	}
	return nil
}

// SendPacket forwards a datagram to the battle's engine.
func (m *Manager) SendPacket(battleID string, data []byte) error {
	m.mu.Lock()
	b := m.battles[battleID]
	var r runner
	if b != nil {
		r = b.runner
	}
	m.mu.Unlock()
	if b == nil {
		return tachyon.Fail(tachyon.ReasonInvalidRequest, fmt.Sprintf("battle %s does not exist", battleID))
	}
	if r == nil {
		return fmt.Errorf("battle %s is still starting", battleID)
	}
	return r.SendPacket(data)
}

// CloseAll requests shutdown of every battle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	runners := make([]runner, 0, len(m.battles))
	for _, b := range m.battles {
		if b.runner != nil {
			runners = append(runners, b.runner)
		}
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.Close()
	}
}

// Drain closes every battle and waits until all engines have exited or
// ctx expires.
func (m *Manager) Drain(ctx context.Context) error {
	m.CloseAll()
	return m.WaitIdle(ctx)
}

// WaitIdle blocks until no battles remain or ctx expires. Callers that
// want the count to only go down must lower the limit first with
// SetMaxBattles.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		var b *battle
		for _, x := range m.battles {
			b = x
			break
		}
		m.mu.Unlock()
		if b == nil {
			return nil
		}
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// allocOffsetLocked claims the next free port offset. The cursor holds
// the last allocated offset and scanning resumes one past it, so
// recently released ports are reused last.
func (m *Manager) allocOffsetLocked() (int, error) {
	for i := 0; i < m.opts.MaxPortsUsed; i++ {
		m.portCursor = (m.portCursor + 1) % m.opts.MaxPortsUsed
		if m.usedOffsets[m.portCursor] {
			continue
		}
		m.usedOffsets[m.portCursor] = true
		return m.portCursor, nil
	}
	return 0, errors.New("no free ports")
}

// handleExit settles a battle whose engine has exited: resolves a
// still-pending Start, frees the port and the battle slot, then
// notifies.
func (m *Manager) handleExit(b *battle, status engine.ExitStatus) {
	msg := "engine exited before reporting start"
	if status.Details != "" {
		msg += ": " + status.Details
	}
	select {
	case b.startc <- errors.New(msg):
	default:
	}

	m.mu.Lock()
	if m.battles[b.id] == b {
		delete(m.battles, b.id)
		delete(m.usedOffsets, b.portOffset)
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	current, max := len(m.battles), m.maxBattles
	m.mu.Unlock()

	close(b.done)
	m.emitCapacity(current, max)
	if m.opts.Events.Exit != nil {
		m.opts.Events.Exit(b.id, status)
	}
}

// release frees a battle that never got its runner off the ground.
func (m *Manager) release(b *battle) {
	m.mu.Lock()
	if m.battles[b.id] == b {
		delete(m.battles, b.id)
		delete(m.usedOffsets, b.portOffset)
	}
	current, max := len(m.battles), m.maxBattles
	m.mu.Unlock()
	close(b.done)
	m.emitCapacity(current, max)
}

func (m *Manager) emitCapacity(current, max int) {
	if m.opts.Events.Capacity != nil {
		m.opts.Events.Capacity(current, max)
	}
}
