// Package engine runs one dedicated engine process per battle and
// bridges its autohost UDP link to typed events.
package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
)

// State of a runner. Transitions only move forward.
type State int32

const (
	StateNone State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	scriptFileName   = "script.txt"
	settingsFileName = "springsettings.cfg"
	writeDirEnv      = "SPRING_WRITEDIR"
)

// killTimeout is how long a SIGTERMed engine gets before SIGKILL.
var killTimeout = 20 * time.Second

// Settings the engine must run with regardless of configuration:
// spectators join through the lobby, and players added mid-game via
// /adduser must be let in.
var forcedSettings = map[string]string{
	"AllowSpectatorJoin":         "0",
	"WhiteListAdditionalPlayers": "1",
}

// ErrNotRunning is returned by SendPacket outside the Running state.
var ErrNotRunning = errors.New("engine is not running")

// ExitStatus describes how the engine ended.
type ExitStatus struct {
	Crashed bool
	Details string
}

// Events are the runner's notification callbacks. Start and Packet are
// invoked from the socket reader in arrival order; Exit fires exactly
// once, after the process has exited and the reader has stopped, and no
// Packet follows it. Nil callbacks are skipped.
type Events struct {
	Start  func()
	Packet func(ev packet.Event)
	Error  func(err error)
	Exit   func(status ExitStatus)
}

// Options configure one engine process.
type Options struct {
	BattleID     string
	EngineBinary string
	InstanceDir  string
	StartScript  []byte
	Settings     map[string]string
	AutohostPort int
	Events       Events
}

// Runner owns the lifecycle of one engine process and its autohost
// socket.
type Runner struct {
	opts Options
	log  *slog.Logger

	state atomic.Int32

	mu             sync.Mutex
	started        bool
	closeRequested bool
	termSent       bool
	proc           *os.Process
	conn           *net.UDPConn
	engineAddr     *net.UDPAddr
	killTimer      *time.Timer

	readDone chan struct{}
	exitOnce sync.Once
}

// NewRunner creates a runner; nothing happens until Run.
func NewRunner(opts Options) *Runner {
	return &Runner{
		opts:     opts,
		log:      slog.With("battle", opts.BattleID),
		readDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Run starts the engine asynchronously: instance directory, start
// script and settings, the autohost socket, then the process itself.
// Every outcome, including failures before the process exists, is
// reported through the event callbacks. Run may be called once.
func (r *Runner) Run() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("battle %s: runner already started", r.opts.BattleID)
	}
	r.started = true
	r.mu.Unlock()
	r.state.Store(int32(StateStarting))

	go r.run()
	return nil
}

func (r *Runner) run() {
	scriptPath, err := r.prepareInstanceDir()
	if err != nil {
		r.failBeforeExit(fmt.Errorf("prepare instance: %w", err))
		return
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: r.opts.AutohostPort})
	if err != nil {
		r.failBeforeExit(fmt.Errorf("bind autohost socket: %w", err))
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	instanceDir, err := filepath.Abs(r.opts.InstanceDir)
	if err != nil {
		conn.Close()
		r.failBeforeExit(fmt.Errorf("resolve instance dir: %w", err))
		return
	}

	cmd := exec.Command(r.opts.EngineBinary, "-isolation", scriptPath)
	cmd.Dir = instanceDir
	cmd.Env = append(os.Environ(), writeDirEnv+"="+instanceDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		conn.Close()
		r.failBeforeExit(fmt.Errorf("engine stdout: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		conn.Close()
		r.failBeforeExit(fmt.Errorf("engine stderr: %w", err))
		return
	}

	r.mu.Lock()
	err = cmd.Start()
	if err != nil {
		r.mu.Unlock()
		conn.Close()
		r.failBeforeExit(fmt.Errorf("spawn engine: %w", err))
		return
	}
	r.proc = cmd.Process
	closeNow := r.closeRequested
	r.mu.Unlock()

	r.log.Info("engine process started", "pid", cmd.Process.Pid, "binary", r.opts.EngineBinary)

	// A Close that arrived before the spawn still applies.
	if closeNow {
		r.mu.Lock()
		r.signalStopLocked()
		r.mu.Unlock()
	}

	go r.readLoop(conn)

	var tails sync.WaitGroup
	tails.Add(2)
	go r.tailPipe("stdout", stdout, &tails)
	go r.tailPipe("stderr", stderr, &tails)
	tails.Wait()

	waitErr := cmd.Wait()
	r.onProcessExit(conn)
	<-r.readDone

	r.finish(waitErr)
}

// prepareInstanceDir creates the per-battle directory and writes the
// start script and the merged engine settings.
func (r *Runner) prepareInstanceDir() (string, error) {
	if err := os.MkdirAll(r.opts.InstanceDir, 0o755); err != nil {
		return "", err
	}

	scriptPath, err := filepath.Abs(filepath.Join(r.opts.InstanceDir, scriptFileName))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(scriptPath, r.opts.StartScript, 0o644); err != nil {
		return "", err
	}

	settings := make(map[string]string, len(r.opts.Settings)+len(forcedSettings))
	for k, v := range r.opts.Settings {
		settings[k] = v
	}
	for k, v := range forcedSettings {
		settings[k] = v
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, settings[k])
	}
	settingsPath := filepath.Join(r.opts.InstanceDir, settingsFileName)
	if err := os.WriteFile(settingsPath, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return scriptPath, nil
}

// readLoop receives engine datagrams until the socket closes. The
// first datagram must be SERVER_STARTED; it fixes the engine's source
// port, and datagrams from any other port are dropped afterwards.
func (r *Runner) readLoop(conn *net.UDPConn) {
	defer close(r.readDone)

	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.handleDatagram(buf[:n], addr)
	}
}

func (r *Runner) handleDatagram(data []byte, addr *net.UDPAddr) {
	if r.State() == StateStarting {
		ev, err := packet.Decode(data)
		if err != nil {
			r.emitError(fmt.Errorf("decode datagram: %w", err))
			return
		}
		if _, ok := ev.(packet.ServerStarted); !ok {
			// A well-formed packet of the wrong kind means the engine and
			// the runner disagree about the link state. Give up on it.
			r.emitError(fmt.Errorf("expected SERVER_STARTED first, got %s", ev.EventType()))
			r.Close()
			return
		}
		r.mu.Lock()
		r.engineAddr = addr
		r.mu.Unlock()
		r.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
		r.log.Info("engine autohost link up", "engineAddr", addr.String())
		if r.opts.Events.Start != nil {
			r.opts.Events.Start()
		}
		return
	}

	r.mu.Lock()
	engineAddr := r.engineAddr
	r.mu.Unlock()
	if engineAddr == nil || addr.Port != engineAddr.Port {
		r.log.Debug("dropping datagram from unexpected source", "from", addr.String())
		return
	}

	ev, err := packet.Decode(data)
	if err != nil {
		r.emitError(fmt.Errorf("decode datagram: %w", err))
		return
	}
	if r.opts.Events.Packet != nil {
		r.opts.Events.Packet(ev)
	}
}

// SendPacket writes one datagram to the engine. Valid only while
// Running.
func (r *Runner) SendPacket(data []byte) error {
	if r.State() != StateRunning {
		return fmt.Errorf("battle %s: %w", r.opts.BattleID, ErrNotRunning)
	}
	r.mu.Lock()
	conn, addr := r.conn, r.engineAddr
	r.mu.Unlock()
	if conn == nil || addr == nil {
		return fmt.Errorf("battle %s: %w", r.opts.BattleID, ErrNotRunning)
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("battle %s: send packet: %w", r.opts.BattleID, err)
	}
	return nil
}

// Close requests engine shutdown: SIGTERM now, SIGKILL after the kill
// timeout. Callable any number of times from any state; before the
// process exists the intent is remembered and applied right after the
// spawn.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeRequested = true
	if r.proc == nil || r.State() == StateStopped {
		return
	}
	r.signalStopLocked()
}

func (r *Runner) signalStopLocked() {
	if r.termSent {
		return
	}
	r.termSent = true
	r.state.Store(int32(StateStopping))

	r.log.Info("stopping engine", "pid", r.proc.Pid)
	if err := r.proc.Signal(syscall.SIGTERM); err != nil {
		r.log.Debug("SIGTERM failed", "err", err)
	}

	// One timer at most; cleared on process exit so a reused PID is
	// never killed.
	if r.killTimer == nil {
		proc := r.proc
		r.killTimer = time.AfterFunc(killTimeout, func() {
			r.log.Warn("engine ignored SIGTERM, killing", "pid", proc.Pid)
			if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				r.log.Error("SIGKILL failed", "err", err)
			}
		})
	}
}

// onProcessExit clears the kill timer and closes the socket so the
// read loop terminates.
func (r *Runner) onProcessExit(conn *net.UDPConn) {
	r.mu.Lock()
	if r.killTimer != nil {
		r.killTimer.Stop()
		r.killTimer = nil
	}
	r.mu.Unlock()
	r.state.Store(int32(StateStopping))
	conn.Close()
}

// finish settles the final state and emits the exit event.
func (r *Runner) finish(waitErr error) {
	r.mu.Lock()
	requested := r.termSent
	r.mu.Unlock()

	status := ExitStatus{}
	if waitErr != nil && !(requested && killedByStopSignal(waitErr)) {
		status.Crashed = true
		status.Details = waitErr.Error()
	}

	r.state.Store(int32(StateStopped))
	if status.Crashed {
		r.log.Warn("engine exited abnormally", "details", status.Details)
	} else {
		r.log.Info("engine exited")
	}
	r.emitExit(status)
}

// failBeforeExit reports a failure that happened before the process
// could run and finalizes the runner.
func (r *Runner) failBeforeExit(err error) {
	r.emitError(err)
	r.state.Store(int32(StateStopped))
	r.emitExit(ExitStatus{Crashed: true, Details: err.Error()})
}

// killedByStopSignal reports whether the process died from the SIGTERM
// or SIGKILL this runner delivered.
func killedByStopSignal(waitErr error) bool {
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	return ws.Signal() == syscall.SIGTERM || ws.Signal() == syscall.SIGKILL
}

func (r *Runner) tailPipe(name string, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.log.Debug("engine output", "stream", name, "line", scanner.Text())
	}
}

func (r *Runner) emitError(err error) {
	r.log.Warn("engine runner error", "err", err)
	if r.opts.Events.Error != nil {
		r.opts.Events.Error(err)
	}
}

func (r *Runner) emitExit(status ExitStatus) {
	r.exitOnce.Do(func() {
		if r.opts.Events.Exit != nil {
			r.opts.Events.Exit(status)
		}
	})
}
