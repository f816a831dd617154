package engine

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
)

const sleepingEngine = "#!/bin/sh\nexec sleep 60\n"

type runnerHarness struct {
	t      *testing.T
	runner *Runner
	peer   *net.UDPConn
	port   int
	dir    string

	startCh  chan struct{}
	packetCh chan packet.Event
	errCh    chan error
	exitCh   chan ExitStatus
}

func newRunnerHarness(t *testing.T, script string, settings map[string]string) *runnerHarness {
	t.Helper()

	dir := t.TempDir()
	binPath := filepath.Join(dir, "engine.sh")
	require.NoError(t, os.WriteFile(binPath, []byte(script), 0o755))

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	h := &runnerHarness{
		t:        t,
		peer:     peer,
		port:     freeUDPPort(t),
		dir:      dir,
		startCh:  make(chan struct{}, 16),
		packetCh: make(chan packet.Event, 16),
		errCh:    make(chan error, 16),
		exitCh:   make(chan ExitStatus, 16),
	}
	h.runner = NewRunner(Options{
		BattleID:     "battle-1",
		EngineBinary: binPath,
		InstanceDir:  filepath.Join(dir, "instance"),
		StartScript:  []byte("[game]\n{\n}\n"),
		Settings:     settings,
		AutohostPort: h.port,
		Events: Events{
			Start: func() { h.startCh <- struct{}{} },
			Packet: func(ev packet.Event) {
				// The start handshake may be retried; drop duplicates.
				if _, ok := ev.(packet.ServerStarted); ok {
					return
				}
				h.packetCh <- ev
			},
			Error: func(err error) { h.errCh <- err },
			Exit:  func(status ExitStatus) { h.exitCh <- status },
		},
	})
	t.Cleanup(func() {
		h.runner.Close()
		// Run is asynchronous; wait for a started runner to settle so
		// the TempDir removal does not race the spawn goroutine.
		h.runner.mu.Lock()
		started := h.runner.started
		h.runner.mu.Unlock()
		if !started {
			return
		}
		deadline := time.Now().Add(5 * time.Second)
		for h.runner.State() != StateStopped && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	})
	return h
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func (h *runnerHarness) send(data []byte) {
	h.t.Helper()
	_, err := h.peer.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.port})
	require.NoError(h.t, err)
}

// start runs the engine and completes the SERVER_STARTED handshake,
// resending until the runner's socket is up.
func (h *runnerHarness) start() {
	h.t.Helper()
	require.NoError(h.t, h.runner.Run())

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		h.send([]byte{byte(packet.TypeServerStarted)})
		select {
		case <-h.startCh:
			return
		case <-deadline:
			h.t.Fatal("runner did not report engine start")
		case <-tick.C:
		}
	}
}

func (h *runnerHarness) waitExit() ExitStatus {
	h.t.Helper()
	select {
	case status := <-h.exitCh:
		return status
	case <-time.After(5 * time.Second):
		h.t.Fatal("runner did not report engine exit")
		return ExitStatus{}
	}
}

func (h *runnerHarness) nextPacket() packet.Event {
	h.t.Helper()
	select {
	case ev := <-h.packetCh:
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("no packet event received")
		return nil
	}
}

func (h *runnerHarness) nextError() error {
	h.t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("no error event received")
		return nil
	}
}

func TestRunnerLifecycle(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	h.start()

	assert.Equal(t, StateRunning, h.runner.State())

	h.send([]byte{byte(packet.TypePlayerJoined), 7, 'b', 'o', 'b'})
	ev := h.nextPacket()
	require.IsType(t, packet.PlayerJoined{}, ev)
	joined := ev.(packet.PlayerJoined)
	assert.Equal(t, uint8(7), joined.Player)
	assert.Equal(t, "bob", joined.Name)

	h.runner.Close()
	status := h.waitExit()
	assert.False(t, status.Crashed, "graceful shutdown is not a crash: %s", status.Details)
	assert.Equal(t, StateStopped, h.runner.State())

	// Close after exit is a no-op and the exit event never repeats.
	h.runner.Close()
	select {
	case <-h.exitCh:
		t.Fatal("exit event emitted twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunnerDropsDatagramsFromOtherSources(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	h.start()

	intruder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer intruder.Close()
	_, err = intruder.WriteToUDP(
		[]byte{byte(packet.TypePlayerLeft), 2, 1},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.port},
	)
	require.NoError(t, err)

	// A packet from the learned source must be the next one delivered,
	// proving the intruder's was dropped.
	h.send([]byte{byte(packet.TypePlayerDefeated), 3})
	ev := h.nextPacket()
	require.IsType(t, packet.PlayerDefeated{}, ev)
	assert.Equal(t, uint8(3), ev.(packet.PlayerDefeated).Player)
}

func TestRunnerShutsDownOnWrongFirstPacket(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	require.NoError(t, h.runner.Run())

	// Resend until the socket is up and the runner rejects it.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		h.send([]byte{byte(packet.TypePlayerJoined), 1, 'x'})
		select {
		case err := <-h.errCh:
			assert.ErrorContains(t, err, "expected SERVER_STARTED first")
			break wait
		case <-deadline:
			t.Fatal("runner did not reject the early packet")
		case <-tick.C:
		}
	}

	// A broken handshake takes the whole engine down.
	status := h.waitExit()
	assert.False(t, status.Crashed, "handshake shutdown reported as crash: %s", status.Details)
	assert.Equal(t, StateStopped, h.runner.State())

	select {
	case <-h.startCh:
		t.Fatal("start event after a failed handshake")
	default:
	}
}

func TestRunnerEmitsDecodeErrors(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	h.start()

	h.send([]byte{99})
	err := h.nextError()
	assert.ErrorContains(t, err, "decode datagram")
}

func TestRunnerSendPacket(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	h.start()

	msg, err := packet.EncodeChat("hello")
	require.NoError(t, err)
	require.NoError(t, h.runner.SendPacket(msg))

	require.NoError(t, h.peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 256)
	n, _, err := h.peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])
}

func TestRunnerSendPacketBeforeRunning(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	err := h.runner.SendPacket([]byte("hello"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRunnerRunTwice(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	require.NoError(t, h.runner.Run())
	assert.ErrorContains(t, h.runner.Run(), "already started")
}

func TestRunnerSpawnFailure(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	h.runner.opts.EngineBinary = filepath.Join(h.dir, "does-not-exist")

	require.NoError(t, h.runner.Run())
	err := h.nextError()
	assert.ErrorContains(t, err, "spawn engine")

	status := h.waitExit()
	assert.True(t, status.Crashed)
	assert.Contains(t, status.Details, "spawn engine")
	assert.Equal(t, StateStopped, h.runner.State())
}

func TestRunnerReportsCrash(t *testing.T) {
	h := newRunnerHarness(t, "#!/bin/sh\nsleep 1\nexit 7\n", nil)
	h.start()

	status := h.waitExit()
	assert.True(t, status.Crashed)
	assert.Equal(t, "exit status 7", status.Details)
}

func TestRunnerNaturalExit(t *testing.T) {
	h := newRunnerHarness(t, "#!/bin/sh\nexec sleep 1\n", nil)
	h.start()

	status := h.waitExit()
	assert.False(t, status.Crashed, "clean exit reported as crash: %s", status.Details)
}

func TestRunnerCloseBeforeSpawn(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, nil)
	h.runner.Close()
	require.NoError(t, h.runner.Run())

	status := h.waitExit()
	assert.False(t, status.Crashed, "remembered close reported as crash: %s", status.Details)
}

func TestRunnerKillsStubbornEngine(t *testing.T) {
	restore := killTimeout
	killTimeout = 250 * time.Millisecond
	defer func() { killTimeout = restore }()

	h := newRunnerHarness(t, "#!/bin/sh\ntrap ':' TERM\nwhile :; do sleep 1; done\n", nil)
	h.start()

	begin := time.Now()
	h.runner.Close()
	status := h.waitExit()
	assert.False(t, status.Crashed, "forced kill reported as crash: %s", status.Details)
	assert.GreaterOrEqual(t, time.Since(begin), 200*time.Millisecond, "engine exited before the kill timer fired")
}

func TestRunnerWritesInstanceFiles(t *testing.T) {
	h := newRunnerHarness(t, sleepingEngine, map[string]string{
		"ServerLogDebug":     "1",
		"AllowSpectatorJoin": "1",
	})
	h.start()

	script, err := os.ReadFile(filepath.Join(h.dir, "instance", "script.txt"))
	require.NoError(t, err)
	assert.Equal(t, "[game]\n{\n}\n", string(script))

	settings, err := os.ReadFile(filepath.Join(h.dir, "instance", "springsettings.cfg"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(settings)), "\n")
	assert.Equal(t, []string{
		"AllowSpectatorJoin = 0",
		"ServerLogDebug = 1",
		"WhiteListAdditionalPlayers = 1",
	}, lines)
}

func TestKilledByStopSignal(t *testing.T) {
	assert.False(t, killedByStopSignal(nil))
	assert.False(t, killedByStopSignal(errors.New("plain")))
}
