package games

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beyond-all-reason/recoil-autohost/internal/engine"
	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

type fakeRunner struct {
	opts engine.Options

	mu     sync.Mutex
	ran    bool
	closed int
	sent   [][]byte
}

func (f *fakeRunner) Run() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = true
	return nil
}

func (f *fakeRunner) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeRunner) SendPacket(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeRunner) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeLocator struct {
	missing bool
}

func (f fakeLocator) BinaryPath(version string) (string, bool) {
	if f.missing {
		return "", false
	}
	return filepath.Join("/opt/engines", version, "spring-dedicated"), true
}

type capacityEvent struct {
	current, max int
}

type exitEvent struct {
	battleID string
	status   engine.ExitStatus
}

type packetEvent struct {
	battleID string
	ev       packet.Event
}

type managerHarness struct {
	t *testing.T
	m *Manager

	created    chan *fakeRunner
	capacityCh chan capacityEvent
	packetCh   chan packetEvent
	exitCh     chan exitEvent
}

func newManagerHarness(t *testing.T, tweak func(*Options)) *managerHarness {
	t.Helper()
	h := &managerHarness{
		t:          t,
		created:    make(chan *fakeRunner, 16),
		capacityCh: make(chan capacityEvent, 64),
		packetCh:   make(chan packetEvent, 64),
		exitCh:     make(chan exitEvent, 64),
	}
	opts := Options{
		MaxBattles:              10,
		HostingIP:               "203.0.113.7",
		EngineBindIP:            "0.0.0.0",
		EngineStartPort:         20000,
		EngineAutohostStartPort: 22000,
		MaxPortsUsed:            100,
		EngineSettings:          map[string]string{"ServerLogDebug": "1"},
		InstancesDir:            t.TempDir(),
		Engines:                 fakeLocator{},
		Events: Events{
			Packet: func(battleID string, ev packet.Event) {
				h.packetCh <- packetEvent{battleID, ev}
			},
			Exit: func(battleID string, status engine.ExitStatus) {
				h.exitCh <- exitEvent{battleID, status}
			},
			Capacity: func(current, max int) {
				h.capacityCh <- capacityEvent{current, max}
			},
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.m = NewManager(opts)
	h.m.newRunner = func(o engine.Options) runner {
		f := &fakeRunner{opts: o}
		h.created <- f
		return f
	}
	return h
}

func startReq(battleID string) *tachyon.StartRequest {
	return &tachyon.StartRequest{
		BattleID:      battleID,
		EngineVersion: "105.1.1-2590",
		GameName:      "Game v1.0",
		MapName:       "Quicksilver 1.1",
		AllyTeams: []tachyon.AllyTeam{
			{Teams: []tachyon.Team{
				{Players: []tachyon.Player{{UserID: "u1", Name: "Red", Password: "pw1"}}},
			}},
			{Teams: []tachyon.Team{
				{Players: []tachyon.Player{{UserID: "u2", Name: "Blue", Password: "pw2"}}},
			}},
		},
	}
}

func (h *managerHarness) nextRunner() *fakeRunner {
	h.t.Helper()
	select {
	case f := <-h.created:
		return f
	case <-time.After(5 * time.Second):
		h.t.Fatal("no runner created")
		return nil
	}
}

func (h *managerHarness) nextCapacity() capacityEvent {
	h.t.Helper()
	select {
	case ev := <-h.capacityCh:
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("no capacity event")
		return capacityEvent{}
	}
}

func (h *managerHarness) nextExit() exitEvent {
	h.t.Helper()
	select {
	case ev := <-h.exitCh:
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("no exit event")
		return exitEvent{}
	}
}

type startResult struct {
	data *tachyon.StartResponseData
	err  error
}

func (h *managerHarness) startAsync(battleID string) chan startResult {
	resCh := make(chan startResult, 1)
	go func() {
		data, err := h.m.Start(context.Background(), startReq(battleID))
		resCh <- startResult{data, err}
	}()
	return resCh
}

func (h *managerHarness) awaitStart(resCh chan startResult) startResult {
	h.t.Helper()
	select {
	case res := <-resCh:
		return res
	case <-time.After(5 * time.Second):
		h.t.Fatal("Start did not return")
		return startResult{}
	}
}

// startBattle drives a full successful start and returns the fake
// runner plus the response.
func (h *managerHarness) startBattle(battleID string) (*fakeRunner, *tachyon.StartResponseData) {
	h.t.Helper()
	resCh := h.startAsync(battleID)
	f := h.nextRunner()
	f.opts.Events.Start()
	res := h.awaitStart(resCh)
	require.NoError(h.t, res.err)
	require.NotNil(h.t, res.data)
	return f, res.data
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var terr *tachyon.Error
	require.ErrorAs(t, err, &terr)
	return terr.Reason
}

func TestManagerStartSuccess(t *testing.T) {
	h := newManagerHarness(t, nil)

	resCh := h.startAsync("b-1")
	f := h.nextRunner()

	assert.Equal(t, "b-1", f.opts.BattleID)
	assert.Equal(t, "/opt/engines/105.1.1-2590/spring-dedicated", f.opts.EngineBinary)
	assert.Equal(t, 22001, f.opts.AutohostPort)
	assert.Equal(t, "b-1", filepath.Base(f.opts.InstanceDir))
	assert.Equal(t, map[string]string{"ServerLogDebug": "1"}, f.opts.Settings)

	script := string(f.opts.StartScript)
	assert.Contains(t, script, "hostport = 20001;")
	assert.Contains(t, script, "autohostport = 22001;")
	assert.Contains(t, script, "autohostip = 127.0.0.1;")
	assert.Contains(t, script, "hostip = 0.0.0.0;")

	f.opts.Events.Start()
	res := h.awaitStart(resCh)
	require.NoError(t, res.err)
	assert.Equal(t, []string{"203.0.113.7"}, res.data.IPs)
	assert.Equal(t, 20001, res.data.Port)

	assert.Equal(t, 1, h.m.CurrentBattles())
	assert.Equal(t, capacityEvent{1, 10}, h.nextCapacity())
}

func TestManagerBattleIDsAreBurned(t *testing.T) {
	h := newManagerHarness(t, nil)
	f, _ := h.startBattle("b-1")

	_, err := h.m.Start(context.Background(), startReq("b-1"))
	assert.Equal(t, tachyon.ReasonBattleAlreadyExists, reasonOf(t, err))

	// Still burned after the battle ends.
	f.opts.Events.Exit(engine.ExitStatus{})
	h.nextExit()
	require.Equal(t, 0, h.m.CurrentBattles())

	_, err = h.m.Start(context.Background(), startReq("b-1"))
	assert.Equal(t, tachyon.ReasonBattleAlreadyExists, reasonOf(t, err))
}

func TestManagerMaxBattles(t *testing.T) {
	h := newManagerHarness(t, func(o *Options) { o.MaxBattles = 1 })
	h.startBattle("b-1")

	_, err := h.m.Start(context.Background(), startReq("b-2"))
	assert.Equal(t, tachyon.ReasonMaxBattlesReached, reasonOf(t, err))
}

func TestManagerSetMaxBattles(t *testing.T) {
	h := newManagerHarness(t, nil)
	f, _ := h.startBattle("b-1")
	assert.Equal(t, capacityEvent{1, 10}, h.nextCapacity())

	h.m.SetMaxBattles(0)
	assert.Equal(t, 0, h.m.MaxBattles())
	assert.Equal(t, capacityEvent{1, 0}, h.nextCapacity())

	// No new admissions, the running battle is untouched.
	_, err := h.m.Start(context.Background(), startReq("b-2"))
	assert.Equal(t, tachyon.ReasonMaxBattlesReached, reasonOf(t, err))
	assert.Equal(t, 0, f.closeCount())

	// Raising the limit admits again.
	h.m.SetMaxBattles(5)
	assert.Equal(t, capacityEvent{1, 5}, h.nextCapacity())
	h.startBattle("b-3")
	assert.Equal(t, 2, h.m.CurrentBattles())
}

func TestManagerEngineVersionNotAvailable(t *testing.T) {
	h := newManagerHarness(t, func(o *Options) { o.Engines = fakeLocator{missing: true} })

	_, err := h.m.Start(context.Background(), startReq("b-1"))
	assert.Equal(t, tachyon.ReasonEngineVersionNotAvailable, reasonOf(t, err))
	assert.Equal(t, 0, h.m.CurrentBattles())
}

func TestManagerPortExhaustion(t *testing.T) {
	h := newManagerHarness(t, func(o *Options) { o.MaxPortsUsed = 1 })
	h.startBattle("b-1")

	_, err := h.m.Start(context.Background(), startReq("b-2"))
	require.Equal(t, tachyon.ReasonStartFailed, reasonOf(t, err))
	var terr *tachyon.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "no free ports", terr.Details)
}

func TestManagerPortCursorRotates(t *testing.T) {
	h := newManagerHarness(t, func(o *Options) { o.MaxPortsUsed = 2 })

	f1, res1 := h.startBattle("b-1")
	assert.Equal(t, 20001, res1.Port)

	f1.opts.Events.Exit(engine.ExitStatus{})
	h.nextExit()

	// The freed offset is skipped until the cursor wraps around.
	_, res2 := h.startBattle("b-2")
	assert.Equal(t, 20000, res2.Port)
	_, res3 := h.startBattle("b-3")
	assert.Equal(t, 20001, res3.Port)
}

func TestManagerStartFailsWhenEngineExitsEarly(t *testing.T) {
	h := newManagerHarness(t, nil)

	resCh := h.startAsync("b-1")
	f := h.nextRunner()
	f.opts.Events.Exit(engine.ExitStatus{Crashed: true, Details: "exit status 1"})

	res := h.awaitStart(resCh)
	require.Equal(t, tachyon.ReasonStartFailed, reasonOf(t, res.err))
	assert.ErrorContains(t, res.err, "exit status 1")
	assert.Equal(t, 0, h.m.CurrentBattles())
}

func TestManagerStartTimeout(t *testing.T) {
	h := newManagerHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan startResult, 1)
	go func() {
		data, err := h.m.Start(ctx, startReq("b-1"))
		resCh <- startResult{data, err}
	}()
	f := h.nextRunner()
	cancel()

	res := h.awaitStart(resCh)
	require.Equal(t, tachyon.ReasonStartFailed, reasonOf(t, res.err))
	assert.ErrorContains(t, res.err, "timed out")
	assert.Equal(t, 1, f.closeCount())

	// The battle is gone once the engine exit lands.
	f.opts.Events.Exit(engine.ExitStatus{})
	h.nextExit()
	assert.Equal(t, 0, h.m.CurrentBattles())
}

func TestManagerKill(t *testing.T) {
	h := newManagerHarness(t, nil)
	f, _ := h.startBattle("b-1")

	require.NoError(t, h.m.Kill("b-1"))
	assert.Equal(t, 1, f.closeCount())

	err := h.m.Kill("nope")
	assert.Equal(t, tachyon.ReasonInvalidRequest, reasonOf(t, err))
}

func TestManagerSendPacket(t *testing.T) {
	h := newManagerHarness(t, nil)
	f, _ := h.startBattle("b-1")

	require.NoError(t, h.m.SendPacket("b-1", []byte("hi")))
	f.mu.Lock()
	sent := f.sent
	f.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("hi"), sent[0])

	err := h.m.SendPacket("nope", []byte("hi"))
	assert.Equal(t, tachyon.ReasonInvalidRequest, reasonOf(t, err))
}

func TestManagerGameDurationLimit(t *testing.T) {
	h := newManagerHarness(t, func(o *Options) { o.MaxGameDuration = 30 * time.Millisecond })
	f, _ := h.startBattle("b-1")

	require.Eventually(t, func() bool { return f.closeCount() > 0 },
		2*time.Second, 5*time.Millisecond, "engine not closed after the duration limit")
}

func TestManagerRelaysEngineEvents(t *testing.T) {
	h := newManagerHarness(t, nil)
	f, _ := h.startBattle("b-1")

	f.opts.Events.Packet(packet.ServerMessage{Message: "hello"})
	select {
	case ev := <-h.packetCh:
		assert.Equal(t, "b-1", ev.battleID)
		assert.Equal(t, packet.ServerMessage{Message: "hello"}, ev.ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no packet event")
	}

	f.opts.Events.Exit(engine.ExitStatus{Crashed: true, Details: "signal: segv"})
	ev := h.nextExit()
	assert.Equal(t, "b-1", ev.battleID)
	assert.True(t, ev.status.Crashed)

	// Capacity dropped back to zero before the exit notification.
	drainCapacity := func() capacityEvent {
		var last capacityEvent
		for {
			select {
			case c := <-h.capacityCh:
				last = c
			default:
				return last
			}
		}
	}
	assert.Equal(t, capacityEvent{0, 10}, drainCapacity())
}

func TestManagerWaitIdle(t *testing.T) {
	h := newManagerHarness(t, nil)
	require.NoError(t, h.m.WaitIdle(context.Background()))

	f, _ := h.startBattle("b-1")
	idle := make(chan error, 1)
	go func() { idle <- h.m.WaitIdle(context.Background()) }()

	select {
	case <-idle:
		t.Fatal("WaitIdle returned while a battle was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, f.closeCount())

	f.opts.Events.Exit(engine.ExitStatus{})
	select {
	case err := <-idle:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitIdle did not return")
	}
}

func TestManagerDrain(t *testing.T) {
	h := newManagerHarness(t, nil)
	f1, _ := h.startBattle("b-1")
	f2, _ := h.startBattle("b-2")

	drained := make(chan error, 1)
	go func() { drained <- h.m.Drain(context.Background()) }()

	require.Eventually(t, func() bool {
		return f1.closeCount() > 0 && f2.closeCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-drained:
		t.Fatal("Drain returned before the engines exited")
	case <-time.After(50 * time.Millisecond):
	}

	f1.opts.Events.Exit(engine.ExitStatus{})
	f2.opts.Events.Exit(engine.ExitStatus{})

	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not return")
	}
	assert.Equal(t, 0, h.m.CurrentBattles())
}

func TestManagerDrainTimeout(t *testing.T) {
	h := newManagerHarness(t, nil)
	h.startBattle("b-1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := h.m.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagerStartScriptRenderFailure(t *testing.T) {
	h := newManagerHarness(t, func(o *Options) { o.MaxPortsUsed = 1 })

	req := startReq("b-1")
	req.MapName = "bad;map"
	_, err := h.m.Start(context.Background(), req)
	require.Equal(t, tachyon.ReasonStartFailed, reasonOf(t, err))
	assert.ErrorContains(t, err, "render start script")
	assert.Equal(t, 0, h.m.CurrentBattles())

	// The failed attempt still burned the ID but not the port slot:
	// with a single slot, the next start could not succeed otherwise.
	_, err = h.m.Start(context.Background(), startReq("b-1"))
	assert.Equal(t, tachyon.ReasonBattleAlreadyExists, reasonOf(t, err))
	_, res := h.startBattle("b-2")
	assert.Equal(t, 20000, res.Port)
}
