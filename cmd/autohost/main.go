package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/beyond-all-reason/recoil-autohost/internal/autohost"
	"github.com/beyond-all-reason/recoil-autohost/internal/config"
	"github.com/beyond-all-reason/recoil-autohost/internal/engine"
	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
	"github.com/beyond-all-reason/recoil-autohost/internal/engines"
	"github.com/beyond-all-reason/recoil-autohost/internal/games"
	"github.com/beyond-all-reason/recoil-autohost/internal/lobby"
)

const (
	defaultConfigPath = "config.yaml"
	configPathEnv     = "AUTOHOST_CONFIG"

	enginesDir   = "engines"
	instancesDir = "instances"

	// drainTimeout must outlast the engine kill escalation, so a
	// stubborn engine is SIGKILLed before the drain gives up.
	drainTimeout = 30 * time.Second
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := defaultConfigPath
	if p := os.Getenv(configPathEnv); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	slog.Info("recoil autohost starting",
		"tachyonServer", cfg.TachyonServer,
		"hostingIP", cfg.HostingIP,
		"maxBattles", cfg.MaxBattles)

	// The adapter and the manager call each other, so the event
	// closures capture the adapter variable before it is assigned.
	// Nothing fires until both exist.
	var adapter *autohost.Adapter

	registry := engines.NewRegistry(enginesDir, func(versions []string) {
		adapter.HandleEngineVersions(versions)
	})
	installer := engines.NewInstaller(engines.InstallerOptions{
		Dir:                 enginesDir,
		CdnBaseURL:          cfg.EngineCdnBaseURL,
		InstallTimeout:      cfg.EngineInstallTimeout(),
		DownloadMaxAttempts: cfg.EngineDownloadMaxAttempts,
		DownloadRetryBase:   cfg.EngineDownloadRetryBackoffBase(),
	})
	manager := games.NewManager(games.Options{
		MaxBattles:              cfg.MaxBattles,
		MaxGameDuration:         cfg.MaxGameDuration(),
		HostingIP:               cfg.HostingIP,
		EngineBindIP:            cfg.EngineBindIP,
		EngineStartPort:         cfg.EngineStartPort,
		EngineAutohostStartPort: cfg.EngineAutohostStartPort,
		MaxPortsUsed:            cfg.MaxPortsUsed,
		EngineSettings:          cfg.EngineSettings,
		InstancesDir:            instancesDir,
		Engines:                 registry,
		Events: games.Events{
			Packet: func(battleID string, ev packet.Event) {
				adapter.HandleEnginePacket(battleID, ev)
			},
			Error: func(battleID string, err error) {
				adapter.HandleEngineError(battleID, err)
			},
			Exit: func(battleID string, status engine.ExitStatus) {
				adapter.HandleEngineExit(battleID, status)
			},
			Capacity: func(current, max int) {
				adapter.HandleCapacityChange(current, max)
			},
		},
	})
	adapter = autohost.New(manager, installer, registry, cfg.MaxUpdatesSubscriptionAge())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := registry.Run(gctx); err != nil {
			return fmt.Errorf("engines registry: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return runLobby(gctx, cfg, adapter)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigCh:
			slog.Info("draining battles", "signal", sig)
		}
		// First signal stops admissions and lets running battles
		// play out; a second one forces the engines down.
		manager.SetMaxBattles(0)
		idle := make(chan struct{})
		go func() {
			defer close(idle)
			_ = manager.WaitIdle(gctx)
		}()
		select {
		case <-idle:
		case sig := <-sigCh:
			slog.Warn("closing all battles", "signal", sig)
			manager.CloseAll()
			<-idle
		}
		cancel()
		return nil
	})

	err = g.Wait()

	// Battles outlive the lobby link; give the engines a chance to go
	// down in order before the process exits.
	drainCtx, dcancel := context.WithTimeout(context.Background(), drainTimeout)
	defer dcancel()
	slog.Info("closing battles")
	if derr := manager.Drain(drainCtx); derr != nil {
		slog.Warn("not all engines exited in time", "err", derr)
	}
	return err
}

// runLobby keeps one lobby session alive, reconnecting with exponential
// backoff. The delay resets once a session is established.
func runLobby(ctx context.Context, cfg config.Config, adapter *autohost.Adapter) error {
	server := cfg.TachyonServer
	if cfg.TachyonServerPort != nil {
		server = net.JoinHostPort(cfg.TachyonServer, strconv.Itoa(*cfg.TachyonServerPort))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = cfg.MaxReconnectDelay()
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		client := lobby.NewClient(lobby.Options{
			Server:       server,
			Secure:       cfg.SecureConnection(),
			ClientID:     cfg.AuthClientID,
			ClientSecret: cfg.AuthClientSecret,
			OnConnect: func() {
				bo.Reset()
				adapter.HandleConnect()
			},
			OnMessage: adapter.HandleMessage,
		})
		adapter.SetSender(client)
		err := client.Run(ctx)
		adapter.SetSender(nil)
		adapter.HandleDisconnect()

		if ctx.Err() != nil {
			return nil
		}
		delay := bo.NextBackOff()
		slog.Warn("lobby session ended, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}
