// Command wscored is the workspace state engine's daemon process: a
// runtime entry point that wires storage -> identity -> queue -> statemgr
// -> broadcast, starts the internal/rpc server, and runs Startup
// reconciliation (spec §4.4). It is a daemon binary, not a CLI (no
// subcommands, no flag-driven user workflows) — it exists only because the
// module must be runnable, matching the teacher's cmd/bd/daemon_server.go
// wiring shape without the issue-tracking CLI surface (out of scope, §1).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/untoldecay/workspace-state-core/internal/broadcast"
	"github.com/untoldecay/workspace-state-core/internal/config"
	"github.com/untoldecay/workspace-state-core/internal/corelog"
	"github.com/untoldecay/workspace-state-core/internal/daemon"
	"github.com/untoldecay/workspace-state-core/internal/dispatch"
	"github.com/untoldecay/workspace-state-core/internal/host"
	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/importexport"
	"github.com/untoldecay/workspace-state-core/internal/queue"
	"github.com/untoldecay/workspace-state-core/internal/rpc"
	"github.com/untoldecay/workspace-state-core/internal/statemgr"
	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/storage/legacybootstrap"
	"github.com/untoldecay/workspace-state-core/internal/storage/sqlite"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// version is overridden at build time (-ldflags "-X main.version=...").
var version = "0.0.0-dev"

func main() {
	os.Exit(run())
}

func run() int {
	stateDir := stateDirectory()
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		slog.Error("create state directory", "error", err)
		return 1
	}

	cfg, err := config.Load(stateDir)
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	logger := corelog.New(corelog.Options{FilePath: filepath.Join(stateDir, "wscored.log")})
	logger.Info("starting wscored", "version", version, "state_dir", stateDir)

	lock, ok, err := daemon.TryAcquireInstanceLock(stateDir)
	if err != nil {
		logger.Error("acquire instance lock", "error", err)
		return 1
	}
	if !ok {
		logger.Error("another wscored instance already owns this state directory", "state_dir", stateDir)
		return 1
	}
	defer lock.Release()

	store, err := sqlite.Open(filepath.Join(stateDir, "wscore.db"))
	if err != nil {
		logger.Error("open storage", "error", err)
		return 1
	}
	defer store.Close()

	var legacy *storage.LegacyDocument
	legacyPath := os.Getenv("WSCORE_LEGACY_STORE_PATH")
	if legacyPath != "" {
		legacy, err = legacybootstrap.Read(legacyPath)
		if err != nil {
			logger.Warn("legacy bootstrap read failed, continuing with empty model", "error", err)
		}
	}

	registry := identity.New()
	bus := broadcast.New(16)
	hostCmds := host.NewNullCommands(1)

	mgr := statemgr.New(statemgr.Deps{
		Store:        store,
		Registry:     registry,
		Bus:          bus,
		HostCommands: hostCmds,
		Logger:       logger,
		QueueConfig: queue.Config{
			DebounceTime: cfg.QueueDebounceTime,
			MaxQueueSize: cfg.QueueMaxSize,
			Validate:     cfg.QueueValidate,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Load(ctx, legacy); err != nil {
		logger.Error("load state", "error", err)
		return 1
	}

	// Startup reconciliation (spec §4.4): with no real host integration
	// wired in, there are no live windows to enumerate; a real integration
	// would call daemon.ReconcileStartupWindows before this HandleHostEvent.
	if err := mgr.HandleHostEvent(ctx, host.Startup{}); err != nil {
		logger.Warn("startup reconciliation", "error", err)
	}

	engine := importexport.New(mgr)
	disp := dispatch.New(mgr, engine, hostCmds)

	if watcher, err := dispatch.NewWatcher(disp, logger); err != nil {
		logger.Warn("start persistence watcher", "error", err)
	} else {
		if err := watcher.Watch(stateDir); err != nil {
			logger.Warn("watch state directory", "error", err)
		}
		if legacyPath != "" {
			if err := watcher.Watch(legacyPath); err != nil {
				logger.Warn("watch legacy store path", "error", err)
			}
		}
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = rpc.SocketPath(stateDir)
	}
	if err := rpc.EnsureSocketDir(socketPath); err != nil {
		logger.Error("ensure socket directory", "error", err)
		return 1
	}

	server := rpc.NewServer(rpc.Config{
		SocketPath:     socketPath,
		MaxConns:       cfg.MaxConns,
		RequestTimeout: cfg.RequestTimeout,
	}, disp, bus, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(); err != nil {
			serverErr <- err
		}
	}()

	reg, err := daemon.NewRegistry()
	if err != nil {
		logger.Warn("open daemon registry", "error", err)
	} else {
		snap := mgr.GetState()
		entry := daemon.RegistryEntry{
			WorkspacePath: stateDir,
			SocketPath:    socketPath,
			DatabasePath:  store.Path(),
			PID:           os.Getpid(),
			Version:       version,
			StartedAt:     time.Now(),
			PermanentIDs:  permanentIDs(snap),
		}
		if err := reg.Register(entry); err != nil {
			logger.Warn("register with daemon registry", "error", err)
		} else if collisions, err := reg.DetectIdentityCollisions(); err != nil {
			logger.Warn("check registry for identity collisions", "error", err)
		} else if len(collisions) > 0 {
			logger.Error("permanent_id claimed by more than one registered instance", "permanent_ids", collisions)
		}
		defer reg.Unregister(stateDir, os.Getpid())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-serverErr:
		logger.Error("rpc server failed", "error", err)
		cancel()
		return 1
	}

	cancel()
	if err := server.Shutdown(); err != nil {
		logger.Warn("shutdown rpc server", "error", err)
	}
	return 0
}

// permanentIDs extracts every permanent_id in snap, active and closed alike,
// for the daemon registry's cross-instance identity-collision check.
func permanentIDs(snap types.Snapshot) []string {
	ids := make([]string, 0, len(snap.Active)+len(snap.Closed))
	for _, w := range snap.Active {
		ids = append(ids, w.PermanentID)
	}
	for _, w := range snap.Closed {
		ids = append(ids, w.PermanentID)
	}
	return ids
}

// stateDirectory resolves the daemon's state directory: WSCORE_STATE_DIR if
// set, otherwise ~/.wscore.
func stateDirectory() string {
	if dir := os.Getenv("WSCORE_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wscore"
	}
	return filepath.Join(home, ".wscore")
}
