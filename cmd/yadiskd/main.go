// yadiskd is a two-way sync daemon that keeps a local cache directory in
// sync with a remote object store, downloading on demand and uploading
// local edits, with conflict detection and resolution for edits made on
// both sides.
//
// Usage:
//
//	yadiskd setup                     # interactive first-run wizard
//	yadiskd daemon [--config <path>]  # run continuously
//	yadiskd sync-once [--config ...]  # single reconcile pass then exit
//	yadiskd status                    # show daemon & config state
//	yadiskd uninstall [--purge]       # stop daemon and remove files
//	yadiskd version                   # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/yadiskd/internal/config"
	"github.com/njoerd114/yadiskd/internal/engine"
	"github.com/njoerd114/yadiskd/internal/index"
	"github.com/njoerd114/yadiskd/internal/notifier"
	"github.com/njoerd114/yadiskd/internal/queue"
	"github.com/njoerd114/yadiskd/internal/reconciler"
	"github.com/njoerd114/yadiskd/internal/remote"
	"github.com/njoerd114/yadiskd/internal/setup"
	"github.com/njoerd114/yadiskd/internal/telemetry"
	"github.com/njoerd114/yadiskd/internal/transfer"
	"github.com/njoerd114/yadiskd/internal/watcher"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "uninstall":
		return runUninstall(os.Args[2:])
	case "version":
		fmt.Println("yadiskd", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'yadiskd' for usage", cmd)
	}
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "yadiskd — two-way cloud storage sync daemon")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  yadiskd setup                  Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  yadiskd daemon [--config ...]   Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  yadiskd sync-once [--config ..] Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  yadiskd status                  Show daemon & config state")
	fmt.Fprintln(os.Stderr, "  yadiskd uninstall [--purge]     Stop daemon and remove files")
	fmt.Fprintln(os.Stderr, "  yadiskd version                 Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'yadiskd setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx)
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	homeDir, _ := os.UserHomeDir()
	dbPath, _ := index.DefaultDBPath()

	fmt.Println("yadiskd Status")
	fmt.Println("──────────────")

	if setup.IsDaemonLoaded() {
		fmt.Println("  Daemon:    running (launchd)")
	} else {
		fmt.Println("  Daemon:    not loaded")
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, loadErr := config.Load(cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s ✓\n", cfgPath)
			fmt.Printf("  Remote:    %s (root %s)\n", cfg.RemoteBaseURL, cfg.RemoteRoot)
			fmt.Printf("  Cache:     %s\n", cfg.CacheRoot)
			fmt.Printf("  Pinned:    %d path(s)\n", len(cfg.PinnedPaths))
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  Index DB:  %s (%s)\n", dbPath, humanSize(info.Size()))
	} else {
		fmt.Printf("  Index DB:  not found\n")
	}

	plistPath := setup.PlistPath(homeDir)
	if _, err := os.Stat(plistPath); err == nil {
		fmt.Printf("  Plist:     %s\n", plistPath)
	} else {
		fmt.Printf("  Plist:     not installed\n")
	}

	fmt.Printf("  Logs:      %s\n", setup.LogDir(homeDir))
	return nil
}

func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also remove config, index DB, and logs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling yadiskd...")

	if setup.IsDaemonLoaded() {
		fmt.Println("  Unloading daemon...")
		if err := setup.UnloadDaemon(homeDir); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ Daemon unloaded")
		}
	}

	if err := setup.RemovePlist(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Plist removed")
	}

	fmt.Println("  Removing binary...")
	if err := setup.RemoveBinary(); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Binary removed")
	}

	if *purge {
		fmt.Println("  Purging config, index DB, and logs...")
		if err := setup.PurgeUserData(homeDir); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ User data purged")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and index DB preserved.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    yadiskd uninstall --purge")
	}

	fmt.Println("")
	fmt.Println("✓ yadiskd uninstalled.")
	return nil
}

// --- Sync core (shared by daemon and sync-once) -----------------------------

// startSync wires config, telemetry, the index, the transfer queue, the
// remote client, the local watcher, the reconciler, and the engine, then
// either runs one reconcile pass or runs the engine loop until signaled.
func startSync(cfgPath string, verbose, daemon bool) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"remote_base_url", cfg.RemoteBaseURL,
		"remote_root", cfg.RemoteRoot,
		"cache_root", cfg.CacheRoot,
		"pinned_paths", len(cfg.PinnedPaths),
	)

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return fmt.Errorf("creating cache root %q: %w", cfg.CacheRoot, err)
	}

	dbPath, err := index.DefaultDBPath()
	if err != nil {
		return fmt.Errorf("resolving index DB path: %w", err)
	}
	idx, err := index.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening index DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := idx.Close(); closeErr != nil {
			logger.Error("closing index DB", "error", closeErr)
		}
	}()
	logger.Info("index DB opened", "path", dbPath)

	q := queue.New(idx.DB())

	tokens := remote.NewStaticTokenProvider(cfg.AuthToken)
	remoteClient := remote.NewHTTPClient(cfg.RemoteBaseURL, tokens)
	transferClient := transfer.New(cfg.MaxTransfers)
	rec := reconciler.New(remoteClient, idx, q, logger, cfg.CacheRoot)
	notify := notifier.New(logger)

	engCfg := engine.DefaultConfig()
	engCfg.CacheRoot = cfg.CacheRoot
	engCfg.RemoteRoot = cfg.RemoteRoot
	engCfg.MaxWorkers = cfg.MaxWorkers
	engCfg.MaxTransfers = cfg.MaxTransfers
	engCfg.MaxAttempts = cfg.MaxAttempts
	engCfg.ReconcileEvery = cfg.ReconcileInterval()
	engCfg.CacheSizeBytes = cfg.CacheSizeBytes
	engCfg.DisableWatcher = cfg.DisableLocalWatcher

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// The watcher needs a Suppressor that the engine satisfies, so build the
	// engine first with no watcher, then hand it to the watcher constructor
	// and rebuild; the engine itself is cheap (no goroutines started yet).
	eng := engine.New(engCfg, idx, q, remoteClient, tokens, transferClient, rec, nil, notify, logger)

	var w *watcher.Watcher
	if !cfg.DisableLocalWatcher {
		w, err = watcher.New(cfg.CacheRoot, eng, logger)
		if err != nil {
			return fmt.Errorf("starting local watcher: %w", err)
		}
		eng = engine.New(engCfg, idx, q, remoteClient, tokens, transferClient, rec, w, notify, logger)
	}

	for _, p := range cfg.PinnedPaths {
		if err := idx.SetPinned(ctx, p, true); err != nil {
			logger.Warn("marking pinned path failed", "path", p, "error", err)
		}
	}

	if !daemon {
		logger.Info("running single reconcile pass")
		stats, err := rec.Run(ctx, cfg.RemoteRoot)
		logger.Info("reconcile complete",
			"created", stats.Created,
			"renamed", stats.Renamed,
			"changed", stats.Changed,
			"deleted", stats.Deleted,
			"errors", stats.Errors,
		)
		return err
	}

	logger.Info("daemon starting", "reconcile_interval", engCfg.ReconcileEvery)
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
