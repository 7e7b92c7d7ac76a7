package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/njoerd114/yadiskd/internal/config"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run executes the interactive setup wizard. It walks the user through
// remote connection, cache root, pinned paths, config file creation, and
// optional daemon install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to yadiskd Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard will help you configure and install yadiskd.\n\n")

	cfgPath, err := config.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerDaemonInstall(ctx)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: remote connection.
	fmt.Fprintf(wiz.w, "Step 1/4 — Remote Connection\n")

	baseURL := wiz.prompt.String("Remote base URL", "https://disk.yandex.net/v1/disk")
	authToken := wiz.prompt.Secret("Access token")
	remoteRoot := wiz.prompt.String("Remote sync root", "/")

	fmt.Fprintf(wiz.w, "  Connecting...")
	if err := PingRemote(ctx, baseURL, authToken, remoteRoot); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach remote store: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n\n")

	// Step 2: local cache.
	fmt.Fprintf(wiz.w, "Step 2/4 — Local Cache\n")

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	cacheRoot := wiz.prompt.String("Local sync folder", homeDir+"/YandexDisk")
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return fmt.Errorf("creating cache folder %s: %w", cacheRoot, err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Cache folder ready at %s\n\n", cacheRoot)

	// Step 3: pinned paths.
	fmt.Fprintf(wiz.w, "Step 3/4 — Pinned Paths\n")
	fmt.Fprintf(wiz.w, "  Pinned paths are always downloaded and kept locally; everything\n")
	fmt.Fprintf(wiz.w, "  else stays cloud_only until opened.\n\n")

	pinnedPaths := wiz.buildPinnedPaths()

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4 — Save Configuration\n")

	cfg := &config.Config{
		RemoteBaseURL: baseURL,
		AuthToken:     authToken,
		CacheRoot:     cacheRoot,
		RemoteRoot:    remoteRoot,
		PinnedPaths:   pinnedPaths,
	}
	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)

	return wiz.offerDaemonInstall(ctx)
}

// buildPinnedPaths lets the user enter remote paths to pin, one per line,
// until an empty line ends the list.
func (wiz *Wizard) buildPinnedPaths() []string {
	var pinned []string
	for {
		p := wiz.prompt.String("Pin path (empty to finish)", "")
		if p == "" {
			break
		}
		pinned = append(pinned, p)
		fmt.Fprintf(wiz.w, "  ✓ Pinned %s\n", p)
	}
	fmt.Fprintf(wiz.w, "\n")
	return pinned
}

// offerDaemonInstall asks the user whether to install as a background daemon.
func (wiz *Wizard) offerDaemonInstall(_ context.Context) error {
	if !wiz.prompt.Confirm("Install as background daemon (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: yadiskd daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     yadiskd setup\n\n")
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "  Installing binary to %s...\n", BinaryInstallPath())
	if err := InstallBinary(); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Binary installed\n")

	if err := WritePlist(homeDir); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ LaunchAgent plist written\n")

	if err := CreateLogDir(homeDir); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Log directory created\n")

	if err := LoadDaemon(homeDir); err != nil {
		return fmt.Errorf("loading daemon: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Daemon loaded — running now\n")

	cfgPath, _ := config.DefaultPath()
	fmt.Fprintf(wiz.w, "\nSetup complete! yadiskd is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    %s\n", LogDir(homeDir))
	fmt.Fprintf(wiz.w, "  Status:  yadiskd status\n")
	fmt.Fprintf(wiz.w, "  Remove:  yadiskd uninstall\n\n")

	return nil
}
