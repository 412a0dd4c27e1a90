// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/osa030/physiocue/internal/api/connect"
	"github.com/osa030/physiocue/internal/app/cue"
	"github.com/osa030/physiocue/internal/app/lifecycle"
	"github.com/osa030/physiocue/internal/app/tone"
	"github.com/osa030/physiocue/internal/infra/audio"
	"github.com/osa030/physiocue/internal/infra/catalog"
	"github.com/osa030/physiocue/internal/infra/config"
	"github.com/osa030/physiocue/internal/infra/logger"
	"github.com/osa030/physiocue/internal/infra/platform"
	"github.com/osa030/physiocue/internal/infra/storage"
)

var (
	app        = kingpin.New("physiocue-server", "physiocue session playback server")
	configPath = app.Flag("config", "Path to config file").Default("config/config.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// check command
	checkCmd = app.Command("check", "Validate the config, catalog and cue table and exit")
)

func init() {
	app.Command("start", "Start the server (default)").Default()
}

// store is what the server needs from a persistence backend.
type store interface {
	lifecycle.Store
	apiconnect.History
	Close() error
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Config is needed for log rotation settings; log to stdout until it loads.
	logCloser := logger.Init(logger.Config{Output: "stdout", Level: level()})
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}
	if *logfile != "" {
		logCloser = logger.Init(logger.Config{
			Output:     *logfile,
			Level:      level(),
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
	}
	defer logCloser.Close()
	zlog.Info().Msgf("Loaded config from %s", *configPath)

	if command == checkCmd.FullCommand() {
		if err := check(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		return
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func level() string {
	if *verbose {
		return "debug"
	}
	return "info"
}

// check validates everything a session start would read.
func check(cfg *config.Config) error {
	if _, err := cue.ParseTable(cfg.Cues.Tones); err != nil {
		return errors.Wrap(err, "cue table")
	}
	templates, err := catalog.NewFile(cfg.Catalog.Path).List(context.Background())
	if err != nil {
		return errors.Wrap(err, "catalog")
	}
	for _, t := range templates {
		fmt.Printf("  %-20s %-30s %d exercises\n", t.ID, t.Name, t.ExerciseCount)
	}
	return nil
}

// run executes the main server logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	if err := check(cfg); err != nil {
		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	out, closeAudio := openAudio(cfg.Audio)
	defer closeAudio()

	plat, closePlatform := openPlatform(cfg.Platform)
	defer closePlatform()

	templates := catalog.NewFile(cfg.Catalog.Path)
	ctrl := lifecycle.New(lifecycle.Config{
		TickInterval:        cfg.Playback.TickInterval(),
		CheckpointInterval:  cfg.Playback.CheckpointInterval(),
		RestartThreshold:    cfg.Playback.RestartThreshold(),
		AutoPauseOnHidden:   cfg.Playback.AutoPauseOnHidden,
		AutoResumeOnVisible: cfg.Playback.AutoResumeOnVisible,
	}, lifecycle.Deps{
		Catalog:  templates,
		Settings: config.NewSettingsProvider(*configPath),
		Store:    st,
		Platform: plat,
		Player:   tone.New(out),
	})

	if open, err := ctrl.ListResumable(ctx); err == nil && len(open) > 0 {
		zlog.Info().Msgf("Found %d unfinished session(s); the newest is %s", len(open), open[0].SessionID)
	}

	path, handler := apiconnect.NewHandler(
		apiconnect.NewControlService(ctrl, templates, st),
		connect.WithInterceptors(apiconnect.NewTokenInterceptor(cfg.Server.Token)),
	)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	// Create server with h2c (HTTP/2 cleartext) support
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := ctrl.RefreshSettings(ctx); err != nil {
					zlog.Warn().Err(err).Msg("Settings not refreshed")
				} else {
					zlog.Info().Msg("Settings refreshed")
				}
				continue
			}
			zlog.Info().Msg("Received shutdown signal...")
			break loop
		case err := <-serverErrCh:
			runErr = errors.Wrap(err, "server error")
			break loop
		}
	}

	// Pause and checkpoint the active session so it can be resumed.
	ctrl.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")
	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")
	return runErr
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store, error) {
	if cfg.Driver == "memory" {
		zlog.Warn().Msg("Using in-memory storage; sessions cannot be resumed after restart")
		return storage.NewMemory(), nil
	}
	db, err := storage.OpenSQLite(ctx, cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open storage")
	}
	return db, nil
}

// openAudio returns a nil output when audio is disabled or the device cannot
// be opened; cues then report audio as unavailable.
func openAudio(cfg config.AudioConfig) (tone.Output, func()) {
	if !cfg.Enabled {
		zlog.Info().Msg("Audio disabled")
		return nil, func() {}
	}
	spk, err := audio.OpenSpeaker(cfg.SampleRate, cfg.BufferSize())
	if err != nil {
		zlog.Warn().Err(err).Msg("Audio unavailable, continuing without sound")
		return nil, func() {}
	}
	return spk, spk.Close
}

func openPlatform(cfg config.PlatformConfig) (lifecycle.Platform, func()) {
	if cfg.WakeLock != "dbus" {
		return platform.Noop{}, func() {}
	}
	d, err := platform.NewDBus()
	if err != nil {
		zlog.Warn().Err(err).Msg("D-Bus unavailable, wake lock disabled")
		return platform.Noop{}, func() {}
	}
	return d, closeQuietly(d, "platform")
}

func closeQuietly(c io.Closer, name string) func() {
	return func() {
		if err := c.Close(); err != nil {
			zlog.Warn().Err(err).Msgf("Failed to close %s", name)
		}
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
