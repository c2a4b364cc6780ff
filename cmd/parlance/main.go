// Command parlance streams an audio file to a speech-translation service and
// prints recognition, translation and synthesis events as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parlance/internal/config"
	"github.com/MrWong99/parlance/internal/console"
	"github.com/MrWong99/parlance/internal/dispatch"
	"github.com/MrWong99/parlance/internal/health"
	"github.com/MrWong99/parlance/internal/observe"
	"github.com/MrWong99/parlance/internal/recorder"
	"github.com/MrWong99/parlance/internal/session"
	"github.com/MrWong99/parlance/internal/transport"
)

// Exit codes.
const (
	exitOK            = 0
	exitSessionFailed = 1
	exitConfigInvalid = 2
)

// shutdownTimeout bounds Stop and the HTTP server shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	settingsPath := flag.String("settings", "", "path to a legacy config.json with SubscriptionKey and ServiceRegion; replaces -config")
	audioPath := flag.String("audio", "", "audio file to translate; overrides audio.path")
	stopAfterAudio := flag.Bool("stop-after-audio", false, "stop the session once the audio file has been sent instead of waiting for Enter")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, *settingsPath, *audioPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlance: config file not found: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		}
		return exitConfigInvalid
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("parlance starting",
		"config", *configPath,
		"endpoint", cfg.Service.EndpointURL(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.WithServiceRegion(cfg.Service.ServiceRegion))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitSessionFailed
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Hot reload ────────────────────────────────────────────────────────────
	watched, wopts := *configPath, []config.WatcherOption(nil)
	if *settingsPath != "" {
		watched = *settingsPath
		wopts = append(wopts, config.WithDecoder(config.JSONSettingsDecoder(cfg.Audio.Path)))
	}
	watcher, err := config.NewWatcher(watched, func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("configuration changes take effect on the next run", "sections", d.RestartRequired)
		}
	}, wopts...)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	}

	// ── Audio source ──────────────────────────────────────────────────────────
	src, err := config.NewDefaultRegistry().CreateSource(cfg.Audio)
	if err != nil {
		slog.Error("failed to create audio source", "source", cfg.Audio.Source, "err", err)
		return exitConfigInvalid
	}

	// ── Engine and observers ──────────────────────────────────────────────────
	topts := cfg.Service.TransportOptions()
	topts.Metrics = metrics
	eng := session.New(transport.NewClient(topts),
		session.WithMetrics(metrics),
		session.WithDispatcher(dispatch.New(dispatch.WithMetrics(metrics))),
	)
	if _, err := eng.Subscribe(console.NewReporter(os.Stdout, cfg.Translation.SourceLanguage)); err != nil {
		slog.Error("failed to subscribe console reporter", "err", err)
		return exitSessionFailed
	}

	checkers := []health.Checker{health.StateChecker("session", eng.State)}
	if dsn := cfg.Recorder.PostgresDSN; dsn != "" {
		store, err := recorder.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return exitSessionFailed
		}
		defer store.Close()
		if _, err := eng.Subscribe(recorder.NewObserver(store)); err != nil {
			slog.Error("failed to subscribe transcript recorder", "err", err)
			return exitSessionFailed
		}
		checkers = append(checkers, health.Checker{Name: "recorder", Check: store.Ping})
		slog.Info("transcript recorder enabled")
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newHTTPServer(addr, metrics, health.New(checkers...))
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error {
			reloadOnHangup(gctx, watcher)
			return nil
		})
	}

	var sessionErr error
	g.Go(func() error {
		defer cancelRun()
		sessionErr = runSession(gctx, eng, cfg.SessionConfig(), src, sessionIO{
			in:             os.Stdin,
			out:            os.Stdout,
			stopAfterAudio: *stopAfterAudio,
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		if sessionErr == nil {
			return exitSessionFailed
		}
	}
	return exitCode(sessionErr)
}

// loadConfig reads the legacy JSON settings when settingsPath is set and the
// YAML file otherwise.
func loadConfig(configPath, settingsPath, audioPath string) (*config.Config, error) {
	if settingsPath != "" {
		return config.LoadJSONSettings(settingsPath, audioPath)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if audioPath != "" {
		cfg.Audio.Path = audioPath
	}
	return cfg, nil
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch _, err := w.Reload(); {
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: configuration unchanged")
			case err != nil:
				slog.Warn("SIGHUP: keeping previous config", "err", err)
			}
		}
	}
}

// exitCode maps the outcome of a session to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case session.CodeOf(err) == session.CodeConfigInvalid:
		return exitConfigInvalid
	default:
		return exitSessionFailed
	}
}

func newHTTPServer(addr string, m *observe.Metrics, h *health.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	h.Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m, observe.WithQuietRoutes("GET /metrics", "GET /healthz", "GET /readyz"))(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        parlance — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Translation.SourceLanguage)
	printRow("Targets", fmt.Sprint(cfg.Translation.TargetLanguages))
	printRow("Voice", cfg.Translation.VoiceName)
	printRow("Audio", cfg.Audio.Source+" / "+cfg.Audio.Codec)
	printRow("Region", cfg.Service.ServiceRegion)
	if cfg.Recorder.PostgresDSN != "" {
		printRow("Recorder", "postgres")
	} else {
		printRow("Recorder", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// rowWidth is the value column width of the startup summary, in runes.
const rowWidth = 19

func printRow(label, value string) {
	fmt.Print(formatRow(label, value))
}

func formatRow(label, value string) string {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > rowWidth {
		value = string(r[:rowWidth-1]) + "…"
	}
	return fmt.Sprintf("║  %-12s    : %-*s ║\n", label, rowWidth, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sessionIO is the interactive surface of [runSession].
type sessionIO struct {
	in             io.Reader
	out            io.Writer
	stopAfterAudio bool
}
