package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/497672776/zenow/internal/backend"
	"github.com/497672776/zenow/internal/config"
	"github.com/497672776/zenow/internal/httpapi"
)

type flags struct {
	configPath  string
	addr        string
	dataDir     string
	modelsDir   string
	llamaBin    string
	logLevel    string
	logFormat   string
	httpLog     string
	corsOrigins string
	noAutostart bool
	chatTimeout int64
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	// a missing .env is fine
	_ = godotenv.Load()

	var f flags
	root := &cobra.Command{
		Use:           "zenowd",
		Short:         "Local inference backend supervising llama-server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cfg, f)
		},
	}
	fl := root.Flags()
	fl.StringVar(&f.configPath, "config", os.Getenv("ZENOWD_CONFIG"), "Config file (.yaml, .json or .toml)")
	fl.StringVar(&f.addr, "addr", os.Getenv("ZENOWD_ADDR"), "HTTP listen address (default 127.0.0.1:8050)")
	fl.StringVar(&f.dataDir, "data-dir", os.Getenv("ZENOWD_DATA_DIR"), "Data directory holding the database (default ~/.cache/zenow)")
	fl.StringVar(&f.modelsDir, "models-dir", os.Getenv("ZENOWD_MODELS_DIR"), "Models root with one sub-directory per mode")
	fl.StringVar(&f.llamaBin, "llama-bin", os.Getenv("ZENOWD_LLAMA_BIN"), "llama-server executable")
	fl.StringVar(&f.logLevel, "log-level", os.Getenv("ZENOWD_LOG_LEVEL"), "Log level: debug|info|warn|error")
	fl.StringVar(&f.logFormat, "log-format", os.Getenv("ZENOWD_LOG_FORMAT"), "Log format: console|json")
	fl.StringVar(&f.httpLog, "http-log", envOr("ZENOWD_HTTP_LOG", "info"), "Default per-request log level: off|error|info|debug")
	fl.StringVar(&f.corsOrigins, "cors-origins", os.Getenv("ZENOWD_CORS_ORIGINS"), "Comma separated allowed CORS origins")
	fl.BoolVar(&f.noAutostart, "no-autostart", false, "Do not start the current models at boot")
	fl.Int64Var(&f.chatTimeout, "chat-timeout-sec", 0, "Upper bound for one chat turn in seconds (0 disables)")
	return root
}

// resolveConfig layers defaults, the config file and explicit flags.
func resolveConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	set := func(name, v string, dst *string) {
		if v != "" && (cmd.Flags().Changed(name) || *dst == "") {
			*dst = v
		}
	}
	set("addr", f.addr, &cfg.Addr)
	set("data-dir", f.dataDir, &cfg.DataDir)
	set("models-dir", f.modelsDir, &cfg.ModelsDir)
	set("llama-bin", f.llamaBin, &cfg.LlamaBin)
	set("log-level", f.logLevel, &cfg.LogLevel)
	set("log-format", f.logFormat, &cfg.LogFormat)
	if origins := splitCSV(f.corsOrigins); len(origins) > 0 {
		cfg.CORSOrigins = origins
	}
	if f.noAutostart {
		off := false
		cfg.AutoStart = &off
	}
	return config.ApplyDefaults(cfg)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if format == "json" {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l.Level(lvl).With().Timestamp().Logger()
}

func serve(cfg config.Config, f flags) error {
	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.New(ctx, cfg, backend.Options{Logger: log})
	if err != nil {
		return err
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetChatTimeoutSeconds(f.chatTimeout)
	httpapi.SetDefaultLogLevel(f.httpLog)
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins,
		[]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		[]string{"Accept", "Content-Type", "X-Log-Level", "X-Request-Id"})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(b),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_dir", cfg.DataDir).Str("models_dir", cfg.ModelsDir).Msg("zenowd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		if err := b.Start(ctx); err != nil {
			log.Error().Err(err).Msg("startup")
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errc:
		log.Error().Err(serveErr).Msg("server error")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
	bctx, bcancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer bcancel()
	if err := b.Shutdown(bctx); err != nil {
		log.Error().Err(err).Msg("backend shutdown")
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
