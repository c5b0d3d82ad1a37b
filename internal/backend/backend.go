// Package backend is the composition root: it owns the store, the process
// supervisor, the download coordinator, the model registry and the chat
// assembler, and exposes the operations served over HTTP.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/497672776/zenow/internal/chat"
	"github.com/497672776/zenow/internal/common/fsutil"
	"github.com/497672776/zenow/internal/config"
	"github.com/497672776/zenow/internal/download"
	"github.com/497672776/zenow/internal/registry"
	"github.com/497672776/zenow/internal/store"
	"github.com/497672776/zenow/internal/supervisor"
	"github.com/497672776/zenow/pkg/types"
)

// Options carries the injectable collaborators. Zero values select the real
// implementations.
type Options struct {
	Logger     zerolog.Logger
	Publisher  supervisor.EventPublisher
	Upstream   chat.Upstream
	HTTPClient *http.Client
	// Env is appended to the environment of every llama-server child.
	Env []string
}

// Backend wires every component together.
type Backend struct {
	cfg       config.Config
	log       zerolog.Logger
	store     *store.Store
	servers   *supervisor.Supervisor
	downloads *download.Coordinator
	models    *registry.Registry
	chat      *chat.Assembler
	validate  *validator.Validate

	shutdownOnce sync.Once
	shutdownErr  error
}

// New opens the database, creates the per-mode model directories and wires
// the components. cfg must already have defaults applied.
func New(ctx context.Context, cfg config.Config, opts Options) (*Backend, error) {
	log := opts.Logger
	for _, m := range types.Modes {
		if err := fsutil.EnsureDir(cfg.ModeDir(m)); err != nil {
			return nil, fmt.Errorf("models dir: %w", err)
		}
	}
	if err := fsutil.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	st, err := store.Open(ctx, cfg.DBPath(), store.WithLogger(component(log, "store")))
	if err != nil {
		return nil, err
	}
	ports := make(map[types.Mode]int, len(types.Modes))
	for _, m := range types.Modes {
		ports[m] = cfg.Port(m)
	}
	servers := supervisor.New(supervisor.Config{
		LlamaBin:       cfg.LlamaBin,
		Host:           cfg.LlamaHost,
		Ports:          ports,
		ExtraArgs:      cfg.LlamaExtraArg,
		Env:            opts.Env,
		StartupTimeout: cfg.StartupTimeout(),
		ProbeInterval:  cfg.ProbeInterval(),
		MaxProbes:      cfg.MaxProbes,
		StopGrace:      cfg.StopGrace(),
		Logger:         component(log, "supervisor"),
		Publisher:      opts.Publisher,
	})
	downloads := download.New(download.Config{
		ModelsDir: cfg.ModelsDir,
		Client:    opts.HTTPClient,
		Logger:    component(log, "download"),
	})
	models := registry.New(st, downloads, servers, cfg.ModelsDir, component(log, "registry"))
	models.SetDownloadWait(cfg.DownloadWait())
	downloads.SetCompletionHook(models.MarkDownloaded)

	return &Backend{
		cfg:       cfg,
		log:       log,
		store:     st,
		servers:   servers,
		downloads: downloads,
		models:    models,
		chat:      chat.NewAssembler(st, servers, opts.Upstream, component(log, "chat")),
		validate:  newValidator(),
	}, nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Start registers GGUF files found in the models directories and, when
// autostart is enabled, launches the current model of every mode
// concurrently. Launch failures are logged and leave the mode in error.
func (b *Backend) Start(ctx context.Context) error {
	for _, m := range types.Modes {
		if _, err := b.models.Scan(ctx, m); err != nil {
			return fmt.Errorf("scan %s models: %w", m, err)
		}
	}
	if !b.cfg.AutoStartEnabled() {
		return nil
	}
	var g errgroup.Group
	for _, m := range types.Modes {
		cur, err := b.store.Current(ctx, m)
		if err != nil {
			return err
		}
		if cur == nil || !cur.IsDownloaded || !fsutil.IsRegularFile(cur.Path) {
			continue
		}
		a := *cur
		g.Go(func() error {
			params, err := b.store.Params(ctx, a.Mode)
			if err != nil {
				b.log.Error().Err(err).Str("mode", string(a.Mode)).Msg("autostart: reading params")
				return nil
			}
			sp, cp := supervisor.SplitParams(params)
			if _, err := b.servers.Start(ctx, a.Mode, a.Name, a.Path, sp, cp); err != nil {
				b.log.Error().Err(err).Str("mode", string(a.Mode)).Str("model", a.Name).Msg("autostart failed")
				return nil
			}
			b.log.Info().Str("mode", string(a.Mode)).Str("model", a.Name).Msg("autostart complete")
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops every server, cancels downloads and closes the store. Only
// the first call does any work.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		var errs []error
		if err := b.servers.ShutdownAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := b.downloads.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := b.store.Close(); err != nil {
			errs = append(errs, err)
		}
		b.shutdownErr = errors.Join(errs...)
		b.log.Info().Msg("backend stopped")
	})
	return b.shutdownErr
}

// Ready reports whether the generation server accepts chat requests.
func (b *Backend) Ready() bool {
	st, err := b.servers.Status(types.ModeGeneration)
	return err == nil && st.Status == types.StatusRunning
}

// invalidError marks a request rejected by validation.
type invalidError struct{ msg string }

func (e invalidError) Error() string   { return e.msg }
func (e invalidError) StatusCode() int { return http.StatusBadRequest }

// IsInvalid reports whether err is a validation failure.
func IsInvalid(err error) bool {
	var e invalidError
	return errors.As(err, &e)
}

func (b *Backend) check(v any) error {
	err := b.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidError{msg: err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Field(), fe.Tag()))
	}
	return invalidError{msg: "invalid request: " + strings.Join(msgs, ", ")}
}
