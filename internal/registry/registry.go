// Package registry is the model catalog facade: it resolves model names to
// artifacts on disk, fetches missing ones through the download coordinator
// and hands them to the process supervisor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/497672776/zenow/internal/common/fsutil"
	"github.com/497672776/zenow/internal/store"
	"github.com/497672776/zenow/internal/supervisor"
	"github.com/497672776/zenow/pkg/types"
)

// Catalog is the persistence the registry needs; *store.Store satisfies it.
type Catalog interface {
	AddModel(ctx context.Context, a types.ModelArtifact) (types.ModelArtifact, error)
	EnsureModel(ctx context.Context, a types.ModelArtifact) (types.ModelArtifact, error)
	MarkDownloaded(ctx context.Context, mode types.Mode, name, path, sourceURL string) (types.ModelArtifact, error)
	GetModelByName(ctx context.Context, mode types.Mode, name string) (types.ModelArtifact, error)
	GetModelByPath(ctx context.Context, mode types.Mode, path string) (types.ModelArtifact, error)
	ListModels(ctx context.Context, mode types.Mode) ([]types.ModelArtifact, error)
	SetCurrent(ctx context.Context, mode types.Mode, id int64) error
	Current(ctx context.Context, mode types.Mode) (*types.ModelArtifact, error)
	Params(ctx context.Context, mode types.Mode) (types.ModelParams, error)
}

// Downloader is the part of the download coordinator used by Load.
type Downloader interface {
	Start(url string, mode types.Mode, filename string) (types.DownloadTask, error)
	Wait(ctx context.Context, url string) (types.DownloadTask, error)
}

// Launcher is the part of the supervisor used by Load.
type Launcher interface {
	Status(mode types.Mode) (types.ServerState, error)
	Start(ctx context.Context, mode types.Mode, name, path string, sp supervisor.ServerParams, cp supervisor.ClientParams) (types.ServerState, error)
}

// modelNotFoundError is returned when a name cannot be resolved to a file.
type modelNotFoundError struct {
	name string
	mode types.Mode
	hint string
}

func (e modelNotFoundError) Error() string {
	msg := fmt.Sprintf("%s model %q not found", e.mode, e.name)
	if e.hint != "" {
		msg += ": " + e.hint
	}
	return msg
}

// IsModelNotFound reports whether err indicates an unknown model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e) || errors.Is(err, store.ErrModelNotFound)
}

// invalidInputError signals a rejected request argument (400).
type invalidInputError struct{ msg string }

func (e invalidInputError) Error() string { return e.msg }

// IsInvalidInput reports whether err was caused by bad input.
func IsInvalidInput(err error) bool {
	var e invalidInputError
	return errors.As(err, &e)
}

// downloadFailedError carries the coordinator's failure message.
type downloadFailedError struct{ url, msg string }

func (e downloadFailedError) Error() string { return fmt.Sprintf("download %s failed: %s", e.url, e.msg) }

// IsDownloadFailed reports whether Load failed while fetching the artifact.
func IsDownloadFailed(err error) bool {
	var e downloadFailedError
	return errors.As(err, &e)
}

// DefaultDownloadWait bounds how long Load waits for a download. The
// download itself keeps running when the wait gives up.
const DefaultDownloadWait = 30 * time.Minute

// Registry resolves, fetches and activates models per mode.
type Registry struct {
	catalog      Catalog
	downloads    Downloader
	servers      Launcher
	modelsDir    string
	downloadWait time.Duration
	log          zerolog.Logger
	tracer       trace.Tracer
}

// New wires a Registry. modelsDir holds one sub-directory per mode.
func New(catalog Catalog, downloads Downloader, servers Launcher, modelsDir string, log zerolog.Logger) *Registry {
	return &Registry{
		catalog:      catalog,
		downloads:    downloads,
		servers:      servers,
		modelsDir:    modelsDir,
		downloadWait: DefaultDownloadWait,
		log:          log,
		tracer:       otel.Tracer("github.com/497672776/zenow/internal/registry"),
	}
}

// SetDownloadWait overrides DefaultDownloadWait; d <= 0 restores it.
func (r *Registry) SetDownloadWait(d time.Duration) {
	if d <= 0 {
		d = DefaultDownloadWait
	}
	r.downloadWait = d
}

func (r *Registry) modeDir(mode types.Mode) string { return filepath.Join(r.modelsDir, string(mode)) }

func fileName(name string) string {
	if fsutil.IsGGUF(name) {
		return name
	}
	return name + fsutil.GGUFExt
}

// AddModel registers a GGUF file supplied by path as downloaded.
func (r *Registry) AddModel(ctx context.Context, name, path string, mode types.Mode) (types.ModelArtifact, error) {
	if !fsutil.IsGGUF(path) {
		return types.ModelArtifact{}, invalidInputError{msg: fmt.Sprintf("model file must have a %s suffix: %s", fsutil.GGUFExt, path)}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return types.ModelArtifact{}, invalidInputError{msg: err.Error()}
	}
	if !fsutil.IsRegularFile(abs) {
		return types.ModelArtifact{}, invalidInputError{msg: "model file not found: " + abs}
	}
	if name == "" {
		name = fsutil.ModelName(abs)
	}
	a, err := r.catalog.AddModel(ctx, types.ModelArtifact{Name: name, Path: abs, Mode: mode, IsDownloaded: true})
	if err != nil {
		return a, err
	}
	r.log.Info().Str("mode", string(mode)).Str("model", name).Str("path", abs).Msg("model added")
	return a, nil
}

// List returns the mode's artifacts plus the current one.
func (r *Registry) List(ctx context.Context, mode types.Mode) (types.ModelListResponse, error) {
	models, err := r.catalog.ListModels(ctx, mode)
	if err != nil {
		return types.ModelListResponse{}, err
	}
	cur, err := r.catalog.Current(ctx, mode)
	if err != nil {
		return types.ModelListResponse{}, err
	}
	return types.ModelListResponse{Models: models, CurrentModel: cur}, nil
}

// Current returns the mode's selected artifact or nil.
func (r *Registry) Current(ctx context.Context, mode types.Mode) (*types.ModelArtifact, error) {
	return r.catalog.Current(ctx, mode)
}

// SetCurrent persists id as the mode's selection.
func (r *Registry) SetCurrent(ctx context.Context, id int64, mode types.Mode) error {
	return r.catalog.SetCurrent(ctx, mode, id)
}

// MarkDownloaded is the download coordinator's completion hook. A row that
// already points at the file is updated instead of adding one named after
// the file.
func (r *Registry) MarkDownloaded(ctx context.Context, task types.DownloadTask) error {
	name := fsutil.ModelName(task.Path)
	if known, err := r.catalog.GetModelByPath(ctx, task.Mode, task.Path); err == nil {
		name = known.Name
	} else if !errors.Is(err, store.ErrModelNotFound) {
		return err
	}
	a, err := r.catalog.MarkDownloaded(ctx, task.Mode, name, task.Path, task.URL)
	if err != nil {
		return err
	}
	r.log.Debug().Int64("id", a.ID).Str("path", a.Path).Msg("artifact marked downloaded")
	return nil
}

// Scan registers every GGUF file in the mode's directory that the catalog
// does not know yet. It returns the number of new rows.
func (r *Registry) Scan(ctx context.Context, mode types.Mode) (int, error) {
	found, err := ScanDir(r.modeDir(mode), mode)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, a := range found {
		if _, err := r.catalog.GetModelByName(ctx, mode, a.Name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrModelNotFound) {
			return added, err
		}
		if _, err := r.catalog.EnsureModel(ctx, a); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		r.log.Info().Str("mode", string(mode)).Int("added", added).Msg("models directory scanned")
	}
	return added, nil
}

// Load resolves name for mode, downloads it from downloadURL when needed,
// starts (or keeps) the mode's server on it and, on success only, makes it
// the current model.
func (r *Registry) Load(ctx context.Context, name string, mode types.Mode, downloadURL string) (resp types.LoadModelResponse, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.Load", trace.WithAttributes(
		attribute.String("zenow.mode", string(mode)),
		attribute.String("zenow.model", name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resp = types.LoadModelResponse{ModelName: name, ServerStatus: types.StatusNotStarted}
	fail := func(e error) (types.LoadModelResponse, error) {
		resp.Success = false
		resp.Message = e.Error()
		if st, serr := r.servers.Status(mode); serr == nil {
			resp.ServerStatus = st.Status
		}
		return resp, e
	}
	if name == "" {
		return fail(invalidInputError{msg: "model_name is required"})
	}

	a, err := r.resolve(ctx, name, mode, downloadURL)
	if err != nil {
		return fail(err)
	}
	resp.ModelPath = a.Path

	if !a.IsDownloaded {
		if a, err = r.fetch(ctx, a, downloadURL); err != nil {
			return fail(err)
		}
		resp.ModelPath = a.Path
	}

	st, err := r.servers.Status(mode)
	if err != nil {
		return fail(err)
	}
	if st.Status == types.StatusRunning && st.ModelPath == a.Path {
		span.AddEvent("already running")
		r.log.Info().Str("mode", string(mode)).Str("model", a.Name).Msg("model already loaded")
	} else {
		params, err := r.catalog.Params(ctx, mode)
		if err != nil {
			return fail(err)
		}
		sp, cp := supervisor.SplitParams(params)
		if st, err = r.servers.Start(ctx, mode, a.Name, a.Path, sp, cp); err != nil {
			return fail(err)
		}
	}

	if err := r.catalog.SetCurrent(ctx, mode, a.ID); err != nil {
		return fail(err)
	}
	resp.Success = true
	resp.ServerStatus = st.Status
	resp.Message = fmt.Sprintf("%s model %s loaded", mode, a.Name)
	return resp, nil
}

// resolve finds the artifact in the catalog, then on disk under the mode's
// directory, and finally creates a pending row when a download URL is given.
func (r *Registry) resolve(ctx context.Context, name string, mode types.Mode, downloadURL string) (types.ModelArtifact, error) {
	a, err := r.catalog.GetModelByName(ctx, mode, name)
	switch {
	case err == nil:
		if !a.IsDownloaded && a.Path != "" && fsutil.IsRegularFile(a.Path) {
			return r.catalog.MarkDownloaded(ctx, mode, a.Name, a.Path, a.SourceURL)
		}
		return a, nil
	case !errors.Is(err, store.ErrModelNotFound):
		return a, err
	}

	path := filepath.Join(r.modeDir(mode), fileName(name))
	if fsutil.IsRegularFile(path) {
		return r.catalog.MarkDownloaded(ctx, mode, name, path, "")
	}
	if downloadURL == "" {
		return a, modelNotFoundError{name: name, mode: mode, hint: "not in catalog, not in " + r.modeDir(mode) + " and no download_url given"}
	}
	return r.catalog.EnsureModel(ctx, types.ModelArtifact{Name: name, Path: path, Mode: mode, SourceURL: downloadURL})
}

// fetch downloads a pending artifact and waits for the result. A failure
// leaves is_downloaded untouched.
func (r *Registry) fetch(ctx context.Context, a types.ModelArtifact, downloadURL string) (types.ModelArtifact, error) {
	if downloadURL == "" {
		downloadURL = a.SourceURL
	}
	if downloadURL == "" {
		return a, modelNotFoundError{name: a.Name, mode: a.Mode, hint: "not downloaded and no download_url given"}
	}
	filename := fileName(a.Name)
	if a.Path != "" {
		filename = filepath.Base(a.Path)
	}
	if _, err := r.downloads.Start(downloadURL, a.Mode, filename); err != nil {
		return a, err
	}
	r.log.Info().Str("mode", string(a.Mode)).Str("model", a.Name).Str("url", downloadURL).Dur("max_wait", r.downloadWait).Msg("waiting for download")
	wctx, cancel := context.WithTimeout(ctx, r.downloadWait)
	defer cancel()
	task, err := r.downloads.Wait(wctx, downloadURL)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return a, downloadFailedError{url: downloadURL, msg: fmt.Sprintf("%s model %s not downloaded within %s; the download continues in the background", a.Mode, a.Name, r.downloadWait)}
		}
		return a, err
	}
	if task.Status != types.DownloadCompleted {
		return a, downloadFailedError{url: downloadURL, msg: task.Error}
	}
	return r.catalog.MarkDownloaded(ctx, a.Mode, a.Name, task.Path, downloadURL)
}
