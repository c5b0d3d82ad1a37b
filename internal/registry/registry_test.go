package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/497672776/zenow/internal/store"
	"github.com/497672776/zenow/internal/supervisor"
	"github.com/497672776/zenow/pkg/types"
)

// fakeDownloader writes the file itself and reports the configured outcome.
type fakeDownloader struct {
	mu      sync.Mutex
	starts  []string
	fail    string
	payload []byte
	dir     string
	task    types.DownloadTask
	// block makes Wait hang until its context ends
	block bool
}

func (f *fakeDownloader) Start(url string, mode types.Mode, filename string) (types.DownloadTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, url)
	path := filepath.Join(f.dir, string(mode), filename)
	f.task = types.DownloadTask{URL: url, Mode: mode, Filename: filename, Path: path, Status: types.DownloadCompleted}
	if f.fail != "" {
		f.task.Status = types.DownloadFailed
		f.task.Error = f.fail
		return f.task, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return f.task, err
	}
	return f.task, os.WriteFile(path, f.payload, 0o644)
}

func (f *fakeDownloader) Wait(ctx context.Context, url string) (types.DownloadTask, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return types.DownloadTask{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task, nil
}

func (f *fakeDownloader) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// fakeLauncher records starts and keeps one state per mode.
type fakeLauncher struct {
	mu     sync.Mutex
	states map[types.Mode]types.ServerState
	starts int
	err    error
	params supervisor.ServerParams
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{states: map[types.Mode]types.ServerState{}}
}

func (f *fakeLauncher) Status(mode types.Mode) (types.ServerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[mode]
	if !ok {
		st = types.ServerState{Mode: mode, Status: types.StatusNotStarted}
	}
	return st, nil
}

func (f *fakeLauncher) Start(ctx context.Context, mode types.Mode, name, path string, sp supervisor.ServerParams, cp supervisor.ClientParams) (types.ServerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.params = sp
	if f.err != nil {
		st := types.ServerState{Mode: mode, Status: types.StatusError, ErrorMessage: f.err.Error()}
		f.states[mode] = st
		return st, f.err
	}
	st := types.ServerState{Mode: mode, Status: types.StatusRunning, IsRunning: true, ModelName: name, ModelPath: path}
	f.states[mode] = st
	return st, nil
}

type fixture struct {
	reg       *Registry
	store     *store.Store
	downloads *fakeDownloader
	servers   *fakeLauncher
	modelsDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(root, "zenow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	modelsDir := filepath.Join(root, "model")
	dl := &fakeDownloader{dir: modelsDir, payload: []byte("GGUF")}
	ln := newFakeLauncher()
	return &fixture{
		reg:       New(st, dl, ln, modelsDir, zerolog.Nop()),
		store:     st,
		downloads: dl,
		servers:   ln,
		modelsDir: modelsDir,
	}
}

func (f *fixture) placeFile(t *testing.T, mode types.Mode, name string) string {
	t.Helper()
	p := filepath.Join(f.modelsDir, string(mode), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("GGUF"), 0o644))
	return p
}

func TestLoadDownloadedArtifactSkipsDownloader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.placeFile(t, types.ModeGeneration, "qwen.gguf")
	a, err := f.reg.AddModel(ctx, "qwen", path, types.ModeGeneration)
	require.NoError(t, err)

	resp, err := f.reg.Load(ctx, "qwen", types.ModeGeneration, "https://example.com/qwen.gguf")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, types.StatusRunning, resp.ServerStatus)
	assert.Equal(t, path, resp.ModelPath)
	assert.Zero(t, f.downloads.startCount())
	assert.Equal(t, 1, f.servers.starts)
	assert.Equal(t, 15360, f.servers.params.ContextSize)

	cur, err := f.reg.Current(ctx, types.ModeGeneration)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, a.ID, cur.ID)

	// same path already running: no second start
	resp, err = f.reg.Load(ctx, "qwen", types.ModeGeneration, "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, f.servers.starts)
}

func TestLoadFindsFileInModeDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.placeFile(t, types.ModeEmbedding, "bge-m3.gguf")

	resp, err := f.reg.Load(ctx, "bge-m3", types.ModeEmbedding, "")
	require.NoError(t, err)
	assert.Equal(t, path, resp.ModelPath)

	a, err := f.store.GetModelByName(ctx, types.ModeEmbedding, "bge-m3")
	require.NoError(t, err)
	assert.True(t, a.IsDownloaded)
	assert.Equal(t, 8192, f.servers.params.ContextSize)
}

func TestLoadDownloadsMissingArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := "https://example.com/files/rr.gguf"

	resp, err := f.reg.Load(ctx, "rr", types.ModeReranking, url)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, f.downloads.startCount())
	assert.Equal(t, filepath.Join(f.modelsDir, "reranking", "rr.gguf"), resp.ModelPath)

	a, err := f.store.GetModelByName(ctx, types.ModeReranking, "rr")
	require.NoError(t, err)
	assert.True(t, a.IsDownloaded)
	assert.Equal(t, url, a.SourceURL)

	cur, err := f.reg.Current(ctx, types.ModeReranking)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, a.ID, cur.ID)
}

func TestLoadDownloadFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.downloads.fail = "GET https://example.com/x.gguf: 404 Not Found"

	resp, err := f.reg.Load(ctx, "x", types.ModeGeneration, "https://example.com/x.gguf")
	require.Error(t, err)
	assert.True(t, IsDownloadFailed(err))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "404")
	assert.Zero(t, f.servers.starts)

	a, err := f.store.GetModelByName(ctx, types.ModeGeneration, "x")
	require.NoError(t, err)
	assert.False(t, a.IsDownloaded)
	cur, err := f.reg.Current(ctx, types.ModeGeneration)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestLoadStartFailureKeepsPreviousCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.placeFile(t, types.ModeGeneration, "first.gguf")
	f.placeFile(t, types.ModeGeneration, "second.gguf")
	_, err := f.reg.Load(ctx, "first", types.ModeGeneration, "")
	require.NoError(t, err)

	f.servers.err = errors.New("exited before ready")
	resp, err := f.reg.Load(ctx, "second", types.ModeGeneration, "")
	require.Error(t, err)
	assert.Equal(t, types.StatusError, resp.ServerStatus)

	cur, err := f.reg.Current(ctx, types.ModeGeneration)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, first, cur.Path)
}

func TestLoadUnknownModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Load(context.Background(), "ghost", types.ModeGeneration, "")
	assert.True(t, IsModelNotFound(err))
	_, err = f.reg.Load(context.Background(), "", types.ModeGeneration, "")
	assert.True(t, IsInvalidInput(err))
}

func TestAddModelAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.placeFile(t, types.ModeGeneration, "a.gguf")

	_, err := f.reg.AddModel(ctx, "a", filepath.Join(t.TempDir(), "missing.gguf"), types.ModeGeneration)
	assert.True(t, IsInvalidInput(err))
	_, err = f.reg.AddModel(ctx, "a", f.placeFile(t, types.ModeGeneration, "a.bin"), types.ModeGeneration)
	assert.True(t, IsInvalidInput(err))

	a, err := f.reg.AddModel(ctx, "", path, types.ModeGeneration)
	require.NoError(t, err)
	assert.Equal(t, "a", a.Name)
	_, err = f.reg.AddModel(ctx, "a", path, types.ModeGeneration)
	assert.True(t, store.IsConflict(err))

	require.NoError(t, f.reg.SetCurrent(ctx, a.ID, types.ModeGeneration))
	list, err := f.reg.List(ctx, types.ModeGeneration)
	require.NoError(t, err)
	require.Len(t, list.Models, 1)
	require.NotNil(t, list.CurrentModel)
	assert.Equal(t, a.ID, list.CurrentModel.ID)

	assert.True(t, IsModelNotFound(f.reg.SetCurrent(ctx, 999, types.ModeGeneration)))
}

func TestScanAndMarkDownloaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placeFile(t, types.ModeGeneration, "one.gguf")
	f.placeFile(t, types.ModeGeneration, "two.gguf")

	n, err := f.reg.Scan(ctx, types.ModeGeneration)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.reg.Scan(ctx, types.ModeGeneration)
	require.NoError(t, err)
	assert.Zero(t, n)

	path := filepath.Join(f.modelsDir, "embedding", "new.gguf")
	require.NoError(t, f.reg.MarkDownloaded(ctx, types.DownloadTask{URL: "https://x/new.gguf", Mode: types.ModeEmbedding, Path: path}))
	a, err := f.store.GetModelByName(ctx, types.ModeEmbedding, "new")
	require.NoError(t, err)
	assert.True(t, a.IsDownloaded)
	assert.Equal(t, "https://x/new.gguf", a.SourceURL)
}

func TestLoadDownloadWaitIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.downloads.block = true
	f.reg.SetDownloadWait(100 * time.Millisecond)

	start := time.Now()
	resp, err := f.reg.Load(ctx, "big", types.ModeGeneration, "https://example.com/big.gguf")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, IsDownloadFailed(err))
	assert.Contains(t, resp.Message, "generation model big")
	assert.Zero(t, f.servers.starts)

	a, err := f.store.GetModelByName(ctx, types.ModeGeneration, "big")
	require.NoError(t, err)
	assert.False(t, a.IsDownloaded)
}

func TestLoadCancelledWhileWaiting(t *testing.T) {
	f := newFixture(t)
	f.downloads.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.reg.Load(ctx, "big", types.ModeGeneration, "https://example.com/big.gguf")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsDownloadFailed(err))
}

func TestMarkDownloadedReusesRowForSamePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.modelsDir, "generation", "qwen-q4.gguf")
	_, err := f.store.EnsureModel(ctx, types.ModelArtifact{Name: "qwen", Path: path, Mode: types.ModeGeneration, SourceURL: "https://x/qwen-q4.gguf"})
	require.NoError(t, err)

	require.NoError(t, f.reg.MarkDownloaded(ctx, types.DownloadTask{URL: "https://x/qwen-q4.gguf", Mode: types.ModeGeneration, Path: path}))

	models, err := f.store.ListModels(ctx, types.ModeGeneration)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "qwen", models[0].Name)
	assert.True(t, models[0].IsDownloaded)
}
