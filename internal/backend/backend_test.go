package backend

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/497672776/zenow/internal/chat"
	"github.com/497672776/zenow/internal/config"
	"github.com/497672776/zenow/pkg/types"
)

var fakeBin string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "fake-llama-*")
	if err != nil {
		panic(err)
	}
	fakeBin = filepath.Join(dir, "fake_llama_server")
	cmd := exec.Command("go", "build", "-o", fakeBin, "../supervisor/testdata/fake_llama_server.go")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		panic("build fake server: " + err.Error() + ": " + string(out))
	}
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, dataDir string) config.Config {
	t.Helper()
	cfg, err := config.ApplyDefaults(config.Config{
		DataDir:           dataDir,
		LlamaBin:          fakeBin,
		GenerationPort:    freePort(t),
		EmbeddingPort:     freePort(t),
		RerankingPort:     freePort(t),
		StartupTimeoutSec: 5,
		ProbeIntervalMs:   50,
		StopGraceSec:      1,
	})
	require.NoError(t, err)
	return cfg
}

func newBackend(t *testing.T, cfg config.Config) *Backend {
	t.Helper()
	b, err := New(context.Background(), cfg, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func writeModel(t *testing.T, cfg config.Config, mode types.Mode, name string) string {
	t.Helper()
	p := filepath.Join(cfg.ModeDir(mode), name+".gguf")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("GGUF"), 0o644))
	return p
}

func TestLoadChatAndPersist(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, t.TempDir())
	writeModel(t, cfg, types.ModeGeneration, "tiny")
	b := newBackend(t, cfg)
	require.NoError(t, b.Start(ctx))

	list, err := b.ListModels(ctx, types.ModeGeneration)
	require.NoError(t, err)
	require.Len(t, list.Models, 1)
	assert.Nil(t, list.CurrentModel)
	assert.False(t, b.Ready())

	resp, err := b.LoadModel(ctx, types.LoadModelRequest{ModelName: "tiny", Mode: "llm"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, types.StatusRunning, resp.ServerStatus)
	assert.True(t, b.Ready())

	cur, err := b.CurrentModel(ctx, types.ModeGeneration)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "tiny", cur.Name)

	ss, err := b.CreateSession(ctx, types.CreateSessionRequest{FirstMessage: "what is the weather today"})
	require.NoError(t, err)
	assert.Equal(t, "what is the ...", ss.Name)

	var got []string
	res, err := b.Chat(ctx, chat.TurnRequest{SessionID: ss.ID, Content: "hi"}, chat.SinkFunc(func(s string) error {
		got = append(got, s)
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "Hello from fake", res.Content)
	assert.Equal(t, []string{"Hello", " from", " fake"}, got)

	msgs, err := b.Messages(ctx, ss.ID)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, chat.EstimateTokens("hi")+chat.EstimateTokens("Hello from fake"), msgs.TotalTokens)

	require.NoError(t, b.ClearMessages(ctx, ss.ID))
	msgs, err = b.Messages(ctx, ss.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs.Messages)
	assert.Zero(t, msgs.TotalTokens)
}

func TestUpdateParamsRestartsOnlyForServerParams(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, t.TempDir())
	writeModel(t, cfg, types.ModeGeneration, "tiny")
	b := newBackend(t, cfg)
	require.NoError(t, b.Start(ctx))
	_, err := b.LoadModel(ctx, types.LoadModelRequest{ModelName: "tiny"})
	require.NoError(t, err)
	before, err := b.ServerStatus(types.ModeGeneration)
	require.NoError(t, err)

	temp := 0.2
	resp, err := b.UpdateParams(ctx, types.ModeGeneration, types.ParamsUpdate{Temperature: &temp})
	require.NoError(t, err)
	assert.False(t, resp.RequiresRestart)
	assert.False(t, resp.Restarted)
	assert.Equal(t, 0.2, resp.Params.Temperature)
	same, err := b.ServerStatus(types.ModeGeneration)
	require.NoError(t, err)
	assert.Equal(t, before.PID, same.PID)

	ctxSize := 4096
	resp, err = b.UpdateParams(ctx, types.ModeGeneration, types.ParamsUpdate{ContextSize: &ctxSize})
	require.NoError(t, err)
	assert.True(t, resp.RequiresRestart)
	assert.True(t, resp.Restarted)
	after, err := b.ServerStatus(types.ModeGeneration)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, after.Status)
	assert.NotEqual(t, before.PID, after.PID)

	p, err := b.Params(ctx, types.ModeGeneration)
	require.NoError(t, err)
	assert.Equal(t, 4096, p.ContextSize)
	assert.Equal(t, 0.2, p.Temperature)
}

func TestValidationErrors(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, testConfig(t, t.TempDir()))

	_, err := b.UpdateParams(ctx, types.ModeGeneration, types.ParamsUpdate{})
	assert.True(t, IsInvalid(err))

	hot := 5.0
	_, err = b.UpdateParams(ctx, types.ModeGeneration, types.ParamsUpdate{Temperature: &hot})
	require.True(t, IsInvalid(err))
	assert.Contains(t, err.Error(), "temperature")

	_, err = b.AddModel(ctx, types.AddModelRequest{Name: "x", Path: "/tmp/x.gguf", Mode: "bogus"})
	assert.True(t, IsInvalid(err))

	_, err = b.StartDownload(types.DownloadRequest{URL: "not a url"})
	assert.True(t, IsInvalid(err))

	_, err = b.CreateSession(ctx, types.CreateSessionRequest{FirstMessage: "  "})
	assert.True(t, IsInvalid(err))

	_, err = b.AddMessage(ctx, 1, types.AddMessageRequest{Role: "robot", Content: "x"})
	assert.True(t, IsInvalid(err))
}

func TestAutostartCurrentModel(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	cfg := testConfig(t, dataDir)
	writeModel(t, cfg, types.ModeGeneration, "tiny")
	first := newBackend(t, cfg)
	require.NoError(t, first.Start(ctx))
	_, err := first.LoadModel(ctx, types.LoadModelRequest{ModelName: "tiny"})
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))
	require.NoError(t, first.Shutdown(ctx))

	second := newBackend(t, testConfig(t, dataDir))
	require.NoError(t, second.Start(ctx))
	st, err := second.ServerStatus(types.ModeGeneration)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, st.Status)
	assert.Equal(t, "tiny", st.ModelName)

	emb, err := second.ServerStatus(types.ModeEmbedding)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNotStarted, emb.Status)
}

func TestLoadDownloadsMissingModel(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(strings.Repeat("G", 1024)))
	}))
	defer src.Close()

	cfg := testConfig(t, t.TempDir())
	b := newBackend(t, cfg)
	require.NoError(t, b.Start(ctx))

	url := src.URL + "/remote.gguf"
	resp, err := b.LoadModel(ctx, types.LoadModelRequest{ModelName: "remote", DownloadURL: url})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, filepath.Join(cfg.ModeDir(types.ModeGeneration), "remote.gguf"), resp.ModelPath)
	assert.EqualValues(t, 1, hits.Load())

	task, err := b.DownloadStatus(url)
	require.NoError(t, err)
	assert.Equal(t, types.DownloadCompleted, task.Status)
	assert.Len(t, b.Downloads(), 1)

	// already downloaded: no second fetch
	_, err = b.LoadModel(ctx, types.LoadModelRequest{ModelName: "remote", DownloadURL: url})
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	list, err := b.ListModels(ctx, types.ModeGeneration)
	require.NoError(t, err)
	require.Len(t, list.Models, 1)
	assert.True(t, list.Models[0].IsDownloaded)
	assert.Equal(t, url, list.Models[0].SourceURL)
}
