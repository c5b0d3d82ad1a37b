// Package download fetches model artifacts in the background and tracks their
// progress. At most one task exists per URL; a second request for a URL that
// is still downloading returns the running task.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/497672776/zenow/internal/common/fsutil"
	"github.com/497672776/zenow/pkg/types"
)

var (
	ErrNotFound = errors.New("download not found")
	ErrClosed   = errors.New("download coordinator closed")
)

// IsNotFound reports whether err refers to an unknown URL.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// invalidRequestError signals a malformed URL or filename (400).
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return e.msg }

// IsInvalidRequest reports whether err was caused by bad input.
func IsInvalidRequest(err error) bool {
	var e invalidRequestError
	return errors.As(err, &e)
}

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "zenow", Subsystem: "download", Name: "total", Help: "Finished downloads by status"},
		[]string{"status"},
	)
	downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "zenow", Subsystem: "download", Name: "bytes_total", Help: "Bytes received by model downloads"},
	)
	downloadsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "zenow", Subsystem: "download", Name: "inflight", Help: "Downloads in progress"},
	)
)

func init() {
	prometheus.MustRegister(downloadsTotal, downloadBytes, downloadsInflight)
}

// CompletionHook is invoked once a file is known to be complete on disk,
// before the task is reported as completed.
type CompletionHook func(ctx context.Context, task types.DownloadTask) error

// Config configures a Coordinator.
type Config struct {
	ModelsDir  string
	Client     *http.Client
	Logger     zerolog.Logger
	OnComplete CompletionHook
	// ProgressEvery throttles progress log lines per task.
	ProgressEvery time.Duration
}

type task struct {
	id       string
	url      string
	filename string
	mode     types.Mode
	path     string

	downloaded atomic.Int64
	total      atomic.Int64

	mu     sync.Mutex
	status types.DownloadStatus
	err    string

	done     chan struct{}
	progress rate.Sometimes
}

func (t *task) snapshot() types.DownloadTask {
	t.mu.Lock()
	status, msg := t.status, t.err
	t.mu.Unlock()
	out := types.DownloadTask{
		ID:              t.id,
		URL:             t.url,
		Filename:        t.filename,
		Mode:            t.mode,
		Path:            t.path,
		Status:          status,
		BytesDownloaded: t.downloaded.Load(),
		BytesTotal:      t.total.Load(),
		Error:           msg,
	}
	switch {
	case status == types.DownloadCompleted:
		out.Progress = 100
	case out.BytesTotal > 0:
		out.Progress = float64(out.BytesDownloaded) * 100 / float64(out.BytesTotal)
	}
	return out
}

func (t *task) finish(status types.DownloadStatus, err error) {
	t.mu.Lock()
	t.status = status
	if err != nil {
		t.err = err.Error()
	}
	t.mu.Unlock()
	close(t.done)
}

func (t *task) inProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == types.DownloadInProgress
}

// Coordinator owns the download registry.
type Coordinator struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// New returns a Coordinator writing into <ModelsDir>/<mode>/.
func New(cfg Config) *Coordinator {
	cli := cfg.Client
	if cli == nil {
		// no overall timeout: model files are large and fetches are cancelled via context
		cli = &http.Client{}
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{cfg: cfg, log: cfg.Logger, client: cli, ctx: ctx, cancel: cancel, tasks: make(map[string]*task)}
}

// SetCompletionHook installs the hook run after each successful download.
// It must be called before the first Start.
func (c *Coordinator) SetCompletionHook(h CompletionHook) { c.cfg.OnComplete = h }

// Destination resolves the on-disk path for a URL without starting anything.
func (c *Coordinator) Destination(rawURL string, mode types.Mode, filename string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", invalidRequestError{msg: fmt.Sprintf("invalid download url %q", rawURL)}
	}
	if filename == "" {
		filename = path.Base(u.Path)
		if filename == "." || filename == "/" || filename == "" {
			filename = "model" + fsutil.GGUFExt
		}
	}
	filename = filepath.Base(filename)
	if filename == "." || filename == ".." || filename == string(filepath.Separator) {
		return "", "", invalidRequestError{msg: fmt.Sprintf("invalid filename %q", filename)}
	}
	return filepath.Join(c.cfg.ModelsDir, string(mode), filename), filename, nil
}

// Start registers a download for rawURL and returns its task. An existing
// destination file completes immediately without network I/O; a URL already
// downloading returns the in-flight task.
func (c *Coordinator) Start(rawURL string, mode types.Mode, filename string) (types.DownloadTask, error) {
	dest, filename, err := c.Destination(rawURL, mode, filename)
	if err != nil {
		return types.DownloadTask{}, err
	}
	// stat outside the lock
	fi, statErr := os.Stat(dest)
	exists := statErr == nil && fi.Mode().IsRegular()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.DownloadTask{}, ErrClosed
	}
	if t := c.tasks[rawURL]; t != nil && t.inProgress() {
		c.mu.Unlock()
		return t.snapshot(), nil
	}
	t := &task{
		id:       uuid.NewString(),
		url:      rawURL,
		filename: filename,
		mode:     mode,
		path:     dest,
		status:   types.DownloadInProgress,
		done:     make(chan struct{}),
		progress: rate.Sometimes{Interval: c.cfg.ProgressEvery},
	}
	c.tasks[rawURL] = t
	if exists {
		c.mu.Unlock()
		t.downloaded.Store(fi.Size())
		t.total.Store(fi.Size())
		c.log.Info().Str("url", rawURL).Str("path", dest).Msg("download skipped, file already present")
		c.complete(t)
		return t.snapshot(), nil
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info().Str("id", t.id).Str("url", rawURL).Str("path", dest).Msg("download started")
	go c.run(t)
	return t.snapshot(), nil
}

func (c *Coordinator) run(t *task) {
	defer c.wg.Done()
	downloadsInflight.Inc()
	defer downloadsInflight.Dec()

	if err := c.fetch(c.ctx, t); err != nil {
		c.log.Error().Err(err).Str("id", t.id).Str("url", t.url).Msg("download failed")
		downloadsTotal.WithLabelValues(string(types.DownloadFailed)).Inc()
		t.finish(types.DownloadFailed, err)
		return
	}
	c.complete(t)
}

func (c *Coordinator) complete(t *task) {
	if h := c.cfg.OnComplete; h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		snap := t.snapshot()
		snap.Status = types.DownloadCompleted
		if err := h(ctx, snap); err != nil {
			c.log.Error().Err(err).Str("path", t.path).Msg("download completion hook")
		}
		cancel()
	}
	downloadsTotal.WithLabelValues(string(types.DownloadCompleted)).Inc()
	t.finish(types.DownloadCompleted, nil)
	c.log.Info().Str("id", t.id).Str("path", t.path).Int64("bytes", t.downloaded.Load()).Msg("download completed")
}

// countingWriter adds every written byte to the task counters.
type countingWriter struct {
	c *Coordinator
	t *task
}

func (w countingWriter) Write(p []byte) (int, error) {
	n := int64(len(p))
	got := w.t.downloaded.Add(n)
	downloadBytes.Add(float64(n))
	w.t.progress.Do(func() {
		w.c.log.Debug().Str("id", w.t.id).Int64("downloaded", got).Int64("total", w.t.total.Load()).Msg("download progress")
	})
	return len(p), nil
}

func (c *Coordinator) fetch(ctx context.Context, t *task) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", t.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: %s", t.url, resp.Status)
	}
	if resp.ContentLength > 0 {
		t.total.Store(resp.ContentLength)
	}

	dir := filepath.Dir(t.path)
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+t.filename+".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(io.MultiWriter(tmp, countingWriter{c: c, t: t}), resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if want := resp.ContentLength; want > 0 && n != want {
		return fmt.Errorf("short body: got %d of %d bytes", n, want)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err = os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	if t.total.Load() == 0 {
		t.total.Store(n)
	}
	return nil
}

// Status returns the task for rawURL.
func (c *Coordinator) Status(rawURL string) (types.DownloadTask, error) {
	c.mu.Lock()
	t := c.tasks[rawURL]
	c.mu.Unlock()
	if t == nil {
		return types.DownloadTask{}, fmt.Errorf("%s: %w", rawURL, ErrNotFound)
	}
	return t.snapshot(), nil
}

// All returns every known task ordered by URL.
func (c *Coordinator) All() []types.DownloadTask {
	c.mu.Lock()
	ts := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		ts = append(ts, t)
	}
	c.mu.Unlock()
	out := make([]types.DownloadTask, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Wait blocks until the task for rawURL is completed or failed.
func (c *Coordinator) Wait(ctx context.Context, rawURL string) (types.DownloadTask, error) {
	c.mu.Lock()
	t := c.tasks[rawURL]
	c.mu.Unlock()
	if t == nil {
		return types.DownloadTask{}, fmt.Errorf("%s: %w", rawURL, ErrNotFound)
	}
	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// Close cancels in-flight fetches and waits for them to clean up.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return nil
}
