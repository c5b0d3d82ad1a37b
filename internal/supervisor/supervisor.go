// Package supervisor owns the llama-server subprocesses, one slot per mode.
//
// Transitions for a mode (start, stop, restart) are serialised by a busy flag
// that is try-acquired: a second transition is rejected with a busy error
// instead of queueing. Different modes never block each other and no lock is
// held across process or network I/O.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/497672776/zenow/internal/common/fsutil"
	"github.com/497672776/zenow/pkg/types"
)

// ServerParams require a new process when changed.
type ServerParams struct {
	ContextSize int
	Threads     int
	GPULayers   int
	BatchSize   int
}

// ClientParams are applied per request and never restart the server.
type ClientParams struct {
	Temperature   float64
	RepeatPenalty float64
	MaxTokens     int
}

// SplitParams separates persisted parameters into the process-level and the
// per-request halves.
func SplitParams(p types.ModelParams) (ServerParams, ClientParams) {
	return ServerParams{
			ContextSize: p.ContextSize,
			Threads:     p.Threads,
			GPULayers:   p.GPULayers,
			BatchSize:   p.BatchSize,
		}, ClientParams{
			Temperature:   p.Temperature,
			RepeatPenalty: p.RepeatPenalty,
			MaxTokens:     p.MaxTokens,
		}
}

// Config configures a Supervisor. Zero durations fall back to defaults.
type Config struct {
	LlamaBin  string
	Host      string
	Ports     map[types.Mode]int
	ExtraArgs []string
	// Env is appended to the inherited environment of every child.
	Env []string

	StartupTimeout time.Duration
	ProbeInterval  time.Duration
	MaxProbes      int
	StopGrace      time.Duration
	TailBytes      int

	Logger    zerolog.Logger
	Publisher EventPublisher
}

type slot struct {
	mode types.Mode
	port int

	busy atomic.Bool

	mu        sync.Mutex
	state     types.ServerState
	proc      *process
	server    ServerParams
	client    ClientParams
	hasParams bool
}

func (sl *slot) tryAcquire() bool { return sl.busy.CompareAndSwap(false, true) }
func (sl *slot) release()         { sl.busy.Store(false) }

// Supervisor manages one llama-server per mode.
type Supervisor struct {
	cfg    Config
	log    zerolog.Logger
	pub    EventPublisher
	client *http.Client
	slots  map[types.Mode]*slot
	closed atomic.Bool
}

// New constructs a Supervisor with every mode in not_started.
func New(cfg Config) *Supervisor {
	if cfg.LlamaBin == "" {
		cfg.LlamaBin = "llama-server"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 500 * time.Millisecond
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 120
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = 4096
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	s := &Supervisor{
		cfg: cfg,
		log: cfg.Logger,
		pub: pub,
		// Timeout=0: every call carries its own context deadline.
		client: &http.Client{Timeout: 0},
		slots:  make(map[types.Mode]*slot, len(types.Modes)),
	}
	for _, m := range types.Modes {
		sl := &slot{mode: m, port: cfg.Ports[m]}
		sl.state = types.ServerState{Mode: m, Status: types.StatusNotStarted, Port: sl.port}
		s.slots[m] = sl
		observeState(m, types.StatusNotStarted)
	}
	return s
}

func (s *Supervisor) slot(mode types.Mode) (*slot, error) {
	sl, ok := s.slots[mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	return sl, nil
}

func (s *Supervisor) baseURL(port int) string {
	return "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
}

// setStatusLocked must be called with sl.mu held.
func (sl *slot) setStatusLocked(st types.ServerStatus) {
	sl.state.Status = st
	sl.state.IsRunning = st == types.StatusRunning
	observeState(sl.mode, st)
}

// Start launches a llama-server for mode serving the model at path and waits
// until it reports ready. A previous server for the mode is stopped first.
func (s *Supervisor) Start(ctx context.Context, mode types.Mode, name, path string, sp ServerParams, cp ClientParams) (types.ServerState, error) {
	sl, err := s.slot(mode)
	if err != nil {
		return types.ServerState{}, err
	}
	if s.closed.Load() {
		return s.snapshot(sl), ErrShuttingDown
	}
	if !sl.tryAcquire() {
		return s.snapshot(sl), busyError{mode: mode}
	}
	defer sl.release()
	err = s.startLocked(ctx, sl, name, path, sp, cp)
	return s.snapshot(sl), err
}

// startLocked requires the slot's busy flag.
func (s *Supervisor) startLocked(ctx context.Context, sl *slot, name, path string, sp ServerParams, cp ClientParams) error {
	log := s.log.With().Str("mode", string(sl.mode)).Str("model", name).Logger()
	if err := s.stopLocked(ctx, sl); err != nil {
		log.Warn().Err(err).Msg("stopping previous server")
	}

	sl.mu.Lock()
	sl.state = types.ServerState{Mode: sl.mode, ModelName: name, ModelPath: path, Port: sl.port}
	sl.setStatusLocked(types.StatusStarting)
	sl.server, sl.client, sl.hasParams = sp, cp, true
	sl.proc = nil
	sl.mu.Unlock()

	if err := s.preflight(sl.mode, sl.port, path); err != nil {
		s.fail(sl, nil, err.Error())
		serverStarts.WithLabelValues(string(sl.mode), "preflight").Inc()
		log.Error().Err(err).Msg("start rejected")
		return err
	}

	base := s.baseURL(sl.port)
	args := buildArgs(sl.mode, path, s.cfg.Host, sl.port, sp, s.cfg.ExtraArgs)
	proc, err := spawn(s.cfg.LlamaBin, args, s.cfg.Env, base, s.cfg.TailBytes)
	if err != nil {
		s.fail(sl, nil, err.Error())
		serverStarts.WithLabelValues(string(sl.mode), "spawn_error").Inc()
		return dependencyUnavailableError{msg: err.Error()}
	}
	sl.mu.Lock()
	sl.proc = proc
	sl.state.PID = proc.pid
	sl.mu.Unlock()
	// ShutdownAll may have run between the check in Start and here
	if s.closed.Load() {
		_ = proc.terminate(ctx, 0)
		s.fail(sl, proc, "shutting down")
		return ErrShuttingDown
	}
	log.Info().Int("pid", proc.pid).Int("port", sl.port).Msg("llama-server spawned")
	s.pub.Publish(Event{Name: "spawn_start", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid, "port": sl.port, "path": path}})

	if err := s.waitReady(ctx, sl, proc); err != nil {
		_ = proc.terminate(context.Background(), 0)
		s.fail(sl, proc, err.Error())
		log.Error().Err(err).Int("pid", proc.pid).Msg("llama-server failed to become ready")
		return err
	}

	sl.mu.Lock()
	if sl.proc == proc {
		sl.setStatusLocked(types.StatusRunning)
		sl.state.ErrorMessage = ""
	}
	sl.mu.Unlock()
	serverStarts.WithLabelValues(string(sl.mode), "ready").Inc()
	log.Info().Int("pid", proc.pid).Str("url", base).Msg("llama-server ready")
	s.pub.Publish(Event{Name: "spawn_ready", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid, "url": base}})
	return nil
}

// fail records an error state; proc, when non-nil, must still be the slot's process.
func (s *Supervisor) fail(sl *slot, proc *process, msg string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if proc != nil && sl.proc != proc {
		return
	}
	sl.setStatusLocked(types.StatusError)
	sl.state.ErrorMessage = msg
	sl.state.PID = 0
	sl.proc = nil
}

func (s *Supervisor) preflight(mode types.Mode, port int, path string) error {
	if !fsutil.IsGGUF(path) {
		return invalidArtifactError{msg: fmt.Sprintf("%s model file must have a %s suffix: %s", mode, fsutil.GGUFExt, path)}
	}
	if !fsutil.IsRegularFile(path) {
		return invalidArtifactError{msg: fmt.Sprintf("%s model file not found: %s", mode, path)}
	}
	if _, err := exec.LookPath(s.cfg.LlamaBin); err != nil {
		return dependencyUnavailableError{msg: fmt.Sprintf("%s server: llama-server executable not found (%s): %v", mode, s.cfg.LlamaBin, err)}
	}
	if err := portAvailable(s.cfg.Host, port); err != nil {
		return dependencyUnavailableError{msg: fmt.Sprintf("%s server: port %d is not available: %v", mode, port, err)}
	}
	return nil
}

// waitReady polls /health until it answers 2xx, the process exits, the probe
// budget or the startup timeout runs out, or ctx is done.
func (s *Supervisor) waitReady(ctx context.Context, sl *slot, proc *process) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	for probes := 0; ; probes++ {
		if probes >= s.cfg.MaxProbes {
			s.pub.Publish(Event{Name: "spawn_timeout", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid, "probes": probes}})
			return startFailedError{mode: sl.mode, msg: fmt.Sprintf("not ready after %d health probes", probes)}
		}
		select {
		case <-proc.exited:
			return s.earlyExit(sl, proc)
		case <-deadline.C:
			s.pub.Publish(Event{Name: "spawn_timeout", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid}})
			return startFailedError{mode: sl.mode, msg: fmt.Sprintf("not ready within %s", s.cfg.StartupTimeout)}
		case <-ctx.Done():
			return startFailedError{mode: sl.mode, msg: "start aborted: " + context.Cause(ctx).Error()}
		default:
		}
		if probe(ctx, s.client, proc.baseURL) == nil {
			return nil
		}
		select {
		case <-proc.exited:
			return s.earlyExit(sl, proc)
		case <-deadline.C:
			s.pub.Publish(Event{Name: "spawn_timeout", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid}})
			return startFailedError{mode: sl.mode, msg: fmt.Sprintf("not ready within %s", s.cfg.StartupTimeout)}
		case <-ctx.Done():
			return startFailedError{mode: sl.mode, msg: "start aborted: " + context.Cause(ctx).Error()}
		case <-time.After(s.cfg.ProbeInterval):
		}
	}
}

func (s *Supervisor) earlyExit(sl *slot, proc *process) error {
	diag := proc.exitDiag()
	s.pub.Publish(Event{Name: "spawn_exit", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid, "before_ready": true, "error": diag}})
	return startFailedError{mode: sl.mode, msg: "exited before ready: " + diag}
}

// Stop terminates the mode's server if it is running. Stopping an idle mode
// is a no-op.
func (s *Supervisor) Stop(ctx context.Context, mode types.Mode) (types.ServerState, error) {
	sl, err := s.slot(mode)
	if err != nil {
		return types.ServerState{}, err
	}
	if !sl.tryAcquire() {
		return s.snapshot(sl), busyError{mode: mode}
	}
	defer sl.release()
	err = s.stopLocked(ctx, sl)
	return s.snapshot(sl), err
}

// stopLocked requires the slot's busy flag.
func (s *Supervisor) stopLocked(ctx context.Context, sl *slot) error {
	sl.mu.Lock()
	proc := sl.proc
	sl.mu.Unlock()
	if proc == nil {
		return nil
	}
	err := proc.terminate(ctx, s.cfg.StopGrace)
	sl.mu.Lock()
	if sl.proc == proc {
		sl.proc = nil
		sl.state.PID = 0
		if sl.state.Status == types.StatusRunning || sl.state.Status == types.StatusStarting {
			sl.setStatusLocked(types.StatusStopped)
		}
	}
	sl.mu.Unlock()
	s.log.Info().Str("mode", string(sl.mode)).Int("pid", proc.pid).Msg("llama-server stopped")
	s.pub.Publish(Event{Name: "spawn_stop", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid}})
	return err
}

// RestartIfNeeded applies new parameters. Only a change of the server
// parameters of a running mode restarts the process; client parameters are
// swapped in memory. For a mode that is not running both sets are remembered
// for the next start. The result reports whether a restart happened.
func (s *Supervisor) RestartIfNeeded(ctx context.Context, mode types.Mode, sp ServerParams, cp ClientParams) (bool, error) {
	sl, err := s.slot(mode)
	if err != nil {
		return false, err
	}
	if !sl.tryAcquire() {
		return false, busyError{mode: mode}
	}
	defer sl.release()

	s.refresh(sl)
	sl.mu.Lock()
	running := sl.state.Status == types.StatusRunning
	same := sl.hasParams && sl.server == sp
	name, path := sl.state.ModelName, sl.state.ModelPath
	if !running || same {
		sl.server, sl.client, sl.hasParams = sp, cp, true
	}
	sl.mu.Unlock()
	if !running || same {
		return false, nil
	}
	if s.closed.Load() {
		return false, ErrShuttingDown
	}
	s.log.Info().Str("mode", string(mode)).Str("model", name).Msg("server parameters changed, restarting")
	s.pub.Publish(Event{Name: "restart", Mode: mode, Fields: map[string]any{"model": name}})
	if err := s.startLocked(ctx, sl, name, path, sp, cp); err != nil {
		return true, err
	}
	return true, nil
}

// refresh lazily detects a crashed running process.
func (s *Supervisor) refresh(sl *slot) {
	sl.mu.Lock()
	proc := sl.proc
	if proc == nil || sl.state.Status != types.StatusRunning || !proc.done() {
		sl.mu.Unlock()
		return
	}
	diag := proc.exitDiag()
	sl.setStatusLocked(types.StatusError)
	sl.state.ErrorMessage = "llama-server exited unexpectedly: " + diag
	sl.state.PID = 0
	sl.proc = nil
	sl.mu.Unlock()
	s.log.Warn().Str("mode", string(sl.mode)).Int("pid", proc.pid).Str("diag", diag).Msg("llama-server crash detected")
	s.pub.Publish(Event{Name: "crash_detected", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid, "error": diag}})
}

func (s *Supervisor) snapshot(sl *slot) types.ServerState {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state
}

// Status returns a snapshot of the mode's server. It never waits for a
// transition in progress.
func (s *Supervisor) Status(mode types.Mode) (types.ServerState, error) {
	sl, err := s.slot(mode)
	if err != nil {
		return types.ServerState{}, err
	}
	s.refresh(sl)
	return s.snapshot(sl), nil
}

// Statuses returns a snapshot for every mode in types.Modes order.
func (s *Supervisor) Statuses() []types.ServerState {
	out := make([]types.ServerState, 0, len(types.Modes))
	for _, m := range types.Modes {
		st, _ := s.Status(m)
		out = append(out, st)
	}
	return out
}

// Endpoint returns the base URL and client parameters of a running server.
func (s *Supervisor) Endpoint(mode types.Mode) (string, ClientParams, error) {
	sl, err := s.slot(mode)
	if err != nil {
		return "", ClientParams{}, err
	}
	s.refresh(sl)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.state.Status != types.StatusRunning || sl.proc == nil {
		return "", ClientParams{}, notRunningError{mode: mode}
	}
	return sl.proc.baseURL, sl.client, nil
}

// CheckHealth probes a running server once. A failed probe moves the mode to
// error; callers use it after a forwarded request failed in transport.
func (s *Supervisor) CheckHealth(ctx context.Context, mode types.Mode) error {
	sl, err := s.slot(mode)
	if err != nil {
		return err
	}
	s.refresh(sl)
	sl.mu.Lock()
	proc := sl.proc
	running := sl.state.Status == types.StatusRunning
	sl.mu.Unlock()
	if !running || proc == nil {
		return notRunningError{mode: mode}
	}
	perr := probe(ctx, s.client, proc.baseURL)
	if perr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	sl.mu.Lock()
	if sl.proc == proc && sl.state.Status == types.StatusRunning {
		sl.setStatusLocked(types.StatusError)
		sl.state.ErrorMessage = "health check failed: " + perr.Error()
	}
	sl.mu.Unlock()
	s.log.Warn().Err(perr).Str("mode", string(mode)).Msg("llama-server health check failed")
	s.pub.Publish(Event{Name: "crash_detected", Mode: mode, Fields: map[string]any{"pid": proc.pid, "error": perr.Error()}})
	return fmt.Errorf("%s server unhealthy: %w", mode, perr)
}

// ShutdownAll force-stops every mode concurrently and rejects later starts.
// It is safe to call more than once and tolerates processes that are already
// gone; the returned error joins the individual failures.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	s.closed.Store(true)
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, m := range types.Modes {
		sl := s.slots[m]
		g.Go(func() error {
			sl.mu.Lock()
			proc := sl.proc
			sl.mu.Unlock()
			if proc == nil {
				return nil
			}
			err := proc.terminate(ctx, s.cfg.StopGrace)
			sl.mu.Lock()
			if sl.proc == proc {
				sl.proc = nil
				sl.state.PID = 0
				sl.setStatusLocked(types.StatusStopped)
			}
			sl.mu.Unlock()
			s.pub.Publish(Event{Name: "spawn_stop", Mode: sl.mode, Fields: map[string]any{"pid": proc.pid, "shutdown": true}})
			if err != nil {
				s.log.Error().Err(err).Str("mode", string(sl.mode)).Msg("shutdown")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sl.mode, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
