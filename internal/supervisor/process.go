package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/497672776/zenow/pkg/types"
)

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 4096
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// process is one spawned llama-server. exited is closed once cmd.Wait returns;
// waitErr is only read after that.
type process struct {
	cmd     *exec.Cmd
	pid     int
	baseURL string
	tail    *tailBuffer
	exited  chan struct{}
	waitErr error
}

func buildArgs(mode types.Mode, path, host string, port int, sp ServerParams, extra []string) []string {
	args := []string{
		"-m", path,
		"-t", strconv.Itoa(sp.Threads),
		"--host", host,
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(sp.ContextSize),
		"--n-gpu-layers", strconv.Itoa(sp.GPULayers),
		"--batch-size", strconv.Itoa(sp.BatchSize),
		"--metrics",
		"--no-mmap",
	}
	switch mode {
	case types.ModeEmbedding:
		args = append(args, "--embedding")
	case types.ModeReranking:
		args = append(args, "--reranking")
	}
	return append(args, extra...)
}

func spawn(bin string, args, env []string, baseURL string, tailBytes int) (*process, error) {
	cmd := exec.Command(bin, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	setProcAttr(cmd)
	tail := newTailBuffer(tailBytes)
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	p := &process{cmd: cmd, pid: cmd.Process.Pid, baseURL: baseURL, tail: tail, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) done() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// exitDiag describes how the process ended, including the stderr tail.
func (p *process) exitDiag() string {
	status := "exit status 0"
	if p.waitErr != nil {
		status = p.waitErr.Error()
	}
	if tail := p.tail.String(); tail != "" {
		return fmt.Sprintf("%s; stderr tail: %s", status, tail)
	}
	return status
}

// terminate sends SIGTERM to the process group, waits up to grace (or until
// ctx is done) and then kills it.
func (p *process) terminate(ctx context.Context, grace time.Duration) error {
	if p.done() {
		return nil
	}
	if err := signalTerm(p.cmd); err != nil {
		forceKill(p.cmd)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.exited:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	forceKill(p.cmd)
	select {
	case <-p.exited:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("llama-server pid %d did not exit after kill", p.pid)
	}
}

// portAvailable reports whether host:port can be bound right now.
func portAvailable(host string, port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return l.Close()
}

// probe performs one GET /health with a one second timeout.
func probe(ctx context.Context, cli *http.Client, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health: %s", resp.Status)
	}
	return nil
}
