package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/497672776/zenow/pkg/types"
)

// sseWriter emits chat chunks as server-sent events. Headers are committed
// on the first event so that errors raised before any output can still be
// answered with a JSON error status.
type sseWriter struct {
	rw      http.ResponseWriter
	out     io.Writer
	flush   func()
	started bool
}

func newSSEWriter(w http.ResponseWriter, tee io.Writer) *sseWriter {
	s := &sseWriter{rw: w, out: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	if tee != nil {
		s.out = io.MultiWriter(w, tee)
	}
	return s
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	h := s.rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.rw.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseWriter) event(c types.ChatChunk) error {
	s.start()
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.out, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Send implements chat.Sink.
func (s *sseWriter) Send(fragment string) error {
	return s.event(types.ChatChunk{Data: fragment})
}

// finish writes the terminal event followed by the [DONE] sentinel.
func (s *sseWriter) finish(last types.ChatChunk) error {
	last.DoneFlag = true
	if err := s.event(last); err != nil {
		return err
	}
	if _, err := io.WriteString(s.out, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}
