package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// A stand-in for llama-server. Behaviour is steered by environment variables:
//
//	FAKE_LLAMA_EXIT_EARLY   print the value to stderr and exit 3 before listening
//	FAKE_LLAMA_READY_DELAY  /health answers 503 until this duration has passed
//	FAKE_LLAMA_IGNORE_TERM  ignore SIGTERM (forces the kill path)
//	FAKE_LLAMA_ARGS_FILE    write the received arguments, one per line
//	FAKE_LLAMA_TOKENS       comma separated fragments streamed by chat completions
//	FAKE_LLAMA_TOKEN_DELAY  pause before each streamed fragment
func main() {
	var model, host, port string
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.Int("t", 0, "threads")
	flag.Int("ctx-size", 0, "context size")
	flag.Int("n-gpu-layers", 0, "gpu layers")
	flag.Int("batch-size", 0, "batch size")
	flag.Bool("metrics", false, "metrics")
	flag.Bool("no-mmap", false, "no mmap")
	flag.Bool("embedding", false, "embedding")
	flag.Bool("reranking", false, "reranking")
	flag.Parse()

	if p := os.Getenv("FAKE_LLAMA_ARGS_FILE"); p != "" {
		_ = os.WriteFile(p, []byte(strings.Join(os.Args[1:], "\n")), 0o644)
	}
	if msg := os.Getenv("FAKE_LLAMA_EXIT_EARLY"); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(3)
	}
	var delay time.Duration
	if v := os.Getenv("FAKE_LLAMA_READY_DELAY"); v != "" {
		delay, _ = time.ParseDuration(v)
	}
	tokens := []string{"Hello", " from", " fake"}
	if v := os.Getenv("FAKE_LLAMA_TOKENS"); v != "" {
		tokens = strings.Split(v, ",")
	}
	var tokenDelay time.Duration
	if v := os.Getenv("FAKE_LLAMA_TOKEN_DELAY"); v != "" {
		tokenDelay, _ = time.ParseDuration(v)
	}
	started := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if time.Since(started) < delay {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"loading model"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		for i, tok := range tokens {
			if tokenDelay > 0 {
				select {
				case <-time.After(tokenDelay):
				case <-r.Context().Done():
					return
				}
			}
			chunk := map[string]any{
				"id":      "chatcmpl-fake",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": tok}}},
			}
			if i == len(tokens)-1 {
				chunk["choices"].([]map[string]any)[0]["finish_reason"] = "stop"
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			if fl != nil {
				fl.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	srv := &http.Server{Addr: host + ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	if os.Getenv("FAKE_LLAMA_IGNORE_TERM") == "1" {
		signal.Ignore(syscall.SIGTERM)
		select {}
	}
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
