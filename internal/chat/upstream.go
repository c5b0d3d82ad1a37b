package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Fragment is one piece of generated text. FinishReason is set on the chunk
// that ends the completion.
type Fragment struct {
	Text         string
	FinishReason string
}

// CompletionRequest is the outbound chat completion.
type CompletionRequest struct {
	Messages      []openai.ChatCompletionMessage
	Temperature   float64
	RepeatPenalty float64
	MaxTokens     int
}

// Upstream streams a completion from a running server into out. It returns
// when the stream ends, fails or ctx is cancelled and never closes out.
type Upstream interface {
	Stream(ctx context.Context, baseURL string, req CompletionRequest, out chan<- Fragment) error
}

// transportError marks failures talking to the server (as opposed to an HTTP
// error status), which warrant a health check.
type transportError struct{ err error }

func (e transportError) Error() string { return "llama-server request failed: " + e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

// IsTransport reports whether err is a connection-level upstream failure.
func IsTransport(err error) bool {
	var e transportError
	return errors.As(err, &e)
}

// chatCompletionBody adds llama-server's repeat_penalty to the OpenAI request.
type chatCompletionBody struct {
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Temperature   float64                        `json:"temperature"`
	RepeatPenalty float64                        `json:"repeat_penalty"`
	MaxTokens     int                            `json:"max_tokens,omitempty"`
	Stream        bool                           `json:"stream"`
}

// HTTPUpstream talks to llama-server's OpenAI-compatible endpoint.
type HTTPUpstream struct {
	Client *http.Client
}

// NewHTTPUpstream returns an upstream without a client timeout; the request
// context bounds every call.
func NewHTTPUpstream() *HTTPUpstream { return &HTTPUpstream{Client: &http.Client{Timeout: 0}} }

func (u *HTTPUpstream) Stream(ctx context.Context, baseURL string, req CompletionRequest, out chan<- Fragment) error {
	body, err := json.Marshal(chatCompletionBody{
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		RepeatPenalty: req.RepeatPenalty,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
	})
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	resp, err := u.Client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportError{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("llama-server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	r := bufio.NewReader(resp.Body)
	for {
		line, rerr := r.ReadString('\n')
		if l := strings.TrimSpace(line); strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				return nil
			}
			var msg openai.ChatCompletionStreamResponse
			if e := json.Unmarshal([]byte(data), &msg); e == nil && len(msg.Choices) > 0 {
				f := Fragment{Text: msg.Choices[0].Delta.Content, FinishReason: string(msg.Choices[0].FinishReason)}
				if f.Text != "" || f.FinishReason != "" {
					select {
					case out <- f:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return transportError{err: rerr}
		}
	}
}
