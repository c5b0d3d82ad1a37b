// Package chat assembles a generation request from a session's history under
// a token budget, relays the streamed reply to the caller and persists the
// turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/497672776/zenow/internal/supervisor"
	"github.com/497672776/zenow/pkg/types"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "zenow", Subsystem: "chat", Name: "turns_total", Help: "Chat turns by outcome"},
		[]string{"outcome"},
	)
	historyDropped = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "zenow",
			Subsystem: "chat",
			Name:      "history_dropped",
			Help:      "Messages left out of the context window per turn",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)
)

func init() {
	prometheus.MustRegister(turnsTotal, historyDropped)
}

// Store is the persistence used by a turn; *store.Store satisfies it.
type Store interface {
	GetSession(ctx context.Context, id int64) (types.Session, error)
	ListMessages(ctx context.Context, sessionID int64) ([]types.Message, error)
	AppendMessages(ctx context.Context, sessionID int64, msgs ...types.Message) ([]types.Message, error)
	Params(ctx context.Context, mode types.Mode) (types.ModelParams, error)
}

// Servers exposes the running generation server; *supervisor.Supervisor
// satisfies it.
type Servers interface {
	Endpoint(mode types.Mode) (string, supervisor.ClientParams, error)
	CheckHealth(ctx context.Context, mode types.Mode) error
}

// Sink receives each fragment as soon as it arrives. A returned error means
// the caller has gone away.
type Sink interface {
	Send(fragment string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(string) error

func (f SinkFunc) Send(s string) error { return f(s) }

// TurnRequest is one new user message plus optional sampling overrides.
type TurnRequest struct {
	SessionID     int64
	Content       string
	Temperature   *float64
	RepeatPenalty *float64
	MaxTokens     *int
}

// TurnResult describes what was delivered and persisted.
type TurnResult struct {
	Content        string
	FinishReason   string
	Fragments      int
	Partial        bool
	HistoryKept    int
	HistoryDropped int
	Persisted      []types.Message
}

// invalidTurnError signals a rejected request (400).
type invalidTurnError struct{ msg string }

func (e invalidTurnError) Error() string { return e.msg }

// IsInvalidTurn reports whether err was caused by bad input.
func IsInvalidTurn(err error) bool {
	var e invalidTurnError
	return errors.As(err, &e)
}

// Assembler runs chat turns against the generation server.
type Assembler struct {
	store     Store
	servers   Servers
	upstream  Upstream
	log       zerolog.Logger
	tracer    trace.Tracer
	persistTO time.Duration
}

// NewAssembler wires an Assembler. A nil upstream uses NewHTTPUpstream.
func NewAssembler(st Store, servers Servers, up Upstream, log zerolog.Logger) *Assembler {
	if up == nil {
		up = NewHTTPUpstream()
	}
	return &Assembler{
		store:     st,
		servers:   servers,
		upstream:  up,
		log:       log,
		tracer:    otel.Tracer("github.com/497672776/zenow/internal/chat"),
		persistTO: 10 * time.Second,
	}
}

// Turn runs one chat turn. Fragments are forwarded to sink as they arrive.
// When the caller disconnects (ctx cancelled or sink error) the upstream
// request is cancelled and the user message is persisted together with
// exactly the fragments that were delivered. The returned error is nil for a
// disconnect; TurnResult.Partial reports it.
func (a *Assembler) Turn(ctx context.Context, req TurnRequest, sink Sink) (res TurnResult, err error) {
	turnID := uuid.NewString()
	log := a.log.With().Str("turn", turnID).Int64("session", req.SessionID).Logger()
	ctx, span := a.tracer.Start(ctx, "chat.Turn", trace.WithAttributes(attribute.Int64("zenow.session_id", req.SessionID)))
	outcome := "completed"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("zenow.outcome", outcome), attribute.Int("zenow.fragments", res.Fragments))
		span.End()
		turnsTotal.WithLabelValues(outcome).Inc()
	}()

	if strings.TrimSpace(req.Content) == "" {
		outcome = "rejected"
		return res, invalidTurnError{msg: "message content is required"}
	}
	base, cp, err := a.servers.Endpoint(types.ModeGeneration)
	if err != nil {
		outcome = "rejected"
		return res, err
	}
	if _, err := a.store.GetSession(ctx, req.SessionID); err != nil {
		outcome = "rejected"
		return res, err
	}
	params, err := a.store.Params(ctx, types.ModeGeneration)
	if err != nil {
		outcome = "rejected"
		return res, err
	}
	history, err := a.store.ListMessages(ctx, req.SessionID)
	if err != nil {
		outcome = "rejected"
		return res, err
	}

	systemTokens := 0
	if params.SystemPrompt != "" {
		systemTokens = EstimateTokens(params.SystemPrompt)
	}
	kept, dropped := SelectHistory(history, HistoryBudget(params.ContextSize, systemTokens))
	res.HistoryKept, res.HistoryDropped = len(kept), dropped
	historyDropped.Observe(float64(dropped))

	creq := CompletionRequest{
		Messages:      buildMessages(params.SystemPrompt, kept, req.Content),
		Temperature:   cp.Temperature,
		RepeatPenalty: cp.RepeatPenalty,
		MaxTokens:     cp.MaxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}
	if req.RepeatPenalty != nil {
		creq.RepeatPenalty = *req.RepeatPenalty
	}
	if req.MaxTokens != nil {
		creq.MaxTokens = *req.MaxTokens
	}
	log.Debug().Int("kept", len(kept)).Int("dropped", dropped).Int("system_tokens", systemTokens).Msg("context assembled")

	content, finish, fragments, disconnected, upErr := a.relay(ctx, base, creq, sink)
	res.Content, res.FinishReason, res.Fragments = content, finish, fragments

	switch {
	case disconnected:
		outcome = "disconnected"
		res.Partial = true
		log.Info().Int("fragments", fragments).Msg("caller disconnected, keeping partial reply")
	case upErr != nil:
		outcome = "upstream_error"
		if IsTransport(upErr) {
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if herr := a.servers.CheckHealth(hctx, types.ModeGeneration); herr != nil {
				log.Warn().Err(herr).Msg("generation server unhealthy after upstream failure")
			}
			cancel()
		}
		if fragments == 0 {
			return res, upErr
		}
		res.Partial = true
	}

	persisted, perr := a.persist(ctx, req.SessionID, req.Content, content, !res.Partial)
	res.Persisted = persisted
	if perr != nil {
		log.Error().Err(perr).Msg("persisting turn")
		if upErr != nil {
			return res, errors.Join(upErr, perr)
		}
		return res, perr
	}
	if upErr != nil && !disconnected {
		return res, upErr
	}
	return res, nil
}

func buildMessages(system string, history []types.Message, user string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range history {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})
}

// relay runs the upstream producer and forwards fragments to sink. Only
// fragments the sink accepted are accumulated.
func (a *Assembler) relay(ctx context.Context, base string, req CompletionRequest, sink Sink) (content, finish string, fragments int, disconnected bool, upErr error) {
	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frags := make(chan Fragment)
	errc := make(chan error, 1)
	go func() {
		errc <- a.upstream.Stream(upCtx, base, req, frags)
		close(frags)
	}()

	var sb strings.Builder
	for f := range frags {
		if disconnected {
			continue
		}
		if ctx.Err() != nil {
			disconnected = true
			cancel()
			continue
		}
		if f.Text != "" {
			if err := sink.Send(f.Text); err != nil {
				disconnected = true
				cancel()
				continue
			}
			sb.WriteString(f.Text)
			fragments++
		}
		if f.FinishReason != "" {
			finish = f.FinishReason
		}
	}
	upErr = <-errc
	if ctx.Err() != nil {
		disconnected = true
	}
	if disconnected {
		upErr = nil
	}
	return sb.String(), finish, fragments, disconnected, upErr
}

// persist stores the user message and the assistant reply in one
// transaction. An empty partial reply is skipped. It outlives a cancelled
// request context.
func (a *Assembler) persist(ctx context.Context, sessionID int64, user, reply string, complete bool) ([]types.Message, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.persistTO)
	defer cancel()
	msgs := []types.Message{{Role: types.RoleUser, Content: user, TokenCount: EstimateTokens(user)}}
	if complete || reply != "" {
		msgs = append(msgs, types.Message{Role: types.RoleAssistant, Content: reply, TokenCount: EstimateTokens(reply)})
	}
	out, err := a.store.AppendMessages(pctx, sessionID, msgs...)
	if err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}
	return out, nil
}
