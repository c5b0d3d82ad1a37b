package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/497672776/zenow/internal/chat"
	"github.com/497672776/zenow/pkg/types"
)

// chat godoc
// @Summary      Run one chat turn
// @Description  Streams `data: {"data": "...", "done_flag": false}` events, a final `done_flag: true` event and `data: [DONE]`.
// @Description  With "stream": false the whole reply is returned as one JSON object.
// @Tags         chat
// @Accept       json
// @Produce      text/event-stream
// @Produce      json
// @Param        body  body  types.ChatRequest  true  "chat request"
// @Success      200  {object}  types.ChatChunk
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /chat [post]
func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	msg, ok := req.NewMessage()
	if !ok || strings.TrimSpace(msg.Content) == "" {
		writeJSONError(w, http.StatusBadRequest, "message content is required")
		return
	}
	if msg.Role != "" && msg.Role != types.RoleUser {
		writeJSONError(w, http.StatusBadRequest, "the new message must have role user")
		return
	}
	turn := chat.TurnRequest{
		SessionID:     req.SessionID,
		Content:       msg.Content,
		Temperature:   req.Temperature,
		RepeatPenalty: req.RepeatPenalty,
		MaxTokens:     req.MaxTokens,
	}

	log := requestLogger(r)
	lvl := requestLogLevel(r)
	start := time.Now()
	if lvl >= LevelInfo {
		log.Info().Int64("session", req.SessionID).Bool("stream", req.Streaming()).Msg("chat start")
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if chatTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, chatTimeout)
		defer tcancel()
	}

	if !req.Streaming() {
		res, err := h.svc.Chat(ctx, turn, chat.SinkFunc(func(string) error { return nil }))
		if err != nil {
			status := writeServiceError(w, err)
			if lvl >= LevelError {
				log.Error().Err(err).Int("status", status).Dur("dur", time.Since(start)).Msg("chat end")
			}
			return
		}
		writeJSON(w, http.StatusOK, types.ChatResponse{
			SessionID:    req.SessionID,
			Content:      res.Content,
			FinishReason: res.FinishReason,
			Partial:      res.Partial,
		})
		if lvl >= LevelInfo {
			log.Info().Int("status", http.StatusOK).Dur("dur", time.Since(start)).Msg("chat end")
		}
		return
	}

	var tee io.Writer
	if lvl >= LevelDebug {
		tee = &loggingLineWriter{log: log}
	}
	sse := newSSEWriter(w, tee)
	res, err := h.svc.Chat(ctx, turn, sse)
	switch {
	case err != nil && !sse.started:
		status := writeServiceError(w, err)
		if lvl >= LevelError {
			log.Error().Err(err).Int("status", status).Dur("dur", time.Since(start)).Msg("chat end")
		}
		return
	case err != nil:
		// headers are out; report in-band
		_ = sse.finish(types.ChatChunk{Error: err.Error(), FinishReason: "error"})
		if lvl >= LevelError {
			log.Error().Err(err).Int("fragments", res.Fragments).Dur("dur", time.Since(start)).Msg("chat end")
		}
		return
	case res.Partial && r.Context().Err() != nil:
		if lvl >= LevelInfo {
			log.Info().Int("fragments", res.Fragments).Dur("dur", time.Since(start)).Msg("chat disconnected")
		}
		return
	case res.Partial:
		// caller still connected: the turn was cut by the timeout or shutdown
		reason := "cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		_ = sse.finish(types.ChatChunk{FinishReason: reason})
		if lvl >= LevelInfo {
			log.Info().Int("fragments", res.Fragments).Str("finish_reason", reason).Dur("dur", time.Since(start)).Msg("chat end")
		}
		return
	}
	_ = sse.finish(types.ChatChunk{FinishReason: res.FinishReason})
	if lvl >= LevelInfo {
		log.Info().Int("status", http.StatusOK).Int("fragments", res.Fragments).Dur("dur", time.Since(start)).Msg("chat end")
	}
}
