package backend

import (
	"context"
	"strings"

	"github.com/497672776/zenow/internal/chat"
	"github.com/497672776/zenow/internal/store"
	"github.com/497672776/zenow/pkg/types"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// CreateSession creates a session named after its first message.
func (b *Backend) CreateSession(ctx context.Context, req types.CreateSessionRequest) (types.Session, error) {
	if strings.TrimSpace(req.FirstMessage) == "" {
		return types.Session{}, invalidError{msg: "first_message is required"}
	}
	return b.store.CreateSession(ctx, store.SessionName(req.FirstMessage))
}

// ListSessions pages through sessions, most recently updated first.
func (b *Backend) ListSessions(ctx context.Context, limit, offset int) (types.SessionListResponse, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}
	if offset < 0 {
		offset = 0
	}
	ss, total, err := b.store.ListSessions(ctx, limit, offset)
	if err != nil {
		return types.SessionListResponse{}, err
	}
	if ss == nil {
		ss = []types.Session{}
	}
	return types.SessionListResponse{Sessions: ss, Total: total}, nil
}

// GetSession returns one session.
func (b *Backend) GetSession(ctx context.Context, id int64) (types.Session, error) {
	return b.store.GetSession(ctx, id)
}

// RenameSession changes a session's name.
func (b *Backend) RenameSession(ctx context.Context, id int64, req types.RenameSessionRequest) error {
	name := strings.TrimSpace(req.NewName)
	if name == "" {
		return invalidError{msg: "new_name is required"}
	}
	return b.store.RenameSession(ctx, id, name)
}

// DeleteSession removes a session and its messages.
func (b *Backend) DeleteSession(ctx context.Context, id int64) error {
	return b.store.DeleteSession(ctx, id)
}

// Messages returns a session's history in chronological order.
func (b *Backend) Messages(ctx context.Context, id int64) (types.MessagesResponse, error) {
	ss, err := b.store.GetSession(ctx, id)
	if err != nil {
		return types.MessagesResponse{}, err
	}
	msgs, err := b.store.ListMessages(ctx, id)
	if err != nil {
		return types.MessagesResponse{}, err
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return types.MessagesResponse{Messages: msgs, SessionID: id, TotalTokens: ss.TotalTokens}, nil
}

// AddMessage appends one message with an estimated token count.
func (b *Backend) AddMessage(ctx context.Context, id int64, req types.AddMessageRequest) (types.Message, error) {
	if err := b.check(req); err != nil {
		return types.Message{}, err
	}
	out, err := b.store.AppendMessages(ctx, id, types.Message{
		Role:       req.Role,
		Content:    req.Content,
		TokenCount: chat.EstimateTokens(req.Content),
	})
	if err != nil {
		return types.Message{}, err
	}
	return out[0], nil
}

// ClearMessages deletes a session's history but keeps the session.
func (b *Backend) ClearMessages(ctx context.Context, id int64) error {
	return b.store.ClearMessages(ctx, id)
}
