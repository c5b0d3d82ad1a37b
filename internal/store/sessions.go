package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/497672776/zenow/pkg/types"
)

const sessionNameRunes = 12

// SessionName derives a session title from the first user message: the first
// twelve runes, suffixed with "..." when truncated.
func SessionName(first string) string {
	r := []rune(strings.TrimSpace(first))
	if len(r) <= sessionNameRunes {
		return string(r)
	}
	return string(r[:sessionNameRunes]) + "..."
}

// CreateSession inserts an empty session.
func (s *Store) CreateSession(ctx context.Context, name string) (types.Session, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (name, created_at, updated_at) VALUES (?, ?, ?)`, name, now, now)
	if err != nil {
		return types.Session{}, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Session{}, fmt.Errorf("create session: %w", err)
	}
	t := parseTime(now)
	return types.Session{ID: id, Name: name, CreatedAt: t, UpdatedAt: t}, nil
}

const sessionCols = `id, name, created_at, updated_at, message_count, total_tokens`

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(r rowScanner) (types.Session, error) {
	var (
		ss               types.Session
		created, updated string
	)
	if err := r.Scan(&ss.ID, &ss.Name, &created, &updated, &ss.MessageCount, &ss.TotalTokens); err != nil {
		return ss, err
	}
	ss.CreatedAt = parseTime(created)
	ss.UpdatedAt = parseTime(updated)
	return ss, nil
}

// GetSession returns ErrSessionNotFound for unknown ids.
func (s *Store) GetSession(ctx context.Context, id int64) (types.Session, error) {
	ss, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ss, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return ss, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

// ListSessions returns sessions by most recent activity and the total count.
// A non-positive limit means no limit.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]types.Session, int, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	out := []types.Session{}
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, ss)
	}
	if err := rows.Close(); err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return out, total, nil
}

// RenameSession changes the title and bumps updated_at.
func (s *Store) RenameSession(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`, name, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return expectOne(res, id)
}

// DeleteSession removes the session and, by cascade, its messages.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return nil
}

// ListMessages returns the session's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID int64) ([]types.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, token_count, created_at FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	out := []types.Message{}
	for rows.Next() {
		var (
			m       types.Message
			role    string
			created string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenCount, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = types.Role(role)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessages inserts msgs in order and recomputes the session's
// message_count and total_tokens in the same transaction. The returned copies
// carry their assigned ids and timestamps.
func (s *Store) AppendMessages(ctx context.Context, sessionID int64, msgs ...types.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
			}
			return err
		}
		now := s.stamp()
		for _, m := range msgs {
			if !m.Role.Valid() {
				return fmt.Errorf("invalid role %q", m.Role)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, role, content, token_count, created_at) VALUES (?, ?, ?, ?, ?)`,
				sessionID, string(m.Role), m.Content, m.TokenCount, now)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			if m.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			m.SessionID = sessionID
			m.CreatedAt = parseTime(now)
			out = append(out, m)
		}
		return recomputeStats(ctx, tx, sessionID, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearMessages deletes every message of the session and zeroes its stats.
func (s *Store) ClearMessages(ctx context.Context, sessionID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		return recomputeStats(ctx, tx, sessionID, s.stamp())
	})
}

func recomputeStats(ctx context.Context, tx *sql.Tx, sessionID int64, now string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			message_count = (SELECT COUNT(*) FROM messages WHERE session_id = ?),
			total_tokens = (SELECT COALESCE(SUM(token_count), 0) FROM messages WHERE session_id = ?),
			updated_at = ?
		WHERE id = ?`, sessionID, sessionID, now, sessionID)
	if err != nil {
		return fmt.Errorf("update session stats: %w", err)
	}
	return expectOne(res, sessionID)
}
