package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/497672776/zenow/pkg/types"
)

// Params returns the persisted parameters of a mode, or the built-in defaults
// when nothing has been saved yet.
func (s *Store) Params(ctx context.Context, mode types.Mode) (types.ModelParams, error) {
	var p types.ModelParams
	err := s.db.QueryRowContext(ctx, `
		SELECT context_size, threads, gpu_layers, batch_size, temperature, repeat_penalty, max_tokens, system_prompt
		FROM mode_params WHERE mode = ?`, string(mode)).
		Scan(&p.ContextSize, &p.Threads, &p.GPULayers, &p.BatchSize, &p.Temperature, &p.RepeatPenalty, &p.MaxTokens, &p.SystemPrompt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultModelParams(mode), nil
	}
	if err != nil {
		return p, fmt.Errorf("load params: %w", err)
	}
	return p, nil
}

// SaveParams replaces the mode's parameters.
func (s *Store) SaveParams(ctx context.Context, mode types.Mode, p types.ModelParams) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mode_params (mode, context_size, threads, gpu_layers, batch_size, temperature, repeat_penalty, max_tokens, system_prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mode) DO UPDATE SET
			context_size = excluded.context_size,
			threads = excluded.threads,
			gpu_layers = excluded.gpu_layers,
			batch_size = excluded.batch_size,
			temperature = excluded.temperature,
			repeat_penalty = excluded.repeat_penalty,
			max_tokens = excluded.max_tokens,
			system_prompt = excluded.system_prompt`,
		string(mode), p.ContextSize, p.Threads, p.GPULayers, p.BatchSize, p.Temperature, p.RepeatPenalty, p.MaxTokens, p.SystemPrompt)
	if err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}
