package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/497672776/zenow/pkg/types"
)

const modelCols = `id, mode, name, path, source_url, is_downloaded`

func scanModel(r rowScanner) (types.ModelArtifact, error) {
	var (
		a    types.ModelArtifact
		mode string
		dl   int
	)
	if err := r.Scan(&a.ID, &mode, &a.Name, &a.Path, &a.SourceURL, &dl); err != nil {
		return a, err
	}
	a.Mode = types.Mode(mode)
	a.IsDownloaded = dl != 0
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AddModel inserts a catalog row. A duplicate (mode, name) yields ErrConflict.
func (s *Store) AddModel(ctx context.Context, a types.ModelArtifact) (types.ModelArtifact, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO model_info (mode, name, path, source_url, is_downloaded, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.Mode), a.Name, a.Path, a.SourceURL, boolInt(a.IsDownloaded), s.stamp())
	if isUniqueViolation(err) {
		return a, fmt.Errorf("model %q (%s): %w", a.Name, a.Mode, ErrConflict)
	}
	if err != nil {
		return a, fmt.Errorf("add model: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return a, err
	}
	return a, nil
}

// EnsureModel returns the (mode, name) row, creating it from a when absent.
// An existing row gets a's path and source URL when those are non-empty;
// is_downloaded is never cleared here.
func (s *Store) EnsureModel(ctx context.Context, a types.ModelArtifact) (types.ModelArtifact, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_info (mode, name, path, source_url, is_downloaded, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mode, name) DO UPDATE SET
			path = CASE WHEN excluded.path <> '' THEN excluded.path ELSE model_info.path END,
			source_url = CASE WHEN excluded.source_url <> '' THEN excluded.source_url ELSE model_info.source_url END,
			is_downloaded = MAX(model_info.is_downloaded, excluded.is_downloaded)`,
		string(a.Mode), a.Name, a.Path, a.SourceURL, boolInt(a.IsDownloaded), s.stamp())
	if err != nil {
		return a, fmt.Errorf("ensure model: %w", err)
	}
	return s.GetModelByName(ctx, a.Mode, a.Name)
}

// MarkDownloaded flags the (mode, name) artifact as complete at path,
// creating the row when unknown.
func (s *Store) MarkDownloaded(ctx context.Context, mode types.Mode, name, path, sourceURL string) (types.ModelArtifact, error) {
	return s.EnsureModel(ctx, types.ModelArtifact{Mode: mode, Name: name, Path: path, SourceURL: sourceURL, IsDownloaded: true})
}

func (s *Store) getModel(ctx context.Context, what string, query string, args ...any) (types.ModelArtifact, error) {
	a, err := scanModel(s.db.QueryRowContext(ctx, `SELECT `+modelCols+` FROM model_info WHERE `+query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("model %s: %w", what, ErrModelNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("get model: %w", err)
	}
	return a, nil
}

// GetModel looks a model up by id.
func (s *Store) GetModel(ctx context.Context, id int64) (types.ModelArtifact, error) {
	return s.getModel(ctx, fmt.Sprintf("id %d", id), `id = ?`, id)
}

// GetModelByName looks a model up by its unique (mode, name).
func (s *Store) GetModelByName(ctx context.Context, mode types.Mode, name string) (types.ModelArtifact, error) {
	return s.getModel(ctx, fmt.Sprintf("%q (%s)", name, mode), `mode = ? AND name = ?`, string(mode), name)
}

// GetModelByPath looks a model up by file path within a mode.
func (s *Store) GetModelByPath(ctx context.Context, mode types.Mode, path string) (types.ModelArtifact, error) {
	return s.getModel(ctx, fmt.Sprintf("path %q (%s)", path, mode), `mode = ? AND path = ? ORDER BY id LIMIT 1`, string(mode), path)
}

// ListModels returns every artifact of a mode ordered by name.
func (s *Store) ListModels(ctx context.Context, mode types.Mode) ([]types.ModelArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelCols+` FROM model_info WHERE mode = ? ORDER BY name`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	out := []types.ModelArtifact{}
	for rows.Next() {
		a, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetCurrent records id as the mode's current model. The model must belong
// to the mode.
func (s *Store) SetCurrent(ctx context.Context, mode types.Mode, id int64) error {
	a, err := s.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if a.Mode != mode {
		return fmt.Errorf("model %d belongs to %s, not %s: %w", id, a.Mode, mode, ErrModelNotFound)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO current_model (mode, model_id) VALUES (?, ?) ON CONFLICT(mode) DO UPDATE SET model_id = excluded.model_id`,
		string(mode), id)
	if err != nil {
		return fmt.Errorf("set current: %w", err)
	}
	return nil
}

// Current returns the mode's current model, or nil when none is selected.
func (s *Store) Current(ctx context.Context, mode types.Mode) (*types.ModelArtifact, error) {
	a, err := scanModel(s.db.QueryRowContext(ctx, `
		SELECT m.id, m.mode, m.name, m.path, m.source_url, m.is_downloaded
		FROM current_model c JOIN model_info m ON m.id = c.model_id
		WHERE c.mode = ?`, string(mode)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current model: %w", err)
	}
	return &a, nil
}
