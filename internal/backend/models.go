package backend

import (
	"context"
	"fmt"

	"github.com/497672776/zenow/internal/chat"
	"github.com/497672776/zenow/internal/supervisor"
	"github.com/497672776/zenow/pkg/types"
)

// ListModels returns the mode's catalog and current selection.
func (b *Backend) ListModels(ctx context.Context, mode types.Mode) (types.ModelListResponse, error) {
	return b.models.List(ctx, mode)
}

// CurrentModel returns the mode's selected artifact or nil.
func (b *Backend) CurrentModel(ctx context.Context, mode types.Mode) (*types.ModelArtifact, error) {
	return b.models.Current(ctx, mode)
}

// AddModel registers a GGUF file by path.
func (b *Backend) AddModel(ctx context.Context, req types.AddModelRequest) (types.ModelArtifact, error) {
	if err := b.check(req); err != nil {
		return types.ModelArtifact{}, err
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return types.ModelArtifact{}, invalidError{msg: err.Error()}
	}
	return b.models.AddModel(ctx, req.Name, req.Path, mode)
}

// SetCurrentModel persists the selection without touching the server.
func (b *Backend) SetCurrentModel(ctx context.Context, req types.SetCurrentRequest) error {
	if err := b.check(req); err != nil {
		return err
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return invalidError{msg: err.Error()}
	}
	return b.models.SetCurrent(ctx, req.ModelID, mode)
}

// LoadModel runs the composite resolve, download and start flow.
func (b *Backend) LoadModel(ctx context.Context, req types.LoadModelRequest) (types.LoadModelResponse, error) {
	if err := b.check(req); err != nil {
		return types.LoadModelResponse{ModelName: req.ModelName, Message: err.Error(), ServerStatus: types.StatusNotStarted}, err
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return types.LoadModelResponse{ModelName: req.ModelName, Message: err.Error(), ServerStatus: types.StatusNotStarted}, invalidError{msg: err.Error()}
	}
	return b.models.Load(ctx, req.ModelName, mode, req.DownloadURL)
}

// StartDownload starts a download or returns the task already running for
// the URL.
func (b *Backend) StartDownload(req types.DownloadRequest) (types.DownloadTask, error) {
	if err := b.check(req); err != nil {
		return types.DownloadTask{}, err
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		return types.DownloadTask{}, invalidError{msg: err.Error()}
	}
	return b.downloads.Start(req.URL, mode, req.Filename)
}

// DownloadStatus returns the task for url.
func (b *Backend) DownloadStatus(url string) (types.DownloadTask, error) {
	return b.downloads.Status(url)
}

// Downloads lists every known task.
func (b *Backend) Downloads() []types.DownloadTask { return b.downloads.All() }

// Params returns the persisted parameters of mode.
func (b *Backend) Params(ctx context.Context, mode types.Mode) (types.ModelParams, error) {
	return b.store.Params(ctx, mode)
}

// UpdateParams merges upd into the persisted parameters and hands the result
// to the supervisor, which restarts a running server only when a
// process-level parameter changed.
func (b *Backend) UpdateParams(ctx context.Context, mode types.Mode, upd types.ParamsUpdate) (types.UpdateParamsResponse, error) {
	var resp types.UpdateParamsResponse
	if upd.Empty() {
		return resp, invalidError{msg: "no parameters given"}
	}
	if err := b.check(upd); err != nil {
		return resp, err
	}
	prev, err := b.store.Params(ctx, mode)
	if err != nil {
		return resp, err
	}
	next := upd.Apply(prev)
	if err := b.check(next); err != nil {
		return resp, err
	}
	if err := b.store.SaveParams(ctx, mode, next); err != nil {
		return resp, err
	}
	resp.Params = next

	prevSP, _ := supervisor.SplitParams(prev)
	sp, cp := supervisor.SplitParams(next)
	st, err := b.servers.Status(mode)
	if err != nil {
		return resp, err
	}
	resp.RequiresRestart = prevSP != sp && st.Status == types.StatusRunning

	restarted, err := b.servers.RestartIfNeeded(ctx, mode, sp, cp)
	resp.Restarted = restarted
	if err != nil {
		resp.Message = fmt.Sprintf("%s parameters saved but the server could not be restarted: %v", mode, err)
		return resp, err
	}
	resp.Success = true
	switch {
	case restarted:
		resp.Message = fmt.Sprintf("%s parameters saved, server restarted", mode)
	default:
		resp.Message = fmt.Sprintf("%s parameters saved", mode)
	}
	b.log.Info().Str("mode", string(mode)).Bool("restarted", restarted).Msg("parameters updated")
	return resp, nil
}

// ServerStatus returns one mode's server snapshot.
func (b *Backend) ServerStatus(mode types.Mode) (types.ServerState, error) {
	return b.servers.Status(mode)
}

// ServerStatuses returns every mode's snapshot.
func (b *Backend) ServerStatuses() []types.ServerState { return b.servers.Statuses() }

// StopServer stops the mode's server.
func (b *Backend) StopServer(ctx context.Context, mode types.Mode) (types.ServerState, error) {
	return b.servers.Stop(ctx, mode)
}

// Chat runs one turn against the generation server.
func (b *Backend) Chat(ctx context.Context, req chat.TurnRequest, sink chat.Sink) (chat.TurnResult, error) {
	return b.chat.Turn(ctx, req, sink)
}
