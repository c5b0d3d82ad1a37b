package httpapi

import (
	"net/http"

	"github.com/497672776/zenow/pkg/types"
)

// currentModel godoc
// @Summary      Current model of a mode
// @Tags         models
// @Produce      json
// @Param        mode  query  string  false  "generation|embedding|reranking (aliases llm, embed, rerank)"
// @Success      200  {object}  types.ModelArtifact
// @Failure      400  {object}  types.ErrorResponse
// @Router       /models/current [get]
func (h *handler) currentModel(w http.ResponseWriter, r *http.Request) {
	mode, ok := queryMode(w, r)
	if !ok {
		return
	}
	cur, err := h.svc.CurrentModel(r.Context(), mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// listModels godoc
// @Summary      List models of a mode
// @Tags         models
// @Produce      json
// @Param        mode  query  string  false  "mode"
// @Success      200  {object}  types.ModelListResponse
// @Router       /models/list [get]
func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	mode, ok := queryMode(w, r)
	if !ok {
		return
	}
	resp, err := h.svc.ListModels(r.Context(), mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if resp.Models == nil {
		resp.Models = []types.ModelArtifact{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// addModel godoc
// @Summary      Register a GGUF file by path
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        body  body  types.AddModelRequest  true  "model"
// @Success      201  {object}  types.ModelArtifact
// @Failure      400  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /models/add [post]
func (h *handler) addModel(w http.ResponseWriter, r *http.Request) {
	var req types.AddModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.svc.AddModel(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *handler) setCurrent(w http.ResponseWriter, r *http.Request) {
	var req types.SetCurrentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SetCurrentModel(r.Context(), req); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "model_id": req.ModelID})
}

// loadModel godoc
// @Summary      Resolve, download if needed, and start a model
// @Description  Makes the model current only when its server is running.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        body  body  types.LoadModelRequest  true  "load request"
// @Success      200  {object}  types.LoadModelResponse
// @Failure      404  {object}  types.LoadModelResponse
// @Failure      429  {object}  types.LoadModelResponse
// @Router       /models/load [post]
func (h *handler) loadModel(w http.ResponseWriter, r *http.Request) {
	var req types.LoadModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	log := requestLogger(r)
	lvl := requestLogLevel(r)
	if lvl >= LevelInfo {
		log.Info().Str("model", req.ModelName).Str("mode", req.Mode).Msg("load start")
	}
	ctx, cancel := detachedContext(r)
	defer cancel()
	resp, err := h.svc.LoadModel(ctx, req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusTooManyRequests {
			IncrementBackpressure("server_busy")
		}
		if lvl >= LevelError {
			log.Error().Err(err).Int("status", status).Msg("load failed")
		}
		resp.Success = false
		if resp.Message == "" {
			resp.Message = err.Error()
		}
		writeJSON(w, status, resp)
		return
	}
	if lvl >= LevelInfo {
		log.Info().Str("model", resp.ModelName).Str("status", string(resp.ServerStatus)).Msg("load end")
	}
	writeJSON(w, http.StatusOK, resp)
}

// startDownload godoc
// @Summary      Start a model download
// @Description  Returns the existing task when the URL is already downloading.
// @Tags         downloads
// @Accept       json
// @Produce      json
// @Param        body  body  types.DownloadRequest  true  "download request"
// @Success      202  {object}  types.DownloadTask
// @Router       /models/download [post]
func (h *handler) startDownload(w http.ResponseWriter, r *http.Request) {
	var req types.DownloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.svc.StartDownload(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusAccepted
	if task.Status == types.DownloadCompleted {
		status = http.StatusOK
	}
	writeJSON(w, status, task)
}

func (h *handler) downloadStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeJSON(w, http.StatusOK, types.DownloadListResponse{Success: true, Downloads: h.svc.Downloads()})
		return
	}
	task, err := h.svc.DownloadStatus(url)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handler) getParams(w http.ResponseWriter, r *http.Request) {
	mode, ok := queryMode(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Params(r.Context(), mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// updateParams godoc
// @Summary      Update persisted parameters
// @Description  Restarts a running server only when a process-level parameter changed.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        mode  query  string              false  "mode"
// @Param        body  body   types.ParamsUpdate  true   "fields to change"
// @Success      200  {object}  types.UpdateParamsResponse
// @Router       /models/update_param [post]
func (h *handler) updateParams(w http.ResponseWriter, r *http.Request) {
	mode, ok := queryMode(w, r)
	if !ok {
		return
	}
	var upd types.ParamsUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	ctx, cancel := detachedContext(r)
	defer cancel()
	resp, err := h.svc.UpdateParams(ctx, mode, upd)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// serverStatus godoc
// @Summary      Server state
// @Description  One mode when ?mode= is given, otherwise every mode.
// @Tags         server
// @Produce      json
// @Param        mode  query  string  false  "mode"
// @Success      200  {object}  types.ServerState
// @Router       /server/status [get]
func (h *handler) serverStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("mode") == "" {
		writeJSON(w, http.StatusOK, h.svc.ServerStatuses())
		return
	}
	mode, ok := queryMode(w, r)
	if !ok {
		return
	}
	st, err := h.svc.ServerStatus(mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) stopServer(w http.ResponseWriter, r *http.Request) {
	mode, ok := queryMode(w, r)
	if !ok {
		return
	}
	st, err := h.svc.StopServer(r.Context(), mode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
