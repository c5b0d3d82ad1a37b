package httpapi

import (
	"net/http"

	"github.com/497672776/zenow/pkg/types"
)

// createSession godoc
// @Summary      Create a session named after its first message
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        body  body  types.CreateSessionRequest  true  "first message"
// @Success      201  {object}  types.CreateSessionResponse
// @Router       /sessions [post]
func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ss, err := h.svc.CreateSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateSessionResponse{SessionID: ss.ID, SessionName: ss.Name})
}

// listSessions godoc
// @Summary      List sessions, most recently updated first
// @Tags         sessions
// @Produce      json
// @Param        limit   query  int  false  "page size (default 50)"
// @Param        offset  query  int  false  "offset"
// @Success      200  {object}  types.SessionListResponse
// @Router       /sessions [get]
func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	resp, err := h.svc.ListSessions(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ss, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ss)
}

func (h *handler) renameSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req types.RenameSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.RenameSession(r.Context(), id, req); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteSession(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

// listMessages godoc
// @Summary      Messages of a session in chronological order
// @Tags         sessions
// @Produce      json
// @Param        id  path  int  true  "session id"
// @Success      200  {object}  types.MessagesResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /sessions/{id}/messages [get]
func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	resp, err := h.svc.Messages(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) addMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req types.AddMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.AddMessage(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.AddMessageResponse{MessageID: m.ID, SessionID: id})
}

func (h *handler) clearMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.ClearMessages(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}
