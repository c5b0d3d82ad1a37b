package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/497672776/zenow/internal/chat"
	"github.com/497672776/zenow/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// *backend.Backend satisfies it.
type Service interface {
	ListModels(ctx context.Context, mode types.Mode) (types.ModelListResponse, error)
	CurrentModel(ctx context.Context, mode types.Mode) (*types.ModelArtifact, error)
	AddModel(ctx context.Context, req types.AddModelRequest) (types.ModelArtifact, error)
	SetCurrentModel(ctx context.Context, req types.SetCurrentRequest) error
	LoadModel(ctx context.Context, req types.LoadModelRequest) (types.LoadModelResponse, error)

	StartDownload(req types.DownloadRequest) (types.DownloadTask, error)
	DownloadStatus(url string) (types.DownloadTask, error)
	Downloads() []types.DownloadTask

	Params(ctx context.Context, mode types.Mode) (types.ModelParams, error)
	UpdateParams(ctx context.Context, mode types.Mode, upd types.ParamsUpdate) (types.UpdateParamsResponse, error)

	ServerStatus(mode types.Mode) (types.ServerState, error)
	ServerStatuses() []types.ServerState
	StopServer(ctx context.Context, mode types.Mode) (types.ServerState, error)

	Chat(ctx context.Context, req chat.TurnRequest, sink chat.Sink) (chat.TurnResult, error)

	CreateSession(ctx context.Context, req types.CreateSessionRequest) (types.Session, error)
	ListSessions(ctx context.Context, limit, offset int) (types.SessionListResponse, error)
	GetSession(ctx context.Context, id int64) (types.Session, error)
	RenameSession(ctx context.Context, id int64, req types.RenameSessionRequest) error
	DeleteSession(ctx context.Context, id int64) error
	Messages(ctx context.Context, id int64) (types.MessagesResponse, error)
	AddMessage(ctx context.Context, id int64, req types.AddMessageRequest) (types.Message, error)
	ClearMessages(ctx context.Context, id int64) error

	Ready() bool
}

type handler struct{ svc Service }

// NewMux builds the router for every endpoint.
func NewMux(svc Service) http.Handler {
	h := &handler{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/current", h.currentModel)
		r.Get("/list", h.listModels)
		r.Post("/add", h.addModel)
		r.Post("/set_current", h.setCurrent)
		r.Post("/load", h.loadModel)
		r.Post("/download", h.startDownload)
		r.Get("/download/status", h.downloadStatus)
		r.Get("/get_param", h.getParams)
		r.Post("/update_param", h.updateParams)
	})

	r.Get("/server/status", h.serverStatus)
	r.Post("/server/stop", h.stopServer)

	r.Post("/chat", h.chat)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Get("/", h.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)
			r.Put("/name", h.renameSession)
			r.Get("/messages", h.listMessages)
			r.Post("/messages", h.addMessage)
			r.Delete("/messages", h.clearMessages)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no generation model loaded"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}

// decodeJSON enforces the content type and body limit. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		// oversized bodies get the same 400 as malformed ones
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// queryMode parses ?mode=; an absent value selects generation.
func queryMode(w http.ResponseWriter, r *http.Request) (types.Mode, bool) {
	m, err := types.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return m, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
