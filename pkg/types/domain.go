package types

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects one of the three independent inference tasks. Each mode has its
// own llama-server process, model catalog and parameters.
type Mode string

const (
	ModeGeneration Mode = "generation"
	ModeEmbedding  Mode = "embedding"
	ModeReranking  Mode = "reranking"
)

// Modes lists every mode in a stable order.
var Modes = []Mode{ModeGeneration, ModeEmbedding, ModeReranking}

// ParseMode accepts canonical mode names and the short aliases used by the UI
// (llm, embed, rerank). An empty string selects generation.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "generation", "llm":
		return ModeGeneration, nil
	case "embedding", "embed":
		return ModeEmbedding, nil
	case "reranking", "rerank":
		return ModeReranking, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be generation, embedding or reranking", s)
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeGeneration, ModeEmbedding, ModeReranking:
		return true
	}
	return false
}

// ModelArtifact is a model file on disk plus its catalog metadata.
type ModelArtifact struct {
	// Catalog identifier.
	// example: 3
	ID int64 `json:"id" example:"3"`
	// Model name, unique per mode.
	// example: Qwen3-0.6B-Q4_K_M
	Name string `json:"name" example:"Qwen3-0.6B-Q4_K_M"`
	// Absolute path of the GGUF file.
	// example: /home/user/.cache/zenow/model/generation/Qwen3-0.6B-Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/.cache/zenow/model/generation/Qwen3-0.6B-Q4_K_M.gguf"`
	// Mode the artifact serves.
	// example: generation
	Mode Mode `json:"mode" example:"generation"`
	// True once the file is known to be complete on disk.
	// example: true
	IsDownloaded bool `json:"is_downloaded" example:"true"`
	// Remote URL the artifact was (or will be) fetched from.
	SourceURL string `json:"source_url,omitempty"`
}

// ServerStatus is the lifecycle state of a mode's llama-server.
type ServerStatus string

const (
	StatusNotStarted ServerStatus = "not_started"
	StatusStarting   ServerStatus = "starting"
	StatusRunning    ServerStatus = "running"
	StatusError      ServerStatus = "error"
	StatusStopped    ServerStatus = "stopped"
)

// ServerState is a read-only snapshot of one mode's supervised server.
type ServerState struct {
	// example: generation
	Mode Mode `json:"mode" example:"generation"`
	// example: running
	Status ServerStatus `json:"status" example:"running"`
	// example: Qwen3-0.6B-Q4_K_M
	ModelName string `json:"model_name,omitempty" example:"Qwen3-0.6B-Q4_K_M"`
	ModelPath string `json:"model_path,omitempty"`
	// Diagnostic for the error state (stderr tail, exit status, timeout).
	ErrorMessage string `json:"error_message,omitempty"`
	// True while the process is alive and ready.
	// example: true
	IsRunning bool `json:"is_running" example:"true"`
	// example: 12345
	PID int `json:"pid,omitempty" example:"12345"`
	// example: 8051
	Port int `json:"port,omitempty" example:"8051"`
}

// DownloadStatus is the state of a DownloadTask.
type DownloadStatus string

const (
	DownloadInProgress DownloadStatus = "downloading"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// DownloadTask reports the progress of one URL fetch.
type DownloadTask struct {
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	Filename string         `json:"filename"`
	Mode     Mode           `json:"mode"`
	Path     string         `json:"path"`
	Status   DownloadStatus `json:"status"`
	// example: 1048576
	BytesDownloaded int64 `json:"downloaded" example:"1048576"`
	// Zero when the server did not send Content-Length.
	// example: 4194304
	BytesTotal int64 `json:"total" example:"4194304"`
	// Percentage in [0,100].
	// example: 25
	Progress float64 `json:"progress" example:"25"`
	Error    string  `json:"error,omitempty"`
}

// Session is a persisted conversation.
type Session struct {
	ID           int64     `json:"id"`
	Name         string    `json:"session_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
}

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message belongs to exactly one Session.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ModelParams is the persisted per-mode configuration. The first four fields
// require a fresh llama-server process when changed; the sampling fields and
// the system prompt are applied per request.
type ModelParams struct {
	// example: 15360
	ContextSize int `json:"context_size" validate:"gt=0" example:"15360"`
	// example: 8
	Threads int `json:"threads" validate:"gt=0" example:"8"`
	// example: 0
	GPULayers int `json:"gpu_layers" validate:"gte=0" example:"0"`
	// example: 512
	BatchSize int `json:"batch_size" validate:"gt=0" example:"512"`
	// example: 0.7
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2" example:"0.7"`
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty" validate:"gte=0" example:"1.1"`
	// example: 2048
	MaxTokens int `json:"max_tokens" validate:"gt=0" example:"2048"`
	// example: You are a helpful assistant.
	SystemPrompt string `json:"system_prompt" example:"You are a helpful assistant."`
}

// DefaultModelParams returns the built-in parameters for a mode. Embedding and
// reranking servers use a smaller context window.
func DefaultModelParams(m Mode) ModelParams {
	p := ModelParams{
		ContextSize:   15360,
		Threads:       8,
		GPULayers:     0,
		BatchSize:     512,
		Temperature:   0.7,
		RepeatPenalty: 1.1,
		MaxTokens:     2048,
		SystemPrompt:  "You are a helpful assistant.",
	}
	if m == ModeEmbedding || m == ModeReranking {
		p.ContextSize = 8192
	}
	return p
}
