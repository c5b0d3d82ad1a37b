package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ModelListResponse is returned by GET /models/list.
type ModelListResponse struct {
	Models       []ModelArtifact `json:"models"`
	CurrentModel *ModelArtifact  `json:"current_model"`
}

// AddModelRequest registers an artifact supplied by path.
type AddModelRequest struct {
	// example: my-model
	Name string `json:"name" validate:"required" example:"my-model"`
	// example: /home/user/Downloads/models/my-model.gguf
	Path string `json:"path" validate:"required" example:"/home/user/Downloads/models/my-model.gguf"`
	// example: generation
	Mode string `json:"mode,omitempty" example:"generation"`
}

// SetCurrentRequest persists the current model for a mode.
type SetCurrentRequest struct {
	ModelID int64  `json:"model_id" validate:"required,gt=0"`
	Mode    string `json:"mode,omitempty"`
}

// LoadModelRequest triggers the composite load flow.
type LoadModelRequest struct {
	// example: Qwen3-0.6B-Q4_K_M
	ModelName string `json:"model_name" validate:"required" example:"Qwen3-0.6B-Q4_K_M"`
	// example: generation
	Mode string `json:"mode,omitempty" example:"generation"`
	// Optional source used when the artifact is not yet on disk.
	DownloadURL string `json:"download_url,omitempty" validate:"omitempty,url"`
}

// LoadModelResponse reports the outcome of a load.
type LoadModelResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ModelName string `json:"model_name"`
	ModelPath string `json:"model_path,omitempty"`
	// example: running
	ServerStatus ServerStatus `json:"server_status" example:"running"`
}

// DownloadRequest starts (or returns) a download task.
type DownloadRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Mode     string `json:"mode,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// DownloadListResponse is returned by GET /models/download/status without a URL.
type DownloadListResponse struct {
	Success   bool           `json:"success"`
	Downloads []DownloadTask `json:"downloads"`
}

// ParamsUpdate is a partial update of ModelParams; nil fields are left as is.
type ParamsUpdate struct {
	ContextSize   *int     `json:"context_size,omitempty" validate:"omitempty,gt=0"`
	Threads       *int     `json:"threads,omitempty" validate:"omitempty,gt=0"`
	GPULayers     *int     `json:"gpu_layers,omitempty" validate:"omitempty,gte=0"`
	BatchSize     *int     `json:"batch_size,omitempty" validate:"omitempty,gt=0"`
	Temperature   *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" validate:"omitempty,gte=0"`
	MaxTokens     *int     `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	SystemPrompt  *string  `json:"system_prompt,omitempty"`
}

// Empty reports whether no field is set.
func (u ParamsUpdate) Empty() bool {
	return u.ContextSize == nil && u.Threads == nil && u.GPULayers == nil && u.BatchSize == nil &&
		u.Temperature == nil && u.RepeatPenalty == nil && u.MaxTokens == nil && u.SystemPrompt == nil
}

// Apply returns p with every set field of u copied over.
func (u ParamsUpdate) Apply(p ModelParams) ModelParams {
	if u.ContextSize != nil {
		p.ContextSize = *u.ContextSize
	}
	if u.Threads != nil {
		p.Threads = *u.Threads
	}
	if u.GPULayers != nil {
		p.GPULayers = *u.GPULayers
	}
	if u.BatchSize != nil {
		p.BatchSize = *u.BatchSize
	}
	if u.Temperature != nil {
		p.Temperature = *u.Temperature
	}
	if u.RepeatPenalty != nil {
		p.RepeatPenalty = *u.RepeatPenalty
	}
	if u.MaxTokens != nil {
		p.MaxTokens = *u.MaxTokens
	}
	if u.SystemPrompt != nil {
		p.SystemPrompt = *u.SystemPrompt
	}
	return p
}

// UpdateParamsResponse reports whether the change needed and got a restart.
type UpdateParamsResponse struct {
	Success         bool        `json:"success"`
	Message         string      `json:"message"`
	RequiresRestart bool        `json:"requires_restart"`
	Restarted       bool        `json:"restarted"`
	Params          ModelParams `json:"params"`
}

// ChatMessage is a role/content pair on the wire.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat. Either Message or Messages carries the
// new user turn; with Messages only the last element is used, history comes
// from the session.
type ChatRequest struct {
	Message   *ChatMessage  `json:"message,omitempty"`
	Messages  []ChatMessage `json:"messages,omitempty"`
	SessionID int64         `json:"session_id" validate:"required,gt=0"`
	// example: true
	Stream        *bool    `json:"stream,omitempty" example:"true"`
	Temperature   *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" validate:"omitempty,gte=0"`
	MaxTokens     *int     `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
}

// NewMessage returns the user turn carried by the request.
func (r ChatRequest) NewMessage() (ChatMessage, bool) {
	if r.Message != nil {
		return *r.Message, true
	}
	if n := len(r.Messages); n > 0 {
		return r.Messages[n-1], true
	}
	return ChatMessage{}, false
}

// Streaming reports whether the caller wants SSE (the default).
func (r ChatRequest) Streaming() bool { return r.Stream == nil || *r.Stream }

// ChatChunk is one SSE event of a streamed chat turn.
type ChatChunk struct {
	Data         string `json:"data"`
	DoneFlag     bool   `json:"done_flag"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ChatResponse is returned when stream is false.
type ChatResponse struct {
	SessionID    int64  `json:"session_id"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Partial      bool   `json:"partial"`
}

// CreateSessionRequest names a session after its first user message.
type CreateSessionRequest struct {
	FirstMessage string `json:"first_message" validate:"required"`
}

// CreateSessionResponse is returned by POST /sessions.
type CreateSessionResponse struct {
	SessionID   int64  `json:"session_id"`
	SessionName string `json:"session_name"`
}

// SessionListResponse is returned by GET /sessions.
type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
}

// RenameSessionRequest is the body of PUT /sessions/{id}/name.
type RenameSessionRequest struct {
	NewName string `json:"new_name" validate:"required"`
}

// MessagesResponse is returned by GET /sessions/{id}/messages.
type MessagesResponse struct {
	Messages    []Message `json:"messages"`
	SessionID   int64     `json:"session_id"`
	TotalTokens int       `json:"total_tokens"`
}

// AddMessageRequest appends one message to a session.
type AddMessageRequest struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// AddMessageResponse is returned by POST /sessions/{id}/messages.
type AddMessageResponse struct {
	MessageID int64 `json:"message_id"`
	SessionID int64 `json:"session_id"`
}
