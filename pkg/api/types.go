package api

// CompletionRequest matches the OpenAI completions request schema, limited
// to the fields the engine understands.
type CompletionRequest struct {
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt"`
	N         *int   `json:"n,omitempty"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

// CompletionResponse matches the OpenAI completions response schema.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

// CompletionChoice is the final text of one sequence.
type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason string  `json:"finish_reason"`
	StopReason   *string `json:"stop_reason,omitempty"`
}

// CompletionChunk is a streaming SSE chunk.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is a single choice within a streaming chunk. Text is null on
// the chunk that finishes a sequence; FinishReason is null until then.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Text         *string `json:"text"`
	FinishReason *string `json:"finish_reason"`
	StopReason   *string `json:"stop_reason,omitempty"`
}

// Usage contains token usage information. The engine does not report prompt
// tokens, so only completion tokens are counted.
type Usage struct {
	CompletionTokens int `json:"completion_tokens"`
}

// ModelInfo represents a model in the /v1/models response.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	OwnedBy     string `json:"owned_by"`
	EngineState string `json:"engine_state"`
}

// ModelListResponse is the response for GET /v1/models.
type ModelListResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	EngineState string `json:"engine_state"`
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Object names used in responses.
const (
	ObjectTextCompletion = "text_completion"
	ObjectList           = "list"
	ObjectModel          = "model"
)

// DoneSentinel terminates a completion event stream.
const DoneSentinel = "[DONE]"

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int {
	return &n
}
