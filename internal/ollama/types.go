package ollama

// Wire types for the Ollama HTTP API. Streaming responses arrive as
// newline-delimited JSON objects of the same shape as the buffered one.

// chatMessage is one turn in Ollama's native format. Images are base64
// payloads without the data: prefix.
type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ChatResponse is one /api/chat frame. In a stream, every frame except the
// last has Done false; token counts appear only on the final frame.
type ChatResponse struct {
	Model           string       `json:"model"`
	CreatedAt       string       `json:"created_at"`
	Message         *respMessage `json:"message"`
	Done            bool         `json:"done"`
	PromptEvalCount int          `json:"prompt_eval_count"`
	EvalCount       int          `json:"eval_count"`
}

type respMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// tagsResponse is the GET /api/tags body.
type tagsResponse struct {
	Models []tagModel `json:"models"`
}

type tagModel struct {
	Name string `json:"name"`
}
