// Package tracker records token usage and cost for completed requests and
// relays streamed completions to the client while harvesting the terminal
// usage frame.
//
// A usage row is written exactly once per completed request. Requests that
// fail mid-stream or are cancelled before the terminal frame write nothing.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"aiproxy/internal/db"
	"aiproxy/internal/metrics"
	"aiproxy/internal/ollama"
	"aiproxy/internal/openai"
	"aiproxy/internal/pricing"
	"aiproxy/internal/ratelimit"
)

// previewRunes caps the stored prompt preview.
const previewRunes = 120

// recordTimeout bounds the detached usage write after a stream completes.
const recordTimeout = 5 * time.Second

// Tracker writes usage rows and charges the in-memory token window.
type Tracker struct {
	store   db.UsageStore
	book    *pricing.Book
	limiter *ratelimit.Limiter
	log     *zap.Logger
}

// New builds a tracker.
func New(store db.UsageStore, book *pricing.Book, limiter *ratelimit.Limiter, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, book: book, limiter: limiter, log: log}
}

// PromptPreview returns the first 120 runes of the request's user-visible
// text content.
func PromptPreview(messages []openai.ChatMessage) string {
	var full string
	for i, m := range messages {
		if i > 0 {
			full += " "
		}
		full += m.Content.PlainText()
	}
	runes := []rune(full)
	if len(runes) > previewRunes {
		runes = runes[:previewRunes]
	}
	return string(runes)
}

// Record prices the token counts against the current book, writes the usage
// row and charges the minute token window. Called once per completed
// request, buffered or streamed.
func (t *Tracker) Record(ctx context.Context, userID, requestID, model, preview string, usage openai.Usage) error {
	cost, err := t.book.Cost(ctx, model, usage.PromptTokens, usage.CompletionTokens)
	if err != nil {
		return fmt.Errorf("price usage: %w", err)
	}
	rec := &db.UsageRecord{
		UserID:           userID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             cost,
		RequestID:        requestID,
		PromptPreview:    preview,
	}
	if err := t.store.RecordUsage(ctx, rec); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	t.limiter.Charge(userID, usage.TotalTokens)
	metrics.ObserveUsage(model, usage.PromptTokens, usage.CompletionTokens, cost)
	return nil
}

// ─── SSE helpers ─────────────────────────────────────────────────────────────

// WriteSSEHeaders prepares the response for event-stream output.
func WriteSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteFrame emits one data frame.
func WriteFrame(w io.Writer, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

// WriteDone emits the stream terminator.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}

// WriteErrorFrame emits an error envelope frame followed by the terminator.
func WriteErrorFrame(w io.Writer, envelope *openai.ErrorEnvelope) {
	if err := WriteFrame(w, envelope); err != nil {
		return
	}
	_ = WriteDone(w)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// ─── Stream relay ────────────────────────────────────────────────────────────

// Relay drains the backend stream into the client as SSE. Every delta frame
// is forwarded as one chunk; the terminal frame becomes a synthetic chunk
// that carries usage unless the request disabled it, followed by the
// terminator. Usage is recorded only after the terminal frame arrives; a
// mid-stream failure sends an error frame plus the terminator and records
// nothing, and a cancelled client records nothing.
//
// The caller retains ownership of the stream and must Close it.
func (t *Tracker) Relay(ctx context.Context, w http.ResponseWriter, stream *ollama.Stream, req *openai.ChatCompletionRequest, userID, requestID string) {
	WriteSSEHeaders(w)
	includeUsage := req.IncludeUsage()
	preview := PromptPreview(req.Messages)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := stream.Next()
		if err == io.EOF {
			// Backend closed without a terminal frame. Nothing to record.
			_ = WriteDone(w)
			flush(w)
			return
		}
		if err != nil {
			t.log.Warn("stream interrupted",
				zap.String("user_id", userID),
				zap.String("request_id", requestID),
				zap.Error(err))
			WriteErrorFrame(w, openai.NewError("Stream interrupted", "server_error", ""))
			flush(w)
			return
		}

		chunk := ollama.ToChunk(frame, req.Model, includeUsage)
		if err := WriteFrame(w, chunk); err != nil {
			// Client went away; the terminal frame never reached it.
			return
		}
		flush(w)

		if frame.Done {
			if err := WriteDone(w); err == nil {
				flush(w)
			}
			usage := openai.Usage{
				PromptTokens:     frame.PromptEvalCount,
				CompletionTokens: frame.EvalCount,
				TotalTokens:      frame.PromptEvalCount + frame.EvalCount,
			}
			// The client may disconnect right after the terminator; the
			// write must still land.
			recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
			defer cancel()
			if err := t.Record(recCtx, userID, requestID, req.Model, preview, usage); err != nil {
				t.log.Error("record streamed usage",
					zap.String("user_id", userID),
					zap.String("request_id", requestID),
					zap.Error(err))
			}
			return
		}
	}
}
