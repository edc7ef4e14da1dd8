// Package ingest turns multipart upload requests into the normalized
// message list the completion pipeline consumes. Uploaded images become
// data: URL content parts attached to the final user message.
package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"aiproxy/internal/openai"
)

// ErrTooLarge means the upload exceeded the configured size cap.
var ErrTooLarge = errors.New("ingest: upload too large")

// ErrUnsupportedType means a file's MIME type is not on the allow list.
var ErrUnsupportedType = errors.New("ingest: unsupported file type")

// ErrBadRequest means the upload body itself is malformed. The client sent
// it; the edge answers 400.
var ErrBadRequest = errors.New("ingest: malformed request")

// Options bound what an upload may contain.
type Options struct {
	MaxUploadBytes int64
	AllowedTypes   []string
}

func (o Options) allowed(mimeType string) bool {
	for _, t := range o.AllowedTypes {
		if strings.EqualFold(t, mimeType) {
			return true
		}
	}
	return false
}

// Parse reads a multipart completion request: fields model, messages (JSON
// string), stream, plus any number of files. The result is a standard
// completion request ready for the usual pipeline.
func Parse(r *http.Request, opts Options) (*openai.ChatCompletionRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(opts.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, ErrTooLarge
		}
		if strings.Contains(err.Error(), "request body too large") {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("%w: parse multipart form: %v", ErrBadRequest, err)
	}

	req := &openai.ChatCompletionRequest{
		Model: r.FormValue("model"),
	}
	if raw := r.FormValue("messages"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Messages); err != nil {
			return nil, fmt.Errorf("%w: decode messages field: %v", ErrBadRequest, err)
		}
	}
	if v := r.FormValue("stream"); v != "" {
		stream, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: decode stream field: %v", ErrBadRequest, err)
		}
		req.Stream = stream
	}

	if r.MultipartForm == nil {
		return req, nil
	}
	var parts []openai.ContentPart
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			part, err := filePart(fh, opts)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
	}
	if len(parts) > 0 {
		attachParts(req, parts)
	}
	return req, nil
}

// filePart converts one uploaded file into an image_url data: part.
func filePart(fh *multipart.FileHeader, opts Options) (openai.ContentPart, error) {
	if fh.Size > opts.MaxUploadBytes {
		return openai.ContentPart{}, ErrTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return openai.ContentPart{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, opts.MaxUploadBytes+1))
	if err != nil {
		return openai.ContentPart{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	if int64(len(raw)) > opts.MaxUploadBytes {
		return openai.ContentPart{}, ErrTooLarge
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(raw)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if !opts.allowed(mimeType) {
		return openai.ContentPart{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	url := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(raw))
	return openai.ContentPart{
		Type:     "image_url",
		ImageURL: &openai.ImageURL{URL: url},
	}, nil
}

// attachParts adds the image parts to the last user message, promoting its
// plain text to a text part. With no user message the images form one.
func attachParts(req *openai.ChatCompletionRequest, parts []openai.ContentPart) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := &req.Messages[i]
		if m.Role != "user" {
			continue
		}
		if !m.Content.IsMultimodal() {
			var converted []openai.ContentPart
			if m.Content.Text != "" {
				converted = append(converted, openai.ContentPart{Type: "text", Text: m.Content.Text})
			}
			m.Content = openai.MessageContent{Parts: converted}
		}
		m.Content.Parts = append(m.Content.Parts, parts...)
		return
	}
	req.Messages = append(req.Messages, openai.ChatMessage{
		Role:    "user",
		Content: openai.MessageContent{Parts: parts},
	})
}
