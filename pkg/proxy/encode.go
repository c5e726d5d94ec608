package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Wire shapes for the OpenAI-compatible surface. Defined locally so a
// per-delta finish_reason can marshal as JSON null, which clients
// require on non-final chunks.

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usageBlock         `json:"usage"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

func newChatCompletion(id, model, content string) chatCompletion {
	return chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		// Token accounting is not available from the upstream; the
		// block is present but zeroed so clients can still decode it.
		Usage: usageBlock{},
	}
}

// chunkWriter emits chat.completion.chunk events over SSE, flushing
// after each event so clients observe deltas as they happen.
type chunkWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64
	started bool
}

func newChunkWriter(w http.ResponseWriter, id, model string) *chunkWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	cw := &chunkWriter{w: w, flusher: flusher, id: id, model: model, created: time.Now().Unix()}
	cw.flush()
	return cw
}

func (cw *chunkWriter) writeEvent(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(cw.w, "data: %s\n\n", b)
	cw.flush()
}

func (cw *chunkWriter) flush() {
	if cw.flusher != nil {
		cw.flusher.Flush()
	}
}

// WriteContent sends one content delta. The first chunk also announces
// the assistant role, as clients expect from the reference server.
func (cw *chunkWriter) WriteContent(content string) {
	delta := chunkDelta{Content: content}
	if !cw.started {
		delta.Role = "assistant"
		cw.started = true
	}
	cw.writeEvent(completionChunk{
		ID:      cw.id,
		Object:  "chat.completion.chunk",
		Created: cw.created,
		Model:   cw.model,
		Choices: []chunkChoice{{Delta: delta, FinishReason: nil}},
	})
}

// Finish sends the terminal stop chunk followed by the DONE sentinel.
func (cw *chunkWriter) Finish() {
	stop := "stop"
	cw.writeEvent(completionChunk{
		ID:      cw.id,
		Object:  "chat.completion.chunk",
		Created: cw.created,
		Model:   cw.model,
		Choices: []chunkChoice{{Delta: chunkDelta{}, FinishReason: &stop}},
	})
	fmt.Fprint(cw.w, "data: [DONE]\n\n")
	cw.flush()
}
