package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lkarlslund/enginebridge/pkg/conversations"
	"github.com/lkarlslund/enginebridge/pkg/relay"
	"github.com/lkarlslund/enginebridge/pkg/session"
)

const maxRequestBody = 8 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "request body required")
		return
	}

	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid json")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "messages are required")
		return
	}
	prompt := lastUserContent(req.Messages)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "a user message with content is required")
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.Models[0]
	}

	cookie, ok := s.resolveCookie(w, r)
	if !ok {
		return
	}

	sess, err := s.sessions.Bootstrap(r.Context(), cookie)
	if err != nil {
		if errors.Is(err, session.ErrCredentialInvalid) || errors.Is(err, session.ErrTokenIssuance) {
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "credential rejected by identity provider")
			return
		}
		log.Error("session bootstrap failed", "err", err)
		writeError(w, http.StatusBadGateway, errTypeUpstream, "identity provider unavailable")
		return
	}

	history := toHistory(req.Messages)
	// A correlation miss mints a fresh conversation; a store failure is
	// a hard error, never a miss.
	conversationID, found, err := s.correlator.Lookup(history, model)
	if err != nil {
		log.Error("conversation lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, errTypeInternal, "internal error")
		return
	}
	if !found {
		conversationID = uuid.NewString()
	}

	rl := s.upstream.NewRelay(relay.Params{
		BearerToken:    sess.BearerToken,
		UserID:         sess.UserID,
		ConversationID: conversationID,
		Model:          model,
		Prompt:         prompt,
	})

	s.metrics.ActiveRelays.Inc()
	defer s.metrics.ActiveRelays.Dec()

	if req.Stream {
		s.streamCompletion(w, r, rl, history, model, conversationID)
		return
	}
	s.aggregateCompletion(w, r, rl, history, model, conversationID)
}

func (s *Server) aggregateCompletion(w http.ResponseWriter, r *http.Request, rl *relay.Relay, history []conversations.Message, model, conversationID string) {
	content, err := rl.Collect(r.Context())
	if err != nil {
		s.finishCompletion("aggregate", "error", err)
		if errors.Is(err, relay.ErrUpstreamUnreachable) {
			writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream unreachable")
			return
		}
		// Context cancellation: the client is gone, nothing to write.
		return
	}
	s.register(history, model, conversationID, content)
	s.finishCompletion("aggregate", "ok", nil)
	writeJSON(w, http.StatusOK, newChatCompletion(newCompletionID(), model, content))
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, rl *relay.Relay, history []conversations.Message, model, conversationID string) {
	// The relay must open before headers flush so a dead upstream can
	// still produce a proper error status.
	var cw *chunkWriter
	var assembled strings.Builder
	id := newCompletionID()
	err := rl.Run(r.Context(), func(d relay.Delta) {
		if cw == nil {
			cw = newChunkWriter(w, id, model)
		}
		assembled.WriteString(d.Text)
		cw.WriteContent(d.Text)
	})
	if err != nil {
		s.finishCompletion("stream", "error", err)
		if errors.Is(err, relay.ErrUpstreamUnreachable) && cw == nil {
			writeError(w, http.StatusBadGateway, errTypeUpstream, "upstream unreachable")
			return
		}
		if cw != nil {
			cw.Finish()
		}
		return
	}
	if cw == nil {
		cw = newChunkWriter(w, id, model)
	}
	cw.Finish()
	s.register(history, model, conversationID, assembled.String())
	s.finishCompletion("stream", "ok", nil)
}

func (s *Server) register(history []conversations.Message, model, conversationID, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	full := append(append([]conversations.Message{}, history...), conversations.Message{Role: "assistant", Content: content})
	if err := s.correlator.Register(full, model, conversationID); err != nil {
		log.Warn("conversation register failed", "err", err)
	}
}

func (s *Server) finishCompletion(mode, outcome string, err error) {
	s.metrics.CompletionsTotal.WithLabelValues(mode, outcome).Inc()
	if err != nil && errors.Is(err, relay.ErrUpstreamUnreachable) {
		s.metrics.UpstreamErrorsTotal.Inc()
	}
}

// resolveCookie maps the request bearer to an upstream cookie: the pool
// access key selects a pooled credential, anything else is treated as a
// caller-supplied cookie. Writes the error response itself on failure.
func (s *Server) resolveCookie(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r.Header)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errTypeAuthentication, "missing bearer token")
		return "", false
	}
	if s.cfg.PoolAccessKey != "" && token == s.cfg.PoolAccessKey {
		cred, err := s.pool.Select()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, errTypeOverloaded, "no credential available")
			return "", false
		}
		s.metrics.CredentialSelections.Inc()
		return cred.Secret, true
	}
	return unescapeCookie(token), true
}

func lastUserContent(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if strings.EqualFold(strings.TrimSpace(msgs[i].Role), "user") && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func toHistory(msgs []chatMessage) []conversations.Message {
	out := make([]conversations.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, conversations.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
