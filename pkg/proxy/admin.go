package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/enginebridge/pkg/credentials"
)

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.AdminKey
		if key == "" {
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "admin access not configured")
			return
		}
		token := bearerToken(r.Header)
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCredentialList(w http.ResponseWriter, _ *http.Request) {
	creds, err := s.pool.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeUpstream, "failed to list credentials")
		return
	}
	out := make([]credentials.Credential, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) handleCredentialAdd(w http.ResponseWriter, r *http.Request) {
	var c credentials.Credential
	if err := decodeBody(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	added, err := s.pool.Add(c)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	log.Info("credential added", "id", added.ID)
	writeJSON(w, http.StatusCreated, added.Redacted())
}

func (s *Server) handleCredentialUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch credentials.Credential
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	updated, err := s.pool.Update(id, patch)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			writeError(w, http.StatusNotFound, errTypeInvalidRequest, "credential not found")
			return
		}
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated.Redacted())
}

func (s *Server) handleCredentialRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.Remove(id); err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			writeError(w, http.StatusNotFound, errTypeInvalidRequest, "credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, errTypeUpstream, "failed to remove credential")
		return
	}
	log.Info("credential removed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleCredentialTest probes a stored credential against the identity
// provider without exposing the secret in the response.
func (s *Server) handleCredentialTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cred, err := s.pool.Get(id)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			writeError(w, http.StatusNotFound, errTypeInvalidRequest, "credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, errTypeUpstream, "failed to load credential")
		return
	}
	sess, err := s.sessions.Bootstrap(r.Context(), cred.Secret)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"id": cred.ID, "ok": false, "error": "credential rejected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": cred.ID, "ok": true, "user_id": sess.UserID})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.logs.Recent(limit)})
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errTypeUpstream, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	entries, cancel := s.logs.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-entries:
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// handleConversationDelete drops the local correlation record and makes
// a best-effort attempt to delete the conversation upstream using a
// pooled credential.
func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.correlator.Delete(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeUpstream, "failed to delete conversation record")
		return
	}

	upstreamDeleted := false
	if cred, err := s.pool.Select(); err == nil {
		if sess, err := s.sessions.Bootstrap(r.Context(), cred.Secret); err == nil {
			if err := s.upstream.DeleteConversation(r.Context(), sess.BearerToken, id); err == nil {
				upstreamDeleted = true
			} else {
				log.Warn("upstream conversation delete failed", "conversation", id, "err", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":               id,
		"removed":          removed,
		"upstream_deleted": upstreamDeleted,
	})
}

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read request body")
	}
	defer r.Body.Close()
	if len(b) == 0 {
		return fmt.Errorf("request body required")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid json")
	}
	return nil
}
