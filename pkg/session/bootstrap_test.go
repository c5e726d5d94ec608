package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func unsignedJWT(t *testing.T, sub string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{"sub": sub, "exp": time.Now().Add(time.Minute).Unix()})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func identityServer(t *testing.T, sessions []map[string]string, jwt string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/client", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"sessions": sessions},
		})
	})
	mux.HandleFunc("POST /v1/client/sessions/{id}/tokens", func(w http.ResponseWriter, r *http.Request) {
		if jwt == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"jwt":%q}`, jwt)
	})
	return httptest.NewServer(mux)
}

func TestBootstrapHappyPath(t *testing.T) {
	jwt := unsignedJWT(t, "user_42")
	srv := identityServer(t, []map[string]string{
		{"id": "sess_expired", "status": "expired"},
		{"id": "sess_live", "status": "active"},
	}, jwt)
	defer srv.Close()

	b := NewBootstrapper(srv.URL, time.Second)
	got, err := b.Bootstrap(context.Background(), "__client=abc")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if got.BearerToken != jwt {
		t.Fatalf("unexpected token %q", got.BearerToken)
	}
	if got.UserID != "user_42" {
		t.Fatalf("unexpected user id %q", got.UserID)
	}
}

func TestBootstrapNoActiveSession(t *testing.T) {
	srv := identityServer(t, []map[string]string{
		{"id": "sess_old", "status": "expired"},
	}, unsignedJWT(t, "user_42"))
	defer srv.Close()

	b := NewBootstrapper(srv.URL, time.Second)
	if _, err := b.Bootstrap(context.Background(), "__client=abc"); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
}

func TestBootstrapRejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewBootstrapper(srv.URL, time.Second)
	if _, err := b.Bootstrap(context.Background(), "bogus"); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
}

func TestBootstrapTokenMintFailure(t *testing.T) {
	srv := identityServer(t, []map[string]string{
		{"id": "sess_live", "status": "active"},
	}, "")
	defer srv.Close()

	b := NewBootstrapper(srv.URL, time.Second)
	if _, err := b.Bootstrap(context.Background(), "__client=abc"); !errors.Is(err, ErrTokenIssuance) {
		t.Fatalf("expected ErrTokenIssuance, got %v", err)
	}
}

func TestSubjectClaim(t *testing.T) {
	jwt := unsignedJWT(t, "user_7")
	sub, err := subjectClaim(jwt)
	if err != nil {
		t.Fatalf("subject claim: %v", err)
	}
	if sub != "user_7" {
		t.Fatalf("unexpected sub %q", sub)
	}
	if _, err := subjectClaim("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
