// Package session turns a raw credential cookie into a short-lived
// bearer token and the upstream user id it belongs to.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrCredentialInvalid means the identity provider rejected the
	// credential or reported no active session for it.
	ErrCredentialInvalid = errors.New("session: credential invalid")
	// ErrTokenIssuance means a valid session was found but minting a
	// token for it failed.
	ErrTokenIssuance = errors.New("session: token issuance failed")
)

type Session struct {
	BearerToken string
	UserID      string
}

type Bootstrapper struct {
	baseURL string
	client  *http.Client
}

func NewBootstrapper(baseURL string, timeout time.Duration) *Bootstrapper {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bootstrapper{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type clientEnvelope struct {
	Response struct {
		Sessions []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"sessions"`
	} `json:"response"`
}

type tokenEnvelope struct {
	JWT string `json:"jwt"`
}

func (b *Bootstrapper) Bootstrap(ctx context.Context, rawCookie string) (Session, error) {
	sessionID, err := b.activeSessionID(ctx, rawCookie)
	if err != nil {
		return Session{}, err
	}
	token, err := b.mintToken(ctx, rawCookie, sessionID)
	if err != nil {
		return Session{}, err
	}
	userID, err := subjectClaim(token)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrTokenIssuance, err)
	}
	return Session{BearerToken: token, UserID: userID}, nil
}

func (b *Bootstrapper) activeSessionID(ctx context.Context, rawCookie string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/client", nil)
	if err != nil {
		return "", fmt.Errorf("session: build client request: %w", err)
	}
	req.Header.Set("Cookie", rawCookie)
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session: query identity client: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: identity client returned %d", ErrCredentialInvalid, resp.StatusCode)
	}
	var env clientEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: decode identity client response: %v", ErrCredentialInvalid, err)
	}
	for _, s := range env.Response.Sessions {
		if strings.EqualFold(strings.TrimSpace(s.Status), "active") && strings.TrimSpace(s.ID) != "" {
			return strings.TrimSpace(s.ID), nil
		}
	}
	return "", fmt.Errorf("%w: no active session", ErrCredentialInvalid)
}

func (b *Bootstrapper) mintToken(ctx context.Context, rawCookie, sessionID string) (string, error) {
	u := fmt.Sprintf("%s/v1/client/sessions/%s/tokens", b.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(""))
	if err != nil {
		return "", fmt.Errorf("session: build token request: %w", err)
	}
	req.Header.Set("Cookie", rawCookie)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenIssuance, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrTokenIssuance, resp.StatusCode)
	}
	var env tokenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrTokenIssuance, err)
	}
	token := strings.TrimSpace(env.JWT)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenIssuance)
	}
	return token, nil
}

// subjectClaim decodes the sub claim without verifying the signature.
// The token was minted by the trusted identity endpoint one call ago;
// externally supplied tokens never reach this path.
func subjectClaim(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode jwt payload: %w", err)
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("parse jwt claims: %w", err)
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return "", fmt.Errorf("jwt missing sub claim")
	}
	return strings.TrimSpace(claims.Sub), nil
}
