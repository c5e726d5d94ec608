package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Upstream describes the proprietary chat backend the bridge fronts.
// One instance is shared by all relays.
type Upstream struct {
	Host string
	// Insecure switches to ws:// and http://; used against test servers.
	Insecure bool

	client *http.Client
	dialer *websocket.Dialer
}

func NewUpstream(host string, timeout time.Duration, insecure bool) *Upstream {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Upstream{
		Host:     host,
		Insecure: insecure,
		client:   &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (u *Upstream) httpBase() string {
	if u.Insecure {
		return "http://" + u.Host
	}
	return "https://" + u.Host
}

func (u *Upstream) wsBase() string {
	if u.Insecure {
		return "ws://" + u.Host
	}
	return "wss://" + u.Host
}

func (u *Upstream) streamURL(conversationID, userID string) string {
	return fmt.Sprintf("%s/engine-agent/chat-histories/%s/buffer/stream?token=%s",
		u.wsBase(), url.PathEscape(conversationID), url.QueryEscape(userID))
}

type triggerRequest struct {
	Prompt        string `json:"prompt"`
	ChatHistoryID string `json:"chatHistoryId"`
	AdapterName   string `json:"adapterName"`
}

// Trigger issues the HTTP request that makes the upstream start
// producing into the realtime channel. Callers fire it concurrently
// with stream consumption and treat failures as non-fatal.
func (u *Upstream) Trigger(ctx context.Context, bearer, conversationID, model, prompt string) error {
	body, err := json.Marshal(triggerRequest{
		Prompt:        prompt,
		ChatHistoryID: conversationID,
		AdapterName:   model,
	})
	if err != nil {
		return fmt.Errorf("relay: encode trigger: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.httpBase()+"/engine-agent/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: build trigger: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: trigger call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay: trigger returned %d", resp.StatusCode)
	}
	return nil
}

// DeleteConversation removes a conversation upstream. A 404 means it is
// already gone and counts as success.
func (u *Upstream) DeleteConversation(ctx context.Context, bearer, conversationID string) error {
	target := fmt.Sprintf("%s/engine-agent/chat-histories/%s", u.httpBase(), url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("relay: build delete: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: delete call: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("relay: delete returned %d", resp.StatusCode)
	}
	return nil
}
