// Package relay opens the upstream realtime channel, issues the
// triggering request and reconciles inbound buffer events into an
// ordered, de-duplicated stream of content deltas.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	log "github.com/charmbracelet/log"
)

// ErrUpstreamUnreachable means the realtime channel failed before it
// ever opened. Later failures are surfaced inside the delta stream.
var ErrUpstreamUnreachable = errors.New("relay: upstream unreachable")

// Markers bracketing thinking-channel content in the client-visible
// stream. Every open marker is balanced by a close marker, including on
// forced termination.
const (
	ThinkingOpenMarker  = "<think>\n"
	ThinkingCloseMarker = "\n</think>\n\n"
)

// Delta is the unit the relay emits and the response encoder consumes.
type Delta struct {
	Channel string
	Text    string
}

// Params identify one relay invocation. Each client request owns one
// Relay; nothing here is shared across requests.
type Params struct {
	BearerToken    string
	UserID         string
	ConversationID string
	Model          string
	Prompt         string
}

type Relay struct {
	upstream *Upstream
	params   Params
}

func (u *Upstream) NewRelay(p Params) *Relay {
	return &Relay{upstream: u, params: p}
}

// Inbound envelopes. The buffer field is a separately JSON-encoded
// document; not every buffer is valid JSON and that is expected.
type envelope struct {
	Type       string `json:"type"`
	Buffer     string `json:"buffer"`
	InProgress *bool  `json:"inProgress"`
}

type bufferPayload struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type inbound struct {
	data []byte
	err  error
}

// Run drives the relay to completion, invoking emit for every delta in
// order. emit is always called from a single goroutine. Run returning
// is the terminal signal: every path out of the state machine, error
// paths included, balances thinking brackets first. Only a dial
// failure is returned as an error; upstream trouble after the channel
// opened is reported as a diagnostic delta so callers with flushed
// response headers still terminate cleanly.
func (r *Relay) Run(ctx context.Context, emit func(Delta)) error {
	streamURL := r.upstream.streamURL(r.params.ConversationID, r.params.UserID)
	conn, resp, err := r.upstream.dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer conn.Close()

	// The trigger is fire-and-forget: the side effect may already have
	// landed upstream even when the call errors, so a failure must not
	// kill the relay.
	go func() {
		if err := r.upstream.Trigger(ctx, r.params.BearerToken, r.params.ConversationID, r.params.Model, r.params.Prompt); err != nil {
			log.Warn("trigger call failed", "conversation", r.params.ConversationID, "err", err)
		}
	}()

	msgs := make(chan inbound, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case msgs <- inbound{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// Consumer loop: sole owner of reconciliation state.
	rec := newReconciler()
	sawUpdate := false
	activeChannel := ""
	thinkingOpen := false

	closeBracket := func() {
		if thinkingOpen {
			emit(Delta{Channel: ChannelChat, Text: ThinkingCloseMarker})
			thinkingOpen = false
		}
	}
	fail := func(reason string) {
		closeBracket()
		emit(Delta{Channel: ChannelChat, Text: "\n[upstream error: " + reason + "]"})
	}

	for {
		select {
		case <-ctx.Done():
			// Client went away; balance the bracket and close the channel.
			closeBracket()
			return ctx.Err()
		case msg := <-msgs:
			if msg.err != nil {
				// Channel error or close before draining normally.
				fail(msg.err.Error())
				return nil
			}
			var env envelope
			if err := json.Unmarshal(msg.data, &env); err != nil {
				fail("malformed envelope")
				return nil
			}
			switch env.Type {
			case "update":
				var buf bufferPayload
				if err := json.Unmarshal([]byte(env.Buffer), &buf); err != nil {
					continue // expected noise, not every buffer is JSON
				}
				channel := strings.TrimSpace(buf.Type)
				if channel == "" {
					continue
				}
				sawUpdate = true
				if channel != activeChannel {
					closeBracket()
					if channel == ChannelThinking {
						emit(Delta{Channel: ChannelChat, Text: ThinkingOpenMarker})
						thinkingOpen = true
					}
					activeChannel = channel
				}
				if delta := rec.apply(channel, buf.Content); delta != "" {
					emit(Delta{Channel: channel, Text: delta})
				}
			case "state":
				// The upstream announces an idle state before any work
				// begins; only an idle state after updates drains.
				if env.InProgress != nil && !*env.InProgress && sawUpdate {
					closeBracket()
					return nil
				}
			default:
				// Unknown envelope types are ignored.
			}
		}
	}
}

// Collect runs the relay and concatenates every emitted delta into one
// string, for the non-streaming completion form.
func (r *Relay) Collect(ctx context.Context) (string, error) {
	var b strings.Builder
	err := r.Run(ctx, func(d Delta) {
		b.WriteString(d.Text)
	})
	return b.String(), err
}
