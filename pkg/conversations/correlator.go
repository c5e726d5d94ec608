// Package conversations correlates successive client requests into the
// same upstream conversation using only message-history content. No
// client-supplied session id exists; the key is a hash of the history
// prefix the client is continuing from.
package conversations

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lkarlslund/enginebridge/pkg/store"
)

const keyPrefix = "conversations/"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Record struct {
	UpstreamConversationID string    `json:"upstream_conversation_id"`
	Model                  string    `json:"model"`
	LastUpdatedAt          time.Time `json:"last_updated_at"`
}

type Correlator struct {
	kv  store.KV
	ttl time.Duration

	now func() time.Time // test hook
}

func NewCorrelator(kv store.KV, ttl time.Duration) *Correlator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Correlator{kv: kv, ttl: ttl, now: time.Now}
}

// Lookup returns the upstream conversation id registered for the
// prefix of history before its newest user turn, if one exists for the
// same model and has not expired. A miss is not an error.
func (c *Correlator) Lookup(history []Message, model string) (string, bool, error) {
	if err := c.purge(); err != nil {
		return "", false, err
	}
	key, ok := lookupKey(history)
	if !ok {
		return "", false, nil
	}
	b, found, err := c.kv.Get(key)
	if err != nil {
		return "", false, fmt.Errorf("conversations: lookup: %w", err)
	}
	if !found {
		return "", false, nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return "", false, fmt.Errorf("conversations: decode record: %w", err)
	}
	if c.expired(rec) {
		_ = c.kv.Delete(key)
		return "", false, nil
	}
	// A model switch never reuses a conversation, even when the
	// textual prefix matches.
	if !strings.EqualFold(strings.TrimSpace(rec.Model), strings.TrimSpace(model)) {
		return "", false, nil
	}
	return rec.UpstreamConversationID, true, nil
}

// Register saves the upstream conversation id under a hash of the full
// history, including the assistant turn just produced. The next user
// turn's Lookup derives exactly this prefix.
func (c *Correlator) Register(history []Message, model, upstreamConversationID string) error {
	normalized := normalize(history)
	if len(normalized) == 0 {
		return nil
	}
	rec := Record{
		UpstreamConversationID: strings.TrimSpace(upstreamConversationID),
		Model:                  strings.TrimSpace(model),
		LastUpdatedAt:          c.now().UTC(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("conversations: encode record: %w", err)
	}
	if err := c.kv.Set(hashKey(normalized), b); err != nil {
		return fmt.Errorf("conversations: register: %w", err)
	}
	return nil
}

// Delete removes a registered record by its upstream conversation id.
func (c *Correlator) Delete(upstreamConversationID string) (bool, error) {
	all, err := c.kv.List(keyPrefix)
	if err != nil {
		return false, fmt.Errorf("conversations: list: %w", err)
	}
	removed := false
	for key, b := range all {
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		if rec.UpstreamConversationID == strings.TrimSpace(upstreamConversationID) {
			if err := c.kv.Delete(key); err != nil {
				return removed, fmt.Errorf("conversations: delete: %w", err)
			}
			removed = true
		}
	}
	return removed, nil
}

// Purge removes all expired records and reports how many went away.
func (c *Correlator) Purge() (int, error) {
	all, err := c.kv.List(keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("conversations: list: %w", err)
	}
	removed := 0
	for key, b := range all {
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			// Undecodable records can never match a lookup; drop them.
			_ = c.kv.Delete(key)
			removed++
			continue
		}
		if c.expired(rec) {
			if err := c.kv.Delete(key); err != nil {
				return removed, fmt.Errorf("conversations: purge: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// StartSweeper registers the periodic purge on the shared scheduler.
func (c *Correlator) StartSweeper(scheduler *cron.Cron, schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		schedule = "@every 10m"
	}
	_, err := scheduler.AddFunc(schedule, func() { _, _ = c.Purge() })
	if err != nil {
		return fmt.Errorf("conversations: schedule sweep: %w", err)
	}
	return nil
}

func (c *Correlator) purge() error {
	_, err := c.Purge()
	return err
}

func (c *Correlator) expired(rec Record) bool {
	return c.now().UTC().Sub(rec.LastUpdatedAt) > c.ttl
}

func normalize(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		role := strings.TrimSpace(m.Role)
		if role == "" || m.Content == "" {
			continue
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	return out
}

// lookupKey hashes the normalized prefix strictly before the last user
// message. Returns false when the history has no user turn to anchor on.
func lookupKey(history []Message) (string, bool) {
	normalized := normalize(history)
	last := -1
	for i, m := range normalized {
		if strings.EqualFold(m.Role, "user") {
			last = i
		}
	}
	if last < 0 {
		return "", false
	}
	return hashKey(normalized[:last]), true
}

func hashKey(msgs []Message) string {
	// json.Marshal of a fixed-field struct slice is deterministic.
	b, _ := json.Marshal(msgs)
	sum := sha256.Sum256(b)
	return keyPrefix + hex.EncodeToString(sum[:])
}
