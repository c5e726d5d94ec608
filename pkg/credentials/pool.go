// Package credentials manages the pool of upstream credentials and
// picks one per request by least recent use.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lkarlslund/enginebridge/pkg/store"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"

	keyPrefix = "credentials/"
)

var (
	ErrNoneAvailable = errors.New("credentials: no active credential available")
	ErrNotFound      = errors.New("credentials: not found")
)

type Credential struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Secret      string     `json:"secret"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`
}

// Redacted returns a copy safe to hand to the admin surface.
func (c Credential) Redacted() Credential {
	c.Secret = ""
	return c
}

type Pool struct {
	mu sync.Mutex
	kv store.KV
}

func NewPool(kv store.KV) *Pool {
	return &Pool{kv: kv}
}

// Select returns the active credential with the smallest usage count
// (ties: earliest CreatedAt, then ID) and counts the usage immediately.
// Usage is counted at selection so failed attempts still rotate.
func (p *Pool) Select() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.listLocked()
	if err != nil {
		return Credential{}, err
	}
	active := all[:0]
	for _, c := range all {
		if c.Status == StatusActive {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return Credential{}, ErrNoneAvailable
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].UsageCount != active[j].UsageCount {
			return active[i].UsageCount < active[j].UsageCount
		}
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	picked := active[0]
	if err := p.recordUsageLocked(&picked); err != nil {
		return Credential{}, err
	}
	return picked, nil
}

// RecordUsage bumps the usage counter of a credential out of band,
// e.g. when a caller supplied its own cookie that matches a pool entry.
func (p *Pool) RecordUsage(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.getLocked(id)
	if err != nil {
		return err
	}
	return p.recordUsageLocked(&c)
}

func (p *Pool) recordUsageLocked(c *Credential) error {
	now := time.Now().UTC()
	c.UsageCount++
	c.LastUsedAt = &now
	return p.putLocked(*c)
}

func (p *Pool) Add(c Credential) (Credential, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	c.Secret = strings.TrimSpace(c.Secret)
	if c.Secret == "" {
		return Credential{}, fmt.Errorf("credentials: secret is required")
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if err := validateStatus(c.Status); err != nil {
		return Credential{}, err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.getLocked(c.ID); err == nil {
		return Credential{}, fmt.Errorf("credentials: id %q already exists", c.ID)
	}
	if err := p.putLocked(c); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Update replaces display name, status and, when non-empty, the secret.
// Usage counters survive edits.
func (p *Pool) Update(id string, patch Credential) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, err := p.getLocked(id)
	if err != nil {
		return Credential{}, err
	}
	if name := strings.TrimSpace(patch.DisplayName); name != "" {
		cur.DisplayName = name
	}
	if secret := strings.TrimSpace(patch.Secret); secret != "" {
		cur.Secret = secret
	}
	if status := strings.TrimSpace(patch.Status); status != "" {
		if err := validateStatus(status); err != nil {
			return Credential{}, err
		}
		cur.Status = status
	}
	if err := p.putLocked(cur); err != nil {
		return Credential{}, err
	}
	return cur, nil
}

func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.getLocked(id); err != nil {
		return err
	}
	return p.kv.Delete(keyPrefix + strings.TrimSpace(id))
}

func (p *Pool) Get(id string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(id)
}

func (p *Pool) List() ([]Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listLocked()
}

func (p *Pool) getLocked(id string) (Credential, error) {
	id = strings.TrimSpace(id)
	b, ok, err := p.kv.Get(keyPrefix + id)
	if err != nil {
		return Credential{}, fmt.Errorf("credentials: load %s: %w", id, err)
	}
	if !ok {
		return Credential{}, ErrNotFound
	}
	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return Credential{}, fmt.Errorf("credentials: decode %s: %w", id, err)
	}
	return c, nil
}

func (p *Pool) putLocked(c Credential) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("credentials: encode %s: %w", c.ID, err)
	}
	if err := p.kv.Set(keyPrefix+c.ID, b); err != nil {
		return fmt.Errorf("credentials: store %s: %w", c.ID, err)
	}
	return nil
}

func (p *Pool) listLocked() ([]Credential, error) {
	raw, err := p.kv.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("credentials: list: %w", err)
	}
	out := make([]Credential, 0, len(raw))
	for key, b := range raw {
		var c Credential
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("credentials: decode %s: %w", key, err)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func validateStatus(status string) error {
	switch status {
	case StatusActive, StatusInactive:
		return nil
	default:
		return fmt.Errorf("credentials: invalid status %q", status)
	}
}
