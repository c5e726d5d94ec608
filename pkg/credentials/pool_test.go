package credentials

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/lkarlslund/enginebridge/pkg/store"
)

func seedPool(t *testing.T, usages map[string]int64) *Pool {
	t.Helper()
	p := NewPool(store.NewMemory())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 0, len(usages))
	for id := range usages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		c := Credential{
			ID:        id,
			Secret:    "cookie-" + id,
			Status:    StatusActive,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := p.Add(c); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		for n := int64(0); n < usages[id]; n++ {
			if err := p.RecordUsage(id); err != nil {
				t.Fatalf("record usage %s: %v", id, err)
			}
		}
	}
	return p
}

func TestSelectPrefersLeastUsed(t *testing.T) {
	p := seedPool(t, map[string]int64{"a": 5, "b": 2, "c": 2})

	got, err := p.Select()
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID == "a" {
		t.Fatalf("selected the most used credential %q", got.ID)
	}
	if got.UsageCount != 3 {
		t.Fatalf("usage not counted at selection, got %d", got.UsageCount)
	}

	// Deterministic tie-break: same counts select the same credential.
	p2 := seedPool(t, map[string]int64{"a": 5, "b": 2, "c": 2})
	first, err := p2.Select()
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.ID != got.ID {
		t.Fatalf("tie-break not deterministic: %q vs %q", first.ID, got.ID)
	}
}

func TestSelectRotatesAcrossRequests(t *testing.T) {
	p := seedPool(t, map[string]int64{"a": 0, "b": 0})
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		c, err := p.Select()
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		seen[c.ID]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Fatalf("expected even rotation, got %v", seen)
	}
}

func TestSelectSkipsInactive(t *testing.T) {
	p := seedPool(t, map[string]int64{"a": 0})
	if _, err := p.Update("a", Credential{Status: StatusInactive}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := p.Select(); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	p := NewPool(store.NewMemory())
	if _, err := p.Select(); !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
}

func TestUpdateKeepsSecretAndCounters(t *testing.T) {
	p := seedPool(t, map[string]int64{"a": 3})
	got, err := p.Update("a", Credential{DisplayName: "primary"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Secret != "cookie-a" {
		t.Fatalf("secret lost on update: %q", got.Secret)
	}
	if got.UsageCount != 3 {
		t.Fatalf("usage counter lost on update: %d", got.UsageCount)
	}
	if got.DisplayName != "primary" {
		t.Fatalf("display name not applied: %q", got.DisplayName)
	}
}

func TestRemove(t *testing.T) {
	p := seedPool(t, map[string]int64{"a": 0})
	if err := p.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := p.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := p.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double remove, got %v", err)
	}
}
