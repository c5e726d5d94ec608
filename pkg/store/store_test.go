package store

import (
	"path/filepath"
	"testing"
)

func backendsForTest(t *testing.T) map[string]KV {
	t.Helper()
	dir := t.TempDir()
	file, err := OpenFile(filepath.Join(dir, "kv.json"))
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	lite, err := OpenSQLite(filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("open sqlite backend: %v", err)
	}
	return map[string]KV{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": lite,
	}
}

func TestBackendsRoundTrip(t *testing.T) {
	for name, kv := range backendsForTest(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()
			if _, ok, err := kv.Get("missing"); err != nil || ok {
				t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
			}
			if err := kv.Set("credentials/a", []byte(`{"id":"a"}`)); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := kv.Set("credentials/a", []byte(`{"id":"a","n":2}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			v, ok, err := kv.Get("credentials/a")
			if err != nil || !ok {
				t.Fatalf("get after set: ok=%v err=%v", ok, err)
			}
			if string(v) != `{"id":"a","n":2}` {
				t.Fatalf("unexpected value %q", v)
			}
			if err := kv.Delete("credentials/a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := kv.Get("credentials/a"); ok {
				t.Fatal("expected key gone after delete")
			}
		})
	}
}

func TestBackendsListByPrefix(t *testing.T) {
	for name, kv := range backendsForTest(t) {
		t.Run(name, func(t *testing.T) {
			defer kv.Close()
			seed := map[string]string{
				"conversations/h1": "one",
				"conversations/h2": "two",
				"credentials/c1":   "cred",
			}
			for k, v := range seed {
				if err := kv.Set(k, []byte(v)); err != nil {
					t.Fatalf("set %s: %v", k, err)
				}
			}
			got, err := kv.List("conversations/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("expected 2 conversation keys, got %d", len(got))
			}
			if string(got["conversations/h1"]) != "one" {
				t.Fatalf("unexpected value %q", got["conversations/h1"])
			}
		})
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.Set("k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v, ok, err := reopened.Get("k")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if string(v) != "v" {
		t.Fatalf("unexpected value %q", v)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	kv, err := Open(Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := kv.(*Memory); !ok {
		t.Fatalf("expected memory backend, got %T", kv)
	}
	if _, err := Open(Options{Backend: "file"}); err == nil {
		t.Fatal("expected error for file backend without path")
	}
	if _, err := Open(Options{Backend: "bogus"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
