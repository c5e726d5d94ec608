package logstore

import (
	"fmt"
	"testing"
	"time"
)

func TestRecentNewestFirstAndBounded(t *testing.T) {
	s := NewStore(3)
	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		s.Add(fmt.Sprintf("line %d", i), now.Add(time.Duration(i)*time.Second))
	}
	got := s.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected window of 3, got %d", len(got))
	}
	if got[0].Message != "line 5" || got[2].Message != "line 3" {
		t.Fatalf("unexpected window order: %q .. %q", got[0].Message, got[2].Message)
	}
}

func TestWriterSplitsLines(t *testing.T) {
	s := NewStore(10)
	w := s.Writer()
	if _, err := w.Write([]byte("first\nsec")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("ond\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := s.Recent(0)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Message != "second" || got[1].Message != "first" {
		t.Fatalf("unexpected entries: %q, %q", got[0].Message, got[1].Message)
	}
}

func TestSubscribeReceivesNewEntries(t *testing.T) {
	s := NewStore(10)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Add("hello", time.Now().UTC())
	select {
	case e := <-ch:
		if e.Message != "hello" {
			t.Fatalf("unexpected message %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription delivery")
	}

	cancel()
	s.Add("after cancel", time.Now().UTC())
	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("unexpected delivery after cancel: %q", e.Message)
		}
	default:
	}
}
