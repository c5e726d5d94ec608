// Package logstore keeps a bounded in-memory window of recent log
// lines and fans new lines out to live subscribers, backing the admin
// log endpoints.
package logstore

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const defaultMaxLines = 5000

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type Store struct {
	mu          sync.Mutex
	maxLines    int
	entries     []Entry
	seq         int64
	subscribers map[chan Entry]struct{}
}

func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Store{
		maxLines:    maxLines,
		entries:     []Entry{},
		subscribers: map[chan Entry]struct{}{},
	}
}

func (s *Store) Add(message string, ts time.Time) {
	message = strings.TrimRight(stripANSI(message), "\r\n")
	if strings.TrimSpace(message) == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}

	s.mu.Lock()
	s.seq++
	e := Entry{
		ID:        fmt.Sprintf("log-%d-%d", ts.UnixNano(), s.seq),
		Timestamp: ts,
		Message:   message,
	}
	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxLines {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.maxLines:]...)
	}
	subs := make([]chan Entry, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		// Slow consumers drop lines rather than stalling the logger.
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out
}

// Subscribe registers a live follower. The returned cancel function
// must be called exactly once.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

// Writer adapts the store into an io.Writer suitable as a log tee.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	if w == nil || w.store == nil {
		return len(p), nil
	}
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSpace(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		if line != "" {
			w.store.Add(line, time.Now().UTC())
		}
	}
	w.mu.Unlock()
	return len(p), nil
}

func stripANSI(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
