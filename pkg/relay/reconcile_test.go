package relay

import "testing"

func TestReconcileSnapshotSequence(t *testing.T) {
	r := newReconciler()
	got := r.apply(ChannelChat, "a")
	got += r.apply(ChannelChat, "ab")
	got += r.apply(ChannelChat, "abc")
	if got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestReconcileDeltaSequence(t *testing.T) {
	r := newReconciler()
	got := r.apply(ChannelChat, "hello ")
	got += r.apply(ChannelChat, "brave ")
	got += r.apply(ChannelChat, "world")
	if got != "hello brave world" {
		t.Fatalf("unexpected assembly %q", got)
	}
}

func TestReconcileSkipsEmptyContent(t *testing.T) {
	r := newReconciler()
	if d := r.apply(ChannelChat, ""); d != "" {
		t.Fatalf("expected nothing from empty content, got %q", d)
	}
	if d := r.apply(ChannelChat, "x"); d != "x" {
		t.Fatalf("first real content should pass through, got %q", d)
	}
	if d := r.apply(ChannelChat, ""); d != "" {
		t.Fatalf("empty content mid-stream must not emit, got %q", d)
	}
}

func TestReconcileChannelsIndependent(t *testing.T) {
	r := newReconciler()
	// chat behaves as snapshots while thinking behaves as deltas.
	r.apply(ChannelChat, "a")
	r.apply(ChannelThinking, "x")
	if d := r.apply(ChannelChat, "ab"); d != "b" {
		t.Fatalf("chat snapshot delta: got %q", d)
	}
	if d := r.apply(ChannelThinking, "y"); d != "y" {
		t.Fatalf("thinking delta: got %q", d)
	}
}

func TestReconcileModeLatches(t *testing.T) {
	r := newReconciler()
	r.apply(ChannelChat, "a")
	r.apply(ChannelChat, "ab") // latched snapshot
	// A later value that is not an extension emits nothing new rather
	// than flipping to delta mode.
	if d := r.apply(ChannelChat, "zz"); d != "" {
		t.Fatalf("latched snapshot must not re-emit on regression, got %q", d)
	}
	if d := r.apply(ChannelChat, "zzq"); d != "q" {
		t.Fatalf("baseline should track the last snapshot, got %q", d)
	}
}

func TestReconcileSnapshotShorterThanBaseline(t *testing.T) {
	r := newReconciler()
	r.apply(ChannelChat, "abcd")
	r.apply(ChannelChat, "abcdef")
	if d := r.apply(ChannelChat, "ab"); d != "" {
		t.Fatalf("shorter snapshot must emit nothing, got %q", d)
	}
}
