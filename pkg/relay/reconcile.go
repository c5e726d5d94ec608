package relay

import "strings"

// Channel names carried by upstream buffer payloads.
const (
	ChannelChat     = "chat"
	ChannelThinking = "thinking"
)

type reconcileMode int

const (
	modeUnset reconcileMode = iota
	modeSnapshot
	modeDelta
)

type channelState struct {
	mode     reconcileMode
	baseline string
	seen     bool
}

// reconciler collapses the upstream's mixed incremental/snapshot update
// semantics into plain increments, independently per channel. The mode
// is latched on the second observation by a prefix test and never
// changes again within one invocation. The heuristic can misclassify
// when the first two chunks coincide; the upstream framing contract is
// undocumented, so no stronger detection is attempted.
type reconciler struct {
	channels map[string]*channelState
}

func newReconciler() *reconciler {
	return &reconciler{channels: map[string]*channelState{}}
}

// apply feeds one observed content value for a channel and returns the
// delta to emit. Empty results mean nothing new was said.
func (r *reconciler) apply(channel, content string) string {
	if content == "" {
		return ""
	}
	st := r.channels[channel]
	if st == nil {
		st = &channelState{}
		r.channels[channel] = st
	}

	if !st.seen {
		st.seen = true
		st.baseline = content
		return content
	}

	if st.mode == modeUnset {
		if strings.HasPrefix(content, st.baseline) {
			st.mode = modeSnapshot
		} else {
			st.mode = modeDelta
		}
	}

	switch st.mode {
	case modeSnapshot:
		out := ""
		if len(content) > len(st.baseline) {
			out = content[len(st.baseline):]
		}
		st.baseline = content
		return out
	default:
		st.baseline += content
		return content
	}
}
