// Package client is the Go client for the consultation chat backend. It owns
// the in-memory ordered view of one conversation: optimistic local entries,
// live pushes, and periodic catch-up fetches all funnel through the same
// replace-or-append rule, so the view never shows duplicates or out-of-order
// messages. The Gateway (gateway.go) drives the transport; this file holds the
// pure merge state.
package client

import (
	"sort"
	"sync"
	"time"

	"github.com/consultio/chat-backend/internal/domain"
)

// CorrelationTolerance is how far apart an optimistic timestamp and its
// server-assigned counterpart may lie and still describe the same message.
// The bound is inclusive: a delta of exactly one second still matches.
const CorrelationTolerance = time.Second

// TypingQuiet is the inactivity period after which a peer's typing indicator
// decays on its own, without a stop signal.
const TypingQuiet = 2 * time.Second

type entry struct {
	msg     domain.Message
	pending bool
	tempID  string
}

// Timeline is the authoritative ordered message view for one conversation.
// All mutation paths — optimistic drafts, live pushes, batch pulls — apply
// the same dedup-and-sort rule, so the result is always free of duplicate
// correlation keys and ascending by timestamp.
type Timeline struct {
	mu        sync.Mutex
	tolerance time.Duration
	entries   []entry
}

// NewTimeline constructs an empty timeline with the standard tolerance.
func NewTimeline() *Timeline {
	return &Timeline{tolerance: CorrelationTolerance}
}

// ApplyOptimistic inserts a local draft tagged with its correlation handle.
// The draft renders immediately and is replaced in place once the server's
// copy arrives.
func (t *Timeline) ApplyOptimistic(tempID string, msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry{msg: msg, pending: true, tempID: tempID})
	t.sortLocked()
}

// ApplyIncoming merges one authoritative message. A copy already present —
// matched by server identity, or by sender+content with a timestamp inside
// the tolerance — is replaced rather than appended. Reports whether the view
// gained a message it had not seen before.
func (t *Timeline) ApplyIncoming(msg domain.Message) (appended bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeLocked(msg)
}

// ApplyBatch merges a catch-up fetch and returns the messages that were
// genuinely new to the view.
func (t *Timeline) ApplyBatch(msgs []domain.Message) []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fresh []domain.Message
	for _, m := range msgs {
		if t.mergeLocked(m) {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

// Confirm replaces the draft carrying tempID with its persisted counterpart.
// Falls back to the generic merge when the draft is already gone (e.g. the
// room broadcast arrived first and matched by correlation).
func (t *Timeline) Confirm(tempID string, msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].pending && t.entries[i].tempID == tempID {
			t.entries[i] = entry{msg: msg}
			t.sortLocked()
			return
		}
	}
	t.mergeLocked(msg)
}

// RemoveOptimistic rolls back a rejected draft. Reports whether it was found.
func (t *Timeline) RemoveOptimistic(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].pending && t.entries[i].tempID == tempID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a snapshot of the current ordered view.
func (t *Timeline) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Pending reports how many drafts still await confirmation.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.pending {
			n++
		}
	}
	return n
}

// LatestConfirmed returns the newest server-assigned timestamp in the view,
// the lower bound for the next catch-up fetch. Drafts are excluded: their
// local clocks must not advance the fetch cursor.
func (t *Timeline) LatestConfirmed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	var latest time.Time
	for _, e := range t.entries {
		if !e.pending && e.msg.CreatedAt.After(latest) {
			latest = e.msg.CreatedAt
		}
	}
	return latest
}

// Reset drops all state, e.g. when switching conversations.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// mergeLocked is the single replace-or-append rule. Caller holds t.mu.
func (t *Timeline) mergeLocked(msg domain.Message) (appended bool) {
	for i := range t.entries {
		if t.matchesLocked(t.entries[i], msg) {
			seen := !t.entries[i].pending
			t.entries[i] = entry{msg: msg}
			t.sortLocked()
			// Replacing a draft means the message is new knowledge;
			// replacing a confirmed copy is a pure duplicate.
			return !seen
		}
	}
	t.entries = append(t.entries, entry{msg: msg})
	t.sortLocked()
	return true
}

// matchesLocked implements the correlation key: server identity when both
// sides have one, otherwise sender + content + timestamp proximity.
func (t *Timeline) matchesLocked(e entry, msg domain.Message) bool {
	if e.msg.ID != "" && msg.ID != "" {
		return e.msg.ID == msg.ID
	}
	if e.msg.SenderID != msg.SenderID || e.msg.Content != msg.Content {
		return false
	}
	delta := e.msg.CreatedAt.Sub(msg.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= t.tolerance
}

func (t *Timeline) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].msg.CreatedAt.Before(t.entries[j].msg.CreatedAt)
	})
}

// TypingTracker holds presentation-only typing state for the open room.
// Indicators decay after TypingQuiet of silence even when the stop signal is
// lost.
type TypingTracker struct {
	mu    sync.Mutex
	quiet time.Duration
	peers map[string]time.Time
}

// NewTypingTracker constructs a tracker with the standard quiet period.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		quiet: TypingQuiet,
		peers: make(map[string]time.Time),
	}
}

// Started records typing activity from a peer at now.
func (t *TypingTracker) Started(userID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[userID] = now
}

// Stopped clears a peer's indicator immediately.
func (t *TypingTracker) Stopped(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, userID)
}

// Active returns the peers still considered typing at now, pruning entries
// whose quiet period has elapsed.
func (t *TypingTracker) Active(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, at := range t.peers {
		if now.Sub(at) >= t.quiet {
			delete(t.peers, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset drops all indicators, e.g. when leaving the room.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]time.Time)
}
