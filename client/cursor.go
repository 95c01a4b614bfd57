package client

import (
	"sync"
	"time"

	"syncpad/protocol"
)

const (
	defaultCoalesceWindow     = 150 * time.Millisecond
	defaultEditSuppressWindow = 100 * time.Millisecond
)

// cursorSender rate-limits cursor publications. Duplicate positions are
// suppressed; positions offered right after a local edit are suppressed
// entirely, since peers infer cursor movement from the edit itself; bursts
// within the coalescing window collapse to the latest position, flushed when
// the window elapses. A removal (CursorGone) always goes out immediately.
type cursorSender struct {
	send         func(pos int)
	window       time.Duration
	editSuppress time.Duration

	mu         sync.Mutex
	lastSent   int
	hasSent    bool
	pending    int
	hasPending bool
	armed      bool
	stopped    bool
	timer      *time.Timer
	lastEdit   time.Time
}

func newCursorSender(send func(int), window, editSuppress time.Duration) *cursorSender {
	return &cursorSender{send: send, window: window, editSuppress: editSuppress}
}

// NoteEdit marks a local edit, opening the suppression window.
func (t *cursorSender) NoteEdit() {
	t.mu.Lock()
	t.lastEdit = time.Now()
	t.mu.Unlock()
}

// Offer submits a cursor position for publication. The send callback runs
// with no lock held, so a callback may call back into the sender.
func (t *cursorSender) Offer(pos int) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if pos == protocol.CursorGone {
		t.lastSent, t.hasSent = pos, true
		t.mu.Unlock()
		t.send(pos)
		return
	}
	if time.Since(t.lastEdit) < t.editSuppress {
		t.mu.Unlock()
		return
	}
	if t.hasSent && pos == t.lastSent && !t.hasPending {
		t.mu.Unlock()
		return
	}
	if t.armed {
		t.pending = pos
		t.hasPending = true
		t.mu.Unlock()
		return
	}
	t.lastSent, t.hasSent = pos, true
	t.armed = true
	t.timer = time.AfterFunc(t.window, t.flush)
	t.mu.Unlock()
	t.send(pos)
}

// flush publishes a coalesced position once the window elapses.
func (t *cursorSender) flush() {
	t.mu.Lock()
	t.armed = false
	if t.stopped || !t.hasPending {
		t.mu.Unlock()
		return
	}
	pos := t.pending
	t.hasPending = false
	if t.hasSent && pos == t.lastSent {
		t.mu.Unlock()
		return
	}
	t.lastSent, t.hasSent = pos, true
	t.armed = true
	t.timer = time.AfterFunc(t.window, t.flush)
	t.mu.Unlock()
	t.send(pos)
}

// Stop drops any pending position and disarms the timer.
func (t *cursorSender) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.hasPending = false
	if t.timer != nil {
		t.timer.Stop()
	}
}
