// Package sessions tracks live voice sessions for drain and shutdown.
package sessions

import (
	"context"
	"sync"
	"time"
)

// Handle is what a running live session exposes to the tracker.
type Handle struct {
	SessionID string
	Principal string
	StartedAt time.Time
	Cancel    func()
	Warn      func(code, message string) error
}

// Info is a point-in-time view of one tracked session.
type Info struct {
	SessionID string
	Principal string
	StartedAt time.Time
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

// Tracker holds the set of running live sessions. Register returns an
// unregister func that is safe to call more than once.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*trackedSession)}
}

func (t *Tracker) Register(h Handle) (unregister func()) {
	if t == nil || h.SessionID == "" {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[h.SessionID]
	t.sessions[h.SessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	// A reused session id replaces the old entry, which must still be
	// released exactly once.
	if old != nil {
		t.unregister(h.SessionID, old)
	}

	return func() { t.unregister(h.SessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot lists the tracked sessions, oldest first.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for _, entry := range t.sessions {
		if entry == nil {
			continue
		}
		out = append(out, Info{
			SessionID: entry.handle.SessionID,
			Principal: entry.handle.Principal,
			StartedAt: entry.handle.StartedAt,
		})
	}
	t.mu.Unlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.Before(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// WarnAll sends a warning to every tracked session, outside the lock so a
// slow session cannot stall registration.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every session unregisters or ctx expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
