package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register(Handle{SessionID: "s1"})
	u2 := tr.Register(Handle{SessionID: "s2"})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1() // second call is a no-op
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}
}

func TestTracker_ReusedSessionIDReplacesOldEntry(t *testing.T) {
	tr := NewTracker()
	var oldCanceled atomic.Int64
	_ = tr.Register(Handle{SessionID: "s1", Cancel: func() { oldCanceled.Add(1) }})
	u := tr.Register(Handle{SessionID: "s1"})

	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true after replacement")
	}
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register(Handle{SessionID: "s1", Cancel: func() { c1.Add(1) }})
	tr.Register(Handle{SessionID: "s2", Cancel: func() { c2.Add(1) }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_WarnAll_BestEffort(t *testing.T) {
	tr := NewTracker()
	var w1, w2 atomic.Int64
	tr.Register(Handle{SessionID: "s1", Warn: func(code, message string) error {
		_ = code
		_ = message
		w1.Add(1)
		return nil
	}})
	tr.Register(Handle{SessionID: "s2", Warn: func(code, message string) error {
		_ = code
		_ = message
		w2.Add(1)
		return errors.New("nope")
	}})

	if sent := tr.WarnAll("draining", "test"); sent != 2 {
		t.Fatalf("sent=%d, want 2", sent)
	}
	if w1.Load() != 1 || w2.Load() != 1 {
		t.Fatalf("warn calls=%d/%d, want 1/1", w1.Load(), w2.Load())
	}
}

func TestTracker_SnapshotOrderedByStart(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.Register(Handle{SessionID: "s2", Principal: "key:abc", StartedAt: base.Add(time.Minute)})
	tr.Register(Handle{SessionID: "s1", Principal: "ip:1.2.3.4", StartedAt: base})

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snap)=%d, want 2", len(snap))
	}
	if snap[0].SessionID != "s1" || snap[1].SessionID != "s2" {
		t.Fatalf("snapshot order=%s,%s, want s1,s2", snap[0].SessionID, snap[1].SessionID)
	}
}
