package auditlog

import (
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLog(t)
	if err := l.Record(Event{CommandID: "c1", CommandType: "prompt", SessionID: "s1", Phase: PhaseAccepted, Success: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(Event{CommandID: "c1", CommandType: "prompt", SessionID: "s1", Phase: PhaseFinished, Success: true}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	events, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Phase != PhaseFinished {
		t.Fatalf("expected newest-first ordering, got %+v", events[0])
	}
}

func TestIDsMonotonicallyIncrease(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 5; i++ {
		if err := l.Record(Event{CommandID: "c", CommandType: "prompt", Phase: PhaseAccepted, Success: true}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	events, err := l.Recent(5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i-1].ID <= events[i].ID {
			t.Fatalf("expected strictly decreasing (newest-first) IDs, got %+v", events)
		}
	}
}

func TestCount(t *testing.T) {
	l := openTestLog(t)
	l.Record(Event{CommandID: "c1", CommandType: "prompt", Phase: PhaseAccepted, Success: true})
	l.Record(Event{CommandID: "c2", CommandType: "prompt", Phase: PhaseAccepted, Success: false, Error: "boom"})
	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}
}
