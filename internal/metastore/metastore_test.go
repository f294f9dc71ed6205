package metastore

import (
	"strings"
	"testing"
	"time"
)

func TestOpenInitializesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty records, got %d", len(records))
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := []Record{
		{SessionID: "s1", Agent: "claude", Cwd: "/tmp", CreatedAt: time.Now(), LastActiveAt: time.Now(), Version: 3},
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "s1" || got[0].Version != 3 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestLoadResetsOversizeFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var big []Record
	for i := 0; i < 20000; i++ {
		big = append(big, Record{SessionID: strings.Repeat("x", 80), Agent: "claude"})
	}
	if err := s.Save(big); err != nil {
		t.Fatalf("Save: %v", err)
	}
	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load after oversize save: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected reset to empty after oversize file, got %d", len(records))
	}
}
