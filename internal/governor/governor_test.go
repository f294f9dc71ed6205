package governor

import (
	"context"
	"testing"
	"time"

	"github.com/coremux/agentmux/internal/protocol"
)

func TestSessionSlotReservation(t *testing.T) {
	g := New(Config{MaxSessions: 2})
	defer g.Stop()
	if !g.TryReserveSessionSlot() {
		t.Fatal("expected first reservation to succeed")
	}
	if !g.TryReserveSessionSlot() {
		t.Fatal("expected second reservation to succeed")
	}
	if g.TryReserveSessionSlot() {
		t.Fatal("expected third reservation to fail at cap")
	}
	g.ReleaseSessionSlot()
	if !g.TryReserveSessionSlot() {
		t.Fatal("expected reservation after release to succeed")
	}
}

func TestReleaseSessionSlotUnderflowClampsAndCounts(t *testing.T) {
	g := New(Config{MaxSessions: 2})
	defer g.Stop()
	g.ReleaseSessionSlot()
	g.ReleaseSessionSlot()
	if g.DoubleUnregisterErrors() != 2 {
		t.Fatalf("expected 2 double-unregister errors, got %d", g.DoubleUnregisterErrors())
	}
	if !g.TryReserveSessionSlot() {
		t.Fatal("counter should have clamped to zero, not gone negative")
	}
}

func TestCanAcceptMessage(t *testing.T) {
	g := New(Config{MaxMessageBytes: 100})
	defer g.Stop()
	if d := g.CanAcceptMessage(-1); d.Allowed {
		t.Fatal("expected negative size to be rejected")
	}
	if d := g.CanAcceptMessage(101); d.Allowed {
		t.Fatal("expected oversized message to be rejected")
	}
	if d := g.CanAcceptMessage(100); !d.Allowed {
		t.Fatal("expected message at cap to be accepted")
	}
}

func TestRateLimitAndRefund(t *testing.T) {
	g := New(Config{SessionRateLimit: 1, GlobalRateLimit: 10, WindowLength: time.Minute})
	defer g.Stop()

	d1 := g.CanExecuteCommand("session:a", protocol.CmdPrompt)
	if !d1.Allowed {
		t.Fatal("expected first admission to succeed")
	}
	d2 := g.CanExecuteCommand("session:a", protocol.CmdPrompt)
	if d2.Allowed {
		t.Fatal("expected second admission to be rate limited")
	}

	g.RefundCommand("session:a", protocol.CmdPrompt, d1.Generation)
	d3 := g.CanExecuteCommand("session:a", protocol.CmdPrompt)
	if !d3.Allowed {
		t.Fatal("expected admission after refund to succeed")
	}
}

func TestRateLimitGenerationAddressableRefund(t *testing.T) {
	// Two admissions that could plausibly share a timestamp must be
	// refundable independently by generation, not by "first match".
	g := New(Config{SessionRateLimit: 5, GlobalRateLimit: 50, WindowLength: time.Minute})
	defer g.Stop()

	d1 := g.CanExecuteCommand("session:a", protocol.CmdPrompt)
	d2 := g.CanExecuteCommand("session:a", protocol.CmdPrompt)
	if !d1.Allowed || !d2.Allowed {
		t.Fatal("expected both admissions to succeed under the limit")
	}
	if d1.Generation == d2.Generation {
		t.Fatal("expected distinct generations")
	}
	g.RefundCommand("session:a", protocol.CmdPrompt, d2.Generation)
	if w := g.sessionWindow("session:a"); w.size() != 1 {
		t.Fatalf("expected exactly one remaining entry, got %d", w.size())
	}
}

func TestUIResponseSecondaryLimit(t *testing.T) {
	g := New(Config{SessionRateLimit: 100, GlobalRateLimit: 100, UIResponseLimit: 1, WindowLength: time.Minute})
	defer g.Stop()
	d1 := g.CanExecuteCommand("session:a", protocol.CmdExtensionUIResp)
	if !d1.Allowed {
		t.Fatal("expected first ui response to be admitted")
	}
	d2 := g.CanExecuteCommand("session:a", protocol.CmdExtensionUIResp)
	if d2.Allowed {
		t.Fatal("expected second ui response to hit the secondary limit")
	}
}

func TestHeartbeatAndZombieDetection(t *testing.T) {
	g := New(Config{ZombieTimeout: 10 * time.Millisecond})
	defer g.Stop()
	g.RecordHeartbeat("s1")
	if zs := g.GetZombieSessions(); len(zs) != 0 {
		t.Fatalf("expected no zombies immediately after heartbeat, got %v", zs)
	}
	time.Sleep(20 * time.Millisecond)
	zs := g.GetZombieSessions()
	if len(zs) != 1 || zs[0] != "s1" {
		t.Fatalf("expected s1 to be a zombie, got %v", zs)
	}
	g.CleanupZombieSessions(zs)
	if zs := g.GetZombieSessions(); len(zs) != 0 {
		t.Fatalf("expected zombies cleared, got %v", zs)
	}
}

func TestCleanupStaleDataPurgesDeletedSessions(t *testing.T) {
	g := New(Config{})
	defer g.Stop()
	g.CanExecuteCommand("session:a", protocol.CmdPrompt)
	g.RecordHeartbeat("a")
	g.CleanupStaleData(map[string]bool{})
	g.mu.Lock()
	_, stillThere := g.sessionWindows["session:a"]
	g.mu.Unlock()
	if stillThere {
		t.Fatal("expected stale session window to be purged")
	}
}

func TestBandwidthShaperWait(t *testing.T) {
	b := NewBandwidthShaper(1<<20, 1<<20)
	if err := b.Wait(context.Background(), "s1", 1024); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Forget("s1")
}
