package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coremux/agentmux/internal/protocol"
	"github.com/coremux/agentmux/internal/replay"
)

func TestLaneKeyDerivation(t *testing.T) {
	if got := LaneKey(&protocol.Command{SessionID: "s1"}); got != "session:s1" {
		t.Fatalf("expected session lane, got %s", got)
	}
	if got := LaneKey(&protocol.Command{}); got != "server" {
		t.Fatalf("expected server lane, got %s", got)
	}
}

func TestCheckDependenciesRejectsSelfAndEmpty(t *testing.T) {
	cmd := &protocol.Command{ID: "r1", DependsOn: []string{"r1"}}
	if err := CheckDependencies(cmd); err != ErrSelfDependency {
		t.Fatalf("expected ErrSelfDependency, got %v", err)
	}
	cmd2 := &protocol.Command{ID: "r1", DependsOn: []string{""}}
	if err := CheckDependencies(cmd2); err != ErrEmptyDependency {
		t.Fatalf("expected ErrEmptyDependency, got %v", err)
	}
}

func TestRunOnLaneSerializesTasks(t *testing.T) {
	e := New(Config{}, replay.New(replay.Config{}, 1))
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.RunOnLane(context.Background(), "session:a", func(ctx context.Context) (*protocol.Response, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				return protocol.Success("", "", nil), nil
			})
		}(i)
	}
	wg.Wait()
	if len(order) != 5 {
		t.Fatalf("expected 5 executions, got %d", len(order))
	}
}

func TestRunOnLaneDifferentLanesConcurrent(t *testing.T) {
	e := New(Config{}, replay.New(replay.Config{}, 1))
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan time.Duration, 2)

	for _, lane := range []string{"session:a", "session:b"} {
		wg.Add(1)
		go func(l string) {
			defer wg.Done()
			<-start
			begin := time.Now()
			e.RunOnLane(context.Background(), l, func(ctx context.Context) (*protocol.Response, error) {
				time.Sleep(30 * time.Millisecond)
				return protocol.Success("", "", nil), nil
			})
			results <- time.Since(begin)
		}(lane)
	}
	close(start)
	wg.Wait()
	close(results)
	for d := range results {
		if d > 60*time.Millisecond {
			t.Fatalf("expected concurrent execution across lanes, took %v", d)
		}
	}
}

func TestAwaitDependenciesCompletedOutcome(t *testing.T) {
	rs := replay.New(replay.Config{}, 1)
	e := New(Config{}, rs)
	rs.RegisterInFlight("dep1", "fp")
	rs.StoreCommandOutcome("dep1", "fp", false, protocol.Success("dep1", protocol.CmdPrompt, nil))

	cmd := &protocol.Command{ID: "r1", SessionID: "s1", DependsOn: []string{"dep1"}}
	err := e.AwaitDependencies(context.Background(), cmd, func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAwaitDependenciesFailedPropagates(t *testing.T) {
	rs := replay.New(replay.Config{}, 1)
	e := New(Config{}, rs)
	rs.RegisterInFlight("dep1", "fp")
	rs.StoreCommandOutcome("dep1", "fp", false, protocol.Failure("dep1", protocol.CmdPrompt, "boom"))

	cmd := &protocol.Command{ID: "r1", SessionID: "s1", DependsOn: []string{"dep1"}}
	err := e.AwaitDependencies(context.Background(), cmd, func(string) (string, bool) { return "", false })
	var depErr *ErrDependencyFailed
	if !errors.As(err, &depErr) {
		t.Fatalf("expected ErrDependencyFailed, got %v", err)
	}
}

func TestAwaitDependenciesSameLaneRejected(t *testing.T) {
	rs := replay.New(replay.Config{}, 1)
	e := New(Config{}, rs)
	cmd := &protocol.Command{ID: "r1", SessionID: "s1", DependsOn: []string{"dep1"}}
	err := e.AwaitDependencies(context.Background(), cmd, func(id string) (string, bool) { return "session:s1", true })
	if err != ErrSameLaneDependency {
		t.Fatalf("expected ErrSameLaneDependency, got %v", err)
	}
}

func TestAwaitDependenciesInflightTimeout(t *testing.T) {
	rs := replay.New(replay.Config{}, 1)
	e := New(Config{DependencyTimeout: 10 * time.Millisecond}, rs)
	rs.RegisterInFlight("dep1", "fp") // never resolved

	cmd := &protocol.Command{ID: "r1", SessionID: "s1", DependsOn: []string{"dep1"}}
	err := e.AwaitDependencies(context.Background(), cmd, func(string) (string, bool) { return "", false })
	if err != ErrDependencyTimeout {
		t.Fatalf("expected ErrDependencyTimeout, got %v", err)
	}
}

func TestRunWithTimeoutAndAbortFiresHandler(t *testing.T) {
	rs := replay.New(replay.Config{}, 1)
	e := New(Config{ShortTimeout: 50 * time.Millisecond, Classes: map[string]protocol.TimeoutClass{protocol.CmdBash: protocol.TimeoutShort}}, rs)

	aborted := make(chan struct{}, 1)
	e.RegisterAbortHandler(protocol.CmdBash, func(ctx context.Context, cmd *protocol.Command) error {
		aborted <- struct{}{}
		return nil
	})

	cmd := &protocol.Command{ID: "r1", Type: protocol.CmdBash, SessionID: "s1"}
	resp, timedOut := e.RunWithTimeoutAndAbort(context.Background(), cmd, func(ctx context.Context) (*protocol.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !timedOut || !resp.TimedOut {
		t.Fatalf("expected timeout response, got %+v timedOut=%v", resp, timedOut)
	}
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("expected abort handler to fire")
	}
}

func TestRunWithTimeoutAndAbortNoTimeoutClass(t *testing.T) {
	rs := replay.New(replay.Config{}, 1)
	e := New(Config{Classes: map[string]protocol.TimeoutClass{protocol.CmdListSessions: protocol.TimeoutNone}}, rs)
	cmd := &protocol.Command{ID: "r1", Type: protocol.CmdListSessions}
	resp, timedOut := e.RunWithTimeoutAndAbort(context.Background(), cmd, func(ctx context.Context) (*protocol.Response, error) {
		return protocol.Success("r1", protocol.CmdListSessions, nil), nil
	})
	if timedOut || !resp.Success {
		t.Fatalf("expected immediate success, got %+v timedOut=%v", resp, timedOut)
	}
}
