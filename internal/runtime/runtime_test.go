package runtime

import (
	"context"
	"testing"
	"time"
)

func TestRegistryNames(t *testing.T) {
	names := Names()
	want := map[string]bool{"docker": false, "exec": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("runtime %q not registered (have %v)", n, names)
		}
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open("firecracker"); err == nil {
		t.Fatalf("expected error for unknown runtime")
	}
}

func TestExecLifecycle(t *testing.T) {
	e := NewExec()
	defer e.Close()
	ctx := context.Background()

	err := e.StartAgent(ctx, AgentSpec{
		AgentID:    "agent-1",
		Capability: "sleeper",
		Endpoint:   "sleep",
		Args:       []string{"30"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	st, err := e.Status(ctx, "agent-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running {
		t.Fatalf("expected running agent")
	}

	// Double start of the same agent is refused.
	if err := e.StartAgent(ctx, AgentSpec{AgentID: "agent-1", Endpoint: "sleep", Args: []string{"1"}}); err == nil {
		t.Fatalf("duplicate start accepted")
	}

	if err := e.StopAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st, _ = e.Status(ctx, "agent-1")
	if st.Running {
		t.Fatalf("agent still running after stop")
	}

	// Stopping an unknown agent is a no-op.
	if err := e.StopAgent(ctx, "ghost"); err != nil {
		t.Fatalf("stop unknown: %v", err)
	}
}

func TestExecCapturesExit(t *testing.T) {
	e := NewExec()
	defer e.Close()
	ctx := context.Background()

	if err := e.StartAgent(ctx, AgentSpec{AgentID: "a", Endpoint: "false"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := e.Status(ctx, "a")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !st.Running {
			if st.ExitCode != 1 {
				t.Fatalf("expected exit code 1, got %d", st.ExitCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process never exited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	list, err := e.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if st, ok := list["a"]; !ok || st.Running {
		t.Fatalf("unexpected list %+v", list)
	}
}
