package mitm

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
)

func testMessage() *Message {
	return &Message{
		Flow: NewFlow(ModeSOCKS5),
		Request: &Request{
			Method: "GET",
			Target: "/",
			Proto:  "HTTP/1.1",
			Header: Header{{"Host", "example.com"}},
		},
	}
}

func TestPipelineOrder(t *testing.T) {
	var order []string
	pipeline := NewPipeline()
	for i := 0; i < 3; i++ {
		name := "hook" + strconv.Itoa(i)
		pipeline.Register(NewHook(name, PhaseRequest, func(msg *Message) Verdict {
			order = append(order, name)
			msg.Request.Header.Add("X-Seen-By", name)
			return Mutated
		}))
	}

	ctx := NewContext(NewConfig(nil), ModeSOCKS5)
	msg := testMessage()
	if dropped := pipeline.Apply(ctx, msg, PhaseRequest); dropped {
		t.Fatal("unexpected drop")
	}

	if len(order) != 3 || order[0] != "hook0" || order[1] != "hook1" || order[2] != "hook2" {
		t.Fatalf("execution order = %v", order)
	}
	if seen := msg.Request.Header.Values("X-Seen-By"); len(seen) != 3 {
		t.Fatalf("mutations lost: %v", seen)
	}
}

func TestPipelineDropShortCircuits(t *testing.T) {
	var ran []string
	hook := func(name string, verdict Verdict) Hook {
		return NewHook(name, PhaseRequest, func(*Message) Verdict {
			ran = append(ran, name)
			return verdict
		})
	}

	pipeline := NewPipeline(
		hook("first", Pass),
		hook("dropper", Drop),
		hook("never", Pass),
	)

	ctx := NewContext(NewConfig(nil), ModeSOCKS5)
	if dropped := pipeline.Apply(ctx, testMessage(), PhaseRequest); !dropped {
		t.Fatal("drop verdict lost")
	}
	if len(ran) != 2 || ran[1] != "dropper" {
		t.Fatalf("ran = %v", ran)
	}
}

// A panicking hook must not leak its half-applied edits into the chain.
func TestPipelinePanicIsolation(t *testing.T) {
	pipeline := NewPipeline(
		NewHook("faulty", PhaseRequest, func(msg *Message) Verdict {
			msg.Request.Header.Set("Host", "clobbered.test")
			panic("boom")
		}),
		NewHook("after", PhaseRequest, func(msg *Message) Verdict {
			if msg.Request.Host() != "example.com" {
				t.Errorf("saw partial edits: host = %s", msg.Request.Host())
			}
			return Pass
		}),
	)

	ctx := NewContext(NewConfig(nil), ModeSOCKS5)
	msg := testMessage()
	if dropped := pipeline.Apply(ctx, msg, PhaseRequest); dropped {
		t.Fatal("panic turned into drop")
	}
	if msg.Request.Host() != "example.com" {
		t.Fatalf("message corrupted by faulty hook: %s", msg.Request.Host())
	}
}

func TestPipelinePhaseSeparation(t *testing.T) {
	var ran []string
	pipeline := NewPipeline(
		NewHook("req", PhaseRequest, func(*Message) Verdict {
			ran = append(ran, "req")
			return Pass
		}),
		NewHook("resp", PhaseResponse, func(*Message) Verdict {
			ran = append(ran, "resp")
			return Pass
		}),
	)

	ctx := NewContext(NewConfig(nil), ModeSOCKS5)
	pipeline.Apply(ctx, testMessage(), PhaseRequest)

	if len(ran) != 1 || ran[0] != "req" {
		t.Fatalf("ran = %v", ran)
	}
}

func TestNilPipeline(t *testing.T) {
	var pipeline *Pipeline
	ctx := NewContext(NewConfig(nil), ModeSOCKS5)
	if dropped := pipeline.Apply(ctx, testMessage(), PhaseRequest); dropped {
		t.Fatal("nil pipeline dropped")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecHookPass(t *testing.T) {
	hook := NewExecHook(writeScript(t, "cat >/dev/null\nexit 0\n"), PhaseRequest)
	msg := testMessage()
	if verdict := hook.Apply(msg); verdict != Pass {
		t.Fatalf("verdict = %v", verdict)
	}
	if msg.Request.Target != "/" {
		t.Fatal("pass verdict mutated the message")
	}
}

func TestExecHookDrop(t *testing.T) {
	hook := NewExecHook(writeScript(t, "cat >/dev/null\nexit 3\n"), PhaseRequest)
	if verdict := hook.Apply(testMessage()); verdict != Drop {
		t.Fatalf("verdict = %v", verdict)
	}
}

func TestExecHookMutate(t *testing.T) {
	script := `cat >/dev/null
printf '{"request":{"method":"GET","target":"/rewritten","proto":"HTTP/1.1","headers":[["Host","example.com"],["X-Hooked","1"]]}}'
`
	hook := NewExecHook(writeScript(t, script), PhaseRequest)

	msg := testMessage()
	if verdict := hook.Apply(msg); verdict != Mutated {
		t.Fatalf("verdict = %v", verdict)
	}
	if msg.Request.Target != "/rewritten" {
		t.Fatalf("target = %s", msg.Request.Target)
	}
	if v, _ := msg.Request.Header.Get("X-Hooked"); v != "1" {
		t.Fatalf("header = %v", msg.Request.Header)
	}
}

// Exec failures other than the drop status are plugin faults: the
// pipeline skips the hook and keeps the message intact.
func TestExecHookFaultIsolated(t *testing.T) {
	pipeline := NewPipeline(NewExecHook(filepath.Join(t.TempDir(), "missing"), PhaseRequest))
	ctx := NewContext(NewConfig(nil), ModeSOCKS5)

	msg := testMessage()
	if dropped := pipeline.Apply(ctx, msg, PhaseRequest); dropped {
		t.Fatal("missing executable dropped the flow")
	}
	if msg.Request.Host() != "example.com" {
		t.Fatal("message mutated by failed hook")
	}
}
