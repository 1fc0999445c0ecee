package mitm

import (
	"testing"
)

func TestFlowLifecycle(t *testing.T) {
	flow := NewFlow(ModeSOCKS5)
	if flow.State() != StateAccepted {
		t.Fatalf("new flow state = %s", flow.State())
	}

	events := []Event{
		EventDetect,
		EventTLSDetected,
		EventHandshakeDone,
		EventTeardown,
		EventClosed,
	}
	for _, event := range events {
		if err := flow.Transition(event); err != nil {
			t.Fatal(err)
		}
		t.Logf("%s -> %s", event, flow.State())
	}

	if flow.State() != StateClosed {
		t.Fatalf("final state = %s", flow.State())
	}
	if flow.Closed.IsZero() {
		t.Fatal("closed timestamp not set")
	}
}

func TestFlowPlaintextPath(t *testing.T) {
	flow := NewFlow(ModeTransparent)
	for _, event := range []Event{EventDetect, EventPlainDetected, EventTeardown, EventClosed} {
		if err := flow.Transition(event); err != nil {
			t.Fatal(err)
		}
	}
	if flow.State() != StateClosed {
		t.Fatalf("final state = %s", flow.State())
	}
}

func TestFlowTunnelPath(t *testing.T) {
	flow := NewFlow(ModeSOCKS5)
	for _, event := range []Event{EventDetect, EventUnknownPayload, EventTeardown, EventClosed} {
		if err := flow.Transition(event); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFlowInvalidTransitions(t *testing.T) {
	cases := []struct {
		state State
		event Event
	}{
		{StateAccepted, EventTLSDetected},   // detection not started
		{StateAccepted, EventHandshakeDone}, // skips two states
		{StateDetecting, EventHandshakeDone},
		{StateRelaying, EventDetect}, // no re-entry
		{StateClosed, EventTeardown},
		{StateAccepted, EventClosed},
	}

	for _, tc := range cases {
		next, err := transition(tc.state, tc.event)
		if err == nil {
			t.Fatalf("%s on %s accepted, went to %s", tc.event, tc.state, next)
		}
		if next != tc.state {
			t.Fatalf("%s on %s moved state to %s", tc.event, tc.state, next)
		}
		t.Log(err)
	}
}

func TestFlowFailAbsorbs(t *testing.T) {
	for _, state := range []State{StateAccepted, StateDetecting, StateHandshaking, StateRelaying, StateTunneling, StateClosing} {
		next, err := transition(state, EventFail)
		if err != nil {
			t.Fatal(err)
		}
		if next != StateError {
			t.Fatalf("fail on %s = %s", state, next)
		}
	}

	// ERROR still releases through CLOSED.
	next, err := transition(StateError, EventClosed)
	if err != nil {
		t.Fatal(err)
	}
	if next != StateClosed {
		t.Fatalf("closed on error = %s", next)
	}
}

func TestFlowSeq(t *testing.T) {
	flow := NewFlow(ModeSOCKS5)
	for want := uint64(1); want <= 3; want++ {
		if got := flow.NextSeq(); got != want {
			t.Fatalf("seq = %d, want %d", got, want)
		}
	}
}
