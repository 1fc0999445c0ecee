package mitm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// Mode is the ingress mode the flow was accepted in.
type Mode int

const (
	ModeSOCKS5 Mode = iota
	ModeTransparent
)

func (m Mode) String() string {
	switch m {
	case ModeSOCKS5:
		return "socks5"
	case ModeTransparent:
		return "transparent"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Protocol is the application protocol negotiated for the flow.
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoHTTP1
	ProtoHTTP2
	ProtoTunnel
)

func (p Protocol) String() string {
	switch p {
	case ProtoHTTP1:
		return "http/1.1"
	case ProtoHTTP2:
		return "h2"
	case ProtoTunnel:
		return "tunnel"
	}
	return "unknown"
}

// State of a flow. Transitions are monotonic; no state is re-entered.
type State int

const (
	StateAccepted State = iota
	StateDetecting
	StateHandshaking
	StateRelaying
	StateTunneling
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateDetecting:
		return "DETECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateRelaying:
		return "RELAYING"
	case StateTunneling:
		return "TUNNELING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives the flow state machine.
type Event int

const (
	// EventDetect fires once the destination is known and sniffing starts.
	EventDetect Event = iota
	// EventTLSDetected routes the flow into the dual TLS handshake.
	EventTLSDetected
	// EventPlainDetected skips the handshake for cleartext HTTP/1.1.
	EventPlainDetected
	// EventUnknownPayload degrades the flow to an opaque byte tunnel.
	EventUnknownPayload
	// EventHandshakeDone means both TLS legs are established.
	EventHandshakeDone
	// EventTeardown is a half-close, idle timeout or plugin drop.
	EventTeardown
	// EventClosed releases both legs.
	EventClosed
	// EventFail absorbs any unrecoverable error.
	EventFail
)

func (e Event) String() string {
	switch e {
	case EventDetect:
		return "detect"
	case EventTLSDetected:
		return "tls-detected"
	case EventPlainDetected:
		return "plain-detected"
	case EventUnknownPayload:
		return "unknown-payload"
	case EventHandshakeDone:
		return "handshake-done"
	case EventTeardown:
		return "teardown"
	case EventClosed:
		return "closed"
	case EventFail:
		return "fail"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transition is the single source of truth for the lifecycle:
//
//	ACCEPTED → DETECTING → HANDSHAKING → RELAYING → CLOSING → CLOSED
//	                     ↘ RELAYING (plaintext)
//	                     ↘ TUNNELING → CLOSING
//	any non-terminal state → ERROR → CLOSED
func transition(state State, event Event) (State, error) {
	switch event {
	case EventFail:
		if state == StateClosed || state == StateError {
			break
		}
		return StateError, nil
	case EventClosed:
		if state == StateClosing || state == StateError {
			return StateClosed, nil
		}
	case EventTeardown:
		switch state {
		case StateRelaying, StateTunneling, StateHandshaking:
			return StateClosing, nil
		case StateClosing:
			// Both legs reporting teardown collapses into one CLOSING.
			return StateClosing, nil
		}
	case EventDetect:
		if state == StateAccepted {
			return StateDetecting, nil
		}
	case EventTLSDetected:
		if state == StateDetecting {
			return StateHandshaking, nil
		}
	case EventPlainDetected:
		if state == StateDetecting {
			return StateRelaying, nil
		}
	case EventUnknownPayload:
		if state == StateDetecting {
			return StateTunneling, nil
		}
	case EventHandshakeDone:
		if state == StateHandshaking {
			return StateRelaying, nil
		}
	}
	return state, fmt.Errorf("flow: invalid transition %s on %s", event, state)
}

// Flow is one client-to-origin logical connection, owned by the
// goroutine that accepted it.
type Flow struct {
	ID         string
	ClientAddr string
	DstHost    string
	DstPort    string
	Mode       Mode
	Proto      Protocol
	Created    time.Time
	Closed     time.Time

	mu    sync.Mutex
	state State
	seq   atomic.Uint64
}

func NewFlow(mode Mode) *Flow {
	return &Flow{
		ID:      xid.New().String(),
		Mode:    mode,
		Created: time.Now(),
		state:   StateAccepted,
	}
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition applies one event. Invalid transitions leave the state
// untouched and return an error.
func (f *Flow) Transition(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := transition(f.state, event)
	if err != nil {
		return err
	}
	f.state = next
	if next == StateClosed {
		f.Closed = time.Now()
	}
	return nil
}

// NextSeq numbers published records per flow, in completion order.
func (f *Flow) NextSeq() uint64 { return f.seq.Add(1) }

func (f *Flow) DstAddr() string { return f.DstHost + ":" + f.DstPort }
