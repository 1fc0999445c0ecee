package mitm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gobwas/ws"
)

// Phase says which side of the exchange a hook runs on.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	if p == PhaseRequest {
		return "request"
	}
	return "response"
}

// Verdict is a hook's decision about the message it was handed.
type Verdict int

const (
	// Pass leaves the message as it was.
	Pass Verdict = iota
	// Mutated commits the hook's in-place edits.
	Mutated
	// Drop short-circuits the pipeline and marks the flow for teardown.
	Drop
)

// Hook is one named transformation. Implementations are registered at
// configuration time and must be safe for concurrent Apply calls,
// since every flow shares the same chain.
type Hook interface {
	Name() string
	Phase() Phase
	Apply(*Message) Verdict
}

// errFlowDropped propagates a pipeline drop out of a relay loop.
var errFlowDropped = errors.New("flow dropped by pipeline")

type hookFn struct {
	name  string
	phase Phase
	fn    func(*Message) Verdict
}

func (h *hookFn) Name() string             { return h.name }
func (h *hookFn) Phase() Phase             { return h.phase }
func (h *hookFn) Apply(m *Message) Verdict { return h.fn(m) }

// NewHook adapts a plain function into a Hook.
func NewHook(name string, phase Phase, fn func(*Message) Verdict) Hook {
	return &hookFn{name: name, phase: phase, fn: fn}
}

// Pipeline applies hooks in registration order, one chain per phase.
type Pipeline struct {
	request  []Hook
	response []Hook
}

func NewPipeline(hooks ...Hook) *Pipeline {
	p := &Pipeline{}
	for _, h := range hooks {
		p.Register(h)
	}
	return p
}

func (p *Pipeline) Register(h Hook) {
	if h.Phase() == PhaseRequest {
		p.request = append(p.request, h)
	} else {
		p.response = append(p.response, h)
	}
}

// Apply runs the phase's chain over msg. The first Drop wins and stops
// the chain. A hook that panics is isolated: its partial edits are
// discarded and the next hook sees the message as it was before the
// fault.
func (p *Pipeline) Apply(ctx *Context, msg *Message, phase Phase) (dropped bool) {
	if p == nil {
		return false
	}

	chain := p.request
	if phase == PhaseResponse {
		chain = p.response
	}

	for _, hook := range chain {
		work := msg.Clone()
		verdict, err := applyHook(hook, work)
		if err != nil {
			ctx.Error(err)
			continue
		}

		switch verdict {
		case Drop:
			return true
		case Mutated, Pass:
			*msg = *work
		}
	}
	return false
}

func applyHook(hook Hook, msg *Message) (verdict Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PluginError{Hook: hook.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return hook.Apply(msg), nil
}

// ExecHook runs an external executable per message: the JSON-encoded
// record goes to stdin; empty stdout means pass, a JSON record on
// stdout replaces the message, exit status 3 drops the flow. Any other
// failure is a PluginError and the hook is skipped for that message.
type ExecHook struct {
	Path    string
	phase   Phase
	Timeout time.Duration
}

func NewExecHook(path string, phase Phase) *ExecHook {
	return &ExecHook{Path: path, phase: phase, Timeout: 5 * time.Second}
}

func (h *ExecHook) Name() string { return filepath.Base(h.Path) }
func (h *ExecHook) Phase() Phase { return h.phase }

const execDropStatus = 3

func (h *ExecHook) Apply(msg *Message) Verdict {
	input, err := json.Marshal(newHookRecord(msg))
	if err != nil {
		panic(err) // isolated by applyHook
	}

	cmd := exec.Command(h.Path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := runWithTimeout(cmd, h.Timeout); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == execDropStatus {
			return Drop
		}
		panic(err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return Pass
	}

	var record hookRecord
	if err := json.Unmarshal(out, &record); err != nil {
		panic(err)
	}
	record.applyTo(msg)
	return Mutated
}

func runWithTimeout(cmd *exec.Cmd, timeout time.Duration) error {
	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("timed out after %s", timeout)
	}
}

// hookRecord is the JSON shape exchanged with external hooks, shared
// with the viewer wire format's message encoding.
type hookRecord struct {
	Request  *RequestRecord  `json:"request,omitempty"`
	Response *ResponseRecord `json:"response,omitempty"`
}

func newHookRecord(msg *Message) *hookRecord {
	rec := &hookRecord{}
	if msg.Request != nil {
		rec.Request = newRequestBody(msg.Request)
	}
	if msg.Response != nil {
		rec.Response = newResponseBody(msg.Response)
	}
	return rec
}

func (r *hookRecord) applyTo(msg *Message) {
	if r.Request != nil && msg.Request != nil {
		r.Request.applyTo(msg.Request)
	}
	if r.Response != nil && msg.Response != nil {
		r.Response.applyTo(msg.Response)
	}
}

// WebSocket and raw tunnel traffic use filter chains instead of the
// message pipeline: frame and byte transforms registered on the Config
// with optional matchers.

type WsMatcher interface {
	Match(frame ws.Frame, ctx *Context) bool
}

type WsMatchFn func(ws.Frame, *Context) bool

func (f WsMatchFn) Match(frame ws.Frame, ctx *Context) bool { return f(frame, ctx) }

type WsFilter struct {
	cfg     *Config
	matcher []WsMatcher
}

func (c *Config) WithWsMatcher(matcher ...WsMatcher) *WsFilter {
	return &WsFilter{cfg: c, matcher: matcher}
}

type WsHandlerFn func(ws.Frame, *Context) ws.Frame

func (w *WsFilter) Handle(handle WsHandlerFn) {
	w.cfg.wsHandlers = append(w.cfg.wsHandlers,
		func(frame ws.Frame, ctx *Context) ws.Frame {
			for _, matcher := range w.matcher {
				if !matcher.Match(frame, ctx) {
					return frame
				}
			}
			return handle(frame, ctx)
		})
}

func (c *Config) filterWs(frame ws.Frame, ctx *Context) ws.Frame {
	for _, handle := range c.wsHandlers {
		frame = handle(frame, ctx)
	}
	return frame
}

func WsHostIs(hosts ...string) WsMatchFn {
	match := make(map[string]struct{})
	for _, host := range hosts {
		match[host] = struct{}{}
	}

	return func(frame ws.Frame, ctx *Context) bool {
		_, ok := match[ctx.Flow.DstHost]
		return ok
	}
}

type RawMatcher interface {
	Match(raw []byte, ctx *Context) bool
}

type RawMatchFn func([]byte, *Context) bool

func (f RawMatchFn) Match(raw []byte, ctx *Context) bool { return f(raw, ctx) }

type RawFilter struct {
	cfg     *Config
	matcher []RawMatcher
}

func (c *Config) WithRawMatcher(matcher ...RawMatcher) *RawFilter {
	return &RawFilter{cfg: c, matcher: matcher}
}

type RawHandlerFn func([]byte, *Context) []byte

func (r *RawFilter) Handle(handle RawHandlerFn) {
	r.cfg.rawHandlers = append(r.cfg.rawHandlers,
		func(raw []byte, ctx *Context) []byte {
			for _, matcher := range r.matcher {
				if !matcher.Match(raw, ctx) {
					return raw
				}
			}
			return handle(raw, ctx)
		})
}

func (c *Config) filterRaw(raw []byte, ctx *Context) []byte {
	for _, handle := range c.rawHandlers {
		raw = handle(raw, ctx)
	}
	return raw
}

func RawHostIs(hosts ...string) RawMatchFn {
	match := make(map[string]struct{})
	for _, host := range hosts {
		match[host] = struct{}{}
	}

	return func(raw []byte, ctx *Context) bool {
		_, ok := match[ctx.Flow.DstHost]
		return ok
	}
}
