package mitm

import (
	"errors"
	"fmt"
	"io"
)

// AcceptError reports a malformed or unsupported ingress handshake.
// The client connection is closed and no flow survives it.
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string { return "accept: " + e.Err.Error() }
func (e *AcceptError) Unwrap() error { return e.Err }
func (e *AcceptError) Kind() string  { return "accept" }

// ClientTLSError reports that the client refused the synthesized
// certificate or otherwise failed the client-facing handshake.
type ClientTLSError struct {
	Err error
}

func (e *ClientTLSError) Error() string { return "client tls: " + e.Err.Error() }
func (e *ClientTLSError) Unwrap() error { return e.Err }
func (e *ClientTLSError) Kind() string  { return "client-tls" }

// UpstreamTLSError reports a failed server-facing handshake. The
// client-facing leg is torn down with a TLS alert, never relayed raw.
type UpstreamTLSError struct {
	Err error
}

func (e *UpstreamTLSError) Error() string { return "upstream tls: " + e.Err.Error() }
func (e *UpstreamTLSError) Unwrap() error { return e.Err }
func (e *UpstreamTLSError) Kind() string  { return "upstream-tls" }

// MalformedMessageError reports unparseable HTTP content. The flow is
// terminated without attempting to resynchronize mid-stream.
type MalformedMessageError struct {
	Err error
}

func (e *MalformedMessageError) Error() string { return "malformed message: " + e.Err.Error() }
func (e *MalformedMessageError) Unwrap() error { return e.Err }
func (e *MalformedMessageError) Kind() string  { return "malformed-message" }

// StreamError is scoped to a single HTTP/2 stream; the connection and
// its other streams stay alive.
type StreamError struct {
	StreamID uint32
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d: %v", e.StreamID, e.Err)
}
func (e *StreamError) Unwrap() error { return e.Err }
func (e *StreamError) Kind() string  { return "stream" }

// PluginError is isolated to the faulting hook; the pipeline and the
// flow continue.
type PluginError struct {
	Hook string
	Err  error
}

func (e *PluginError) Error() string { return "plugin " + e.Hook + ": " + e.Err.Error() }
func (e *PluginError) Unwrap() error { return e.Err }
func (e *PluginError) Kind() string  { return "plugin" }

// errorKind maps a flow error onto the wire-format kind string, empty
// for errors that carry no viewer record.
func errorKind(err error) string {
	var kinder interface{ Kind() string }
	if errors.As(err, &kinder) {
		return kinder.Kind()
	}
	return ""
}

func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
