package mitm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// The HTTP/2 codec terminates the frame layer on both legs rather than
// splicing frames through: header blocks are HPACK-decoded into the
// ordered message model, handed to the pipeline and the publisher, and
// re-encoded with the outgoing leg's own compression state. Stream ids
// are preserved one-to-one since an intercepted connection maps to
// exactly one origin connection.

const h2ChunkSize = 16 << 10

// h2InitialWindow is the RFC 7540 default send window before the peer
// grants more.
const h2InitialWindow = 65535

// errH2StreamGone marks a send window that vanished because the stream
// was reset; data still queued for it is discarded, not an error.
var errH2StreamGone = errors.New("http2: stream closed")

// h2Leg is one side of the relay with its framer, write lock, header
// compression state and the peer-granted send windows.
type h2Leg struct {
	name   string
	conn   net.Conn
	framer *http2.Framer

	mu     sync.Mutex
	enc    *hpack.Encoder
	encBuf bytes.Buffer

	// Send flow control, credited by the peer's SETTINGS and
	// WINDOW_UPDATE frames. Guarded apart from the write lock so a
	// grant never waits behind an in-flight frame.
	flowMu     sync.Mutex
	flowCond   *sync.Cond
	connWindow int64
	streams    map[uint32]int64
	initial    int64
	closed     bool
}

func newH2Leg(name string, conn net.Conn) *h2Leg {
	leg := &h2Leg{
		name:       name,
		conn:       conn,
		connWindow: h2InitialWindow,
		initial:    h2InitialWindow,
		streams:    make(map[uint32]int64),
	}
	leg.flowCond = sync.NewCond(&leg.flowMu)
	leg.framer = http2.NewFramer(conn, bufio.NewReader(conn))
	leg.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	leg.enc = hpack.NewEncoder(&leg.encBuf)
	return leg
}

// setInitialWindow applies the peer's SETTINGS_INITIAL_WINDOW_SIZE,
// shifting every open stream by the delta per RFC 7540 §6.9.2.
func (l *h2Leg) setInitialWindow(v uint32) {
	l.flowMu.Lock()
	delta := int64(v) - l.initial
	l.initial = int64(v)
	for id := range l.streams {
		l.streams[id] += delta
	}
	l.flowMu.Unlock()
	l.flowCond.Broadcast()
}

// grantWindow credits a WINDOW_UPDATE from the peer.
func (l *h2Leg) grantWindow(streamID uint32, incr uint32) {
	l.flowMu.Lock()
	if streamID == 0 {
		l.connWindow += int64(incr)
	} else if _, ok := l.streams[streamID]; ok {
		l.streams[streamID] += int64(incr)
	}
	l.flowMu.Unlock()
	l.flowCond.Broadcast()
}

func (l *h2Leg) openStream(id uint32) {
	l.flowMu.Lock()
	if _, ok := l.streams[id]; !ok {
		l.streams[id] = l.initial
	}
	l.flowMu.Unlock()
}

func (l *h2Leg) closeStream(id uint32) {
	l.flowMu.Lock()
	delete(l.streams, id)
	l.flowMu.Unlock()
	l.flowCond.Broadcast()
}

// shutdown wakes any writer blocked on window credit so the relay can
// unwind once the connection dies.
func (l *h2Leg) shutdown() {
	l.flowMu.Lock()
	l.closed = true
	l.flowMu.Unlock()
	l.flowCond.Broadcast()
}

// takeWindow blocks until send window is available on both the
// connection and the stream, then debits and returns the grant.
func (l *h2Leg) takeWindow(streamID uint32, want int) (int, error) {
	l.flowMu.Lock()
	defer l.flowMu.Unlock()

	for {
		if l.closed {
			return 0, net.ErrClosed
		}
		streamWindow, ok := l.streams[streamID]
		if !ok {
			return 0, errH2StreamGone
		}
		if avail := min(l.connWindow, streamWindow); avail > 0 {
			n := min(avail, int64(want))
			l.connWindow -= n
			l.streams[streamID] -= n
			return int(n), nil
		}
		l.flowCond.Wait()
	}
}

func (l *h2Leg) writeSettings(settings ...http2.Setting) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.framer.WriteSettings(settings...)
}

func (l *h2Leg) writeSettingsAck() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.framer.WriteSettingsAck()
}

func (l *h2Leg) writePing(ack bool, data [8]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.framer.WritePing(ack, data)
}

func (l *h2Leg) writeWindowUpdate(streamID, incr uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.framer.WriteWindowUpdate(streamID, incr)
}

func (l *h2Leg) writeRSTStream(streamID uint32, code http2.ErrCode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.framer.WriteRSTStream(streamID, code)
}

// writeHeaders encodes one header block, splitting into CONTINUATION
// frames when it outgrows the frame size.
func (l *h2Leg) writeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.encBuf.Reset()
	for _, f := range fields {
		if err := l.enc.WriteField(f); err != nil {
			return err
		}
	}

	block := l.encBuf.Bytes()
	first := true
	for {
		fragment := block
		if len(fragment) > h2ChunkSize {
			fragment = fragment[:h2ChunkSize]
		}
		block = block[len(fragment):]
		done := len(block) == 0

		var err error
		if first {
			err = l.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: fragment,
				EndHeaders:    done,
				EndStream:     endStream,
			})
			first = false
		} else {
			err = l.framer.WriteContinuation(streamID, done, fragment)
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (l *h2Leg) writeDataFrame(streamID uint32, data []byte, endStream bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.framer.WriteData(streamID, endStream, data)
}

// writeData forwards a body within the peer's flow-control windows,
// blocking for WINDOW_UPDATE credit as needed. Data for a stream the
// peer already reset is silently discarded.
func (l *h2Leg) writeData(streamID uint32, data []byte, endStream bool) error {
	if len(data) == 0 {
		return l.writeDataFrame(streamID, data, endStream)
	}

	for len(data) > 0 {
		n, err := l.takeWindow(streamID, min(len(data), h2ChunkSize))
		if err == errH2StreamGone {
			return nil
		}
		if err != nil {
			return err
		}
		chunk := data[:n]
		data = data[n:]
		if err := l.writeDataFrame(streamID, chunk, endStream && len(data) == 0); err != nil {
			return err
		}
	}
	return nil
}

// writeMessage emits one full message side: headers, windowed body, and
// a trailing header block when the message carries trailers.
func (l *h2Leg) writeMessage(streamID uint32, fields []hpack.HeaderField, body []byte, trailer Header) error {
	endStream := len(body) == 0 && len(trailer) == 0
	if err := l.writeHeaders(streamID, fields, endStream); err != nil {
		return err
	}
	if len(body) > 0 {
		l.openStream(streamID)
		err := l.writeData(streamID, body, len(trailer) == 0)
		l.closeStream(streamID)
		if err != nil {
			return err
		}
	}
	if len(trailer) > 0 {
		return l.writeHeaders(streamID, hpackFields(trailer), true)
	}
	return nil
}

// h2Stream accumulates one message until END_STREAM. A header block
// arriving after the first one is the trailer section.
type h2Stream struct {
	id         uint32
	header     Header
	trailer    Header
	headerDone bool
	body       bytes.Buffer
}

type h2Relay struct {
	ctx    *Context
	client *h2Leg
	origin *h2Leg

	mu       sync.Mutex
	requests map[uint32]*Request // awaiting their responses
}

// relayHTTP2 drives one intercepted h2 connection until either leg
// closes or a connection-level error kills it.
func relayHTTP2(ctx *Context) error {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(ctx.Conn, preface); err != nil {
		return &MalformedMessageError{err}
	}
	if string(preface) != http2.ClientPreface {
		return &MalformedMessageError{fmt.Errorf("bad connection preface %q", preface)}
	}

	client := newH2Leg("client", ctx.Conn)
	origin := newH2Leg("origin", ctx.Dst)

	if _, err := ctx.Dst.Write([]byte(http2.ClientPreface)); err != nil {
		return err
	}

	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: 1 << 30},
		{ID: http2.SettingEnablePush, Val: 0},
	}
	if err := origin.writeSettings(settings...); err != nil {
		return err
	}
	if err := client.writeSettings(settings...); err != nil {
		return err
	}
	// Lift the connection-level receive window too; stream windows alone
	// cap at the 64KB default.
	if err := origin.writeWindowUpdate(0, 1<<30-h2InitialWindow); err != nil {
		return err
	}
	if err := client.writeWindowUpdate(0, 1<<30-h2InitialWindow); err != nil {
		return err
	}

	relay := &h2Relay{
		ctx:      ctx,
		client:   client,
		origin:   origin,
		requests: make(map[uint32]*Request),
	}

	errc := make(chan error, 2)
	go func() { errc <- relay.pump(client, origin, true) }()
	go func() { errc <- relay.pump(origin, client, false) }()

	err := <-errc
	client.shutdown()
	origin.shutdown()
	ctx.Conn.Close()
	ctx.Dst.Close()
	<-errc

	if err == nil || IsEOF(err) || IsConnReset(err) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// pump reads frames from src and forwards re-encoded messages to dst.
// Stream-level errors reset only their stream; anything else ends the
// connection.
func (r *h2Relay) pump(src, dst *h2Leg, isRequest bool) error {
	streams := make(map[uint32]*h2Stream)

	for {
		frame, err := src.framer.ReadFrame()
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				r.ctx.Warn(&StreamError{StreamID: se.StreamID, Err: se})
				src.writeRSTStream(se.StreamID, se.Code)
				dst.writeRSTStream(se.StreamID, se.Code)
				src.closeStream(se.StreamID)
				dst.closeStream(se.StreamID)
				delete(streams, se.StreamID)
				continue
			}
			return err
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if v, ok := f.Value(http2.SettingInitialWindowSize); ok {
					src.setInitialWindow(v)
				}
				if err := src.writeSettingsAck(); err != nil {
					return err
				}
			}

		case *http2.PingFrame:
			if !f.IsAck() {
				if err := src.writePing(true, f.Data); err != nil {
					return err
				}
			}

		case *http2.WindowUpdateFrame:
			// The peer on this leg granting us send window.
			src.grantWindow(f.StreamID, f.Increment)

		case *http2.PriorityFrame:
			// Scheduling hint only; nothing to forward.

		case *http2.GoAwayFrame:
			return nil

		case *http2.RSTStreamFrame:
			dst.writeRSTStream(f.StreamID, f.ErrCode)
			src.closeStream(f.StreamID)
			dst.closeStream(f.StreamID)
			delete(streams, f.StreamID)

		case *http2.MetaHeadersFrame:
			st := streams[f.StreamID]
			if st == nil {
				st = &h2Stream{id: f.StreamID}
				streams[f.StreamID] = st
			}
			if st.headerDone {
				for _, field := range f.Fields {
					st.trailer.Add(field.Name, field.Value)
				}
			} else {
				for _, field := range f.Fields {
					st.header.Add(field.Name, field.Value)
				}
				st.headerDone = true
			}
			if f.StreamEnded() {
				delete(streams, f.StreamID)
				if err := r.finish(st, src, dst, isRequest); err != nil {
					return err
				}
			}

		case *http2.DataFrame:
			st := streams[f.StreamID]
			if st == nil {
				src.writeRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
				continue
			}
			st.body.Write(f.Data())
			if n := len(f.Data()); n > 0 {
				if err := src.writeWindowUpdate(0, uint32(n)); err != nil {
					return err
				}
				if err := src.writeWindowUpdate(f.StreamID, uint32(n)); err != nil {
					return err
				}
			}
			if f.StreamEnded() {
				delete(streams, f.StreamID)
				if err := r.finish(st, src, dst, isRequest); err != nil {
					return err
				}
			}
		}
	}
}

func (r *h2Relay) finish(st *h2Stream, src, dst *h2Leg, isRequest bool) error {
	if isRequest {
		return r.finishRequest(st, src, dst)
	}
	return r.finishResponse(st, src, dst)
}

func (r *h2Relay) finishRequest(st *h2Stream, client, origin *h2Leg) error {
	ctx := r.ctx
	req := &Request{
		Proto:    "HTTP/2.0",
		Header:   st.header,
		Trailer:  st.trailer,
		Body:     st.body.Bytes(),
		FlowID:   ctx.Flow.ID,
		StreamID: st.id,
		Time:     time.Now(),
	}
	req.Method, _ = st.header.Get(":method")
	req.Target, _ = st.header.Get(":path")

	msg := &Message{Flow: ctx.Flow, Request: req}
	if dropped := ctx.Pipeline.Apply(ctx, msg, PhaseRequest); dropped {
		ctx.Infof("request on stream %d dropped by pipeline", st.id)
		client.writeHeaders(st.id, []hpack.HeaderField{
			{Name: ":status", Value: strconv.Itoa(http.StatusForbidden)},
		}, true)
		return errFlowDropped
	}
	req = msg.Request

	ctx.Publisher.Publish(newRequestRecord(ctx.Flow, req))

	r.mu.Lock()
	r.requests[st.id] = req
	r.mu.Unlock()

	return origin.writeMessage(st.id, h2Fields(req.Header, req.Body), req.Body, req.Trailer)
}

func (r *h2Relay) finishResponse(st *h2Stream, origin, client *h2Leg) error {
	ctx := r.ctx

	r.mu.Lock()
	req := r.requests[st.id]
	delete(r.requests, st.id)
	r.mu.Unlock()

	resp := &Response{
		Proto:    "HTTP/2.0",
		Header:   st.header,
		Trailer:  st.trailer,
		Body:     st.body.Bytes(),
		FlowID:   ctx.Flow.ID,
		StreamID: st.id,
		Request:  req,
		Time:     time.Now(),
	}
	if status, ok := st.header.Get(":status"); ok {
		resp.StatusCode, _ = strconv.Atoi(status)
	}

	msg := &Message{Flow: ctx.Flow, Request: req, Response: resp}
	if dropped := ctx.Pipeline.Apply(ctx, msg, PhaseResponse); dropped {
		ctx.Infof("response on stream %d dropped by pipeline", st.id)
		client.writeRSTStream(st.id, http2.ErrCodeCancel)
		return errFlowDropped
	}
	resp = msg.Response

	ctx.Publisher.Publish(newResponseRecord(ctx.Flow, resp))

	return client.writeMessage(st.id, h2Fields(resp.Header, resp.Body), resp.Body, resp.Trailer)
}

// hpackFields converts the model header to an HPACK field list. Field
// names go to the wire lowercase per RFC 7540 §8.1.2; pseudo-fields
// pass through untouched.
func hpackFields(h Header) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, len(h))
	for _, f := range h {
		name := f.Name
		if !strings.HasPrefix(name, ":") {
			name = strings.ToLower(name)
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: f.Value})
	}
	return fields
}

// h2Fields is hpackFields with content-length recomputed when present.
func h2Fields(h Header, body []byte) []hpack.HeaderField {
	h = h.Clone()
	if _, ok := h.Get("content-length"); ok {
		h.Set("content-length", strconv.Itoa(len(body)))
	}
	return hpackFields(h)
}
