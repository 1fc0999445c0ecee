package mitm

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type bufConn struct {
	net.Conn
	buf *bytes.Buffer
}

func (c *bufConn) Read(p []byte) (int, error)  { return c.buf.Read(p) }
func (c *bufConn) Write(p []byte) (int, error) { return c.buf.Write(p) }

func newBufLeg(name string) (*h2Leg, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return newH2Leg(name, &bufConn{buf: buf}), buf
}

func TestH2HeaderRoundTrip(t *testing.T) {
	leg, buf := newBufLeg("test")

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/index.html"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: "x-custom", Value: "kept"},
		{Name: "cookie", Value: "a=1"},
		{Name: "cookie", Value: "b=2"},
	}
	if err := leg.writeHeaders(7, fields, true); err != nil {
		t.Fatal(err)
	}

	framer := http2.NewFramer(nil, bufio.NewReader(buf))
	framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	frame, err := framer.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	meta, ok := frame.(*http2.MetaHeadersFrame)
	if !ok {
		t.Fatalf("frame = %T", frame)
	}
	if meta.StreamID != 7 || !meta.StreamEnded() {
		t.Fatalf("stream %d ended=%v", meta.StreamID, meta.StreamEnded())
	}

	if len(meta.Fields) != len(fields) {
		t.Fatalf("fields = %d, want %d", len(meta.Fields), len(fields))
	}
	for i, f := range meta.Fields {
		if f.Name != fields[i].Name || f.Value != fields[i].Value {
			t.Fatalf("field %d = %v, want %v", i, f, fields[i])
		}
	}
}

// Header blocks larger than one frame must split into CONTINUATIONs and
// still decode as one block.
func TestH2HeaderContinuation(t *testing.T) {
	leg, buf := newBufLeg("test")

	value := make([]byte, h2ChunkSize)
	for i := range value {
		value[i] = 'a'
	}
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "x-big-one", Value: string(value)},
		{Name: "x-big-two", Value: string(value)},
	}
	if err := leg.writeHeaders(1, fields, false); err != nil {
		t.Fatal(err)
	}

	framer := http2.NewFramer(nil, bufio.NewReader(buf))
	framer.ReadMetaHeaders = hpack.NewDecoder(uint32(4*h2ChunkSize), nil)
	framer.MaxHeaderListSize = uint32(4 * h2ChunkSize)

	frame, err := framer.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	meta := frame.(*http2.MetaHeadersFrame)
	if len(meta.Fields) != 3 {
		t.Fatalf("fields = %d", len(meta.Fields))
	}
	if meta.Fields[2].Value != string(value) {
		t.Fatal("continuation fragment lost data")
	}
}

func TestH2DataChunking(t *testing.T) {
	leg, buf := newBufLeg("test")
	leg.openStream(3)

	body := make([]byte, 3*h2ChunkSize+100)
	for i := range body {
		body[i] = byte(i)
	}
	if err := leg.writeData(3, body, true); err != nil {
		t.Fatal(err)
	}

	framer := http2.NewFramer(nil, bufio.NewReader(buf))

	var got bytes.Buffer
	ended := false
	for !ended {
		frame, err := framer.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		data, ok := frame.(*http2.DataFrame)
		if !ok {
			t.Fatalf("frame = %T", frame)
		}
		if data.StreamID != 3 {
			t.Fatalf("stream = %d", data.StreamID)
		}
		got.Write(data.Data())
		ended = data.StreamEnded()
	}

	if !bytes.Equal(got.Bytes(), body) {
		t.Fatalf("reassembled %d bytes, want %d", got.Len(), len(body))
	}
}

// A write larger than the stream's send window must block until the
// peer grants credit, and the first frame must stay inside the initial
// grant.
func TestH2DataRespectsSendWindow(t *testing.T) {
	leg, buf := newBufLeg("test")
	leg.setInitialWindow(10)
	leg.openStream(5)

	body := make([]byte, 25)
	for i := range body {
		body[i] = byte('a' + i%26)
	}

	done := make(chan error, 1)
	go func() { done <- leg.writeData(5, body, true) }()

	select {
	case err := <-done:
		t.Fatalf("write finished ahead of window credit: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	leg.grantWindow(5, 100)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	framer := http2.NewFramer(nil, bufio.NewReader(buf))
	var sizes []int
	var got bytes.Buffer
	ended := false
	for !ended {
		frame, err := framer.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		data, ok := frame.(*http2.DataFrame)
		if !ok {
			t.Fatalf("frame = %T", frame)
		}
		sizes = append(sizes, len(data.Data()))
		got.Write(data.Data())
		ended = data.StreamEnded()
	}

	if sizes[0] != 10 {
		t.Fatalf("first frame = %d bytes, window was 10 (all frames: %v)", sizes[0], sizes)
	}
	if !bytes.Equal(got.Bytes(), body) {
		t.Fatalf("reassembled %d bytes, want %d", got.Len(), len(body))
	}
	t.Logf("frame sizes: %v", sizes)
}

// Writers blocked on a stream the peer reset must give up quietly
// instead of stalling the relay.
func TestH2DataDiscardsOnClosedStream(t *testing.T) {
	leg, buf := newBufLeg("test")
	leg.setInitialWindow(1)
	leg.openStream(5)

	done := make(chan error, 1)
	go func() { done <- leg.writeData(5, []byte("abc"), true) }()

	time.Sleep(20 * time.Millisecond)
	leg.closeStream(5)

	if err := <-done; err != nil {
		t.Fatalf("reset stream surfaced an error: %v", err)
	}
	t.Logf("buffered %d bytes for the dead stream", buf.Len())
}

func TestH2FieldsRecomputesLength(t *testing.T) {
	h := Header{
		{":status", "200"},
		{"content-type", "text/plain"},
		{"content-length", "4"},
	}
	body := []byte("a body a plugin made longer")

	fields := h2Fields(h, body)
	if fields[2].Name != "content-length" || fields[2].Value != "27" {
		t.Fatalf("fields[2] = %v", fields[2])
	}
	// The source header must not be touched.
	if v, _ := h.Get("content-length"); v != "4" {
		t.Fatalf("source header mutated: %s", v)
	}
}

func TestH2FieldsWithoutLength(t *testing.T) {
	h := Header{{":status", "204"}}
	fields := h2Fields(h, nil)
	if len(fields) != 1 {
		t.Fatalf("fields = %v, length invented", fields)
	}
}

// Field names a plugin wrote in HTTP/1 style must fold to lowercase on
// the wire; strict peers reject mixed-case names outright. The model
// copy keeps the case the plugin used.
func TestH2FieldsLowercasesNames(t *testing.T) {
	h := Header{
		{":method", "POST"},
		{"X-Injected", "by-pipeline"},
		{"Content-Type", "text/plain"},
	}

	fields := h2Fields(h, []byte("hi"))
	want := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: "x-injected", Value: "by-pipeline"},
		{Name: "content-type", Value: "text/plain"},
	}
	for i, f := range fields {
		if f.Name != want[i].Name || f.Value != want[i].Value {
			t.Fatalf("field %d = %v, want %v", i, f, want[i])
		}
	}

	if h[1].Name != "X-Injected" {
		t.Fatalf("source header mutated: %s", h[1].Name)
	}
}

// A message carrying trailers keeps END_STREAM off the data and emits
// the trailing header block last.
func TestH2MessageTrailers(t *testing.T) {
	leg, buf := newBufLeg("test")

	fields := []hpack.HeaderField{{Name: ":status", Value: "200"}}
	trailer := Header{{"grpc-status", "0"}, {"grpc-message", "OK"}}
	if err := leg.writeMessage(9, fields, []byte("payload"), trailer); err != nil {
		t.Fatal(err)
	}

	framer := http2.NewFramer(nil, bufio.NewReader(buf))
	framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	frame, err := framer.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	head, ok := frame.(*http2.MetaHeadersFrame)
	if !ok {
		t.Fatalf("frame = %T", frame)
	}
	if head.StreamEnded() {
		t.Fatal("headers ended the stream ahead of the trailers")
	}

	frame, err = framer.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	data, ok := frame.(*http2.DataFrame)
	if !ok {
		t.Fatalf("frame = %T", frame)
	}
	if data.StreamEnded() {
		t.Fatal("data ended the stream ahead of the trailers")
	}
	if string(data.Data()) != "payload" {
		t.Fatalf("data = %q", data.Data())
	}

	frame, err = framer.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	trailing, ok := frame.(*http2.MetaHeadersFrame)
	if !ok {
		t.Fatalf("frame = %T", frame)
	}
	if !trailing.StreamEnded() {
		t.Fatal("trailers left the stream open")
	}
	if len(trailing.Fields) != 2 || trailing.Fields[0].Name != "grpc-status" {
		t.Fatalf("trailer fields = %v", trailing.Fields)
	}
}
