package mitm

import "time"

// HeaderField is one (name, value) pair. Duplicates and wire order are
// preserved end-to-end, which is why messages do not use http.Header.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered sequence of fields.
type Header []HeaderField

func (h Header) Get(name string) (string, bool) {
	for _, f := range h {
		if equalFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h {
		if equalFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Set replaces the first occurrence in place, drops later duplicates,
// and appends when the field is absent. Positions of unrelated fields
// never move.
func (h *Header) Set(name, value string) {
	out := (*h)[:0]
	replaced := false
	for _, f := range *h {
		if equalFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

func (h *Header) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if equalFold(f.Name, name) {
			continue
		}
		out = append(out, f)
	}
	*h = out
}

func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// equalFold is ASCII case-insensitive comparison, all a header name
// needs.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Request is one parsed request in flight through the proxy. It is
// mutable inside the plugin pipeline and treated as immutable once a
// record of it has been handed to the publisher.
type Request struct {
	Method  string
	Target  string
	Proto   string
	Header  Header
	Body    []byte
	Trailer Header // fields after the body; HTTP/2 trailer section

	FlowID   string
	StreamID uint32
	Time     time.Time
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	out.Trailer = r.Trailer.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Host returns the request authority: the Host header for HTTP/1.1,
// the :authority pseudo-header for HTTP/2.
func (r *Request) Host() string {
	if host, ok := r.Header.Get("Host"); ok {
		return host
	}
	host, _ := r.Header.Get(":authority")
	return host
}

// Response is one parsed response, back-referencing its request.
type Response struct {
	StatusCode int
	Reason     string
	Proto      string
	Header     Header
	Body       []byte
	Trailer    Header // fields after the body; HTTP/2 trailer section

	FlowID   string
	StreamID uint32
	Request  *Request
	Time     time.Time
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	out.Trailer = r.Trailer.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// Message is what a hook sees: the request always, the response only in
// the response phase.
type Message struct {
	Flow     *Flow
	Request  *Request
	Response *Response
}

func (m *Message) Clone() *Message {
	out := &Message{Flow: m.Flow}
	out.Request = m.Request.Clone()
	out.Response = m.Response.Clone()
	if out.Response != nil {
		out.Response.Request = out.Request
	}
	return out
}
