package mitm

import "time"

// WireVersion tags every published record so independently-built
// viewers can detect framing changes.
const WireVersion = 1

const (
	KindRequest  = "request"
	KindResponse = "response"
	KindError    = "error"
)

// FlowRecord is the flow metadata attached to every record.
type FlowRecord struct {
	ID      string    `json:"id"`
	Client  string    `json:"client"`
	Host    string    `json:"host"`
	Port    string    `json:"port"`
	Mode    string    `json:"mode"`
	Proto   string    `json:"proto"`
	Created time.Time `json:"created"`
}

// RequestRecord is the wire shape of a captured request. Headers stay
// an ordered list of pairs; the body is base64 under encoding/json.
type RequestRecord struct {
	Method  string      `json:"method"`
	Target  string      `json:"target"`
	Proto   string      `json:"proto"`
	Headers [][2]string `json:"headers"`
	Body    []byte      `json:"body,omitempty"`
	Time    time.Time   `json:"time"`
}

type ResponseRecord struct {
	StatusCode int         `json:"status_code"`
	Reason     string      `json:"reason,omitempty"`
	Proto      string      `json:"proto"`
	Headers    [][2]string `json:"headers"`
	Body       []byte      `json:"body,omitempty"`
	Time       time.Time   `json:"time"`
}

type ErrorRecord struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Record is one published event: exactly one of Request, Response or
// Error is set, per Kind. Seq orders records within their flow.
type Record struct {
	Version  int             `json:"version"`
	Kind     string          `json:"kind"`
	Seq      uint64          `json:"seq"`
	Time     time.Time       `json:"time"`
	Flow     FlowRecord      `json:"flow"`
	Request  *RequestRecord  `json:"request,omitempty"`
	Response *ResponseRecord `json:"response,omitempty"`
	Error    *ErrorRecord    `json:"error,omitempty"`
}

func newFlowRecord(flow *Flow) FlowRecord {
	return FlowRecord{
		ID:      flow.ID,
		Client:  flow.ClientAddr,
		Host:    flow.DstHost,
		Port:    flow.DstPort,
		Mode:    flow.Mode.String(),
		Proto:   flow.Proto.String(),
		Created: flow.Created,
	}
}

func headerPairs(h Header) [][2]string {
	pairs := make([][2]string, 0, len(h))
	for _, f := range h {
		pairs = append(pairs, [2]string{f.Name, f.Value})
	}
	return pairs
}

func pairsHeader(pairs [][2]string) Header {
	h := make(Header, 0, len(pairs))
	for _, p := range pairs {
		h = append(h, HeaderField{Name: p[0], Value: p[1]})
	}
	return h
}

func newRequestBody(req *Request) *RequestRecord {
	return &RequestRecord{
		Method:  req.Method,
		Target:  req.Target,
		Proto:   req.Proto,
		Headers: headerPairs(req.Header),
		Body:    append([]byte(nil), req.Body...),
		Time:    req.Time,
	}
}

func (r *RequestRecord) applyTo(req *Request) {
	req.Method = r.Method
	req.Target = r.Target
	req.Header = pairsHeader(r.Headers)
	req.Body = append([]byte(nil), r.Body...)
}

func newResponseBody(resp *Response) *ResponseRecord {
	return &ResponseRecord{
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Proto:      resp.Proto,
		Headers:    headerPairs(resp.Header),
		Body:       append([]byte(nil), resp.Body...),
		Time:       resp.Time,
	}
}

func (r *ResponseRecord) applyTo(resp *Response) {
	resp.StatusCode = r.StatusCode
	resp.Reason = r.Reason
	resp.Header = pairsHeader(r.Headers)
	resp.Body = append([]byte(nil), r.Body...)
}

func newRequestRecord(flow *Flow, req *Request) *Record {
	return &Record{
		Version: WireVersion,
		Kind:    KindRequest,
		Seq:     flow.NextSeq(),
		Time:    time.Now(),
		Flow:    newFlowRecord(flow),
		Request: newRequestBody(req),
	}
}

// newResponseRecord pairs the response with its request so viewers
// need no join beyond the flow id.
func newResponseRecord(flow *Flow, resp *Response) *Record {
	rec := &Record{
		Version:  WireVersion,
		Kind:     KindResponse,
		Seq:      flow.NextSeq(),
		Time:     time.Now(),
		Flow:     newFlowRecord(flow),
		Response: newResponseBody(resp),
	}
	if resp.Request != nil {
		rec.Request = newRequestBody(resp.Request)
	}
	return rec
}

// newErrorRecord is metadata-only: no request or response ever parsed.
func newErrorRecord(flow *Flow, err error) *Record {
	return &Record{
		Version: WireVersion,
		Kind:    KindError,
		Seq:     flow.NextSeq(),
		Time:    time.Now(),
		Flow:    newFlowRecord(flow),
		Error:   &ErrorRecord{Kind: errorKind(err), Message: err.Error()},
	}
}
