package mitm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"
)

// The HTTP/1.1 codec parses decrypted wire bytes into the ordered
// message model and serializes the model back. net/http's parser is
// not usable here: it canonicalizes header names and folds the field
// order away, and both must survive the proxy byte-for-byte unless a
// plugin rewrites them.

const maxLineLength = 64 << 10

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", &MalformedMessageError{io.ErrUnexpectedEOF}
		}
		return "", err
	}
	if len(line) > maxLineLength {
		return "", &MalformedMessageError{errors.New("line too long")}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readHeader(r *bufio.Reader) (Header, error) {
	var h Header
	for {
		line, err := readLine(r)
		if err != nil {
			if err == io.EOF {
				err = &MalformedMessageError{io.ErrUnexpectedEOF}
			}
			return nil, err
		}
		if line == "" {
			return h, nil
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, &MalformedMessageError{fmt.Errorf("bad header line %q", line)}
		}
		h.Add(name, strings.Trim(value, " \t"))
	}
}

func isChunked(h Header) bool {
	te, ok := h.Get("Transfer-Encoding")
	return ok && strings.Contains(strings.ToLower(te), "chunked")
}

// readChunked drains a chunked body plus its trailer section.
func readChunked(r *bufio.Reader) ([]byte, error) {
	body, err := io.ReadAll(httputil.NewChunkedReader(r))
	if err != nil {
		return nil, &MalformedMessageError{err}
	}
	// Trailer fields and the final CRLF sit after the zero chunk.
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, &MalformedMessageError{io.ErrUnexpectedEOF}
		}
		if line == "" {
			return body, nil
		}
	}
}

func readSized(r *bufio.Reader, h Header) ([]byte, bool, error) {
	value, ok := h.Get("Content-Length")
	if !ok {
		return nil, false, nil
	}
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil || size < 0 {
		return nil, false, &MalformedMessageError{fmt.Errorf("bad Content-Length %q", value)}
	}

	body := make([]byte, size)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, false, &MalformedMessageError{err}
	}
	return body, true, nil
}

// ReadRequest parses one request from the stream. io.EOF before the
// first byte is a clean end of the connection; anything unparseable is
// MalformedMessageError. Repeated calls on one reader handle pipelined
// requests.
func ReadRequest(r *bufio.Reader, flowID string) (*Request, error) {
	req, err := readRequestHead(r, flowID)
	if err != nil {
		return nil, err
	}
	if err = readRequestBody(r, req); err != nil {
		return nil, err
	}
	return req, nil
}

// readRequestHead parses the request line and header section, leaving
// the body on the reader. The relay uses the gap to answer an Expect
// before the client commits to sending the body.
func readRequestHead(r *bufio.Reader, flowID string) (*Request, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, &MalformedMessageError{fmt.Errorf("bad request line %q", line)}
	}

	req := &Request{
		Method: parts[0],
		Target: parts[1],
		Proto:  parts[2],
		FlowID: flowID,
		Time:   time.Now(),
	}

	if req.Header, err = readHeader(r); err != nil {
		return nil, err
	}
	return req, nil
}

func readRequestBody(r *bufio.Reader, req *Request) error {
	var err error
	switch {
	case isChunked(req.Header):
		req.Body, err = readChunked(r)
	default:
		req.Body, _, err = readSized(r, req.Header)
	}
	return err
}

// ReadResponse parses the response matching req.
func ReadResponse(r *bufio.Reader, req *Request) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		if err == io.EOF {
			err = &MalformedMessageError{io.ErrUnexpectedEOF}
		}
		return nil, err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, &MalformedMessageError{fmt.Errorf("bad status line %q", line)}
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 599 {
		return nil, &MalformedMessageError{fmt.Errorf("bad status code %q", codeStr)}
	}

	resp := &Response{
		StatusCode: code,
		Reason:     reason,
		Proto:      proto,
		Request:    req,
		Time:       time.Now(),
	}
	if req != nil {
		resp.FlowID = req.FlowID
	}

	if resp.Header, err = readHeader(r); err != nil {
		return nil, err
	}

	if !bodyAllowed(req, code) {
		return resp, nil
	}

	switch {
	case isChunked(resp.Header):
		resp.Body, err = readChunked(r)
	default:
		var sized bool
		resp.Body, sized, err = readSized(r, resp.Header)
		if err == nil && !sized {
			// No framing at all: body runs to connection close.
			resp.Body, err = io.ReadAll(r)
			if err != nil {
				err = &MalformedMessageError{err}
			}
		}
	}
	return resp, err
}

func bodyAllowed(req *Request, status int) bool {
	if req != nil && req.Method == http.MethodHead {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}

// writeMessage re-emits a message head and body. When the body is not
// chunked its Content-Length is recomputed from the actual body bytes,
// so a plugin that resized the body never sends a stale length.
func writeMessage(w io.Writer, startLine string, h Header, body []byte, allowBody bool) error {
	h = h.Clone()
	chunked := isChunked(h)
	if allowBody && !chunked {
		if _, ok := h.Get("Content-Length"); ok || len(body) > 0 {
			h.Set("Content-Length", strconv.Itoa(len(body)))
		}
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(startLine)
	bw.WriteString("\r\n")
	for _, f := range h {
		bw.WriteString(f.Name)
		bw.WriteString(": ")
		bw.WriteString(f.Value)
		bw.WriteString("\r\n")
	}
	bw.WriteString("\r\n")

	if allowBody && chunked {
		cw := httputil.NewChunkedWriter(bw)
		if len(body) > 0 {
			if _, err := cw.Write(body); err != nil {
				return err
			}
		}
		if err := cw.Close(); err != nil {
			return err
		}
		bw.WriteString("\r\n")
	} else if allowBody && len(body) > 0 {
		bw.Write(body)
	}
	return bw.Flush()
}

// Write serializes the request back to wire bytes.
func (r *Request) Write(w io.Writer) error {
	startLine := r.Method + " " + r.Target + " " + r.Proto
	return writeMessage(w, startLine, r.Header, r.Body, true)
}

// Write serializes the response back to wire bytes.
func (r *Response) Write(w io.Writer) error {
	startLine := r.Proto + " " + strconv.Itoa(r.StatusCode)
	if r.Reason != "" {
		startLine += " " + r.Reason
	}
	return writeMessage(w, startLine, r.Header, r.Body, bodyAllowed(r.Request, r.StatusCode))
}
