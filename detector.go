package mitm

import "net/http"

// ProtocolGuess is the classification of a stream's leading bytes.
// TLS streams are refined into HTTP/1.1 or HTTP/2 after the handshake,
// from the negotiated ALPN value.
type ProtocolGuess int

const (
	GuessRaw ProtocolGuess = iota
	GuessHTTP1
	GuessTLS
)

var httpMethods = map[string]struct{}{
	http.MethodGet[:3]:     {},
	http.MethodHead[:3]:    {},
	http.MethodPost[:3]:    {},
	http.MethodPut[:3]:     {},
	http.MethodPatch[:3]:   {},
	http.MethodConnect[:3]: {},
	http.MethodDelete[:3]:  {},
	http.MethodOptions[:3]: {},
	http.MethodTrace[:3]:   {},
}

// DetectProtocol peeks at the first three bytes without consuming them.
// A TLS record header (handshake, TLS 1.x) means TLS; a known method
// prefix means cleartext HTTP/1.x; anything else degrades to a raw
// tunnel.
func DetectProtocol(conn *Conn) (ProtocolGuess, error) {
	buf, err := conn.Peek(3)
	if err != nil {
		return GuessRaw, err
	}

	if buf[0] == 0x16 && buf[1] == 0x03 {
		return GuessTLS, nil
	}
	if _, ok := httpMethods[string(buf)]; ok {
		return GuessHTTP1, nil
	}
	return GuessRaw, nil
}
