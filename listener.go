package mitm

import (
	"net"
)

type Listener struct {
	net.Listener
	cfg *Config
}

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

func NewListener(inner net.Listener, cfg *Config) *Listener {
	// A nil config serves with the stock SOCKS5 setup; a zero Config
	// would leave the negotiator and dispatcher nil and crash the first
	// flow.
	if cfg == nil {
		cfg = NewConfig(nil)
	}
	return &Listener{Listener: inner, cfg: cfg}
}

func Listen(network, addr string, cfg *Config) (*Listener, error) {
	inner, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return NewListener(inner, cfg), nil
}
