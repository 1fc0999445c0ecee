package mitm

import (
	"errors"
	"net"
)

func ListenAndServe(network, addr string, cfg *Config) error {
	inner, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	Infof("proxy listening on %s", addr)
	return Serve(inner, cfg)
}

func Serve(inner net.Listener, cfg *Config) error {
	return NewListener(inner, cfg).Serve()
}

func (l *Listener) Serve() error {
	defer l.Close()

	for {
		if l.cfg.Limiter != nil {
			l.cfg.Limiter.Acquire()
		}

		inner, err := l.Accept()
		if err != nil {
			if l.cfg.Limiter != nil {
				l.cfg.Limiter.Release()
			}
			if errIsClosed(err) {
				return err
			}
			Errorf("accept: %v", err)
			continue
		}

		go l.serveConn(inner.(*Conn))
	}
}

// serveConn owns one flow end to end: ingress handshake, dispatch,
// teardown. The flow's state machine is driven here for everything the
// dispatcher does not claim.
func (l *Listener) serveConn(conn *Conn) {
	if l.cfg.Limiter != nil {
		defer l.cfg.Limiter.Release()
	}

	ctx := NewContext(l.cfg, l.cfg.Mode)
	flow := ctx.Flow
	flow.ClientAddr = conn.RemoteAddr().String()
	ctx.Conn = conn

	defer func() {
		conn.Close()
		if ctx.Dst != nil {
			ctx.Dst.Close()
		}
		flow.Transition(EventClosed)
		ctx.Debugf("flow closed in state %s", flow.State())
	}()

	ctx.Debugf("accepted %s connection from %s", flow.Mode, flow.ClientAddr)

	if l.cfg.Negotiator != nil {
		if err := l.cfg.Negotiator.Handshake(ctx); err != nil {
			ctx.Error(err)
			flow.Transition(EventFail)
			return
		}
	}

	ctx.Debugf("dispatching to %s", flow.DstAddr())

	dispatcher := ctx.Dispatcher
	if dispatcher == nil {
		// A hand-built zero Config still gets the stock dispatch.
		dispatcher = defaultDispatcher
	}
	if err := dispatcher.Dispatch(ctx); err != nil {
		if err != errFlowDropped {
			ctx.Error(err)
			flow.Transition(EventFail)
			return
		}
	}
	flow.Transition(EventTeardown)
}

func errIsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
