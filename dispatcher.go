package mitm

// Dispatcher classifies an accepted flow and hands it to the matching
// relay. The default covers TLS interception, cleartext HTTP/1.1 and
// the raw tunnel fallback; a custom one can special-case destinations.
type Dispatcher interface {
	Dispatch(*Context) error
}

type DispatchFn func(*Context) error

func (f DispatchFn) Dispatch(ctx *Context) error { return f(ctx) }

var defaultDispatcher DispatchFn = dispatch

func dispatch(ctx *Context) error {
	flow := ctx.Flow
	if err := flow.Transition(EventDetect); err != nil {
		return err
	}

	guess, err := DetectProtocol(ctx.Conn)
	if err != nil {
		return err
	}

	switch guess {
	case GuessTLS:
		flow.Transition(EventTLSDetected)
		if err := interceptTLS(ctx); err != nil {
			// Handshake failures are still visible to viewers, as
			// metadata-only records.
			ctx.Publisher.Publish(newErrorRecord(flow, err))
			return err
		}
		flow.Transition(EventHandshakeDone)
		ctx.Infof("intercepted %s as %s", flow.DstAddr(), flow.Proto)

	case GuessHTTP1:
		dst, err := dialUpstream(ctx, "tcp", flow.DstAddr())
		if err != nil {
			return err
		}
		ctx.Dst = dst
		flow.Proto = ProtoHTTP1
		flow.Transition(EventPlainDetected)
		ctx.Infof("cleartext http to %s", flow.DstAddr())

	default:
		dst, err := dialUpstream(ctx, "tcp", flow.DstAddr())
		if err != nil {
			return err
		}
		ctx.Dst = dst
		flow.Proto = ProtoTunnel
		flow.Transition(EventUnknownPayload)
		ctx.Infof("tunneling opaque payload to %s", flow.DstAddr())
		return relayTunnel(ctx)
	}

	if flow.Proto == ProtoHTTP2 {
		return relayHTTP2(ctx)
	}
	return relayHTTP1(ctx)
}
