package mitm

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultQueueDepth bounds each subscriber's backlog. A viewer that
// stops reading loses oldest records first; the relay path never
// waits for it.
const DefaultQueueDepth = 1024

const (
	publisherWriteWait = 10 * time.Second
	publisherPingEvery = 30 * time.Second
)

// Publisher fans captured records out to every connected viewer over
// the WebSocket publish endpoint. Publish is non-blocking with respect
// to flow execution; send failures evict only the failing subscriber.
type Publisher struct {
	upgrader websocket.Upgrader
	depth    int

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

func NewPublisher(depth int) *Publisher {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Publisher{
		upgrader: websocket.Upgrader{
			// Viewers are local tools, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		depth: depth,
		subs:  make(map[*subscriber]struct{}),
	}
}

// Publish broadcasts one record to every ready subscriber. Safe on a
// nil Publisher so unconfigured setups publish into the void.
func (p *Publisher) Publish(rec *Record) {
	if p == nil {
		return
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		Errorf("publisher: encode record: %v", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		p.offer(sub, raw)
	}
}

// offer enqueues without ever blocking: on a full queue the oldest
// record is dropped to make room.
func (p *Publisher) offer(sub *subscriber, raw []byte) {
	for {
		select {
		case sub.send <- raw:
			return
		default:
		}
		select {
		case <-sub.send:
		default:
		}
	}
}

// Subscribers reports how many viewers are connected.
func (p *Publisher) Subscribers() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// ServeHTTP upgrades a viewer connection and streams records to it
// until it disconnects or a send fails.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Errorf("publisher: upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, p.depth)}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	Infof("publisher: viewer %s subscribed", conn.RemoteAddr())

	go p.readLoop(sub)
	go p.writeLoop(sub)
}

func (p *Publisher) remove(sub *subscriber) {
	p.mu.Lock()
	if _, ok := p.subs[sub]; ok {
		delete(p.subs, sub)
		sub.close()
	}
	p.mu.Unlock()
	sub.conn.Close()
}

// readLoop drains control frames and notices the disconnect.
func (p *Publisher) readLoop(sub *subscriber) {
	defer p.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *Publisher) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(publisherPingEvery)
	defer ticker.Stop()
	defer p.remove(sub)

	for {
		select {
		case raw, ok := <-sub.send:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(publisherWriteWait))
			if err := sub.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				Warnf("publisher: viewer %s dropped: %v", sub.conn.RemoteAddr(), err)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(publisherWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ListenAndServe runs the publish endpoint at addr, records under
// /events.
func (p *Publisher) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return p.Serve(listener)
}

func (p *Publisher) Serve(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/events", p)
	Infof("publisher: viewer channel on %s", listener.Addr())
	return (&http.Server{Handler: mux}).Serve(listener)
}
