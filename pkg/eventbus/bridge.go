package eventbus

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Bridge forwards every event named in topics to a single upstream
// websocket subscriber, one JSON frame per event. It exists so an external
// UI process can observe the controller's typed events without importing
// this module; the UI itself is out of scope.
//
// Grounded on Bus's own Subscribe/per-channel-buffer design: Bridge is just
// another subscriber that happens to write its events over a socket instead
// of reading them in-process.
type Bridge struct {
	bus      *Bus
	topics   []string
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	stop chan struct{}
	done chan struct{}
}

// NewBridge creates a Bridge over bus for the given event names. Call
// ServeHTTP to handle the upgrade request; only one connection is served at
// a time, matching this host's single-operator-UI expectation.
func NewBridge(bus *Bus, topics ...string) *Bridge {
	return &Bridge{
		bus:    bus,
		topics: topics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// frame is the wire shape written for every forwarded event.
type frame struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

// ServeHTTP upgrades the request and streams events until the connection
// drops or Close is called. It replaces any previously connected upstream.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()

	chans := make([]<-chan Event, len(b.topics))
	for i, name := range b.topics {
		chans[i] = b.bus.Subscribe(name)
	}
	defer func() {
		for i, ch := range chans {
			b.bus.Unsubscribe(b.topics[i], ch)
		}
		conn.Close()
	}()

	merged := make(chan Event, 64)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for ev := range ch {
				select {
				case merged <- ev:
				case <-b.stop:
					return
				}
			}
		}(ch)
	}
	go func() { wg.Wait(); close(merged) }()

	for {
		select {
		case ev, ok := <-merged:
			if !ok {
				return
			}
			if err := conn.WriteJSON(frame{Name: ev.Name, Data: ev.Data}); err != nil {
				return
			}
		case <-b.stop:
			return
		}
	}
}

// Close stops serving and closes any active connection.
func (b *Bridge) Close() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()
}
