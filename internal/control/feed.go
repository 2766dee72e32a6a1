package control

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FeedEvent is one live event broadcast to connected operators.
type FeedEvent struct {
	Kind      string    `json:"kind"` // "dispatch", "session_state", "revocation", ...
	Phone     string    `json:"phone,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type feedClient struct {
	ws   *websocket.Conn
	send chan FeedEvent
	stop chan struct{}
}

// Feed fans out FeedEvents to every connected operator websocket.
type Feed struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

func NewFeed() *Feed {
	return &Feed{clients: make(map[*feedClient]struct{})}
}

// Broadcast pushes ev to every connected client's buffered send channel,
// dropping it for a client whose buffer is full rather than blocking the
// broadcaster on one slow reader.
func (f *Feed) Broadcast(ev FeedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- ev:
		default:
			slog.Warn("control: dropping feed event for slow client")
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("control: websocket upgrade failed", "error", err)
		return
	}

	client := &feedClient{ws: ws, send: make(chan FeedEvent, 32), stop: make(chan struct{})}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.readLoop(client)
	f.writeLoop(client)
}

// readLoop only drains and discards client frames, so pong/close control
// frames are processed; this feed is one-directional.
func (f *Feed) readLoop(c *feedClient) {
	defer close(c.stop)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writeLoop(c *feedClient) {
	defer f.remove(c)
	defer c.ws.Close()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.send:
			if err := c.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
}
