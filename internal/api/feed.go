package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/travelhub/sentinel/internal/incident"
)

const feedSendBuffer = 16

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only fleet telemetry; no credentials cross it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed broadcasts incident lifecycle events to websocket subscribers.
// Slow subscribers are dropped rather than allowed to stall the detector.
type Feed struct {
	mu      sync.Mutex
	clients map[*feedClient]bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan incident.Event
}

// NewFeed creates an empty feed hub.
func NewFeed() *Feed {
	return &Feed{clients: make(map[*feedClient]bool)}
}

// Publish fans one event out to every subscriber. Never blocks: a full
// client buffer drops the client.
func (f *Feed) Publish(ev incident.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for client := range f.clients {
		select {
		case client.send <- ev:
		default:
			delete(f.clients, client)
			close(client.send)
		}
	}
}

// Subscribers reports the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Feed) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &feedClient{conn: conn, send: make(chan incident.Event, feedSendBuffer)}
	f.mu.Lock()
	f.clients[client] = true
	f.mu.Unlock()

	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("incident feed subscriber connected")

	go f.writeLoop(client)
	f.readLoop(client)
}

// readLoop discards inbound frames and tears the client down on error or
// close.
func (f *Feed) readLoop(client *feedClient) {
	defer f.remove(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writeLoop(client *feedClient) {
	defer client.conn.Close()
	for ev := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
}

func (f *Feed) remove(client *feedClient) {
	f.mu.Lock()
	if f.clients[client] {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
	client.conn.Close()
}
