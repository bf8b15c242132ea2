package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64

	maxInboundBytes = 4096
)

// Conn is one live client connection. Authentication state is owned by the
// hub and only mutated under the hub's lock; the write pump is the sole
// writer on the socket.
type Conn struct {
	ID string
	ws *websocket.Conn

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	// Guarded by the hub's mutex
	address       string
	authenticated bool
	authAt        time.Time
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:   id,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
}

// sendJSON queues an envelope. A connection whose buffer is full is too far
// behind to be useful; the message is dropped rather than blocking the hub.
// Sends after close are dropped: broadcast fan-out runs outside the hub lock
// and can race connection teardown.
func (c *Conn) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Hub] Marshal failed for %s: %v", c.ID, err)
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[Hub] Dropping message to slow connection %s", c.ID)
	}
}

// close shuts the write pump down, which closes the socket. Safe to call
// more than once.
func (c *Conn) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the send channel onto the socket and emits keepalive
// pings. Exits when the channel closes or a write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
