package monitor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mountainstorm/flow/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The monitor only ever binds to a loopback address by default
		// (see internal/config's default monitor.addr); anything stricter
		// would need an explicit allowlist of origins, which isn't worth
		// it for a local diagnostics feed.
		return true
	},
}

// Server exposes a Broadcaster's event stream over a websocket. Adapted
// from api.Server + api/websocket.go.
type Server struct {
	broadcaster *Broadcaster
	log         *logging.Logger
}

// NewServer wraps broadcaster in an http.Handler.
func NewServer(broadcaster *Broadcaster, log *logging.Logger) *Server {
	return &Server{broadcaster: broadcaster, log: log}
}

// ServeHTTP implements http.Handler, upgrading every request to a
// websocket that streams tracer events until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("monitor: websocket upgrade: %v", err)
		return
	}
	client := &wsClient{conn: conn, sub: s.broadcaster.Subscribe(), log: s.log}
	go client.writePump()
	go client.readPump()
}

type wsClient struct {
	conn *websocket.Conn
	sub  *Subscription
	log  *logging.Logger
}

func (c *wsClient) readPump() {
	defer func() {
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			// This is a publish-only feed: client messages are read and
			// discarded, and a read error or close ends the connection.
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case evt, ok := <-c.sub.Channel:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.log.Verbose("monitor: write event: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
