package api

import (
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rollsync/rollsync/internal/models"
)

const wsSendBuffer = 32

var errSlowConsumer = errors.New("send buffer full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// subscribeMessage is what a subscriber sends over the websocket to manage
// its room membership.
type subscribeMessage struct {
	Action  string `json:"action"` // "subscribe" or "unsubscribe"
	ClassID string `json:"class_id"`
}

// wsConn adapts a websocket to the hub's Conn. Send never blocks: a full
// buffer drops the message and the subscriber recovers via catch-up.
type wsConn struct {
	id     string
	socket *websocket.Conn
	send   chan models.BroadcastMessage
	done   chan struct{}
	once   sync.Once
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(message models.BroadcastMessage) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	case c.send <- message:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.socket.Close()
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	conn := &wsConn{
		id:     uuid.NewString(),
		socket: socket,
		send:   make(chan models.BroadcastMessage, wsSendBuffer),
		done:   make(chan struct{}),
	}

	go s.writePump(conn)
	s.readPump(conn)
}

// readPump handles subscribe/unsubscribe requests until the connection dies,
// then evicts it from every room.
func (s *Server) readPump(conn *wsConn) {
	defer func() {
		s.hub.OnDisconnect(conn)
		conn.close()
	}()

	for {
		var message subscribeMessage
		if err := conn.socket.ReadJSON(&message); err != nil {
			return
		}
		if message.ClassID == "" {
			continue
		}
		switch message.Action {
		case "subscribe":
			s.hub.Subscribe(conn, message.ClassID)
		case "unsubscribe":
			s.hub.Unsubscribe(conn, message.ClassID)
		}
	}
}

func (s *Server) writePump(conn *wsConn) {
	defer conn.close()

	for {
		select {
		case <-conn.done:
			return
		case message := <-conn.send:
			if err := conn.socket.WriteJSON(message); err != nil {
				return
			}
		}
	}
}
