// Package testserver provides a scriptable WebSocket peer for package tests:
// it records every inbound envelope, can broadcast events to connected
// clients, and can close or drop connections to exercise both halves of the
// client's close handling.
package testserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/syncd/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a fake sync server backed by httptest.
type Server struct {
	HTTP *httptest.Server

	// AckSubscribes makes the server answer every crawl_subscribe with a
	// crawl_subscribe_ack, as the real server does.
	AckSubscribes bool

	mu       sync.Mutex
	conns    []*serverConn
	received []*protocol.Message
	upgrades int
}

type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// New starts the fake server. It is shut down with the test.
func New(t *testing.T) *Server {
	t.Helper()

	s := &Server{}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(s.HTTP.Close)
	return s
}

// URL returns the ws:// endpoint clients dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &serverConn{ws: ws}
	s.mu.Lock()
	s.upgrades++
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		if s.AckSubscribes && msg.Type == protocol.TypeCrawlSubscribe {
			ack := protocol.NewMessage(protocol.TypeCrawlSubscribeAck, map[string]any{
				"progress_id": msg.String("progress_id"),
				"status":      "subscribed",
			})
			if data, err := protocol.EncodeJSON(ack); err == nil {
				conn.write(data)
			}
		}
	}
}

// UpgradeCount reports how many physical connections were ever accepted.
func (s *Server) UpgradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

// Received returns all recorded envelopes of msgType (all types if empty).
func (s *Server) Received(msgType string) []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Message
	for _, msg := range s.received {
		if msgType == "" || msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// WaitFor polls until at least n envelopes of msgType arrived, or fails the
// wait by returning what it has at the deadline.
func (s *Server) WaitFor(msgType string, n int, timeout time.Duration) []*protocol.Message {
	deadline := time.Now().Add(timeout)
	for {
		msgs := s.Received(msgType)
		if len(msgs) >= n || time.Now().After(deadline) {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Broadcast sends one envelope to every connected client.
func (s *Server) Broadcast(t *testing.T, msg *protocol.Message) {
	t.Helper()

	data, err := protocol.EncodeJSON(msg)
	if err != nil {
		t.Fatalf("encode broadcast: %v", err)
	}

	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	for _, c := range conns {
		c.write(data)
	}
}

// CloseClients performs a server-initiated close: a normal close frame, which
// the client must treat as final (no reconnect).
func (s *Server) CloseClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		// Give the close frame a moment to land before tearing the TCP
		// connection down.
		time.Sleep(50 * time.Millisecond)
		c.ws.Close()
	}
}

// DropClients severs connections abruptly, as a network fault would; clients
// should enter their reconnect loop.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}
