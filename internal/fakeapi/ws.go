package fakeapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/httpx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/jwtx"
	"github.com/gorilla/websocket"
)

// Close codes the realtime endpoint sends.
const (
	CloseRenewing     = 4000
	CloseUnauthorized = 4001
	CloseTokenExpired = 4401
)

// TypeSessionRevoked is pushed before the server drops a revoked session.
const TypeSessionRevoked = "session.revoked"

type wsClient struct {
	conn     *websocket.Conn
	username string

	writeMu sync.Mutex
	expiry  *time.Timer
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsClient) close(code int, reason string) {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.conn.Close()
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.wsDials.Add(1)

	claims, err := s.verify(r.URL.Query().Get("token"))
	if err != nil {
		httpx.WriteBearerError(w, errors.Is(err, jwtx.ErrExpired), "token verification failed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, username: claims.Username}
	if claims.ExpiresAt != nil {
		c.expiry = time.AfterFunc(time.Until(claims.ExpiresAt.Time), func() {
			s.drop(c)
			c.close(CloseTokenExpired, "token expired")
		})
	}

	s.mu.Lock()
	s.conns[conn] = c
	s.mu.Unlock()
	s.logger.Debug("ws_connected", "username", c.username)

	go s.readLoop(c)
}

// readLoop consumes client frames so control frames are processed, and
// forgets the connection once it is gone.
func (s *Server) readLoop(c *wsClient) {
	defer func() {
		if c.expiry != nil {
			c.expiry.Stop()
		}
		s.drop(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) drop(c *wsClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.conn]; !ok {
		return false
	}
	delete(s.conns, c.conn)
	return true
}

func (s *Server) clients() []*wsClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wsClient, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Conns is the number of open realtime connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast pushes a {"type", "data"} envelope to every open connection.
func (s *Server) Broadcast(typ string, data any) error {
	msg, err := json.Marshal(envelope{Type: typ, Data: data})
	if err != nil {
		return err
	}
	for _, c := range s.clients() {
		_ = c.write(websocket.TextMessage, msg)
	}
	return nil
}

// CloseConns closes every open connection with the given close frame.
func (s *Server) CloseConns(code int, reason string) {
	for _, c := range s.clients() {
		if s.drop(c) {
			c.close(code, reason)
		}
	}
}

// DropConns closes every open connection without a close frame.
func (s *Server) DropConns() {
	for _, c := range s.clients() {
		if s.drop(c) {
			_ = c.conn.Close()
		}
	}
}

// RevokeSession revokes every refresh token and tells connected clients
// their session is gone.
func (s *Server) RevokeSession() {
	s.RevokeRefreshTokens()
	s.ExpireAccessTokens()
	_ = s.Broadcast(TypeSessionRevoked, map[string]string{"reason": "revoked by server"})
}
