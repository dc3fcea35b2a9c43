package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes the marketplace realtime endpoint uses beyond RFC 6455.
const (
	// CodeRenewing is sent by whichever side swaps a connection for one with
	// a fresh token.
	CodeRenewing = 4000
	// CodeUnauthorized is sent when the server stops accepting the token.
	CodeUnauthorized = 4001
	// CodeForbidden is sent when the account may no longer use the channel.
	CodeForbidden = 4003
	// CodeTokenExpired is sent when the token's exp has passed.
	CodeTokenExpired = 4401
)

// ClassifyCode maps a close frame to a CloseKind.
func ClassifyCode(code int, reason string) CloseKind {
	switch code {
	case CodeRenewing:
		return ClosePlanned
	case CodeUnauthorized, CodeForbidden, CodeTokenExpired:
		return CloseAuthRejected
	case websocket.ClosePolicyViolation:
		r := strings.ToLower(reason)
		if strings.Contains(r, "auth") || strings.Contains(r, "token") {
			return CloseAuthRejected
		}
	}
	return CloseOther
}

// WebsocketDialer connects to the realtime endpoint, passing the access
// token as a query parameter.
type WebsocketDialer struct {
	URL        string
	TokenParam string
	Header     http.Header
	Dialer     *websocket.Dialer
}

func NewWebsocketDialer(rawURL string) *WebsocketDialer {
	return &WebsocketDialer{
		URL:        rawURL,
		TokenParam: "token",
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	param := d.TokenParam
	if param == "" {
		param = "token"
	}
	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &CloseError{
				Kind:   CloseAuthRejected,
				Code:   resp.StatusCode,
				Reason: "handshake rejected",
				Err:    err,
			}
		}
		return nil, fmt.Errorf("failed to establish websocket connection: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Kind: ClassifyCode(ce.Code, ce.Text), Code: ce.Code, Reason: ce.Text, Err: err}
		}
		return nil, &CloseError{Kind: CloseOther, Err: err}
	}
	return data, nil
}

func (c *wsConn) Close(kind CloseKind) error {
	code, text := websocket.CloseNormalClosure, ""
	if kind == ClosePlanned {
		code, text = CodeRenewing, "renewing"
	}

	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
