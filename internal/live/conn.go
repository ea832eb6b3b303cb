package live

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

//go:generate mockgen -source=conn.go -destination=mock_wsconn_test.go -package=live -mock_names=wsConn=MockWSConn

// readLimit caps a single inbound frame. Chat messages are small; the
// default coder/websocket limit of 32KB is too tight for long pastes.
const readLimit = 1 << 20

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a live connection to the given ws(s) URL.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebSocket(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// WebSocketURL derives the live channel URL from the REST base URL:
// http becomes ws, https becomes wss, and the token travels URL-encoded
// in the query string.
func WebSocketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawPath = ""
	// Spaces are sent as %20, the way browsers' encodeURIComponent does.
	u.RawQuery = "token=" + strings.ReplaceAll(url.QueryEscape(token), "+", "%20")
	u.Fragment = ""

	return u.String(), nil
}
