package mcpreg

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// wsTransport carries JSON-RPC messages over a persistent websocket. The SDK
// client multiplexes request/response correlation on top, so the connection
// only has to move whole messages.
type wsTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

func newWebSocketTransport(d *WebSocketDescriptor) *wsTransport {
	return &wsTransport{url: d.URL, dialer: websocket.DefaultDialer}
}

// Connect resolves once the websocket handshake completes.
func (t *wsTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) SessionID() string { return "" }

func (c *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return jsonrpc.DecodeMessage(data)
	}
}

func (c *wsConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }
