package mcpreg

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// rpcLogTransport wraps any transport and logs each JSON-RPC message at debug
// level, tagged with the server id and direction.
type rpcLogTransport struct {
	serverID string
	delegate mcp.Transport
	logger   *slog.Logger
}

func (t *rpcLogTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &rpcLogConn{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type rpcLogConn struct {
	serverID string
	delegate mcp.Connection
	logger   *slog.Logger
}

func (c *rpcLogConn) SessionID() string { return c.delegate.SessionID() }

func (c *rpcLogConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("receive", msg)
	}
	return msg, err
}

func (c *rpcLogConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *rpcLogConn) Close() error { return c.delegate.Close() }

func (c *rpcLogConn) emit(direction string, msg jsonrpc.Message) {
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger.Debug("jsonrpc", "server", c.serverID, "direction", direction, "message", string(encoded))
}
