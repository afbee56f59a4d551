package mcpreg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// newStdioTransport builds the transport for a subprocess-backed server.
// The command (or the package manager launching it, e.g. npx/uvx) must be
// resolvable up front: an unresolvable command fails fast with an
// environment-not-ready ConnectError instead of spawning something that
// silently hangs.
func newStdioTransport(d *StdioDescriptor) (mcp.Transport, error) {
	if d.Command == "" {
		return nil, &ConnectError{ServerID: d.ID, EnvNotReady: true, Err: fmt.Errorf("command missing")}
	}
	if _, err := exec.LookPath(d.Command); err != nil {
		return nil, &ConnectError{ServerID: d.ID, EnvNotReady: true, Err: err}
	}
	cmd := exec.Command(d.Command, d.Args...)
	if len(d.Env) > 0 {
		env := os.Environ()
		for k, v := range d.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if d.Cwd != "" {
		cmd.Dir = d.Cwd
	}
	if d.Framing == FramingLengthPrefixed {
		return &lengthPrefixedTransport{serverID: d.ID, cmd: cmd}, nil
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// lengthPrefixedTransport frames JSON-RPC messages over a subprocess's pipes
// with a Content-Length header instead of the newline delimiting the SDK's
// CommandTransport uses.
type lengthPrefixedTransport struct {
	serverID string
	cmd      *exec.Cmd
}

func (t *lengthPrefixedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	t.cmd.Stderr = os.Stderr
	if err := t.cmd.Start(); err != nil {
		return nil, err
	}
	return &lengthPrefixedConn{
		serverID: t.serverID,
		cmd:      t.cmd,
		in:       stdin,
		out:      bufio.NewReader(stdout),
	}, nil
}

type lengthPrefixedConn struct {
	serverID string
	cmd      *exec.Cmd
	in       io.WriteCloser
	out      *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *lengthPrefixedConn) SessionID() string { return "" }

func (c *lengthPrefixedConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := readFrame(c.out)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{ServerID: c.serverID, Method: "read frame", Err: err}
		}
		return nil, err
	}
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, &ProtocolError{ServerID: c.serverID, Method: "decode message", Err: err}
	}
	return msg, nil
}

func (c *lengthPrefixedConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.in, data)
}

// Close tears the subprocess down even when the session never completed a
// handshake, so a timed-out connect cannot leak the child process.
func (c *lengthPrefixedConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.in.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		c.closeErr = c.cmd.Wait()
	})
	return c.closeErr
}

func writeFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed frame header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("malformed Content-Length: %w", err)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("frame missing Content-Length header")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
