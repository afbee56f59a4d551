package mcpreg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpcache"
)

// Connector hides the protocol differences between the four transports behind
// one capability set. Implementations are owned by the Registry; every
// operation is bounded by the policy timeout and reports ErrTimeout instead of
// hanging.
type Connector interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcpcache.Item, error)
	ListPrompts(ctx context.Context) ([]mcpcache.Item, error)
	ListResources(ctx context.Context) ([]mcpcache.Item, error)
	InvokeTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error)
}

// connectorHooks surface transport events back to the Registry.
type connectorHooks struct {
	// onConnectionLost fires when an established session ends on its own.
	onConnectionLost func(error)
	// onToolListChanged fires when the server announces a changed tool list.
	onToolListChanged func()
}

type connectorOptions struct {
	clientName    string
	clientVersion string
	// timeout is read per call so policy saves apply without reconnecting.
	timeout func() time.Duration
	logger  *slog.Logger
	logRPC  bool
	hooks   connectorHooks
}

// connectorFactory is the seam tests use to substitute fake connectors.
type connectorFactory func(desc Descriptor, opts connectorOptions) Connector

func newConnector(desc Descriptor, opts connectorOptions) Connector {
	return &sdkConnector{desc: desc, opts: opts}
}

// sdkConnector drives one go-sdk client session for a single server.
type sdkConnector struct {
	desc Descriptor
	opts connectorOptions

	mu      sync.Mutex
	session *mcp.ClientSession
	gen     int
}

func (c *sdkConnector) serverID() string { return c.desc.base().ID }

func (c *sdkConnector) buildTransport() (mcp.Transport, error) {
	switch d := c.desc.(type) {
	case *StdioDescriptor:
		return newStdioTransport(d)
	case *WebSocketDescriptor:
		return newWebSocketTransport(d), nil
	case *SSEDescriptor:
		return &mcp.SSEClientTransport{
			Endpoint:   d.URL,
			HTTPClient: decorateHTTPClient(d.Headers, d.APIKey),
		}, nil
	case *StreamableHTTPDescriptor:
		return &mcp.StreamableClientTransport{
			Endpoint:   d.URL,
			HTTPClient: decorateHTTPClient(d.Headers, d.APIKey),
		}, nil
	default:
		return nil, fmt.Errorf("mcpreg: unsupported descriptor type %T", c.desc)
	}
}

// Connect establishes a session, reusing an existing one when present. A
// failed or timed-out attempt never leaves a half-open session behind.
func (c *sdkConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.mu.Unlock()

	transport, err := c.buildTransport()
	if err != nil {
		return err
	}
	if c.opts.logRPC && c.opts.logger != nil {
		transport = &rpcLogTransport{serverID: c.serverID(), delegate: transport, logger: c.opts.logger}
	}

	impl := &mcp.Implementation{Name: c.opts.clientName, Version: c.opts.clientVersion}
	clientOpts := &mcp.ClientOptions{}
	if hook := c.opts.hooks.onToolListChanged; hook != nil {
		clientOpts.ToolListChangedHandler = func(context.Context, *mcp.ToolListChangedRequest) { hook() }
	}
	client := mcp.NewClient(impl, clientOpts)

	connectCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		if classified := classify(err); classified != err {
			return &ConnectError{ServerID: c.serverID(), Err: classified}
		}
		return &ConnectError{ServerID: c.serverID(), Err: err}
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	go c.monitor(session, gen)
	return nil
}

// monitor waits for the session to end and reports the loss unless the
// connector was already closed or reconnected in the meantime.
func (c *sdkConnector) monitor(session *mcp.ClientSession, gen int) {
	err := session.Wait()
	c.mu.Lock()
	current := c.gen == gen && c.session == session
	if current {
		c.session = nil
		c.gen++
	}
	c.mu.Unlock()
	if current && c.opts.hooks.onConnectionLost != nil {
		c.opts.hooks.onConnectionLost(err)
	}
}

func (c *sdkConnector) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.gen++
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func (c *sdkConnector) current() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, fmt.Errorf("mcpreg: server %q not connected", c.serverID())
	}
	return c.session, nil
}

func (c *sdkConnector) Ping(ctx context.Context) error {
	session, err := c.current()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return classify(session.Ping(ctx, nil))
}

func (c *sdkConnector) ListTools(ctx context.Context) ([]mcpcache.Item, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		if isMethodUnavailableError(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	items := make([]mcpcache.Item, 0, len(res.Tools))
	for _, tool := range res.Tools {
		if tool == nil {
			continue
		}
		items = append(items, mcpcache.Item{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: toolSchema(tool.InputSchema),
		})
	}
	return items, nil
}

func (c *sdkConnector) ListPrompts(ctx context.Context) ([]mcpcache.Item, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := session.ListPrompts(ctx, nil)
	if err != nil {
		if isMethodUnavailableError(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	items := make([]mcpcache.Item, 0, len(res.Prompts))
	for _, prompt := range res.Prompts {
		if prompt == nil {
			continue
		}
		items = append(items, mcpcache.Item{Name: prompt.Name, Description: prompt.Description})
	}
	return items, nil
}

func (c *sdkConnector) ListResources(ctx context.Context) ([]mcpcache.Item, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := session.ListResources(ctx, nil)
	if err != nil {
		if isMethodUnavailableError(err) {
			return nil, nil
		}
		return nil, classify(err)
	}
	items := make([]mcpcache.Item, 0, len(res.Resources))
	for _, resource := range res.Resources {
		if resource == nil {
			continue
		}
		name := resource.Name
		if name == "" {
			name = resource.URI
		}
		items = append(items, mcpcache.Item{Name: name, Description: resource.Description})
	}
	return items, nil
}

func (c *sdkConnector) InvokeTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	session, err := c.current()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("mcpreg: tool name is required for %q", c.serverID())
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (c *sdkConnector) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	var timeout time.Duration
	if c.opts.timeout != nil {
		timeout = c.opts.timeout()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// decorateHTTPClient clones the default client with a transport that injects
// the descriptor's headers and bearer api key into every request.
func decorateHTTPClient(headers map[string]string, apiKey string) *http.Client {
	if len(headers) == 0 && apiKey == "" {
		return http.DefaultClient
	}
	clone := *http.DefaultClient
	clone.Transport = &headerRoundTripper{
		next:    http.DefaultTransport,
		headers: headers,
		apiKey:  apiKey,
	}
	return &clone
}

type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
	apiKey  string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	if rt.apiKey != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+rt.apiKey)
	}
	return rt.next.RoundTrip(req)
}

// toolSchema coerces the SDK's untyped tool input schema into the typed form
// cached on capability items. Servers speaking through the go-sdk already
// carry *jsonschema.Schema values; anything else round-trips through JSON.
// Schemas that cannot be interpreted are dropped rather than failing the
// whole tool list.
func toolSchema(v any) *jsonschema.Schema {
	switch s := v.(type) {
	case nil:
		return nil
	case *jsonschema.Schema:
		return s
	case jsonschema.Schema:
		return &s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil
	}
	return &schema
}

// isMethodUnavailableError reports whether a server rejected a request as
// unsupported, which is coerced into an empty capability list rather than an
// error. The error text comes from the call that was just issued, so no
// method matching is needed.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")
}
