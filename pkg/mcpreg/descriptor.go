package mcpreg

// TransportType identifies the wire transport used to reach a tool server.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportWebSocket      TransportType = "websocket"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable_http"
)

// Framing selects how stdio messages are delimited on the pipe.
type Framing string

const (
	FramingLineDelimited  Framing = "line-delimited"
	FramingLengthPrefixed Framing = "length-prefixed"
)

// BaseDescriptor captures identity fields shared by all transport types.
// ID is immutable once a descriptor has been registered.
type BaseDescriptor struct {
	ID        string
	Name      string
	Namespace string
}

func (b *BaseDescriptor) base() *BaseDescriptor { return b }

// ServerID returns the immutable identity of the descriptor.
func (b *BaseDescriptor) ServerID() string { return b.ID }

// DisplayName returns the configured display name.
func (b *BaseDescriptor) DisplayName() string { return b.Name }

// Descriptor is implemented by all transport-specific server descriptors.
type Descriptor interface {
	base() *BaseDescriptor
	ServerID() string
	Transport() TransportType
}

// StdioDescriptor describes a tool server launched as a subprocess.
type StdioDescriptor struct {
	BaseDescriptor
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
	Framing Framing
}

func (d *StdioDescriptor) Transport() TransportType { return TransportStdio }

// WebSocketDescriptor describes a tool server reachable over a persistent
// websocket.
type WebSocketDescriptor struct {
	BaseDescriptor
	URL string
}

func (d *WebSocketDescriptor) Transport() TransportType { return TransportWebSocket }

// SSEDescriptor describes a tool server using HTTP POST for requests and a
// server-sent-event channel for responses.
type SSEDescriptor struct {
	BaseDescriptor
	URL     string
	APIKey  string
	Headers map[string]string
}

func (d *SSEDescriptor) Transport() TransportType { return TransportSSE }

// StreamableHTTPDescriptor describes a tool server using single HTTP
// request/response exchanges.
type StreamableHTTPDescriptor struct {
	BaseDescriptor
	URL     string
	APIKey  string
	Headers map[string]string
}

func (d *StreamableHTTPDescriptor) Transport() TransportType { return TransportStreamableHTTP }

// TransportOf returns the transport kind for a Descriptor. Returns an empty
// string when the value is nil or an unknown implementation.
func TransportOf(d Descriptor) TransportType {
	if d == nil {
		return ""
	}
	return d.Transport()
}

// AsStdio narrows d to *StdioDescriptor, returning (nil, false) when it does
// not match.
func AsStdio(d Descriptor) (*StdioDescriptor, bool) {
	c, ok := d.(*StdioDescriptor)
	return c, ok
}

// AsWebSocket narrows d to *WebSocketDescriptor.
func AsWebSocket(d Descriptor) (*WebSocketDescriptor, bool) {
	c, ok := d.(*WebSocketDescriptor)
	return c, ok
}

// AsSSE narrows d to *SSEDescriptor.
func AsSSE(d Descriptor) (*SSEDescriptor, bool) {
	c, ok := d.(*SSEDescriptor)
	return c, ok
}

// AsStreamableHTTP narrows d to *StreamableHTTPDescriptor.
func AsStreamableHTTP(d Descriptor) (*StreamableHTTPDescriptor, bool) {
	c, ok := d.(*StreamableHTTPDescriptor)
	return c, ok
}
