// Package mcpreg manages the external tool servers a desktop application is
// configured to use: discovering their tools, prompts, and resources,
// connecting over stdio, websocket, SSE, or streamable HTTP, and keeping a
// per-server connection state machine whose transitions are published to
// subscribers. It layers a TTL-bounded capability cache and a policy gateway
// on top so feature consumers can ask "what tools can I use right now"
// without touching a transport.
//
// # Core entry points
//
//   - Registry is the long-lived orchestration type. Construct it with
//     NewRegistry, register descriptors with AddServer, then use Connect /
//     Disconnect / Reconnect per server or ConnectAll, RefreshAll, and
//     HealthCheck for bulk operations with per-server failure isolation.
//   - Descriptor (and the StdioDescriptor / WebSocketDescriptor /
//     SSEDescriptor / StreamableHTTPDescriptor variants) declare how each
//     tool server is launched or contacted. DecodeDescriptorList and
//     EncodeDescriptorList convert to and from the persisted JSON shape,
//     tolerating legacy forms.
//   - Capabilities and InvokeTool serve reads and tool calls through the
//     cache, the policy timeout, and the per-server rate limit.
//
// Status changes are observed with OnStatusChange, which returns an
// unsubscribe func. A registry whose backend is disabled rejects every
// operation with ErrBackendDisabled, which consumers present as a
// configuration notice rather than a fault.
package mcpreg
