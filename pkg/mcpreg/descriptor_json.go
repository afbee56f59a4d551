package mcpreg

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireDescriptor is the persisted JSON shape of a server descriptor. It is the
// union of all transport-specific fields; Decode/Encode map it to and from the
// tagged Descriptor variants.
type wireDescriptor struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	TransportType TransportType     `json:"transportType"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Framing       Framing           `json:"framing,omitempty"`
	URL           string            `json:"url,omitempty"`
	Fetch         *wireFetch        `json:"fetch,omitempty"`
	APIKey        string            `json:"apiKey,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Namespace     string            `json:"namespace,omitempty"`
}

// wireFetch is a legacy persisted shape for HTTP-based servers.
type wireFetch struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// DecodeDescriptor parses a single persisted descriptor, normalizing legacy
// shapes: a command string that embeds package-manager arguments is split into
// command and args, and a legacy fetch block maps onto the sse or
// streamable_http variants.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var w wireDescriptor
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("mcpreg: malformed server descriptor: %w", err)
	}
	return w.toDescriptor()
}

// DecodeDescriptorList parses the persisted JSON array of server descriptors.
func DecodeDescriptorList(data []byte) ([]Descriptor, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("mcpreg: malformed server list: %w", err)
	}
	out := make([]Descriptor, 0, len(raw))
	for i, entry := range raw {
		desc, err := DecodeDescriptor(entry)
		if err != nil {
			return nil, fmt.Errorf("mcpreg: server list entry %d: %w", i, err)
		}
		out = append(out, desc)
	}
	return out, nil
}

// EncodeDescriptor serializes a descriptor to its canonical wire shape. Only
// the fields belonging to the descriptor's transport type are written, so
// serialize→parse→serialize is stable field for field.
func EncodeDescriptor(d Descriptor) ([]byte, error) {
	w, err := toWire(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// EncodeDescriptorList serializes descriptors to the persisted JSON array.
func EncodeDescriptorList(descs []Descriptor) ([]byte, error) {
	wires := make([]wireDescriptor, 0, len(descs))
	for _, d := range descs {
		w, err := toWire(d)
		if err != nil {
			return nil, err
		}
		wires = append(wires, w)
	}
	return json.Marshal(wires)
}

func (w wireDescriptor) toDescriptor() (Descriptor, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("mcpreg: server descriptor missing id")
	}

	transport := w.TransportType
	url := w.URL
	if w.Fetch != nil {
		if url == "" {
			url = w.Fetch.URL
		}
		if transport == "" {
			switch w.Fetch.Type {
			case "sse":
				transport = TransportSSE
			default:
				transport = TransportStreamableHTTP
			}
		}
	}
	if transport == "" && w.Command != "" {
		transport = TransportStdio
	}

	base := BaseDescriptor{ID: w.ID, Name: w.Name, Namespace: w.Namespace}

	switch transport {
	case TransportStdio:
		command := w.Command
		args := w.Args
		if command == "" {
			return nil, fmt.Errorf("mcpreg: stdio server %q missing command", w.ID)
		}
		// Legacy lists stored "npx -y @scope/server" as a single command string.
		if len(args) == 0 {
			if fields := strings.Fields(command); len(fields) > 1 {
				command = fields[0]
				args = fields[1:]
			}
		}
		framing := w.Framing
		if framing == "" {
			framing = FramingLineDelimited
		}
		if framing != FramingLineDelimited && framing != FramingLengthPrefixed {
			return nil, fmt.Errorf("mcpreg: stdio server %q has unknown framing %q", w.ID, framing)
		}
		return &StdioDescriptor{
			BaseDescriptor: base,
			Command:        command,
			Args:           args,
			Env:            w.Env,
			Cwd:            w.Cwd,
			Framing:        framing,
		}, nil
	case TransportWebSocket:
		if url == "" {
			return nil, fmt.Errorf("mcpreg: websocket server %q missing url", w.ID)
		}
		return &WebSocketDescriptor{BaseDescriptor: base, URL: url}, nil
	case TransportSSE:
		if url == "" {
			return nil, fmt.Errorf("mcpreg: sse server %q missing url", w.ID)
		}
		return &SSEDescriptor{BaseDescriptor: base, URL: url, APIKey: w.APIKey, Headers: w.Headers}, nil
	case TransportStreamableHTTP:
		if url == "" {
			return nil, fmt.Errorf("mcpreg: streamable_http server %q missing url", w.ID)
		}
		return &StreamableHTTPDescriptor{BaseDescriptor: base, URL: url, APIKey: w.APIKey, Headers: w.Headers}, nil
	default:
		return nil, fmt.Errorf("mcpreg: server %q has unknown transport %q", w.ID, transport)
	}
}

func toWire(d Descriptor) (wireDescriptor, error) {
	if d == nil {
		return wireDescriptor{}, fmt.Errorf("mcpreg: nil descriptor")
	}
	base := d.base()
	w := wireDescriptor{
		ID:            base.ID,
		Name:          base.Name,
		Namespace:     base.Namespace,
		TransportType: d.Transport(),
	}
	switch c := d.(type) {
	case *StdioDescriptor:
		w.Command = c.Command
		w.Args = c.Args
		w.Env = c.Env
		w.Cwd = c.Cwd
		w.Framing = c.Framing
	case *WebSocketDescriptor:
		w.URL = c.URL
	case *SSEDescriptor:
		w.URL = c.URL
		w.APIKey = c.APIKey
		w.Headers = c.Headers
	case *StreamableHTTPDescriptor:
		w.URL = c.URL
		w.APIKey = c.APIKey
		w.Headers = c.Headers
	default:
		return wireDescriptor{}, fmt.Errorf("mcpreg: unsupported descriptor type %T", d)
	}
	return w, nil
}
