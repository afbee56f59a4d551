package mcpcache

import "github.com/google/jsonschema-go/jsonschema"

// Item is one discovered capability: a tool, prompt, or resource. Tools
// additionally carry the input schema advertised by the server; for prompts
// and resources InputSchema is nil.
type Item struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}
