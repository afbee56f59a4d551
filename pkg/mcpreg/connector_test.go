package mcpreg

import (
	"context"
	"errors"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

func TestToolSchemaCoercion(t *testing.T) {
	t.Parallel()

	if got := toolSchema(nil); got != nil {
		t.Fatalf("toolSchema(nil) = %#v", got)
	}

	typed := &jsonschema.Schema{Type: "object"}
	if got := toolSchema(typed); got != typed {
		t.Fatalf("typed schema should pass through unchanged, got %#v", got)
	}
	if got := toolSchema(*typed); got == nil || got.Type != "object" {
		t.Fatalf("value schema not coerced: %#v", got)
	}

	// Untyped JSON shapes round-trip into the typed form.
	raw := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []any{"text"},
	}
	got := toolSchema(raw)
	if got == nil || got.Type != "object" {
		t.Fatalf("raw schema not coerced: %#v", got)
	}
	if len(got.Required) != 1 || got.Required[0] != "text" {
		t.Fatalf("required list lost: %#v", got.Required)
	}
	if _, ok := got.Properties["text"]; !ok {
		t.Fatalf("properties lost: %#v", got.Properties)
	}

	// Uninterpretable values are dropped, not fatal.
	if got := toolSchema(make(chan int)); got != nil {
		t.Fatalf("unmarshalable value should yield nil, got %#v", got)
	}
	if got := toolSchema("not a schema"); got != nil {
		t.Fatalf("non-object value should yield nil, got %#v", got)
	}
}

func TestIsMethodUnavailableError(t *testing.T) {
	t.Parallel()

	unavailable := []string{
		"jsonrpc2: code -32601: method not found",
		"Method not found: prompts/list",
		"server does not support resources",
		"tools are unsupported by this server",
		"rpc error: unimplemented",
		"listing prompts is not implemented",
	}
	for _, msg := range unavailable {
		if !isMethodUnavailableError(errors.New(msg)) {
			t.Fatalf("%q should coerce to an empty list", msg)
		}
	}

	unrelated := []string{
		"connection reset by peer",
		"jsonrpc2: code -32603: internal error",
	}
	for _, msg := range unrelated {
		if isMethodUnavailableError(errors.New(msg)) {
			t.Fatalf("%q should stay an error", msg)
		}
	}
	if isMethodUnavailableError(nil) {
		t.Fatalf("nil error is not a rejection")
	}
}

func TestClassifyMapsDeadlineToTimeout(t *testing.T) {
	t.Parallel()

	if err := classify(nil); err != nil {
		t.Fatalf("classify(nil) = %v", err)
	}
	if err := classify(context.DeadlineExceeded); !errors.Is(err, ErrTimeout) {
		t.Fatalf("deadline should classify as ErrTimeout, got %v", err)
	}
	wrapped := &ConnectError{ServerID: "alpha", Err: classify(context.DeadlineExceeded)}
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("ErrTimeout should survive ConnectError wrapping: %v", wrapped)
	}

	other := errors.New("dial refused")
	if err := classify(other); err != other {
		t.Fatalf("unrelated errors must pass through, got %v", err)
	}
	if err := classify(context.Canceled); errors.Is(err, ErrTimeout) {
		t.Fatalf("cancellation is not a timeout: %v", err)
	}
}
