package mcpreg

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcppolicy "github.com/lorekeep/mcp-server-registry-go/pkg/mcp-policy"
	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpcache"
)

type fakeConnector struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	closes     int
	listCalls  int
	tools      []mcpcache.Item
	prompts    []mcpcache.Item
	resources  []mcpcache.Item
	invoked    []string
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeConnector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeConnector) Ping(ctx context.Context) error { return nil }

func (f *fakeConnector) ListTools(ctx context.Context) ([]mcpcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.tools, nil
}

func (f *fakeConnector) ListPrompts(ctx context.Context) ([]mcpcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.prompts, nil
}

func (f *fakeConnector) ListResources(ctx context.Context) ([]mcpcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.resources, nil
}

func (f *fakeConnector) InvokeTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, name)
	return &mcp.CallToolResult{}, nil
}

// newFakeRegistry swaps the connector factory for fakes keyed by server id.
// Seed a fake in the returned map before AddServer to preconfigure failures.
func newFakeRegistry(opts *Options) (*Registry, map[string]*fakeConnector) {
	r := NewRegistry(opts)
	fakes := make(map[string]*fakeConnector)
	r.factory = func(desc Descriptor, _ connectorOptions) Connector {
		f, ok := fakes[desc.ServerID()]
		if !ok {
			f = &fakeConnector{}
			fakes[desc.ServerID()] = f
		}
		return f
	}
	return r, fakes
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (rec *eventRecorder) record(event StatusEvent) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.events = append(rec.events, event)
}

func (rec *eventRecorder) states() []ConnState {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]ConnState, 0, len(rec.events))
	for _, event := range rec.events {
		out = append(out, event.Status.State)
	}
	return out
}

func wsDesc(id string) Descriptor {
	return &WebSocketDescriptor{BaseDescriptor: BaseDescriptor{ID: id}, URL: "ws://localhost:9100"}
}

func statesEqual(got, want []ConnState) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRegistryPolicyDefaulting(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if !reflect.DeepEqual(r.Policy(), mcppolicy.Default()) {
		t.Fatalf("unset policy should default: %+v", r.Policy())
	}

	// A policy with any field set is kept as given, limits included.
	custom := mcppolicy.Config{Whitelist: []string{"echo"}}
	r = NewRegistry(&Options{Policy: custom})
	if !reflect.DeepEqual(r.Policy(), custom) {
		t.Fatalf("custom policy clobbered: %+v", r.Policy())
	}
}

func TestRegistryConnectStateMachine(t *testing.T) {
	t.Parallel()

	r, _ := newFakeRegistry(nil)
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	rec := &eventRecorder{}
	unsubscribe := r.OnStatusChange(rec.record)
	defer unsubscribe()

	if status, ok := r.Status("alpha"); !ok || status.State != StateDisconnected {
		t.Fatalf("initial status = %+v, ok=%v", status, ok)
	}
	if err := r.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := rec.states(); !statesEqual(got, []ConnState{StateConnecting, StateConnected}) {
		t.Fatalf("transition order = %v", got)
	}
	status, _ := r.Status("alpha")
	if status.State != StateConnected || status.LastConnectedAt.IsZero() {
		t.Fatalf("connected status not recorded: %+v", status)
	}

	// A second Connect on a connected server is a no-op.
	if err := r.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("repeat Connect: %v", err)
	}
	if got := rec.states(); len(got) != 2 {
		t.Fatalf("repeat Connect should not transition: %v", got)
	}

	if err := r.Disconnect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if status, _ := r.Status("alpha"); status.State != StateDisconnected {
		t.Fatalf("status after disconnect = %+v", status)
	}
}

func TestRegistryConnectFailureThenReconnect(t *testing.T) {
	t.Parallel()

	r, fakes := newFakeRegistry(nil)
	fakes["alpha"] = &fakeConnector{connectErr: errors.New("dial refused")}
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	rec := &eventRecorder{}
	defer r.OnStatusChange(rec.record)()

	if err := r.Connect(context.Background(), "alpha"); err == nil {
		t.Fatalf("expected connect failure")
	}
	status, _ := r.Status("alpha")
	if status.State != StateError || !strings.Contains(status.LastError, "dial refused") {
		t.Fatalf("failure not recorded: %+v", status)
	}

	// Retrying out of the error state goes through Reconnecting, not
	// Connecting.
	fakes["alpha"].mu.Lock()
	fakes["alpha"].connectErr = nil
	fakes["alpha"].mu.Unlock()
	if err := r.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("retry Connect: %v", err)
	}
	want := []ConnState{StateConnecting, StateError, StateReconnecting, StateConnected}
	if got := rec.states(); !statesEqual(got, want) {
		t.Fatalf("transition order = %v, expected %v", got, want)
	}
	if status, _ := r.Status("alpha"); status.LastError != "" {
		t.Fatalf("LastError should clear on connect: %+v", status)
	}
}

// stalledConnector never completes a dial; it returns only when the caller's
// deadline expires, the way a wedged transport does.
type stalledConnector struct {
	fakeConnector
}

func (c *stalledConnector) Connect(ctx context.Context) error {
	<-ctx.Done()
	return &ConnectError{ServerID: "alpha", Err: classify(ctx.Err())}
}

func TestRegistryConnectTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	r.factory = func(Descriptor, connectorOptions) Connector {
		return &stalledConnector{}
	}
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Connect(ctx, "alpha")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// A timed-out attempt settles in Error; it never sticks in Connecting.
	status, _ := r.Status("alpha")
	if status.State != StateError {
		t.Fatalf("status after timeout = %+v", status)
	}
	if !strings.Contains(status.LastError, "timed out") {
		t.Fatalf("timeout not recorded on status: %+v", status)
	}
}

func TestRegistryReconnectStopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if err := r.AddServer(&StdioDescriptor{
		BaseDescriptor: BaseDescriptor{ID: "ghost"},
		Command:        "definitely-not-on-path-8c1f",
	}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	err := r.Reconnect(context.Background(), "ghost")
	if !IsEnvironmentNotReady(err) {
		t.Fatalf("expected environment-not-ready error, got %v", err)
	}
	if status, _ := r.Status("ghost"); status.State != StateError {
		t.Fatalf("status = %+v", status)
	}
	if err := r.Reconnect(context.Background(), "missing"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("expected ErrUnknownServer, got %v", err)
	}
}

func TestRegistryBackendDisabled(t *testing.T) {
	t.Parallel()

	r, _ := newFakeRegistry(&Options{Disabled: true})
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if err := r.Connect(context.Background(), "alpha"); !errors.Is(err, ErrBackendDisabled) {
		t.Fatalf("Connect = %v, expected ErrBackendDisabled", err)
	}
	if _, _, err := r.Capabilities(context.Background(), "alpha", mcpcache.KindTools); !errors.Is(err, ErrBackendDisabled) {
		t.Fatalf("Capabilities = %v, expected ErrBackendDisabled", err)
	}
	if _, err := r.InvokeTool(context.Background(), "alpha", "echo", nil); !errors.Is(err, ErrBackendDisabled) {
		t.Fatalf("InvokeTool = %v, expected ErrBackendDisabled", err)
	}
	if _, err := r.ConnectAll(context.Background()); !errors.Is(err, ErrBackendDisabled) {
		t.Fatalf("ConnectAll = %v, expected ErrBackendDisabled", err)
	}

	// Teardown still works while disabled.
	if err := r.Disconnect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Disconnect while disabled: %v", err)
	}

	r.SetEnabled(true)
	if err := r.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Connect after enable: %v", err)
	}
}

func TestRegistryBuiltinServerReadOnly(t *testing.T) {
	t.Parallel()

	r, _ := newFakeRegistry(&Options{BuiltinID: "builtin"})
	builtin := wsDesc("builtin")
	if err := r.AddServer(builtin); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := r.AddServer(wsDesc("zeta")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if err := r.RemoveServer(context.Background(), "builtin"); !errors.Is(err, ErrBuiltinServer) {
		t.Fatalf("RemoveServer(builtin) = %v", err)
	}
	if err := r.UpdateServer(context.Background(), builtin); !errors.Is(err, ErrBuiltinServer) {
		t.Fatalf("UpdateServer(builtin) = %v", err)
	}

	ids := r.ServerIDs()
	if len(ids) != 3 || ids[0] != "builtin" || ids[1] != "alpha" || ids[2] != "zeta" {
		t.Fatalf("ServerIDs order = %v", ids)
	}
	summaries := r.Summaries()
	if !summaries[0].Builtin || summaries[1].Builtin {
		t.Fatalf("builtin flag misplaced: %+v", summaries)
	}

	if err := r.RemoveServer(context.Background(), "zeta"); err != nil {
		t.Fatalf("RemoveServer(zeta): %v", err)
	}
	if _, ok := r.Status("zeta"); ok {
		t.Fatalf("zeta should be forgotten")
	}
}

func TestRegistryInvokeToolRateLimit(t *testing.T) {
	t.Parallel()

	policy := mcppolicy.Default()
	policy.RateLimitPerSecond = 1
	r, fakes := newFakeRegistry(&Options{Policy: policy})
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if _, err := r.InvokeTool(context.Background(), "alpha", "echo", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("first InvokeTool: %v", err)
	}
	if _, err := r.InvokeTool(context.Background(), "alpha", "echo", nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second InvokeTool = %v, expected ErrRateLimited", err)
	}
	fake := fakes["alpha"]
	fake.mu.Lock()
	invoked := len(fake.invoked)
	fake.mu.Unlock()
	if invoked != 1 {
		t.Fatalf("rejected call must not reach the transport: %d invocations", invoked)
	}
}

func TestRegistryCapabilitiesFetchesOnMiss(t *testing.T) {
	t.Parallel()

	r, fakes := newFakeRegistry(nil)
	fakes["alpha"] = &fakeConnector{tools: []mcpcache.Item{{Name: "echo"}, {Name: "sum"}}}
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	items, stale, err := r.Capabilities(context.Background(), "alpha", mcpcache.KindTools)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if stale || len(items) != 2 {
		t.Fatalf("items=%v stale=%v", items, stale)
	}

	// A warm fresh cache serves reads without touching the connector.
	if _, _, err := r.Capabilities(context.Background(), "alpha", mcpcache.KindTools); err != nil {
		t.Fatalf("cached Capabilities: %v", err)
	}
	fake := fakes["alpha"]
	fake.mu.Lock()
	listCalls := fake.listCalls
	fake.mu.Unlock()
	if listCalls != 1 {
		t.Fatalf("expected a single list fetch, got %d", listCalls)
	}

	if _, _, err := r.Capabilities(context.Background(), "missing", mcpcache.KindTools); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("unknown server = %v", err)
	}
}

func TestRegistryAdvertisedToolsAppliesPolicy(t *testing.T) {
	t.Parallel()

	policy := mcppolicy.Default()
	policy.Blacklist = []string{"shell_exec"}
	r, fakes := newFakeRegistry(&Options{Policy: policy})
	fakes["alpha"] = &fakeConnector{tools: []mcpcache.Item{{Name: "echo"}, {Name: "shell_exec"}}}
	fakes["beta"] = &fakeConnector{tools: []mcpcache.Item{{Name: "search"}}}
	for _, id := range []string{"alpha", "beta"} {
		if err := r.AddServer(wsDesc(id)); err != nil {
			t.Fatalf("AddServer(%s): %v", id, err)
		}
	}
	if result, err := r.RefreshAll(context.Background(), mcpcache.KindTools); err != nil || result.PartialFailure() {
		t.Fatalf("RefreshAll: %v %+v", err, result)
	}

	tools := r.AdvertisedTools()
	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if len(tools) != 2 || !names["echo"] || !names["search"] || names["shell_exec"] {
		t.Fatalf("advertised set = %v", tools)
	}
}

func TestRegistryConnectionLostTransitionsToError(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	fake := &fakeConnector{}
	var hooks connectorHooks
	r.factory = func(desc Descriptor, opts connectorOptions) Connector {
		hooks = opts.hooks
		return fake
	}
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := r.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	hooks.onConnectionLost(errors.New("pipe closed"))
	status, _ := r.Status("alpha")
	if status.State != StateError || !strings.Contains(status.LastError, "pipe closed") {
		t.Fatalf("loss not recorded: %+v", status)
	}

	// A loss signal after deliberate disconnect is ignored.
	if err := r.Disconnect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	hooks.onConnectionLost(errors.New("late signal"))
	if status, _ := r.Status("alpha"); status.State != StateDisconnected {
		t.Fatalf("late loss should not transition: %+v", status)
	}
}

func TestRegistryUpdateServerReplacesAndReconnects(t *testing.T) {
	t.Parallel()

	r, fakes := newFakeRegistry(nil)
	if err := r.AddServer(wsDesc("alpha")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := r.Connect(context.Background(), "alpha"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	updated := &WebSocketDescriptor{BaseDescriptor: BaseDescriptor{ID: "alpha"}, URL: "ws://localhost:9200"}
	if err := r.UpdateServer(context.Background(), updated); err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}
	desc, ok := r.Descriptor("alpha")
	if !ok {
		t.Fatalf("descriptor missing after update")
	}
	if ws, _ := AsWebSocket(desc); ws.URL != "ws://localhost:9200" {
		t.Fatalf("descriptor not replaced: %#v", desc)
	}
	// Connected before the update, so the update reconnects.
	if status, _ := r.Status("alpha"); status.State != StateConnected {
		t.Fatalf("expected reconnect after update: %+v", status)
	}
	fake := fakes["alpha"]
	fake.mu.Lock()
	closes := fake.closes
	fake.mu.Unlock()
	if closes != 1 {
		t.Fatalf("old session should close once, got %d", closes)
	}

	if err := r.UpdateServer(context.Background(), wsDesc("missing")); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("UpdateServer(missing) = %v", err)
	}
}
