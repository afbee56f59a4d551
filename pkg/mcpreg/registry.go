package mcpreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	mcppolicy "github.com/lorekeep/mcp-server-registry-go/pkg/mcp-policy"
	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpcache"
)

// Options configure a Registry instance.
type Options struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Policy is the initial advertising and limits configuration.
	Policy mcppolicy.Config
	// Disabled starts the registry with the connectivity feature switched
	// off; every operation then fails with ErrBackendDisabled.
	Disabled bool
	// ClientName and ClientVersion identify this process to tool servers.
	ClientName    string
	ClientVersion string
	// BuiltinID marks the read-only built-in server; it can be neither
	// removed nor edited.
	BuiltinID string
	// LogRPC enables JSON-RPC traffic logging for every server.
	LogRPC bool
	// ReconnectMaxRetries bounds the retry attempts of Reconnect.
	ReconnectMaxRetries uint64
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.IsZero() {
		opts.Policy = mcppolicy.Default()
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-server-registry"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ReconnectMaxRetries == 0 {
		opts.ReconnectMaxRetries = 3
	}
	return opts
}

// ServerSummary aggregates identity and status for one managed server.
type ServerSummary struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Transport TransportType `json:"transportType"`
	Builtin   bool          `json:"builtin"`
	Status    Status        `json:"status"`
}

// Registry owns the connection state machine for every configured tool
// server, the capability cache, and the policy gateway consulted by
// downstream consumers. It is created at startup and torn down with Close;
// there is no ambient global instance.
type Registry struct {
	opts    Options
	logger  *slog.Logger
	cache   *mcpcache.Cache
	hub     *statusHub
	factory connectorFactory

	mu       sync.Mutex
	disabled bool
	policy   mcppolicy.Config
	states   map[string]*serverState
	limiters map[string]*rate.Limiter
}

type serverState struct {
	desc      Descriptor
	connector Connector
	status    Status

	connecting bool
	connectCh  chan struct{}
}

// NewRegistry constructs a Registry with no servers attached. Call AddServer
// for each configured descriptor, then Connect (or ConnectAll) to dial them.
func NewRegistry(opts *Options) *Registry {
	options := opts.withDefaults()
	r := &Registry{
		opts:     options,
		logger:   options.Logger,
		hub:      newStatusHub(),
		factory:  newConnector,
		disabled: options.Disabled,
		policy:   options.Policy,
		states:   make(map[string]*serverState),
		limiters: make(map[string]*rate.Limiter),
	}
	r.cache = mcpcache.New(options.Policy.CacheMaxSize, options.Policy.CacheTTL())
	return r
}

// AddServer registers a descriptor without connecting. The id must be unique.
func (r *Registry) AddServer(desc Descriptor) error {
	if desc == nil || desc.base().ID == "" {
		return fmt.Errorf("mcpreg: descriptor missing id")
	}
	id := desc.base().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[id]; ok {
		return fmt.Errorf("mcpreg: server %q already registered", id)
	}
	r.states[id] = &serverState{
		desc:      desc,
		connector: r.factory(desc, r.connectorOptions(id)),
		status:    Status{State: StateDisconnected},
	}
	return nil
}

// UpdateServer replaces a server's connection parameters. The change is a
// disconnect plus reconnect, never a live parameter swap. The built-in server
// is read-only.
func (r *Registry) UpdateServer(ctx context.Context, desc Descriptor) error {
	if desc == nil || desc.base().ID == "" {
		return fmt.Errorf("mcpreg: descriptor missing id")
	}
	id := desc.base().ID
	if id == r.opts.BuiltinID {
		return ErrBuiltinServer
	}
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, id)
	}
	wasConnected := st.status.State == StateConnected
	r.mu.Unlock()

	if err := r.Disconnect(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	st.desc = desc
	st.connector = r.factory(desc, r.connectorOptions(id))
	r.mu.Unlock()
	r.cache.Invalidate(id)

	if wasConnected {
		return r.Connect(ctx, id)
	}
	return nil
}

// RemoveServer disconnects and forgets a server. Removing the built-in server
// is rejected.
func (r *Registry) RemoveServer(ctx context.Context, id string) error {
	if id == r.opts.BuiltinID {
		return ErrBuiltinServer
	}
	r.mu.Lock()
	_, ok := r.states[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, id)
	}
	if err := r.Disconnect(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.states, id)
	delete(r.limiters, id)
	r.mu.Unlock()
	r.cache.Invalidate(id)
	return nil
}

// ServerIDs returns known ids, built-in first, the rest sorted.
func (r *Registry) ServerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		if id != r.opts.BuiltinID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := r.states[r.opts.BuiltinID]; ok {
		ids = append([]string{r.opts.BuiltinID}, ids...)
	}
	return ids
}

// Summaries returns a status snapshot for every managed server, built-in
// first.
func (r *Registry) Summaries() []ServerSummary {
	ids := r.ServerIDs()
	r.mu.Lock()
	defer r.mu.Unlock()
	summaries := make([]ServerSummary, 0, len(ids))
	for _, id := range ids {
		st, ok := r.states[id]
		if !ok {
			continue
		}
		base := st.desc.base()
		summaries = append(summaries, ServerSummary{
			ID:        id,
			Name:      base.Name,
			Transport: st.desc.Transport(),
			Builtin:   id == r.opts.BuiltinID,
			Status:    st.status,
		})
	}
	return summaries
}

// Status returns the connection record for one server. ok is false for
// unknown ids.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return Status{}, false
	}
	return st.status, true
}

// Descriptor returns the registered descriptor for one server.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return nil, false
	}
	return st.desc, true
}

// OnStatusChange subscribes to state transitions. The returned func cancels
// the subscription.
func (r *Registry) OnStatusChange(fn StatusHandler) (unsubscribe func()) {
	return r.hub.subscribe(fn)
}

// Enabled reports whether the connectivity feature is switched on.
func (r *Registry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled
}

// SetEnabled toggles the connectivity feature. Disabling does not tear down
// existing sessions; it only rejects new operations.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.disabled = !enabled
	r.mu.Unlock()
}

// checkEnabled is consulted before any per-server work so that a disabled
// backend is always reported as such, never as a connection failure.
func (r *Registry) checkEnabled() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled {
		return ErrBackendDisabled
	}
	return nil
}

// Policy returns the current policy configuration.
func (r *Registry) Policy() mcppolicy.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// SetPolicy installs a saved policy: cache bounds and rate limiters pick up
// the new values immediately.
func (r *Registry) SetPolicy(cfg mcppolicy.Config) {
	r.mu.Lock()
	r.policy = cfg
	r.limiters = make(map[string]*rate.Limiter)
	r.mu.Unlock()
	r.cache.Configure(cfg.CacheMaxSize, cfg.CacheTTL())
}

// Connect drives one server through the connection state machine:
// Disconnected→Connecting→Connected, or Error→Reconnecting→Connected when
// retrying after a failure. Concurrent calls for the same server share a
// single in-flight attempt.
func (r *Registry) Connect(ctx context.Context, id string) error {
	if err := r.checkEnabled(); err != nil {
		return err
	}
	for {
		r.mu.Lock()
		st, ok := r.states[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownServer, id)
		}
		if st.status.State == StateConnected {
			r.mu.Unlock()
			return nil
		}
		if st.connecting {
			ch := st.connectCh
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				continue
			}
		}
		st.connecting = true
		st.connectCh = make(chan struct{})
		next := StateConnecting
		if st.status.State == StateError || st.status.State == StateReconnecting {
			next = StateReconnecting
		}
		event := r.setStateLocked(id, st, next, "")
		connector := st.connector
		r.mu.Unlock()
		r.hub.publish(event)

		err := connector.Connect(ctx)

		r.mu.Lock()
		st.connecting = false
		close(st.connectCh)
		if err != nil {
			event = r.setStateLocked(id, st, StateError, err.Error())
		} else {
			event = r.setStateLocked(id, st, StateConnected, "")
		}
		r.mu.Unlock()
		r.hub.publish(event)
		return err
	}
}

// Reconnect retries Connect with exponential backoff. Conditions that cannot
// improve by waiting (unknown server, disabled backend, unresolvable command)
// stop the retry loop immediately.
func (r *Registry) Reconnect(ctx context.Context, id string) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.opts.ReconnectMaxRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := r.Connect(ctx, id)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBackendDisabled) || errors.Is(err, ErrUnknownServer) || IsEnvironmentNotReady(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// Disconnect closes a server's session and records it as Disconnected.
// Allowed even when the backend is disabled, so teardown always works.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, id)
	}
	connector := st.connector
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- connector.Close() }()
	var closeErr error
	select {
	case <-ctx.Done():
		closeErr = ctx.Err()
	case closeErr = <-done:
	}

	r.mu.Lock()
	event := r.setStateLocked(id, st, StateDisconnected, "")
	r.mu.Unlock()
	r.hub.publish(event)
	return closeErr
}

// Close disconnects every server. The registry is not usable afterwards.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, id := range r.ServerIDs() {
		if err := r.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Capabilities returns the cached capability list for one server. A stale
// entry is returned as-is and a background refresh is started; a missing
// entry triggers a synchronous fetch.
func (r *Registry) Capabilities(ctx context.Context, id string, kind mcpcache.Kind) ([]mcpcache.Item, bool, error) {
	if err := r.checkEnabled(); err != nil {
		return nil, false, err
	}
	if _, ok := r.Status(id); !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownServer, id)
	}
	items, stale, ok := r.cache.Get(id, kind)
	if !ok {
		if err := r.Refresh(ctx, id, kind, true); err != nil {
			return nil, false, err
		}
		items, stale, _ = r.cache.Get(id, kind)
		return items, stale, nil
	}
	if stale {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), r.Policy().Timeout())
			defer cancel()
			if err := r.Refresh(refreshCtx, id, kind, true); err != nil {
				r.logger.Warn("background capability refresh failed", "server", id, "kind", string(kind), "error", err)
			}
		}()
	}
	return items, stale, nil
}

// Refresh fetches one capability list from the server and stores it. When not
// forced, a fresh cache entry short-circuits the fetch.
func (r *Registry) Refresh(ctx context.Context, id string, kind mcpcache.Kind, forced bool) error {
	if err := r.checkEnabled(); err != nil {
		return err
	}
	r.mu.Lock()
	st, ok := r.states[id]
	var connector Connector
	if ok {
		connector = st.connector
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, id)
	}
	if !forced {
		if _, stale, cached := r.cache.Get(id, kind); cached && !stale {
			return nil
		}
	}
	if err := r.Connect(ctx, id); err != nil {
		return err
	}

	var items []mcpcache.Item
	var err error
	switch kind {
	case mcpcache.KindTools:
		items, err = connector.ListTools(ctx)
	case mcpcache.KindPrompts:
		items, err = connector.ListPrompts(ctx)
	case mcpcache.KindResources:
		items, err = connector.ListResources(ctx)
	default:
		return fmt.Errorf("mcpreg: unknown capability kind %q", kind)
	}
	if err != nil {
		return err
	}
	r.cache.Put(id, kind, items)
	return nil
}

// InvalidateCaches clears every cached capability list. Callers should
// trigger a refresh afterward so consumers do not see an empty catalog.
func (r *Registry) InvalidateCaches() {
	r.cache.InvalidateAll()
}

// InvokeTool executes a tool on one server, applying the per-server token
// bucket before any transport work. Calls beyond the budget fail immediately
// with ErrRateLimited instead of queueing.
func (r *Registry) InvokeTool(ctx context.Context, id, name string, args any) (*mcp.CallToolResult, error) {
	if err := r.checkEnabled(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	st, ok := r.states[id]
	var connector Connector
	if ok {
		connector = st.connector
	}
	limiter := r.limiterLocked(id)
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, id)
	}
	if limiter != nil && !limiter.Allow() {
		return nil, fmt.Errorf("%w: server %q", ErrRateLimited, id)
	}
	if err := r.Connect(ctx, id); err != nil {
		return nil, err
	}
	return connector.InvokeTool(ctx, name, args)
}

// AdvertisedTools returns the policy-filtered union of every server's cached
// tools. It reads only the cache, so it is cheap enough for every UI render.
func (r *Registry) AdvertisedTools() []mcpcache.Item {
	policy := r.Policy()
	var all []mcpcache.Item
	for _, id := range r.ServerIDs() {
		items, _, ok := r.cache.Get(id, mcpcache.KindTools)
		if !ok {
			continue
		}
		all = append(all, policy.Advertised(items)...)
	}
	return all
}

func (r *Registry) limiterLocked(id string) *rate.Limiter {
	perSecond := r.policy.RateLimitPerSecond
	if perSecond <= 0 {
		return nil
	}
	limiter, ok := r.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		r.limiters[id] = limiter
	}
	return limiter
}

// setStateLocked applies one state-machine transition and builds the event to
// publish once the lock is released.
func (r *Registry) setStateLocked(id string, st *serverState, next ConnState, errMsg string) StatusEvent {
	prev := st.status.State
	st.status.State = next
	switch {
	case next == StateConnected:
		st.status.LastConnectedAt = time.Now()
		st.status.LastError = ""
	case errMsg != "":
		st.status.LastError = errMsg
	}
	return StatusEvent{ServerID: id, Previous: prev, Status: st.status, At: time.Now()}
}

func (r *Registry) connectorOptions(id string) connectorOptions {
	return connectorOptions{
		clientName:    r.opts.ClientName,
		clientVersion: r.opts.ClientVersion,
		timeout:       func() time.Duration { return r.Policy().Timeout() },
		logger:        r.logger,
		logRPC:        r.opts.LogRPC,
		hooks: connectorHooks{
			onConnectionLost:  func(err error) { r.handleConnectionLost(id, err) },
			onToolListChanged: func() { r.handleToolListChanged(id) },
		},
	}
}

// handleConnectionLost converts a transport-signaled session loss into the
// Error state. Losses observed after the server was deliberately disconnected
// or removed are ignored.
func (r *Registry) handleConnectionLost(id string, cause error) {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok || st.status.State != StateConnected {
		r.mu.Unlock()
		return
	}
	msg := "connection lost"
	if cause != nil {
		msg = fmt.Sprintf("connection lost: %v", cause)
	}
	event := r.setStateLocked(id, st, StateError, msg)
	r.mu.Unlock()
	r.hub.publish(event)
}

// handleToolListChanged refreshes a server's cached tools when the server
// announces a change, so consumers do not serve an outdated catalog for a
// full TTL.
func (r *Registry) handleToolListChanged(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.Policy().Timeout())
		defer cancel()
		if err := r.Refresh(ctx, id, mcpcache.KindTools, true); err != nil {
			r.logger.Warn("tool list refresh failed", "server", id, "error", err)
		}
	}()
}
