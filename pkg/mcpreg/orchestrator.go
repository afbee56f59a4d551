package mcpreg

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpcache"
)

// ServerOutcome is the per-server result of a bulk operation.
type ServerOutcome struct {
	ServerID string `json:"serverId"`
	Summary  string `json:"summary,omitempty"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
}

// BulkResult aggregates a fan-out operation across the server set. A bulk
// operation never fails wholesale because one server failed; callers must
// check PartialFailure rather than collapsing the result into a boolean.
type BulkResult struct {
	Succeeded []ServerOutcome `json:"succeeded"`
	Failed    []ServerOutcome `json:"failed"`
}

// PartialFailure reports whether any server failed.
func (b BulkResult) PartialFailure() bool { return len(b.Failed) > 0 }

// fanOut runs op for every known server concurrently, collecting one outcome
// per server. One server's failure or timeout never delays or fails the
// others.
func (r *Registry) fanOut(ctx context.Context, op func(ctx context.Context, id string) (string, error)) (BulkResult, error) {
	if err := r.checkEnabled(); err != nil {
		return BulkResult{}, err
	}
	ids := r.ServerIDs()
	if len(ids) == 0 {
		return BulkResult{}, ErrNoServersConfigured
	}
	outcomes := make([]ServerOutcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			summary, err := op(gctx, id)
			outcome := ServerOutcome{ServerID: id, Summary: summary, Err: err}
			if err != nil {
				outcome.Error = err.Error()
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	var result BulkResult
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			result.Failed = append(result.Failed, outcome)
		} else {
			result.Succeeded = append(result.Succeeded, outcome)
		}
	}
	return result, nil
}

// ConnectAll dials every configured server concurrently and reports which
// connected and which failed, with reasons.
func (r *Registry) ConnectAll(ctx context.Context) (BulkResult, error) {
	return r.fanOut(ctx, func(ctx context.Context, id string) (string, error) {
		if err := r.Connect(ctx, id); err != nil {
			return "", err
		}
		return "connected", nil
	})
}

// RefreshAll force-refreshes one capability kind for every server.
func (r *Registry) RefreshAll(ctx context.Context, kind mcpcache.Kind) (BulkResult, error) {
	return r.fanOut(ctx, func(ctx context.Context, id string) (string, error) {
		if err := r.Refresh(ctx, id, kind, true); err != nil {
			return "", err
		}
		items, _, _ := r.cache.Get(id, kind)
		return fmt.Sprintf("%d %s", len(items), kind), nil
	})
}

// HealthCheck ensures every server is connected, fetches its capability
// lists, and reports a one-line summary per server. The result is a success
// only when zero servers failed; otherwise it is a partial failure that
// callers must surface as such.
func (r *Registry) HealthCheck(ctx context.Context) (BulkResult, error) {
	return r.fanOut(ctx, func(ctx context.Context, id string) (string, error) {
		if err := r.Connect(ctx, id); err != nil {
			return "", err
		}
		counts := make(map[mcpcache.Kind]int, 3)
		for _, kind := range mcpcache.Kinds() {
			if err := r.Refresh(ctx, id, kind, true); err != nil {
				return "", fmt.Errorf("fetch %s: %w", kind, err)
			}
			items, _, _ := r.cache.Get(id, kind)
			counts[kind] = len(items)
		}
		return fmt.Sprintf("%d tools, %d prompts, %d resources",
			counts[mcpcache.KindTools], counts[mcpcache.KindPrompts], counts[mcpcache.KindResources]), nil
	})
}
