// Package mcppolicy decides which discovered tools are advertised to
// downstream feature consumers. The decision is a pure function of the cached
// tool set and a single process-wide Config, so it is safe to evaluate on
// every UI read.
package mcppolicy

import (
	"slices"
	"strings"
	"time"

	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpcache"
)

// NamespaceSeparator joins a server's namespace prefix to a tool name for
// display grouping.
const NamespaceSeparator = "__"

// Config carries the advertising rules plus the operational limits shared by
// the registry. Loaded from settings, mutated only via explicit save.
type Config struct {
	// AdvertiseAll exposes every non-blacklisted tool regardless of the
	// whitelist.
	AdvertiseAll bool
	// Whitelist names tools advertised when AdvertiseAll is off.
	Whitelist []string
	// Blacklist names tools that are never advertised. It wins over
	// AdvertiseAll and over the whitelist.
	Blacklist []string

	TimeoutMs          int
	RateLimitPerSecond int
	CacheMaxSize       int
	CacheTTLMs         int
}

// Default returns the configuration used when nothing has been saved yet.
func Default() Config {
	return Config{
		AdvertiseAll:       true,
		TimeoutMs:          30_000,
		RateLimitPerSecond: 10,
		CacheMaxSize:       1_000,
		CacheTTLMs:         300_000,
	}
}

// IsZero reports whether no field has been set. A zero Config means "nothing
// configured", so callers substitute Default; a deliberately restrictive
// policy always sets at least one limit or the advertise flag.
func (c Config) IsZero() bool {
	return !c.AdvertiseAll &&
		len(c.Whitelist) == 0 &&
		len(c.Blacklist) == 0 &&
		c.TimeoutMs == 0 &&
		c.RateLimitPerSecond == 0 &&
		c.CacheMaxSize == 0 &&
		c.CacheTTLMs == 0
}

// Allowed reports whether a tool may be advertised. Matching is a
// case-sensitive exact comparison on the raw tool name; namespace prefixes are
// stripped for display only and never before policy matching.
func (c Config) Allowed(name string) bool {
	if slices.Contains(c.Blacklist, name) {
		return false
	}
	if c.AdvertiseAll {
		return true
	}
	return slices.Contains(c.Whitelist, name)
}

// Advertised filters a capability slice down to the tools the policy exposes.
func (c Config) Advertised(items []mcpcache.Item) []mcpcache.Item {
	out := make([]mcpcache.Item, 0, len(items))
	for _, item := range items {
		if c.Allowed(item.Name) {
			out = append(out, item)
		}
	}
	return out
}

// Timeout returns the per-operation deadline.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CacheTTL returns how long a capability entry stays fresh.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// DisplayName strips a leading namespace prefix from a tool name for
// presentation. The raw name is unchanged for policy matching and invocation.
func DisplayName(name string) string {
	if i := strings.Index(name, NamespaceSeparator); i > 0 {
		return name[i+len(NamespaceSeparator):]
	}
	return name
}

// NamespacedName prefixes a tool name with a server's namespace when one is
// configured.
func NamespacedName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + NamespaceSeparator + name
}
