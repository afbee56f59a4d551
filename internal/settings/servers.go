package settings

import (
	"strconv"
	"strings"

	mcppolicy "github.com/lorekeep/mcp-server-registry-go/pkg/mcp-policy"
	"github.com/lorekeep/mcp-server-registry-go/pkg/mcpreg"
)

// BuiltinServerID identifies the server bundled with the application. It is
// always present, read-only, and never written to the persisted list.
const BuiltinServerID = "builtin"

// BuiltinServer returns the fixed descriptor for the bundled workspace tools
// server.
func BuiltinServer() mcpreg.Descriptor {
	return &mcpreg.StdioDescriptor{
		BaseDescriptor: mcpreg.BaseDescriptor{
			ID:        BuiltinServerID,
			Name:      "Workspace Tools",
			Namespace: "workspace",
		},
		Command: "workspace-tools-mcp",
		Framing: mcpreg.FramingLineDelimited,
	}
}

// LoadServers reads the persisted server list and prepends the built-in
// server. Persisted entries that collide with the built-in id are dropped so
// the bundled descriptor cannot be shadowed.
func LoadServers(store Store) ([]mcpreg.Descriptor, error) {
	descs, err := mcpreg.DecodeDescriptorList([]byte(store.GetString(KeyServers)))
	if err != nil {
		return nil, err
	}
	effective := []mcpreg.Descriptor{BuiltinServer()}
	for _, desc := range descs {
		if desc.ServerID() == BuiltinServerID {
			continue
		}
		effective = append(effective, desc)
	}
	return effective, nil
}

// SaveServers writes the user-editable server list back, excluding the
// built-in server.
func SaveServers(store Store, descs []mcpreg.Descriptor) error {
	persisted := make([]mcpreg.Descriptor, 0, len(descs))
	for _, desc := range descs {
		if desc.ServerID() == BuiltinServerID {
			continue
		}
		persisted = append(persisted, desc)
	}
	data, err := mcpreg.EncodeDescriptorList(persisted)
	if err != nil {
		return err
	}
	return store.SetString(KeyServers, string(data))
}

// Enabled reports whether the connectivity feature is switched on. Absent
// settings default to enabled.
func Enabled(store Store) bool {
	if !store.Has(KeyEnabled) {
		return true
	}
	return store.GetString(KeyEnabled) != "false"
}

// SetEnabled persists the connectivity switch.
func SetEnabled(store Store, enabled bool) error {
	return store.SetString(KeyEnabled, strconv.FormatBool(enabled))
}

// LoadPolicy assembles the policy configuration from its individual setting
// keys, falling back to defaults for absent or malformed values.
func LoadPolicy(store Store) mcppolicy.Config {
	cfg := mcppolicy.Default()
	if store.Has(KeyAdvertiseAll) {
		cfg.AdvertiseAll = store.GetString(KeyAdvertiseAll) == "true"
	}
	cfg.Whitelist = splitNames(store.GetString(KeyWhitelist))
	cfg.Blacklist = splitNames(store.GetString(KeyBlacklist))
	cfg.TimeoutMs = intSetting(store, KeyTimeoutMs, cfg.TimeoutMs)
	cfg.RateLimitPerSecond = intSetting(store, KeyRateLimitPerSecond, cfg.RateLimitPerSecond)
	cfg.CacheMaxSize = intSetting(store, KeyCacheMaxSize, cfg.CacheMaxSize)
	cfg.CacheTTLMs = intSetting(store, KeyCacheTTLMs, cfg.CacheTTLMs)
	return cfg
}

// SavePolicy writes every policy key back to the store.
func SavePolicy(store Store, cfg mcppolicy.Config) error {
	entries := []struct{ key, value string }{
		{KeyAdvertiseAll, strconv.FormatBool(cfg.AdvertiseAll)},
		{KeyWhitelist, strings.Join(cfg.Whitelist, ",")},
		{KeyBlacklist, strings.Join(cfg.Blacklist, ",")},
		{KeyTimeoutMs, strconv.Itoa(cfg.TimeoutMs)},
		{KeyRateLimitPerSecond, strconv.Itoa(cfg.RateLimitPerSecond)},
		{KeyCacheMaxSize, strconv.Itoa(cfg.CacheMaxSize)},
		{KeyCacheTTLMs, strconv.Itoa(cfg.CacheTTLMs)},
	}
	for _, entry := range entries {
		if err := store.SetString(entry.key, entry.value); err != nil {
			return err
		}
	}
	return nil
}

func splitNames(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func intSetting(store Store, key string, fallback int) int {
	if !store.Has(key) {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(store.GetString(key)))
	if err != nil {
		return fallback
	}
	return n
}
