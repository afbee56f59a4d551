// Package settings is the registry's view of the application settings layer:
// a string key/value store plus the narrow notification hooks the desktop
// shell exposes. The registry core never touches persistence directly; it
// reads and writes through Store so the UI-owned settings screens stay the
// single source of truth.
package settings

import (
	"errors"
	"io/fs"
	"sync"

	"github.com/spf13/viper"
)

// Setting keys used by the tool registry.
const (
	KeyEnabled            = "mcp.enabled"
	KeyServers            = "mcp.servers"
	KeyAdvertiseAll       = "mcp.policy.advertiseAll"
	KeyWhitelist          = "mcp.policy.whitelist"
	KeyBlacklist          = "mcp.policy.blacklist"
	KeyTimeoutMs          = "mcp.policy.timeoutMs"
	KeyRateLimitPerSecond = "mcp.policy.rateLimitPerSecond"
	KeyCacheMaxSize       = "mcp.policy.cacheMaxSize"
	KeyCacheTTLMs         = "mcp.policy.cacheTtlMs"
)

// Store is the settings collaborator: read a setting by key, write a setting
// by key. Values are strings; structured values are JSON or comma-separated
// lists encoded by the callers in this package.
type Store interface {
	GetString(key string) string
	SetString(key, value string) error
	Has(key string) bool
}

// ViperStore persists settings to a single config file.
type ViperStore struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// NewViperStore opens (or prepares to create) the settings file at path.
func NewViperStore(path string) (*ViperStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return &ViperStore{v: v, path: path}, nil
}

func (s *ViperStore) GetString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetString(key)
}

func (s *ViperStore) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
	return s.v.WriteConfigAs(s.path)
}

func (s *ViperStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.IsSet(key)
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (s *MemStore) GetString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *MemStore) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}
