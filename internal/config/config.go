// Package config loads the daemon's own configuration (ports, timeouts,
// cache sizes, configured servers) from a YAML document, generalizing
// pgbouncer_exporter's config.go loader (NewConfigFromFile / Config /
// per-instance validation) to the richer shape spec.md §3/§6 describes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bounded capacities, per spec.md §3's invariant that "the number of
// servers/users/admins/metrics/extensions/endpoints is bounded by
// compile-time constants".
const (
	MaxServers    = 64
	MaxUsers      = 64
	MaxAdmins     = 16
	MaxMetrics    = 512
	MaxExtensions = 64
	MaxEndpoints  = 32
	MaxDatabases  = 128
)

var (
	ErrNoServersConfigured = errors.New("config: no servers configured")
	ErrTooManyServers      = fmt.Errorf("config: more than %d servers configured", MaxServers)
	ErrDuplicateServerName = errors.New("config: duplicate server name")
)

// Config is the daemon's full configuration, covering §4.4's collection
// engine, §4.5's cache sizes, §4.7's HTTP ports, and §4.8's management
// socket.
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
	Users   []UserConfig   `yaml:"users"`
	Admins  []UserConfig   `yaml:"admins"`

	MetricsPort int `yaml:"metrics_port"`
	BridgePort  int `yaml:"bridge_port"`
	BridgeJSONPort int `yaml:"bridge_json_port"`

	MetricsCacheMaxAge time.Duration `yaml:"metrics_cache_max_age"`
	BridgeCacheMaxAge  time.Duration `yaml:"bridge_cache_max_age"`
	CacheCapacityBytes int           `yaml:"cache_capacity_bytes"`
	CacheBlockingTimeout time.Duration `yaml:"cache_blocking_timeout"`

	MetricsQueryTimeoutMS int `yaml:"metrics_query_timeout_ms"`
	AuthenticationTimeout time.Duration `yaml:"authentication_timeout"`

	ManagementSocketDir string `yaml:"management_socket_dir"`
	ManagementTCPPort   int    `yaml:"management_tcp_port"` // 0 disables remote management
	ManagementTLS       *TLSConfig `yaml:"management_tls"`

	MetricsCatalogPath string     `yaml:"metrics_catalog_path"`
	BridgeEndpoints    []Endpoint `yaml:"bridge_endpoints"`

	UsersFilePath     string `yaml:"users_file"`
	AdminsFilePath    string `yaml:"admins_file"`
	MasterKeyFilePath string `yaml:"master_key_file"`
}

// Endpoint is one upstream the bridge scrapes, serialized form of
// bridge.Endpoint.
type Endpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// TLSConfig names certificate/key paths for the management TCP listener,
// per spec.md §4.8 ("optionally TLS").
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// ServerConfig is one configured PostgreSQL endpoint, per spec.md §3's
// "Server" data model (the static, config-load-time half; runtime state
// lives in collector.Server).
type ServerConfig struct {
	Name         string            `yaml:"name"`
	Host         string            `yaml:"host"`
	Port         int               `yaml:"port"`
	UserKey      string            `yaml:"user"` // references a UserConfig.Key
	Database     string            `yaml:"database"`
	TLSMode      string            `yaml:"tls_mode"` // disable|require|verify-full
	ExtraLabels  map[string]string `yaml:"extra_labels"`
	// EnabledExtensions lists extension names this server should prefer
	// extension-alternative queries for, per spec.md §4.3's tie-break.
	EnabledExtensions []string `yaml:"enabled_extensions"`
}

// UserConfig is one user or admin credential, generalizing
// credentials.go's Credentials/SSLCredentials split. The password here is
// the on-disk encrypted form; see internal/security for decryption.
type UserConfig struct {
	Key               string `yaml:"key"`
	Username          string `yaml:"username"`
	EncryptedPassword string `yaml:"password"`
}

// Default returns a Config with the daemon's default ports/timeouts.
func Default() *Config {
	return &Config{
		MetricsPort:           9399,
		BridgePort:            9400,
		BridgeJSONPort:        9401,
		MetricsCacheMaxAge:    30 * time.Second,
		BridgeCacheMaxAge:     30 * time.Second,
		CacheCapacityBytes:    4 * 1024 * 1024,
		CacheBlockingTimeout:  2 * time.Second,
		MetricsQueryTimeoutMS: 10_000,
		AuthenticationTimeout: 5 * time.Second,
		ManagementSocketDir:   "/tmp",
		Users:                 []UserConfig{},
		Admins:                []UserConfig{},
		Servers:               []ServerConfig{},
	}
}

// Load reads and validates a YAML configuration document from path,
// following the override-defaults-from-file pattern in pgbouncer_exporter's
// config.go.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the bounded-capacity and uniqueness invariants from
// spec.md §3.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return ErrNoServersConfigured
	}
	if len(c.Servers) > MaxServers {
		return ErrTooManyServers
	}
	if len(c.Users) > MaxUsers {
		return fmt.Errorf("config: more than %d users configured", MaxUsers)
	}
	if len(c.Admins) > MaxAdmins {
		return fmt.Errorf("config: more than %d admins configured", MaxAdmins)
	}
	if len(c.BridgeEndpoints) > MaxEndpoints {
		return fmt.Errorf("config: more than %d bridge endpoints configured", MaxEndpoints)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config: server with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateServerName, s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

// ServerByName finds a server config by name, used by the management
// protocol's conf-set/conf-get dispatch (spec.md §4.8).
func (c *Config) ServerByName(name string) (*ServerConfig, bool) {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i], true
		}
	}
	return nil, false
}

// UserByKey finds a user credential by its key, matching
// Credentials.GetKey() semantics from pgbouncer_exporter's credentials.go.
func (c *Config) UserByKey(key string) (*UserConfig, bool) {
	for i := range c.Users {
		if c.Users[i].Key == key {
			return &c.Users[i], true
		}
	}
	return nil, false
}
