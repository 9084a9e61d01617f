// Package collector implements the per-scrape collection engine described
// in spec.md §4.4: it reconciles connections, detects server version and
// installed extensions, runs the query catalog, and renders samples.
package collector

import (
	"github.com/prometheus-community/pgexporter/internal/catalog"
	"github.com/prometheus-community/pgexporter/internal/config"
	"github.com/prometheus-community/pgexporter/internal/pgwire"
)

// ConnState is the lifecycle state of a Server's connection, per spec.md
// §3's "current connection handle (or 'disconnected')".
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
)

// ExtensionInfo is one detected installed extension, per spec.md §4.4's
// detect-extensions query.
type ExtensionInfo struct {
	Name    string
	Version catalog.Version
	Comment string
}

// Server is the runtime half of spec.md §3's Server data model: the
// static configuration lives in config.ServerConfig, this struct adds the
// connection handle, detected version, databases, and extensions.
type Server struct {
	Config config.ServerConfig

	Conn  *pgwire.Conn
	State ConnState

	Major int
	Minor int

	Databases  []string // bounded to config.MaxDatabases
	Extensions map[string]ExtensionInfo

	EnabledExtensions map[string]bool // per-server enable/disable string, spec.md §3

	IsPrimary bool // true unless detected as a replica (pg_is_in_recovery())

	LastError error
}

// NewServer constructs a Server in the disconnected state, per spec.md
// §3's lifecycle: "created at config load; connection opened lazily".
func NewServer(cfg config.ServerConfig) *Server {
	enabled := make(map[string]bool, len(cfg.EnabledExtensions))
	for _, name := range cfg.EnabledExtensions {
		enabled[name] = true
	}
	return &Server{
		Config:            cfg,
		State:             StateDisconnected,
		Extensions:        map[string]ExtensionInfo{},
		EnabledExtensions: enabled,
	}
}

// Close tears down the connection and marks the server disconnected, per
// spec.md §3's "destroyed on shutdown".
func (s *Server) Close() {
	if s.Conn != nil {
		_ = s.Conn.Close()
		s.Conn = nil
	}
	s.State = StateDisconnected
}

// InstalledExtensionVersions returns a name->version map suitable for
// catalog.Metric.Select.
func (s *Server) InstalledExtensionVersions() map[string]catalog.Version {
	out := make(map[string]catalog.Version, len(s.Extensions))
	for name, info := range s.Extensions {
		out[name] = info.Version
	}
	return out
}

