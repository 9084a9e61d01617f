package collector

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/prometheus-community/pgexporter/internal/catalog"
	"github.com/prometheus-community/pgexporter/internal/config"
	"github.com/prometheus-community/pgexporter/internal/pgwire"
)

// Credentials resolves the plaintext password for a user key, decoupling
// the engine from the on-disk encrypted format (internal/security).
type Credentials interface {
	ResolvePassword(userKey string) (username, password string, err error)
}

// Engine runs one scrape cycle across all configured servers, per spec.md
// §4.4.
type Engine struct {
	Catalog     *catalog.Catalog
	Servers     []*Server
	Credentials Credentials
	Logger      *slog.Logger

	StatementTimeoutMS int
}

// NewEngine builds an engine from a loaded config and catalog.
func NewEngine(cfg *config.Config, cat *catalog.Catalog, creds Credentials, logger *slog.Logger) *Engine {
	servers := make([]*Server, len(cfg.Servers))
	for i, sc := range cfg.Servers {
		servers[i] = NewServer(sc)
	}
	return &Engine{
		Catalog:            cat,
		Servers:            servers,
		Credentials:        creds,
		Logger:             logger,
		StatementTimeoutMS: cfg.MetricsQueryTimeoutMS,
	}
}

// ErrNotMonitor is returned when a server's role lacks pg_monitor
// membership; per spec.md §4.4/§7 this is fatal for that server ("log and
// mark fatal" / "terminates the daemon because no useful metrics can be
// produced" — here scoped to the one server rather than the whole
// process, since this engine serves many servers).
var ErrNotMonitor = fmt.Errorf("collector: role lacks pg_monitor membership")

// Reconcile implements spec.md §4.4 step 1: for each configured server,
// probe an existing connection with SELECT 1, or open+authenticate a new
// one, then detect version/databases/extensions.
func (e *Engine) Reconcile() {
	for _, srv := range e.Servers {
		e.reconcileOne(srv)
	}
}

func (e *Engine) reconcileOne(srv *Server) {
	if srv.Conn != nil {
		if err := srv.Conn.Ping(); err == nil {
			return
		}
		srv.Close()
	}

	username, password, err := e.Credentials.ResolvePassword(srv.Config.UserKey)
	if err != nil {
		srv.LastError = fmt.Errorf("resolving credentials for %q: %w", srv.Config.UserKey, err)
		e.logError(srv, srv.LastError)
		return
	}

	opts := pgwire.Options{
		Host:            srv.Config.Host,
		Port:            srv.Config.Port,
		User:            username,
		Password:        password,
		Database:        srv.Config.Database,
		ApplicationName: "pgexporter",
	}
	if srv.Config.TLSMode != "" && srv.Config.TLSMode != "disable" {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: srv.Config.TLSMode == "require"}
	}

	conn, err := pgwire.Dial(opts)
	if err != nil {
		srv.LastError = err
		e.logError(srv, err)
		return
	}

	srv.Conn = conn
	srv.State = StateConnected
	srv.Major, srv.Minor = conn.ServerMajor, conn.ServerMinor
	srv.LastError = nil

	if err := e.checkMonitorRole(srv); err != nil {
		srv.LastError = err
		e.logError(srv, err)
		srv.Close()
		return
	}

	e.detectReplicationRole(srv)
	e.detectDatabases(srv)
	e.detectExtensions(srv)

	if err := conn.SetStatementTimeout(e.StatementTimeoutMS); err != nil {
		e.logError(srv, fmt.Errorf("setting statement_timeout: %w", err))
	}
}

func (e *Engine) checkMonitorRole(srv *Server) error {
	result, err := srv.Conn.Query("SELECT pg_has_role(current_user, 'pg_monitor', 'USAGE')")
	if err != nil {
		return fmt.Errorf("checking pg_monitor role: %w", err)
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return ErrNotMonitor
	}
	val := result.Rows[0][0]
	if val == nil || string(val) != "t" {
		return ErrNotMonitor
	}
	return nil
}

func (e *Engine) detectReplicationRole(srv *Server) {
	result, err := srv.Conn.Query("SELECT pg_is_in_recovery()")
	if err != nil || len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		srv.IsPrimary = true
		return
	}
	srv.IsPrimary = string(result.Rows[0][0]) != "t"
}

// detectDatabases implements spec.md §4.4's database-detection query, with
// "postgres" appended and the list bounded to config.MaxDatabases.
func (e *Engine) detectDatabases(srv *Server) {
	result, err := srv.Conn.Query("SELECT datname FROM pg_database WHERE NOT datistemplate AND datname <> 'postgres';")
	if err != nil {
		e.logError(srv, fmt.Errorf("detecting databases: %w", err))
		return
	}
	dbs := make([]string, 0, len(result.Rows)+1)
	for _, row := range result.Rows {
		if len(row) > 0 && row[0] != nil {
			dbs = append(dbs, string(row[0]))
		}
	}
	dbs = append(dbs, "postgres")
	if len(dbs) > config.MaxDatabases {
		dbs = dbs[:config.MaxDatabases]
	}
	srv.Databases = dbs
}

// detectExtensions implements spec.md §4.4's extension-detection query,
// parsing each installed_version into major.minor.patch.
func (e *Engine) detectExtensions(srv *Server) {
	result, err := srv.Conn.Query("SELECT name, installed_version, comment FROM pg_available_extensions WHERE installed_version IS NOT NULL ORDER BY name;")
	if err != nil {
		e.logError(srv, fmt.Errorf("detecting extensions: %w", err))
		return
	}
	exts := make(map[string]ExtensionInfo, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) < 3 || row[0] == nil || row[1] == nil {
			continue
		}
		name := string(row[0])
		v, err := catalog.ParseVersion(string(row[1]))
		if err != nil {
			continue
		}
		comment := ""
		if row[2] != nil {
			comment = string(row[2])
		}
		exts[name] = ExtensionInfo{Name: name, Version: v, Comment: comment}
		if len(exts) >= config.MaxExtensions {
			break
		}
	}
	srv.Extensions = exts
}

func (e *Engine) logError(srv *Server, err error) {
	if e.Logger == nil {
		return
	}
	e.Logger.Error("collector: server error", "server", srv.Config.Name, "err", err)
}
