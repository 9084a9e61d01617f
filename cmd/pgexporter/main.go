// Command pgexporter is the collection daemon: it reconciles connections to
// every configured PostgreSQL server, serves a Prometheus exposition on the
// metrics port, bridges remote exporters on the bridge ports, and answers
// management commands over a Unix domain socket, per spec.md §4.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	promlogflag "github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	"github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/prometheus-community/pgexporter/internal/alerts"
	"github.com/prometheus-community/pgexporter/internal/bridge"
	"github.com/prometheus-community/pgexporter/internal/cache"
	"github.com/prometheus-community/pgexporter/internal/catalog"
	"github.com/prometheus-community/pgexporter/internal/collector"
	"github.com/prometheus-community/pgexporter/internal/config"
	"github.com/prometheus-community/pgexporter/internal/httpserver"
	"github.com/prometheus-community/pgexporter/internal/mgmt"
	"github.com/prometheus-community/pgexporter/internal/security"
)

// slogLogAdapter satisfies exporter-toolkit/web's go-kit log.Logger
// parameter by forwarding its alternating key/value pairs to slog; this
// module logs through slog everywhere else, so the adapter exists purely
// to bridge toolkit's API, not to reintroduce go-kit logging.
type slogLogAdapter struct{ l *slog.Logger }

func (a slogLogAdapter) Log(keyvals ...interface{}) error {
	a.l.Info("web", keyvals...)
	return nil
}

var (
	configFile  = kingpin.Flag("config.file", "Path to the daemon's YAML configuration.").Default("/etc/pgexporter/pgexporter.yaml").String()
	catalogFile = kingpin.Flag("config.catalog", "Path to the metrics catalog YAML.").Default("/etc/pgexporter/metrics.yaml").String()
	alertsFile  = kingpin.Flag("config.alerts", "Path to an optional alert-threshold YAML overlay.").Default("").String()

	// promlogConfig is registered via promlogflag.AddFlags below, the same
	// way pgbouncer_exporter.go wires --log.level/--log.format; newLogger
	// reads the parsed level/format back out of it to build this module's
	// slog handler.
	promlogConfig = &promlog.Config{}

	// toolkitFlags binds --web.listen-address/--web.config.file for the
	// primary metrics port, the way pgbouncer_exporter.go does via
	// kingpinflag.AddFlags; the bridge ports reuse exporter-toolkit's
	// web.FlagConfig directly (built from the daemon config) since a
	// second CLI-flag-bound listen address per port isn't meaningful here.
	toolkitFlags = kingpinflag.AddFlags(kingpin.CommandLine, ":9399")
)

func init() {
	promlogflag.AddFlags(kingpin.CommandLine, promlogConfig)
}

// credentialsAdapter implements collector.Credentials by resolving a
// configured user's key against the decrypted users file, generalizing
// credentials.go's Credentials.UpdateDSN username/password split.
type credentialsAdapter struct {
	cfg       *config.Config
	masterKey []byte
	records   map[string]security.Record
}

func newCredentialsAdapter(cfg *config.Config, masterKey []byte, usersPath string) (*credentialsAdapter, error) {
	recs, err := security.ReadRecords(usersPath)
	if err != nil {
		return nil, err
	}
	byUsername := make(map[string]security.Record, len(recs))
	for _, r := range recs {
		byUsername[r.Username] = r
	}
	return &credentialsAdapter{cfg: cfg, masterKey: masterKey, records: byUsername}, nil
}

func (c *credentialsAdapter) ResolvePassword(userKey string) (string, string, error) {
	uc, ok := c.cfg.UserByKey(userKey)
	if !ok {
		return "", "", fmt.Errorf("main: no user configured for key %q", userKey)
	}
	rec, ok := c.records[uc.Username]
	if !ok {
		return "", "", fmt.Errorf("main: no credential record for user %q", uc.Username)
	}
	password, err := security.ResolvePassword(c.masterKey, rec)
	if err != nil {
		return "", "", fmt.Errorf("main: decrypting password for %q: %w", uc.Username, err)
	}
	return uc.Username, password, nil
}

func main() {
	kingpin.Version(version.Print("pgexporter"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := newLogger(promlogConfig)
	logger.Info("starting pgexporter", "version", version.Info())

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("loading configuration", "err", err)
		os.Exit(1)
	}

	cat, err := loadCatalog(*catalogFile)
	if err != nil {
		logger.Error("loading metrics catalog", "err", err)
		os.Exit(1)
	}

	masterKey, err := security.LoadMasterKey(cfg.MasterKeyFilePath)
	if err != nil {
		logger.Error("loading master key", "err", err)
		os.Exit(1)
	}

	creds, err := newCredentialsAdapter(cfg, masterKey, cfg.UsersFilePath)
	if err != nil {
		logger.Error("loading users file", "err", err)
		os.Exit(1)
	}

	engine := collector.NewEngine(cfg, cat, creds, logger)
	engine.Reconcile()

	alertSet := loadAlerts(*alertsFile, logger)

	endpoints := make([]bridge.Endpoint, len(cfg.BridgeEndpoints))
	for i, ep := range cfg.BridgeEndpoints {
		endpoints[i] = bridge.Endpoint{Name: ep.Name, URL: ep.URL}
	}
	fetcher := bridge.NewFetcher(endpoints, logger)

	srv := &httpserver.Server{
		Engine:             engine,
		Fetcher:            fetcher,
		Logger:             logger,
		Alerts:             alertSet,
		MetricsCache:       cache.NewRegion(cfg.CacheCapacityBytes),
		BridgeTextCache:    cache.NewRegion(cfg.CacheCapacityBytes),
		BridgeJSONCache:    cache.NewRegion(cfg.CacheCapacityBytes),
		MetricsCacheMaxAge: cfg.MetricsCacheMaxAge,
		BridgeCacheMaxAge:  cfg.BridgeCacheMaxAge,
		CacheLockTimeout:   cfg.CacheBlockingTimeout,
	}

	adminRecords, err := security.ReadRecords(cfg.AdminsFilePath)
	if err != nil {
		logger.Error("loading admins file", "err", err)
		os.Exit(1)
	}
	adminsByName := make(map[string]security.Record, len(adminRecords))
	for _, r := range adminRecords {
		adminsByName[r.Username] = r
	}

	dispatcher := mgmt.NewDispatcher(cfg)
	dispatcher.ConfigPath = *configFile
	dispatcher.Engine = engine
	dispatcher.Alerts = alertSet
	dispatcher.AlertsFilePath = *alertsFile
	dispatcher.MasterKey = masterKey
	dispatcher.UsersFilePath = cfg.UsersFilePath
	dispatcher.AdminsFilePath = cfg.AdminsFilePath
	dispatcher.MasterKeyFilePath = cfg.MasterKeyFilePath
	dispatcher.ReloadFunc = func(path string) (*config.Config, error) { return config.Load(path) }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dispatcher.ShutdownFunc = stop

	listener := &mgmt.Listener{
		Dispatcher:  dispatcher,
		Logger:      logger,
		SocketDir:   cfg.ManagementSocketDir,
		TCPPort:     cfg.ManagementTCPPort,
		AuthTimeout: cfg.AuthenticationTimeout,
		Admins: func(username string) (string, bool) {
			rec, ok := adminsByName[username]
			if !ok {
				return "", false
			}
			password, err := security.ResolvePassword(masterKey, rec)
			if err != nil {
				return "", false
			}
			return password, true
		},
	}
	if err := listener.Start(); err != nil {
		logger.Error("starting management listener", "err", err)
		os.Exit(1)
	}
	defer listener.Close()

	prometheus.MustRegister(versioncollector.NewCollector("pgexporter"))
	selfMux := http.NewServeMux()
	selfMux.Handle("/self-metrics", promhttp.Handler())
	selfMux.Handle("/", srv.MetricsHandler())

	metricsSrv := &http.Server{Handler: selfMux}
	bridgeTextSrv := &http.Server{Handler: srv.BridgeTextHandler()}
	bridgeJSONSrv := &http.Server{Handler: srv.BridgeJSONHandler()}

	bridgeTextAddr := fmt.Sprintf(":%d", cfg.BridgePort)
	bridgeJSONAddr := fmt.Sprintf(":%d", cfg.BridgeJSONPort)
	bridgeTextFlags := &web.FlagConfig{WebListenAddresses: &[]string{bridgeTextAddr}}
	bridgeJSONFlags := &web.FlagConfig{WebListenAddresses: &[]string{bridgeJSONAddr}}

	webLogger := slogLogAdapter{logger}

	go serveToolkit(metricsSrv, toolkitFlags, webLogger, logger)
	go serveToolkit(bridgeTextSrv, bridgeTextFlags, webLogger, logger)
	go serveToolkit(bridgeJSONSrv, bridgeJSONFlags, webLogger, logger)
	logger.Info("listening", "metrics", (*toolkitFlags.WebListenAddresses)[0], "bridge", bridgeTextAddr, "bridge_json", bridgeJSONAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range []*http.Server{metricsSrv, bridgeTextSrv, bridgeJSONSrv} {
		_ = s.Shutdown(shutdownCtx)
	}
	for _, s := range engine.Servers {
		s.Close()
	}
}

func serveToolkit(srv *http.Server, flags *web.FlagConfig, webLogger slogLogAdapter, logger *slog.Logger) {
	if err := web.ListenAndServe(srv, flags, webLogger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited", "err", err)
	}
}

// newLogger builds this module's slog handler from the --log.level/
// --log.format flags promlogflag.AddFlags registered on cfg. promlog's
// AllowedLevel/AllowedFormat carry no slog equivalents of their own, so
// their parsed String() value is translated into the nearest slog.Level
// and handler, the one unavoidable seam in feeding promlog's flags into
// an slog-based logger.
func newLogger(cfg *promlog.Config) *slog.Logger {
	var l slog.Level
	switch cfg.Level.String() {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: l}
	if cfg.Format.String() == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return catalog.LoadYAML(data)
}

func loadAlerts(path string, logger *slog.Logger) *alerts.Set {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("alerts file not loaded", "path", path, "err", err)
		return nil
	}
	set := alerts.NewSet()
	if err := set.LoadYAML(data); err != nil {
		logger.Warn("alerts file invalid", "path", path, "err", err)
		return nil
	}
	return set
}
