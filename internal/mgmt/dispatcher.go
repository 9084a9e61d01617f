package mgmt

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus-community/pgexporter/internal/alerts"
	"github.com/prometheus-community/pgexporter/internal/collector"
	"github.com/prometheus-community/pgexporter/internal/config"
	"github.com/prometheus-community/pgexporter/internal/security"
)

// Dispatcher implements spec.md §4.8's command dispatch: validate the
// command code, execute the action (mutating shared configuration under
// the config lock where needed), and build the response envelope.
type Dispatcher struct {
	ConfigPath string
	cfg        atomic.Pointer[config.Config]
	cfgLock    sync.Mutex

	Engine *collector.Engine

	// Alerts and AlertsFilePath let handleReload re-apply the alert
	// overlay live: the httpserver.Server the daemon runs shares this
	// same *alerts.Set pointer, so a field-level Merge here is visible
	// to the next scrape without the dispatcher needing to hand back a
	// new pointer the way a config reload does.
	Alerts         *alerts.Set
	AlertsFilePath string

	MasterKey         []byte
	UsersFilePath     string
	AdminsFilePath    string
	MasterKeyFilePath string

	ShutdownFunc func()
	ReloadFunc   func(path string) (*config.Config, error)

	StartTime   time.Time
	QueryCount  atomic.Int64
	ResetCount  atomic.Int64
}

// NewDispatcher builds a dispatcher seeded with the active config.
func NewDispatcher(cfg *config.Config) *Dispatcher {
	d := &Dispatcher{StartTime: time.Now()}
	d.cfg.Store(cfg)
	return d
}

// Config returns the currently active configuration, per spec.md §5's
// copy-on-write reload discipline ("workers sample it once at scrape
// start").
func (d *Dispatcher) Config() *config.Config {
	return d.cfg.Load()
}

// Dispatch routes one parsed request envelope to its handler, per
// spec.md §4.8's state machine (parse -> dispatching -> executing ->
// write ok/error -> close).
func (d *Dispatcher) Dispatch(req Envelope) Envelope {
	switch req.Header.Command {
	case CommandPing:
		return d.handlePing(req)
	case CommandStatus:
		return d.handleStatus(req)
	case CommandStatusDetails:
		return d.handleStatusDetails(req)
	case CommandShutdown:
		return d.handleShutdown(req)
	case CommandReset:
		return d.handleReset(req)
	case CommandReload:
		return d.handleReload(req)
	case CommandConfLs:
		return d.handleConfLs(req)
	case CommandConfGet:
		return d.handleConfGet(req)
	case CommandConfSet:
		return d.handleConfSet(req)
	case CommandMasterKey:
		return d.handleMasterKey(req)
	case CommandAddUser, CommandUpdateUser:
		return d.handleAddOrUpdateUser(req)
	case CommandRemoveUser:
		return d.handleRemoveUser(req)
	case CommandListUsers:
		return d.handleListUsers(req)
	case CommandTransferConnection:
		// Internal-only (ancillary-fd connection handoff between worker
		// processes); not reachable from a normal client dispatch.
		return Failure(req, ErrUnknownCommand)
	default:
		return Failure(req, ErrUnknownCommand)
	}
}

func (d *Dispatcher) handlePing(req Envelope) Envelope {
	resp, _ := Success(req, map[string]string{"message": "pong"})
	return resp
}

type statusResponse struct {
	Uptime  string `json:"uptime"`
	Servers int    `json:"servers"`
}

func (d *Dispatcher) handleStatus(req Envelope) Envelope {
	resp, err := Success(req, statusResponse{
		Uptime:  time.Since(d.StartTime).Truncate(time.Second).String(),
		Servers: len(d.Config().Servers),
	})
	if err != nil {
		return Failure(req, ErrStatusFailed)
	}
	return resp
}

type serverDetail struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Primary   bool   `json:"primary"`
	Version   int    `json:"major_version"`
}

func (d *Dispatcher) handleStatusDetails(req Envelope) Envelope {
	details := make([]serverDetail, 0, len(d.Engine.Servers))
	for _, srv := range d.Engine.Servers {
		details = append(details, serverDetail{
			Name:      srv.Config.Name,
			Connected: srv.State == collector.StateConnected,
			Primary:   srv.IsPrimary,
			Version:   srv.Major,
		})
	}
	resp, err := Success(req, details)
	if err != nil {
		return Failure(req, ErrStatusDetailsFailed)
	}
	return resp
}

func (d *Dispatcher) handleShutdown(req Envelope) Envelope {
	resp, _ := Success(req, nil)
	if d.ShutdownFunc != nil {
		go d.ShutdownFunc()
	}
	return resp
}

func (d *Dispatcher) handleReset(req Envelope) Envelope {
	d.ResetCount.Add(1)
	d.QueryCount.Store(0)
	resp, _ := Success(req, nil)
	return resp
}

func (d *Dispatcher) handleReload(req Envelope) Envelope {
	if d.ReloadFunc == nil {
		return Failure(req, ErrConfSetGeneric)
	}
	d.cfgLock.Lock()
	defer d.cfgLock.Unlock()

	newCfg, err := d.ReloadFunc(d.ConfigPath)
	if err != nil {
		return Failure(req, ErrConfSetGeneric)
	}
	d.cfg.Store(newCfg)

	if d.Alerts != nil && d.AlertsFilePath != "" {
		if data, err := os.ReadFile(d.AlertsFilePath); err == nil {
			_ = d.Alerts.Merge(data)
		}
	}

	resp, _ := Success(req, nil)
	return resp
}

func (d *Dispatcher) handleConfLs(req Envelope) Envelope {
	resp, _ := Success(req, map[string][]string{"files": {d.ConfigPath}})
	return resp
}

type confGetRequest struct {
	Key string `json:"key"`
}

// handleConfGet implements spec.md §4.8's dotted-key lookup: "A.B.C" is
// section.context.key, with "pgexporter" as section mapping to the
// top-level daemon config.
func (d *Dispatcher) handleConfGet(req Envelope) Envelope {
	var in confGetRequest
	if len(req.Request) > 0 {
		if err := json.Unmarshal(req.Request, &in); err != nil {
			return Failure(req, ErrConfGetFailed)
		}
	}
	if in.Key == "" {
		return Failure(req, ErrConfGetNoKey)
	}

	section, context, key := splitDottedKey(in.Key)

	cfg := d.Config()
	value, ok := lookupConfigValue(cfg, section, context, key)
	if !ok {
		return Failure(req, ErrConfGetUnknownKey)
	}
	resp, _ := Success(req, map[string]string{"key": in.Key, "value": value})
	return resp
}

// splitDottedKey splits "A.B.C"/"A.B"/"A" into section/context/key,
// per spec.md §4.8.
func splitDottedKey(dotted string) (section, context, key string) {
	parts := strings.SplitN(dotted, ".", 3)
	switch len(parts) {
	case 1:
		return "pgexporter", "", parts[0]
	case 2:
		return parts[0], "", parts[1]
	default:
		return parts[0], parts[1], parts[2]
	}
}

func lookupConfigValue(cfg *config.Config, section, context, key string) (string, bool) {
	if section != "" && section != "pgexporter" {
		// section names a server; context is unused for servers (one level).
		if srv, ok := cfg.ServerByName(section); ok {
			switch key {
			case "host":
				return srv.Host, true
			case "port":
				return fmt.Sprintf("%d", srv.Port), true
			case "database":
				return srv.Database, true
			case "tls_mode":
				return srv.TLSMode, true
			}
		}
		return "", false
	}
	switch key {
	case "metrics_port":
		return fmt.Sprintf("%d", cfg.MetricsPort), true
	case "bridge_port":
		return fmt.Sprintf("%d", cfg.BridgePort), true
	case "bridge_json_port":
		return fmt.Sprintf("%d", cfg.BridgeJSONPort), true
	case "metrics_cache_max_age":
		return cfg.MetricsCacheMaxAge.String(), true
	case "bridge_cache_max_age":
		return cfg.BridgeCacheMaxAge.String(), true
	case "management_socket_dir":
		return cfg.ManagementSocketDir, true
	}
	_ = context
	return "", false
}

type confSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleConfSet implements the subset of spec.md §4.8's conf-set that
// applies cleanly to a copy-on-write config swap: only a configured
// server's tls_mode is mutable at runtime; any other key, and any key in
// the pgexporter section, fails with ErrConfSetUnknownKey.
func (d *Dispatcher) handleConfSet(req Envelope) Envelope {
	if len(req.Request) == 0 {
		return Failure(req, ErrConfSetNoRequest)
	}
	var in confSetRequest
	if err := json.Unmarshal(req.Request, &in); err != nil {
		return Failure(req, ErrConfSetNoRequest)
	}
	if in.Key == "" {
		return Failure(req, ErrConfSetMissingKey)
	}
	if in.Value == "" {
		return Failure(req, ErrConfSetMissingValue)
	}

	section, _, key := splitDottedKey(in.Key)
	if section == "" || section == "pgexporter" {
		return Failure(req, ErrConfSetUnknownKey)
	}

	d.cfgLock.Lock()
	defer d.cfgLock.Unlock()

	cfg := d.Config()
	clone := *cfg
	clone.Servers = append([]config.ServerConfig(nil), cfg.Servers...)

	srv, ok := clone.ServerByName(section)
	if !ok {
		return Failure(req, ErrConfSetUnknownServer)
	}
	switch key {
	case "tls_mode":
		srv.TLSMode = in.Value
	default:
		return Failure(req, ErrConfSetUnknownKey)
	}

	d.cfg.Store(&clone)
	resp, _ := Success(req, nil)
	return resp
}

func (d *Dispatcher) handleMasterKey(req Envelope) Envelope {
	encoded, err := security.GenerateMasterKey()
	if err != nil {
		return Failure(req, ErrAllocationFailed)
	}
	if err := security.WriteMasterKey(d.MasterKeyFilePath, encoded); err != nil {
		return Failure(req, ErrAllocationFailed)
	}
	resp, _ := Success(req, nil)
	return resp
}

type userRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (d *Dispatcher) handleAddOrUpdateUser(req Envelope) Envelope {
	var in userRequest
	if err := json.Unmarshal(req.Request, &in); err != nil {
		return Failure(req, ErrBadPayload)
	}
	if err := security.AddUser(d.UsersFilePath, d.MasterKey, in.Username, in.Password); err != nil {
		return Failure(req, ErrAllocationFailed)
	}
	resp, _ := Success(req, nil)
	return resp
}

func (d *Dispatcher) handleRemoveUser(req Envelope) Envelope {
	var in userRequest
	if err := json.Unmarshal(req.Request, &in); err != nil {
		return Failure(req, ErrBadPayload)
	}
	if err := security.RemoveUser(d.UsersFilePath, in.Username); err != nil {
		return Failure(req, ErrAllocationFailed)
	}
	resp, _ := Success(req, nil)
	return resp
}

func (d *Dispatcher) handleListUsers(req Envelope) Envelope {
	records, err := security.ReadRecords(d.UsersFilePath)
	if err != nil {
		return Failure(req, ErrAllocationFailed)
	}
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Username
	}
	resp, _ := Success(req, map[string][]string{"users": names})
	return resp
}
