package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestDefaultHasSaneBaselinePorts(t *testing.T) {
	cfg := Default()
	if cfg.MetricsPort != 9399 || cfg.BridgePort != 9400 || cfg.BridgeJSONPort != 9401 {
		t.Errorf("Default ports = %d/%d/%d", cfg.MetricsPort, cfg.BridgePort, cfg.BridgeJSONPort)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Default with no servers should fail Validate")
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.MetricsPort != Default().MetricsPort {
		t.Errorf("Load(\"\") should return the default config")
	}
}

func TestLoadParsesYAMLAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgexporter.yaml")
	doc := `
servers:
  - name: primary1
    host: db1
    port: 5432
    user: monitor
    database: postgres
metrics_port: 9500
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MetricsPort != 9500 {
		t.Errorf("MetricsPort = %d, want 9500", cfg.MetricsPort)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "primary1" {
		t.Fatalf("Servers = %v", cfg.Servers)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error loading a missing file")
	}
}

func TestValidateRejectsTooManyServers(t *testing.T) {
	cfg := Default()
	for i := 0; i < MaxServers+1; i++ {
		cfg.Servers = append(cfg.Servers, ServerConfig{Name: "s" + strconv.Itoa(i)})
	}
	if err := cfg.Validate(); err != ErrTooManyServers {
		t.Errorf("Validate() = %v, want ErrTooManyServers", err)
	}
}

func TestValidateRejectsDuplicateServerName(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{{Name: "primary1"}, {Name: "primary1"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for duplicate server names")
	}
}

func TestValidateRejectsEmptyServerName(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{{Name: "  "}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a blank server name")
	}
}

func TestServerByNameFindsConfiguredServer(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{{Name: "primary1", Host: "db1"}}
	srv, ok := cfg.ServerByName("primary1")
	if !ok || srv.Host != "db1" {
		t.Fatalf("ServerByName = %v, %v", srv, ok)
	}
	if _, ok := cfg.ServerByName("ghost"); ok {
		t.Error("ServerByName should not find an unconfigured server")
	}
}

func TestUserByKeyFindsConfiguredUser(t *testing.T) {
	cfg := Default()
	cfg.Users = []UserConfig{{Key: "monitor", Username: "monitor", EncryptedPassword: "xyz"}}
	u, ok := cfg.UserByKey("monitor")
	if !ok || u.Username != "monitor" {
		t.Fatalf("UserByKey = %v, %v", u, ok)
	}
	if _, ok := cfg.UserByKey("ghost"); ok {
		t.Error("UserByKey should not find an unconfigured key")
	}
}
