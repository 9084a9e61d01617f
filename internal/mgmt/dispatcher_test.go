package mgmt

import (
	"encoding/json"
	"testing"

	"github.com/prometheus-community/pgexporter/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MetricsPort = 9399
	cfg.Servers = []config.ServerConfig{
		{Name: "primary1", Host: "db1", Port: 5432, TLSMode: "disable"},
	}
	return cfg
}

func TestDispatchPing(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(CommandPing, OutputText, nil)
	resp := d.Dispatch(req)
	if !resp.Outcome.Status {
		t.Fatalf("ping should succeed, got %+v", resp.Outcome)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(9999, OutputText, nil)
	resp := d.Dispatch(req)
	if resp.Outcome.Status {
		t.Fatal("unknown command should fail")
	}
	if resp.Outcome.Error == nil || *resp.Outcome.Error != ErrUnknownCommand {
		t.Errorf("Error = %v, want %d", resp.Outcome.Error, ErrUnknownCommand)
	}
}

func TestConfGetTopLevelKey(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(CommandConfGet, OutputText, confGetRequest{Key: "metrics_port"})
	resp := d.Dispatch(req)
	if !resp.Outcome.Status {
		t.Fatalf("conf-get should succeed, got %+v", resp.Outcome)
	}
	var out map[string]string
	if err := json.Unmarshal(resp.Response, &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out["value"] != "9399" {
		t.Errorf("value = %q, want 9399", out["value"])
	}
}

func TestConfGetServerScopedKey(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(CommandConfGet, OutputText, confGetRequest{Key: "primary1.host"})
	resp := d.Dispatch(req)
	if !resp.Outcome.Status {
		t.Fatalf("conf-get should succeed for a server-scoped key, got %+v", resp.Outcome)
	}
	var out map[string]string
	json.Unmarshal(resp.Response, &out)
	if out["value"] != "db1" {
		t.Errorf("value = %q, want db1", out["value"])
	}
}

func TestConfGetUnknownKeyFails(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(CommandConfGet, OutputText, confGetRequest{Key: "does_not_exist"})
	resp := d.Dispatch(req)
	if resp.Outcome.Status {
		t.Fatal("expected failure for an unknown key")
	}
	if *resp.Outcome.Error != ErrConfGetUnknownKey {
		t.Errorf("Error = %d, want %d", *resp.Outcome.Error, ErrConfGetUnknownKey)
	}
}

func TestConfGetNoKeyFails(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(CommandConfGet, OutputText, confGetRequest{})
	resp := d.Dispatch(req)
	if resp.Outcome.Status || *resp.Outcome.Error != ErrConfGetNoKey {
		t.Errorf("expected ErrConfGetNoKey, got %+v", resp.Outcome)
	}
}

func TestConfSetMutatesServerAndConfGetObservesIt(t *testing.T) {
	d := NewDispatcher(testConfig())
	setReq, _ := NewRequest(CommandConfSet, OutputText, confSetRequest{Key: "primary1.tls_mode", Value: "require"})
	resp := d.Dispatch(setReq)
	if !resp.Outcome.Status {
		t.Fatalf("conf-set should succeed, got %+v", resp.Outcome)
	}

	getReq, _ := NewRequest(CommandConfGet, OutputText, confGetRequest{Key: "primary1.tls_mode"})
	getResp := d.Dispatch(getReq)
	var out map[string]string
	json.Unmarshal(getResp.Response, &out)
	if out["value"] != "require" {
		t.Errorf("value after conf-set = %q, want require", out["value"])
	}
}

func TestConfSetUnknownServerFails(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(CommandConfSet, OutputText, confSetRequest{Key: "ghost.tls_mode", Value: "require"})
	resp := d.Dispatch(req)
	if resp.Outcome.Status || *resp.Outcome.Error != ErrConfSetUnknownServer {
		t.Errorf("expected ErrConfSetUnknownServer, got %+v", resp.Outcome)
	}
}

func TestConfSetMissingValueFails(t *testing.T) {
	d := NewDispatcher(testConfig())
	req, _ := NewRequest(CommandConfSet, OutputText, confSetRequest{Key: "primary1.tls_mode"})
	resp := d.Dispatch(req)
	if resp.Outcome.Status || *resp.Outcome.Error != ErrConfSetMissingValue {
		t.Errorf("expected ErrConfSetMissingValue, got %+v", resp.Outcome)
	}
}

func TestHandleResetClearsQueryCount(t *testing.T) {
	d := NewDispatcher(testConfig())
	d.QueryCount.Store(42)
	req, _ := NewRequest(CommandReset, OutputText, nil)
	resp := d.Dispatch(req)
	if !resp.Outcome.Status {
		t.Fatal("reset should succeed")
	}
	if d.QueryCount.Load() != 0 {
		t.Errorf("QueryCount after reset = %d, want 0", d.QueryCount.Load())
	}
	if d.ResetCount.Load() != 1 {
		t.Errorf("ResetCount = %d, want 1", d.ResetCount.Load())
	}
}

func TestHandleReloadSwapsConfig(t *testing.T) {
	d := NewDispatcher(testConfig())
	reloaded := testConfig()
	reloaded.MetricsPort = 9500
	d.ReloadFunc = func(path string) (*config.Config, error) { return reloaded, nil }

	req, _ := NewRequest(CommandReload, OutputText, nil)
	resp := d.Dispatch(req)
	if !resp.Outcome.Status {
		t.Fatalf("reload should succeed, got %+v", resp.Outcome)
	}
	if d.Config().MetricsPort != 9500 {
		t.Errorf("MetricsPort after reload = %d, want 9500", d.Config().MetricsPort)
	}
}

func TestSplitDottedKey(t *testing.T) {
	cases := []struct {
		in                       string
		section, context, key string
	}{
		{"metrics_port", "pgexporter", "", "metrics_port"},
		{"primary1.host", "primary1", "", "host"},
		{"primary1.db1.port", "primary1", "db1", "port"},
	}
	for _, c := range cases {
		section, context, key := splitDottedKey(c.in)
		if section != c.section || context != c.context || key != c.key {
			t.Errorf("splitDottedKey(%q) = (%q,%q,%q), want (%q,%q,%q)",
				c.in, section, context, key, c.section, c.context, c.key)
		}
	}
}
