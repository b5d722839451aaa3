package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wssocks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
ws_host: 0.0.0.0
ws_port: 9000
socks_host: 127.0.0.1
port_range: 2000-3000
wait_client: false
grace_seconds: 12.5
log_level: debug
metrics_addr: ":9090"
reverse_tokens:
  - token: alpha
    port: 2080
    username: alice
    password: secret
  - token: beta
forward_tokens:
  - gamma
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil for an existing file")
	}
	if cfg.WSPort != 9000 || cfg.WSHost != "0.0.0.0" {
		t.Errorf("ws = %s:%d, want 0.0.0.0:9000", cfg.WSHost, cfg.WSPort)
	}
	if cfg.PortRange != "2000-3000" {
		t.Errorf("PortRange = %q", cfg.PortRange)
	}
	if cfg.WaitClient == nil || *cfg.WaitClient {
		t.Error("WaitClient not parsed as explicit false")
	}
	if cfg.GraceSeconds != 12.5 {
		t.Errorf("GraceSeconds = %v, want 12.5", cfg.GraceSeconds)
	}
	if len(cfg.ReverseTokens) != 2 {
		t.Fatalf("ReverseTokens = %d entries, want 2", len(cfg.ReverseTokens))
	}
	rt := cfg.ReverseTokens[0]
	if rt.Token != "alpha" || rt.Port != 2080 || rt.Username != "alice" || rt.Password != "secret" {
		t.Errorf("ReverseTokens[0] = %+v", rt)
	}
	if cfg.ReverseTokens[1].Port != 0 {
		t.Errorf("ReverseTokens[1].Port = %d, want 0", cfg.ReverseTokens[1].Port)
	}
	if len(cfg.ForwardTokens) != 1 || cfg.ForwardTokens[0] != "gamma" {
		t.Errorf("ForwardTokens = %v", cfg.ForwardTokens)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != nil {
		t.Error("Load returned non-nil for a missing file")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "ws_port: [not a port\n")
	if _, err := Load(path); err == nil {
		t.Error("Load succeeded on malformed YAML")
	}
}

func TestPortPool(t *testing.T) {
	// Explicit port list takes precedence over the range.
	cfg := &Config{Ports: []int{2001}, PortRange: "3000-4000"}
	pool, err := cfg.PortPool()
	if err != nil {
		t.Fatalf("PortPool: %v", err)
	}
	if _, ok := pool.Get(2001); !ok {
		t.Error("explicit port 2001 not in pool")
	}
	if _, ok := pool.Get(3000); ok {
		t.Error("range port 3000 in pool despite explicit list")
	}

	// Range fallback.
	cfg = &Config{PortRange: "3000-3002"}
	pool, err = cfg.PortPool()
	if err != nil {
		t.Fatalf("PortPool: %v", err)
	}
	if _, ok := pool.Get(3000); !ok {
		t.Error("range port 3000 not in pool")
	}

	// Default range.
	var nilCfg *Config
	pool, err = nilCfg.PortPool()
	if err != nil {
		t.Fatalf("PortPool on nil config: %v", err)
	}
	if _, ok := pool.Get(1024); !ok {
		t.Error("default pool missing port 1024")
	}
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		spec    string
		lo, hi  int
		wantErr bool
	}{
		{spec: "1024-10240", lo: 1024, hi: 10240},
		{spec: " 2000 - 3000 ", lo: 2000, hi: 3000},
		{spec: "1024", wantErr: true},
		{spec: "abc-def", wantErr: true},
		{spec: "3000-2000", wantErr: true},
		{spec: "0-100", wantErr: true},
		{spec: "1024-99999", wantErr: true},
	}
	for _, tt := range tests {
		lo, hi, err := ParsePortRange(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePortRange(%q) succeeded, want error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePortRange(%q): %v", tt.spec, err)
			continue
		}
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("ParsePortRange(%q) = %d, %d; want %d, %d", tt.spec, lo, hi, tt.lo, tt.hi)
		}
	}
}
