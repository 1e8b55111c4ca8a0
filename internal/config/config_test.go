package config

import (
	"strings"
	"testing"
)

func clearFabricEnv(t *testing.T) {
	for _, key := range []string{
		"APP_DIR", "APP_ENV", "APP_NAME", "APP_HOST", "APP_INIP", "APP_PORT",
		"APP_SSLS", "APP_LINKS", "APP_NODES",
		"FABRIC_PASSWORD", "FABRIC_SECRET", "FABRIC_BINARY",
		"FABRIC_CYCLE_MS", "FABRIC_TIMEOUT_MS", "FABRIC_REQID_CACHE",
		"FABRIC_FORWARDED_HEADER", "FABRIC_ADMIN_TOKEN",
		"FABRIC_ADMISSION_WINDOW_MS", "FABRIC_ADMISSION_BURST",
		"FABRIC_LOG_LEVEL", "FABRIC_LOG_PATH", "FABRIC_LOG_MAX_SIZE_MB",
		"FABRIC_LOG_MAX_BACKUPS", "FABRIC_LOG_MAX_AGE_DAYS", "FABRIC_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearFabricEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Cycle != DefaultCycle {
		t.Fatalf("expected default cycle %v, got %v", DefaultCycle, cfg.Cycle)
	}
	if cfg.SessionTimeout != DefaultSessionTimeout {
		t.Fatalf("expected default session timeout %v, got %v", DefaultSessionTimeout, cfg.SessionTimeout)
	}
	if cfg.ReqIDCache != DefaultReqIDCache {
		t.Fatalf("expected default reqid cache %d, got %d", DefaultReqIDCache, cfg.ReqIDCache)
	}
	if cfg.ForwardedHeader != "X-Forwarded-For" {
		t.Fatalf("expected default forwarded header, got %q", cfg.ForwardedHeader)
	}
	if cfg.Links != nil || cfg.Nodes != nil {
		t.Fatalf("expected no links or nodes by default, got links=%#v nodes=%#v", cfg.Links, cfg.Nodes)
	}
	if cfg.SSLS.Enabled() {
		t.Fatalf("expected TLS disabled by default, got %#v", cfg.SSLS)
	}
}

func TestLoadNodeIdentity(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("APP_DIR", "/srv/fabric")
	t.Setenv("APP_ENV", "staging")
	t.Setenv("APP_NAME", "fabric-east-1")
	t.Setenv("APP_HOST", "node-1.internal")
	t.Setenv("APP_INIP", "10.0.0.5")
	t.Setenv("APP_PORT", "8443")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Dir != "/srv/fabric" || cfg.Env != "staging" || cfg.Name != "fabric-east-1" {
		t.Fatalf("unexpected node identity: %#v", cfg)
	}
	if cfg.Host != "node-1.internal" || cfg.InIP != "10.0.0.5" || cfg.Port != 8443 {
		t.Fatalf("unexpected host/port: %#v", cfg)
	}
}

func TestLoadSSLSAndNodes(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("APP_SSLS", `{"key":"/etc/fabric/key.pem","cert":"/etc/fabric/cert.pem"}`)
	t.Setenv("APP_LINKS", `["east","west"]`)
	t.Setenv("APP_NODES", `{"east":[{"host":"node-2","inip":"10.0.0.6","port":8443}]}`)
	t.Setenv("FABRIC_SECRET", "s3cr3t")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if !cfg.SSLS.Enabled() {
		t.Fatalf("expected TLS material to be enabled, got %#v", cfg.SSLS)
	}
	if len(cfg.Links) != 2 || cfg.Links[0] != "east" || cfg.Links[1] != "west" {
		t.Fatalf("unexpected links: %#v", cfg.Links)
	}
	peers, ok := cfg.Nodes["east"]
	if !ok || len(peers) != 1 || peers[0].Host != "node-2" || peers[0].Port != 8443 {
		t.Fatalf("unexpected nodes: %#v", cfg.Nodes)
	}
}

func TestLoadRequiresSecretForLinks(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("APP_LINKS", `["east"]`)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when APP_LINKS is set without FABRIC_SECRET")
	}
	if !strings.Contains(err.Error(), "FABRIC_SECRET") {
		t.Fatalf("expected error to mention FABRIC_SECRET, got %q", err.Error())
	}
}

func TestLoadOverridesTunables(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("FABRIC_CYCLE_MS", "10000")
	t.Setenv("FABRIC_TIMEOUT_MS", "30000")
	t.Setenv("FABRIC_REQID_CACHE", "64")
	t.Setenv("FABRIC_BINARY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Cycle.String() != "10s" {
		t.Fatalf("expected cycle 10s, got %v", cfg.Cycle)
	}
	if cfg.SessionTimeout.String() != "30s" {
		t.Fatalf("expected session timeout 30s, got %v", cfg.SessionTimeout)
	}
	if cfg.ReqIDCache != 64 {
		t.Fatalf("expected reqid cache 64, got %d", cfg.ReqIDCache)
	}
	if !cfg.Binary {
		t.Fatalf("expected binary mode enabled")
	}
}

func TestLoadRejectsCycleBelowMinimum(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("FABRIC_CYCLE_MS", "5000")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for cycle below minimum")
	}
	if !strings.Contains(err.Error(), "cycle must be at least") {
		t.Fatalf("unexpected error: %q", err.Error())
	}
}

func TestLoadRejectsTimeoutBelowThreeCycles(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("FABRIC_CYCLE_MS", "20000")
	t.Setenv("FABRIC_TIMEOUT_MS", "30000")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when timeout is less than 3x the cycle")
	}
	if !strings.Contains(err.Error(), "3x the supervisor cycle") {
		t.Fatalf("unexpected error: %q", err.Error())
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("APP_PORT", "-1")
	t.Setenv("FABRIC_CYCLE_MS", "abc")
	t.Setenv("FABRIC_REQID_CACHE", "-5")
	t.Setenv("APP_SSLS", "not-json")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{"APP_PORT", "FABRIC_CYCLE_MS", "FABRIC_REQID_CACHE", "APP_SSLS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadMalformedAppNodes(t *testing.T) {
	clearFabricEnv(t)
	t.Setenv("APP_NODES", "[not valid]")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for malformed APP_NODES")
	}
	if !strings.Contains(err.Error(), "APP_NODES") {
		t.Fatalf("unexpected error: %q", err.Error())
	}
}

func TestLoadDefaultLoggingAndAdmission(t *testing.T) {
	clearFabricEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("unexpected logging defaults: %#v", cfg.Logging)
	}
	if cfg.AdmissionWindow != DefaultAdmissionWindow || cfg.AdmissionBurst != DefaultAdmissionBurst {
		t.Fatalf("unexpected admission defaults: window=%v burst=%d", cfg.AdmissionWindow, cfg.AdmissionBurst)
	}
}
