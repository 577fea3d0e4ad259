package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/org/admingate/internal/policy"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, found, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Error("expected found=false")
	}
	if cfg.ListenAddr != ":8080" || cfg.RateLimit.Burst != 200 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	name := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`listen_addr: ":9000"
upstream_url: http://admin.internal:3000
propagate_identity: true
routes:
  - pattern: /api/v1/reports
    methods:
      GET: reports:view
`)
	if err := os.WriteFile(name, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://gate@localhost/gate")
	t.Setenv("ADMINGATE_BOOTSTRAP_SCOPES", "tokens:view, tokens:manage")

	cfg, found, err := Load(name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found || cfg.ListenAddr != ":9000" || !cfg.PropagateIdentity {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.DBUrl != "postgres://gate@localhost/gate" {
		t.Errorf("env override not applied: %q", cfg.DBUrl)
	}
	if len(cfg.Bootstrap.Scopes) != 2 || cfg.Bootstrap.Scopes[1] != "tokens:manage" {
		t.Errorf("unexpected bootstrap scopes: %v", cfg.Bootstrap.Scopes)
	}

	table, err := cfg.RouteTable()
	if err != nil {
		t.Fatalf("RouteTable: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected inline routes to replace the catalog, got %d rules", table.Len())
	}
	if res := table.Resolve("/api/v1/reports", http.MethodGet); res.Outcome != policy.Required {
		t.Errorf("expected reports rule, got %v", res.Outcome)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("ADMINGATE_PROPAGATE_IDENTITY", "maybe")
	if _, _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for invalid boolean")
	}
}

func TestDefaultRouteTable(t *testing.T) {
	table, err := Default().RouteTable()
	if err != nil {
		t.Fatalf("RouteTable: %v", err)
	}
	if table.Len() != len(policy.DefaultRules()) {
		t.Errorf("expected built-in catalog")
	}
}
