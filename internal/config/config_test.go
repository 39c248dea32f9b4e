package config_test

import (
	"os"
	"testing"

	"taskloom/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Claims.TTLSeconds != config.DefaultClaimTTLSeconds {
		t.Fatalf("ttl default %d", cfg.Claims.TTLSeconds)
	}
	if cfg.Context.ChildDepth != config.DefaultChildDepth {
		t.Fatalf("depth default %d", cfg.Context.ChildDepth)
	}
	if cfg.Backups.Keep != config.DefaultBackupKeep || !cfg.Backups.Daily {
		t.Fatalf("backup defaults %+v", cfg.Backups)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestFromYAMLOverrides(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
project: demo
claims:
  ttl_seconds: 60
backups:
  daily: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project != "demo" {
		t.Fatalf("project %q", cfg.Project)
	}
	if cfg.Claims.TTLSeconds != 60 {
		t.Fatalf("ttl %d", cfg.Claims.TTLSeconds)
	}
	if cfg.Backups.Daily {
		t.Fatal("daily override lost")
	}
	// untouched fields keep their defaults
	if cfg.Context.ChildDepth != config.DefaultChildDepth {
		t.Fatalf("depth %d", cfg.Context.ChildDepth)
	}
	if cfg.Backups.Keep != config.DefaultBackupKeep {
		t.Fatalf("keep %d", cfg.Backups.Keep)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":  "claims: [",
		"zero ttl":  "claims:\n  ttl_seconds: -5\n",
		"zero keep": "backups:\n  keep: 0\n",
		"bad depth": "context:\n  child_depth: -1\n",
	}
	for name, body := range cases {
		if _, err := config.FromYAML([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Claims.TTLSeconds != config.DefaultClaimTTLSeconds {
		t.Fatalf("missing file should yield defaults")
	}
	if err := os.WriteFile(config.Path(dir), []byte("project: loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project != "loaded" {
		t.Fatalf("project %q", cfg.Project)
	}
}
