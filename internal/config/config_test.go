package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"storyline/internal/parse"
	"storyline/internal/session"
	"storyline/internal/tracker"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tracker.Endpoint != tracker.DefaultEndpoint {
		t.Fatalf("unexpected endpoint %s", cfg.Tracker.Endpoint)
	}
	if d, _ := cfg.Timeout(); d != 0 {
		t.Fatalf("expected no timeout by default, got %s", d)
	}
	if p, _ := cfg.Policy(); p != parse.FailSoft {
		t.Fatalf("expected fail-soft, got %s", p)
	}
	if cfg.SessionKey() != session.DefaultKey || cfg.Session.Store != StoreSQLite {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
}

func TestFromYAMLMergesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("tracker:\n  timeout: 15s\nparsing:\n  malformed: strict\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if d, _ := cfg.Timeout(); d != 15*time.Second {
		t.Fatalf("expected 15s, got %s", d)
	}
	if p, _ := cfg.Policy(); p != parse.Strict {
		t.Fatalf("expected strict, got %s", p)
	}
	if cfg.Tracker.Endpoint != tracker.DefaultEndpoint || cfg.Server.BasePath != "/v0" {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"relative endpoint": "tracker:\n  endpoint: services/v3\n",
		"ftp endpoint":      "tracker:\n  endpoint: ftp://example.com/\n",
		"bad timeout":       "tracker:\n  timeout: soon\n",
		"negative timeout":  "tracker:\n  timeout: -1s\n",
		"bad policy":        "parsing:\n  malformed: lenient\n",
		"bad store":         "session:\n  store: redis\n",
		"bad base path":     "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("tracker: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "sl config init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}

	doc := "tracker:\n  endpoint: http://127.0.0.1:9000/services/v3/\nsession:\n  store: memory\n"
	if err := os.WriteFile(Path(dir), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracker.Endpoint != "http://127.0.0.1:9000/services/v3/" || cfg.Session.Store != StoreMemory {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if _, err := FromFile(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestPath(t *testing.T) {
	if Path("") != "storyline.yml" {
		t.Fatalf("unexpected default path %s", Path(""))
	}
	if Path("/ws") != filepath.Join("/ws", "storyline.yml") {
		t.Fatalf("unexpected path %s", Path("/ws"))
	}
}
