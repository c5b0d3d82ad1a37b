package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/497672776/zenow/pkg/types"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nmodels_dir: /tmp/m\ngeneration_port: 9051\nllama_extra_args: [--flash-attn]\nautostart: false\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp/m" || cfg.GenerationPort != 9051 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.LlamaExtraArg) != 1 || cfg.LlamaExtraArg[0] != "--flash-attn" {
		t.Fatalf("extra args: %v", cfg.LlamaExtraArg)
	}
	if cfg.AutoStartEnabled() {
		t.Fatalf("autostart should be disabled")
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","data_dir":"/d","embedding_port":7052,"cors_origins":["http://localhost:5173"]}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.DataDir != "/d" || cfg.EmbeddingPort != 7052 || cfg.CORSOrigins[0] != "http://localhost:5173" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nllama_bin=\"/opt/llama/llama-server\"\nreranking_port=8153\nstartup_timeout_sec=5\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.LlamaBin != "/opt/llama/llama-server" || cfg.RerankingPort != 8153 || cfg.StartupTimeoutSec != 5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	cases := []struct {
		name, content string
	}{
		{"cfg.txt", "not supported"},
		{"bad.yaml", "data_dir: [unclosed\n"},
		{"bad.json", `{"data_dir": "/d", "generation_port": }`},
		{"bad.toml", "data_dir=\"/d\"\ngeneration_port\n"},
		{"wrongtype.yaml", "generation_port: eighty\n"},
		{"wrongtype.json", `{"autostart": "yes"}`},
	}
	for _, tc := range cases {
		p := writeTempFile(t, d, tc.name, tc.content)
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg, err := ApplyDefaults(Config{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8050" {
		t.Fatalf("addr: %q", cfg.Addr)
	}
	if cfg.Port(types.ModeGeneration) != 8051 || cfg.Port(types.ModeEmbedding) != 8052 || cfg.Port(types.ModeReranking) != 8053 {
		t.Fatalf("ports: %+v", cfg)
	}
	if cfg.DataDir != filepath.Join(home, ".cache/zenow") {
		t.Fatalf("data dir not expanded: %q", cfg.DataDir)
	}
	if cfg.ModeDir(types.ModeEmbedding) != filepath.Join(home, ".cache/zenow/model/embedding") {
		t.Fatalf("mode dir: %q", cfg.ModeDir(types.ModeEmbedding))
	}
	if cfg.DBPath() != filepath.Join(home, ".cache/zenow/zenow.db") {
		t.Fatalf("db path: %q", cfg.DBPath())
	}
	if cfg.StartupTimeout() != 60*time.Second || cfg.ProbeInterval() != 500*time.Millisecond || cfg.StopGrace() != 5*time.Second {
		t.Fatalf("durations: %+v", cfg)
	}
	if !cfg.AutoStartEnabled() {
		t.Fatalf("autostart should default on")
	}
	if cfg.DownloadWait() != 30*time.Minute {
		t.Fatalf("download wait: %s", cfg.DownloadWait())
	}
}

func TestApplyDefaults_ModelsDirFollowsDataDir(t *testing.T) {
	cfg, err := ApplyDefaults(Config{DataDir: "/srv/zenow"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.ModelsDir != "/srv/zenow/model" {
		t.Fatalf("models dir: %q", cfg.ModelsDir)
	}
}
