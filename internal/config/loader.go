package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/497672776/zenow/internal/common/fsutil"
	"github.com/497672776/zenow/pkg/types"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults in ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	DataDir   string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	LlamaBin      string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost     string   `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaExtraArg []string `json:"llama_extra_args" yaml:"llama_extra_args" toml:"llama_extra_args"`

	GenerationPort int `json:"generation_port" yaml:"generation_port" toml:"generation_port"`
	EmbeddingPort  int `json:"embedding_port" yaml:"embedding_port" toml:"embedding_port"`
	RerankingPort  int `json:"reranking_port" yaml:"reranking_port" toml:"reranking_port"`

	StartupTimeoutSec int `json:"startup_timeout_sec" yaml:"startup_timeout_sec" toml:"startup_timeout_sec"`
	ProbeIntervalMs   int `json:"probe_interval_ms" yaml:"probe_interval_ms" toml:"probe_interval_ms"`
	MaxProbes         int `json:"max_probes" yaml:"max_probes" toml:"max_probes"`
	StopGraceSec      int `json:"stop_grace_sec" yaml:"stop_grace_sec" toml:"stop_grace_sec"`
	DownloadWaitSec   int `json:"download_wait_sec" yaml:"download_wait_sec" toml:"download_wait_sec"`

	LogLevel     string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	AutoStart    *bool    `json:"autostart" yaml:"autostart" toml:"autostart"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	on := true
	return Config{
		Addr:              "127.0.0.1:8050",
		DataDir:           "~/.cache/zenow",
		ModelsDir:         "~/.cache/zenow/model",
		LlamaBin:          "llama-server",
		LlamaHost:         "127.0.0.1",
		GenerationPort:    8051,
		EmbeddingPort:     8052,
		RerankingPort:     8053,
		StartupTimeoutSec: 60,
		ProbeIntervalMs:   500,
		MaxProbes:         120,
		StopGraceSec:      5,
		DownloadWaitSec:   1800,
		LogLevel:          "info",
		LogFormat:         "console",
		CORSOrigins:       []string{"*"},
		MaxBodyBytes:      1 << 20,
		AutoStart:         &on,
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unspecified field from Defaults and expands '~'
// in directory settings. ModelsDir follows DataDir when only the latter is set.
func ApplyDefaults(cfg Config) (Config, error) {
	d := Defaults()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.ModelsDir == "" {
		if cfg.DataDir != "" {
			cfg.ModelsDir = filepath.Join(cfg.DataDir, "model")
		} else {
			cfg.ModelsDir = d.ModelsDir
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.LlamaBin == "" {
		cfg.LlamaBin = d.LlamaBin
	}
	if cfg.LlamaHost == "" {
		cfg.LlamaHost = d.LlamaHost
	}
	if cfg.GenerationPort <= 0 {
		cfg.GenerationPort = d.GenerationPort
	}
	if cfg.EmbeddingPort <= 0 {
		cfg.EmbeddingPort = d.EmbeddingPort
	}
	if cfg.RerankingPort <= 0 {
		cfg.RerankingPort = d.RerankingPort
	}
	if cfg.StartupTimeoutSec <= 0 {
		cfg.StartupTimeoutSec = d.StartupTimeoutSec
	}
	if cfg.ProbeIntervalMs <= 0 {
		cfg.ProbeIntervalMs = d.ProbeIntervalMs
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = d.MaxProbes
	}
	if cfg.StopGraceSec <= 0 {
		cfg.StopGraceSec = d.StopGraceSec
	}
	if cfg.DownloadWaitSec <= 0 {
		cfg.DownloadWaitSec = d.DownloadWaitSec
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = d.LogFormat
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = d.CORSOrigins
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.AutoStart == nil {
		cfg.AutoStart = d.AutoStart
	}

	var err error
	if cfg.DataDir, err = fsutil.ExpandHome(cfg.DataDir); err != nil {
		return cfg, err
	}
	if cfg.ModelsDir, err = fsutil.ExpandHome(cfg.ModelsDir); err != nil {
		return cfg, err
	}
	if cfg.LlamaBin, err = fsutil.ExpandHome(cfg.LlamaBin); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Port returns the reserved llama-server port for a mode.
func (c Config) Port(m types.Mode) int {
	switch m {
	case types.ModeEmbedding:
		return c.EmbeddingPort
	case types.ModeReranking:
		return c.RerankingPort
	default:
		return c.GenerationPort
	}
}

// DBPath is the location of the SQLite database.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "zenow.db") }

// ModeDir is the directory holding a mode's GGUF files.
func (c Config) ModeDir(m types.Mode) string { return filepath.Join(c.ModelsDir, string(m)) }

func (c Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

func (c Config) StopGrace() time.Duration { return time.Duration(c.StopGraceSec) * time.Second }

// DownloadWait bounds how long a model load waits for its download.
func (c Config) DownloadWait() time.Duration {
	return time.Duration(c.DownloadWaitSec) * time.Second
}

// AutoStartEnabled reports whether current models are started at boot.
func (c Config) AutoStartEnabled() bool { return c.AutoStart == nil || *c.AutoStart }
