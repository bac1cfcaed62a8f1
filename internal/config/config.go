// Package config holds runtime parameters for the daemon. Zero values mean
// "unspecified"; Normalize replaces them with defaults. Precedence is
// config file < environment < flags, applied by the caller in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`

	NCtx     int `json:"n_ctx" yaml:"n_ctx" toml:"n_ctx"`
	NThreads int `json:"n_threads" yaml:"n_threads" toml:"n_threads"`
	NBatch   int `json:"n_batch" yaml:"n_batch" toml:"n_batch"`
	NUbatch  int `json:"n_ubatch" yaml:"n_ubatch" toml:"n_ubatch"`
	NSeqMax  int `json:"n_seq_max" yaml:"n_seq_max" toml:"n_seq_max"`

	SocketPath string `json:"socket_path" yaml:"socket_path" toml:"socket_path"`
	SocketMode uint32 `json:"socket_mode" yaml:"socket_mode" toml:"socket_mode"`

	MaxSessions    int `json:"max_sessions" yaml:"max_sessions" toml:"max_sessions"`
	MaxPromptBytes int `json:"max_prompt_bytes" yaml:"max_prompt_bytes" toml:"max_prompt_bytes"`
	MaxTokens      int `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	MaxFrameBytes  int `json:"max_frame_bytes" yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	IdleTimeoutSec int `json:"idle_timeout_sec" yaml:"idle_timeout_sec" toml:"idle_timeout_sec"`

	SLOTTFTMs int `json:"slo_ttft_ms" yaml:"slo_ttft_ms" toml:"slo_ttft_ms"`
	SLOTBTMs  int `json:"slo_tbt_ms" yaml:"slo_tbt_ms" toml:"slo_tbt_ms"`

	PrefillBurst int `json:"prefill_burst" yaml:"prefill_burst" toml:"prefill_burst"`

	UseMmap    *bool `json:"use_mmap" yaml:"use_mmap" toml:"use_mmap"`
	UseMlock   *bool `json:"use_mlock" yaml:"use_mlock" toml:"use_mlock"`
	OffloadKQV *bool `json:"offload_kqv" yaml:"offload_kqv" toml:"offload_kqv"`
	KVUnified  *bool `json:"kv_unified" yaml:"kv_unified" toml:"kv_unified"`
	SWAFull    *bool `json:"swa_full" yaml:"swa_full" toml:"swa_full"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	HTTPAddr string `json:"http_addr" yaml:"http_addr" toml:"http_addr"`
}

// Defaults applied by Normalize.
const (
	DefaultSocketPath     = "/tmp/uma.sock"
	DefaultSocketMode     = 0o600
	DefaultNCtx           = 4096
	DefaultMaxSessions    = 32
	DefaultMaxPromptBytes = 64 * 1024
	DefaultMaxTokens      = 512
	DefaultMaxFrameBytes  = 1 << 20
	DefaultIdleTimeoutSec = 300
	DefaultPrefillBurst   = 16
	DefaultLogLevel       = "info"
)

// Load reads a configuration file based on its extension. Supports
// .yaml/.yml, .json, and .toml.
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
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

func getEnv(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func envInt(key string, dst *int) {
	if v, ok := getEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst **bool) {
	if v, ok := getEnv(key); ok {
		b := v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
		*dst = &b
	}
}

// ApplyEnv overlays UMA_* environment variables onto cfg.
func (c *Config) ApplyEnv() {
	if v, ok := getEnv("UMA_MODEL"); ok {
		c.ModelPath = v
	}
	envInt("UMA_N_CTX", &c.NCtx)
	envInt("UMA_THREADS", &c.NThreads)
	envInt("UMA_N_BATCH", &c.NBatch)
	envInt("UMA_N_UBATCH", &c.NUbatch)
	envInt("UMA_N_SEQ_MAX", &c.NSeqMax)
	if v, ok := getEnv("UMA_SOCK"); ok {
		c.SocketPath = v
	}
	if v, ok := getEnv("UMA_SOCK_MODE"); ok {
		if n, err := strconv.ParseUint(v, 8, 32); err == nil {
			c.SocketMode = uint32(n)
		}
	}
	envInt("UMA_MAX_SESSIONS", &c.MaxSessions)
	envInt("UMA_MAX_PROMPT_BYTES", &c.MaxPromptBytes)
	envInt("UMA_MAX_TOKENS", &c.MaxTokens)
	envInt("UMA_MAX_FRAME_BYTES", &c.MaxFrameBytes)
	envInt("UMA_IDLE_TIMEOUT_SEC", &c.IdleTimeoutSec)
	envInt("UMA_SLO_TTFT_MS", &c.SLOTTFTMs)
	envInt("UMA_SLO_TBT_MS", &c.SLOTBTMs)
	envInt("UMA_PREFILL_BURST", &c.PrefillBurst)
	envBool("UMA_USE_MMAP", &c.UseMmap)
	envBool("UMA_USE_MLOCK", &c.UseMlock)
	envBool("UMA_OFFLOAD_KQV", &c.OffloadKQV)
	envBool("UMA_KV_UNIFIED", &c.KVUnified)
	envBool("UMA_SWA_FULL", &c.SWAFull)
	if v, ok := getEnv("UMA_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := getEnv("UMA_HTTP_ADDR"); ok {
		c.HTTPAddr = v
	}
}

// Normalize fills defaults for unset fields.
func (c *Config) Normalize() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.SocketMode == 0 {
		c.SocketMode = DefaultSocketMode
	}
	if c.NCtx <= 0 {
		c.NCtx = DefaultNCtx
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MaxPromptBytes <= 0 {
		c.MaxPromptBytes = DefaultMaxPromptBytes
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.IdleTimeoutSec <= 0 {
		c.IdleTimeoutSec = DefaultIdleTimeoutSec
	}
	if c.PrefillBurst <= 0 {
		c.PrefillBurst = DefaultPrefillBurst
	}
	if c.NSeqMax <= 0 {
		c.NSeqMax = c.MaxSessions
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model_path is required (--model or UMA_MODEL)")
	}
	if _, err := os.Stat(c.ModelPath); err != nil {
		return fmt.Errorf("model file not found: %s", c.ModelPath)
	}
	return nil
}

// BoolOr resolves an optional bool with a default.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
