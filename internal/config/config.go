package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Agent    struct {
		Bin            string   `json:"bin"`
		AllowedTools   []string `json:"allowed_tools"`
		PermissionMode string   `json:"permission_mode"`
		MaxConcurrent  int      `json:"max_concurrent"`
		HistoryTokens  int      `json:"history_tokens"`
	} `json:"agent"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".finclaw"),
		LogLevel: "info",
	}
	cfg.Agent.Bin = "claude"
	cfg.Agent.AllowedTools = []string{"Bash", "Read", "WebSearch"}
	cfg.Agent.PermissionMode = "bypassPermissions"
	cfg.Agent.MaxConcurrent = 2
	cfg.Agent.HistoryTokens = 8000
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:7433"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if bin := os.Getenv("FINCLAW_AGENT_BIN"); bin != "" {
		cfg.Agent.Bin = bin
	}
	if listen := os.Getenv("FINCLAW_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}

	return cfg, nil
}

// Save writes the config as indented JSON using atomic write (temp + rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// asFlat round-trips the config through JSON into a flat dot-keyed map.
func asFlat(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, err
	}
	return Flatten(nested), nil
}

// ListValues returns all config values keyed by dot-separated path. Secrets
// are masked when mask is true.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	flat, err := asFlat(cfg)
	if err != nil {
		return nil, err
	}
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value for a dot key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := asFlat(cfg)
	if err != nil {
		return nil, err
	}
	val, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	if IsSecretKey(key) {
		return MaskSecrets(map[string]any{key: val})[key], nil
	}
	return val, nil
}

// SetValue loads the config at path, sets a dot key, and saves it back.
// Values are parsed as JSON when possible so numbers, booleans and lists
// survive; anything else is stored as a string.
func SetValue(path, key, raw string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	flat, err := asFlat(cfg)
	if err != nil {
		return err
	}
	if _, ok := flat[key]; !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}

	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	flat[key] = val

	nested := Unflatten(flat)
	data, err := json.Marshal(nested)
	if err != nil {
		return err
	}
	updated := &Config{}
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return Save(path, updated)
}

// Normalize trims and lower-cases a config key for lookup.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
