package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Load reads configuration from path. A missing path returns defaults
// plus environment overrides. `.env` in the working directory is
// loaded first, best-effort.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := loadRaw(path, map[string]bool{})
		if err != nil {
			return nil, err
		}
		if err := decodeInto(raw, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// loadRaw reads a config file into a merged raw map, resolving
// $include directives with cycle detection. Values are
// environment-expanded before parsing.
func loadRaw(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.Expand(string(data), func(key string) string {
		if key == "include" {
			return "$include"
		}
		return os.Getenv(key)
	})

	raw, err := parseRaw([]byte(expanded), absPath)
	if err != nil {
		return nil, err
	}

	includes := extractIncludes(raw)
	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, err := loadRaw(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}

	delete(raw, includeKey)
	return mergeMaps(merged, raw), nil
}

// parseRaw decodes YAML or JSON5 by extension; unknown extensions try
// JSON5 first, then YAML.
func parseRaw(data []byte, path string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json5.Unmarshal(data, &raw); err != nil {
			if yerr := yaml.Unmarshal(data, &raw); yerr != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) []string {
	switch v := raw[includeKey].(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// mergeMaps deep-merges override onto base; override wins on
// conflicts, nested maps merge recursively.
func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if existing, ok := out[k].(map[string]any); ok {
			if incoming, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(existing, incoming)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeInto round-trips the raw map through YAML into the typed
// config so both file formats share one set of field tags.
func decodeInto(raw map[string]any, cfg *Config) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
