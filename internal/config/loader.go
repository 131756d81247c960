package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix namespaces lumen environment variables.
	envPrefix = "LUMEN_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (LUMEN_SCHEDULER_POLL_INTERVAL, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map to config keys by stripping the LUMEN_ prefix,
// lowercasing, and splitting the first underscore group into a section:
//
//	LUMEN_SCHEDULER_POLL_INTERVAL -> scheduler.poll_interval
//	LUMEN_SOURCE_BASE_URL         -> source.base_url
//
// If configPath is empty, only environment variables and defaults apply.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
		}
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// transformEnvKey maps LUMEN_SECTION_FIELD_NAME to section.field_name.
// The llm subsection nests one level deeper:
// LUMEN_EXTRACTION_LLM_API_KEY -> extraction.llm.api_key.
func transformEnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	if rest, ok := strings.CutPrefix(parts[1], "llm_"); ok {
		return parts[0] + ".llm." + rest
	}
	return parts[0] + "." + parts[1]
}
