package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads the config file at path (if non-empty), expands ${VAR}
// environment references in its text, strict-decodes it over Defaults(),
// then applies the GENFORGE_*/ANTHROPIC_API_KEY/OPENAI_API_KEY environment
// overrides on top. A path ending in .json5 is parsed as JSON5; anything
// else is parsed as YAML.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(raw))
		if err := decodeInto(cfg, path, expanded); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func decodeInto(cfg *Config, path, text string) error {
	if strings.EqualFold(filepath.Ext(path), ".json5") {
		return json5.Unmarshal([]byte(text), cfg)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(text)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("expected single YAML document: %w", err)
	}
	return nil
}

// applyEnvOverrides lets deployment environment variables win over both the
// file and the built-in defaults, since secrets generally arrive that way
// rather than committed to a config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.OpenAIAPIKey = v
	}
	if v := os.Getenv("GENFORGE_BASE_IMAGE"); v != "" {
		cfg.Workspace.BaseImage = v
	}
	if v := os.Getenv("GENFORGE_WORKSPACE_DIR"); v != "" {
		cfg.Workspace.Dir = v
	}
	if v := os.Getenv("GENFORGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}
