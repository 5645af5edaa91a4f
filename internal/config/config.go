// Package config loads genforge's server configuration from an optional
// YAML (or JSON5) file plus environment variable overrides, following the
// same env-expand-then-strict-decode pattern the teacher's config loader
// used for its much larger settings surface.
package config

// Config is genforge's top-level configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP listener in cmd/genforge.
type ServerConfig struct {
	// Addr is the address ListenAndServe binds, e.g. ":8080".
	Addr string `yaml:"addr"`
}

// LLMConfig configures the providers the LLM Gateway dispatches to and
// which provider/model pair each Coordinator role uses by default.
type LLMConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`

	// Provider/Model drive sub-agent turns; CommitProvider/CommitModel
	// drive the Session Coordinator's commit-message step.
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	CommitProvider string `yaml:"commit_provider"`
	CommitModel    string `yaml:"commit_model"`
}

// WorkspaceConfig configures the Docker-backed Workspace executor.
type WorkspaceConfig struct {
	// BaseImage is the container image materialized as every session's
	// Workspace base.
	BaseImage string `yaml:"base_image"`

	// Dir is the host directory the Docker executor expands base-image
	// content into before overlaying a session's edits.
	Dir string `yaml:"dir"`
}

// ObservabilityConfig configures structured logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the Config genforge falls back to when neither a config
// file nor an environment override supplies a value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-sonnet-4-20250514",
			CommitProvider: "openai",
			CommitModel:    "gpt-4o-mini",
		},
		Workspace: WorkspaceConfig{
			BaseImage: "genforge/workspace-base:latest",
			Dir:       "/var/lib/genforge/workspaces",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}
