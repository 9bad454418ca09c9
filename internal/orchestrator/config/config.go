// Package config holds orchestrator configuration loaded from the
// environment plus the timing defaults used across the service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Storage backend selectors for STORAGE_BACKEND.
const (
	StorageMemory = "memory"
	StorageMongo  = "mongo"
)

// Config is the full runtime configuration for the toolgen backend.
type Config struct {
	// Serving
	HTTPPort     string
	HTTPBasePath string

	// Persistence
	StorageBackend string
	MongoURL       string
	MongoDatabase  string

	// Generation backend (Azure OpenAI)
	OpenAIEndpoint   string
	OpenAIAPIKey     string
	OpenAIDeployment string

	// Code-generation CLI
	CodegenCommand string
	CodegenModel   string
	ToolServiceDir string
	ToolsDir       string
	CodegenTimeout time.Duration

	// Tool execution/registration service
	ToolServiceURL     string
	ToolServiceTimeout time.Duration

	// Workflow timing
	PollInterval time.Duration
	PollCeiling  time.Duration
}

// Default returns the built-in configuration, before environment overrides.
func Default() Config {
	return Config{
		HTTPPort:           "8080",
		HTTPBasePath:       "/mcp",
		StorageBackend:     StorageMemory,
		MongoURL:           "mongodb://localhost:27017",
		MongoDatabase:      "toolgen",
		OpenAIDeployment:   "gpt-4o",
		CodegenCommand:     "codex",
		CodegenModel:       "gpt-5",
		ToolServiceDir:     "tool_service",
		ToolsDir:           "tools",
		CodegenTimeout:     DefaultCodegenTimeout,
		ToolServiceURL:     "http://localhost:8000",
		ToolServiceTimeout: DefaultToolServiceTimeout,
		PollInterval:       DefaultPollInterval,
		PollCeiling:        DefaultPollCeiling,
	}
}

// Load builds the configuration from environment variables on top of the
// defaults and validates it.
func Load() (Config, error) {
	cfg := Default()

	setString(&cfg.HTTPPort, "HTTP_PORT")
	setString(&cfg.HTTPBasePath, "HTTP_BASE_PATH")
	setString(&cfg.StorageBackend, "STORAGE_BACKEND")
	setString(&cfg.MongoURL, "MONGODB_URL")
	setString(&cfg.MongoDatabase, "MONGODB_DATABASE")
	setString(&cfg.OpenAIEndpoint, "OPENAI_ENDPOINT")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIDeployment, "OPENAI_DEPLOYMENT")
	setString(&cfg.CodegenCommand, "CODEGEN_COMMAND")
	setString(&cfg.CodegenModel, "CODEGEN_MODEL")
	setString(&cfg.ToolServiceDir, "TOOL_SERVICE_DIR")
	setString(&cfg.ToolsDir, "TOOLS_DIR")
	setString(&cfg.ToolServiceURL, "TOOLSVC_URL")

	if err := setDuration(&cfg.CodegenTimeout, "CODEGEN_TIMEOUT"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.PollInterval, "POLL_INTERVAL"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.PollCeiling, "POLL_CEILING"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.ToolServiceTimeout, "TOOLSVC_TIMEOUT"); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case StorageMemory, StorageMongo:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q",
			StorageMemory, StorageMongo, c.StorageBackend)
	}
	if c.StorageBackend == StorageMongo && c.MongoURL == "" {
		return fmt.Errorf("MONGODB_URL is required when STORAGE_BACKEND=%s", StorageMongo)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.PollCeiling < c.PollInterval {
		return fmt.Errorf("POLL_CEILING (%s) must not be smaller than POLL_INTERVAL (%s)",
			c.PollCeiling, c.PollInterval)
	}
	return nil
}

// ToolsPath is the directory the code-generation CLI writes artifacts into.
func (c Config) ToolsPath() string {
	return strings.TrimRight(c.ToolServiceDir, "/") + "/" + c.ToolsDir
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	*dst = d
	return nil
}
