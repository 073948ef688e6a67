package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversational runtime.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	// ModelProvider is "openai", "azure" or "mock".
	ModelProvider string

	OpenAIAPIKey  string
	OpenAIModelID string
	OpenAIBaseURL string

	AzureClientID     string
	AzureClientSecret string
	AzureTokenURL     string
	AzureScope        string
	AzureProjectID    string
	AzureEndpoint     string
	AzureDeployment   string
	AzureAPIVersion   string
	AzureModelID      string

	CredentialRefreshMargin   time.Duration
	CredentialGraceWindow     time.Duration
	CredentialDefaultLifetime time.Duration
	CredentialRefreshTimeout  time.Duration

	// StoreBackend is "auto", "memory", "postgres" or "redis".
	StoreBackend string
	DatabaseURL  string
	RedisURL     string

	HistoryLimit        int
	AddHistoryToContext bool
	AddDatetime         bool
	AddStateToContext   bool
	Instructions        []string

	SummaryEnabled      bool
	SummaryTriggerTurns int
	SummaryKeepTurns    int
	MemoryEnabled       bool

	InvokeTimeout  time.Duration
	PersistTimeout time.Duration
}

var defaultInstructions = []string{
	"You are an expert database analyst.",
	"Explain every SQL query before you suggest running it.",
	"Restrict large result sets with LIMIT or TOP.",
	"Give clear insights and actionable recommendations.",
	"Stick to read-only analysis and never suggest UPDATE, DELETE or INSERT statements.",
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", ":7777"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		LogLevel:                  envOrDefault("LOG_LEVEL", "info"),
		LogFormat:                 envOrDefault("LOG_FORMAT", "json"),
		ModelProvider:             strings.ToLower(envOrDefault("MODEL_PROVIDER", "openai")),
		OpenAIAPIKey:              stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModelID:             envOrDefault("OPENAI_MODEL_ID", "gpt-4"),
		OpenAIBaseURL:             envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AzureClientID:             stringsTrimSpace("AZURE_CLIENT_ID"),
		AzureClientSecret:         stringsTrimSpace("AZURE_CLIENT_SECRET"),
		AzureTokenURL:             stringsTrimSpace("AZURE_TOKEN_URL"),
		AzureScope:                stringsTrimSpace("AZURE_SCOPE"),
		AzureProjectID:            stringsTrimSpace("AZURE_PROJECT_ID"),
		AzureEndpoint:             stringsTrimSpace("AZURE_ENDPOINT"),
		AzureDeployment:           stringsTrimSpace("AZURE_DEPLOYMENT"),
		AzureAPIVersion:           envOrDefault("AZURE_API_VERSION", "2024-06-01"),
		AzureModelID:              stringsTrimSpace("AZURE_MODEL_ID"),
		StoreBackend:              strings.ToLower(envOrDefault("STORE_BACKEND", "auto")),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		RedisURL:                  stringsTrimSpace("REDIS_URL"),
		ShutdownTimeout:           15 * time.Second,
		CredentialRefreshMargin:   5 * time.Minute,
		CredentialGraceWindow:     30 * time.Second,
		CredentialDefaultLifetime: time.Hour,
		CredentialRefreshTimeout:  60 * time.Second,
		HistoryLimit:              10,
		AddHistoryToContext:       true,
		AddDatetime:               true,
		Instructions:              defaultInstructions,
		SummaryTriggerTurns:       40,
		SummaryKeepTurns:          10,
		InvokeTimeout:             120 * time.Second,
		PersistTimeout:            10 * time.Second,
	}
	if raw := os.Getenv("AGENT_INSTRUCTIONS"); trimSpace(raw) != "" {
		cfg.Instructions = splitLines(raw)
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CREDENTIAL_REFRESH_MARGIN", &cfg.CredentialRefreshMargin},
		{"CREDENTIAL_GRACE_WINDOW", &cfg.CredentialGraceWindow},
		{"CREDENTIAL_DEFAULT_LIFETIME", &cfg.CredentialDefaultLifetime},
		{"CREDENTIAL_REFRESH_TIMEOUT", &cfg.CredentialRefreshTimeout},
		{"INVOKE_TIMEOUT", &cfg.InvokeTimeout},
		{"PERSIST_TIMEOUT", &cfg.PersistTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HISTORY_LIMIT", &cfg.HistoryLimit},
		{"SUMMARY_TRIGGER_TURNS", &cfg.SummaryTriggerTurns},
		{"SUMMARY_KEEP_TURNS", &cfg.SummaryKeepTurns},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"ADD_HISTORY_TO_CONTEXT", &cfg.AddHistoryToContext},
		{"ADD_DATETIME", &cfg.AddDatetime},
		{"ADD_STATE_TO_CONTEXT", &cfg.AddStateToContext},
		{"SUMMARY_ENABLED", &cfg.SummaryEnabled},
		{"MEMORY_ENABLED", &cfg.MemoryEnabled},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that would make the runtime misbehave.
func (c Config) Validate() error {
	switch c.ModelProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when MODEL_PROVIDER=openai")
		}
	case "azure":
		for key, v := range map[string]string{
			"AZURE_CLIENT_ID":     c.AzureClientID,
			"AZURE_CLIENT_SECRET": c.AzureClientSecret,
			"AZURE_TOKEN_URL":     c.AzureTokenURL,
			"AZURE_ENDPOINT":      c.AzureEndpoint,
			"AZURE_DEPLOYMENT":    c.AzureDeployment,
		} {
			if v == "" {
				return fmt.Errorf("%s is required when MODEL_PROVIDER=azure", key)
			}
		}
	case "mock":
	default:
		return fmt.Errorf("MODEL_PROVIDER must be openai, azure or mock, got %q", c.ModelProvider)
	}

	switch c.StoreBackend {
	case "auto", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("STORE_BACKEND must be auto, memory, postgres or redis, got %q", c.StoreBackend)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("HISTORY_LIMIT must be >= 0")
	}
	if c.CredentialRefreshMargin < 0 || c.CredentialGraceWindow < 0 {
		return fmt.Errorf("CREDENTIAL_REFRESH_MARGIN and CREDENTIAL_GRACE_WINDOW must be >= 0")
	}
	if c.CredentialDefaultLifetime <= c.CredentialRefreshMargin {
		return fmt.Errorf("CREDENTIAL_DEFAULT_LIFETIME must exceed CREDENTIAL_REFRESH_MARGIN")
	}
	if c.CredentialRefreshTimeout <= 0 || c.InvokeTimeout <= 0 || c.PersistTimeout <= 0 {
		return fmt.Errorf("CREDENTIAL_REFRESH_TIMEOUT, INVOKE_TIMEOUT and PERSIST_TIMEOUT must be positive")
	}
	if c.SummaryEnabled && (c.SummaryTriggerTurns <= 0 || c.SummaryKeepTurns < 0 || c.SummaryKeepTurns >= c.SummaryTriggerTurns) {
		return fmt.Errorf("SUMMARY_KEEP_TURNS must be >= 0 and below SUMMARY_TRIGGER_TURNS")
	}
	return nil
}

func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = trimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
