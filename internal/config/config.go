package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Minuteman environment variables.
const EnvPrefix = "MINUTEMAN_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	WatchDir    string `yaml:"watch_dir"`
	OutputDir   string `yaml:"output_dir"`
	DBPath      string `yaml:"db_path"`
	MetricsPath string `yaml:"metrics_path"`

	Language           string `yaml:"language"`
	SegmentDuration    string `yaml:"segment_duration"`
	PreRoll            string `yaml:"pre_roll"`
	Pad                string `yaml:"pad"`
	StabilityTolerance string `yaml:"stability_tolerance"`

	BatchSize   int `yaml:"batch_size"`
	TokenBudget int `yaml:"token_budget"`
	MaxMembers  int `yaml:"max_members"`

	Transcriber         string `yaml:"transcriber"`
	TranscriberModel    string `yaml:"transcriber_model"`
	TranscriberExecPath string `yaml:"transcriber_exec_path"`
	TranscriberThreads  int    `yaml:"transcriber_threads"`
	TranscriberBaseURL  string `yaml:"transcriber_base_url"`

	LLMProvider string `yaml:"llm_provider"`
	LLMModel    string `yaml:"llm_model"`
	LLMBaseURL  string `yaml:"llm_base_url"`

	BackendTimeout string `yaml:"backend_timeout"`
	MaxAttempts    int    `yaml:"max_attempts"`

	ServerAddr            string `yaml:"server_addr"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets — env vars only, never serialized to YAML.
	OpenAIAPIKey    string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		WatchDir:              "data/segments",
		OutputDir:             "data/output",
		DBPath:                "data/minuteman.db",
		MetricsPath:           "data/metrics.jsonl",
		Language:              "en",
		SegmentDuration:       "30s",
		PreRoll:               "1.5s",
		Pad:                   "500ms",
		StabilityTolerance:    "500ms",
		BatchSize:             3,
		MaxMembers:            16,
		Transcriber:           "exec",
		TranscriberModel:      "models/ggml-base.en.bin",
		TranscriberExecPath:   "whisper-cli",
		TranscriberThreads:    4,
		LLMProvider:           "ollama",
		LLMModel:              "llama3.2",
		BackendTimeout:        "10m",
		MaxAttempts:           3,
		ServerAddr:            "127.0.0.1:8736",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedSegmentDuration returns SegmentDuration as a time.Duration,
// falling back to 30s if the value is invalid.
func (c *Config) ParsedSegmentDuration() time.Duration {
	return parseDuration(c.SegmentDuration, 30*time.Second)
}

func (c *Config) ParsedPreRoll() time.Duration {
	return parseDuration(c.PreRoll, 0)
}

func (c *Config) ParsedPad() time.Duration {
	return parseDuration(c.Pad, 0)
}

func (c *Config) ParsedStabilityTolerance() time.Duration {
	return parseDuration(c.StabilityTolerance, 500*time.Millisecond)
}

func (c *Config) ParsedBackendTimeout() time.Duration {
	return parseDuration(c.BackendTimeout, 10*time.Minute)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range []struct {
		key string
		dst *string
	}{
		{"WATCH_DIR", &cfg.WatchDir},
		{"OUTPUT_DIR", &cfg.OutputDir},
		{"DB_PATH", &cfg.DBPath},
		{"METRICS_PATH", &cfg.MetricsPath},
		{"LANGUAGE", &cfg.Language},
		{"SEGMENT_DURATION", &cfg.SegmentDuration},
		{"PRE_ROLL", &cfg.PreRoll},
		{"PAD", &cfg.Pad},
		{"STABILITY_TOLERANCE", &cfg.StabilityTolerance},
		{"TRANSCRIBER", &cfg.Transcriber},
		{"TRANSCRIBER_MODEL", &cfg.TranscriberModel},
		{"TRANSCRIBER_EXEC_PATH", &cfg.TranscriberExecPath},
		{"TRANSCRIBER_BASE_URL", &cfg.TranscriberBaseURL},
		{"LLM_PROVIDER", &cfg.LLMProvider},
		{"LLM_MODEL", &cfg.LLMModel},
		{"LLM_BASE_URL", &cfg.LLMBaseURL},
		{"BACKEND_TIMEOUT", &cfg.BackendTimeout},
		{"SERVER_ADDR", &cfg.ServerAddr},
		{"GDRIVE_FOLDER_ID", &cfg.GDriveFolderID},
		{"GOOGLE_CREDENTIALS_FILE", &cfg.GoogleCredentialsFile},
	} {
		if v := os.Getenv(EnvPrefix + s.key); v != "" {
			*s.dst = v
		}
	}

	for _, s := range []struct {
		key string
		dst *int
	}{
		{"BATCH_SIZE", &cfg.BatchSize},
		{"TOKEN_BUDGET", &cfg.TokenBudget},
		{"MAX_MEMBERS", &cfg.MaxMembers},
		{"TRANSCRIBER_THREADS", &cfg.TranscriberThreads},
		{"MAX_ATTEMPTS", &cfg.MaxAttempts},
	} {
		if v := os.Getenv(EnvPrefix + s.key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				*s.dst = n
			}
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	switch cfg.Transcriber {
	case "exec", "whisperd", "openai", "deepgram":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown transcriber %q — using exec.", cfg.Transcriber))
		cfg.Transcriber = "exec"
	}

	if cfg.Transcriber == "openai" && cfg.OpenAIAPIKey == "" {
		warnings = append(warnings, "OpenAI API key not configured — the openai transcriber will fail. Set "+EnvPrefix+"OPENAI_API_KEY.")
	}
	if cfg.Transcriber == "deepgram" && cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured — the deepgram transcriber will fail. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured — summarization will fail. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			warnings = append(warnings, "Anthropic API key not configured — summarization will fail. Set "+EnvPrefix+"ANTHROPIC_API_KEY.")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			warnings = append(warnings, "Gemini API key not configured — summarization will fail. Set "+EnvPrefix+"GEMINI_API_KEY.")
		}
	case "ollama":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown llm_provider %q — using ollama.", cfg.LLMProvider))
		cfg.LLMProvider = "ollama"
	}

	for name, raw := range map[string]string{
		"segment_duration":    cfg.SegmentDuration,
		"pre_roll":            cfg.PreRoll,
		"pad":                 cfg.Pad,
		"stability_tolerance": cfg.StabilityTolerance,
		"backend_timeout":     cfg.BackendTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q — using default.", name, raw))
		}
	}

	if cfg.BatchSize <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid batch_size %d — using 3.", cfg.BatchSize))
		cfg.BatchSize = 3
	}
	if cfg.MaxMembers > 0 && cfg.MaxMembers < cfg.BatchSize {
		// The hard limit always wins; shrink the batch size under it
		// rather than weakening the safeguard.
		warnings = append(warnings, fmt.Sprintf("batch_size %d exceeds max_members %d — lowering batch_size to match.", cfg.BatchSize, cfg.MaxMembers))
		cfg.BatchSize = cfg.MaxMembers
	}

	return warnings
}
