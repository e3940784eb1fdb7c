// Package config provides configuration management for storysmith.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cchalm/storysmith/internal/logging"
)

const (
	// DefaultPath is the configuration file read when STORYSMITH_CONFIG is not set
	DefaultPath = "storysmith.toml"

	AnalystBackend   = "backend"
	AnalystAnthropic = "anthropic"

	PublisherBackend = "backend"
	PublisherGitHub  = "github"
)

// Config holds the configuration for storysmith
type Config struct {
	// BackendURL is the base URL of the requirements backend
	BackendURL string `toml:"backend_url"`
	// Analyst selects who generates requirements and replans sprints: the backend, or Claude directly
	Analyst         string `toml:"analyst"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	AnthropicModel  string `toml:"anthropic_model"`
	MaxOutputTokens int64  `toml:"max_output_tokens"`

	// Publisher selects who creates tickets: the backend, or GitHub issues directly
	Publisher         string   `toml:"publisher"`
	GitHubToken       string   `toml:"github_token"`
	TicketsRepo       string   `toml:"tickets_repo"` // owner/repo
	TicketLabels      []string `toml:"ticket_labels"`
	TicketConcurrency int      `toml:"ticket_concurrency"`

	// SprintStore is the path of the sprint collection. A .db, .sqlite or .sqlite3 extension selects SQLite
	SprintStore string `toml:"sprint_store"`

	RequestsPerSecond float64 `toml:"requests_per_second"` // 0 means unlimited
	MaxAudioBytes     int64   `toml:"max_audio_bytes"`

	TelemetryEnabled bool   `toml:"telemetry_enabled"`
	OTLPEndpoint     string `toml:"otlp_endpoint"`
	LogLevel         string `toml:"log_level"`
}

// Default returns the configuration used for every setting that neither the file nor the environment provides
func Default() Config {
	return Config{
		BackendURL:        "http://localhost:8000",
		Analyst:           AnalystBackend,
		AnthropicModel:    "claude-sonnet-4-0",
		MaxOutputTokens:   8000,
		Publisher:         PublisherBackend,
		TicketConcurrency: 4,
		SprintStore:       "sprints.json",
		MaxAudioBytes:     25 << 20,
		LogLevel:          "info",
	}
}

// Load reads a .env file if there is one, then the configuration file, then applies environment overrides. path
// names the configuration file; if empty, STORYSMITH_CONFIG or DefaultPath is used, and a missing file is not an error
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		zap.S().Debug("No .env file found, using environment variables")
	}

	config := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("STORYSMITH_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}
	if err := decodeFile(&config, path, explicit); err != nil {
		return Config{}, err
	}

	if err := applyEnv(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func decodeFile(config *Config, path string, required bool) error {
	md, err := toml.DecodeFile(path, config)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to decode config file '%s': %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		zap.S().Warnf("Ignoring unknown settings in %s: %v", path, undecoded)
	}
	zap.S().Debugf("Loaded configuration from %s", path)
	return nil
}

func applyEnv(config *Config) error {
	loadOptionalFromEnv(&config.BackendURL, "BACKEND_URL")
	loadOptionalFromEnv(&config.Analyst, "ANALYST")
	loadOptionalFromEnv(&config.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	loadOptionalFromEnv(&config.AnthropicModel, "ANTHROPIC_MODEL")
	loadOptionalFromEnv(&config.Publisher, "PUBLISHER")
	loadOptionalFromEnv(&config.GitHubToken, "GITHUB_TOKEN")
	loadOptionalFromEnv(&config.TicketsRepo, "TICKETS_REPO")
	loadOptionalFromEnv(&config.SprintStore, "SPRINT_STORE")
	loadOptionalFromEnv(&config.OTLPEndpoint, "OTLP_ENDPOINT")
	loadOptionalFromEnv(&config.LogLevel, "LOG_LEVEL")

	return errors.Join(
		parseOptionalFromEnv(&config.TicketLabels, "TICKET_LABELS", parseList),
		parseOptionalFromEnv(&config.TicketConcurrency, "TICKET_CONCURRENCY", strconv.Atoi),
		parseOptionalFromEnv(&config.MaxOutputTokens, "MAX_OUTPUT_TOKENS", parseInt64),
		parseOptionalFromEnv(&config.MaxAudioBytes, "MAX_AUDIO_BYTES", parseInt64),
		parseOptionalFromEnv(&config.RequestsPerSecond, "REQUESTS_PER_SECOND", parseFloat),
		parseOptionalFromEnv(&config.TelemetryEnabled, "TELEMETRY_ENABLED", strconv.ParseBool),
	)
}

func loadOptionalFromEnv(dest *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func parseOptionalFromEnv[T any](dest *T, key string, parseFn func(string) (T, error)) error {
	str := os.Getenv(key)
	if str == "" {
		return nil // Leave default value
	}
	v, err := parseFn(str)
	if err != nil {
		return fmt.Errorf("failed to parse environment variable '%s' value '%s' as '%T': %w", key, str, *dest, err)
	}
	*dest = v
	return nil
}

func parseList(s string) ([]string, error) {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items, nil
}

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

// UsesBackend reports whether any collaborator talks to the requirements backend
func (c Config) UsesBackend() bool {
	return c.Analyst == AnalystBackend || c.Publisher == PublisherBackend
}

// Validate checks that the selected collaborators have what they need
func (c Config) Validate() error {
	var errs []error

	switch c.Analyst {
	case AnalystBackend:
	case AnalystAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, fmt.Errorf("missing required setting for the %s analyst: ANTHROPIC_API_KEY", AnalystAnthropic))
		}
		if c.MaxOutputTokens <= 0 {
			errs = append(errs, fmt.Errorf("max output tokens must be positive, got %d", c.MaxOutputTokens))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown analyst '%s', expected '%s' or '%s'", c.Analyst, AnalystBackend, AnalystAnthropic))
	}

	switch c.Publisher {
	case PublisherBackend:
	case PublisherGitHub:
		if c.GitHubToken == "" {
			errs = append(errs, fmt.Errorf("missing required setting for the %s publisher: GITHUB_TOKEN", PublisherGitHub))
		}
		if owner, repo, ok := strings.Cut(c.TicketsRepo, "/"); !ok || owner == "" || repo == "" {
			errs = append(errs, fmt.Errorf("TICKETS_REPO must have the form owner/repo, got '%s'", c.TicketsRepo))
		}
		if c.TicketConcurrency < 1 {
			errs = append(errs, fmt.Errorf("ticket concurrency must be at least 1, got %d", c.TicketConcurrency))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown publisher '%s', expected '%s' or '%s'", c.Publisher, PublisherBackend, PublisherGitHub))
	}

	if c.UsesBackend() {
		u, err := url.Parse(c.BackendURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("BACKEND_URL must be an http or https URL, got '%s'", c.BackendURL))
		}
	}

	if c.SprintStore == "" {
		errs = append(errs, fmt.Errorf("missing required setting: SPRINT_STORE"))
	}
	if c.MaxAudioBytes <= 0 {
		errs = append(errs, fmt.Errorf("max audio bytes must be positive, got %d", c.MaxAudioBytes))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests per second must not be negative, got %g", c.RequestsPerSecond))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
