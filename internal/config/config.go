package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// VoterConfig describes one model in the roster. Any provider speaking the
// chat completions protocol is configured as "openai" with its own base_url.
type VoterConfig struct {
	ID        string `yaml:"id"`
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type Config struct {
	Voters []VoterConfig `yaml:"voters"`

	MinSupport      int    `yaml:"min_support"`
	GreenThreshold  int    `yaml:"green_threshold"`
	YellowThreshold int    `yaml:"yellow_threshold"`
	Quorum          int    `yaml:"quorum"`
	Equivalence     string `yaml:"equivalence"`
	GlossaryPath    string `yaml:"glossary_path"`

	LLMBatchSize        int    `yaml:"llm_batch_size"`
	VoterTimeoutSeconds int    `yaml:"voter_timeout_seconds"`
	AnthropicAPIKey     string `yaml:"anthropic_api_key"`
	OpenAIAPIKey        string `yaml:"openai_api_key"`

	InputPath                  string `yaml:"input_path"`
	DBPath                     string `yaml:"db_path"`
	OutputDir                  string `yaml:"output_dir"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`
	MetricsTextfile            string `yaml:"metrics_textfile"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
	RunSchedule    string `yaml:"run_schedule"`
	Timezone       string `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// DefaultVoters is the five-model roster used when none is configured.
func DefaultVoters() []VoterConfig {
	return []VoterConfig{
		{ID: "claude", Provider: ProviderAnthropic, Model: "claude-sonnet-4-5-20250929", APIKeyEnv: "ANTHROPIC_API_KEY"},
		{ID: "gpt5", Provider: ProviderOpenAI, Model: "gpt-5", APIKeyEnv: "OPENAI_API_KEY"},
		{ID: "gemini", Provider: ProviderOpenAI, Model: "gemini-2.5-pro", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", APIKeyEnv: "GEMINI_API_KEY"},
		{ID: "deepseek", Provider: ProviderOpenAI, Model: "deepseek-chat", BaseURL: "https://api.deepseek.com/v1", APIKeyEnv: "DEEPSEEK_API_KEY"},
		{ID: "grok", Provider: ProviderOpenAI, Model: "grok-4", BaseURL: "https://api.x.ai/v1", APIKeyEnv: "XAI_API_KEY"},
	}
}

// LoadConfig is Load for process entry points: any problem is fatal.
func LoadConfig() Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// Load reads CONFIG_PATH (default config.yaml) if present, applies env
// overrides and defaults, then validates.
func Load() (Config, error) {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing %s: %w", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	envOverrideInt(&cfg.MinSupport, "MIN_SUPPORT")
	envOverrideInt(&cfg.GreenThreshold, "GREEN_THRESHOLD")
	envOverrideInt(&cfg.YellowThreshold, "YELLOW_THRESHOLD")
	envOverrideInt(&cfg.Quorum, "QUORUM")
	envOverride(&cfg.Equivalence, "EQUIVALENCE")
	envOverride(&cfg.GlossaryPath, "GLOSSARY_PATH")
	envOverrideInt(&cfg.LLMBatchSize, "LLM_BATCH_SIZE")
	envOverrideInt(&cfg.VoterTimeoutSeconds, "VOTER_TIMEOUT_SECONDS")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.InputPath, "INPUT_PATH")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.OutputDir, "OUTPUT_DIR")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverrideAllowEmpty(&cfg.MetricsTextfile, "METRICS_TEXTFILE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverrideAllowEmpty(&cfg.RunSchedule, "RUN_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")

	if ids := os.Getenv("VOTERS"); ids != "" {
		cfg.Voters = selectVoters(cfg.Voters, strings.Split(ids, ","))
	}

	if len(cfg.Voters) == 0 {
		cfg.Voters = DefaultVoters()
	}
	if cfg.Equivalence == "" {
		cfg.Equivalence = "casefold"
	}
	if cfg.LLMBatchSize == 0 {
		cfg.LLMBatchSize = 50
	}
	if cfg.VoterTimeoutSeconds == 0 {
		cfg.VoterTimeoutSeconds = 300
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./traitconsensus.db"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./results"
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings Load produced, and again after command line
// overrides are applied.
func (c *Config) Validate() error {
	if c.MinSupport < 0 {
		return fmt.Errorf("invalid min_support '%d': must be >= 0", c.MinSupport)
	}
	if c.GreenThreshold < 0 || c.YellowThreshold < 0 {
		return fmt.Errorf("invalid thresholds green=%d yellow=%d: must be >= 0", c.GreenThreshold, c.YellowThreshold)
	}
	if c.GreenThreshold > 0 && c.YellowThreshold > 0 && c.GreenThreshold < c.YellowThreshold {
		return fmt.Errorf("green_threshold %d must be >= yellow_threshold %d", c.GreenThreshold, c.YellowThreshold)
	}
	if c.Quorum < 0 {
		return fmt.Errorf("invalid quorum '%d': must be >= 0", c.Quorum)
	}
	switch c.Equivalence {
	case "exact", "casefold", "normalized":
	default:
		return fmt.Errorf("equivalence must be 'exact', 'casefold' or 'normalized', got '%s'", c.Equivalence)
	}
	if c.LLMBatchSize < 1 {
		return fmt.Errorf("invalid llm_batch_size '%d': must be >= 1", c.LLMBatchSize)
	}
	if c.VoterTimeoutSeconds < 1 {
		return fmt.Errorf("invalid voter_timeout_seconds '%d': must be >= 1", c.VoterTimeoutSeconds)
	}
	if c.ExternalHTTPTimeoutSeconds < 5 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 5", c.ExternalHTTPTimeoutSeconds)
	}

	seen := make(map[string]bool, len(c.Voters))
	for i, v := range c.Voters {
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("voters[%d]: id is required", i)
		}
		if seen[v.ID] {
			return fmt.Errorf("voters[%d]: duplicate id '%s'", i, v.ID)
		}
		seen[v.ID] = true
		switch v.Provider {
		case ProviderAnthropic, ProviderOpenAI:
		default:
			return fmt.Errorf("voter '%s': provider must be 'anthropic' or 'openai', got '%s'", v.ID, v.Provider)
		}
	}
	if c.Quorum > len(c.Voters) {
		log.Printf("WARNING: quorum %d exceeds the %d configured voters; every voter will be required", c.Quorum, len(c.Voters))
	}

	if strings.EqualFold(c.Timezone, "Local") {
		c.Location = time.Local
	} else {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
		}
		c.Location = loc
	}

	if c.GlossaryPath != "" {
		if err := validateGlossaryPath(c.GlossaryPath); err != nil {
			return fmt.Errorf("invalid glossary_path '%s': %w", c.GlossaryPath, err)
		}
	}
	if c.SlackChannelID != "" && c.SlackBotToken == "" {
		return fmt.Errorf("slack_channel_id is set but slack_bot_token is not")
	}
	return nil
}

// APIKey resolves a voter's key: explicit value, then its env var, then the
// provider-wide key.
func (c Config) APIKey(v VoterConfig) string {
	if v.APIKey != "" {
		return v.APIKey
	}
	if v.APIKeyEnv != "" {
		if key := os.Getenv(v.APIKeyEnv); key != "" {
			return key
		}
	}
	if v.Provider == ProviderAnthropic {
		return c.AnthropicAPIKey
	}
	return c.OpenAIAPIKey
}

// CheckVoterKeys reports every voter without an API key. Only live
// collection needs keys.
func (c Config) CheckVoterKeys() error {
	var missing []string
	for _, v := range c.Voters {
		if c.APIKey(v) == "" {
			missing = append(missing, v.ID)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no API key for voters: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) VoterIDs() []string {
	ids := make([]string, 0, len(c.Voters))
	for _, v := range c.Voters {
		ids = append(ids, v.ID)
	}
	return ids
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

// selectVoters keeps the named voters in the given order, falling back to the
// default roster for ids not configured explicitly.
func selectVoters(configured []VoterConfig, ids []string) []VoterConfig {
	byID := make(map[string]VoterConfig)
	for _, v := range DefaultVoters() {
		byID[v.ID] = v
	}
	for _, v := range configured {
		byID[v.ID] = v
	}
	var out []VoterConfig
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		v, ok := byID[id]
		if !ok {
			v = VoterConfig{ID: id}
		}
		out = append(out, v)
	}
	return out
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func validateGlossaryPath(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read glossary: %w", err)
	}
	var g struct {
		Aliases []struct {
			Phrase   string `yaml:"phrase"`
			Category string `yaml:"category"`
		} `yaml:"aliases"`
	}
	if err := yaml.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("parse glossary yaml: %w", err)
	}
	for i, a := range g.Aliases {
		if strings.TrimSpace(a.Phrase) == "" || strings.TrimSpace(a.Category) == "" {
			return fmt.Errorf("alias %d: phrase and category are required", i)
		}
	}
	return nil
}
