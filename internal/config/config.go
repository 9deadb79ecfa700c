package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultName               = "sol"
	DefaultModel              = "claude-sonnet-4-5-20250929"
	DefaultOracleModel        = "google/gemini-2.5-flash-preview"
	DefaultOracleBaseURL      = "https://openrouter.ai/api/v1"
	DefaultMaxTokens          = 1024
	DefaultOracleMaxTokens    = 256
	DefaultContextWindow      = 10
	DefaultContextMaxAgeHours = 12
	DefaultTypingDelayMin     = 1.0
	DefaultTypingDelayMax     = 3.0
	DefaultChatty             = 0.5
	DefaultPatience           = 5
	DefaultFormality          = 5
	DefaultWarningThreshold   = 3
	DefaultTimeoutMinutes     = 1
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 18790
	DefaultBufSize            = 100
	DefaultWorkers            = 8
	DefaultSweepSchedule      = "0 */10 * * * *"
	DefaultLogLevel           = "info"

	MinContextWindow = 5
	MaxContextWindow = 50

	// Oracle timeouts in milliseconds, one per decision.
	DefaultPatienceTimeoutMs   = 1000
	DefaultRespondTimeoutMs    = 5000
	DefaultModerationTimeoutMs = 10000
	DefaultStyleTimeoutMs      = 2000
)

// DefaultRules apply when moderation is enabled without configured rules.
var DefaultRules = []string{
	"No hate speech or bullying. Treat all members with respect.",
	"No trash-talking competitors or non-constructive comparisons.",
	"No third-party addon/mod discussion.",
	"Respect intellectual property laws.",
	"No inappropriate language or excessive rudeness.",
}

type Config struct {
	Bot         BotConfig         `json:"bot" yaml:"bot"`
	Personality PersonalityConfig `json:"personality" yaml:"personality"`
	Moderation  ModerationConfig  `json:"moderation" yaml:"moderation"`
	Provider    ProviderConfig    `json:"provider" yaml:"provider"`
	Agent       AgentConfig       `json:"agent" yaml:"agent"`
	Oracle      OracleConfig      `json:"oracle" yaml:"oracle"`
	Channels    ChannelsConfig    `json:"channels" yaml:"channels"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway"`
	Audit       AuditConfig       `json:"audit" yaml:"audit"`
	Log         LogConfig         `json:"log" yaml:"log"`
}

type BotConfig struct {
	Name               string   `json:"name" yaml:"name"`
	SystemPrompt       string   `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	ContextWindow      int      `json:"contextWindow" yaml:"contextWindow"`
	ContextMaxAgeHours float64  `json:"contextMaxAgeHours" yaml:"contextMaxAgeHours"`
	TypingDelayMin     float64  `json:"typingDelayMin" yaml:"typingDelayMin"`
	TypingDelayMax     float64  `json:"typingDelayMax" yaml:"typingDelayMax"`
	ActiveChannels     []string `json:"activeChannels,omitempty" yaml:"activeChannels,omitempty"`
}

// PersonalityConfig tunes how eager, patient and verbose the bot is.
type PersonalityConfig struct {
	Chatty    float64 `json:"chatty" yaml:"chatty"`
	Patience  int     `json:"patience" yaml:"patience"`
	Formality int     `json:"formality" yaml:"formality"`
}

type ModerationConfig struct {
	Enabled              bool     `json:"enabled" yaml:"enabled"`
	Rules                []string `json:"rules" yaml:"rules"`
	ExemptRoles          []string `json:"exemptRoles,omitempty" yaml:"exemptRoles,omitempty"`
	AutoTimeout          bool     `json:"autoTimeout" yaml:"autoTimeout"`
	WarningThreshold     int      `json:"warningThreshold" yaml:"warningThreshold"`
	TimeoutMinutes       int      `json:"timeoutMinutes" yaml:"timeoutMinutes"`
	LogChannelID         string   `json:"logChannelId,omitempty" yaml:"logChannelId,omitempty"`
	DeleteViolations     bool     `json:"deleteViolations" yaml:"deleteViolations"`
	WarningDeleteSeconds int      `json:"warningDeleteSeconds" yaml:"warningDeleteSeconds"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey" yaml:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
}

// AgentConfig configures reply generation.
type AgentConfig struct {
	Model     string `json:"model" yaml:"model"`
	MaxTokens int    `json:"maxTokens" yaml:"maxTokens"`
}

// OracleConfig configures the OpenAI-compatible completion endpoint used for
// short structured decisions. Empty APIKey/BaseURL fall back to Provider.
type OracleConfig struct {
	Model               string `json:"model" yaml:"model"`
	APIKey              string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL             string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	MaxTokens           int    `json:"maxTokens" yaml:"maxTokens"`
	PatienceTimeoutMs   int    `json:"patienceTimeoutMs" yaml:"patienceTimeoutMs"`
	RespondTimeoutMs    int    `json:"respondTimeoutMs" yaml:"respondTimeoutMs"`
	ModerationTimeoutMs int    `json:"moderationTimeoutMs" yaml:"moderationTimeoutMs"`
	StyleTimeoutMs      int    `json:"styleTimeoutMs" yaml:"styleTimeoutMs"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	WebUI    WebUIConfig    `json:"webui" yaml:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
}

type GatewayConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Workers       int    `json:"workers" yaml:"workers"`
	SweepSchedule string `json:"sweepSchedule" yaml:"sweepSchedule"`
}

type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name:               DefaultName,
			ContextWindow:      DefaultContextWindow,
			ContextMaxAgeHours: DefaultContextMaxAgeHours,
			TypingDelayMin:     DefaultTypingDelayMin,
			TypingDelayMax:     DefaultTypingDelayMax,
		},
		Personality: PersonalityConfig{
			Chatty:    DefaultChatty,
			Patience:  DefaultPatience,
			Formality: DefaultFormality,
		},
		Moderation: ModerationConfig{
			Enabled:          true,
			Rules:            append([]string(nil), DefaultRules...),
			WarningThreshold: DefaultWarningThreshold,
			TimeoutMinutes:   DefaultTimeoutMinutes,
			DeleteViolations: true,
		},
		Agent: AgentConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Oracle: OracleConfig{
			Model:               DefaultOracleModel,
			BaseURL:             DefaultOracleBaseURL,
			MaxTokens:           DefaultOracleMaxTokens,
			PatienceTimeoutMs:   DefaultPatienceTimeoutMs,
			RespondTimeoutMs:    DefaultRespondTimeoutMs,
			ModerationTimeoutMs: DefaultModerationTimeoutMs,
			StyleTimeoutMs:      DefaultStyleTimeoutMs,
		},
		Gateway: GatewayConfig{
			Host:          DefaultHost,
			Port:          DefaultPort,
			Workers:       DefaultWorkers,
			SweepSchedule: DefaultSweepSchedule,
		},
		Audit: AuditConfig{Enabled: true},
		Log:   LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("SOL_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".sol")
}

// ConfigPath returns the first config file present in ConfigDir, preferring
// config.json, then config.yaml and config.yml. When none exists the JSON path
// is returned so onboarding has somewhere to write.
func ConfigPath() string {
	dir := ConfigDir()
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

func AuditDBPath(cfg *Config) string {
	if p := strings.TrimSpace(cfg.Audit.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "audit.db")
}

func LoadConfig() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads path (JSON or YAML by extension) over the defaults, applies
// environment overrides and normalizes ranges. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Normalize()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// SaveConfig writes cfg to path, choosing the encoding by extension.
func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("SOL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = key
	}
	if url := os.Getenv("SOL_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("SOL_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if model := os.Getenv("SOL_ORACLE_MODEL"); model != "" {
		cfg.Oracle.Model = model
	}
	if token := os.Getenv("SOL_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if enabled := os.Getenv("SOL_MODERATION_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Moderation.Enabled = parsed
		}
	}
	if level := os.Getenv("SOL_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// Normalize clamps every tunable into its supported range.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Bot.Name) == "" {
		c.Bot.Name = DefaultName
	}
	c.Bot.ContextWindow = clampInt(c.Bot.ContextWindow, MinContextWindow, MaxContextWindow)
	if c.Bot.ContextMaxAgeHours < 0 {
		c.Bot.ContextMaxAgeHours = 0
	}
	if c.Bot.TypingDelayMin < 0 {
		c.Bot.TypingDelayMin = 0
	}
	if c.Bot.TypingDelayMax < c.Bot.TypingDelayMin {
		c.Bot.TypingDelayMax = c.Bot.TypingDelayMin
	}

	if c.Personality.Chatty < 0 {
		c.Personality.Chatty = 0
	}
	if c.Personality.Chatty > 1 {
		c.Personality.Chatty = 1
	}
	c.Personality.Patience = clampInt(c.Personality.Patience, 1, 10)
	c.Personality.Formality = clampInt(c.Personality.Formality, 1, 10)

	if c.Moderation.WarningThreshold < 1 {
		c.Moderation.WarningThreshold = DefaultWarningThreshold
	}
	if c.Moderation.TimeoutMinutes < 1 {
		c.Moderation.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if c.Moderation.WarningDeleteSeconds < 0 {
		c.Moderation.WarningDeleteSeconds = 0
	}

	if c.Oracle.MaxTokens <= 0 {
		c.Oracle.MaxTokens = DefaultOracleMaxTokens
	}
	if c.Oracle.PatienceTimeoutMs <= 0 {
		c.Oracle.PatienceTimeoutMs = DefaultPatienceTimeoutMs
	}
	if c.Oracle.RespondTimeoutMs <= 0 {
		c.Oracle.RespondTimeoutMs = DefaultRespondTimeoutMs
	}
	if c.Oracle.ModerationTimeoutMs <= 0 {
		c.Oracle.ModerationTimeoutMs = DefaultModerationTimeoutMs
	}
	if c.Oracle.StyleTimeoutMs <= 0 {
		c.Oracle.StyleTimeoutMs = DefaultStyleTimeoutMs
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = DefaultMaxTokens
	}
	if c.Gateway.Workers <= 0 {
		c.Gateway.Workers = DefaultWorkers
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultPort
	}
	if strings.TrimSpace(c.Gateway.SweepSchedule) == "" {
		c.Gateway.SweepSchedule = DefaultSweepSchedule
	}
}

// Validate reports configurations the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram enabled without token"))
	}
	if c.Moderation.Enabled && len(c.Moderation.Rules) == 0 {
		errs = append(errs, errors.New("moderation enabled without rules"))
	}
	switch c.Provider.Type {
	case "", "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown provider type %q", c.Provider.Type))
	}
	return errors.Join(errs...)
}

// OracleCredentials resolves the key and endpoint used for decision calls.
func (c *Config) OracleCredentials() (apiKey, baseURL string) {
	apiKey = c.Oracle.APIKey
	if apiKey == "" {
		apiKey = c.Provider.APIKey
	}
	baseURL = c.Oracle.BaseURL
	if baseURL == "" {
		baseURL = c.Provider.BaseURL
	}
	return apiKey, baseURL
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
