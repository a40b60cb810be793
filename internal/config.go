package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App          ApplicationConfig  `yaml:"app"`
	Auth         AuthConfig         `yaml:"auth"`
	LLM          LLMConfig          `yaml:"llm"`
	Arke         ArkeConfig         `yaml:"arke"`
	Batch        BatchConfig        `yaml:"batch"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Arke.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	return c.Orchestrator.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration. Rate limiting is per client
// address; RateLimitRPS of 0 disables it.
type HTTPConfig struct {
	Port           int     `yaml:"port"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Address returns the HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// LLMConfig holds the chat-completions provider configuration.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// MaxTokens is the model's total input+output window.
	MaxTokens int `yaml:"max_tokens"`
	// TokenBudgetPercentage is the fraction of MaxTokens reserved for the
	// prompt, in (0, 1].
	TokenBudgetPercentage float64 `yaml:"token_budget_percentage"`
	Temperature           float32 `yaml:"temperature"`
	MaxAttempts           int     `yaml:"max_attempts"`
	// Prices are USD per million tokens.
	InputPricePerM  float64 `yaml:"input_price_per_m"`
	OutputPricePerM float64 `yaml:"output_price_per_m"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.MaxTokens, validation.Required, validation.Min(1000)),
		validation.Field(&c.MaxAttempts, validation.Min(1)),
	); err != nil {
		return err
	}
	if c.TokenBudgetPercentage <= 0 || c.TokenBudgetPercentage > 1 {
		return fmt.Errorf("llm: token_budget_percentage must be in (0, 1], got %v", c.TokenBudgetPercentage)
	}
	return nil
}

// Timeout returns the request timeout as a duration.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ArkeConfig holds the entity store connection.
type ArkeConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Validate validates the entity store configuration.
func (c *ArkeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
	)
}

// Timeout returns the request timeout as a duration.
func (c *ArkeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BatchConfig tunes the asynchronous batch processor.
type BatchConfig struct {
	SQLitePath         string `yaml:"sqlite_path"`
	MaxRetriesPerItem  int    `yaml:"max_retries_per_item"`
	MaxCallbackRetries int    `yaml:"max_callback_retries"`
	AlarmIntervalMS    int    `yaml:"alarm_interval_ms"`
	MinFiles           int    `yaml:"min_files"`
}

// Validate validates the batch configuration.
func (c *BatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SQLitePath, validation.Required),
		validation.Field(&c.MaxRetriesPerItem, validation.Min(1)),
		validation.Field(&c.MaxCallbackRetries, validation.Min(1)),
		validation.Field(&c.AlarmIntervalMS, validation.Min(1)),
	)
}

// AlarmInterval returns the scheduler re-entry delay as a duration.
func (c *BatchConfig) AlarmInterval() time.Duration {
	return time.Duration(c.AlarmIntervalMS) * time.Millisecond
}

// OrchestratorConfig holds the upstream callback target.
type OrchestratorConfig struct {
	CallbackBaseURL string `yaml:"callback_base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Validate validates the orchestrator configuration.
func (c *OrchestratorConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.CallbackBaseURL, validation.Required),
	)
}

// Timeout returns the callback timeout as a duration.
func (c *OrchestratorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:           8080,
				RateLimitRPS:   10,
				RateLimitBurst: 20,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		LLM: LLMConfig{
			BaseURL:               "https://api.openai.com/v1",
			Model:                 "gpt-4o-mini",
			MaxTokens:             128000,
			TokenBudgetPercentage: 0.7,
			Temperature:           0.3,
			MaxAttempts:           3,
			TimeoutSeconds:        120,
		},
		Arke: ArkeConfig{
			BaseURL:        "http://localhost:9000",
			TimeoutSeconds: 30,
		},
		Batch: BatchConfig{
			SQLitePath:         "./organizer.db",
			MaxRetriesPerItem:  3,
			MaxCallbackRetries: 3,
			AlarmIntervalMS:    100,
			MinFiles:           3,
		},
		Orchestrator: OrchestratorConfig{
			CallbackBaseURL: "http://localhost:9100",
			TimeoutSeconds:  30,
		},
	}
}
