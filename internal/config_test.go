package internal

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.LLM.MaxTokens != 128000 {
		t.Errorf("max_tokens = %d", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.TokenBudgetPercentage != 0.7 {
		t.Errorf("token_budget_percentage = %v", cfg.LLM.TokenBudgetPercentage)
	}
	if cfg.Batch.AlarmInterval() != 100*time.Millisecond {
		t.Errorf("alarm interval = %v", cfg.Batch.AlarmInterval())
	}
}

func TestConfigRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.App.HTTP.Port = 0 },
		func(c *Config) { c.App.HTTP.Port = 70000 },
		func(c *Config) { c.LLM.Model = "" },
		func(c *Config) { c.LLM.TokenBudgetPercentage = 0 },
		func(c *Config) { c.LLM.TokenBudgetPercentage = 1.5 },
		func(c *Config) { c.Batch.SQLitePath = "" },
		func(c *Config) { c.Orchestrator.CallbackBaseURL = "" },
		func(c *Config) { c.Auth.Mode = "bogus" },
		func(c *Config) { c.Auth.Mode = AuthModeToken; c.Auth.Token = "" },
	}
	for i, mutate := range cases {
		cfg := NewDefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: invalid config accepted", i)
		}
	}
}

func TestAuthEnabled(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Auth.AuthEnabled() {
		t.Error("auth enabled by default")
	}
	cfg.Auth.Mode = AuthModeToken
	cfg.Auth.Token = "secret"
	if err := cfg.Auth.Validate(); err != nil {
		t.Fatal(err)
	}
	if !cfg.Auth.AuthEnabled() {
		t.Error("token mode not enabled")
	}
}
