// Package organizer runs a single grouping request end to end: prompt
// construction, the LLM call with transient-failure retry, and response
// sanitization.
package organizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/llm"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/prompt"
)

// Completer is the slice of the LLM client the service needs.
type Completer interface {
	Complete(ctx context.Context, system, user string, temperature float32) (llm.Completion, error)
}

// Config tunes the orchestration.
type Config struct {
	Prompt      prompt.Config
	Temperature float32
	// MaxAttempts bounds LLM calls per request; only transient failures
	// are retried.
	MaxAttempts int
	// RetryBaseDelay is the first backoff step; it doubles per attempt
	// with up to 50% jitter.
	RetryBaseDelay time.Duration
}

// Service orchestrates a single organize request.
type Service struct {
	llm Completer
	cfg Config
}

// NewService creates an organizer service.
func NewService(completer Completer, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Service{llm: completer, cfg: cfg}
}

// Organize validates req, produces a grouping plan via the LLM, and returns
// the sanitized plan with truncation stats, usage, and warnings attached.
func (s *Service) Organize(ctx context.Context, req organize.OrganizeRequest) (organize.Plan, error) {
	if err := req.Validate(); err != nil {
		return organize.Plan{}, fmt.Errorf("organizer: validate: %w", err)
	}

	built := prompt.Build(req, s.cfg.Prompt)
	if built.Stats.Applied {
		slog.Info("prompt truncation applied",
			slog.String("directory", req.DirectoryPath),
			slog.Int("deficit", built.Stats.Deficit),
			slog.Bool("protection_mode", built.Stats.ProtectionModeUsed))
	}

	comp, err := s.completeWithRetry(ctx, built.System, built.User)
	if err != nil {
		return organize.Plan{}, err
	}

	var raw organize.Response
	if err := json.Unmarshal([]byte(comp.Content), &raw); err != nil {
		return organize.Plan{}, fmt.Errorf("organizer: parse response: %v: %w", err, apperr.ErrBadResponse)
	}

	plan, err := organize.Sanitize(req.InputNames(), raw)
	if err != nil {
		return organize.Plan{}, fmt.Errorf("organizer: %w", err)
	}

	stats := built.Stats
	plan.Truncation = &stats
	plan.Usage = &organize.Usage{
		PromptTokens:     comp.PromptTokens,
		CompletionTokens: comp.CompletionTokens,
		TotalTokens:      comp.TotalTokens,
		Cost:             comp.Cost,
		Model:            comp.Model,
	}
	return plan, nil
}

func (s *Service) completeWithRetry(ctx context.Context, system, user string) (llm.Completion, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(s.cfg.RetryBaseDelay, attempt)
			slog.Debug("retrying llm call",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return llm.Completion{}, ctx.Err()
			}
		}

		comp, err := s.llm.Complete(ctx, system, user, s.cfg.Temperature)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !errors.Is(err, apperr.ErrLLMTransient) {
			return llm.Completion{}, err
		}
	}
	return llm.Completion{}, fmt.Errorf("organizer: llm failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// backoff doubles the base per attempt and adds up to 50% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
