// Package publish turns a grouping plan into store mutations: one child
// entity per group, then a single CAS-guarded parent update that removes the
// regrouped components and records the reorganization.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/arke"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
)

// DescriptionComponent is the name under which the reorganization summary
// is attached to the parent entity.
const DescriptionComponent = "reorganization-description.txt"

// Input is one publishable item: a directory entity, its current manifest,
// and the plan to apply.
type Input struct {
	ID         string
	Plan       organize.Plan
	Components map[string]string
}

// GroupCreated records one child entity minted for a group.
type GroupCreated struct {
	GroupName   string   `json:"group_name"`
	ID          string   `json:"id"`
	Files       []string `json:"files"`
	Description string   `json:"description"`
}

// Result is the outcome of a publish.
type Result struct {
	NewParentTip     string
	NewParentVersion int
	GroupsCreated    []GroupCreated
	Warnings         []string
}

// Config tunes store retry behavior.
type Config struct {
	// MaxAttempts bounds each store mutation, including CAS retries on the
	// parent append. Minimum 3.
	MaxAttempts int
	// RetryBaseDelay is the first backoff step, doubling per attempt.
	RetryBaseDelay time.Duration
}

// Publisher applies plans to the entity store.
type Publisher struct {
	store arke.API
	cfg   Config
}

// NewPublisher creates a publisher.
func NewPublisher(store arke.API, cfg Config) *Publisher {
	if cfg.MaxAttempts < 3 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	return &Publisher{store: store, cfg: cfg}
}

// Publish creates child entities for every non-empty group, then appends a
// version to the parent that drops the regrouped components and attaches a
// human-readable description. Children are always created before the parent
// is touched; the parent append is the commit point, and every CAS retry
// refetches the current tip.
//
// A plan with no publishable groups is a no-op: the item is complete with
// no children and the parent is left untouched.
func (p *Publisher) Publish(ctx context.Context, item Input) (*Result, error) {
	res := &Result{}

	for _, group := range item.Plan.Groups {
		components := make(map[string]string)
		for _, name := range group.Files {
			if cid, ok := item.Components[name]; ok {
				components[name] = cid
			}
		}
		if len(components) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("group %q has no stored components, skipped", group.GroupName))
			continue
		}

		var child *arke.Entity
		err := p.withRetry(ctx, func() error {
			var err error
			child, err = p.store.CreateEntity(ctx, arke.CreateEntityRequest{
				Components: components,
				Parent:     item.ID,
				Type:       arke.EntityTypePI,
				Note:       "group: " + group.GroupName,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("publish: create group %q: %w", group.GroupName, err)
		}

		files := make([]string, 0, len(components))
		for name := range components {
			files = append(files, name)
		}
		sort.Strings(files)
		res.GroupsCreated = append(res.GroupsCreated, GroupCreated{
			GroupName:   group.GroupName,
			ID:          child.ID,
			Files:       files,
			Description: group.Description,
		})
		slog.Info("created group entity",
			slog.String("parent", item.ID),
			slog.String("child", child.ID),
			slog.String("group", group.GroupName))
	}

	if len(res.GroupsCreated) == 0 {
		return res, nil
	}

	removeSet := make(map[string]struct{})
	for _, g := range res.GroupsCreated {
		for _, name := range g.Files {
			removeSet[name] = struct{}{}
		}
	}
	remove := make([]string, 0, len(removeSet))
	for name := range removeSet {
		remove = append(remove, name)
	}
	sort.Strings(remove)

	var descCID string
	err := p.withRetry(ctx, func() error {
		var err error
		descCID, err = p.store.Upload(ctx, DescriptionComponent, []byte(descriptionText(item, res)))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("publish: upload description: %w", err)
	}

	// The tip is refetched inside the retry closure: reusing a tip captured
	// before the loop is exactly what produces stale-tip CAS failures.
	var updated *arke.Entity
	err = p.withRetry(ctx, func() error {
		current, err := p.store.GetEntity(ctx, item.ID)
		if err != nil {
			return err
		}
		updated, err = p.store.AppendVersion(ctx, item.ID, arke.AppendVersionRequest{
			ExpectTip:        current.Tip,
			Components:       map[string]string{DescriptionComponent: descCID},
			ComponentsRemove: remove,
			Note:             fmt.Sprintf("reorganized into %d group(s)", len(res.GroupsCreated)),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("publish: update parent %s: %w", item.ID, err)
	}

	res.NewParentTip = updated.Tip
	res.NewParentVersion = updated.Version
	return res, nil
}

// withRetry retries fn on transient store failures and CAS conflicts with
// exponential backoff.
func (p *Publisher) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, apperr.ErrStoreTransient) && !errors.Is(lastErr, apperr.ErrCASMismatch) {
			return lastErr
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func descriptionText(item Input, res *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reorganization of %s\n\n", item.ID)
	if item.Plan.Description != "" {
		b.WriteString(item.Plan.Description)
		b.WriteString("\n\n")
	}
	for _, g := range res.GroupsCreated {
		fmt.Fprintf(&b, "Group %q (%s): %s\n", g.GroupName, g.ID, strings.Join(g.Files, ", "))
	}
	if len(item.Plan.Ungrouped) > 0 {
		fmt.Fprintf(&b, "\nUngrouped: %s\n", strings.Join(item.Plan.Ungrouped, ", "))
	}
	return b.String()
}
