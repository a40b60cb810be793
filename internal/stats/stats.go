// Package stats keeps lightweight in-process usage counters: request
// volumes, LLM token consumption and cost, and batch outcomes.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	StartedAt        time.Time `json:"started_at"`
	OrganizeRequests int64     `json:"organize_requests"`
	OrganizeFailures int64     `json:"organize_failures"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalCost        float64   `json:"total_cost"`
	BatchesCompleted int64     `json:"batches_completed"`
	BatchesFailed    int64     `json:"batches_failed"`
	ItemsSucceeded   int64     `json:"items_succeeded"`
	ItemsFailed      int64     `json:"items_failed"`
	GroupsCreated    int64     `json:"groups_created"`
	LastActivity     time.Time `json:"last_activity,omitempty"`
}

// Collector accumulates usage statistics. Safe for concurrent use.
type Collector struct {
	mu sync.RWMutex
	s  Snapshot
}

// NewCollector creates a collector anchored at the current time.
func NewCollector() *Collector {
	return &Collector{s: Snapshot{StartedAt: time.Now().UTC()}}
}

// RecordOrganize tallies one synchronous organize request.
func (c *Collector) RecordOrganize(promptTokens, completionTokens int, cost float64, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.OrganizeRequests++
	if failed {
		c.s.OrganizeFailures++
	}
	c.s.PromptTokens += int64(promptTokens)
	c.s.CompletionTokens += int64(completionTokens)
	c.s.TotalCost += cost
	c.s.LastActivity = time.Now().UTC()
}

// RecordBatch tallies one finished batch.
func (c *Collector) RecordBatch(succeeded, failed, groupsCreated int, batchFailed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if batchFailed {
		c.s.BatchesFailed++
	} else {
		c.s.BatchesCompleted++
	}
	c.s.ItemsSucceeded += int64(succeeded)
	c.s.ItemsFailed += int64(failed)
	c.s.GroupsCreated += int64(groupsCreated)
	c.s.LastActivity = time.Now().UTC()
}

// Current returns a copy of the counters.
func (c *Collector) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s
}
