// Package batch implements the asynchronous processing pipeline: a
// per-batch state machine persisted to SQLite and driven by a timer, with
// parallel fetch/organize, serialized publication, and a single aggregated
// callback.
package batch

import (
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/publish"
)

// Phase is the batch-level lifecycle state.
type Phase string

const (
	PhasePending    Phase = "PENDING"
	PhaseProcessing Phase = "PROCESSING"
	PhasePublishing Phase = "PUBLISHING"
	PhaseCallback   Phase = "CALLBACK"
	PhaseDone       Phase = "DONE"
	PhaseError      Phase = "ERROR"
)

// Terminal reports whether a phase accepts no further work.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}

// ItemStatus is the per-item lifecycle state.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemFetching   ItemStatus = "fetching"
	ItemProcessing ItemStatus = "processing"
	ItemPublishing ItemStatus = "publishing"
	ItemDone       ItemStatus = "done"
	ItemError      ItemStatus = "error"
)

// ItemState tracks one directory entity through the pipeline. Files are
// persisted only between fetch and organize, then dropped to bound storage.
type ItemState struct {
	ID               string                 `json:"id"`
	Status           ItemStatus             `json:"status"`
	RetryCount       int                    `json:"retry_count"`
	Tip              string                 `json:"tip,omitempty"`
	DirectoryPath    string                 `json:"directory_path,omitempty"`
	Files            []organize.FileInput   `json:"files,omitempty"`
	Components       map[string]string      `json:"components,omitempty"`
	Plan             *organize.Plan         `json:"plan,omitempty"`
	GroupsCreated    []publish.GroupCreated `json:"groups_created,omitempty"`
	NewParentTip     string                 `json:"new_parent_tip,omitempty"`
	NewParentVersion int                    `json:"new_parent_version,omitempty"`
	Ungrouped        []string               `json:"ungrouped,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

// BatchState is the persisted root of one (batch_id, chunk_id) unit of work.
// It is mutated only by the owning processor loop.
type BatchState struct {
	BatchID            string       `json:"batch_id"`
	ChunkID            string       `json:"chunk_id"`
	Phase              Phase        `json:"phase"`
	StartedAt          time.Time    `json:"started_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	CallbackRetryCount int          `json:"callback_retry_count"`
	CustomPrompt       string       `json:"custom_prompt,omitempty"`
	Items              []*ItemState `json:"items"`
	GlobalError        string       `json:"global_error,omitempty"`
}

// CountByStatus tallies items per status.
func (b *BatchState) CountByStatus() map[ItemStatus]int {
	counts := make(map[ItemStatus]int)
	for _, it := range b.Items {
		counts[it.Status]++
	}
	return counts
}

// Progress is the status-query view of a batch.
type Progress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Fetching   int `json:"fetching"`
	Processing int `json:"processing"`
	Publishing int `json:"publishing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// ProgressOf summarizes the batch for status queries.
func (b *BatchState) ProgressOf() Progress {
	c := b.CountByStatus()
	return Progress{
		Total:      len(b.Items),
		Pending:    c[ItemPending],
		Fetching:   c[ItemFetching],
		Processing: c[ItemProcessing],
		Publishing: c[ItemPublishing],
		Done:       c[ItemDone],
		Failed:     c[ItemError],
	}
}
