package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/publish"
)

// Batch-level callback statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// CallbackResult reports one item's outcome.
type CallbackResult struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	NewTip        string                 `json:"new_tip,omitempty"`
	NewVersion    int                    `json:"new_version,omitempty"`
	Error         string                 `json:"error,omitempty"`
	GroupsCreated []publish.GroupCreated `json:"groups_created,omitempty"`
}

// ProcessingConfig tells the orchestrator what to run on a new PI entity.
// Grouped children carry their content through unchanged, so OCR and
// another reorganization pass are off.
type ProcessingConfig struct {
	OCR        bool `json:"ocr"`
	Reorganize bool `json:"reorganize"`
	Pinax      bool `json:"pinax"`
}

// NewPI announces a child entity created by grouping.
type NewPI struct {
	ID               string           `json:"id"`
	ParentID         string           `json:"parent_id"`
	Children         []string         `json:"children"`
	ProcessingConfig ProcessingConfig `json:"processing_config"`
}

// Summary aggregates a batch outcome.
type Summary struct {
	Total            int   `json:"total"`
	Succeeded        int   `json:"succeeded"`
	Failed           int   `json:"failed"`
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// CallbackPayload is the single aggregated report sent per batch.
type CallbackPayload struct {
	BatchID string           `json:"batch_id"`
	ChunkID string           `json:"chunk_id"`
	Status  string           `json:"status"`
	Results []CallbackResult `json:"results"`
	NewPIs  []NewPI          `json:"new_pis,omitempty"`
	Summary Summary          `json:"summary"`
	Error   string           `json:"error,omitempty"`
}

// BuildCallbackPayload summarizes a finished batch.
func BuildCallbackPayload(b *BatchState, now time.Time) *CallbackPayload {
	p := &CallbackPayload{
		BatchID: b.BatchID,
		ChunkID: b.ChunkID,
		Error:   b.GlobalError,
	}

	for _, it := range b.Items {
		r := CallbackResult{ID: it.ID}
		if it.Status == ItemError {
			r.Status = StatusError
			r.Error = it.Error
			p.Summary.Failed++
		} else {
			r.Status = StatusSuccess
			r.NewTip = it.NewParentTip
			r.NewVersion = it.NewParentVersion
			r.GroupsCreated = it.GroupsCreated
			p.Summary.Succeeded++
		}
		p.Results = append(p.Results, r)

		for _, g := range it.GroupsCreated {
			p.NewPIs = append(p.NewPIs, NewPI{
				ID:       g.ID,
				ParentID: it.ID,
				Children: []string{},
				ProcessingConfig: ProcessingConfig{
					OCR:        false,
					Reorganize: false,
					Pinax:      true,
				},
			})
		}
	}

	p.Summary.Total = len(b.Items)
	p.Summary.ProcessingTimeMS = now.Sub(b.StartedAt).Milliseconds()

	switch {
	case p.Summary.Failed == 0:
		p.Status = StatusSuccess
	case p.Summary.Succeeded == 0:
		p.Status = StatusError
	default:
		p.Status = StatusPartial
	}
	return p
}

// Notifier delivers callback payloads to the orchestrator.
type Notifier interface {
	Send(ctx context.Context, payload *CallbackPayload) error
}

// HTTPNotifier posts callbacks to the orchestrator's REST endpoint.
type HTTPNotifier struct {
	baseURL string
	http    *http.Client
}

// NewHTTPNotifier creates a notifier for the given orchestrator base URL.
func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNotifier{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Send posts the payload to /callback/organizer/{batch_id}. Any non-2xx
// response is an error so the processor's retry policy applies.
func (n *HTTPNotifier) Send(ctx context.Context, payload *CallbackPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("callback: marshal: %w", err)
	}
	url := fmt.Sprintf("%s/callback/organizer/%s", n.baseURL, payload.BatchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("callback: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("callback: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback: orchestrator returned %d", resp.StatusCode)
	}
	return nil
}
