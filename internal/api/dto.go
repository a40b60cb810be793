package api

import "github.com/Arke-Institute/arke-organizer-service/internal/batch"

// ProcessRequest is the body of POST /api/process.
type ProcessRequest struct {
	BatchID      string   `json:"batch_id"`
	ChunkID      string   `json:"chunk_id"`
	IDs          []string `json:"ids"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
}

// ProcessResponse acknowledges a batch submission.
type ProcessResponse struct {
	Status  string `json:"status"`
	ChunkID string `json:"chunk_id"`
	Total   int    `json:"total"`
	Phase   string `json:"phase,omitempty"`
}

// StatusResponse reports batch progress.
type StatusResponse struct {
	Status   string         `json:"status"`
	Phase    string         `json:"phase,omitempty"`
	Progress batch.Progress `json:"progress"`
}
