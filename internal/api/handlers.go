package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/batch"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/stats"
)

// maxRequestBody caps organize request bodies at 10 MiB.
const maxRequestBody = 10 << 20

// OrganizeService runs one synchronous grouping request.
type OrganizeService interface {
	Organize(ctx context.Context, req organize.OrganizeRequest) (organize.Plan, error)
}

// BatchManager accepts and reports on asynchronous batches.
type BatchManager interface {
	Submit(batchID, chunkID string, ids []string, customPrompt string) error
	Status(batchID, chunkID string) (batch.Phase, batch.Progress, error)
}

// Handler holds API route handlers.
type Handler struct {
	svc   OrganizeService
	mgr   BatchManager
	usage *stats.Collector
}

// NewHandler creates a new Handler. usage may be nil.
func NewHandler(svc OrganizeService, mgr BatchManager, usage *stats.Collector) *Handler {
	return &Handler{svc: svc, mgr: mgr, usage: usage}
}

// Organize handles POST /api/organize: a synchronous grouping request.
func (h *Handler) Organize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req organize.OrganizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("request exceeds 10 MiB"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	plan, err := h.svc.Organize(r.Context(), req)
	if h.usage != nil {
		var prompt, completion int
		var cost float64
		if plan.Usage != nil {
			prompt = plan.Usage.PromptTokens
			completion = plan.Usage.CompletionTokens
			cost = plan.Usage.Cost
		}
		h.usage.RecordOrganize(prompt, completion, cost, err != nil)
	}
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrLLMTransient):
			writeJSON(w, http.StatusServiceUnavailable, errorBody("llm provider unavailable"))
		default:
			slog.Error("organize failed",
				slog.String("directory", req.DirectoryPath),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("organization failed"))
		}
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Process handles POST /api/process: an asynchronous batch submission.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.BatchID == "" || req.ChunkID == "" || len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("batch_id, chunk_id and ids are required"))
		return
	}

	err := h.mgr.Submit(req.BatchID, req.ChunkID, req.IDs, req.CustomPrompt)
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyProcessing) {
			resp := ProcessResponse{
				Status:  "already_processing",
				ChunkID: req.ChunkID,
				Total:   len(req.IDs),
			}
			if phase, _, serr := h.mgr.Status(req.BatchID, req.ChunkID); serr == nil {
				resp.Phase = string(phase)
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		slog.Error("submit failed",
			slog.String("batch_id", req.BatchID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("submit failed"))
		return
	}

	writeJSON(w, http.StatusOK, ProcessResponse{
		Status:  "accepted",
		ChunkID: req.ChunkID,
		Total:   len(req.IDs),
	})
}

// Status handles GET /api/status/{batchID}/{chunkID}. Idempotent and
// read-only.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	chunkID := chi.URLParam(r, "chunkID")

	phase, progress, err := h.mgr.Status(batchID, chunkID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		slog.Error("status failed",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:   "ok",
		Phase:    string(phase),
		Progress: progress,
	})
}

// Stats handles GET /api/stats: process-level usage counters.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	if h.usage == nil {
		writeJSON(w, http.StatusOK, stats.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, h.usage.Current())
}
