package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/fetch"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/publish"
)

// ContextFetcher loads a directory entity's grouping inputs.
type ContextFetcher interface {
	FetchContext(ctx context.Context, id string) (*fetch.Context, error)
}

// Organizer produces a grouping plan for one request.
type Organizer interface {
	Organize(ctx context.Context, req organize.OrganizeRequest) (organize.Plan, error)
}

// Publisher applies a plan to the entity store.
type Publisher interface {
	Publish(ctx context.Context, item publish.Input) (*publish.Result, error)
}

// EventSink receives progress notifications. May be nil.
type EventSink interface {
	PublishBatchPhase(batchID, chunkID, phase string)
	PublishItemStatus(batchID, chunkID, itemID, status string)
}

// StatsRecorder tallies finished batches. May be nil.
type StatsRecorder interface {
	RecordBatch(succeeded, failed, groupsCreated int, batchFailed bool)
}

// Config tunes the batch state machine.
type Config struct {
	// MaxRetriesPerItem bounds fetch/organize attempts per item.
	MaxRetriesPerItem int
	// MaxCallbackRetries bounds callback delivery attempts before the
	// batch is force-completed.
	MaxCallbackRetries int
	// AlarmInterval is the scheduler re-entry delay.
	AlarmInterval time.Duration
	// MinFiles is the smallest directory worth organizing.
	MinFiles int
	// CallbackRetryBaseDelay is the first callback backoff step.
	CallbackRetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetriesPerItem <= 0 {
		c.MaxRetriesPerItem = 3
	}
	if c.MaxCallbackRetries <= 0 {
		c.MaxCallbackRetries = 3
	}
	if c.AlarmInterval <= 0 {
		c.AlarmInterval = 100 * time.Millisecond
	}
	if c.MinFiles <= 0 {
		c.MinFiles = 3
	}
	if c.CallbackRetryBaseDelay <= 0 {
		c.CallbackRetryBaseDelay = time.Second
	}
	return c
}

// maxConsecutiveStepFailures terminates a batch whose own bookkeeping keeps
// failing (corrupt persisted state, dead database).
const maxConsecutiveStepFailures = 10

// Manager owns all batch processing. Each (batch_id, chunk_id) gets a
// dedicated loop goroutine that owns the batch's state. During PROCESSING
// items run on parallel worker goroutines, each touching only its own item,
// so items need no locking.
type Manager struct {
	store     *Store
	fetcher   ContextFetcher
	organizer Organizer
	publisher Publisher
	notifier  Notifier
	events    EventSink
	stats     StatsRecorder
	cfg       Config

	mu      sync.Mutex
	ctx     context.Context
	running map[BatchKey]struct{}
	wg      sync.WaitGroup
}

// NewManager wires the batch pipeline. events and stats may be nil.
func NewManager(store *Store, fetcher ContextFetcher, organizer Organizer, publisher Publisher, notifier Notifier, events EventSink, stats StatsRecorder, cfg Config) *Manager {
	return &Manager{
		store:     store,
		fetcher:   fetcher,
		organizer: organizer,
		publisher: publisher,
		notifier:  notifier,
		events:    events,
		stats:     stats,
		cfg:       cfg.withDefaults(),
		running:   make(map[BatchKey]struct{}),
	}
}

// Run resumes persisted non-terminal batches and then blocks until ctx is
// cancelled, waiting for all batch loops to drain.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	keys, err := m.store.ListActive()
	if err != nil {
		return fmt.Errorf("batch: resume: %w", err)
	}
	for _, key := range keys {
		slog.Info("resuming batch",
			slog.String("batch_id", key.BatchID),
			slog.String("chunk_id", key.ChunkID))
		m.launch(key)
	}

	<-ctx.Done()
	m.wg.Wait()
	return nil
}

// Submit registers a new batch and schedules its first alarm. A batch that
// already exists and is not terminal is rejected with ErrAlreadyProcessing.
func (m *Manager) Submit(batchID, chunkID string, ids []string, customPrompt string) error {
	if len(ids) == 0 {
		return fmt.Errorf("batch: submit: no ids")
	}
	key := BatchKey{BatchID: batchID, ChunkID: chunkID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return fmt.Errorf("batch: manager not started")
	}
	if _, ok := m.running[key]; ok {
		return apperr.ErrAlreadyProcessing
	}
	if existing, err := m.store.GetBatch(batchID, chunkID); err == nil {
		if !existing.Phase.Terminal() {
			return apperr.ErrAlreadyProcessing
		}
		// A terminal batch still awaiting cleanup is safe to replace.
		if err := m.store.DeleteBatch(batchID, chunkID); err != nil {
			return err
		}
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	b := &BatchState{
		BatchID:      batchID,
		ChunkID:      chunkID,
		Phase:        PhasePending,
		StartedAt:    time.Now().UTC(),
		CustomPrompt: customPrompt,
	}
	for _, id := range ids {
		b.Items = append(b.Items, &ItemState{ID: id, Status: ItemPending})
	}
	if err := m.store.CreateBatch(b); err != nil {
		return err
	}

	m.launch(key)
	slog.Info("batch accepted",
		slog.String("batch_id", batchID),
		slog.String("chunk_id", chunkID),
		slog.Int("items", len(ids)))
	return nil
}

// Status reports a batch's phase and per-status item counts. Read-only.
func (m *Manager) Status(batchID, chunkID string) (Phase, Progress, error) {
	b, err := m.store.GetBatch(batchID, chunkID)
	if err != nil {
		return "", Progress{}, err
	}
	return b.Phase, b.ProgressOf(), nil
}

// launch starts the loop goroutine for key. Caller holds m.mu or is Run.
func (m *Manager) launch(key BatchKey) {
	m.running[key] = struct{}{}
	p := &processor{m: m, key: key}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, key)
			m.mu.Unlock()
		}()
		p.loop(m.ctx)
	}()
}

// processor drives one batch. It is the batch's single writer.
type processor struct {
	m             *Manager
	key           BatchKey
	nextCallback  time.Time
	stepFailures  int
	markedFailing bool
}

func (p *processor) loop(ctx context.Context) {
	ticker := time.NewTicker(p.m.cfg.AlarmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		done, err := p.step(ctx)
		if err != nil {
			p.stepFailures++
			slog.Error("batch step failed",
				slog.String("batch_id", p.key.BatchID),
				slog.String("chunk_id", p.key.ChunkID),
				slog.String("error", err.Error()))
			if p.stepFailures >= maxConsecutiveStepFailures {
				if p.markedFailing {
					return
				}
				p.markedFailing = true
				p.stepFailures = 0
				// Mark ERROR; the next alarm deletes the state.
				p.fail(err)
			}
			continue
		}
		p.stepFailures = 0
		if done {
			return
		}
	}
}

// step advances the batch one phase transition at most. Returns done=true
// once all state for the batch has been deleted.
func (p *processor) step(ctx context.Context) (bool, error) {
	b, err := p.m.store.GetBatch(p.key.BatchID, p.key.ChunkID)
	if err != nil {
		return false, err
	}

	switch b.Phase {
	case PhasePending:
		return false, p.setPhase(b, PhaseProcessing)

	case PhaseProcessing:
		if err := p.processPhase(ctx, b); err != nil {
			return false, err
		}
		c := b.CountByStatus()
		if c[ItemPending]+c[ItemFetching]+c[ItemProcessing] == 0 {
			return false, p.setPhase(b, PhasePublishing)
		}
		return false, nil

	case PhasePublishing:
		if err := p.publishPhase(ctx, b); err != nil {
			return false, err
		}
		if b.CountByStatus()[ItemPublishing] == 0 {
			return false, p.setPhase(b, PhaseCallback)
		}
		return false, nil

	case PhaseCallback:
		return false, p.callbackPhase(ctx, b)

	case PhaseDone, PhaseError:
		if err := p.m.store.DeleteBatch(p.key.BatchID, p.key.ChunkID); err != nil {
			return false, err
		}
		slog.Info("batch state cleaned up",
			slog.String("batch_id", p.key.BatchID),
			slog.String("chunk_id", p.key.ChunkID))
		return true, nil

	default:
		return false, fmt.Errorf("batch: unknown phase %q", b.Phase)
	}
}

// processPhase runs fetch+organize for all runnable items in parallel.
func (p *processor) processPhase(ctx context.Context, b *BatchState) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, it := range b.Items {
		if it.Status != ItemPending && it.Status != ItemFetching {
			continue
		}
		g.Go(func() error {
			p.processItem(gCtx, b, it)
			return nil
		})
	}
	return g.Wait()
}

// processItem advances one item through fetching and processing. All
// failures feed the per-item retry budget.
func (p *processor) processItem(ctx context.Context, b *BatchState, it *ItemState) {
	p.setItemStatus(b, it, ItemFetching)

	fctx, err := p.m.fetcher.FetchContext(ctx, it.ID)
	if err != nil {
		p.itemFailed(b, it, fmt.Errorf("fetch: %w", err))
		return
	}
	it.Tip = fctx.Tip
	it.DirectoryPath = fctx.DirectoryPath
	it.Components = fctx.Components
	it.Files = fctx.Files

	if len(it.Files) < p.m.cfg.MinFiles {
		slog.Info("too few files to organize",
			slog.String("id", it.ID),
			slog.Int("files", len(it.Files)))
		it.Files = nil
		p.setItemStatus(b, it, ItemDone)
		return
	}

	p.setItemStatus(b, it, ItemProcessing)

	plan, err := p.m.organizer.Organize(ctx, organize.OrganizeRequest{
		DirectoryPath: it.DirectoryPath,
		Files:         it.Files,
		CustomPrompt:  b.CustomPrompt,
	})
	if err != nil {
		p.itemFailed(b, it, fmt.Errorf("organize: %w", err))
		return
	}

	it.Plan = &plan
	it.Ungrouped = plan.Ungrouped
	// Contents served their purpose; drop them to bound persisted state.
	it.Files = nil
	p.setItemStatus(b, it, ItemPublishing)
}

// publishPhase publishes items one at a time to avoid bursting the store.
func (p *processor) publishPhase(ctx context.Context, b *BatchState) error {
	for _, it := range b.Items {
		if it.Status != ItemPublishing {
			continue
		}
		if it.Plan == nil {
			it.Error = "no plan recorded"
			p.setItemStatus(b, it, ItemError)
			continue
		}
		res, err := p.m.publisher.Publish(ctx, publish.Input{
			ID:         it.ID,
			Plan:       *it.Plan,
			Components: it.Components,
		})
		if err != nil {
			it.Error = err.Error()
			p.setItemStatus(b, it, ItemError)
			continue
		}
		it.NewParentTip = res.NewParentTip
		it.NewParentVersion = res.NewParentVersion
		it.GroupsCreated = res.GroupsCreated
		p.setItemStatus(b, it, ItemDone)
	}
	return nil
}

// callbackPhase sends the aggregated callback with bounded retries, then
// completes the batch either way.
func (p *processor) callbackPhase(ctx context.Context, b *BatchState) error {
	if time.Now().Before(p.nextCallback) {
		return nil
	}

	payload := BuildCallbackPayload(b, time.Now().UTC())
	err := p.m.notifier.Send(ctx, payload)
	if err == nil {
		now := time.Now().UTC()
		b.CompletedAt = &now
		p.recordStats(payload)
		return p.setPhase(b, PhaseDone)
	}

	b.CallbackRetryCount++
	slog.Warn("callback delivery failed",
		slog.String("batch_id", b.BatchID),
		slog.Int("attempt", b.CallbackRetryCount),
		slog.String("error", err.Error()))

	if b.CallbackRetryCount >= p.m.cfg.MaxCallbackRetries {
		// The payload is considered lost; reconciliation happens outside
		// the core. Completing anyway bounds state retention.
		b.GlobalError = fmt.Sprintf("callback delivery failed after %d attempts: %v", b.CallbackRetryCount, err)
		now := time.Now().UTC()
		b.CompletedAt = &now
		p.recordStats(payload)
		return p.setPhase(b, PhaseDone)
	}

	p.nextCallback = time.Now().Add(p.m.cfg.CallbackRetryBaseDelay << (b.CallbackRetryCount - 1))
	return p.m.store.SaveBatchMeta(b)
}

func (p *processor) recordStats(payload *CallbackPayload) {
	if p.m.stats == nil {
		return
	}
	p.m.stats.RecordBatch(
		payload.Summary.Succeeded,
		payload.Summary.Failed,
		len(payload.NewPIs),
		payload.Status == StatusError,
	)
}

func (p *processor) setPhase(b *BatchState, phase Phase) error {
	b.Phase = phase
	if err := p.m.store.SaveBatchMeta(b); err != nil {
		return err
	}
	if p.m.events != nil {
		p.m.events.PublishBatchPhase(b.BatchID, b.ChunkID, string(phase))
	}
	return nil
}

func (p *processor) setItemStatus(b *BatchState, it *ItemState, status ItemStatus) {
	it.Status = status
	if err := p.m.store.SaveItem(b.BatchID, b.ChunkID, it); err != nil {
		slog.Error("persist item failed",
			slog.String("id", it.ID),
			slog.String("error", err.Error()))
	}
	if p.m.events != nil {
		p.m.events.PublishItemStatus(b.BatchID, b.ChunkID, it.ID, string(status))
	}
}

func (p *processor) itemFailed(b *BatchState, it *ItemState, err error) {
	it.RetryCount++
	if it.RetryCount >= p.m.cfg.MaxRetriesPerItem {
		it.Error = err.Error()
		p.setItemStatus(b, it, ItemError)
		slog.Error("item failed permanently",
			slog.String("id", it.ID),
			slog.Int("retries", it.RetryCount),
			slog.String("error", err.Error()))
		return
	}
	slog.Warn("item attempt failed",
		slog.String("id", it.ID),
		slog.Int("retry", it.RetryCount),
		slog.String("error", err.Error()))
	p.setItemStatus(b, it, ItemPending)
}

// fail marks the batch terminally failed after repeated step errors.
func (p *processor) fail(err error) {
	b, loadErr := p.m.store.GetBatch(p.key.BatchID, p.key.ChunkID)
	if loadErr != nil {
		slog.Error("cannot mark batch failed",
			slog.String("batch_id", p.key.BatchID),
			slog.String("error", loadErr.Error()))
		return
	}
	b.GlobalError = err.Error()
	_ = p.setPhase(b, PhaseError)
}
