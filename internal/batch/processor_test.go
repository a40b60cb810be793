package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/fetch"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/publish"
)

type stubFetcher struct {
	mu        sync.Mutex
	contexts  map[string]*fetch.Context
	failures  map[string]int // remaining failures per id
	callCount map[string]int
}

func (f *stubFetcher) FetchContext(_ context.Context, id string) (*fetch.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callCount == nil {
		f.callCount = map[string]int{}
	}
	f.callCount[id]++
	if n := f.failures[id]; n > 0 {
		f.failures[id] = n - 1
		return nil, fmt.Errorf("flaky fetch: %w", apperr.ErrStoreTransient)
	}
	c, ok := f.contexts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return c, nil
}

type stubOrganizer struct{}

func (stubOrganizer) Organize(_ context.Context, req organize.OrganizeRequest) (organize.Plan, error) {
	names := req.InputNames()
	return organize.Plan{
		Groups:      []organize.Group{{GroupName: "All", Description: "everything", Files: names}},
		Ungrouped:   []string{},
		Description: "grouped everything together",
	}, nil
}

type stubPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (p *stubPublisher) Publish(_ context.Context, item publish.Input) (*publish.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, item.ID)
	groups := make([]publish.GroupCreated, 0, len(item.Plan.Groups))
	for i, g := range item.Plan.Groups {
		groups = append(groups, publish.GroupCreated{
			GroupName:   g.GroupName,
			ID:          fmt.Sprintf("%s-child-%d", item.ID, i),
			Files:       g.Files,
			Description: g.Description,
		})
	}
	return &publish.Result{
		NewParentTip:     item.ID + "-tip-2",
		NewParentVersion: 2,
		GroupsCreated:    groups,
	}, nil
}

type stubNotifier struct {
	mu       sync.Mutex
	failures int
	payloads []*CallbackPayload
}

func (n *stubNotifier) Send(_ context.Context, p *CallbackPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return errors.New("orchestrator unavailable")
	}
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *stubNotifier) sent() []*CallbackPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*CallbackPayload(nil), n.payloads...)
}

func dirContext(id string, n int) *fetch.Context {
	c := &fetch.Context{
		ID:            id,
		Tip:           id + "-tip-1",
		DirectoryPath: id,
		Components:    map[string]string{},
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%d.txt", i)
		c.Components[name] = fmt.Sprintf("cid-%s-%d", id, i)
		c.Files = append(c.Files, organize.FileInput{
			Name: name, Kind: organize.KindText, Content: "content",
		})
	}
	return c
}

func testManager(t *testing.T, fetcher ContextFetcher, notifier Notifier) *Manager {
	t.Helper()
	m := NewManager(testStore(t), fetcher, stubOrganizer{}, &stubPublisher{}, notifier, nil, nil, Config{
		MaxRetriesPerItem:      3,
		MaxCallbackRetries:     3,
		AlarmInterval:          5 * time.Millisecond,
		CallbackRetryBaseDelay: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Run(ctx) }()
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.ctx != nil
	})
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBatchEndToEnd(t *testing.T) {
	fetcher := &stubFetcher{contexts: map[string]*fetch.Context{
		"ent-a": dirContext("ent-a", 4),
		"ent-b": dirContext("ent-b", 5),
	}}
	notifier := &stubNotifier{}
	m := testManager(t, fetcher, notifier)

	if err := m.Submit("batch-1", "chunk-1", []string{"ent-a", "ent-b"}, ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, func() bool { return len(notifier.sent()) == 1 })
	payload := notifier.sent()[0]

	if payload.Status != StatusSuccess {
		t.Errorf("status = %q, want success", payload.Status)
	}
	if len(payload.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(payload.Results))
	}
	for _, r := range payload.Results {
		if r.Status != StatusSuccess || r.NewTip == "" || r.NewVersion != 2 {
			t.Errorf("result = %+v", r)
		}
		if len(r.GroupsCreated) != 1 {
			t.Errorf("groups_created = %+v", r.GroupsCreated)
		}
	}
	if len(payload.NewPIs) != 2 {
		t.Fatalf("new_pis = %d, want one per created group", len(payload.NewPIs))
	}
	for _, pi := range payload.NewPIs {
		cfg := pi.ProcessingConfig
		if cfg.OCR || cfg.Reorganize || !cfg.Pinax {
			t.Errorf("processing_config = %+v", cfg)
		}
	}
	if payload.Summary.Total != 2 || payload.Summary.Succeeded != 2 || payload.Summary.Failed != 0 {
		t.Errorf("summary = %+v", payload.Summary)
	}

	// A DONE batch eventually frees its persisted state.
	waitFor(t, func() bool {
		_, err := m.store.GetBatch("batch-1", "chunk-1")
		return errors.Is(err, apperr.ErrNotFound)
	})
}

func TestBatchDuplicateSubmitRejected(t *testing.T) {
	fetcher := &stubFetcher{contexts: map[string]*fetch.Context{"ent-a": dirContext("ent-a", 4)}}
	notifier := &stubNotifier{failures: 1000} // hold the batch in CALLBACK until its callback retries run out
	m := testManager(t, fetcher, notifier)

	if err := m.Submit("batch-1", "chunk-1", []string{"ent-a"}, ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := m.Submit("batch-1", "chunk-1", []string{"ent-a"}, "")
	if !errors.Is(err, apperr.ErrAlreadyProcessing) {
		t.Errorf("second submit err = %v, want ErrAlreadyProcessing", err)
	}
}

func TestBatchSkipsSmallDirectories(t *testing.T) {
	fetcher := &stubFetcher{contexts: map[string]*fetch.Context{
		"ent-small": dirContext("ent-small", 2),
	}}
	notifier := &stubNotifier{}
	m := testManager(t, fetcher, notifier)

	if err := m.Submit("batch-1", "chunk-1", []string{"ent-small"}, ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(notifier.sent()) == 1 })

	payload := notifier.sent()[0]
	if payload.Status != StatusSuccess {
		t.Errorf("status = %q", payload.Status)
	}
	r := payload.Results[0]
	if r.Status != StatusSuccess || r.NewTip != "" || len(r.GroupsCreated) != 0 {
		t.Errorf("small directory result = %+v", r)
	}
}

func TestBatchItemRetriesThenFails(t *testing.T) {
	fetcher := &stubFetcher{
		contexts: map[string]*fetch.Context{"ent-good": dirContext("ent-good", 4)},
		failures: map[string]int{"ent-bad": 1000},
	}
	notifier := &stubNotifier{}
	m := testManager(t, fetcher, notifier)

	if err := m.Submit("batch-1", "chunk-1", []string{"ent-good", "ent-bad"}, ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(notifier.sent()) == 1 })

	payload := notifier.sent()[0]
	if payload.Status != StatusPartial {
		t.Errorf("status = %q, want partial", payload.Status)
	}
	byID := map[string]CallbackResult{}
	for _, r := range payload.Results {
		byID[r.ID] = r
	}
	if byID["ent-good"].Status != StatusSuccess {
		t.Errorf("ent-good = %+v", byID["ent-good"])
	}
	bad := byID["ent-bad"]
	if bad.Status != StatusError || bad.Error == "" {
		t.Errorf("ent-bad = %+v", bad)
	}

	fetcher.mu.Lock()
	badCalls := fetcher.callCount["ent-bad"]
	fetcher.mu.Unlock()
	if badCalls != 3 {
		t.Errorf("ent-bad attempts = %d, want MaxRetriesPerItem", badCalls)
	}
}

func TestBatchTransientRetryRecovers(t *testing.T) {
	fetcher := &stubFetcher{
		contexts: map[string]*fetch.Context{"ent-a": dirContext("ent-a", 4)},
		failures: map[string]int{"ent-a": 2},
	}
	notifier := &stubNotifier{}
	m := testManager(t, fetcher, notifier)

	if err := m.Submit("batch-1", "chunk-1", []string{"ent-a"}, ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(notifier.sent()) == 1 })
	if got := notifier.sent()[0].Status; got != StatusSuccess {
		t.Errorf("status = %q, want success after retries", got)
	}
}

func TestBatchCallbackRetriesThenForceCompletes(t *testing.T) {
	fetcher := &stubFetcher{contexts: map[string]*fetch.Context{"ent-a": dirContext("ent-a", 4)}}
	notifier := &stubNotifier{failures: 1000}
	m := testManager(t, fetcher, notifier)

	if err := m.Submit("batch-1", "chunk-1", []string{"ent-a"}, ""); err != nil {
		t.Fatal(err)
	}
	// Delivery never succeeds; the batch must still complete and clean up.
	waitFor(t, func() bool {
		_, err := m.store.GetBatch("batch-1", "chunk-1")
		return errors.Is(err, apperr.ErrNotFound)
	})
	if len(notifier.sent()) != 0 {
		t.Errorf("payloads delivered = %d, want 0", len(notifier.sent()))
	}
}

func TestBatchStatus(t *testing.T) {
	fetcher := &stubFetcher{contexts: map[string]*fetch.Context{"ent-a": dirContext("ent-a", 4)}}
	notifier := &stubNotifier{failures: 1000} // stay in CALLBACK until the callback retries run out
	m := testManager(t, fetcher, notifier)

	if _, _, err := m.Status("nope", "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("status of unknown batch: %v", err)
	}

	if err := m.Submit("batch-1", "chunk-1", []string{"ent-a"}, ""); err != nil {
		t.Fatal(err)
	}
	var progress Progress
	waitFor(t, func() bool {
		phase, pr, err := m.Status("batch-1", "chunk-1")
		if err == nil && phase == PhaseCallback {
			progress = pr
			return true
		}
		return false
	})
	if progress.Total != 1 || progress.Done != 1 {
		t.Errorf("progress = %+v", progress)
	}
}
