package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/arke"
	"github.com/Arke-Institute/arke-organizer-service/internal/fetch"
	"github.com/Arke-Institute/arke-organizer-service/internal/llm"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/organizer"
	"github.com/Arke-Institute/arke-organizer-service/internal/prompt"
	"github.com/Arke-Institute/arke-organizer-service/internal/publish"
)

// fakeArke is an in-memory entity store shared by fetcher and publisher.
type fakeArke struct {
	mu       sync.Mutex
	entities map[string]*arke.Entity
	blobs    map[string][]byte
	nextID   int
}

func newFakeArke() *fakeArke {
	return &fakeArke{
		entities: map[string]*arke.Entity{},
		blobs:    map[string][]byte{},
	}
}

func (s *fakeArke) addDirectory(id string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	components := map[string]string{}
	for name, content := range files {
		cid := fmt.Sprintf("cid-%s-%s", id, name)
		s.blobs[cid] = []byte(content)
		components[name] = cid
	}
	s.entities[id] = &arke.Entity{ID: id, Tip: id + "-tip-1", Version: 1, Components: components}
}

func (s *fakeArke) GetEntity(_ context.Context, id string) (*arke.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *e
	cp.Components = map[string]string{}
	for k, v := range e.Components {
		cp.Components[k] = v
	}
	return &cp, nil
}

func (s *fakeArke) Cat(_ context.Context, cid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[cid]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return b, nil
}

func (s *fakeArke) Upload(_ context.Context, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := fmt.Sprintf("cid-upload-%d", len(s.blobs))
	s.blobs[cid] = data
	return cid, nil
}

func (s *fakeArke) CreateEntity(_ context.Context, req arke.CreateEntityRequest) (*arke.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &arke.Entity{
		ID:         fmt.Sprintf("pi-%d", s.nextID),
		Tip:        fmt.Sprintf("pi-%d-tip-1", s.nextID),
		Version:    1,
		Components: req.Components,
		Parent:     req.Parent,
	}
	s.entities[e.ID] = e
	return e, nil
}

func (s *fakeArke) AppendVersion(_ context.Context, id string, req arke.AppendVersionRequest) (*arke.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if req.ExpectTip != e.Tip {
		return nil, apperr.ErrCASMismatch
	}
	for name, cid := range req.Components {
		e.Components[name] = cid
	}
	for _, name := range req.ComponentsRemove {
		delete(e.Components, name)
	}
	e.Version++
	e.Tip = fmt.Sprintf("%s-tip-%d", id, e.Version)
	cp := *e
	return &cp, nil
}

// scriptedCompleter returns a canned grouping response.
type scriptedCompleter struct {
	resp organize.Response
}

func (c *scriptedCompleter) Complete(_ context.Context, _, _ string, _ float32) (llm.Completion, error) {
	b, _ := json.Marshal(c.resp)
	return llm.Completion{
		Content:          string(b),
		PromptTokens:     10,
		CompletionTokens: 10,
		TotalTokens:      20,
		Model:            "scripted",
	}, nil
}

func TestBatchFullPipeline(t *testing.T) {
	store := newFakeArke()
	store.addDirectory("dir-1", map[string]string{
		"1901-a.txt": "letter from 1901",
		"1901-b.txt": "another 1901 letter",
		"1902-a.txt": "a 1902 letter",
		"notes.txt":  "misc notes",
	})

	completer := &scriptedCompleter{resp: organize.Response{
		Groups: []organize.ResponseGroup{
			{GroupName: "1901", Description: "letters from 1901", Files: []string{"1901-a.txt", "1901-b.txt"}},
			{GroupName: "1902", Description: "letters from 1902", Files: []string{"1902-a.txt"}},
		},
		UngroupedFiles:            []string{"notes.txt"},
		ReorganizationDescription: "split by year",
	}}

	svc := organizer.NewService(completer, organizer.Config{
		Prompt:         prompt.Config{MaxInputTokens: 128000, BudgetPercentage: 0.7},
		MaxAttempts:    2,
		RetryBaseDelay: time.Millisecond,
	})

	notifier := &stubNotifier{}
	m := NewManager(
		testStore(t),
		fetch.NewFetcher(store),
		svc,
		publish.NewPublisher(store, publish.Config{RetryBaseDelay: time.Millisecond}),
		notifier,
		nil,
		nil,
		Config{AlarmInterval: 5 * time.Millisecond, CallbackRetryBaseDelay: time.Millisecond},
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Run(ctx) }()
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.ctx != nil
	})

	if err := m.Submit("batch-9", "chunk-0", []string{"dir-1"}, ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return len(notifier.sent()) == 1 })

	payload := notifier.sent()[0]
	if payload.Status != StatusSuccess {
		t.Fatalf("status = %q, payload = %+v", payload.Status, payload)
	}
	r := payload.Results[0]
	if len(r.GroupsCreated) != 2 {
		t.Fatalf("groups created = %+v", r.GroupsCreated)
	}
	if len(payload.NewPIs) != 2 {
		t.Errorf("new_pis = %d", len(payload.NewPIs))
	}

	// The store now holds two children and a rewritten parent.
	parent, err := store.GetEntity(context.Background(), "dir-1")
	if err != nil {
		t.Fatal(err)
	}
	if parent.Version != 2 {
		t.Errorf("parent version = %d, want 2", parent.Version)
	}
	if _, ok := parent.Components["1901-a.txt"]; ok {
		t.Error("grouped component still on parent")
	}
	if _, ok := parent.Components["notes.txt"]; !ok {
		t.Error("ungrouped component removed from parent")
	}
	if _, ok := parent.Components["reorganization-description.txt"]; !ok {
		t.Error("parent missing reorganization description")
	}

	for _, g := range r.GroupsCreated {
		child, err := store.GetEntity(context.Background(), g.ID)
		if err != nil {
			t.Fatalf("child %s: %v", g.ID, err)
		}
		if child.Parent != "dir-1" {
			t.Errorf("child parent = %q", child.Parent)
		}
		if len(child.Components) != len(g.Files) {
			t.Errorf("child %s components = %v, want %v", g.ID, child.Components, g.Files)
		}
	}
}
