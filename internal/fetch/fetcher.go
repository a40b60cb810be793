// Package fetch pulls a directory entity's manifest and component contents
// from the store and shapes them into grouping inputs.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Arke-Institute/arke-organizer-service/internal/arke"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
)

// RefSuffix marks sidecar descriptors of non-text artifacts.
const RefSuffix = ".ref.json"

// DescriptionComponent is the component a previous reorganization wrote;
// it is metadata about the directory, not content to group.
const DescriptionComponent = "reorganization-description.txt"

// textExtensions are component extensions fetched as plain text.
var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".csv": {}, ".tsv": {},
	".json": {}, ".xml": {}, ".yaml": {}, ".yml": {}, ".html": {}, ".htm": {},
	".log": {}, ".rst": {}, ".tex": {},
}

// fetchConcurrency bounds parallel component downloads per directory.
const fetchConcurrency = 8

// refDescriptor is the parsed shape of a .ref.json sidecar.
type refDescriptor struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	OCR      string `json:"ocr"`
}

// Context is everything the organize and publish steps need about one
// directory entity.
type Context struct {
	ID            string
	Tip           string
	DirectoryPath string
	Files         []organize.FileInput
	Components    map[string]string
	Warnings      []string
}

// Fetcher loads directory contexts from the entity store.
type Fetcher struct {
	store arke.API
}

// NewFetcher creates a fetcher backed by the given store.
func NewFetcher(store arke.API) *Fetcher {
	return &Fetcher{store: store}
}

// FetchContext resolves id to its manifest and downloads every groupable
// component in parallel. A failed component download produces a warning and
// omits the file; only a missing or unreadable entity fails the call.
func (f *Fetcher) FetchContext(ctx context.Context, id string) (*Context, error) {
	entity, err := f.store.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	out := &Context{
		ID:            entity.ID,
		Tip:           entity.Tip,
		DirectoryPath: entity.ID,
		Components:    entity.Components,
	}

	type slot struct {
		file    *organize.FileInput
		warning string
	}

	names := make([]string, 0, len(entity.Components))
	for name := range entity.Components {
		if groupable(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	slots := make([]slot, len(names))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, name := range names {
		g.Go(func() error {
			file, err := f.fetchComponent(gCtx, name, entity.Components[name])
			if err != nil {
				slots[i].warning = fmt.Sprintf("skipped %s: %v", name, err)
				return nil
			}
			slots[i].file = file
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range slots {
		if s.warning != "" {
			slog.Warn("component fetch failed", slog.String("entity", id), slog.String("detail", s.warning))
			out.Warnings = append(out.Warnings, s.warning)
			continue
		}
		if s.file != nil {
			out.Files = append(out.Files, *s.file)
		}
	}
	return out, nil
}

func (f *Fetcher) fetchComponent(ctx context.Context, name, cid string) (*organize.FileInput, error) {
	data, err := f.store.Cat(ctx, cid)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(name, RefSuffix) {
		var ref refDescriptor
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, fmt.Errorf("parse ref descriptor: %v", err)
		}
		display := ref.Filename
		if display == "" {
			display = strings.TrimSuffix(name, RefSuffix)
		}
		content := fmt.Sprintf("[Binary file: %s]", display)
		if ref.OCR != "" {
			content = fmt.Sprintf("[Image/Document: %s]\n%s", display, ref.OCR)
		}
		return &organize.FileInput{
			Name:         name,
			Kind:         organize.KindRef,
			Content:      content,
			OriginalName: ref.Filename,
			MimeType:     ref.Type,
			Size:         ref.Size,
		}, nil
	}

	return &organize.FileInput{
		Name:    name,
		Kind:    organize.KindText,
		Content: string(data),
		Size:    int64(len(data)),
	}, nil
}

// groupable reports whether a component participates in grouping: ref
// sidecars always do, text files do unless they are known metadata.
func groupable(name string) bool {
	if name == DescriptionComponent {
		return false
	}
	if strings.HasSuffix(name, RefSuffix) {
		return true
	}
	_, ok := textExtensions[strings.ToLower(path.Ext(name))]
	return ok
}
