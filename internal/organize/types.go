// Package organize holds the grouping domain model: request and plan types,
// request validation, and response sanitization. The single-request
// orchestration service lives in package organizer.
package organize

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// File kinds.
const (
	KindText = "text"
	KindRef  = "ref"
)

// unsafeGroupNameChars are forbidden in group names so groups can become
// directory names on any filesystem.
const unsafeGroupNameChars = `/\:*?"<>|`

// FileInput is one file offered for grouping. Name is the authoritative key
// within a request. A ref file is a sidecar describing a binary artifact;
// its Content may carry extracted OCR text or be empty.
type FileInput struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Content      string `json:"content"`
	OriginalName string `json:"original_name,omitempty"`
	MimeType     string `json:"mime,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// Validate checks a single file input.
func (f FileInput) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Name, validation.Required),
		validation.Field(&f.Kind, validation.Required, validation.In(KindText, KindRef)),
	)
}

// OrganizeRequest asks for a grouping plan over a set of files.
type OrganizeRequest struct {
	DirectoryPath    string      `json:"directory_path"`
	Files            []FileInput `json:"files"`
	CustomPrompt     string      `json:"custom_prompt,omitempty"`
	StrategyGuidance string      `json:"strategy_guidance,omitempty"`
}

// Validate enforces the request invariants: files present, each valid, and
// names unique within the request.
func (r OrganizeRequest) Validate() error {
	if err := validation.ValidateStruct(&r,
		validation.Field(&r.Files, validation.Required, validation.Length(1, 0)),
	); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(r.Files))
	for _, f := range r.Files {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("file %q: %w", f.Name, err)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate file name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// InputNames returns the request's file names in input order.
func (r OrganizeRequest) InputNames() []string {
	names := make([]string, len(r.Files))
	for i, f := range r.Files {
		names[i] = f.Name
	}
	return names
}

// Group is a named subset of the input files. Overlap across groups is
// permitted: a file may legitimately belong to several groups.
type Group struct {
	GroupName   string   `json:"group_name"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
}

// TruncationStats records what the prompt builder's budget pass did.
type TruncationStats struct {
	Applied             bool `json:"applied"`
	TotalOriginalTokens int  `json:"total_original_tokens"`
	TargetTokens        int  `json:"target_tokens"`
	Deficit             int  `json:"deficit"`
	ProtectionModeUsed  bool `json:"protection_mode_used"`
	ProtectedCount      int  `json:"protected_count"`
	TruncatedCount      int  `json:"truncated_count"`
}

// Usage reports LLM token consumption and cost for one request.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	Model            string  `json:"model"`
}

// Plan is the sanitized grouping result. After sanitization every input name
// appears in at least one group or in Ungrouped, and no foreign name appears
// anywhere.
type Plan struct {
	Groups      []Group          `json:"groups"`
	Ungrouped   []string         `json:"ungrouped"`
	Description string           `json:"description"`
	Truncation  *TruncationStats `json:"truncation,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Usage       *Usage           `json:"usage,omitempty"`
}

// Response is the wire shape the model is constrained to return. The
// jsonschema tags drive the strict response_format schema; sanitization in
// this package is still responsible for the semantic content.
type Response struct {
	Groups                    []ResponseGroup `json:"groups" jsonschema:"required,description=Groups of related files"`
	UngroupedFiles            []string        `json:"ungrouped_files" jsonschema:"required,description=Files that fit no group"`
	ReorganizationDescription string          `json:"reorganization_description" jsonschema:"required,description=Human-readable summary of the reorganization"`
}

// ResponseGroup is one group as returned by the model.
type ResponseGroup struct {
	GroupName   string   `json:"group_name" jsonschema:"required,description=Filesystem-safe group name"`
	Description string   `json:"description" jsonschema:"required,description=What unites the files in this group"`
	Files       []string `json:"files" jsonschema:"required,description=Input file names belonging to this group"`
}
