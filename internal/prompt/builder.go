// Package prompt renders the system and user prompts for a grouping request
// and fits arbitrarily large file sets into the model's input budget.
package prompt

import (
	"fmt"
	"strings"

	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
	"github.com/Arke-Institute/arke-organizer-service/internal/token"
)

// SystemPrompt is the fixed system message for all grouping requests.
const SystemPrompt = `You are a document organization assistant. You receive a directory of files and group them into coherent, clearly named collections.

Group files by topic, document type, time period, or any other dimension that produces groups a human archivist would recognize. Prefer fewer, well-motivated groups over many thin ones. Files that fit nowhere belong in ungrouped_files.`

// Divider separates file sections in the user prompt.
const Divider = "\n\n---\n\n"

// NoOCRPlaceholder stands in for ref files that carry no extracted text.
const NoOCRPlaceholder = "(No OCR text available — use filename/metadata for grouping)"

const userHeader = "Organize the files of directory %q into named groups.\n\nFiles:\n\n"

const userInstructions = `

Instructions:
1. Every input file name must appear in your output, either in a group or in ungrouped_files.
2. Only file names from the input list may appear; never invent names.
3. Directory paths (strings ending in "/") are forbidden everywhere in the output.
4. A file may appear in more than one group when it genuinely belongs to both.
5. Group names must be filesystem-safe: none of / \ : * ? " < > |`

// Config bounds the prompt size.
type Config struct {
	// MaxInputTokens is the model's total input+output token window.
	MaxInputTokens int
	// BudgetPercentage is the fraction of MaxInputTokens reserved for the
	// prompt, in (0, 1].
	BudgetPercentage float64
}

// Built is a rendered prompt pair plus the truncation record for this
// request. Stats are per-request values owned by the caller; nothing is
// recorded globally.
type Built struct {
	System string
	User   string
	Stats  organize.TruncationStats
}

// Build renders the prompts for req, applying the progressive tax when the
// file contents exceed the content budget. Metadata blocks, dividers, and
// instructions are never truncated.
func Build(req organize.OrganizeRequest, cfg Config) Built {
	system := SystemPrompt
	if req.CustomPrompt != "" {
		system += "\n\n" + req.CustomPrompt
	}

	header := fmt.Sprintf(userHeader, req.DirectoryPath)
	footer := userInstructions
	if req.StrategyGuidance != "" {
		footer += "\n\nGrouping guidance: " + req.StrategyGuidance
	}

	metadata := make([]string, len(req.Files))
	contents := make([]string, len(req.Files))
	fixedTokens := token.Estimate(system) + token.Estimate(header) + token.Estimate(footer)

	var budgetItems []token.Item
	for i, f := range req.Files {
		metadata[i] = metadataBlock(f)
		fixedTokens += token.Estimate(metadata[i])

		switch {
		case f.Kind == organize.KindRef && f.Content == "":
			contents[i] = NoOCRPlaceholder
			fixedTokens += token.Estimate(NoOCRPlaceholder)
		case f.Content == "":
			contents[i] = ""
		default:
			contents[i] = f.Content
			budgetItems = append(budgetItems, token.Item{Name: f.Name, Tokens: token.Estimate(f.Content)})
		}
	}

	separatorTokens := 0
	if len(req.Files) > 1 {
		separatorTokens = token.Estimate(Divider) * (len(req.Files) - 1)
	}

	contentBudget := int(float64(cfg.MaxInputTokens)*cfg.BudgetPercentage) - fixedTokens - separatorTokens
	if contentBudget < 0 {
		contentBudget = 0
	}

	allocs, stats := token.Allocate(budgetItems, contentBudget)
	budget := make(map[string]int, len(allocs))
	for _, a := range allocs {
		budget[a.Name] = int(a.Allocated)
	}

	var b strings.Builder
	b.WriteString(header)
	for i, f := range req.Files {
		if i > 0 {
			b.WriteString(Divider)
		}
		b.WriteString(metadata[i])
		if contents[i] == "" {
			continue
		}
		b.WriteString("\n")
		if f.Content != "" && stats.Applied {
			b.WriteString(token.Truncate(contents[i], budget[f.Name]))
		} else {
			b.WriteString(contents[i])
		}
	}
	b.WriteString(footer)

	return Built{
		System: system,
		User:   b.String(),
		Stats: organize.TruncationStats{
			Applied:             stats.Applied,
			TotalOriginalTokens: stats.TotalOriginalTokens,
			TargetTokens:        stats.TargetTokens,
			Deficit:             stats.Deficit,
			ProtectionModeUsed:  stats.ProtectionModeUsed,
			ProtectedCount:      stats.ProtectedCount,
			TruncatedCount:      stats.TruncatedCount,
		},
	}
}

func metadataBlock(f organize.FileInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\nKind: %s", f.Name, f.Kind)
	if f.OriginalName != "" {
		fmt.Fprintf(&b, "\nOriginal: %s", f.OriginalName)
	}
	if f.MimeType != "" {
		fmt.Fprintf(&b, "\nType: %s", f.MimeType)
	}
	if f.Size > 0 {
		fmt.Fprintf(&b, "\nSize: %s", humanSize(f.Size))
	}
	b.WriteString("\n")
	return b.String()
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
