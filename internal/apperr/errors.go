// Package apperr defines the sentinel errors shared across the service.
//
// The LLM and store sentinels partition failures by retry policy: transient
// kinds are retried with backoff, permanent kinds surface immediately.
package apperr

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyProcessing = errors.New("already processing")

	// LLM failure kinds.
	ErrLLMTransient = errors.New("llm transient failure")
	ErrLLMPermanent = errors.New("llm permanent failure")
	ErrLLMMalformed = errors.New("llm malformed response")

	// BadResponse covers content that transported fine but cannot be used:
	// non-JSON output or structurally invalid grouping plans.
	ErrBadResponse = errors.New("bad llm response")

	// Entity store failure kinds.
	ErrStoreTransient = errors.New("store transient failure")
	ErrStorePermanent = errors.New("store permanent failure")
	ErrCASMismatch    = errors.New("store cas mismatch")
)
