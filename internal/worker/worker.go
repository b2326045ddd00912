// Package worker defines the execution backend contract and its HTTP client.
// The broker never runs scripts itself; it hands them, with resolved
// credentials, to a worker over a private channel.
package worker

import (
	"context"
	"encoding/json"

	"github.com/airlock-sh/airlock/internal/fault"
)

// Terminal and intermediate statuses a worker may report for a run.
const (
	StatusCompleted   = "completed"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusAwaitingLLM = "awaiting_llm"
)

// Result is what a worker reports back for one script run.
type Result struct {
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	Error      string          `json:"error,omitempty"`
	LLMRequest json.RawMessage `json:"llm_request,omitempty"`
}

// None is the placeholder used when no worker is configured. Submissions
// are rejected at accept time.
type None struct{}

func (None) Run(ctx context.Context, script string, settings map[string]string, timeoutSeconds int) (*Result, error) {
	return nil, fault.New(fault.Unavailable, "no execution worker configured")
}

func (None) Available(ctx context.Context) bool { return false }

// Worker executes scripts on behalf of the broker. Settings carries the
// resolved credential map; it must never be logged or persisted downstream.
type Worker interface {
	// Run executes a script and blocks until the worker reports an outcome.
	Run(ctx context.Context, script string, settings map[string]string, timeoutSeconds int) (*Result, error)

	// Available reports whether the worker is reachable right now.
	Available(ctx context.Context) bool
}
