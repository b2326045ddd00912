package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airlock-sh/airlock/internal/audit"
	"github.com/airlock-sh/airlock/internal/credential"
	"github.com/airlock-sh/airlock/internal/fault"
	"github.com/airlock-sh/airlock/internal/worker"
)

// DefaultTimeoutSeconds applies when a request does not set a timeout.
const DefaultTimeoutSeconds = 60

// MaxTimeoutSeconds bounds how long a single script may run.
const MaxTimeoutSeconds = 600

// Dispatcher accepts scripts and runs each one on the worker in its own
// goroutine. Exactly one goroutine owns an execution after Submit returns,
// so status writes never race.
type Dispatcher struct {
	store  *Store
	creds  *credential.Store
	worker worker.Worker
	audit  *audit.Logger
	logger zerolog.Logger

	wg sync.WaitGroup
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(store *Store, creds *credential.Store, w worker.Worker, al *audit.Logger, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		creds:  creds,
		worker: w,
		audit:  al,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Submit validates and accepts a script for asynchronous execution. It
// returns the pending record once it is durable; the run itself happens in
// the background. Credentials are resolved before accepting so that a
// decrypt failure is reported to the caller instead of being buried in a
// background error status.
func (d *Dispatcher) Submit(ctx context.Context, profileID, script string, timeoutSeconds int) (*Record, error) {
	if script == "" {
		return nil, fault.New(fault.Validation, "script cannot be empty")
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}
	if timeoutSeconds > MaxTimeoutSeconds {
		return nil, fault.New(fault.Validation, "timeout exceeds maximum of %ds", MaxTimeoutSeconds)
	}

	if !d.worker.Available(ctx) {
		return nil, fault.New(fault.Unavailable, "execution worker is not available")
	}

	settings, err := d.creds.ResolveForProfile(profileID)
	if err != nil {
		return nil, err
	}

	rec, err := d.store.Create(profileID, script)
	if err != nil {
		return nil, err
	}

	d.audit.Log(audit.EventExecutionSubmitted, profileID, map[string]any{
		"execution_id": rec.ID,
		"script_bytes": len(script),
		"timeout_s":    timeoutSeconds,
	})

	d.wg.Add(1)
	go d.run(rec.ID, profileID, script, settings, timeoutSeconds)

	return rec, nil
}

// Respond completes an awaiting_llm execution with the caller's response.
func (d *Dispatcher) Respond(id, response string) (*Record, error) {
	rec, err := d.store.Respond(id, response)
	if err != nil {
		return nil, err
	}
	d.audit.Log(audit.EventExecutionCompleted, rec.ProfileID, map[string]any{
		"execution_id": rec.ID,
		"status":       rec.Status,
		"via":          "llm_response",
	})
	return rec, nil
}

// Wait blocks until all in-flight executions have written their outcomes.
// Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(id, profileID, script string, settings map[string]string, timeoutSeconds int) {
	defer d.wg.Done()

	log := d.logger.With().Str("execution_id", id).Logger()

	if err := d.store.MarkRunning(id); err != nil {
		log.Error().Err(err).Msg("failed to mark execution running")
		return
	}

	start := time.Now()
	res, err := d.worker.Run(context.Background(), script, settings, timeoutSeconds)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		res = &worker.Result{Status: StatusError, Error: err.Error()}
		log.Error().Err(err).Msg("worker call failed")
	}

	if err := d.store.Finish(id, res, elapsed); err != nil {
		log.Error().Err(err).Msg("failed to write execution outcome")
		return
	}

	log.Info().Str("status", res.Status).Int64("elapsed_ms", elapsed).Msg("execution finished")

	if res.Status != StatusAwaitingLLM {
		d.audit.Log(audit.EventExecutionCompleted, profileID, map[string]any{
			"execution_id": id,
			"status":       res.Status,
			"elapsed_ms":   elapsed,
		})
	}
}
