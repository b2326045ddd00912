// Package execution persists script execution records and drives their
// lifecycle: pending, running, awaiting_llm, and the terminal statuses
// completed, error, and timeout.
package execution

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/airlock-sh/airlock/internal/fault"
	"github.com/airlock-sh/airlock/internal/worker"
)

// Execution statuses as stored and reported.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusAwaitingLLM = worker.StatusAwaitingLLM
	StatusCompleted   = worker.StatusCompleted
	StatusError       = worker.StatusError
	StatusTimeout     = worker.StatusTimeout
)

// IsTerminal reports whether a status allows no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError || status == StatusTimeout
}

// ValidStatus reports whether a status string is one the system produces.
// Used to validate list filters.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusRunning, StatusAwaitingLLM, StatusCompleted, StatusError, StatusTimeout:
		return true
	}
	return false
}

// Record is one execution row.
type Record struct {
	ID              string
	ProfileID       string
	Script          string
	Status          string
	Result          json.RawMessage
	Stdout          string
	Stderr          string
	Error           *string
	LLMRequest      json.RawMessage
	ExecutionTimeMS *int64
	CreatedAt       string
	CompletedAt     *string
}

// Filter narrows List results.
type Filter struct {
	ProfileID string
	Status    string
	Limit     int
	Offset    int
}

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 50

// Store manages execution rows.
type Store struct {
	db *sql.DB
}

// NewStore creates an execution store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pending execution and returns it.
func (s *Store) Create(profileID, script string) (*Record, error) {
	u := uuid.New()
	id := "exec_" + hex.EncodeToString(u[:])[:16]
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.Exec(
		`INSERT INTO executions (id, profile_id, script, status, created_at)
		 VALUES (?, ?, ?, 'pending', ?)`,
		id, profileID, script, now,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "inserting execution")
	}
	return s.Get(id)
}

// Get returns a single execution by id.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+" FROM executions WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "execution %q not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying execution")
	}
	return rec, nil
}

// List returns executions newest first, optionally filtered by profile and
// status.
func (s *Store) List(f Filter) ([]Record, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, fault.New(fault.Validation, "unknown status %q", f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var conditions []string
	var params []any
	if f.ProfileID != "" {
		conditions = append(conditions, "profile_id = ?")
		params = append(params, f.ProfileID)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		params = append(params, f.Status)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	params = append(params, f.Limit, f.Offset)

	rows, err := s.db.Query(
		selectColumns+" FROM executions"+where+
			" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		params...,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying executions")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning execution")
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Count returns the total number of execution rows.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM executions").Scan(&n); err != nil {
		return 0, fault.Wrap(fault.Internal, err, "counting executions")
	}
	return n, nil
}

// MarkRunning transitions pending to running. The conditional WHERE makes
// the transition idempotent against races with a concurrent terminal write.
func (s *Store) MarkRunning(id string) error {
	_, err := s.db.Exec(
		"UPDATE executions SET status = 'running' WHERE id = ? AND status = 'pending'",
		id,
	)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "marking execution running")
	}
	return nil
}

// Finish writes a worker outcome. Terminal statuses get completed_at;
// awaiting_llm stores the pending LLM request instead.
func (s *Store) Finish(id string, res *worker.Result, elapsedMS int64) error {
	var errText *string
	if res.Error != "" {
		errText = &res.Error
	}

	var completedAt *string
	if IsTerminal(res.Status) {
		now := time.Now().UTC().Format(time.RFC3339)
		completedAt = &now
	}

	_, err := s.db.Exec(
		`UPDATE executions
		 SET status = ?, result = ?, stdout = ?, stderr = ?, error = ?,
		     llm_request = ?, execution_time_ms = ?,
		     completed_at = COALESCE(?, completed_at)
		 WHERE id = ?`,
		res.Status, rawOrNil(res.Result), res.Stdout, res.Stderr, errText,
		rawOrNil(res.LLMRequest), elapsedMS, completedAt, id,
	)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "writing execution outcome")
	}
	return nil
}

// Respond completes an awaiting_llm execution with the supplied response.
// Any other status is a Conflict.
func (s *Store) Respond(id, response string) (*Record, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(map[string]string{"llm_response": response})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "encoding llm response")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	out, err := s.db.Exec(
		`UPDATE executions
		 SET status = 'completed', result = ?, llm_request = NULL, completed_at = ?
		 WHERE id = ? AND status = 'awaiting_llm'`,
		string(result), now, id,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "completing execution")
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "completing execution")
	}
	if affected == 0 {
		// Re-read for an accurate message; the row may have moved since Get.
		if current, gerr := s.Get(id); gerr == nil {
			rec = current
		}
		return nil, fault.New(fault.Conflict,
			"execution is %q, not %q", rec.Status, StatusAwaitingLLM)
	}

	return s.Get(id)
}

const selectColumns = `SELECT id, profile_id, script, status, result, stdout, stderr,
       error, llm_request, execution_time_ms, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var result, llmRequest, errText, completedAt sql.NullString
	var stdout, stderr sql.NullString
	var execMS sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.ProfileID, &rec.Script, &rec.Status,
		&result, &stdout, &stderr, &errText, &llmRequest,
		&execMS, &rec.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.Stdout = stdout.String
	rec.Stderr = stderr.String
	if errText.Valid {
		rec.Error = &errText.String
	}
	if llmRequest.Valid {
		rec.LLMRequest = json.RawMessage(llmRequest.String)
	}
	if execMS.Valid {
		rec.ExecutionTimeMS = &execMS.Int64
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.String
	}
	return &rec, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
