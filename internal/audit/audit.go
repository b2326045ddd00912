// Package audit provides the append-only audit logging system for Airlock.
// Audit records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventAdminSetup          EventType = "admin_setup"
	EventAdminLogin          EventType = "admin_login"
	EventCredentialCreated   EventType = "credential_created"
	EventCredentialUpdated   EventType = "credential_updated"
	EventCredentialDeleted   EventType = "credential_deleted"
	EventProfileCreated      EventType = "profile_created"
	EventProfileLocked       EventType = "profile_locked"
	EventProfileKeyRotated   EventType = "profile_key_rotated"
	EventProfileRevoked      EventType = "profile_revoked"
	EventProfileDeleted      EventType = "profile_deleted"
	EventExecutionSubmitted  EventType = "execution_submitted"
	EventExecutionCompleted  EventType = "execution_completed"
)

// Logger writes tamper-evident audit records to the audit_log table.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// NewLogger creates an audit logger, recovering the hash chain tail from
// any existing records.
func NewLogger(db *sql.DB) (*Logger, error) {
	al := &Logger{db: db}

	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1",
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log appends an audit event. Actor is "admin" or a profile id.
func (al *Logger) Log(eventType EventType, actor string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := al.computeHash(now, eventType, actor, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, actor, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		actor,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// computeHash creates the chain link:
// SHA-256(previousHash + timestamp + eventType + actor + detail)
func (al *Logger) computeHash(ts time.Time, eventType EventType, actor, detail string) string {
	data := al.lastHash + ts.Format(time.RFC3339Nano) + string(eventType) + actor + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the whole audit chain. Returns the number
// of records walked.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, actor, event_type, detail, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, actor, eventType, detail, recordHash string
		if err := rows.Scan(&ts, &actor, &eventType, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + eventType + actor + detail
		h := sha256.Sum256([]byte(data))
		expected := hex.EncodeToString(h[:])

		if expected != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, rows.Err()
}
