// Package credential implements CRUD over named secret slots. Values are
// encrypted under the instance master key before they touch storage and are
// decrypted only inside ResolveForProfile, the boundary used by execution
// dispatch.
package credential

import (
	"database/sql"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/airlock-sh/airlock/internal/audit"
	"github.com/airlock-sh/airlock/internal/crypto"
	"github.com/airlock-sh/airlock/internal/fault"
)

const nameMaxLength = 128

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Info is credential metadata. The plaintext value is never part of it.
type Info struct {
	Name        string
	Description string
	HasValue    bool
	CreatedAt   string
	UpdatedAt   *string
}

// Store manages credentials in the database.
type Store struct {
	db        *sql.DB
	masterKey []byte
	audit     *audit.Logger
}

// NewStore creates a credential store bound to the instance master key.
func NewStore(db *sql.DB, masterKey []byte, al *audit.Logger) *Store {
	return &Store{db: db, masterKey: masterKey, audit: al}
}

// ValidateName checks a credential name against the naming rules:
// non-empty, at most 128 characters, matching [A-Za-z_][A-Za-z0-9_]*.
func ValidateName(name string) error {
	if name == "" {
		return fault.New(fault.Validation, "credential name cannot be empty")
	}
	if len(name) > nameMaxLength {
		return fault.New(fault.Validation, "credential name exceeds %d characters", nameMaxLength)
	}
	if !namePattern.MatchString(name) {
		return fault.New(fault.Validation, "invalid credential name %q: must match [A-Za-z_][A-Za-z0-9_]*", name)
	}
	return nil
}

// Create inserts a new credential. A nil value creates a slot with no secret
// yet (has_value reported false). Names are case-sensitive and unique.
func (s *Store) Create(name, description string, value *string) (*Info, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	existing, err := s.Get(name)
	if err != nil && !fault.IsKind(err, fault.NotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fault.New(fault.Conflict, "credential %q already exists", name)
	}

	var encrypted []byte
	if value != nil {
		encrypted, err = crypto.Encrypt(*value, s.masterKey)
		if err != nil {
			return nil, err
		}
	}

	id := newID("cred_")
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = s.db.Exec(
		`INSERT INTO credentials (id, name, encrypted_value, description, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, name, encrypted, description, now,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "inserting credential")
	}

	s.audit.Log(audit.EventCredentialCreated, "admin", map[string]any{
		"name":      name,
		"has_value": value != nil,
	})

	return s.Get(name)
}

// Get returns a single credential's metadata by name.
func (s *Store) Get(name string) (*Info, error) {
	row := s.db.QueryRow(
		`SELECT name, description, encrypted_value, created_at, updated_at
		 FROM credentials WHERE name = ?`,
		name,
	)
	info, err := scanInfo(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "credential %q not found", name)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying credential")
	}
	return info, nil
}

// List returns all credentials ordered by name. Never includes values.
func (s *Store) List() ([]Info, error) {
	rows, err := s.db.Query(
		`SELECT name, description, encrypted_value, created_at, updated_at
		 FROM credentials ORDER BY name`,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying credentials")
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning credential")
		}
		infos = append(infos, *info)
	}
	return infos, rows.Err()
}

// Update applies a partial update. valueSet distinguishes "value field
// omitted" (no change) from an explicit nil value (clear the secret).
func (s *Store) Update(name string, value *string, valueSet bool, description *string) (*Info, error) {
	if _, err := s.Get(name); err != nil {
		return nil, err
	}

	var sets []string
	var params []any

	if valueSet {
		if value == nil {
			sets = append(sets, "encrypted_value = NULL")
		} else {
			encrypted, err := crypto.Encrypt(*value, s.masterKey)
			if err != nil {
				return nil, err
			}
			sets = append(sets, "encrypted_value = ?")
			params = append(params, encrypted)
		}
	}
	if description != nil {
		sets = append(sets, "description = ?")
		params = append(params, *description)
	}

	if len(sets) == 0 {
		return s.Get(name)
	}

	sets = append(sets, "updated_at = ?")
	params = append(params, time.Now().UTC().Format(time.RFC3339), name)

	_, err := s.db.Exec(
		"UPDATE credentials SET "+strings.Join(sets, ", ")+" WHERE name = ?",
		params...,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "updating credential")
	}

	s.audit.Log(audit.EventCredentialUpdated, "admin", map[string]any{
		"name":          name,
		"value_changed": valueSet,
	})

	return s.Get(name)
}

// Delete removes a credential by name. Deletion is refused while any locked
// profile still binds the credential; the error lists the offending profile
// ids. Bindings held by unlocked profiles are silently detached first.
func (s *Store) Delete(name string) error {
	var id string
	err := s.db.QueryRow("SELECT id FROM credentials WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return fault.New(fault.NotFound, "credential %q not found", name)
	}
	if err != nil {
		return fault.Wrap(fault.Internal, err, "querying credential")
	}

	rows, err := s.db.Query(
		`SELECT p.id FROM profiles p
		 JOIN profile_credentials pc ON p.id = pc.profile_id
		 WHERE pc.credential_id = ? AND p.locked = 1`,
		id,
	)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "querying locked references")
	}
	var lockedProfiles []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return fault.Wrap(fault.Internal, err, "scanning profile id")
		}
		lockedProfiles = append(lockedProfiles, pid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fault.Wrap(fault.Internal, err, "querying locked references")
	}

	if len(lockedProfiles) > 0 {
		ferr := fault.New(fault.Conflict,
			"cannot delete credential %q: referenced by locked profile(s): %s",
			name, strings.Join(lockedProfiles, ", "))
		ferr.ProfileIDs = lockedProfiles
		return ferr
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fault.Wrap(fault.Internal, err, "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM profile_credentials WHERE credential_id = ?", id,
	); err != nil {
		return fault.Wrap(fault.Internal, err, "detaching credential")
	}
	if _, err := tx.Exec("DELETE FROM credentials WHERE id = ?", id); err != nil {
		return fault.Wrap(fault.Internal, err, "deleting credential")
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Internal, err, "committing delete")
	}

	s.audit.Log(audit.EventCredentialDeleted, "admin", map[string]any{"name": name})
	return nil
}

// ResolveForProfile decrypts the credentials bound to a locked profile into
// a name→value map for injection into an execution environment. Slots with
// no value are omitted, not nulled. Decryption failures propagate and abort
// the whole resolution.
func (s *Store) ResolveForProfile(profileID string) (map[string]string, error) {
	var locked int
	err := s.db.QueryRow("SELECT locked FROM profiles WHERE id = ?", profileID).Scan(&locked)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "profile %q not found", profileID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying profile")
	}
	if locked == 0 {
		return nil, fault.New(fault.Conflict, "profile %q is not locked", profileID)
	}

	rows, err := s.db.Query(
		`SELECT c.name, c.encrypted_value
		 FROM credentials c
		 JOIN profile_credentials pc ON c.id = pc.credential_id
		 WHERE pc.profile_id = ?`,
		profileID,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying bound credentials")
	}
	defer rows.Close()

	resolved := make(map[string]string)
	for rows.Next() {
		var name string
		var encrypted []byte
		if err := rows.Scan(&name, &encrypted); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning credential")
		}
		if encrypted == nil {
			continue
		}
		value, err := crypto.Decrypt(encrypted, s.masterKey)
		if err != nil {
			return nil, err
		}
		resolved[name] = value
	}
	return resolved, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInfo(row rowScanner) (*Info, error) {
	var info Info
	var encrypted []byte
	var updatedAt sql.NullString
	err := row.Scan(&info.Name, &info.Description, &encrypted, &info.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	info.HasValue = encrypted != nil
	if updatedAt.Valid {
		info.UpdatedAt = &updatedAt.String
	}
	return &info, nil
}

// newID generates a prefixed identifier from a random UUID.
func newID(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}
