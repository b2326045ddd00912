// Package profile implements authorization profiles: lockable, expirable,
// revocable bindings between an issuable bearer key and a set of credentials.
//
// A profile starts unlocked with no key. Locking mints a two-part key
// (key_id + secret) and freezes the credential bindings; the full key is
// returned exactly once and only its encrypted secret is retained. Revoking
// is instant and irreversible, independent of lock state and expiry.
package profile

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/airlock-sh/airlock/internal/audit"
	"github.com/airlock-sh/airlock/internal/crypto"
	"github.com/airlock-sh/airlock/internal/fault"
)

// CredentialRef is a credential reference within a profile.
type CredentialRef struct {
	Name        string
	Description string
	HasValue    bool
}

// Info is profile metadata returned by list/get operations. The key secret
// is never part of it.
type Info struct {
	ID          string
	Description string
	Locked      bool
	KeyID       *string
	Credentials []CredentialRef
	ExpiresAt   *string
	Revoked     bool
	CreatedAt   string
	UpdatedAt   *string
}

// LockResult carries the full key minted by Lock or RegenerateKey. The
// secret half exists in plaintext only here: callers get one chance to
// capture it.
type LockResult struct {
	Profile *Info
	Key     string
}

// Record is the full profile row, including the encrypted key secret.
// Used by the auth gateway; not exposed over the API.
type Record struct {
	ID                 string
	Description        string
	Locked             bool
	KeyID              *string
	KeySecretEncrypted []byte
	ExpiresAt          *string
	Revoked            bool
	LastUsedAt         *string
}

// Store manages profiles and their credential bindings.
type Store struct {
	db        *sql.DB
	masterKey []byte
	audit     *audit.Logger
}

// NewStore creates a profile store bound to the instance master key.
func NewStore(db *sql.DB, masterKey []byte, al *audit.Logger) *Store {
	return &Store{db: db, masterKey: masterKey, audit: al}
}

// Create inserts a new unlocked profile with no key.
func (s *Store) Create(description string) (*Info, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.Exec(
		"INSERT INTO profiles (id, description, created_at) VALUES (?, ?, ?)",
		id, description, now,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "inserting profile")
	}

	s.audit.Log(audit.EventProfileCreated, "admin", map[string]any{"profile_id": id})
	return s.Get(id)
}

// Get returns a single profile with its credential references.
func (s *Store) Get(id string) (*Info, error) {
	row := s.db.QueryRow(
		`SELECT id, description, locked, key_id, expires_at, revoked, created_at, updated_at
		 FROM profiles WHERE id = ?`,
		id,
	)
	info, err := scanInfo(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "profile %q not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying profile")
	}

	info.Credentials, err = s.credentialRefs(id)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// List returns all profiles with their credential references, oldest first.
func (s *Store) List() ([]Info, error) {
	rows, err := s.db.Query(
		`SELECT id, description, locked, key_id, expires_at, revoked, created_at, updated_at
		 FROM profiles ORDER BY created_at`,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying profiles")
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning profile")
		}
		infos = append(infos, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying profiles")
	}

	for i := range infos {
		infos[i].Credentials, err = s.credentialRefs(infos[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return infos, nil
}

// UpdateMetadata updates description and/or expiration. Metadata stays
// mutable while locked; only revocation freezes it. expiresSet distinguishes
// an omitted expires_at from an explicit null (clear the expiry).
func (s *Store) UpdateMetadata(id string, description *string, expiresAt *string, expiresSet bool) (*Info, error) {
	info, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if info.Revoked {
		return nil, fault.New(fault.Conflict, "profile %q is revoked", id)
	}

	var sets []string
	var params []any

	if description != nil {
		sets = append(sets, "description = ?")
		params = append(params, *description)
	}
	if expiresSet {
		if expiresAt != nil {
			if _, err := ParseExpiry(*expiresAt); err != nil {
				return nil, err
			}
			sets = append(sets, "expires_at = ?")
			params = append(params, *expiresAt)
		} else {
			sets = append(sets, "expires_at = NULL")
		}
	}

	if len(sets) == 0 {
		return info, nil
	}

	sets = append(sets, "updated_at = ?")
	params = append(params, time.Now().UTC().Format(time.RFC3339), id)

	_, err = s.db.Exec(
		"UPDATE profiles SET "+strings.Join(sets, ", ")+" WHERE id = ?",
		params...,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "updating profile")
	}
	return s.Get(id)
}

// Delete removes a profile and its bindings. A locked profile must be
// revoked before it can be deleted.
func (s *Store) Delete(id string) error {
	info, err := s.Get(id)
	if err != nil {
		return err
	}
	if info.Locked && !info.Revoked {
		return fault.New(fault.Conflict, "cannot delete locked profile %q: revoke it first", id)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fault.Wrap(fault.Internal, err, "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM profile_credentials WHERE profile_id = ?", id); err != nil {
		return fault.Wrap(fault.Internal, err, "deleting bindings")
	}
	if _, err := tx.Exec("DELETE FROM profiles WHERE id = ?", id); err != nil {
		return fault.Wrap(fault.Internal, err, "deleting profile")
	}
	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.Internal, err, "committing delete")
	}

	s.audit.Log(audit.EventProfileDeleted, "admin", map[string]any{"profile_id": id})
	return nil
}

// Lock transitions an unlocked profile to locked, minting its two-part key.
// The lock flag and both key fields are written in one statement so no
// reader can observe a locked-with-no-key or keyed-but-unlocked state.
func (s *Store) Lock(id string) (*LockResult, error) {
	info, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if info.Locked {
		return nil, fault.New(fault.Conflict, "profile %q is already locked", id)
	}
	if info.Revoked {
		return nil, fault.New(fault.Conflict, "profile %q is revoked", id)
	}

	return s.mintKey(id, true)
}

// RegenerateKey replaces the key pair of a locked profile. The previous
// key_id stops resolving the moment the new pair is written; description,
// lock state, and bindings are untouched.
func (s *Store) RegenerateKey(id string) (*LockResult, error) {
	info, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !info.Locked {
		return nil, fault.New(fault.Conflict, "profile %q is not locked", id)
	}
	if info.Revoked {
		return nil, fault.New(fault.Conflict, "profile %q is revoked", id)
	}

	return s.mintKey(id, false)
}

func (s *Store) mintKey(id string, locking bool) (*LockResult, error) {
	keyID := generateKeyID()
	secret := generateSecret()

	encrypted, err := crypto.Encrypt(secret, s.masterKey)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(
		`UPDATE profiles SET locked = 1, key_id = ?, key_secret_encrypted = ?, updated_at = ?
		 WHERE id = ?`,
		keyID, encrypted, now, id,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "writing profile key")
	}

	event := audit.EventProfileKeyRotated
	if locking {
		event = audit.EventProfileLocked
	}
	s.audit.Log(event, "admin", map[string]any{"profile_id": id, "key_id": keyID})

	info, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return &LockResult{Profile: info, Key: keyID + ":" + secret}, nil
}

// Revoke permanently disables a profile's authentication. Valid from either
// lock state; only an already-revoked profile refuses it.
func (s *Store) Revoke(id string) (*Info, error) {
	info, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if info.Revoked {
		return nil, fault.New(fault.Conflict, "profile %q is already revoked", id)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(
		"UPDATE profiles SET revoked = 1, updated_at = ? WHERE id = ?",
		now, id,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "revoking profile")
	}

	s.audit.Log(audit.EventProfileRevoked, "admin", map[string]any{"profile_id": id})
	return s.Get(id)
}

// AddCredentials binds credentials by name to an unlocked profile. Adding an
// already-bound credential is a no-op; an unknown credential name fails the
// whole call.
func (s *Store) AddCredentials(id string, names []string) (*Info, error) {
	if err := s.requireMutableBindings(id); err != nil {
		return nil, err
	}

	for _, name := range names {
		var credID string
		err := s.db.QueryRow("SELECT id FROM credentials WHERE name = ?", name).Scan(&credID)
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.NotFound, "credential %q not found", name)
		}
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "querying credential")
		}

		_, err = s.db.Exec(
			"INSERT OR IGNORE INTO profile_credentials (profile_id, credential_id) VALUES (?, ?)",
			id, credID,
		)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "binding credential")
		}
	}
	return s.Get(id)
}

// RemoveCredentials detaches credentials by name from an unlocked profile.
// Names that are unknown or not attached are silently ignored.
func (s *Store) RemoveCredentials(id string, names []string) (*Info, error) {
	if err := s.requireMutableBindings(id); err != nil {
		return nil, err
	}

	for _, name := range names {
		var credID string
		err := s.db.QueryRow("SELECT id FROM credentials WHERE name = ?", name).Scan(&credID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "querying credential")
		}

		_, err = s.db.Exec(
			"DELETE FROM profile_credentials WHERE profile_id = ? AND credential_id = ?",
			id, credID,
		)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "unbinding credential")
		}
	}
	return s.Get(id)
}

// ResolveByKeyID looks up a profile by its current key_id. Old key ids stop
// resolving as soon as a key is regenerated.
func (s *Store) ResolveByKeyID(keyID string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT id, description, locked, key_id, key_secret_encrypted, expires_at, revoked, last_used_at
		 FROM profiles WHERE key_id = ?`,
		keyID,
	)

	var rec Record
	var locked, revoked int
	var kid, expiresAt, lastUsedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.Description, &locked, &kid, &rec.KeySecretEncrypted, &expiresAt, &revoked, &lastUsedAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "no profile for key id")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying profile by key id")
	}

	rec.Locked = locked != 0
	rec.Revoked = revoked != 0
	if kid.Valid {
		rec.KeyID = &kid.String
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.String
	}
	if lastUsedAt.Valid {
		rec.LastUsedAt = &lastUsedAt.String
	}
	return &rec, nil
}

// TouchLastUsed records a successful authentication against the profile.
func (s *Store) TouchLastUsed(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec("UPDATE profiles SET last_used_at = ? WHERE id = ?", now, id)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "updating last_used_at")
	}
	return nil
}

// DecryptSecret recovers the plaintext key secret for HMAC verification.
func (s *Store) DecryptSecret(rec *Record) (string, error) {
	if rec.KeySecretEncrypted == nil {
		return "", fault.New(fault.Internal, "profile %q has no key secret", rec.ID)
	}
	return crypto.Decrypt(rec.KeySecretEncrypted, s.masterKey)
}

// expiryLayouts accepted for expires_at values. The second form is a bare
// local-less timestamp, treated as UTC.
var expiryLayouts = []string{time.RFC3339, "2006-01-02T15:04:05"}

// ParseExpiry parses an expires_at string.
func ParseExpiry(value string) (time.Time, error) {
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fault.New(fault.Validation, "invalid expires_at %q: want RFC 3339 timestamp", value)
}

func (s *Store) requireMutableBindings(id string) error {
	info, err := s.Get(id)
	if err != nil {
		return err
	}
	if info.Locked {
		return fault.New(fault.Conflict, "cannot modify credentials on a locked profile")
	}
	if info.Revoked {
		return fault.New(fault.Conflict, "profile %q is revoked", id)
	}
	return nil
}

func (s *Store) credentialRefs(id string) ([]CredentialRef, error) {
	rows, err := s.db.Query(
		`SELECT c.name, c.description, c.encrypted_value
		 FROM credentials c
		 JOIN profile_credentials pc ON c.id = pc.credential_id
		 WHERE pc.profile_id = ? ORDER BY c.name`,
		id,
	)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "querying bindings")
	}
	defer rows.Close()

	refs := []CredentialRef{}
	for rows.Next() {
		var ref CredentialRef
		var encrypted []byte
		if err := rows.Scan(&ref.Name, &ref.Description, &encrypted); err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scanning binding")
		}
		ref.HasValue = encrypted != nil
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInfo(row rowScanner) (*Info, error) {
	var info Info
	var locked, revoked int
	var keyID, expiresAt, updatedAt sql.NullString
	err := row.Scan(&info.ID, &info.Description, &locked, &keyID, &expiresAt, &revoked, &info.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	info.Locked = locked != 0
	info.Revoked = revoked != 0
	if keyID.Valid {
		info.KeyID = &keyID.String
	}
	if expiresAt.Valid {
		info.ExpiresAt = &expiresAt.String
	}
	if updatedAt.Valid {
		info.UpdatedAt = &updatedAt.String
	}
	return &info, nil
}
