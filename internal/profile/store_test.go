package profile

import (
	"crypto/rand"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/airlock-sh/airlock/internal/audit"
	"github.com/airlock-sh/airlock/internal/credential"
	"github.com/airlock-sh/airlock/internal/db"
	"github.com/airlock-sh/airlock/internal/fault"
)

func testStores(t *testing.T) (*Store, *credential.Store, *sql.DB) {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	al, err := audit.NewLogger(database)
	if err != nil {
		t.Fatalf("creating audit logger: %v", err)
	}

	return NewStore(database, key, al), credential.NewStore(database, key, al), database
}

func TestCreateAndGet(t *testing.T) {
	s, _, _ := testStores(t)

	info, err := s.Create("staging access")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Locked || info.Revoked {
		t.Errorf("fresh profile locked=%v revoked=%v", info.Locked, info.Revoked)
	}
	if info.KeyID != nil {
		t.Error("fresh profile has a key id")
	}
	if len(info.Credentials) != 0 {
		t.Errorf("fresh profile has %d credentials", len(info.Credentials))
	}

	got, err := s.Get(info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "staging access" {
		t.Errorf("description = %q", got.Description)
	}

	if _, err := s.Get("missing"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown id error = %v, want NotFound", err)
	}
}

func TestLockMintsKey(t *testing.T) {
	s, _, _ := testStores(t)

	info, _ := s.Create("p")
	res, err := s.Lock(info.ID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	keyID, secret, ok := strings.Cut(res.Key, ":")
	if !ok {
		t.Fatalf("key %q not in key_id:secret form", res.Key)
	}
	if !strings.HasPrefix(keyID, KeyIDPrefix) {
		t.Errorf("key id %q missing %q prefix", keyID, KeyIDPrefix)
	}
	if len(keyID) != len(KeyIDPrefix)+keyIDLength {
		t.Errorf("key id length = %d", len(keyID))
	}
	if len(secret) != secretLength {
		t.Errorf("secret length = %d, want %d", len(secret), secretLength)
	}
	if !res.Profile.Locked {
		t.Error("profile not locked after Lock")
	}
	if res.Profile.KeyID == nil || *res.Profile.KeyID != keyID {
		t.Errorf("profile key id = %v", res.Profile.KeyID)
	}

	// The stored secret is encrypted, never plaintext.
	rec, err := s.ResolveByKeyID(keyID)
	if err != nil {
		t.Fatalf("ResolveByKeyID: %v", err)
	}
	if strings.Contains(string(rec.KeySecretEncrypted), secret) {
		t.Error("secret stored in plaintext")
	}
	decrypted, err := s.DecryptSecret(rec)
	if err != nil {
		t.Fatalf("DecryptSecret: %v", err)
	}
	if decrypted != secret {
		t.Error("decrypted secret does not round-trip")
	}

	// Locking twice conflicts.
	if _, err := s.Lock(info.ID); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("double lock error = %v, want Conflict", err)
	}
}

func TestRegenerateKey(t *testing.T) {
	s, _, _ := testStores(t)

	info, _ := s.Create("p")

	// Regenerating before locking conflicts.
	if _, err := s.RegenerateKey(info.ID); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("regenerate unlocked error = %v, want Conflict", err)
	}

	first, _ := s.Lock(info.ID)
	oldKeyID, _, _ := strings.Cut(first.Key, ":")

	second, err := s.RegenerateKey(info.ID)
	if err != nil {
		t.Fatalf("RegenerateKey: %v", err)
	}
	if second.Key == first.Key {
		t.Error("regenerated key equals the old one")
	}

	// The old key id stops resolving.
	if _, err := s.ResolveByKeyID(oldKeyID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("old key id error = %v, want NotFound", err)
	}
	newKeyID, _, _ := strings.Cut(second.Key, ":")
	if _, err := s.ResolveByKeyID(newKeyID); err != nil {
		t.Errorf("new key id does not resolve: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	s, _, _ := testStores(t)

	// Revoking an unlocked profile is allowed.
	info, _ := s.Create("p")
	revoked, err := s.Revoke(info.ID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !revoked.Revoked {
		t.Error("profile not revoked")
	}
	if _, err := s.Revoke(info.ID); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("double revoke error = %v, want Conflict", err)
	}

	// A revoked profile refuses lock, regenerate, and metadata updates.
	if _, err := s.Lock(info.ID); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("lock revoked error = %v, want Conflict", err)
	}
	desc := "new"
	if _, err := s.UpdateMetadata(info.ID, &desc, nil, false); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("update revoked error = %v, want Conflict", err)
	}
}

func TestDeleteRules(t *testing.T) {
	s, _, _ := testStores(t)

	// Unlocked: deletable.
	a, _ := s.Create("a")
	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("delete unlocked: %v", err)
	}

	// Locked and live: refused.
	b, _ := s.Create("b")
	s.Lock(b.ID)
	if err := s.Delete(b.ID); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("delete locked error = %v, want Conflict", err)
	}

	// Locked and revoked: deletable.
	s.Revoke(b.ID)
	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("delete revoked: %v", err)
	}
	if _, err := s.Get(b.ID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("deleted profile still resolves: %v", err)
	}
}

func TestCredentialBindings(t *testing.T) {
	s, creds, _ := testStores(t)

	value := "v"
	creds.Create("A", "", &value)
	creds.Create("B", "", nil)

	info, _ := s.Create("p")

	got, err := s.AddCredentials(info.ID, []string{"A", "B"})
	if err != nil {
		t.Fatalf("AddCredentials: %v", err)
	}
	if len(got.Credentials) != 2 {
		t.Fatalf("bound %d credentials, want 2", len(got.Credentials))
	}
	if got.Credentials[0].Name != "A" || !got.Credentials[0].HasValue {
		t.Errorf("ref A = %+v", got.Credentials[0])
	}
	if got.Credentials[1].HasValue {
		t.Errorf("empty slot B reports a value")
	}

	// Re-adding is a no-op; unknown names fail.
	got, err = s.AddCredentials(info.ID, []string{"A"})
	if err != nil || len(got.Credentials) != 2 {
		t.Errorf("re-add: %v, %d refs", err, len(got.Credentials))
	}
	if _, err := s.AddCredentials(info.ID, []string{"NOPE"}); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown credential error = %v, want NotFound", err)
	}

	// Removing unknown names is silent.
	got, err = s.RemoveCredentials(info.ID, []string{"B", "NOPE"})
	if err != nil {
		t.Fatalf("RemoveCredentials: %v", err)
	}
	if len(got.Credentials) != 1 {
		t.Errorf("after remove: %d refs, want 1", len(got.Credentials))
	}

	// Bindings freeze on lock.
	s.Lock(info.ID)
	if _, err := s.AddCredentials(info.ID, []string{"B"}); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("add to locked error = %v, want Conflict", err)
	}
	if _, err := s.RemoveCredentials(info.ID, []string{"A"}); !fault.IsKind(err, fault.Conflict) {
		t.Errorf("remove from locked error = %v, want Conflict", err)
	}
}

func TestUpdateMetadata(t *testing.T) {
	s, _, _ := testStores(t)

	info, _ := s.Create("old")

	desc := "new description"
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	got, err := s.UpdateMetadata(info.ID, &desc, &future, true)
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if got.Description != desc {
		t.Errorf("description = %q", got.Description)
	}
	if got.ExpiresAt == nil || *got.ExpiresAt != future {
		t.Errorf("expires_at = %v", got.ExpiresAt)
	}
	if got.UpdatedAt == nil {
		t.Error("updated_at not set")
	}

	// Explicit null clears the expiry.
	got, err = s.UpdateMetadata(info.ID, nil, nil, true)
	if err != nil {
		t.Fatalf("clear expiry: %v", err)
	}
	if got.ExpiresAt != nil {
		t.Errorf("expires_at not cleared: %v", got.ExpiresAt)
	}

	// Garbage timestamps are rejected.
	bad := "next tuesday"
	if _, err := s.UpdateMetadata(info.ID, nil, &bad, true); !fault.IsKind(err, fault.Validation) {
		t.Errorf("bad expiry error = %v, want Validation", err)
	}

	// Metadata stays mutable on a locked profile.
	s.Lock(info.ID)
	desc2 := "still editable"
	if _, err := s.UpdateMetadata(info.ID, &desc2, nil, false); err != nil {
		t.Errorf("update locked profile: %v", err)
	}
}

func TestParseExpiry(t *testing.T) {
	if _, err := ParseExpiry("2030-01-02T15:04:05Z"); err != nil {
		t.Errorf("RFC 3339: %v", err)
	}
	if _, err := ParseExpiry("2030-01-02T15:04:05+02:00"); err != nil {
		t.Errorf("RFC 3339 with offset: %v", err)
	}
	// Bare timestamps without a zone are accepted and treated as UTC.
	got, err := ParseExpiry("2030-01-02T15:04:05")
	if err != nil {
		t.Fatalf("bare timestamp: %v", err)
	}
	if got.Location() != time.UTC {
		t.Errorf("bare timestamp location = %v", got.Location())
	}
	if _, err := ParseExpiry("tomorrow"); !fault.IsKind(err, fault.Validation) {
		t.Errorf("garbage error = %v, want Validation", err)
	}
}

func TestSignScript(t *testing.T) {
	secret := "topsecret"
	script := "print('x')"

	digest := SignScript(secret, script)
	if len(digest) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(digest))
	}
	if !VerifyScriptHMAC(secret, script, digest) {
		t.Error("valid digest rejected")
	}
	if VerifyScriptHMAC(secret, "print('y')", digest) {
		t.Error("digest accepted for different script")
	}
	if VerifyScriptHMAC("othersecret", script, digest) {
		t.Error("digest accepted under different secret")
	}
	if VerifyScriptHMAC(secret, script, strings.ToUpper(digest)) {
		t.Error("case-mangled digest accepted")
	}
}
