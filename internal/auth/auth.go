// Package auth implements the two authentication paths: the single admin
// session (password + bearer token) and profile bearer keys with per-request
// script integrity.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/airlock-sh/airlock/internal/audit"
	"github.com/airlock-sh/airlock/internal/fault"
	"github.com/airlock-sh/airlock/internal/profile"
)

const (
	// TokenPrefix is the wire-visible admin session token prefix.
	TokenPrefix = "atk_"

	tokenChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength = 32

	minPasswordLength = 8

	// Argon2id parameters: m=64MB, t=3, p=4.
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Admin kv keys. These are the only two rows in the admin table.
const (
	keyPasswordHash = "admin_password_hash"
	keyTokenHash    = "session_token_hash"
)

// ProfileIdentity is the authenticated caller of an agent execution request.
// Secret is held only for the duration of the request, for HMAC verification.
type ProfileIdentity struct {
	ProfileID string
	Secret    string
}

// Gateway validates admin session tokens and profile bearer keys.
type Gateway struct {
	db       *sql.DB
	profiles *profile.Store
	audit    *audit.Logger
}

// NewGateway creates the auth gateway.
func NewGateway(db *sql.DB, profiles *profile.Store, al *audit.Logger) *Gateway {
	return &Gateway{db: db, profiles: profiles, audit: al}
}

// SetupComplete reports whether the admin password has been configured.
func (g *Gateway) SetupComplete() (bool, error) {
	_, err := g.adminValue(keyPasswordHash)
	if fault.IsKind(err, fault.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Setup configures the admin password on first use and mints the initial
// session token. It refuses to run twice.
func (g *Gateway) Setup(password string) (string, error) {
	done, err := g.SetupComplete()
	if err != nil {
		return "", err
	}
	if done {
		return "", fault.New(fault.Conflict, "admin password already configured")
	}
	if len(password) < minPasswordLength {
		return "", fault.New(fault.Validation, "password must be at least %d characters", minPasswordLength)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}

	tx, err := g.db.Begin()
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO admin (key, value) VALUES (?, ?)", keyPasswordHash, hash,
	); err != nil {
		return "", fault.Wrap(fault.Internal, err, "storing password hash")
	}

	token := generateToken()
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO admin (key, value) VALUES (?, ?)",
		keyTokenHash, hashToken(token),
	); err != nil {
		return "", fault.Wrap(fault.Internal, err, "storing session token")
	}

	if err := tx.Commit(); err != nil {
		return "", fault.Wrap(fault.Internal, err, "committing setup")
	}

	g.audit.Log(audit.EventAdminSetup, "admin", nil)
	return token, nil
}

// Login validates the admin password and mints a new session token.
// The previous token stops working: one active session at a time.
func (g *Gateway) Login(password string) (string, error) {
	stored, err := g.adminValue(keyPasswordHash)
	if fault.IsKind(err, fault.NotFound) {
		return "", fault.New(fault.Unauthorized, "admin password not configured")
	}
	if err != nil {
		return "", err
	}

	if !verifyPassword(password, stored) {
		return "", fault.New(fault.Unauthorized, "invalid password")
	}

	token := generateToken()
	if _, err := g.db.Exec(
		"INSERT OR REPLACE INTO admin (key, value) VALUES (?, ?)",
		keyTokenHash, hashToken(token),
	); err != nil {
		return "", fault.Wrap(fault.Internal, err, "storing session token")
	}

	g.audit.Log(audit.EventAdminLogin, "admin", nil)
	return token, nil
}

// RequireAdmin checks a bearer session token against the current one.
func (g *Gateway) RequireAdmin(token string) error {
	if token == "" {
		return fault.New(fault.Unauthorized, "missing authentication token")
	}

	stored, err := g.adminValue(keyTokenHash)
	if fault.IsKind(err, fault.NotFound) {
		return fault.New(fault.Unauthorized, "invalid or expired session token")
	}
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(stored)) != 1 {
		return fault.New(fault.Unauthorized, "invalid or expired session token")
	}
	return nil
}

// RequireProfile authenticates a profile bearer key. The bearer value is the
// profile's current key_id; possession of the secret half is proven
// separately, per request, by the script HMAC. Checks run in order: the key
// resolves, the profile is locked, not revoked, and not expired. On success
// the stored secret is decrypted for HMAC verification and last_used_at is
// updated.
func (g *Gateway) RequireProfile(bearer string) (*ProfileIdentity, error) {
	if bearer == "" {
		return nil, fault.New(fault.Unauthorized, "missing profile key")
	}
	if !strings.HasPrefix(bearer, profile.KeyIDPrefix) {
		return nil, fault.New(fault.Unauthorized, "invalid profile key")
	}

	rec, err := g.profiles.ResolveByKeyID(bearer)
	if fault.IsKind(err, fault.NotFound) {
		return nil, fault.New(fault.Unauthorized, "invalid profile key")
	}
	if err != nil {
		return nil, err
	}

	if !rec.Locked {
		return nil, fault.New(fault.Unauthorized, "profile is not locked")
	}
	if rec.Revoked {
		return nil, fault.New(fault.Unauthorized, "profile key has been revoked")
	}
	if rec.ExpiresAt != nil {
		expiry, err := profile.ParseExpiry(*rec.ExpiresAt)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "stored expires_at is unparseable")
		}
		if !expiry.After(time.Now().UTC()) {
			return nil, fault.New(fault.Unauthorized, "profile key has expired")
		}
	}

	secret, err := g.profiles.DecryptSecret(rec)
	if err != nil {
		// A decrypt failure means a tampered row or wrong master key and
		// must surface as such, not as a 401.
		return nil, err
	}

	if err := g.profiles.TouchLastUsed(rec.ID); err != nil {
		return nil, err
	}

	return &ProfileIdentity{ProfileID: rec.ID, Secret: secret}, nil
}

// VerifyScript checks the submitted integrity digest for a script. A
// mismatch is an Integrity fault, deliberately distinct from Unauthorized:
// the bearer identity may be valid while the script was tampered with in
// transit.
func (g *Gateway) VerifyScript(identity *ProfileIdentity, script, providedHex string) error {
	if !profile.VerifyScriptHMAC(identity.Secret, script, providedHex) {
		return fault.New(fault.Integrity, "script hash verification failed")
	}
	return nil
}

func (g *Gateway) adminValue(key string) (string, error) {
	var value string
	err := g.db.QueryRow("SELECT value FROM admin WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fault.New(fault.NotFound, "admin key %q not set", key)
	}
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "querying admin table")
	}
	return value, nil
}

// hashPassword derives an Argon2id hash, encoded as argon2id$<salt>$<hash>
// in hex.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fault.Wrap(fault.Internal, err, "generating salt")
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return "argon2id$" + hex.EncodeToString(salt) + "$" + hex.EncodeToString(key), nil
}

func verifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(key, expected) == 1
}

// generateToken mints an atk_-prefixed session token.
func generateToken() string {
	max := big.NewInt(int64(len(tokenChars)))
	out := make([]byte, tokenLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("auth: reading random source: " + err.Error())
		}
		out[i] = tokenChars[n.Int64()]
	}
	return TokenPrefix + string(out)
}

// hashToken hashes a session token for storage and comparison.
func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
