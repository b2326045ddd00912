package profile

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// Wire-visible key formats. The full key is key_id + ":" + secret and is
// transmitted exactly once, when minted.
const (
	KeyIDPrefix  = "ark_"
	keyIDChars   = "abcdefghijklmnopqrstuvwxyz0123456789"
	keyIDLength  = 24
	secretChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	secretLength = 48
)

// generateKeyID mints a new ark_-prefixed key identifier.
func generateKeyID() string {
	return KeyIDPrefix + randomString(keyIDChars, keyIDLength)
}

// generateSecret mints a new key secret.
func generateSecret() string {
	return randomString(secretChars, secretLength)
}

func randomString(charset string, length int) string {
	max := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the platform RNG is broken, at
			// which point minting keys is unsafe anyway.
			panic("profile: reading random source: " + err.Error())
		}
		out[i] = charset[n.Int64()]
	}
	return string(out)
}

// SignScript computes the lowercase hex HMAC-SHA256 digest binding a script
// to a profile secret. Clients send this alongside the script.
func SignScript(secret, script string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(script))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyScriptHMAC checks a submitted digest in constant time.
func VerifyScriptHMAC(secret, script, providedHex string) bool {
	expected := SignScript(secret, script)
	return hmac.Equal([]byte(expected), []byte(providedHex))
}
