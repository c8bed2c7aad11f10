package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

// appTokenTTL is how long a /auth/login-issued JWT remains valid.
const appTokenTTL = 24 * time.Hour

// appClaims are the JWT claims issued to an authenticated app/CLI client.
// The teacher signs with ES256 (internal/relay.WingClaims); spec.md §6.6
// specifies a single shared JWT_SECRET instead, so HS256 is used here — see
// DESIGN.md.
type appClaims struct {
	jwt.RegisteredClaims
}

// IssueAppJWT signs a 24h HS256 token for subject (the admin username).
func IssueAppJWT(secret []byte, subject string) (string, error) {
	now := time.Now()
	claims := appClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(appTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// ValidateAppJWT verifies an HS256 token and returns its subject.
func ValidateAppJWT(secret []byte, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &appClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse app jwt: %w", err)
	}
	claims, ok := token.Claims.(*appClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid app jwt claims")
	}
	return claims.Subject, nil
}

// argon2Params holds the cost parameters parsed from an Argon2id PHC
// string. $argon2id$v=19$m=65536,t=3,p=2$<salt-b64>$<hash-b64>
type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	hash    []byte
}

func parseArgon2PHC(phc string) (argon2Params, error) {
	parts := strings.Split(phc, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return argon2Params{}, fmt.Errorf("not an argon2id PHC string")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return argon2Params{}, fmt.Errorf("parse version: %w", err)
	}
	var p argon2Params
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return argon2Params{}, fmt.Errorf("bad param %q", kv)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return argon2Params{}, fmt.Errorf("bad param value %q: %w", kv, err)
		}
		switch k {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			p.threads = uint8(n)
		}
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argon2Params{}, fmt.Errorf("decode salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argon2Params{}, fmt.Errorf("decode hash: %w", err)
	}
	p.salt = salt
	p.hash = hash
	return p, nil
}

// VerifyPassword checks password against an Argon2id PHC hash
// (ADMIN_PASSWORD_HASH, spec.md §6.6), in constant time.
func VerifyPassword(phc, password string) (bool, error) {
	p, err := parseArgon2PHC(phc)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(computed, p.hash) == 1, nil
}

// HashToken returns the hex sha256 of token, the form stored for host
// tokens (spec.md §4.8 "host auth" — tokens are never stored in cleartext).
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
