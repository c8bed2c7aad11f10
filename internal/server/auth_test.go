package server

import (
	"encoding/base64"
	"fmt"
	"testing"

	"golang.org/x/crypto/argon2"
)

func makeTestPHC(t *testing.T, password string, salt []byte) string {
	t.Helper()
	hash := argon2.IDKey([]byte(password), salt, 3, 65536, 2, 32)
	return fmt.Sprintf("$argon2id$v=19$m=65536,t=3,p=2$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}

func TestVerifyPasswordRoundTrip(t *testing.T) {
	phc := makeTestPHC(t, "correct horse", []byte("0123456789abcdef"))
	ok, err := VerifyPassword(phc, "correct horse")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected password to verify")
	}
}

func TestVerifyPasswordWrongPassword(t *testing.T) {
	phc := makeTestPHC(t, "correct horse", []byte("0123456789abcdef"))
	ok, err := VerifyPassword(phc, "wrong password")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestVerifyPasswordMalformedPHC(t *testing.T) {
	if _, err := VerifyPassword("not-a-phc-string", "x"); err == nil {
		t.Fatal("expected error for malformed PHC string")
	}
}

func TestAppJWTRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueAppJWT(secret, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := ValidateAppJWT(secret, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if subject != "admin" {
		t.Fatalf("expected subject 'admin', got %q", subject)
	}
}

func TestAppJWTWrongSecretFails(t *testing.T) {
	token, err := IssueAppJWT([]byte("secret-a"), "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ValidateAppJWT([]byte("secret-b"), token); err == nil {
		t.Fatal("expected validation to fail with wrong secret")
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("sometoken")
	b := HashToken("sometoken")
	if a != b {
		t.Fatalf("expected deterministic hash, got %q vs %q", a, b)
	}
	if a == HashToken("othertoken") {
		t.Fatal("expected different tokens to hash differently")
	}
}
