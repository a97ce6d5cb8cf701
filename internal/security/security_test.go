package security

import (
	"strings"
	"testing"
	"time"
)

func TestAPIKeyRoundTrip(t *testing.T) {
	token, errGenerate := GenerateAPIKey()
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if !strings.HasPrefix(token, "clg_") {
		t.Fatalf("expected clg_ prefix, got %q", token)
	}
	if prefix := APIKeyPrefix(token); len(prefix) != 12 || !strings.HasPrefix(token, prefix) {
		t.Fatalf("unexpected lookup prefix %q", prefix)
	}

	hash, errHash := HashAPIKey(token)
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	if !CheckAPIKey(hash, token) {
		t.Fatalf("expected hash to verify its own key")
	}
	if CheckAPIKey(hash, token+"x") {
		t.Fatalf("expected tampered key rejected")
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	token, errGenerate := GenerateAdminToken("secret", "ops", time.Minute)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	claims, errParse := ParseAdminToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.Subject != "ops" {
		t.Fatalf("expected subject ops, got %q", claims.Subject)
	}
}

func TestAdminTokenWrongSecretRejected(t *testing.T) {
	token, _ := GenerateAdminToken("secret", "ops", time.Minute)
	if _, errParse := ParseAdminToken("other", token); errParse != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", errParse)
	}
}

func TestAdminTokenExpiredRejected(t *testing.T) {
	token, _ := GenerateAdminToken("secret", "ops", -time.Minute)
	if _, errParse := ParseAdminToken("secret", token); errParse != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", errParse)
	}
}
