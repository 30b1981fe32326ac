package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
)

func TestJWTRoundTrip(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)

	token, expiresAt, err := manager.GenerateAccessToken(42, enums.RoleAdmin)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expected future expiry, got %s", expiresAt)
	}

	claims, err := manager.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.UserID != 42 {
		t.Fatalf("expected user id 42, got %d", claims.UserID)
	}
	if claims.Role != enums.RoleAdmin {
		t.Fatalf("expected admin role, got %q", claims.Role)
	}
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)
	manager.now = func() time.Time {
		return time.Now().Add(-2 * time.Hour)
	}

	token, _, err := manager.GenerateAccessToken(7, enums.RoleUser)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	if _, err := manager.ParseAccessToken(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)
	other := NewJWTManager("other-secret", time.Hour)

	token, _, err := manager.GenerateAccessToken(7, enums.RoleUser)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	if _, err := other.ParseAccessToken(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong secret, got %v", err)
	}

	if _, err := manager.ParseAccessToken(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestJWTUnknownRoleFallsBackToUser(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)

	token, _, err := manager.GenerateAccessToken(9, enums.Role("superuser"))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	claims, err := manager.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Role != enums.RoleUser {
		t.Fatalf("expected fallback to user role, got %q", claims.Role)
	}
}
