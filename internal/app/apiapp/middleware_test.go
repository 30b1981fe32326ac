package apiapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/omarrayhanuddin/spineai-backend/internal/domain/enums"
	authsvc "github.com/omarrayhanuddin/spineai-backend/internal/services/auth"
)

func TestAuthMiddlewareSetsIdentity(t *testing.T) {
	manager := authsvc.NewJWTManager("test-secret", time.Minute)
	token, _, err := manager.GenerateAccessToken(42, enums.RoleAdmin)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	mw := AuthMiddleware(manager, nil)

	req := httptest.NewRequest(http.MethodGet, "/affiliate/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := authsvc.IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("identity missing in context")
		}
		if identity.UserID != 42 || identity.Role != enums.RoleAdmin {
			t.Fatalf("unexpected identity: %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	manager := authsvc.NewJWTManager("test-secret", time.Minute)
	mw := AuthMiddleware(manager, nil)

	req := httptest.NewRequest(http.MethodGet, "/affiliate/dashboard", nil)
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called without a token")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareRejectsGarbageToken(t *testing.T) {
	manager := authsvc.NewJWTManager("test-secret", time.Minute)
	mw := AuthMiddleware(manager, nil)

	req := httptest.NewRequest(http.MethodGet, "/affiliate/dashboard", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called with an invalid token")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestRequireAdminRejectsUserRole(t *testing.T) {
	mw := RequireAdmin()

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req = req.WithContext(authsvc.WithIdentity(context.Background(), authsvc.Identity{
		UserID: 2,
		Role:   enums.RoleUser,
	}))
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called for non-admin role")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusForbidden)
	}
}

func TestRequireAdminAllowsAdmin(t *testing.T) {
	mw := RequireAdmin()

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req = req.WithContext(authsvc.WithIdentity(context.Background(), authsvc.Identity{
		UserID: 1,
		Role:   enums.RoleAdmin,
	}))
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
}
