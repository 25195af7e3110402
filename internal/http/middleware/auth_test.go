// README: Tests for Firebase auth middleware and role resolution.
package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"market/internal/http/middleware"
	"market/internal/infra"
	"market/internal/modules/lifecycle"
	"market/internal/modules/profile"
	"market/internal/types"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

type stubRoles struct {
	roles map[types.ID]lifecycle.Role
	err   error
}

func (s stubRoles) RoleOf(_ context.Context, id types.ID) (lifecycle.Role, error) {
	if s.err != nil {
		return "", s.err
	}
	r, ok := s.roles[id]
	if !ok {
		return "", profile.ErrNotFound
	}
	return r, nil
}

func newTestRouter(verifier infra.TokenVerifier, roles middleware.RoleSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier, roles))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c)})
	})
	return r
}

func call(r *gin.Engine, auth string) (*httptest.ResponseRecorder, map[string]string) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	body := map[string]string{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}}, nil)
	w, _ := call(r, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}}, nil)
	w, _ := call(r, "Token sometoken")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("bad token")}, nil)
	w, _ := call(r, "Bearer invalidtoken")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ClaimRoleWithoutProfile(t *testing.T) {
	token := &infra.FirebaseToken{UID: "driver123", Claims: map[string]interface{}{"role": "driver"}}
	r := newTestRouter(&stubVerifier{token: token}, stubRoles{})
	w, body := call(r, "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["uid"] != "driver123" || body["role"] != "driver" {
		t.Errorf("unexpected caller %v", body)
	}
}

func TestAuth_ProfileRoleWinsOverClaim(t *testing.T) {
	token := &infra.FirebaseToken{UID: "u1", Claims: map[string]interface{}{"role": "admin"}}
	roles := stubRoles{roles: map[types.ID]lifecycle.Role{"u1": lifecycle.RoleCustomer}}
	r := newTestRouter(&stubVerifier{token: token}, roles)
	_, body := call(r, "Bearer validtoken")
	if body["role"] != "customer" {
		t.Errorf("expected stored role customer, got %q", body["role"])
	}
}

func TestAuth_UnknownClaimRoleIgnored(t *testing.T) {
	token := &infra.FirebaseToken{UID: "u2", Claims: map[string]interface{}{"role": "pilot"}}
	r := newTestRouter(&stubVerifier{token: token}, nil)
	w, body := call(r, "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body["role"] != "" {
		t.Errorf("expected empty role, got %q", body["role"])
	}
}

func TestAuth_RoleLookupFailure(t *testing.T) {
	token := &infra.FirebaseToken{UID: "u3", Claims: map[string]interface{}{}}
	r := newTestRouter(&stubVerifier{token: token}, stubRoles{err: errors.New("db down")})
	w, _ := call(r, "Bearer validtoken")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
