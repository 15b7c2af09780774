package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (*Principal, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got *Principal
	err := mw(func(c echo.Context) error {
		p, ok := PrincipalFromContext(c.Request().Context())
		if ok {
			got = &p
		}
		return c.String(http.StatusOK, "ok")
	})(c)
	return got, err
}

func expectStatus(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d", code)
	}
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
	return httpErr
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	userID := uuid.New()
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: RoleDoctor,
	}, testSigningKey)

	p, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected principal on context")
	}
	if p.UserID != userID || p.Role != RoleDoctor {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	expired := time.Now().Add(-time.Minute).Truncate(time.Second)
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(expired),
		},
		Role: RolePatient,
	}, testSigningKey)

	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	httpErr := expectStatus(t, err, http.StatusUnauthorized)

	var se *SessionExpiredError
	if !errors.As(err, &se) {
		t.Fatalf("expected SessionExpiredError inside %v", err)
	}
	if !se.ExpiredAt.Equal(expired) {
		t.Errorf("expected expiry %v, got %v", expired, se.ExpiredAt)
	}
	body, ok := httpErr.Message.(map[string]string)
	if !ok || body["code"] != "session_expired" {
		t.Errorf("expected session_expired code, got %v", httpErr.Message)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: RolePatient,
	}, []byte("some-other-key"))

	_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
	expectStatus(t, err, http.StatusUnauthorized)
	var se *SessionExpiredError
	if errors.As(err, &se) {
		t.Error("bad signature must not be reported as session expiry")
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "medbook-identity", Audience: "medbook"}
	userID := uuid.New()

	good, err := IssueToken(cfg, userID, RolePatient, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	p, err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserID != userID {
		t.Errorf("expected %s, got %s", userID, p.UserID)
	}

	other := cfg
	other.Issuer = "someone-else"
	bad, err := IssueToken(other, userID, RolePatient, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	_, err = runMiddleware(t, JWTMiddleware(cfg), "Bearer "+bad)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_RejectsUnknownRoleAndSubject(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
	}{
		{"unknown role", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()}, Role: "nurse"}},
		{"non-uuid subject", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"}, Role: RolePatient}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
			tokenStr := createTestToken(t, tt.claims, testSigningKey)
			_, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+tokenStr)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	userID := uuid.New()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", userID.String())
	req.Header.Set("X-User-Role", RoleDoctor)
	c := e.NewContext(req, httptest.NewRecorder())

	var got Principal
	err := DevAuthMiddleware(nil)(func(c echo.Context) error {
		got, _ = PrincipalFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != userID || got.Role != RoleDoctor {
		t.Errorf("unexpected principal %+v", got)
	}
}

func TestDevAuthMiddleware_MissingUser(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := DevAuthMiddleware(nil)(func(c echo.Context) error { return nil })(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestUserIDFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id := UserIDFromContext(req.Context()); id != uuid.Nil {
		t.Errorf("expected nil uuid, got %s", id)
	}
	if role := RoleFromContext(req.Context()); role != "" {
		t.Errorf("expected empty role, got %q", role)
	}
}
