package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const principalKey contextKey = "principal"

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

// SessionExpiredError is returned for a well-formed token past its expiry.
type SessionExpiredError struct {
	ExpiredAt time.Time
}

func (e *SessionExpiredError) Error() string {
	if e.ExpiredAt.IsZero() {
		return "session expired"
	}
	return fmt.Sprintf("session expired at %s", e.ExpiredAt.UTC().Format(time.RFC3339))
}

func sessionExpired(claims *Claims) *echo.HTTPError {
	se := &SessionExpiredError{}
	if claims.ExpiresAt != nil {
		se.ExpiredAt = claims.ExpiresAt.Time
	}
	return echo.NewHTTPError(http.StatusUnauthorized, map[string]string{
		"message": "session expired",
		"code":    "session_expired",
	}).SetInternal(se)
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// ParseToken validates an HS256 token and returns its principal.
func ParseToken(cfg JWTConfig, tokenStr string) (*Principal, *Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, claims, err
	}
	if !token.Valid {
		return nil, claims, errors.New("invalid token")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, claims, fmt.Errorf("subject is not a user id: %w", err)
	}
	if !validRole(claims.Role) {
		return nil, claims, fmt.Errorf("unknown role %q", claims.Role)
	}
	return &Principal{UserID: id, Role: claims.Role}, claims, nil
}

func validRole(role string) bool {
	return role == RolePatient || role == RoleDoctor || role == RoleAdmin
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}
			p, claims, err := ParseToken(cfg, tokenStr)
			if errors.Is(err, jwt.ErrTokenExpired) {
				return sessionExpired(claims)
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token").SetInternal(err)
			}
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), *p)))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts X-User-ID and X-User-Role headers. It is only
// installed in development.
func DevAuthMiddleware(skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}
			id, err := uuid.Parse(c.Request().Header.Get("X-User-ID"))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid X-User-ID header")
			}
			role := c.Request().Header.Get("X-User-Role")
			if role == "" {
				role = RolePatient
			}
			if !validRole(role) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid X-User-Role header")
			}
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), Principal{UserID: id, Role: role})))
			return next(c)
		}
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func UserIDFromContext(ctx context.Context) uuid.UUID {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}

func RoleFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Role
}

// IssueToken signs an HS256 token for userID. Tokens are normally issued by
// the identity service; this is used by tooling and tests.
func IssueToken(cfg JWTConfig, userID uuid.UUID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}
