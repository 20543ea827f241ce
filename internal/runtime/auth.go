package runtime

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Token scopes.
const (
	// ScopeDiagnostics lets a caller see raw provider error text.
	ScopeDiagnostics = "diagnostics"
	// ScopeAdmin allows collection management and sync jobs.
	ScopeAdmin = "admin"
)

var (
	ErrMissingToken = errors.New("missing session token")
	ErrInvalidToken = errors.New("invalid session token")
)

// Session is the authenticated caller. ID scopes conversations and
// idempotency keys.
type Session struct {
	ID     string
	Scopes []string
}

func (s Session) Has(scope string) bool { return slices.Contains(s.Scopes, scope) }

// SignSession issues an HS256 token for sessionID.
func SignSession(sessionID string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	claims := jwt.MapClaims{
		"sub": sessionID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseSession validates a token and returns its session.
func ParseSession(token string, secret []byte) (Session, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Session{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Session{}, ErrInvalidToken
	}
	return Session{ID: sub, Scopes: extractScopes(claims)}, nil
}

type sessionKey struct{}

func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session stored by SessionMiddleware.
func SessionFromContext(ctx context.Context) (Session, bool) {
	if ctx == nil {
		return Session{}, false
	}
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// ResolveFunc authenticates a request.
type ResolveFunc func(r *http.Request) (Session, error)

// JWTResolver resolves bearer tokens (or the auth cookie) signed with secret.
func JWTResolver(secret []byte) ResolveFunc {
	return func(r *http.Request) (Session, error) {
		tok := TokenFromRequest(r)
		if tok == "" {
			return Session{}, ErrMissingToken
		}
		return ParseSession(tok, secret)
	}
}

// SessionMiddleware authenticates with resolve and stores the session in the
// request context.
func SessionMiddleware(resolve ResolveFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, err := resolve(c.Request())
			if errors.Is(err, ErrMissingToken) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set("session_id", s.ID)
			c.SetRequest(c.Request().WithContext(ContextWithSession(c.Request().Context(), s)))
			return next(c)
		}
	}
}

// RequireScopes rejects sessions missing any of the required scopes.
func RequireScopes(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, _ := SessionFromContext(c.Request().Context())
			for _, scope := range required {
				if !s.Has(scope) {
					return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+scope)
				}
			}
			return next(c)
		}
	}
}

// TokenFromRequest returns the bearer token, falling back to the auth cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if ck, err := r.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scopes"]
	if !ok {
		raw = claims["scope"]
	}
	var out []string
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		out = strings.Fields(v)
	}
	return out
}
