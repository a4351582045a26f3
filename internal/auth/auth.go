// Package auth verifies bearer tokens and attaches the caller's identity to
// the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/contentforge/ai-proxy/internal/apperror"
	"github.com/contentforge/ai-proxy/pkg/ratelimit"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Identity is the verified caller attached to the request context.
type Identity struct {
	UserID string
	Email  string
	Plan   ratelimit.Tier
	Role   string
}

// Verifier validates a bearer token and returns the identity it encodes.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// Claims is the token payload. Plan is a custom claim selecting the rate
// limit tier.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Plan  string `json:"plan"`
	Role  string `json:"role"`
}

// JWTVerifier checks HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	plan := ratelimit.Tier(claims.Plan)
	if plan == "" {
		plan = ratelimit.TierFree
	}
	return &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Plan:   plan,
		Role:   claims.Role,
	}, nil
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the verified identity, or nil on unauthenticated
// requests.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

type Middleware func(next http.Handler) http.Handler

// NewMiddleware builds the bearer-token gate. With a nil verifier the gate
// either stubs a dev identity (devMode) or refuses every request, so a
// misconfigured deployment fails closed.
func NewMiddleware(verifier Verifier, devMode bool, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, apperror.CodeAuthMissing,
					"Missing or invalid Authorization header. Expected: Bearer {token}")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")

			if verifier == nil {
				if devMode {
					logger.Warn("auth not configured, allowing request in development mode")
					ctx := WithIdentity(r.Context(), &Identity{
						UserID: "dev-user",
						Email:  "dev@localhost",
						Plan:   ratelimit.TierFree,
					})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				writeAuthError(w, http.StatusServiceUnavailable, apperror.CodeAuthUnavailable,
					"Authentication service unavailable")
				return
			}

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					writeAuthError(w, http.StatusUnauthorized, apperror.CodeAuthExpired,
						"Authentication token expired. Please refresh and try again.")
					return
				}
				writeAuthError(w, http.StatusUnauthorized, apperror.CodeAuthInvalid,
					"Invalid authentication token.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code apperror.Code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg, "code": code})
}
