package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lorrc/service-desk-realtime/internal/auth"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// UserClaimsKey is the key used to store user claims in the request context.
	UserClaimsKey contextKey = "userClaims"
	// PrincipalKey is the key used to store the resolved caller.
	PrincipalKey contextKey = "principal"
)

// AccessTokenParam carries a bearer token for clients that cannot set headers,
// such as the browser EventSource API.
const AccessTokenParam = "access_token"

// IdentitySource records how the caller was authenticated.
type IdentitySource string

const (
	SourceSession IdentitySource = "session"
	SourceBearer  IdentitySource = "bearer"
)

// Principal is the authenticated caller of a stream request.
type Principal struct {
	Identity domain.Identity
	Source   IdentitySource
	Claims   *auth.Claims
}

// Authenticate resolves the caller from the session cookie, then the
// Authorization header, then the access_token query parameter.
func Authenticate(sessions *auth.SessionManager, tm *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := resolvePrincipal(r, sessions, tm)
			if !ok {
				writeAppError(w, apperrors.NewUnauthorizedError("Authentication required"))
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			ctx = logging.WithUserID(ctx, principal.Identity.UserID.String())
			if principal.Claims != nil {
				ctx = context.WithValue(ctx, UserClaimsKey, principal.Claims)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolvePrincipal(r *http.Request, sessions *auth.SessionManager, tm *auth.TokenManager) (Principal, bool) {
	if sessions != nil && sessions.HasCookie(r) {
		if userID, err := sessions.UserID(r); err == nil {
			return Principal{
				Identity: domain.Identity{UserID: userID},
				Source:   SourceSession,
			}, true
		}
	}

	token, ok := bearerToken(r)
	if !ok || tm == nil {
		return Principal{}, false
	}
	claims, err := tm.ValidateToken(token)
	if err != nil {
		return Principal{}, false
	}
	return Principal{
		Identity: domain.Identity{UserID: claims.UserID},
		Source:   SourceBearer,
		Claims:   claims,
	}, true
}

func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get(AccessTokenParam); token != "" {
		return token, true
	}
	return "", false
}

// PrincipalFromContext returns the caller stored by Authenticate.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}

// IsBearer reports whether the request was authenticated with a token rather
// than a browser session.
func IsBearer(r *http.Request) bool {
	p, ok := PrincipalFromContext(r.Context())
	return ok && p.Source == SourceBearer
}

// JWTMiddleware validates the JWT token from the Authorization header.
func JWTMiddleware(tm *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAppError(w, apperrors.NewUnauthorizedError("Authorization header is required"))
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeAppError(w, apperrors.NewUnauthorizedError("Authorization header format must be Bearer {token}"))
				return
			}

			tokenString := parts[1]
			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				writeAppError(w, apperrors.NewUnauthorizedError("Invalid or expired token"))
				return
			}

			// Add the claims to the context for downstream handlers to use.
			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			ctx = logging.WithUserID(ctx, claims.UserID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects tokens that do not grant scope. It must run after
// JWTMiddleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaims(r.Context())
			if !ok || !claims.HasScope(scope) {
				writeAppError(w, apperrors.NewForbiddenError("Token lacks the "+scope+" scope"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims returns the validated token claims, if any.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserClaimsKey).(*auth.Claims)
	return claims, ok
}

// ClaimsSubject keys rate limits by token subject.
func ClaimsSubject(r *http.Request) string {
	if claims, ok := GetClaims(r.Context()); ok {
		return claims.UserID.String()
	}
	return getClientIP(r)
}

// writeAppError writes err in the same {error, code} shape the HTTP
// error handler uses.
func writeAppError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	if err.StatusCode == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{err.Message, err.Code})
}
