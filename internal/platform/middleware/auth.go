package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"biovote/internal/session"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/httputil"
)

// AdminValidator validates administrative bearer tokens.
type AdminValidator interface {
	Validate(ctx context.Context, raw string) (*session.AdminClaims, error)
}

type contextKeyAdmin struct{}

// ContextKeyAdmin holds the *session.AdminClaims of an authenticated admin.
var ContextKeyAdmin = contextKeyAdmin{}

// GetAdmin returns the claims stored by RequireAdmin.
func GetAdmin(ctx context.Context) *session.AdminClaims {
	claims, ok := ctx.Value(ContextKeyAdmin).(*session.AdminClaims)
	if !ok {
		return nil
	}
	return claims
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// RequireAdmin admits requests bearing an admin token whose role allows
// required.
func RequireAdmin(validator AdminValidator, required session.Role, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := BearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}
			claims, err := validator.Validate(ctx, token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", GetRequestID(ctx),
				)
				httputil.WriteError(w, err)
				return
			}
			if !claims.Role.Allows(required) {
				logger.WarnContext(ctx, "forbidden - insufficient role",
					"admin_id", claims.AdminID,
					"role", claims.Role,
					"required", required,
					"request_id", GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "insufficient role"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ContextKeyAdmin, claims)))
		})
	}
}
