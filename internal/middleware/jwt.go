package myMiddleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const OperatorKey contextKey = "operator"

// TokenValidator keeps this package independent of auth.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
	log       *slog.Logger
}

func NewAuthMiddleware(v TokenValidator, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{validator: v, log: logger}
}

// Handle accepts "Authorization: Bearer <jwt>" or, for EventSource and
// websocket clients that cannot set headers, ?token=<jwt>.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearer(r.Header.Get("Authorization"))

		// Fallback: Check Query Param
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		operator, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			am.log.Debug("rejected token", slog.String("path", r.URL.Path), slog.Any("error", err))
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), OperatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Operator returns the signed-in operator stored by Handle.
func Operator(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(OperatorKey).(string)
	return op, ok
}

func bearer(header string) string {
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
