package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type bearerKey struct{}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// RawTokenFromContext returns the bearer token stored by RequireBearer.
func RawTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(bearerKey{}).(string)
	return token, ok && token != ""
}

// Unauthorized writes the uniform 401 answer with a Bearer challenge.
func Unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": detail})
}

// RequireBearer rejects requests without a bearer token. It does not verify the
// token; handlers do that inside their own unit of work.
func RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			slog.Info("request without bearer token", "path", r.URL.Path)
			Unauthorized(w, "Not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), bearerKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
