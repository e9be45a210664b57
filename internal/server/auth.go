package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"fieldline/internal/auth"
	"fieldline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowAnonymous admits unauthenticated requests, identified by X-Device-Id when present.
	AllowAnonymous bool
	Logger         *zap.Logger
}

type Principal struct {
	UserID   string
	Role     string
	DeviceID string
	Source   string
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func authenticateJWT(token string, secret string) (Principal, error) {
	claims, err := auth.Parse(secret, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		UserID:   claims.Subject,
		Role:     claims.Role,
		DeviceID: claims.DeviceID,
		Source:   "jwt",
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.UserID == "" {
		return Principal{}, errors.New("api key missing user")
	}
	p := Principal{UserID: apiKey.UserID, Source: "api_key"}
	if u, err := r.GetUser(ctx, apiKey.UserID); err == nil {
		p.Role = u.Role
	}
	return p, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicPath reports whether p is served without credentials.
func publicPath(basePath, p string) bool {
	switch p {
	case path.Join("/", basePath, "health"), path.Join("/", basePath, "metrics"):
		return true
	}
	return strings.HasPrefix(p, path.Join("/", basePath, "media")+"/") && !strings.HasSuffix(p, "/upload")
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if publicPath(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			deviceHeader := strings.TrimSpace(req.Header.Get("X-Device-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if cfg.AllowAnonymous {
				cfg.logger().Warn("unauthenticated request admitted", zap.String("path", req.URL.Path), zap.String("device_id", deviceHeader))
				ctx := withPrincipal(req.Context(), Principal{DeviceID: deviceHeader, Source: "anonymous"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
