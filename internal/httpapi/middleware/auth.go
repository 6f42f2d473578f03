// Package middleware holds the HTTP middleware stack the gateway's router
// composes per route, adapted from gateway/middleware's authenticator, CORS,
// and observability pieces.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"agentgateway/internal/apierr"
	"agentgateway/internal/httpx"
)

// AuthMode selects how the bearer token on a request is validated.
type AuthMode string

const (
	// AuthModeJWT validates an HMAC-signed JWT and reads the caller's agent
	// id from its "sub" claim.
	AuthModeJWT AuthMode = "jwt"
	// AuthModeHMAC treats the bearer token itself as the agent id, trusting
	// the caller to have obtained it out of band (AUTH_MODE=hmac); used for
	// service-to-service callers provisioned with a static per-agent token.
	AuthModeHMAC AuthMode = "hmac"
)

type AuthConfig struct {
	Mode       AuthMode
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyAgentID contextKey = "agentgateway.agent_id"

// AgentID extracts the authenticated caller's agent id from the request
// context, set by Authenticator.Middleware.
func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyAgentID).(string)
	return id
}

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware requires a bearer token on every request it wraps and injects
// the resolved agent id into the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			httpx.WriteError(w, apierr.New(apierr.KindUnauthorized, "missing bearer token"))
			return
		}

		var agentID string
		var err error
		switch a.cfg.Mode {
		case AuthModeHMAC:
			agentID = token
		default:
			agentID, err = a.parseJWT(token)
		}
		if err != nil {
			a.logger.Warn("auth: token validation failed", "error", err)
			httpx.WriteError(w, apierr.New(apierr.KindInvalidToken, "invalid bearer token"))
			return
		}
		if agentID == "" {
			httpx.WriteError(w, apierr.New(apierr.KindInvalidToken, "token carries no subject"))
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyAgentID, agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parseJWT(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: HMAC secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithLeeway(a.cfg.ClockSkew)}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("token invalid")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
