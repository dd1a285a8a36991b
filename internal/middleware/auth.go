package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/R3E-Network/aggregation_gateway/internal/config"
	"github.com/R3E-Network/aggregation_gateway/pkg/logger"
)

// Decision is the outcome of a credential check.
type Decision struct {
	Allowed bool
	Subject string
	Reason  string
}

// Claims are the JWT claims accepted by the gateway.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// CredentialGate validates bearer tokens and API keys. Credentials take the
// form "Bearer <jwt>" or "ApiKey <id>:<secret>".
type CredentialGate struct {
	jwtSecret []byte
	apiKeys   map[string]string // key id -> bcrypt hash
	log       *logger.Logger
}

// NewCredentialGate creates the gate from the auth configuration.
func NewCredentialGate(cfg config.AuthConfig, log *logger.Logger) *CredentialGate {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &CredentialGate{
		jwtSecret: []byte(cfg.JWTSecret),
		apiKeys:   cfg.APIKeyHashes,
		log:       log,
	}
}

// Allow checks the credential and returns an allow/deny decision with a
// reason on deny.
func (g *CredentialGate) Allow(ctx context.Context, credential string) Decision {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Decision{Reason: "missing credential"}
	}

	parts := strings.SplitN(credential, " ", 2)
	if len(parts) != 2 {
		return Decision{Reason: "malformed credential"}
	}

	switch parts[0] {
	case "Bearer":
		return g.allowJWT(parts[1])
	case "ApiKey":
		return g.allowAPIKey(parts[1])
	default:
		return Decision{Reason: fmt.Sprintf("unsupported credential scheme %q", parts[0])}
	}
}

func (g *CredentialGate) allowJWT(tokenString string) Decision {
	if len(g.jwtSecret) == 0 {
		return Decision{Reason: "bearer tokens not enabled"}
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		g.log.WithError(err).Debug("token validation failed")
		return Decision{Reason: "invalid token"}
	}
	if claims.UserID == "" {
		return Decision{Reason: "token missing user_id"}
	}
	return Decision{Allowed: true, Subject: claims.UserID}
}

func (g *CredentialGate) allowAPIKey(material string) Decision {
	parts := strings.SplitN(material, ":", 2)
	if len(parts) != 2 {
		return Decision{Reason: "malformed api key"}
	}
	keyID, secret := parts[0], parts[1]

	hash, ok := g.apiKeys[keyID]
	if !ok {
		return Decision{Reason: "unknown api key"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return Decision{Reason: "invalid api key"}
	}
	return Decision{Allowed: true, Subject: keyID}
}
