// Package auth validates the single-use bearer credentials clients present
// when opening a realtime connection, and hosts the authorization-policy
// collaborator interface. Token issuance lives with the (out-of-scope) admin
// service; the gateway only validates and burns.
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
)

var (
	ErrMissingToken = errors.New("auth: missing credential")
	ErrInvalidToken = errors.New("auth: invalid credential")
	ErrTokenUsed    = errors.New("auth: credential already used")
)

type Claims struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints a single-use connection token. Exposed for tests and for
// deployments that co-locate issuance with the gateway.
func IssueToken(tenantID, projectID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID:  tenantID,
		ProjectID: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Burner marks a token id as consumed, returning false when it already was.
// *coord.Client's SetIfAbsent satisfies it.
type Burner interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

type Validator struct {
	secret string
	burner Burner
	ttl    time.Duration
}

func NewValidator(secret string, burner Burner, tokenTTL time.Duration) *Validator {
	if tokenTTL <= 0 {
		tokenTTL = time.Minute
	}
	return &Validator{secret: secret, burner: burner, ttl: tokenTTL}
}

// Validate parses and verifies the token, then burns its id so a replayed
// credential is rejected. With no burner configured (store absent) tokens
// degrade to single-use-per-replica best effort.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(v.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant", ErrInvalidToken)
	}

	if v.burner != nil && claims.ID != "" {
		// Keep the burn marker slightly past token expiry so a replay after
		// the marker lapses is already rejected by exp.
		fresh, err := v.burner.SetIfAbsent(ctx, "token-used:"+claims.ID, "1", v.ttl+time.Minute)
		if err != nil {
			return nil, fmt.Errorf("%w: burn check failed: %v", ErrInvalidToken, err)
		}
		if !fresh {
			return nil, ErrTokenUsed
		}
	}
	return claims, nil
}

// BearerFromRequest extracts the credential from the Authorization header,
// falling back to the token query parameter for browser websocket clients
// that cannot set headers.
func BearerFromRequest(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(authz, prefix) {
			token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
			if token != "" {
				return token, true
			}
		}
		return "", false
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, true
	}
	return "", false
}

// PolicyInput is the structured request handed to the authorization check.
type PolicyInput struct {
	TenantID  string
	ProjectID string
	SessionID string
	ClientIP  string
	Action    string
}

// PolicyChecker is the external authorization collaborator.
type PolicyChecker interface {
	Allow(ctx context.Context, in PolicyInput) (bool, error)
}

// AllowAll is the default policy for deployments without an authorizer.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, PolicyInput) (bool, error) { return true, nil }

// DenialCounter is a fire-and-forget metrics sink for policy denials.
type DenialCounter interface {
	IncDenied(tenantID, action string)
}
