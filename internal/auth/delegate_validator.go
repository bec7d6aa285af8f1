package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingDelegateSigningKey = errors.New("delegate validator: signing key required")
	ErrMissingDelegateAudience   = errors.New("delegate validator: audience required")
	ErrMissingDelegateToken      = errors.New("delegate validator: token required")
	ErrInvalidDelegateToken      = errors.New("delegate validator: invalid token")
	ErrExpiredDelegateToken      = errors.New("delegate validator: token expired")
	ErrMissingDelegateSubject    = errors.New("delegate validator: subject required")
	ErrForbiddenDelegateRole     = errors.New("delegate validator: role not permitted")
)

// DelegateValidatorConfig describes how to validate delegate JWTs.
type DelegateValidatorConfig struct {
	SigningSecret []byte
	Audience      string
	Clock         func() time.Time
}

// DelegateValidator validates HS256 delegate JWTs issued by any node of the cluster.
type DelegateValidator struct {
	signingSecret []byte
	audience      string
	clock         func() time.Time
}

// NewDelegateValidator constructs a validator with the provided configuration.
func NewDelegateValidator(cfg DelegateValidatorConfig) (*DelegateValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingDelegateSigningKey
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingDelegateAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DelegateValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		audience:      audience,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *DelegateValidator) ValidateToken(tokenString string) (DelegateClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return DelegateClaims{}, ErrMissingDelegateToken
	}

	claims := &DelegateClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidDelegateToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithAudience(v.audience),
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return DelegateClaims{}, ErrExpiredDelegateToken
		}
		return DelegateClaims{}, fmt.Errorf("%w: %v", ErrInvalidDelegateToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return DelegateClaims{}, ErrInvalidDelegateToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return DelegateClaims{}, ErrMissingDelegateSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the request, validates it and checks
// that its role is one of the allowed roles.
func (v *DelegateValidator) ValidateRequest(r *http.Request, allowedRoles ...string) (DelegateClaims, error) {
	if r == nil {
		return DelegateClaims{}, ErrMissingDelegateToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return DelegateClaims{}, ErrMissingDelegateToken
	}
	claims, err := v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	if err != nil {
		return DelegateClaims{}, err
	}
	for _, role := range allowedRoles {
		if claims.Role == role {
			return claims, nil
		}
	}
	return DelegateClaims{}, ErrForbiddenDelegateRole
}
