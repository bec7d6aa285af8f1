package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "Bearer "

// Delegate roles carried in the "role" claim.
const (
	RolePeer     = "peer"
	RoleOperator = "operator"
	// RoleGateway tokens vouch that the subject wallet proved ownership to an upstream gateway.
	RoleGateway = "gateway"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errInvalidTTL           = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errUnknownRole          = errors.New("role must be peer, operator or gateway")
)

// DelegateClaims is the payload of node-to-node and operator tokens.
type DelegateClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the delegate JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	// Issuer names this node, usually its public endpoint.
	Issuer   string
	Audience string
	TokenTTL time.Duration
	Clock    func() time.Time
}

// TokenIssuer signs short-lived HS256 delegate tokens shared by every node of the cluster.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, errInvalidTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        strings.TrimSpace(cfg.Issuer),
			Audience:      strings.TrimSpace(cfg.Audience),
			TokenTTL:      cfg.TokenTTL,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueDelegateToken produces a signed JWT and its expiry (seconds) for the subject and role.
func (i *TokenIssuer) IssueDelegateToken(_ context.Context, subject, role string) (string, int64, error) {
	if strings.TrimSpace(subject) == "" {
		return "", 0, errMissingSubjectClaim
	}
	if role != RolePeer && role != RoleOperator && role != RoleGateway {
		return "", 0, errUnknownRole
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := DelegateClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Authorizer returns a request decorator that attaches a fresh bearer token for the role.
func (i *TokenIssuer) Authorizer(role string) func(*http.Request) error {
	return func(request *http.Request) error {
		token, _, err := i.IssueDelegateToken(request.Context(), i.config.Issuer, role)
		if err != nil {
			return fmt.Errorf("auth: issue delegate token: %w", err)
		}
		request.Header.Set("Authorization", bearerPrefix+token)
		return nil
	}
}
