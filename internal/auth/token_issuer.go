package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTokenTTL = 24 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the API token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// IssuedToken is a signed API token and its absolute expiry.
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenIssuer mints HS256 API tokens for client subjects.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenIssuer copies cfg, defaulting the TTL to one day and the clock to time.Now.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	issuer := &TokenIssuer{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		ttl:      cfg.TokenTTL,
		clock:    cfg.Clock,
	}
	if issuer.ttl <= 0 {
		issuer.ttl = defaultTokenTTL
	}
	if issuer.clock == nil {
		issuer.clock = time.Now
	}
	return issuer
}

// Issue produces a signed token for subject.
func (i *TokenIssuer) Issue(_ context.Context, subject string) (IssuedToken, error) {
	subject = strings.TrimSpace(subject)
	switch {
	case len(i.secret) == 0:
		return IssuedToken{}, errMissingSigningSecret
	case subject == "":
		return IssuedToken{}, errMissingSubjectClaim
	}

	tokenID, err := uuid.NewV7()
	if err != nil {
		return IssuedToken{}, err
	}

	issuedAt := i.clock().UTC()
	issued := IssuedToken{TokenID: tokenID.String(), ExpiresAt: issuedAt.Add(i.ttl)}
	claims := jwt.RegisteredClaims{
		ID:        issued.TokenID,
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issued.ExpiresAt),
	}

	issued.Token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign api token: %w", err)
	}
	return issued, nil
}
