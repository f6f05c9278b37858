package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidSubject  = errors.New("invalid subject")
	ErrMissingSecret   = errors.New("jwt secret is not configured")
)

// JWTConfig describes the HS256 tokens accepted by the relay gate.
type JWTConfig struct {
	Secret    []byte
	Issuer    string
	Audience  string
	TTL       time.Duration
	ClockSkew time.Duration
}

// JWTVerifier signs and validates HS256 relay tokens. Issuer and audience are
// only enforced when configured.
type JWTVerifier struct {
	cfg JWTConfig
	now func() time.Time
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	return &JWTVerifier{cfg: cfg, now: time.Now}, nil
}

// Sign issues a token for subject expiring after the configured TTL.
func (v *JWTVerifier) Sign(subject string) (string, error) {
	if subject == "" {
		return "", ErrInvalidSubject
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-v.cfg.ClockSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(v.cfg.TTL)),
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.Secret)
}

// ParseAndValidate checks signature, algorithm, issuer, audience and the
// time claims with the configured clock skew.
func (v *JWTVerifier) ParseAndValidate(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.cfg.Issuer != "" && !claims.VerifyIssuer(v.cfg.Issuer, true) {
		return nil, ErrInvalidIssuer
	}
	if v.cfg.Audience != "" && !claims.VerifyAudience(v.cfg.Audience, true) {
		return nil, ErrInvalidAudience
	}

	now := v.now()
	if claims.ExpiresAt == nil {
		return nil, ErrTokenExpired
	}
	if now.After(claims.ExpiresAt.Time.Add(v.cfg.ClockSkew)) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time.Add(-v.cfg.ClockSkew)) {
		return nil, ErrTokenExpired
	}
	if claims.Subject == "" {
		return nil, ErrInvalidSubject
	}
	return claims, nil
}

// Verify implements relay.Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	claims, err := v.ParseAndValidate(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
