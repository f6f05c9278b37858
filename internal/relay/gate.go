package relay

import (
	"context"
	"fmt"
	"strings"
)

// Verifier validates an externally issued token and returns its subject.
type Verifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Gate admits connections to the binary relay only with a valid token. It
// consumes trust from its Verifier and makes no decision beyond "is there
// a subject".
type Gate struct {
	verifier Verifier
}

func NewGate(verifier Verifier) *Gate {
	return &Gate{verifier: verifier}
}

// Authorize returns the token's subject, or an error wrapping
// ErrUnauthorized for missing, invalid or subject-less tokens.
func (g *Gate) Authorize(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	if g == nil || g.verifier == nil {
		return "", fmt.Errorf("no verifier configured: %w", ErrUnauthorized)
	}
	subject, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrUnauthorized)
	}
	return subject, nil
}
