package auth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"roomrelay/internal/relay"
	"roomrelay/internal/storage"
)

const opaqueTokenBytes = 24

// NewOpaqueToken returns a random url-safe token.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}

// SessionStore is the part of storage.Store used for opaque tokens.
type SessionStore interface {
	CreateSession(ctx context.Context, subject, token string, expiresAt time.Time) error
	GetSession(ctx context.Context, token string) (*storage.Session, error)
}

// SessionVerifier accepts opaque tokens previously issued into the store.
type SessionVerifier struct {
	store SessionStore
	now   func() time.Time
}

func NewSessionVerifier(store SessionStore) *SessionVerifier {
	return &SessionVerifier{store: store, now: time.Now}
}

// Issue creates and persists a token for subject valid for ttl.
func (v *SessionVerifier) Issue(ctx context.Context, subject string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, ErrInvalidSubject
	}
	token, err := NewOpaqueToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	expiresAt := v.now().Add(ttl)
	if err := v.store.CreateSession(ctx, subject, token, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("store session: %w", err)
	}
	return token, expiresAt, nil
}

func (v *SessionVerifier) Verify(ctx context.Context, token string) (string, error) {
	sess, err := v.store.GetSession(ctx, token)
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil {
		return "", ErrInvalidToken
	}
	if sess.Expired(v.now()) {
		return "", ErrTokenExpired
	}
	return sess.Subject, nil
}

// Chain tries each verifier in order and returns the first subject found.
type Chain []relay.Verifier

func (c Chain) Verify(ctx context.Context, token string) (string, error) {
	var errs []error
	for _, v := range c {
		if v == nil {
			continue
		}
		subject, err := v.Verify(ctx, token)
		if err == nil {
			return subject, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrInvalidToken
	}
	return "", errors.Join(errs...)
}
