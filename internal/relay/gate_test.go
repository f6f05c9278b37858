package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateAuthorize(t *testing.T) {
	gate := NewGate(VerifierFunc(func(_ context.Context, token string) (string, error) {
		switch token {
		case "good":
			return "alice", nil
		case "anon":
			return "", nil
		default:
			return "", errors.New("bad signature")
		}
	}))
	ctx := context.Background()

	subject, err := gate.Authorize(ctx, " good ")
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	for _, token := range []string{"", "   ", "forged", "anon"} {
		_, err := gate.Authorize(ctx, token)
		require.ErrorIs(t, err, ErrUnauthorized, "token %q", token)
	}

	_, err = NewGate(nil).Authorize(ctx, "good")
	require.ErrorIs(t, err, ErrUnauthorized)
}
