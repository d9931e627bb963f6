package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	err := NewStorage("upsert session", fmt.Errorf("constraint failed"))
	assert.Equal(t, "STORAGE: upsert session: constraint failed", err.Error())

	bare := NewAuthMissing("no access token")
	assert.Equal(t, "AUTH_MISSING: no access token", bare.Error())
}

func TestKindOfUnwraps(t *testing.T) {
	inner := NewTransientRemote("document post", fmt.Errorf("connection refused"))
	wrapped := fmt.Errorf("sync pass: %w", inner)

	assert.Equal(t, KindTransientRemote, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindTransientRemote))
	assert.False(t, Is(wrapped, KindStorage))
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root")
	err := NewParse("bad line", cause)
	assert.Equal(t, cause, err.Unwrap())
}
