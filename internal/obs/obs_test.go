package obs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactStripsSecrets(t *testing.T) {
	in := `calling upstream with api_key=sk-live-abcdefghijklmnop and another field`
	out := Redact(in)
	assert.NotContains(t, out, "sk-live-abcdefghijklmnop")
	assert.Contains(t, out, "***")
}

func TestRedactLeavesPlainTextAlone(t *testing.T) {
	in := "agent a1 sent message to group g1"
	assert.Equal(t, in, Redact(in))
}

func TestKindErrorIsMatchesByKind(t *testing.T) {
	base := errors.New("connection refused")
	err := NewError(KindStoreUnavailable, "store.GetAgent", base)

	require.ErrorIs(t, err, &KindError{Kind: KindStoreUnavailable})
	assert.False(t, errors.Is(err, &KindError{Kind: KindToolArgInvalid}))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindStoreUnavailable, kind)

	assert.ErrorIs(t, err, base)
}

func TestKindOfUnknownError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
