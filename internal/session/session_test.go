package session

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9]{96}$`)

func TestGenerateTokenFormat(t *testing.T) {
	token, err := generateToken()
	require.NoError(t, err)
	require.Len(t, token, tokenLength)
	require.Regexp(t, tokenPattern, token)
}

func TestGenerateTokenIsRandom(t *testing.T) {
	a, err := generateToken()
	require.NoError(t, err)
	b, err := generateToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
