package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecretRoundTrips(t *testing.T) {
	v := NewSecretVerifier()

	plain, hashed, err := v.GenerateSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	assert.NotEmpty(t, hashed)
	assert.NotEqual(t, plain, hashed)

	assert.True(t, v.Verify(plain, hashed))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewSecretVerifier()

	_, hashed, err := v.GenerateSecret()
	require.NoError(t, err)

	assert.False(t, v.Verify("not-the-secret", hashed))
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	v := NewSecretVerifier()
	assert.False(t, v.Verify("anything", "not-a-bcrypt-hash"))
}

func TestGenerateSecretProducesDistinctSecretsEachCall(t *testing.T) {
	v := NewSecretVerifier()

	plainA, _, err := v.GenerateSecret()
	require.NoError(t, err)
	plainB, _, err := v.GenerateSecret()
	require.NoError(t, err)

	assert.NotEqual(t, plainA, plainB)
}
