package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueToken("agent-alpha")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-alpha", claims.AgentID)
	assert.Equal(t, "agent-alpha", claims.Subject)
	assert.Equal(t, "glasshouse", claims.Issuer)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	_, err = mgr.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	mgr1, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken("agent-alpha")
	require.NoError(t, err)

	// A token signed with another deployment's key never validates.
	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr, err := NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken("agent-alpha")
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestAPIKeyHashRoundTrip(t *testing.T) {
	encoded, err := HashAPIKey("sk-glasshouse-secret")
	require.NoError(t, err)
	assert.NotContains(t, encoded, "sk-glasshouse-secret")

	ok, err := VerifyAPIKey("sk-glasshouse-secret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-glasshouse-wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashAPIKeyProducesUniqueSalts(t *testing.T) {
	a, err := HashAPIKey("same-key")
	require.NoError(t, err)
	b, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("anything", "not-an-argon2-hash")
	assert.Error(t, err)
}
