package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAPIKey_SbilyFormat(t *testing.T) {
	us := &UserSettings{UserID: 1}

	key, err := us.IssueAPIKey()
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(key, "sbl_"))
	assert.Equal(t, strings.ToLower(key), key)
	assert.Len(t, us.APIKeyPrefix, 16)
	assert.True(t, strings.HasPrefix(key, us.APIKeyPrefix))
	assert.Len(t, us.APIKeyHash, 64)
	assert.Equal(t, HashAPIKey(key), us.APIKeyHash)
	assert.NotContains(t, us.APIKeyHash, key)
	assert.NotNil(t, us.APIKeyCreatedAt)
	assert.True(t, us.HasActiveAPIKey())
	assert.True(t, LooksLikeAPIKey(key))
}

func TestIssueAPIKey_RotationReplacesOldKey(t *testing.T) {
	us := &UserSettings{UserID: 7}
	first, err := us.IssueAPIKey()
	require.NoError(t, err)
	require.True(t, us.TouchAPIKeyUsage(time.Now()))
	require.NotNil(t, us.APIKeyLastUsedAt)

	second, err := us.IssueAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, HashAPIKey(first), us.APIKeyHash)
	assert.Nil(t, us.APIKeyLastUsedAt)
}

func TestRevokeAPIKey_ThenReissue(t *testing.T) {
	us := &UserSettings{UserID: 99}
	_, err := us.IssueAPIKey()
	require.NoError(t, err)

	us.RevokeAPIKey()
	assert.False(t, us.HasActiveAPIKey())
	assert.Empty(t, us.APIKeyHash)
	assert.Empty(t, us.APIKeyPrefix)
	assert.NotNil(t, us.APIKeyRevokedAt)

	_, err = us.IssueAPIKey()
	require.NoError(t, err)
	assert.Nil(t, us.APIKeyRevokedAt)
	assert.True(t, us.HasActiveAPIKey())
}

func TestHashAPIKey_IgnoresSurroundingWhitespace(t *testing.T) {
	assert.Equal(t, HashAPIKey("sbl_abc"), HashAPIKey("  sbl_abc\n"))
	assert.NotEqual(t, HashAPIKey("sbl_abc"), HashAPIKey("sbl_abd"))

	var none *UserSettings
	assert.False(t, none.HasActiveAPIKey())
}

func TestTouchAPIKeyUsage_WritesOncePerInterval(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	us := &UserSettings{UserID: 3}

	assert.True(t, us.TouchAPIKeyUsage(base))
	assert.False(t, us.TouchAPIKeyUsage(base.Add(30*time.Second)))
	assert.Equal(t, base, *us.APIKeyLastUsedAt)

	later := base.Add(APIKeyTouchInterval)
	assert.True(t, us.TouchAPIKeyUsage(later))
	assert.Equal(t, later, *us.APIKeyLastUsedAt)
}

func TestLooksLikeAPIKey(t *testing.T) {
	valid := "sbl_" + strings.Repeat("a2", 26)
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"issued shape", valid, true},
		{"surrounding whitespace", " " + valid + "\n", true},
		{"short", "sbl_nope", false},
		{"foreign prefix", "pfx_" + strings.Repeat("a2", 26), false},
		{"uppercase", strings.ToUpper(valid), false},
		{"outside alphabet", "sbl_" + strings.Repeat("a1", 26), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksLikeAPIKey(tt.raw))
		})
	}
}
