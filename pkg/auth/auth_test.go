package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndValidateUserToken(t *testing.T) {
	r := New()
	token, err := r.MintUserToken("owner-1", time.Hour)
	require.NoError(t, err)

	p, err := r.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, KindUser, p.Kind)
	assert.Equal(t, "owner-1", p.OwnerID)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	r := New()
	_, err := r.Validate("does-not-exist")
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	r := New()
	token, err := r.MintNodeToken("node-1", -time.Second)
	require.NoError(t, err)

	_, err = r.Validate(token)
	assert.Error(t, err)
}

func TestRevokeInvalidatesToken(t *testing.T) {
	r := New()
	token, _ := r.MintUserToken("owner-1", time.Hour)
	r.Revoke(token)

	_, err := r.Validate(token)
	assert.Error(t, err)
}

func TestRequireNodeRejectsUserPrincipal(t *testing.T) {
	_, err := RequireNode(Principal{Kind: KindUser, OwnerID: "owner-1"})
	assert.Error(t, err)
}

func TestRequireUserRejectsNodePrincipal(t *testing.T) {
	_, err := RequireUser(Principal{Kind: KindNode, NodeID: "n1"})
	assert.Error(t, err)
}
