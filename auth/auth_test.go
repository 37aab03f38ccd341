package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newDirectory(t *testing.T) *Directory {
	d := NewDirectory(bcrypt.MinCost)
	require.NoError(t, d.AddAccount("alice", "secret"))
	return d
}

func creds(t *testing.T, a ClientAuthenticator) []byte {
	b, err := a.Credentials(context.Background())
	require.NoError(t, err)
	return b
}

func TestPasswordLogin(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	id, err := d.Validate(ctx, creds(t, Password{"alice", "secret"}), "127.0.0.1:1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Account)
	assert.NotEmpty(t, id.SessionID)

	// connection scoped, nothing to resume
	_, ok := d.Lookup(id.SessionID)
	assert.False(t, ok)

	_, err = d.Validate(ctx, creds(t, Password{"alice", "wrong"}), "")
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = d.Validate(ctx, creds(t, Password{"bob", "secret"}), "")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestPasswordHandshakesStoreNoSessions(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()
	b := creds(t, Password{"alice", "secret"})

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := d.Validate(ctx, b, "127.0.0.1:1")
		require.NoError(t, err)
		ids[id.SessionID] = true
	}
	assert.Len(t, ids, 100)
	assert.Equal(t, 0, d.Len())

	s, err := d.Login("alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())
	d.Logout(s.ID)
	assert.Equal(t, 0, d.Len())
}

func TestSessionProof(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	s, err := d.Login("alice", "secret")
	require.NoError(t, err)
	assert.Len(t, s.Key, sessionKeySize)

	id, err := d.Validate(ctx, creds(t, s.Authenticator()), "")
	require.NoError(t, err)
	assert.Equal(t, Identity{Account: "alice", SessionID: s.ID}, id)

	forged := s.Authenticator()
	forged.Key = []byte("not the key")
	_, err = d.Validate(ctx, creds(t, forged), "")
	assert.ErrorIs(t, err, ErrAuthentication)

	other := s.Authenticator()
	other.Account = "mallory"
	_, err = d.Validate(ctx, creds(t, other), "")
	assert.ErrorIs(t, err, ErrAuthentication)

	d.Logout(s.ID)
	_, err = d.Validate(ctx, creds(t, s.Authenticator()), "")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestRemoveAccountEndsSessions(t *testing.T) {
	d := newDirectory(t)
	s, err := d.Login("alice", "secret")
	require.NoError(t, err)

	d.RemoveAccount("alice")
	_, ok := d.Lookup(s.ID)
	assert.False(t, ok)
	_, err = d.Login("alice", "secret")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestEmptyAndGarbageCredentials(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	_, err := d.Validate(ctx, creds(t, Anonymous{}), "")
	assert.ErrorIs(t, err, ErrAuthentication)
	_, err = d.Validate(ctx, []byte{0xff, 0xff, 0xff}, "")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestAllowAll(t *testing.T) {
	ctx := context.Background()

	id, err := AllowAll{}.Validate(ctx, creds(t, Anonymous{}), "")
	require.NoError(t, err)
	assert.Empty(t, id.Account)
	assert.NotEmpty(t, id.SessionID)

	id, err = AllowAll{}.Validate(ctx, creds(t, Password{Account: "carol"}), "")
	require.NoError(t, err)
	assert.Equal(t, "carol", id.Account)
}

func TestProofDependsOnSession(t *testing.T) {
	key := []byte("k")
	assert.Equal(t, Proof(key, "a"), Proof(key, "a"))
	assert.NotEqual(t, Proof(key, "a"), Proof(key, "b"))
	assert.Len(t, Proof(key, "a"), 32)
}
