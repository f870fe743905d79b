package pairing

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/markus-barta/roomrelay/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(zerolog.Nop(), db)
	svc := NewService(zerolog.Nop(), st, &BcryptVerifier{Cost: bcrypt.MinCost}, time.Hour)
	return svc, st
}

func TestCreateRoom(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	room, secret, err := svc.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[a-z0-9]{6}$`), room.ID)
	assert.Len(t, secret, 32+secretSuffixLen)

	stored, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.NotEqual(t, secret, stored.SecretHash, "plaintext must not be stored")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(secret)))
}

func TestClaim_IssuesFreshTokens(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	room, secret, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	first, err := svc.Claim(ctx, room.ID, secret, "pc-1")
	require.NoError(t, err)
	second, err := svc.Claim(ctx, room.ID, secret, "pc-1")
	require.NoError(t, err)

	assert.Equal(t, "pc-1", first.ClientID)
	assert.Equal(t, "pc-1", second.ClientID)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Len(t, first.AccessToken, 32)
	assert.Equal(t, time.Hour, first.ExpiresIn)

	n, err := st.CountClients(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tok := range []string{first.AccessToken, second.AccessToken} {
		c, err := svc.ResolveToken(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, room.ID, c.RoomID)
		assert.Equal(t, "pc-1", c.ClientID)
	}
}

func TestClaim_GeneratesClientID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room, secret, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	res, err := svc.Claim(ctx, room.ID, secret, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ClientID)
}

func TestClaim_Failures(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	room, secret, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	tests := []struct {
		name   string
		roomID string
		secret string
		want   error
	}{
		{"missing secret", room.ID, "", ErrMissingCredential},
		{"missing secret on unknown room", "zzzzzz", "", ErrMissingCredential},
		{"unknown room", "zzzzzz", secret, ErrRoomNotFound},
		{"wrong secret", room.ID, "not-the-secret", ErrCredentialMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Claim(ctx, tt.roomID, tt.secret, "pc")
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}

	// No partial state after any failure
	n, err := st.CountClients(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestResolveToken_Unknown(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ResolveToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.ResolveToken(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBcryptVerifier(t *testing.T) {
	v := &BcryptVerifier{Cost: bcrypt.MinCost}
	hash, err := v.Hash("s3cret")
	require.NoError(t, err)
	assert.True(t, v.Verify("s3cret", hash))
	assert.False(t, v.Verify("other", hash))
	assert.False(t, v.Verify("s3cret", "not-a-hash"))
}
