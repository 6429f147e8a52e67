package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidmart/bizerr"
	"bidmart/models"
)

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestParse(t *testing.T) {
	pub, priv := newKey(t)
	otherPub, _ := newKey(t)
	accountID := uuid.New()

	valid, err := Issue(Identity{AccountID: accountID, Role: models.AccountRoleAdmin}, priv, time.Hour, time.Now())
	require.NoError(t, err)
	expired, err := Issue(Identity{AccountID: accountID}, priv, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   accountID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(priv)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		key     ed25519.PublicKey
		want    Identity
		wantErr bool
	}{
		{name: "valid admin token", token: valid, key: pub, want: Identity{AccountID: accountID, Role: models.AccountRoleAdmin}},
		{name: "expired", token: expired, key: pub, wantErr: true},
		{name: "wrong key", token: valid, key: otherPub, wantErr: true},
		{name: "hmac is not accepted", token: hmac, key: pub, wantErr: true},
		{name: "subject is not an account id", token: badSubject, key: pub, wantErr: true},
		{name: "garbage", token: "not-a-token", key: pub, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.token, tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentity_RequireAdmin(t *testing.T) {
	assert.NoError(t, Identity{Role: models.AccountRoleAdmin}.RequireAdmin())
	assert.ErrorIs(t, Identity{Role: models.AccountRoleUser}.RequireAdmin(), bizerr.ErrNotAdmin)
	assert.ErrorIs(t, Identity{}.RequireAdmin(), bizerr.ErrNotAdmin)
}
