package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/testutil"
)

type mapCache map[string]string

func (m mapCache) Credential(_ context.Context, employeeID string) (string, error) {
	return m[employeeID], nil
}

func newTestAuth(t *testing.T) (*Authenticator, *testutil.Clock) {
	t.Helper()
	hash, err := HashPIN("4242")
	require.NoError(t, err)
	clk := testutil.NewClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	a := New("test-secret", mapCache{"emp-1": hash}, WithNow(clk.Now))
	return a, clk
}

func TestSignIn_OnlineGrantsFullPrivileges(t *testing.T) {
	a, _ := newTestAuth(t)

	token, claims, err := a.SignIn(context.Background(), "emp-1", "4242", false)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, claims.Allowed(PrivPayCard))
	assert.True(t, claims.Allowed(PrivVoidSent))
	assert.False(t, claims.Offline)

	parsed, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "emp-1", parsed.Subject)
}

func TestSignIn_OfflineReducesPrivileges(t *testing.T) {
	a, _ := newTestAuth(t)

	_, claims, err := a.SignIn(context.Background(), "emp-1", "4242", true)
	require.NoError(t, err)
	assert.True(t, claims.Offline)
	assert.True(t, claims.Allowed(PrivOrderTake))
	assert.True(t, claims.Allowed(PrivPayCash))
	assert.True(t, claims.Allowed(PrivPrint))
	assert.False(t, claims.Allowed(PrivPayCard), "card payments need the backend")
	assert.False(t, claims.Allowed(PrivVoidSent))
	assert.False(t, claims.Allowed(PrivRefund))
}

func TestSignIn_WrongPIN(t *testing.T) {
	a, _ := newTestAuth(t)

	_, _, err := a.SignIn(context.Background(), "emp-1", "9999", false)
	assert.ErrorIs(t, err, ErrBadPIN)
}

func TestSignIn_OfflineWithoutCachedCredential(t *testing.T) {
	a, _ := newTestAuth(t)

	_, _, err := a.SignIn(context.Background(), "emp-2", "4242", true)
	assert.ErrorIs(t, err, ErrNoCachedCredential)
}

func TestVerify_ExpiredSession(t *testing.T) {
	a, clk := newTestAuth(t)

	token, _, err := a.SignIn(context.Background(), "emp-1", "4242", false)
	require.NoError(t, err)

	clk.Advance(SessionTTL + time.Minute)
	_, err = a.Verify(token)
	assert.Error(t, err, "sessions lapse after the TTL")
}

func TestVerify_TamperedToken(t *testing.T) {
	a, _ := newTestAuth(t)
	other := New("other-secret", mapCache{}, WithNow(a.now))

	token, _, err := a.SignIn(context.Background(), "emp-1", "4242", false)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.Error(t, err)
}
