package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaseTTL = 60 * time.Second

func TestAcquireGrantsFreshLease(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	granted, token, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.NotEmpty(t, token)

	held, err := s.Check(ctx, "run-1", token)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestAcquireDeniedWhileHeld(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	granted, _, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)
	require.True(t, granted)

	granted, token, err := s.Acquire(ctx, "run-1", "owner-b", leaseTTL)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Empty(t, token)
}

func TestAcquireReentrantForSameOwner(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	granted, oldToken, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)
	require.True(t, granted)

	// A redelivered submission to the same owner must not self-deny; the
	// reacquisition supersedes the previous token.
	granted, newToken, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.NotEqual(t, oldToken, newToken)

	held, err := s.Check(ctx, "run-1", oldToken)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireTakesOverExpiredLease(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	_, oldToken, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)

	clock.Advance(leaseTTL + time.Second)

	granted, newToken, err := s.Acquire(ctx, "run-1", "owner-b", leaseTTL)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.NotEqual(t, oldToken, newToken)

	// The superseded token is dead even for reads.
	held, err := s.Check(ctx, "run-1", oldToken)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRenewExtendsOnlyValidToken(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	_, token, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	renewed, err := s.Renew(ctx, "run-1", token, leaseTTL)
	require.NoError(t, err)
	assert.True(t, renewed)

	// Renewal measured from now: 30s later the original expiry has passed
	// but the renewed lease is still alive.
	clock.Advance(45 * time.Second)
	held, err := s.Check(ctx, "run-1", token)
	require.NoError(t, err)
	assert.True(t, held)

	renewed, err = s.Renew(ctx, "run-1", "not-the-token", leaseTTL)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestRenewRefusedAfterExpiry(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	_, token, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)

	clock.Advance(leaseTTL + time.Second)

	renewed, err := s.Renew(ctx, "run-1", token, leaseTTL)
	require.NoError(t, err)
	assert.False(t, renewed, "an expired lease cannot be revived by renewal")
}

func TestLeasesIndependentPerRun(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	granted, _, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)
	require.True(t, granted)

	granted, _, err = s.Acquire(ctx, "run-2", "owner-a", leaseTTL)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestLeaseFor(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	l, err := s.LeaseFor(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, l)

	_, token, err := s.Acquire(ctx, "run-1", "owner-a", leaseTTL)
	require.NoError(t, err)

	l, err = s.LeaseFor(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "owner-a", l.OwnerID)
	assert.Equal(t, token, l.Token)
}
