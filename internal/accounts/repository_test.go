package accounts_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/relay/internal/accounts"
	"github.com/driftworks/relay/internal/testutil"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestRepository_CreateAndVerify(t *testing.T) {
	repo := accounts.NewRepository(testutil.NewPool(t))
	ctx := context.Background()

	name := uniqueName("kestrel")
	acct, err := repo.Create(ctx, name, "token-abc")
	require.NoError(t, err)
	assert.Positive(t, acct.ID)
	assert.Equal(t, name, acct.DisplayName)
	assert.NotEqual(t, "token-abc", acct.TokenHash)
	assert.False(t, acct.CreatedAt.IsZero())

	identity, err := repo.Verify(ctx, acct.ID, "token-abc")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, identity.AccountID)
	assert.Equal(t, name, identity.DisplayName)
}

func TestRepository_VerifyWrongToken(t *testing.T) {
	repo := accounts.NewRepository(testutil.NewPool(t))
	ctx := context.Background()

	acct, err := repo.Create(ctx, uniqueName("user"), "right-token")
	require.NoError(t, err)

	_, err = repo.Verify(ctx, acct.ID, "wrong-token")
	assert.ErrorIs(t, err, accounts.ErrAuthFailed)
}

func TestRepository_VerifyUnknownAccount(t *testing.T) {
	repo := accounts.NewRepository(testutil.NewPool(t))

	_, err := repo.Verify(context.Background(), 999_999, "any-token")
	assert.ErrorIs(t, err, accounts.ErrAuthFailed)
}

func TestRepository_CreateDuplicateName(t *testing.T) {
	repo := accounts.NewRepository(testutil.NewPool(t))
	ctx := context.Background()

	name := uniqueName("dup")
	_, err := repo.Create(ctx, name, "t1")
	require.NoError(t, err)

	_, err = repo.Create(ctx, name, "t2")
	assert.ErrorIs(t, err, accounts.ErrAccountExists)
}

func TestRepository_DisabledAccountFailsAuth(t *testing.T) {
	repo := accounts.NewRepository(testutil.NewPool(t))
	ctx := context.Background()

	acct, err := repo.Create(ctx, uniqueName("banned"), "token")
	require.NoError(t, err)

	require.NoError(t, repo.Disable(ctx, acct.ID))

	_, err = repo.Verify(ctx, acct.ID, "token")
	assert.ErrorIs(t, err, accounts.ErrAuthFailed)

	// Disabling twice reports the same failure.
	assert.ErrorIs(t, repo.Disable(ctx, acct.ID), accounts.ErrAuthFailed)
}
