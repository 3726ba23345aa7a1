package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/bankengine/pkg/sqlite"
)

func TestEntityIndexRememberAndList(t *testing.T) {
	store := openStore(t)
	index := sqlite.NewEntityIndex(store.DB())
	ctx := context.Background()

	require.NoError(t, index.Remember(ctx, "account", "acc-1"))
	require.NoError(t, index.Remember(ctx, "account", "acc-2"))
	require.NoError(t, index.Remember(ctx, "employee", "emp-1"))

	accounts, err := index.List(ctx, "account")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-1", "acc-2"}, accounts)

	employees, err := index.List(ctx, "employee")
	require.NoError(t, err)
	assert.Equal(t, []string{"emp-1"}, employees)
}

func TestEntityIndexRememberIsIdempotent(t *testing.T) {
	store := openStore(t)
	index := sqlite.NewEntityIndex(store.DB())
	ctx := context.Background()

	require.NoError(t, index.Remember(ctx, "account", "acc-1"))
	require.NoError(t, index.Remember(ctx, "account", "acc-1"))

	accounts, err := index.List(ctx, "account")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-1"}, accounts)
}

func TestEntityIndexForget(t *testing.T) {
	store := openStore(t)
	index := sqlite.NewEntityIndex(store.DB())
	ctx := context.Background()

	require.NoError(t, index.Remember(ctx, "account", "acc-1"))
	require.NoError(t, index.Forget(ctx, "account", "acc-1"))

	accounts, err := index.List(ctx, "account")
	require.NoError(t, err)
	assert.Empty(t, accounts)

	// Forgetting an unknown entity is not an error.
	require.NoError(t, index.Forget(ctx, "account", "ghost"))
}
