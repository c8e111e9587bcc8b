package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/registry"
	"github.com/vexa-ai/vexa/test/util"
)

func TestUserCreateAndGet(t *testing.T) {
	ctx := context.Background()
	pool := util.SetupTestDatabase(t)
	users := registry.NewUserStore(pool)

	u, err := users.Create(ctx, "alice@example.com", "Alice", 0)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxConcurrentBots, u.MaxConcurrentBots)

	got, err := users.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = users.Create(ctx, "alice@example.com", "Alice Again", 0)
	assert.ErrorIs(t, err, registry.ErrAlreadyExists)

	_, err = users.Create(ctx, "", "No Email", 0)
	var valErr *registry.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestUserUpdate(t *testing.T) {
	ctx := context.Background()
	pool := util.SetupTestDatabase(t)
	users := registry.NewUserStore(pool)

	u, err := users.Create(ctx, "bob@example.com", "Bob", 2)
	require.NoError(t, err)

	maxBots := 5
	webhookURL := "https://example.com/hook"
	updated, err := users.Update(ctx, u.ID, registry.UserPatch{
		MaxConcurrentBots: &maxBots,
		WebhookURL:        &webhookURL,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.MaxConcurrentBots)
	require.NotNil(t, updated.WebhookURL)
	assert.Equal(t, webhookURL, *updated.WebhookURL)
	// Untouched fields survive.
	assert.Equal(t, "Bob", updated.Name)

	bad := 0
	_, err = users.Update(ctx, u.ID, registry.UserPatch{MaxConcurrentBots: &bad})
	var valErr *registry.ValidationError
	assert.ErrorAs(t, err, &valErr)

	_, err = users.Update(ctx, 99999, registry.UserPatch{})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestAPITokens(t *testing.T) {
	ctx := context.Background()
	pool := util.SetupTestDatabase(t)
	users := registry.NewUserStore(pool)

	u, err := users.Create(ctx, "carol@example.com", "Carol", 0)
	require.NoError(t, err)

	tok, err := users.CreateToken(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, tok.Token, 64)

	authed, err := users.Authenticate(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, authed.ID)

	_, err = users.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	list, err := users.ListTokens(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, users.DeleteToken(ctx, u.ID, tok.ID))
	_, err = users.Authenticate(ctx, tok.Token)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	err = users.DeleteToken(ctx, u.ID, tok.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
