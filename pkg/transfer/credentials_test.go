package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets"
)

const testKeeperURL = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="

func encryptSecret(t *testing.T, doc string) []byte {
	t.Helper()
	ctx := context.Background()
	keeper, err := secrets.OpenKeeper(ctx, testKeeperURL)
	require.NoError(t, err)
	defer keeper.Close()

	ciphertext, err := keeper.Encrypt(ctx, []byte(doc))
	require.NoError(t, err)
	return ciphertext
}

func TestKeeperTokenSource(t *testing.T) {
	ctx := context.Background()
	ciphertext := encryptSecret(t, `{"token":"gw-secret"}`)

	source, err := NewKeeperTokenSource(ctx, testKeeperURL, ciphertext, time.Minute)
	require.NoError(t, err)

	token, err := source.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gw-secret", token)

	// Second read is served from the cache inside the TTL.
	again, err := source.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	require.NoError(t, source.Close())
	require.NoError(t, source.Close())
}

func TestKeeperTokenSourceRejectsBadCiphertext(t *testing.T) {
	_, err := NewKeeperTokenSource(context.Background(), testKeeperURL, []byte("not ciphertext"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt gateway secret")
}

func TestKeeperTokenSourceRejectsEmptyToken(t *testing.T) {
	ciphertext := encryptSecret(t, `{"token":""}`)
	_, err := NewKeeperTokenSource(context.Background(), testKeeperURL, ciphertext, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestKeeperTokenSourceRequiresURL(t *testing.T) {
	_, err := NewKeeperTokenSource(context.Background(), "", nil, 0)
	require.Error(t, err)
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("dev-token").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev-token", token)
}
