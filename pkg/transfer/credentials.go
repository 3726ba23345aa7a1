package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Keeper backends are opt-in; import the one your deployment uses:
	// _ "gocloud.dev/secrets/awskms"
	// _ "gocloud.dev/secrets/gcpkms"
	// _ "gocloud.dev/secrets/azurekeyvault"
	// _ "gocloud.dev/secrets/hashivault"
	// _ "gocloud.dev/secrets/localsecrets"
)

// TokenSource supplies the gateway's bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token. Development and tests only.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// gatewaySecret is the decrypted secret document.
type gatewaySecret struct {
	Token string `json:"token"`
}

// KeeperTokenSource decrypts the gateway token with a Go Cloud secrets
// keeper. The ciphertext travels in configuration; only the keeper backend
// holds the key, so config files never contain a usable credential.
type KeeperTokenSource struct {
	keeper     *secrets.Keeper
	ciphertext []byte
	ttl        time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time

	closeOnce sync.Once
}

// NewKeeperTokenSource opens the keeper and decrypts the token once to fail
// fast on bad configuration. The token is re-decrypted when the cache TTL
// (default five minutes) lapses.
func NewKeeperTokenSource(ctx context.Context, keeperURL string, ciphertext []byte, ttl time.Duration) (*KeeperTokenSource, error) {
	if keeperURL == "" {
		return nil, fmt.Errorf("keeper URL is required")
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	source := &KeeperTokenSource{keeper: keeper, ciphertext: ciphertext, ttl: ttl}
	if _, err := source.Token(ctx); err != nil {
		keeper.Close()
		return nil, err
	}
	return source, nil
}

// Token returns the cached token, decrypting a fresh one when needed.
func (s *KeeperTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiry) {
		return s.token, nil
	}

	plaintext, err := s.keeper.Decrypt(ctx, s.ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt gateway secret: %w", err)
	}
	var secret gatewaySecret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return "", fmt.Errorf("unmarshal gateway secret: %w", err)
	}
	if secret.Token == "" {
		return "", fmt.Errorf("gateway secret has no token")
	}

	s.token = secret.Token
	s.expiry = time.Now().Add(s.ttl)
	return s.token, nil
}

// Close releases the keeper.
func (s *KeeperTokenSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.keeper.Close()
	})
	return err
}
