package registry

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"dyno/internal/logging"
)

const secretCacheSize = 1024

// KeyStore is the durable side of the secret lookup.
type KeyStore interface {
	GetAPIKey(ctx context.Context, userID string) (string, error)
	SetAPIKey(ctx context.Context, userID, apiKey string) error
}

// Secrets resolves per-user LLM credentials through an LRU fast path in
// front of the durable store. Store failures degrade to not-found so a
// flaky disk never breaks an interactive session that carries its own
// key.
type Secrets struct {
	cache  *lru.Cache[string, string]
	store  KeyStore
	logger logging.Logger
}

func NewSecrets(store KeyStore, logger logging.Logger) *Secrets {
	cache, err := lru.New[string, string](secretCacheSize)
	if err != nil {
		panic(err)
	}
	return &Secrets{cache: cache, store: store, logger: logging.OrNop(logger)}
}

// APIKey returns the user's key, checking the cache first and
// backfilling it on a durable hit.
func (s *Secrets) APIKey(ctx context.Context, userID string) (string, bool) {
	if key, ok := s.cache.Get(userID); ok {
		return key, true
	}
	key, err := s.store.GetAPIKey(ctx, userID)
	if err != nil || key == "" {
		if err != nil {
			s.logger.Debug("secrets: lookup for %s failed: %v", userID, err)
		}
		return "", false
	}
	s.cache.Add(userID, key)
	return key, true
}

// Remember writes the key through to the durable store and the cache.
// The cache is updated even when the durable write fails; the session
// that provided the key can keep using it.
func (s *Secrets) Remember(ctx context.Context, userID, apiKey string) {
	if apiKey == "" {
		return
	}
	s.cache.Add(userID, apiKey)
	if err := s.store.SetAPIKey(ctx, userID, apiKey); err != nil {
		s.logger.Warn("secrets: persist key for %s failed: %v", userID, err)
	}
}

// Forget drops the user's key from both layers.
func (s *Secrets) Forget(ctx context.Context, userID string) {
	s.cache.Remove(userID)
	if err := s.store.SetAPIKey(ctx, userID, ""); err != nil {
		s.logger.Warn("secrets: clear key for %s failed: %v", userID, err)
	}
}
