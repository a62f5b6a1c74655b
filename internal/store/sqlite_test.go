package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAPIKey(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetAPIKey(ctx, "u1", "sk-first"))
	key, err := s.GetAPIKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sk-first", key)

	// rotation replaces in place
	require.NoError(t, s.SetAPIKey(ctx, "u1", "sk-second"))
	key, err = s.GetAPIKey(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sk-second", key)
}

func TestLayoutRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetLayout(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveLayout(ctx, "u1", []byte(`{"tabs":[]}`)))
	raw, err := s.GetLayout(ctx, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tabs":[]}`, string(raw))
}

func TestWebhookEndpointLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetWebhookEndpoint(ctx, "u1", "github")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertWebhookEndpoint(ctx, WebhookEndpoint{
		UserID: "u1", Name: "github", Secret: "shh", Provider: "github",
		Instructions: "summarize each push", Enabled: true,
	}))
	ep, err := s.GetWebhookEndpoint(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "shh", ep.Secret)
	assert.Equal(t, "github", ep.Provider)
	assert.Equal(t, "wake", ep.Mode)
	assert.Equal(t, "summarize each push", ep.Instructions)
	assert.True(t, ep.Enabled)

	// secret rotation keeps the row
	require.NoError(t, s.UpsertWebhookEndpoint(ctx, WebhookEndpoint{
		UserID: "u1", Name: "github", Secret: "rotated", Mode: "direct", Enabled: true,
	}))
	ep, err = s.GetWebhookEndpoint(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "rotated", ep.Secret)
	assert.Equal(t, "generic", ep.Provider)
	assert.Equal(t, "direct", ep.Mode)

	list, err := s.ListWebhookEndpoints(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteWebhookEndpoint(ctx, "u1", "github"))
	_, err = s.GetWebhookEndpoint(ctx, "u1", "github")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliveryReplayAndRateCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.SeenDelivery(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.RecordWebhookDelivery(ctx, WebhookDelivery{
		DeliveryID: "d1", UserID: "u1", Endpoint: "github",
		Body: []byte(`{}`), ReceivedAt: time.Now(),
	}))

	seen, err = s.SeenDelivery(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.True(t, seen)

	// same id for a different user is unseen
	seen, err = s.SeenDelivery(ctx, "u2", "d1")
	require.NoError(t, err)
	assert.False(t, seen)

	n, err := s.CountDeliveriesSince(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountDeliveriesSince(ctx, "u1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimUnprocessedDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"d1", "d2", "d3"} {
		ep := "github"
		if id == "d3" {
			ep = "stripe"
		}
		require.NoError(t, s.RecordWebhookDelivery(ctx, WebhookDelivery{
			DeliveryID: id, UserID: "u1", Endpoint: ep,
			Body: []byte(`{}`), ReceivedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	claimed, err := s.ClaimUnprocessedDeliveries(ctx, "u1", "github")
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "d1", claimed[0].DeliveryID)
	assert.Equal(t, "d2", claimed[1].DeliveryID)

	// already claimed rows are not returned again
	claimed, err = s.ClaimUnprocessedDeliveries(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// the stripe delivery is still waiting
	claimed, err = s.ClaimUnprocessedDeliveries(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "d3", claimed[0].DeliveryID)
}

func TestWebhookConfigDefaultsAndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetWebhookConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, cfg.HourlyTokenCap)
	assert.Equal(t, 100, cfg.RateLimitPerHour)

	tokenCap := 50000
	require.NoError(t, s.SetWebhookConfig(ctx, "u1", WebhookConfig{
		HourlyTokenCap: &tokenCap, RateLimitPerHour: 25,
	}))
	cfg, err = s.GetWebhookConfig(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, cfg.HourlyTokenCap)
	assert.Equal(t, 50000, *cfg.HourlyTokenCap)
	assert.Equal(t, 25, cfg.RateLimitPerHour)

	// clearing the cap makes it unlimited again
	require.NoError(t, s.SetWebhookConfig(ctx, "u1", WebhookConfig{RateLimitPerHour: 25}))
	cfg, err = s.GetWebhookConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, cfg.HourlyTokenCap)
}

func TestMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMemory(ctx, "u1", "deploy", "uses blue/green"))
	require.NoError(t, s.SaveMemory(ctx, "u1", "alerts", "pagerduty only"))
	require.NoError(t, s.SaveMemory(ctx, "u1", "deploy", "uses canary now"))

	mems, err := s.ListMemories(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mems, 2)
	assert.Equal(t, "alerts", mems[0].Key)
	assert.Equal(t, "uses canary now", mems[1].Content)

	require.NoError(t, s.DeleteMemory(ctx, "u1", "alerts"))
	mems, err = s.ListMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mems, 1)
}

func TestTokenUsageWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTokenUsage(ctx, "u1", "master", 100, 40))
	require.NoError(t, s.RecordTokenUsage(ctx, "u1", "child-1", 50, 10))
	require.NoError(t, s.RecordTokenUsage(ctx, "u2", "master", 999, 999))

	total, err := s.TokensUsedSince(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 200, total)

	total, err = s.TokensUsedSince(ctx, "u3", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
