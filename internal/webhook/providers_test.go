package webhook

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericSignatureRoundTrip(t *testing.T) {
	p := ProviderByName("generic")
	body := []byte(`{"action":"push"}`)

	sig := p.Sign("", body, "topsecret")
	assert.Contains(t, sig, "sha256=")
	require.NoError(t, p.Verify(sig, "", body, "topsecret"))

	assert.Error(t, p.Verify(sig, "", body, "wrongsecret"))
	assert.Error(t, p.Verify(sig, "", []byte("tampered"), "topsecret"))
}

func TestSignatureHeaderShape(t *testing.T) {
	p := ProviderByName("generic")
	body := []byte("payload")

	assert.Error(t, p.Verify("", "", body, "s"), "missing header")
	assert.Error(t, p.Verify("md5=abcd", "", body, "s"), "wrong prefix")
	assert.Error(t, p.Verify("sha256=not-hex!", "", body, "s"), "non-hex digest")
}

func TestStripeSignsTimestampAndBody(t *testing.T) {
	p := ProviderByName("stripe")
	body := []byte(`{"type":"invoice.paid"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	sig := p.Sign(ts, body, "whsec_abc")
	require.NoError(t, p.Verify(sig, ts, body, "whsec_abc"))

	// The timestamp is part of the signed payload, so changing it must
	// invalidate the signature.
	assert.Error(t, p.Verify(sig, "0", body, "whsec_abc"))
}

func TestCheckTimestamp(t *testing.T) {
	p := ProviderByName("generic")
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	assert.NoError(t, p.CheckTimestamp(fresh, window, now))

	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	assert.Error(t, p.CheckTimestamp(stale, window, now))

	future := strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)
	assert.Error(t, p.CheckTimestamp(future, window, now))

	assert.NoError(t, p.CheckTimestamp("", window, now), "absent header disarms the check")
	assert.Error(t, p.CheckTimestamp("yesterday", window, now))
}

func TestProviderByNameFallsBackToGeneric(t *testing.T) {
	assert.Equal(t, "github", ProviderByName("github").Name)
	assert.Equal(t, "generic", ProviderByName("gitlab").Name)
	assert.Equal(t, "generic", ProviderByName("").Name)
}
