package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"dyno/internal/logging"
	"dyno/internal/store"
)

const (
	// DefaultMaxBodyBytes caps inbound payload size.
	DefaultMaxBodyBytes = 256 * 1024

	// DefaultReplayWindow bounds the accepted timestamp skew.
	DefaultReplayWindow = 5 * time.Minute

	// DefaultRateLimitPerHour applies when the user has no stored config.
	DefaultRateLimitPerHour = 100
)

// Notifier is called after a delivery is persisted on a wake-mode
// endpoint. Implementations must not block; admission fires it on its
// own goroutine and never waits for the result.
type Notifier func(userID, endpoint string)

// Admission runs the staged acceptance checks for inbound webhooks.
// Every stage short-circuits: a delivery is only persisted once all
// prior stages pass.
type Admission struct {
	store       *store.Store
	notify      Notifier
	metrics     *Metrics
	logger      logging.Logger
	maxBody     int
	replay      time.Duration
	hourlyLimit int
	now         func() time.Time
}

// AdmissionOption customizes an Admission.
type AdmissionOption func(*Admission)

func WithMaxBodyBytes(n int) AdmissionOption {
	return func(a *Admission) { a.maxBody = n }
}

func WithReplayWindow(d time.Duration) AdmissionOption {
	return func(a *Admission) { a.replay = d }
}

// WithDefaultHourlyLimit sets the rate limit used for users without a
// stored webhook config, or when the config lookup fails.
func WithDefaultHourlyLimit(n int) AdmissionOption {
	return func(a *Admission) { a.hourlyLimit = n }
}

func WithClock(now func() time.Time) AdmissionOption {
	return func(a *Admission) { a.now = now }
}

func NewAdmission(st *store.Store, notify Notifier, metrics *Metrics, logger logging.Logger, opts ...AdmissionOption) *Admission {
	a := &Admission{
		store:       st,
		notify:      notify,
		metrics:     metrics,
		logger:      logging.OrNop(logger),
		maxBody:     DefaultMaxBodyBytes,
		replay:      DefaultReplayWindow,
		hourlyLimit: DefaultRateLimitPerHour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Admit runs the pipeline for one request and returns the HTTP status
// and a short message for the response body.
func (a *Admission) Admit(ctx context.Context, userID, endpointName string, headers http.Header, body []byte) (int, string) {
	// Stage 1: size cap. Checked before anything touches the database.
	if len(body) > a.maxBody {
		a.metrics.Rejected("size")
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", a.maxBody)
	}

	// Stage 2: endpoint lookup.
	ep, err := a.store.GetWebhookEndpoint(ctx, userID, endpointName)
	if errors.Is(err, store.ErrNotFound) {
		a.metrics.Rejected("endpoint")
		return http.StatusNotFound, "unknown endpoint"
	}
	if err != nil {
		a.logger.Error("webhook: endpoint lookup failed for %s/%s: %v", userID, endpointName, err)
		a.metrics.Rejected("endpoint")
		return http.StatusInternalServerError, "lookup failed"
	}
	if !ep.Enabled {
		a.metrics.Rejected("endpoint")
		return http.StatusForbidden, "endpoint disabled"
	}

	// Stage 3: provider signature.
	provider := ProviderByName(ep.Provider)
	timestamp := headers.Get(provider.TimestampHeader)
	if err := provider.Verify(headers.Get(provider.SignatureHeader), timestamp, body, ep.Secret); err != nil {
		a.metrics.Rejected("signature")
		return http.StatusUnauthorized, err.Error()
	}

	// Stage 4: replay protection. The timestamp check only arms when the
	// header is present; duplicate delivery ids are always rejected.
	if err := provider.CheckTimestamp(timestamp, a.replay, a.now()); err != nil {
		a.metrics.Rejected("replay")
		return http.StatusUnauthorized, err.Error()
	}
	deliveryID := headers.Get(provider.DeliveryHeader)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	} else {
		seen, err := a.store.SeenDelivery(ctx, userID, deliveryID)
		if err != nil {
			a.logger.Error("webhook: dedup check failed for %s: %v", deliveryID, err)
			a.metrics.Rejected("replay")
			return http.StatusInternalServerError, "dedup check failed"
		}
		if seen {
			a.metrics.Rejected("replay")
			return http.StatusConflict, "duplicate delivery"
		}
	}

	// Stage 5: per-user hourly rate limit.
	cfg, err := a.store.GetWebhookConfig(ctx, userID)
	if err != nil {
		a.logger.Warn("webhook: config lookup failed for %s, using defaults: %v", userID, err)
		cfg = store.WebhookConfig{}
	}
	limit := cfg.RateLimitPerHour
	if limit <= 0 {
		limit = a.hourlyLimit
	}
	count, err := a.store.CountDeliveriesSince(ctx, userID, a.now().Add(-time.Hour))
	if err != nil {
		a.logger.Error("webhook: rate count failed for %s: %v", userID, err)
		a.metrics.Rejected("rate")
		return http.StatusInternalServerError, "rate check failed"
	}
	if count >= limit {
		a.metrics.Rejected("rate")
		return http.StatusTooManyRequests, "hourly webhook limit reached"
	}

	// Stage 6: persist.
	delivery := store.WebhookDelivery{
		DeliveryID: deliveryID,
		UserID:     userID,
		Endpoint:   endpointName,
		Body:       body,
		ReceivedAt: a.now(),
	}
	if err := a.store.RecordWebhookDelivery(ctx, delivery); err != nil {
		a.logger.Error("webhook: persist failed for %s/%s: %v", userID, endpointName, err)
		a.metrics.Rejected("persist")
		return http.StatusInternalServerError, "persist failed"
	}

	// Stage 7: wake notify. Fire and forget; a notify failure never
	// affects the response, the payload is already queued.
	if ep.Mode != "direct" && a.notify != nil {
		go a.notify(userID, endpointName)
	}

	a.metrics.Admitted(provider.Name)
	a.logger.Info("webhook: queued %s for %s/%s (%d bytes, mode=%s)",
		deliveryID, userID, endpointName, len(body), ep.Mode)
	return http.StatusOK, "queued"
}
