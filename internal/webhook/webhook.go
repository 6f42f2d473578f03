// Package webhook implements the provider-notification ingestion path
// (spec §4.7): signature verification, event dedup, and transactional
// settlement. Grounded on services/payments-gateway/server.go's verifyHMAC
// helper, re-keyed from the teacher's bespoke NOWPayments header to the
// `t=<unix>,v1=<hex-hmac>` shape this spec specifies, and on
// services/escrow-gateway's webhook-attempt dead-letter tracking tables.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentgateway/internal/apierr"
	"agentgateway/internal/idempotency"
	"agentgateway/internal/models"
	"agentgateway/internal/orchestrator"
)

// ClockSkew bounds how stale a webhook's timestamp may be (spec §4.7 step 1).
const ClockSkew = 5 * time.Minute

// EventType is the provider's declared notification kind.
type EventType string

const (
	EventPaymentSucceeded EventType = "PAYMENT_SUCCEEDED"
	EventPaymentFailed    EventType = "PAYMENT_FAILED"
	EventPaymentCancelled EventType = "PAYMENT_CANCELLED"
)

// Event is the provider-agnostic shape every rail's webhook payload is
// normalized into before dispatch.
type Event struct {
	EventID     string    `json:"event_id"`
	Type        EventType `json:"type"`
	ProviderRef string    `json:"provider_ref"`
}

// Ingestor verifies, dedups, and dispatches webhook deliveries for every
// configured rail.
type Ingestor struct {
	db      *gorm.DB
	orch    *orchestrator.Orchestrator
	idem    *idempotency.Store
	secrets map[string]string // rail -> HMAC secret
	logger  *slog.Logger
	nowFn   func() time.Time
}

func New(db *gorm.DB, orch *orchestrator.Orchestrator, idem *idempotency.Store, secrets map[string]string, logger *slog.Logger) *Ingestor {
	return &Ingestor{db: db, orch: orch, idem: idem, secrets: secrets, logger: logger, nowFn: time.Now}
}

// SetClock overrides the ingestor's time source, for deterministic tests of
// the signature clock-skew window.
func (i *Ingestor) SetClock(now func() time.Time) {
	i.nowFn = now
}

// VerifySignature checks a `t=<unix-seconds>,v1=<hex-hmac>` header against
// HMAC-SHA256(secret, t || "." || rawBody), with constant-time comparison.
// The HTTP layer assembles header from the request's X-Webhook-Timestamp
// and X-Webhook-Signature headers.
func (i *Ingestor) VerifySignature(rail, header string, rawBody []byte) error {
	secret, ok := i.secrets[rail]
	if !ok {
		return apierr.New(apierr.KindConfigurationError, "no webhook secret configured for rail "+rail)
	}

	var timestamp, mac string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			mac = kv[1]
		}
	}
	if timestamp == "" || mac == "" {
		return apierr.New(apierr.KindUnauthorized, "webhook signature header missing t or v1")
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apierr.New(apierr.KindUnauthorized, "webhook signature timestamp is not numeric")
	}
	if skew := i.nowFn().UTC().Sub(time.Unix(unix, 0).UTC()); skew > ClockSkew || skew < -ClockSkew {
		return apierr.New(apierr.KindUnauthorized, "webhook signature timestamp outside clock skew window")
	}

	expectedMAC := hmac.New(sha256.New, []byte(secret))
	expectedMAC.Write([]byte(timestamp))
	expectedMAC.Write([]byte("."))
	expectedMAC.Write(rawBody)
	expected := hex.EncodeToString(expectedMAC.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(mac)) {
		return apierr.New(apierr.KindUnauthorized, "webhook signature mismatch")
	}
	return nil
}

// Handle runs spec §4.7 steps 2-6 and always returns a (statusCode, body)
// pair the caller must write verbatim: once the signature has verified, a
// 200 is returned regardless of downstream outcome, with failures recorded
// to the dead-letter table instead of surfaced to the provider.
func (i *Ingestor) Handle(ctx context.Context, rail string, rawBody []byte) (int, []byte) {
	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return 200, okBody()
	}
	if event.EventID == "" {
		event.EventID = event.ProviderRef + ":" + string(event.Type)
	}

	route := "webhook:" + rail
	fingerprint := idempotency.Fingerprint(rawBody)
	outcome, record, err := i.idem.Begin(ctx, route, event.EventID, fingerprint)
	if err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.KindInFlightConflict {
			return 200, okBody()
		}
		i.logger.Error("webhook idempotency begin failed", "rail", rail, "error", err)
		return 200, okBody()
	}
	if outcome == idempotency.Replay {
		return record.StatusCode, record.ResponseBody
	}

	status, body := i.dispatch(ctx, rail, event, rawBody)
	if completeErr := i.idem.Complete(ctx, route, event.EventID, status, body); completeErr != nil {
		i.logger.Error("webhook idempotency complete failed", "rail", rail, "error", completeErr)
	}
	return status, body
}

func (i *Ingestor) dispatch(ctx context.Context, rail string, event Event, rawBody []byte) (int, []byte) {
	var payment models.Payment
	err := i.db.WithContext(ctx).Where("provider_ref = ?", event.ProviderRef).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		i.logger.Warn("webhook for unknown provider_ref", "rail", rail, "provider_ref", event.ProviderRef)
		return 200, okBody()
	}
	if err != nil {
		i.deadLetter(ctx, rail, event.EventID, rawBody, err)
		return 200, okBody()
	}
	if isTerminal(payment.Status) {
		return 200, okBody()
	}

	switch event.Type {
	case EventPaymentSucceeded:
		if err := i.orch.Settle(ctx, &payment, event.ProviderRef); err != nil {
			i.deadLetter(ctx, rail, event.EventID, rawBody, err)
		}
	case EventPaymentFailed:
		if err := i.orch.Fail(ctx, &payment, models.PaymentFailed, event.ProviderRef); err != nil {
			i.deadLetter(ctx, rail, event.EventID, rawBody, err)
		}
	case EventPaymentCancelled:
		if err := i.orch.Fail(ctx, &payment, models.PaymentCancelled, event.ProviderRef); err != nil {
			i.deadLetter(ctx, rail, event.EventID, rawBody, err)
		}
	default:
		// unrecognized event type: acknowledged, no-op
	}
	return 200, okBody()
}

func isTerminal(status models.PaymentStatus) bool {
	switch status {
	case models.PaymentSettled, models.PaymentFailed, models.PaymentCancelled:
		return true
	}
	return false
}

func (i *Ingestor) deadLetter(ctx context.Context, rail, eventID string, payload []byte, cause error) {
	row := models.WebhookDeadLetter{
		ID:      uuid.New(),
		Rail:    rail,
		EventID: eventID,
		Payload: payload,
		Error:   fmt.Sprintf("%v", cause),
	}
	if err := i.db.WithContext(ctx).Create(&row).Error; err != nil {
		i.logger.Error("failed to persist webhook dead letter", "rail", rail, "event_id", eventID, "error", err)
	}
}

func okBody() []byte {
	return []byte(`{"received":true}`)
}

