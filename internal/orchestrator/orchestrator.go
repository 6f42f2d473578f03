// Package orchestrator implements the three-phase Intent/Mandate/Payment
// state machine (spec §4.5), the one place that ties the Policy Gate, the
// Mandate Signer, the Rail Router, and the Receipt Chainer together behind
// transactional guarantees. Grounded on services/payoutd/processor.go's
// per-sub-step span-and-classify shape, including its in-memory, mutex
// guarded dedup map of in-flight keys as a first line of defense ahead of
// the transactional ones.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentgateway/internal/apierr"
	"agentgateway/internal/models"
	"agentgateway/internal/policy"
	"agentgateway/internal/rails"
	"agentgateway/internal/receipts"
	"agentgateway/internal/signer"
)

var tracer = otel.Tracer("agentgateway/orchestrator")

// Config holds the tunables the spec leaves configurable.
type Config struct {
	MandateTTL      time.Duration // default 24h, see spec §4.2
	DirectMaxAmount int64
}

// Orchestrator drives every state transition of the Intent/Mandate/Payment
// lifecycle. It holds no business data itself; everything it touches is
// read from and written to db within one transaction per call.
type Orchestrator struct {
	db       *gorm.DB
	gate     *policy.Gate
	signer   *signer.Signer
	router   *rails.Router
	chainer  *receipts.Chainer
	cfg      Config
	nowFn    func() time.Time

	mu         sync.Mutex
	inFlight   map[string]struct{}
}

func New(db *gorm.DB, gate *policy.Gate, sig *signer.Signer, router *rails.Router, chainer *receipts.Chainer, cfg Config) *Orchestrator {
	if cfg.MandateTTL == 0 {
		cfg.MandateTTL = 24 * time.Hour
	}
	return &Orchestrator{
		db:       db,
		gate:     gate,
		signer:   sig,
		router:   router,
		chainer:  chainer,
		cfg:      cfg,
		nowFn:    time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// SetClock overrides the orchestrator's time source, for deterministic
// tests of mandate expiry and settlement timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.nowFn = now
}

// claim registers key as in-flight, returning false if it already was.
// release must be called (typically deferred) once the caller is done.
func (o *Orchestrator) claim(key string) (release func(), ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[key]; exists {
		return func() {}, false
	}
	o.inFlight[key] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.inFlight, key)
		o.mu.Unlock()
	}, true
}

// CreateIntentInput is the caller-supplied shape for a new purchase intent.
type CreateIntentInput struct {
	AgentID     uuid.UUID
	Vendor      string
	Amount      int64
	Currency    string
	Description string
	Metadata    []byte // raw JSON, opaque
}

// CreateIntent is the only way a spend enters the system; the intent is
// born PENDING (spec §4.5).
func (o *Orchestrator) CreateIntent(ctx context.Context, in CreateIntentInput) (*models.PurchaseIntent, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.CreateIntent")
	defer span.End()

	intent := models.PurchaseIntent{
		ID:          uuid.New(),
		AgentID:     in.AgentID,
		Vendor:      in.Vendor,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: in.Description,
		Metadata:    models.JSONBlob(in.Metadata),
		Status:      models.IntentPending,
	}
	if err := o.db.WithContext(ctx).Create(&intent).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create intent failed")
		return nil, apierr.Wrap(apierr.KindDatabaseError, "create purchase intent", err)
	}
	return &intent, nil
}

// IssueMandate runs the Policy Gate (spec §4.4) against an existing intent
// and, on success, signs and persists a Mandate, moving the intent to
// APPROVED. On policy denial the intent moves to REJECTED and the gate's
// apierr.Error is returned unchanged so the caller sees the precise reason.
func (o *Orchestrator) IssueMandate(ctx context.Context, callerAgentID, intentID string) (*models.Mandate, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.IssueMandate", trace.WithAttributes(
		attribute.String("intent_id", intentID),
	))
	defer span.End()

	release, ok := o.claim("mandate:" + intentID)
	if !ok {
		span.SetStatus(codes.Error, "duplicate in-flight mandate issuance")
		return nil, apierr.New(apierr.KindInFlightConflict, "a mandate issuance for this intent is already in flight")
	}
	defer release()

	var mandate *models.Mandate
	err := o.gate.Evaluate(ctx, callerAgentID, intentID, func(tx *gorm.DB, decision policy.Decision) error {
		now := o.nowFn().UTC()
		expiresAt := now.Add(o.cfg.MandateTTL)

		intent := models.PurchaseIntent{}
		if err := tx.Where("id = ?", intentID).First(&intent).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "reload intent", err)
		}

		signed, err := o.signer.Sign(signer.MandateBody{
			AgentID:   decision.Agent.ID.String(),
			Amount:    intent.Amount,
			Currency:  intent.Currency,
			ExpiresAt: expiresAt.Format("2006-01-02T15:04:05.000Z"),
			IntentID:  intent.ID.String(),
			PolicyID:  decision.Policy.ID.String(),
			Vendor:    intent.Vendor,
		})
		if err != nil {
			return apierr.Wrap(apierr.KindInternal, "sign mandate", err)
		}

		m := models.Mandate{
			ID:        uuid.New(),
			IntentID:  intent.ID,
			PolicyID:  decision.Policy.ID,
			AgentID:   decision.Agent.ID,
			Vendor:    intent.Vendor,
			Amount:    intent.Amount,
			Currency:  intent.Currency,
			Signature: signed.Signature,
			Hash:      signed.Hash,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
			Status:    models.MandateActive,
		}
		if err := tx.Create(&m).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "create mandate", err)
		}
		if err := tx.Model(&models.PurchaseIntent{}).Where("id = ?", intent.ID).
			Update("status", models.IntentApproved).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "mark intent approved", err)
		}
		mandate = &m
		return nil
	})
	if err != nil {
		if apiErr, ok := apierr.As(err); ok && isPolicyDenial(apiErr.Kind) {
			o.db.WithContext(ctx).Model(&models.PurchaseIntent{}).
				Where("id = ? AND status = ?", intentID, models.IntentPending).
				Update("status", models.IntentRejected)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "mandate issuance failed")
		return nil, err
	}
	return mandate, nil
}

func isPolicyDenial(kind apierr.Kind) bool {
	switch kind {
	case apierr.KindVendorNotAllowed, apierr.KindAmountExceedsCap, apierr.KindDailyLimitExceeded,
		apierr.KindAgentInactive, apierr.KindPolicyNotFound:
		return true
	}
	return false
}

// ExecutePayment validates the mandate, selects a rail, calls the adapter,
// and persists the resulting Payment, created PENDING. A synchronously
// "settled" result (either rail may settle inline) immediately exhausts the mandate,
// executes the intent, and appends a receipt; a "pending" result leaves
// final settlement to the Webhook Ingestor (spec §4.7).
func (o *Orchestrator) ExecutePayment(ctx context.Context, callerAgentID, mandateID string) (*models.Payment, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ExecutePayment", trace.WithAttributes(
		attribute.String("mandate_id", mandateID),
	))
	defer span.End()

	release, ok := o.claim("payment:" + mandateID)
	if !ok {
		return nil, apierr.New(apierr.KindInFlightConflict, "a payment execution for this mandate is already in flight")
	}
	defer release()

	var mandate models.Mandate
	var req rails.PaymentRequest
	var payment models.Payment

	// The mandate row is locked for the duration of the preflight check AND
	// the payment insert that follows it, in the same transaction — mirroring
	// the policy gate's row-locked-read-plus-insert shape (policy.Gate.Evaluate).
	// Without holding the lock across the insert, two concurrent callers (or
	// two replicas) could both pass the non-terminal-payment count check
	// before either had committed a row for the other to see.
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", mandateID).First(&mandate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.KindMandateNotFound, "mandate not found")
			}
			return apierr.Wrap(apierr.KindDatabaseError, "load mandate", err)
		}
		if mandate.AgentID.String() != callerAgentID {
			return apierr.New(apierr.KindForbidden, "mandate does not belong to caller")
		}
		now := o.nowFn().UTC()
		if mandate.Status == models.MandateExpired || (mandate.Status == models.MandateActive && now.After(mandate.ExpiresAt)) {
			tx.Model(&mandate).Update("status", models.MandateExpired)
			return apierr.New(apierr.KindMandateExpired, "mandate has expired")
		}
		if mandate.Status == models.MandateRevoked {
			return apierr.New(apierr.KindMandateRevoked, "mandate has been revoked")
		}
		if mandate.Status == models.MandateExhausted {
			return apierr.New(apierr.KindMandateExhausted, "mandate has already settled a payment")
		}

		var nonTerminal int64
		if err := tx.Model(&models.Payment{}).
			Where("mandate_id = ? AND status IN ?", mandate.ID,
				[]models.PaymentStatus{models.PaymentPending, models.PaymentProcessing, models.PaymentSettled}).
			Count(&nonTerminal).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "check existing payments", err)
		}
		if nonTerminal > 0 {
			return apierr.New(apierr.KindMandateExhausted, "mandate already has a non-terminal or settled payment")
		}

		var policyRow models.Policy
		if err := tx.Where("id = ?", mandate.PolicyID).First(&policyRow).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "load policy", err)
		}
		var agent models.Agent
		if err := tx.Where("id = ?", mandate.AgentID).First(&agent).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "load agent", err)
		}

		var vendorEndpoint models.VendorDirectEndpoint
		err := tx.Where("vendor = ?", mandate.Vendor).First(&vendorEndpoint).Error
		vendorHasDirect := err == nil && vendorEndpoint.Enabled
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return apierr.Wrap(apierr.KindDatabaseError, "load vendor direct endpoint", err)
		}

		decision := rails.Select(rails.SelectionInput{
			Amount:              mandate.Amount,
			RiskTier:            agent.RiskTier,
			PolicyRailFlags:     policyRow.RailFlags,
			VendorDirectEnabled: vendorHasDirect,
			DirectMaxAmount:     o.cfg.DirectMaxAmount,
		})
		if decision.Rail == models.RailCard && agent.ContactEmail == "" {
			return apierr.New(apierr.KindValidation, "agent has no contact email on file, required for card-rail settlement")
		}
		req = rails.PaymentRequest{
			MandateID:       mandate.ID.String(),
			Amount:          mandate.Amount,
			Currency:        mandate.Currency,
			Vendor:          mandate.Vendor,
			RiskTier:        string(agent.RiskTier),
			CustomerContact: agent.ContactEmail,
			VendorEndpoint:  vendorEndpoint.EndpointURL,
		}

		payment = models.Payment{
			ID:         uuid.New(),
			MandateID:  mandate.ID,
			AgentID:    mandate.AgentID,
			Rail:       decision.Rail,
			RailReason: decision.Reason,
			Amount:     mandate.Amount,
			Currency:   mandate.Currency,
			Status:     models.PaymentPending,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "create payment", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment preflight failed")
		return nil, err
	}

	adapter := o.router.Adapter(payment.Rail)

	result, execErr := adapter.Execute(ctx, req)
	if execErr != nil {
		span.RecordError(execErr)
		return nil, apierr.Wrap(apierr.KindProviderError, "rail adapter execution", execErr)
	}

	switch result.Status {
	case rails.ResultSettled:
		if err := o.settle(ctx, &payment, result.ProviderRef); err != nil {
			span.RecordError(err)
			return nil, err
		}
	case rails.ResultPending:
		o.db.WithContext(ctx).Model(&payment).Updates(map[string]any{
			"status":       models.PaymentProcessing,
			"provider_ref": result.ProviderRef,
		})
		payment.Status = models.PaymentProcessing
		payment.ProviderRef = result.ProviderRef
	default:
		o.db.WithContext(ctx).Model(&payment).Update("status", models.PaymentFailed)
		payment.Status = models.PaymentFailed
		span.SetStatus(codes.Error, fmt.Sprintf("rail declined: %s", result.Error))
	}

	return &payment, nil
}

// settle performs the terminal SETTLED transition (spec §4.5 "payment
// settled" edge): Payment → SETTLED, Mandate → EXHAUSTED, Intent →
// EXECUTED, and a receipt chain append, all inside one transaction. Shared
// by ExecutePayment's synchronous-settlement path (either rail) and the
// Webhook Ingestor (§4.7).
func (o *Orchestrator) settle(ctx context.Context, payment *models.Payment, providerRef string) error {
	now := o.nowFn().UTC()
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(payment).Updates(map[string]any{
			"status":       models.PaymentSettled,
			"provider_ref": providerRef,
			"settled_at":   now,
		}).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "settle payment", err)
		}
		payment.Status = models.PaymentSettled
		payment.ProviderRef = providerRef
		payment.SettledAt = &now

		var mandate models.Mandate
		if err := tx.Where("id = ?", payment.MandateID).First(&mandate).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "reload mandate", err)
		}
		if err := tx.Model(&mandate).Update("status", models.MandateExhausted).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "exhaust mandate", err)
		}
		if err := tx.Model(&models.PurchaseIntent{}).Where("id = ?", mandate.IntentID).
			Update("status", models.IntentExecuted).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "mark intent executed", err)
		}
		if _, err := o.chainer.AppendTx(tx, *payment); err != nil {
			return err
		}
		return nil
	})
}

// Settle is the Webhook Ingestor's entry point into the shared settlement
// path (spec §4.7 step 5), exported so that package does not need to
// reimplement the transition.
func (o *Orchestrator) Settle(ctx context.Context, payment *models.Payment, providerRef string) error {
	return o.settle(ctx, payment, providerRef)
}

// Fail transitions a payment to FAILED or CANCELLED outside the settle
// path, used by the Webhook Ingestor for PAYMENT_FAILED/PAYMENT_CANCELLED
// notifications. It does not touch the mandate or intent: a mandate with a
// failed payment remains ACTIVE and spendable again (spec §4.5: "a single
// mandate can have multiple FAILED/CANCELLED payments but at most one
// SETTLED").
func (o *Orchestrator) Fail(ctx context.Context, payment *models.Payment, status models.PaymentStatus, providerRef string) error {
	return o.db.WithContext(ctx).Model(payment).Updates(map[string]any{
		"status":       status,
		"provider_ref": providerRef,
	}).Error
}
