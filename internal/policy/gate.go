// Package policy implements the single authoritative answer to "may this
// intent become a mandate right now" (spec §4.4). Grounded on
// services/otc-gateway/server/server.go's transitionInvoice/ApproveInvoice
// pattern of a row-locked policy read plus a same-transaction SQL SUM for
// the daily-cap aggregation, and on services/payoutd/policy.go's
// day-bucketed accounting shape.
package policy

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentgateway/internal/apierr"
	"agentgateway/internal/models"
)

// Decision is the outcome of a successful Evaluate call: the policy that
// authorized the intent, carried forward so the caller can issue the
// mandate without a second lookup.
type Decision struct {
	Agent  models.Agent
	Policy models.Policy
}

type Gate struct {
	db *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Gate {
	return &Gate{db: db, now: time.Now}
}

// SetClock overrides the gate's time source, for deterministic tests of
// policy expiry and daily-cap day-boundary behavior.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Evaluate runs the spec §4.4 evaluation order inside one transaction: the
// active policy row is read with a row lock (SELECT ... FOR UPDATE) and the
// daily-cap sum is computed under that lock, so concurrent evaluations of
// the same policy run one after the other. The transaction uses the
// driver's default isolation level. fn is
// invoked with the winning Decision while the policy row lock is still
// held, so the caller can create the Mandate (and anything else requiring
// the same atomicity) before the transaction commits.
func (g *Gate) Evaluate(ctx context.Context, callerAgentID, intentID string, fn func(tx *gorm.DB, decision Decision) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent models.PurchaseIntent
		if err := tx.Where("id = ?", intentID).First(&intent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.KindIntentNotFound, "purchase intent not found")
			}
			return apierr.Wrap(apierr.KindDatabaseError, "load intent", err)
		}
		if intent.AgentID.String() != callerAgentID {
			return apierr.New(apierr.KindForbidden, "intent does not belong to caller")
		}

		var agent models.Agent
		if err := tx.Where("id = ?", intent.AgentID).First(&agent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.KindPolicyCheckFailed, "agent not found")
			}
			return apierr.Wrap(apierr.KindDatabaseError, "load agent", err)
		}
		if agent.Status != models.AgentActive {
			return apierr.New(apierr.KindAgentInactive, "agent is not active")
		}

		now := g.now().UTC()
		var active models.Policy
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("agent_id = ? AND expires_at > ?", agent.ID, now).
			Order("version DESC").
			First(&active).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.KindPolicyNotFound, "no active policy for agent")
			}
			return apierr.Wrap(apierr.KindDatabaseError, "load active policy", err)
		}

		if !active.VendorAllowlist.Contains(intent.Vendor) {
			return apierr.New(apierr.KindVendorNotAllowed, "vendor is not in the policy's allowlist")
		}
		if intent.Amount > active.AmountCap {
			return apierr.New(apierr.KindAmountExceedsCap, "intent amount exceeds the policy's amount cap")
		}

		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		var spentToday int64
		err = tx.Model(&models.Payment{}).
			Joins("JOIN mandates ON mandates.id = payments.mandate_id").
			Where("mandates.policy_id = ? AND payments.created_at >= ? AND payments.status IN ?",
				active.ID, startOfDay, []models.PaymentStatus{models.PaymentSettled, models.PaymentPending, models.PaymentProcessing}).
			Select("COALESCE(SUM(payments.amount), 0)").
			Scan(&spentToday).Error
		if err != nil {
			return apierr.Wrap(apierr.KindPolicyCheckFailed, "compute daily spend", err)
		}

		remaining := active.DailyCap - spentToday
		if intent.Amount > remaining {
			return apierr.New(apierr.KindDailyLimitExceeded, "intent would exceed the policy's daily cap").
				WithDetails(map[string]any{"remaining": remaining})
		}

		return fn(tx, Decision{Agent: agent, Policy: active})
	})
}
