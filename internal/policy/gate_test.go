package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	glebarezSqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentgateway/internal/apierr"
	"agentgateway/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(glebarezSqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

type fixture struct {
	db     *gorm.DB
	agent  models.Agent
	policy models.Policy
}

func seedFixture(t *testing.T, db *gorm.DB, now time.Time) fixture {
	t.Helper()
	agent := models.Agent{ID: uuid.New(), Status: models.AgentActive, RiskTier: models.RiskLow, PublicKey: "ab"}
	require.NoError(t, db.Create(&agent).Error)

	policy := models.Policy{
		ID:              uuid.New(),
		AgentID:         agent.ID,
		Version:         1,
		VendorAllowlist: models.StringSet{"acme"},
		AmountCap:       1000,
		DailyCap:        100,
		RiskTier:        models.RiskLow,
		RailFlags:       models.RailFlags{Card: true, Direct: true},
		ExpiresAt:       now.Add(24 * time.Hour),
	}
	require.NoError(t, db.Create(&policy).Error)
	return fixture{db: db, agent: agent, policy: policy}
}

func seedIntent(t *testing.T, db *gorm.DB, agentID uuid.UUID, vendor string, amount int64) models.PurchaseIntent {
	t.Helper()
	intent := models.PurchaseIntent{
		ID:       uuid.New(),
		AgentID:  agentID,
		Vendor:   vendor,
		Amount:   amount,
		Currency: "USD",
		Status:   models.IntentPending,
	}
	require.NoError(t, db.Create(&intent).Error)
	return intent
}

func noop(tx *gorm.DB, decision Decision) error { return nil }

func TestEvaluateRejectsIntentOwnedByAnotherAgent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)
	intent := seedIntent(t, db, fx.agent.ID, "acme", 10)

	gate := New(db)
	gate.SetClock(func() time.Time { return now })

	err := gate.Evaluate(context.Background(), uuid.New().String(), intent.ID.String(), noop)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindForbidden, apiErr.Kind)
}

func TestEvaluateRejectsInactiveAgent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)
	require.NoError(t, db.Model(&fx.agent).Update("status", models.AgentSuspended).Error)
	intent := seedIntent(t, db, fx.agent.ID, "acme", 10)

	gate := New(db)
	gate.SetClock(func() time.Time { return now })

	err := gate.Evaluate(context.Background(), fx.agent.ID.String(), intent.ID.String(), noop)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindAgentInactive, apiErr.Kind)
}

func TestEvaluateRejectsWhenNoActivePolicy(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)
	intent := seedIntent(t, db, fx.agent.ID, "acme", 10)

	gate := New(db)
	gate.SetClock(func() time.Time { return now.Add(48 * time.Hour) })

	err := gate.Evaluate(context.Background(), fx.agent.ID.String(), intent.ID.String(), noop)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindPolicyNotFound, apiErr.Kind)
}

func TestEvaluateRejectsVendorNotInAllowlist(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)
	intent := seedIntent(t, db, fx.agent.ID, "shady-vendor", 10)

	gate := New(db)
	gate.SetClock(func() time.Time { return now })

	err := gate.Evaluate(context.Background(), fx.agent.ID.String(), intent.ID.String(), noop)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindVendorNotAllowed, apiErr.Kind)
}

func TestEvaluateRejectsAmountAboveCap(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)
	intent := seedIntent(t, db, fx.agent.ID, "acme", 5000)

	gate := New(db)
	gate.SetClock(func() time.Time { return now })

	err := gate.Evaluate(context.Background(), fx.agent.ID.String(), intent.ID.String(), noop)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindAmountExceedsCap, apiErr.Kind)
}

func TestEvaluateRejectsWhenDailyCapExceeded(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)

	mandate := models.Mandate{
		ID: uuid.New(), IntentID: uuid.New(), PolicyID: fx.policy.ID, AgentID: fx.agent.ID,
		Vendor: "acme", Amount: 80, Currency: "USD", Signature: "s", Hash: "h",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour), Status: models.MandateActive,
	}
	require.NoError(t, db.Create(&mandate).Error)
	payment := models.Payment{
		ID: uuid.New(), MandateID: mandate.ID, AgentID: fx.agent.ID, Rail: models.RailCard,
		Amount: 80, Currency: "USD", Status: models.PaymentSettled, CreatedAt: now,
	}
	require.NoError(t, db.Create(&payment).Error)

	intent := seedIntent(t, db, fx.agent.ID, "acme", 50)

	gate := New(db)
	gate.SetClock(func() time.Time { return now })

	err := gate.Evaluate(context.Background(), fx.agent.ID.String(), intent.ID.String(), noop)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindDailyLimitExceeded, apiErr.Kind)
	require.Equal(t, int64(20), apiErr.Details["remaining"])
}

func TestEvaluateApprovesWithinCaps(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)
	intent := seedIntent(t, db, fx.agent.ID, "acme", 50)

	gate := New(db)
	gate.SetClock(func() time.Time { return now })

	var decided Decision
	err := gate.Evaluate(context.Background(), fx.agent.ID.String(), intent.ID.String(), func(tx *gorm.DB, decision Decision) error {
		decided = decision
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, fx.policy.ID, decided.Policy.ID)
}

func TestEvaluateOnlyOneOfTwoConcurrentIntentsSucceedsUnderDailyCap(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t)
	fx := seedFixture(t, db, now)

	intentA := seedIntent(t, db, fx.agent.ID, "acme", 60)
	intentB := seedIntent(t, db, fx.agent.ID, "acme", 60)

	gate := New(db)
	gate.SetClock(func() time.Time { return now })

	var wg sync.WaitGroup
	results := make([]error, 2)
	intents := []string{intentA.ID.String(), intentB.ID.String()}
	for i := range intents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = gate.Evaluate(context.Background(), fx.agent.ID.String(), intents[i], func(tx *gorm.DB, decision Decision) error {
				mandate := models.Mandate{
					ID: uuid.New(), IntentID: uuid.New(), PolicyID: decision.Policy.ID, AgentID: fx.agent.ID,
					Vendor: "acme", Amount: 60, Currency: "USD", Signature: "s", Hash: "h",
					IssuedAt: now, ExpiresAt: now.Add(time.Hour), Status: models.MandateActive,
				}
				if err := tx.Create(&mandate).Error; err != nil {
					return err
				}
				payment := models.Payment{
					ID: uuid.New(), MandateID: mandate.ID, AgentID: fx.agent.ID, Rail: models.RailCard,
					Amount: 60, Currency: "USD", Status: models.PaymentSettled, CreatedAt: now,
				}
				return tx.Create(&payment).Error
			})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}
