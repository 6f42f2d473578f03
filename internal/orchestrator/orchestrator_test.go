package orchestrator

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	glebarezSqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentgateway/internal/apierr"
	"agentgateway/internal/models"
	"agentgateway/internal/policy"
	"agentgateway/internal/rails"
	"agentgateway/internal/receipts"
	"agentgateway/internal/signer"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(glebarezSqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, receipts.AutoMigrate(db))
	return db
}

func testSigner(t *testing.T) *signer.Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	s, err := signer.New(seed)
	require.NoError(t, err)
	return s
}

type stubAdapter struct {
	result rails.PaymentResult
	err    error
	calls  int
}

func (s *stubAdapter) Execute(ctx context.Context, req rails.PaymentRequest) (rails.PaymentResult, error) {
	s.calls++
	return s.result, s.err
}

type harness struct {
	db   *gorm.DB
	orch *Orchestrator
	card *stubAdapter
	direct *stubAdapter
	agent models.Agent
	policy models.Policy
}

func newHarness(t *testing.T, now time.Time) harness {
	t.Helper()
	db := newTestDB(t)
	gate := policy.New(db)
	gate.SetClock(func() time.Time { return now })
	sig := testSigner(t)
	card := &stubAdapter{result: rails.PaymentResult{Success: true, Status: rails.ResultSettled, ProviderRef: "card-ref"}}
	direct := &stubAdapter{result: rails.PaymentResult{Success: true, Status: rails.ResultSettled, ProviderRef: "direct-ref"}}
	router := &rails.Router{Card: card, Direct: direct}
	chainer := receipts.New(db)

	orch := New(db, gate, sig, router, chainer, Config{MandateTTL: time.Hour, DirectMaxAmount: 1000})
	orch.SetClock(func() time.Time { return now })

	agent := models.Agent{ID: uuid.New(), Status: models.AgentActive, RiskTier: models.RiskLow, PublicKey: sig.PublicKeyHex(), ContactEmail: "agent@example.com"}
	require.NoError(t, db.Create(&agent).Error)
	pol := models.Policy{
		ID: uuid.New(), AgentID: agent.ID, Version: 1,
		VendorAllowlist: models.StringSet{"acme"}, AmountCap: 1000, DailyCap: 1000,
		RiskTier: models.RiskLow, RailFlags: models.RailFlags{Card: true, Direct: true},
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, db.Create(&pol).Error)
	require.NoError(t, db.Create(&models.VendorDirectEndpoint{Vendor: "acme", EndpointURL: "https://acme.example/settle", Enabled: true}).Error)

	return harness{db: db, orch: orch, card: card, direct: direct, agent: agent, policy: pol}
}

func TestCreateIntentStartsPending(t *testing.T) {
	h := newHarness(t, time.Now().UTC())
	intent, err := h.orch.CreateIntent(context.Background(), CreateIntentInput{
		AgentID: h.agent.ID, Vendor: "acme", Amount: 50, Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, models.IntentPending, intent.Status)
}

func TestIssueMandateApprovesAndSigns(t *testing.T) {
	h := newHarness(t, time.Now().UTC())
	intent, err := h.orch.CreateIntent(context.Background(), CreateIntentInput{
		AgentID: h.agent.ID, Vendor: "acme", Amount: 50, Currency: "USD",
	})
	require.NoError(t, err)

	mandate, err := h.orch.IssueMandate(context.Background(), h.agent.ID.String(), intent.ID.String())
	require.NoError(t, err)
	require.Equal(t, models.MandateActive, mandate.Status)
	require.NotEmpty(t, mandate.Signature)

	var reloaded models.PurchaseIntent
	require.NoError(t, h.db.First(&reloaded, "id = ?", intent.ID).Error)
	require.Equal(t, models.IntentApproved, reloaded.Status)
}

func TestIssueMandateRejectsIntentOnPolicyDenial(t *testing.T) {
	h := newHarness(t, time.Now().UTC())
	intent, err := h.orch.CreateIntent(context.Background(), CreateIntentInput{
		AgentID: h.agent.ID, Vendor: "not-allowed", Amount: 50, Currency: "USD",
	})
	require.NoError(t, err)

	_, err = h.orch.IssueMandate(context.Background(), h.agent.ID.String(), intent.ID.String())
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindVendorNotAllowed, apiErr.Kind)

	var reloaded models.PurchaseIntent
	require.NoError(t, h.db.First(&reloaded, "id = ?", intent.ID).Error)
	require.Equal(t, models.IntentRejected, reloaded.Status)
}

func issueMandate(t *testing.T, h harness, amount int64) *models.Mandate {
	t.Helper()
	intent, err := h.orch.CreateIntent(context.Background(), CreateIntentInput{
		AgentID: h.agent.ID, Vendor: "acme", Amount: amount, Currency: "USD",
	})
	require.NoError(t, err)
	mandate, err := h.orch.IssueMandate(context.Background(), h.agent.ID.String(), intent.ID.String())
	require.NoError(t, err)
	return mandate
}

func TestExecutePaymentSettlesSynchronouslyOnDirectRail(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	mandate := issueMandate(t, h, 50)

	payment, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.NoError(t, err)
	require.Equal(t, models.PaymentSettled, payment.Status)
	require.Equal(t, models.RailDirect, payment.Rail)
	require.Equal(t, "direct-ref", payment.ProviderRef)
	require.Equal(t, 1, h.direct.calls)

	var reloadedMandate models.Mandate
	require.NoError(t, h.db.First(&reloadedMandate, "id = ?", mandate.ID).Error)
	require.Equal(t, models.MandateExhausted, reloadedMandate.Status)

	var reloadedIntent models.PurchaseIntent
	require.NoError(t, h.db.First(&reloadedIntent, "id = ?", mandate.IntentID).Error)
	require.Equal(t, models.IntentExecuted, reloadedIntent.Status)

	result, err := receipts.New(h.db).Verify(context.Background(), h.agent.ID)
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestExecutePaymentGoesToCardWhenPolicyDisablesDirect(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	require.NoError(t, h.db.Model(&h.policy).Update("rail_flags", models.RailFlags{Card: true, Direct: false}).Error)

	mandate := issueMandate(t, h, 50)
	payment, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.NoError(t, err)
	require.Equal(t, models.RailCard, payment.Rail)
	require.Equal(t, 1, h.card.calls)
}

func TestExecutePaymentFailsOnExpiredMandate(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	mandate := issueMandate(t, h, 50)

	h.orch.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindMandateExpired, apiErr.Kind)
}

func TestExecutePaymentFailsOnRevokedMandate(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	mandate := issueMandate(t, h, 50)
	require.NoError(t, h.db.Model(mandate).Update("status", models.MandateRevoked).Error)

	_, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindMandateRevoked, apiErr.Kind)
}

func TestExecutePaymentFailsWhenMandateAlreadyExhausted(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	mandate := issueMandate(t, h, 50)

	_, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.NoError(t, err)

	_, err = h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindMandateExhausted, apiErr.Kind)
}

func TestExecutePaymentLeavesProcessingForAsyncSettlement(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	h.direct.result = rails.PaymentResult{Success: true, Status: rails.ResultPending, ProviderRef: "pending-ref"}

	mandate := issueMandate(t, h, 50)
	payment, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.NoError(t, err)
	require.Equal(t, models.PaymentProcessing, payment.Status)

	var reloadedMandate models.Mandate
	require.NoError(t, h.db.First(&reloadedMandate, "id = ?", mandate.ID).Error)
	require.Equal(t, models.MandateActive, reloadedMandate.Status)
}

func TestSettleTransitionsPaymentMandateIntentAndAppendsReceipt(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	h.direct.result = rails.PaymentResult{Success: true, Status: rails.ResultPending, ProviderRef: "pending-ref"}
	mandate := issueMandate(t, h, 50)
	payment, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.NoError(t, err)

	require.NoError(t, h.orch.Settle(context.Background(), payment, "final-ref"))
	require.Equal(t, models.PaymentSettled, payment.Status)

	var reloadedMandate models.Mandate
	require.NoError(t, h.db.First(&reloadedMandate, "id = ?", mandate.ID).Error)
	require.Equal(t, models.MandateExhausted, reloadedMandate.Status)
}

func TestFailLeavesMandateActiveForRetry(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	h.direct.result = rails.PaymentResult{Success: true, Status: rails.ResultPending, ProviderRef: "pending-ref"}
	mandate := issueMandate(t, h, 50)
	payment, err := h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
	require.NoError(t, err)

	require.NoError(t, h.orch.Fail(context.Background(), payment, models.PaymentFailed, "declined"))

	var reloadedMandate models.Mandate
	require.NoError(t, h.db.First(&reloadedMandate, "id = ?", mandate.ID).Error)
	require.Equal(t, models.MandateActive, reloadedMandate.Status)
}

func TestIssueMandateRejectsConcurrentDuplicateInFlight(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	intent, err := h.orch.CreateIntent(context.Background(), CreateIntentInput{
		AgentID: h.agent.ID, Vendor: "acme", Amount: 50, Currency: "USD",
	})
	require.NoError(t, err)

	release, ok := h.orch.claim("mandate:" + intent.ID.String())
	require.True(t, ok)
	defer release()

	_, err = h.orch.IssueMandate(context.Background(), h.agent.ID.String(), intent.ID.String())
	require.Error(t, err)
	apiErr, ok2 := apierr.As(err)
	require.True(t, ok2)
	require.Equal(t, apierr.KindInFlightConflict, apiErr.Kind)
}

func TestExecutePaymentConcurrentCallsOnlyOneSucceeds(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, now)
	mandate := issueMandate(t, h, 50)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = h.orch.ExecutePayment(context.Background(), h.agent.ID.String(), mandate.ID.String())
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

// openFileDB opens an independent *gorm.DB connection against a shared
// on-disk SQLite file, so two Orchestrator instances built on top of it are
// as close as this test harness gets to two replicas behind one relational
// store rather than two goroutines sharing a single connection pool.
func openFileDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(glebarezSqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	// SQLite serializes writers at the file level; without a busy timeout a
	// second writer gets SQLITE_BUSY immediately instead of waiting its turn.
	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	return db
}

// TestExecutePaymentDBLevelGuaranteeAcrossIndependentOrchestrators proves the
// "no mandate settles twice" invariant holds even when two Orchestrators
// neither share an in-process inFlight map nor a *gorm.DB connection pool —
// i.e. the guarantee lives in the database (row lock + partial unique
// index), not only in orchestrator.claim()'s in-memory mutex.
func TestExecutePaymentDBLevelGuaranteeAcrossIndependentOrchestrators(t *testing.T) {
	now := time.Now().UTC()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("shared-%d.db", time.Now().UnixNano()))

	setupDB := openFileDB(t, path)
	require.NoError(t, models.AutoMigrate(setupDB))
	require.NoError(t, receipts.AutoMigrate(setupDB))

	sig := testSigner(t)
	agent := models.Agent{ID: uuid.New(), Status: models.AgentActive, RiskTier: models.RiskLow, PublicKey: sig.PublicKeyHex(), ContactEmail: "agent@example.com"}
	require.NoError(t, setupDB.Create(&agent).Error)
	pol := models.Policy{
		ID: uuid.New(), AgentID: agent.ID, Version: 1,
		VendorAllowlist: models.StringSet{"acme"}, AmountCap: 1000, DailyCap: 1000,
		RiskTier: models.RiskLow, RailFlags: models.RailFlags{Card: true, Direct: true},
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, setupDB.Create(&pol).Error)

	newOrch := func(db *gorm.DB) *Orchestrator {
		gate := policy.New(db)
		gate.SetClock(func() time.Time { return now })
		card := &stubAdapter{result: rails.PaymentResult{Success: true, Status: rails.ResultSettled, ProviderRef: "card-ref"}}
		direct := &stubAdapter{result: rails.PaymentResult{Success: true, Status: rails.ResultSettled, ProviderRef: "direct-ref"}}
		router := &rails.Router{Card: card, Direct: direct}
		chainer := receipts.New(db)
		o := New(db, gate, sig, router, chainer, Config{MandateTTL: time.Hour, DirectMaxAmount: 1000})
		o.SetClock(func() time.Time { return now })
		return o
	}

	orchA := newOrch(setupDB)
	dbB := openFileDB(t, path)
	orchB := newOrch(dbB)

	intent, err := orchA.CreateIntent(context.Background(), CreateIntentInput{
		AgentID: agent.ID, Vendor: "acme", Amount: 50, Currency: "USD",
	})
	require.NoError(t, err)
	mandate, err := orchA.IssueMandate(context.Background(), agent.ID.String(), intent.ID.String())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	orchs := []*Orchestrator{orchA, orchB}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = orchs[i].ExecutePayment(context.Background(), agent.ID.String(), mandate.ID.String())
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

	var settledCount int64
	require.NoError(t, setupDB.Model(&models.Payment{}).
		Where("mandate_id = ? AND status = ?", mandate.ID, models.PaymentSettled).
		Count(&settledCount).Error)
	require.Equal(t, int64(1), settledCount)
}
