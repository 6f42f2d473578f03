// Package receipts implements the append-only, per-agent SHA-256 hash
// chain linking every settled payment (spec §4.1). The per-agent append
// lock is realized as a Postgres/SQLite advisory-style serialization point:
// this implementation takes a row-level lock on a per-agent marker row
// inside the same transaction as the read-and-insert, the row-lock
// realization named in the spec's design notes (option (a)), rather than
// mixing it with the optimistic-retry alternative (b).
package receipts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentgateway/internal/apierr"
	"agentgateway/internal/canonical"
	"agentgateway/internal/models"
)

type Chainer struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Chainer {
	return &Chainer{db: db}
}

// canonicalReceiptBody returns the exact key set and ordering required by spec §4.1:
// amount, currency, mandate_id, payment_id, prev_hash, timestamp.
func canonicalReceiptBody(payment models.Payment, prevHash *string) map[string]any {
	var prev any
	if prevHash != nil {
		prev = *prevHash
	}
	timestamp := ""
	if payment.SettledAt != nil {
		timestamp = payment.SettledAt.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return map[string]any{
		"amount":     payment.Amount,
		"currency":   payment.Currency,
		"mandate_id": payment.MandateID.String(),
		"payment_id": payment.ID.String(),
		"prev_hash":  prev,
		"timestamp":  timestamp,
	}
}

func expectedHash(payment models.Payment, prevHash *string) (string, error) {
	body, err := canonical.Marshal(canonicalReceiptBody(payment, prevHash))
	if err != nil {
		return "", fmt.Errorf("receipts: canonicalize body: %w", err)
	}
	return canonical.SHA256Hex(body), nil
}

// Append produces the next receipt in payment.AgentID's chain for a
// settled payment, inside one transaction guarded by a row lock on the
// agent's append-lock marker. Use AppendTx instead when the caller already
// holds an ambient transaction the append must be part of.
func (c *Chainer) Append(ctx context.Context, payment models.Payment) (*models.Receipt, error) {
	var receipt *models.Receipt
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := appendWithin(tx, payment)
		receipt = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// AppendTx runs the same append as Append, but against a transaction the
// caller already holds open, so the receipt insert commits or rolls back
// atomically with the rest of the caller's work (spec §4.7 step 5: Payment,
// Mandate, Intent, and Receipt all move together or not at all).
func (c *Chainer) AppendTx(tx *gorm.DB, payment models.Payment) (*models.Receipt, error) {
	return appendWithin(tx, payment)
}

func appendWithin(tx *gorm.DB, payment models.Payment) (*models.Receipt, error) {
	if err := lockAgent(tx, payment.AgentID); err != nil {
		return nil, err
	}

	var previous models.Receipt
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("agent_id = ?", payment.AgentID).
		Order("chain_index DESC").
		First(&previous).Error

	var prevHash *string
	var chainIndex int64
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		chainIndex = 0
	case err != nil:
		return nil, apierr.Wrap(apierr.KindDatabaseError, "load previous receipt", err)
	default:
		h := previous.Hash
		prevHash = &h
		chainIndex = previous.ChainIndex + 1
	}

	hash, err := expectedHash(payment, prevHash)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "compute receipt hash", err)
	}

	newReceipt := models.Receipt{
		ID:         uuid.New(),
		PaymentID:  payment.ID,
		AgentID:    payment.AgentID,
		ChainIndex: chainIndex,
		PrevHash:   prevHash,
		Hash:       hash,
	}
	if err := tx.Create(&newReceipt).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindDatabaseError, "insert receipt", err)
	}
	return &newReceipt, nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Valid     bool
	BrokenAt  int64 // only meaningful if !Valid
}

// Verify streams an agent's receipts in ascending chain_index and checks
// the contiguity, linkage, and hash invariants of spec §4.1/§8.
func (c *Chainer) Verify(ctx context.Context, agentID uuid.UUID) (VerifyResult, error) {
	var chainReceipts []models.Receipt
	if err := c.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("chain_index ASC").
		Find(&chainReceipts).Error; err != nil {
		return VerifyResult{}, apierr.Wrap(apierr.KindDatabaseError, "load receipt chain", err)
	}

	var paymentIDs []uuid.UUID
	for _, r := range chainReceipts {
		paymentIDs = append(paymentIDs, r.PaymentID)
	}
	payments := map[uuid.UUID]models.Payment{}
	if len(paymentIDs) > 0 {
		var loaded []models.Payment
		if err := c.db.WithContext(ctx).Where("id IN ?", paymentIDs).Find(&loaded).Error; err != nil {
			return VerifyResult{}, apierr.Wrap(apierr.KindDatabaseError, "load receipt payments", err)
		}
		for _, p := range loaded {
			payments[p.ID] = p
		}
	}

	var prevHash *string
	for i, r := range chainReceipts {
		if r.ChainIndex != int64(i) {
			return VerifyResult{Valid: false, BrokenAt: int64(i)}, nil
		}
		if i == 0 {
			if r.PrevHash != nil {
				return VerifyResult{Valid: false, BrokenAt: 0}, nil
			}
		} else if prevHash == nil || r.PrevHash == nil || *r.PrevHash != *prevHash {
			return VerifyResult{Valid: false, BrokenAt: int64(i)}, nil
		}

		payment, ok := payments[r.PaymentID]
		if !ok {
			return VerifyResult{Valid: false, BrokenAt: int64(i)}, nil
		}
		want, err := expectedHash(payment, r.PrevHash)
		if err != nil {
			return VerifyResult{}, apierr.Wrap(apierr.KindInternal, "compute expected hash", err)
		}
		if want != r.Hash {
			return VerifyResult{Valid: false, BrokenAt: int64(i)}, nil
		}

		h := r.Hash
		prevHash = &h
	}

	return VerifyResult{Valid: true}, nil
}

// agentLock is a per-agent marker row used purely to serialize chain
// appends; it carries no business data.
type agentLock struct {
	AgentID uuid.UUID `gorm:"type:uuid;primaryKey"`
}

func (agentLock) TableName() string { return "receipt_chain_locks" }

// AutoMigrate creates the append-lock marker table. Called alongside
// models.AutoMigrate at boot.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&agentLock{})
}

// lockAgent takes a row-level lock on (or creates) the agent's marker row,
// serializing concurrent Append calls for the same agent within tx.
func lockAgent(tx *gorm.DB, agentID uuid.UUID) error {
	lock := agentLock{AgentID: agentID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error; err != nil {
		return apierr.Wrap(apierr.KindDatabaseError, "ensure agent lock row", err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("agent_id = ?", agentID).
		First(&agentLock{}).Error; err != nil {
		return apierr.Wrap(apierr.KindDatabaseError, "lock agent row", err)
	}
	return nil
}
