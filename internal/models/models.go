// Package models defines the gorm-backed persistence schema for every entity
// in the authorization-and-settlement pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentInactive  AgentStatus = "inactive"
)

type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MEDIUM"
	RiskHigh   RiskTier = "HIGH"
)

type IntentStatus string

const (
	IntentPending  IntentStatus = "PENDING"
	IntentApproved IntentStatus = "APPROVED"
	IntentRejected IntentStatus = "REJECTED"
	IntentExecuted IntentStatus = "EXECUTED"
)

type MandateStatus string

const (
	MandateActive    MandateStatus = "ACTIVE"
	MandateExpired   MandateStatus = "EXPIRED"
	MandateRevoked   MandateStatus = "REVOKED"
	MandateExhausted MandateStatus = "EXHAUSTED"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSettled    PaymentStatus = "SETTLED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

type Rail string

const (
	RailCard   Rail = "card"
	RailDirect Rail = "direct"
)

// Agent is the authorization principal that spends under policy.
type Agent struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Status       AgentStatus `gorm:"type:varchar(16);not null;default:'active'"`
	RiskTier     RiskTier    `gorm:"type:varchar(8);not null;default:'LOW'"`
	PublicKey    string      `gorm:"type:varchar(64);not null"` // lower-case hex Ed25519 public key
	ContactEmail string      `gorm:"type:varchar(255);not null"` // card rail's required customer-contact metadata
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Policy is a versioned, time-bounded authorization envelope for an agent.
// Policies are immutable once created; a new version supersedes the old.
type Policy struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	AgentID         uuid.UUID      `gorm:"type:uuid;not null;index:idx_policy_agent"`
	Version         int            `gorm:"not null"`
	VendorAllowlist StringSet      `gorm:"type:text;not null"`
	AmountCap       int64          `gorm:"not null"`
	DailyCap        int64          `gorm:"not null"`
	RiskTier        RiskTier       `gorm:"type:varchar(8);not null"`
	RailFlags       RailFlags      `gorm:"type:text;not null"`
	ExpiresAt       time.Time      `gorm:"not null;index"`
	CreatedAt       time.Time
}

// RailFlags toggles which settlement rails a policy permits.
type RailFlags struct {
	Direct bool `json:"direct"`
	Card   bool `json:"card"`
}

// PurchaseIntent is a proposed spend; creation is the only way a spend
// enters the system.
type PurchaseIntent struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey"`
	AgentID     uuid.UUID    `gorm:"type:uuid;not null;index"`
	Vendor      string       `gorm:"type:varchar(128);not null"`
	Amount      int64        `gorm:"not null"`
	Currency    string       `gorm:"type:varchar(3);not null"`
	Description string       `gorm:"type:text"`
	Metadata    JSONBlob     `gorm:"type:text"`
	Status      IntentStatus `gorm:"type:varchar(16);not null;default:'PENDING'"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Mandate converts one intent into a spendable, signed token.
type Mandate struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey"`
	IntentID    uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex"`
	PolicyID    uuid.UUID     `gorm:"type:uuid;not null"`
	AgentID     uuid.UUID     `gorm:"type:uuid;not null;index"`
	Vendor      string        `gorm:"type:varchar(128);not null"`
	Amount      int64         `gorm:"not null"`
	Currency    string        `gorm:"type:varchar(3);not null"`
	Signature   string        `gorm:"type:varchar(128);not null"`
	Hash        string        `gorm:"type:varchar(80);not null"`
	IssuedAt    time.Time     `gorm:"not null"`
	ExpiresAt   time.Time     `gorm:"not null"`
	Status      MandateStatus `gorm:"type:varchar(16);not null;default:'ACTIVE'"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payment addresses one settlement attempt against a mandate.
type Payment struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey"`
	MandateID   uuid.UUID     `gorm:"type:uuid;not null;index"`
	AgentID     uuid.UUID     `gorm:"type:uuid;not null;index"`
	Rail        Rail          `gorm:"type:varchar(8);not null"`
	RailReason  string        `gorm:"type:varchar(64)"`
	ProviderRef string        `gorm:"type:varchar(128);index"`
	Amount      int64         `gorm:"not null"`
	Currency    string        `gorm:"type:varchar(3);not null"`
	Status      PaymentStatus `gorm:"type:varchar(16);not null;default:'PENDING'"`
	SettledAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Receipt is an append-only, hash-chained record of a settled payment.
type Receipt struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	AgentID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_receipt_agent_chain,priority:1"`
	ChainIndex int64     `gorm:"not null;uniqueIndex:idx_receipt_agent_chain,priority:2"`
	PrevHash   *string   `gorm:"type:varchar(80)"`
	Hash       string    `gorm:"type:varchar(80);not null"`
	CreatedAt  time.Time
}

// IdempotencyRecord captures an at-most-once (route, key) -> (status, body).
type IdempotencyRecord struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Route               string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_idem_route_key"`
	Key                  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_idem_route_key"`
	RequestFingerprint   string    `gorm:"type:varchar(64);not null"`
	Status               string    `gorm:"type:varchar(16);not null;default:'IN_FLIGHT'"` // IN_FLIGHT | DONE
	StatusCode           int
	ResponseBody         []byte    `gorm:"type:bytea"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// VendorDirectEndpoint optionally enables the direct settlement rail for a vendor.
type VendorDirectEndpoint struct {
	Vendor          string `gorm:"type:varchar(128);primaryKey"`
	EndpointURL     string `gorm:"type:text;not null"`
	VendorPublicKey string `gorm:"type:varchar(64)"`
	Enabled         bool   `gorm:"not null;default:true"`
}

// WebhookDeadLetter records a webhook whose signature verified but whose
// downstream settlement failed; operators reconcile these out of band.
type WebhookDeadLetter struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Rail      string    `gorm:"type:varchar(32);not null"`
	EventID   string    `gorm:"type:varchar(128);not null;index"`
	Payload   []byte    `gorm:"type:bytea"`
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate creates/updates every table this service owns.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Agent{},
		&Policy{},
		&PurchaseIntent{},
		&Mandate{},
		&Payment{},
		&Receipt{},
		&IdempotencyRecord{},
		&VendorDirectEndpoint{},
		&WebhookDeadLetter{},
	); err != nil {
		return err
	}
	// Invariant #2 ("no mandate settles twice") held at the store level, not
	// just in application code, so it still holds across concurrent requests
	// and replicas sharing this database: a partial unique index rejects a
	// second SETTLED row for the same mandate_id outright. Both supported
	// drivers (postgres, sqlite) accept this exact syntax.
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_mandate_settled ON payments(mandate_id) WHERE status = 'SETTLED'`).Error
}
