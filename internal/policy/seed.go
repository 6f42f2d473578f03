package policy

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"agentgateway/internal/models"
)

// SeedFile is the YAML shape accepted by POLICY_SEED_FILE, a convenience
// loader for non-production environments. Grounded on
// services/payoutd/policy.go's YAML-loaded Policy set; this writes the
// authoritative Policy rows it seeds, it is not itself an alternate store.
type SeedFile struct {
	Agents []SeedAgent `yaml:"agents"`
}

type SeedAgent struct {
	ID        string          `yaml:"id"`
	PublicKey string          `yaml:"public_key"`
	RiskTier  string          `yaml:"risk_tier"`
	Policies  []SeedPolicy    `yaml:"policies"`
}

type SeedPolicy struct {
	Version         int      `yaml:"version"`
	VendorAllowlist []string `yaml:"vendor_allowlist"`
	AmountCap       int64    `yaml:"amount_cap"`
	DailyCap        int64    `yaml:"daily_cap"`
	RailDirect      bool     `yaml:"rail_direct"`
	RailCard        bool     `yaml:"rail_card"`
	ExpiresInDays   int      `yaml:"expires_in_days"`
}

// LoadSeedFile parses and applies a POLICY_SEED_FILE at boot, creating any
// agent/policy rows that do not already exist. It is idempotent by agent id.
func LoadSeedFile(db *gorm.DB, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("policy: parse seed file: %w", err)
	}

	now := time.Now().UTC()
	for _, a := range seed.Agents {
		agentID, err := uuid.Parse(a.ID)
		if err != nil {
			return fmt.Errorf("policy: invalid agent id %q: %w", a.ID, err)
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			agent := models.Agent{
				ID:        agentID,
				Status:    models.AgentActive,
				RiskTier:  models.RiskTier(a.RiskTier),
				PublicKey: a.PublicKey,
			}
			if err := tx.FirstOrCreate(&agent, "id = ?", agentID).Error; err != nil {
				return err
			}
			for _, p := range a.Policies {
				expiresAt := now.AddDate(0, 0, p.ExpiresInDays)
				policyRow := models.Policy{
					ID:              uuid.New(),
					AgentID:         agentID,
					Version:         p.Version,
					VendorAllowlist: models.StringSet(p.VendorAllowlist),
					AmountCap:       p.AmountCap,
					DailyCap:        p.DailyCap,
					RiskTier:        agent.RiskTier,
					RailFlags:       models.RailFlags{Direct: p.RailDirect, Card: p.RailCard},
					ExpiresAt:       expiresAt,
				}
				var count int64
				if err := tx.Model(&models.Policy{}).
					Where("agent_id = ? AND version = ?", agentID, p.Version).
					Count(&count).Error; err != nil {
					return err
				}
				if count > 0 {
					continue
				}
				if err := tx.Create(&policyRow).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("policy: seed agent %s: %w", a.ID, err)
		}
	}
	return nil
}
