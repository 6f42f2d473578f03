// Package idempotency gives every mutating endpoint exactly-once semantics
// across concurrent and retried callers, keyed on (route, Idempotency-Key).
// Grounded on services/otc-gateway/middleware/idempotency.go's
// response-recorder shape, generalized to the full resolution algorithm
// (fingerprint comparison, in-flight takeover) this gateway's spec requires.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentgateway/internal/apierr"
	"agentgateway/internal/canonical"
	"agentgateway/internal/models"
)

// Outcome is the result of Begin: what the caller should do next.
type Outcome int

const (
	// Proceed means no prior record existed (or the prior one was abandoned);
	// the caller claimed IN_FLIGHT and must call Complete when the handler
	// finishes.
	Proceed Outcome = iota
	// Replay means a terminal record exists with a matching fingerprint;
	// StatusCode/Body on the returned record must be written verbatim.
	Replay
)

// InFlightTTL bounds how long an IN_FLIGHT record blocks a retry before it
// is treated as abandoned and taken over, per spec §4.3 step 3.
const InFlightTTL = 30 * time.Second

// RetentionWindow is the minimum duration idempotency keys are retained
// before the store may purge them (spec §4.3).
const RetentionWindow = 24 * time.Hour

// Store persists idempotency records in the shared relational database.
type Store struct {
	db *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the store's time source, for deterministic tests of
// the IN_FLIGHT-abandonment takeover window.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Fingerprint computes the SHA-256 of the canonical JSON of body; bodies
// that do not parse as a JSON object fall back to a plain SHA-256 of the
// raw bytes (e.g. empty bodies on GET-shaped mutating calls).
func Fingerprint(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		if canonicalBody, err := canonical.Marshal(m); err == nil {
			sum := sha256.Sum256(canonicalBody)
			return hex.EncodeToString(sum[:])
		}
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin resolves the (route, key) pair per spec §4.3 steps 1-3. On Replay,
// the returned record's StatusCode/ResponseBody must be written verbatim.
// On Proceed, the caller owns the record and must call Complete.
func (s *Store) Begin(ctx context.Context, route, key string, fingerprint string) (Outcome, *models.IdempotencyRecord, error) {
	var outcome Outcome
	var result *models.IdempotencyRecord

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.IdempotencyRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("route = ? AND key = ?", route, key).
			First(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			record := models.IdempotencyRecord{
				ID:                 uuid.New(),
				Route:              route,
				Key:                key,
				RequestFingerprint: fingerprint,
				Status:             "IN_FLIGHT",
				CreatedAt:          s.now(),
				UpdatedAt:          s.now(),
			}
			if err := tx.Create(&record).Error; err != nil {
				return apierr.Wrap(apierr.KindDatabaseError, "create idempotency record", err)
			}
			outcome = Proceed
			result = &record
			return nil
		case err != nil:
			return apierr.Wrap(apierr.KindDatabaseError, "load idempotency record", err)
		}

		if existing.Status == "DONE" {
			if existing.RequestFingerprint != fingerprint {
				return apierr.New(apierr.KindIdempotencyConflict, "idempotency key reused with a different request body")
			}
			outcome = Replay
			result = &existing
			return nil
		}

		// IN_FLIGHT: abandoned takeover if stale, else conflict.
		if s.now().Sub(existing.UpdatedAt) < InFlightTTL {
			return apierr.New(apierr.KindInFlightConflict, "a request with this idempotency key is already being processed")
		}
		existing.RequestFingerprint = fingerprint
		existing.Status = "IN_FLIGHT"
		existing.UpdatedAt = s.now()
		if err := tx.Save(&existing).Error; err != nil {
			return apierr.Wrap(apierr.KindDatabaseError, "take over abandoned idempotency record", err)
		}
		outcome = Proceed
		result = &existing
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return outcome, result, nil
}

// Complete writes the terminal status and body for a record claimed via
// Begin(Proceed), in one transaction per spec §4.3 step 4.
func (s *Store) Complete(ctx context.Context, route, key string, statusCode int, body []byte) error {
	err := s.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("route = ? AND key = ?", route, key).
		Updates(map[string]any{
			"status":        "DONE",
			"status_code":   statusCode,
			"response_body": body,
			"updated_at":    s.now(),
		}).Error
	if err != nil {
		return apierr.Wrap(apierr.KindDatabaseError, "complete idempotency record", err)
	}
	return nil
}

// Purge deletes terminal records older than RetentionWindow. Purge removes
// the ability to replay, not the correctness of results already produced.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-RetentionWindow)
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", "DONE", cutoff).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
