package inbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
)

// Repository owns every status transition of inbox_messages, mirroring the
// outbox repository's predicate discipline.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Insert persists a newly admitted row. Unique-constraint violations on
// message_id surface unchanged so the admitter can classify duplicates.
func (r *Repository) Insert(ctx context.Context, msg *models.InboxMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// FetchPending returns dispatchable candidates oldest-first. Rows at the
// retry ceiling are excluded.
func (r *Repository) FetchPending(ctx context.Context, limit, maxRetries int) ([]models.InboxMessage, error) {
	var rows []models.InboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", enums.InboxStatusPending, maxRetries).
		Order("received_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FetchFailed returns retryable failed rows oldest-first.
func (r *Repository) FetchFailed(ctx context.Context, limit, maxRetries int) ([]models.InboxMessage, error) {
	var rows []models.InboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", enums.InboxStatusFailed, maxRetries).
		Order("received_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ClaimTx locks one row with the expected status and moves it to PROCESSING.
// False is a claim miss: another worker owns the row or it already advanced.
func (r *Repository) ClaimTx(tx *gorm.DB, id int64, from enums.InboxStatus) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}

	var row models.InboxMessage
	err := withClaimLock(tx).
		Where("id = ? AND status = ?", id, from).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res := tx.Model(&models.InboxMessage{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":       enums.InboxStatusProcessing,
			"processes_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkProcessedTx finalizes a handled row inside the claim transaction.
func (r *Repository) MarkProcessedTx(tx *gorm.DB, id int64) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	res := tx.Model(&models.InboxMessage{}).
		Where("id = ? AND status = ?", id, enums.InboxStatusProcessing).
		Updates(map[string]any{
			"status":       enums.InboxStatusProcessed,
			"processes_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("row not in PROCESSING; refusing to mark processed")
	}
	return nil
}

// MarkFailed records a handler failure after the claim transaction rolled
// back. from names the status the row reverted to (PENDING for first
// attempts, FAILED for retries).
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause error, from enums.InboxStatus) error {
	res := r.db.WithContext(ctx).Model(&models.InboxMessage{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":      enums.InboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  cause.Error(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("row status moved; refusing to mark failed")
	}
	return nil
}

// ResetFailed flips one FAILED row back to PENDING under the explicit retry
// operation.
func (r *Repository) ResetFailed(ctx context.Context, id int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.InboxMessage{}).
		Where("id = ? AND status = ?", id, enums.InboxStatusFailed).
		Update("status", enums.InboxStatusPending)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseStuck returns PROCESSING rows with stale claims to PENDING without
// touching the retry counter.
func (r *Repository) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Model(&models.InboxMessage{}).
		Where("status = ? AND processes_at < ?", enums.InboxStatusProcessing, cutoff).
		Update("status", enums.InboxStatusPending)
	return res.RowsAffected, res.Error
}

// DeleteProcessedBefore purges handled rows past the retention window. FAILED
// rows are never deleted.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processes_at < ?", enums.InboxStatusProcessed, cutoff).
		Delete(&models.InboxMessage{})
	return res.RowsAffected, res.Error
}

// FindByMessageID looks a row up by the idempotency key.
func (r *Repository) FindByMessageID(ctx context.Context, messageID string) (*models.InboxMessage, error) {
	var row models.InboxMessage
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func withClaimLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}
