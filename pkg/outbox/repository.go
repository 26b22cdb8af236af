package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaykit/relaykit/pkg/db/models"
	"github.com/relaykit/relaykit/pkg/enums"
)

// Repository owns every status transition of outbox_messages. Each transition
// is a single UPDATE guarded by a status predicate; zero rows affected means
// another worker got there first.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Insert appends a row inside the caller's transaction.
func (r *Repository) Insert(tx *gorm.DB, msg *models.OutboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(msg).Error
}

// FetchPending returns publishable candidates oldest-first. Rows at the retry
// ceiling are excluded.
func (r *Repository) FetchPending(ctx context.Context, limit, maxRetries int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", enums.OutboxStatusPending, maxRetries).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FetchPendingForDestination narrows FetchPending to one destination service.
func (r *Repository) FetchPendingForDestination(ctx context.Context, destination string, limit, maxRetries int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ? AND destination_service = ?",
			enums.OutboxStatusPending, maxRetries, destination).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FetchFailed returns retryable failed rows oldest-first.
func (r *Repository) FetchFailed(ctx context.Context, limit, maxRetries int) ([]models.OutboxMessage, error) {
	var rows []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", enums.OutboxStatusFailed, maxRetries).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ClaimTx grants the calling worker exclusive ownership of one row: it
// re-selects the row under FOR UPDATE SKIP LOCKED with the expected status and
// moves it to PROCESSING. A false return is a claim miss, not an error —
// another worker owns the row or it already advanced.
func (r *Repository) ClaimTx(tx *gorm.DB, id int64, from enums.OutboxStatus) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}

	var row models.OutboxMessage
	err := withClaimLock(tx).
		Where("id = ? AND status = ?", id, from).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res := tx.Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":       enums.OutboxStatusProcessing,
			"processes_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkPublished finalizes a successfully delivered row.
func (r *Repository) MarkPublished(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusProcessing).
		Updates(map[string]any{
			"status":       enums.OutboxStatusPublished,
			"published_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("row not in PROCESSING; refusing to mark published")
	}
	return nil
}

// MarkFailed records a delivery failure and bumps the retry counter.
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause error) error {
	res := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusProcessing).
		Updates(map[string]any{
			"status":      enums.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  cause.Error(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("row not in PROCESSING; refusing to mark failed")
	}
	return nil
}

// ResetFailed flips one FAILED row back to PENDING so the claim protocol can
// pick it up again. False means the row was not FAILED anymore (a concurrent
// retry is in flight).
func (r *Repository) ResetFailed(ctx context.Context, id int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusFailed).
		Update("status", enums.OutboxStatusPending)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseStuck returns PROCESSING rows whose claim is older than the
// visibility timeout to PENDING. The prior worker is presumed dead; the retry
// counter is deliberately left untouched.
func (r *Repository) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("status = ? AND processes_at < ?", enums.OutboxStatusProcessing, cutoff).
		Update("status", enums.OutboxStatusPending)
	return res.RowsAffected, res.Error
}

// DeletePublishedBefore purges delivered rows past the retention window.
// FAILED rows are never deleted: they await operator inspection.
func (r *Repository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", enums.OutboxStatusPublished, cutoff).
		Delete(&models.OutboxMessage{})
	return res.RowsAffected, res.Error
}

// FindByMessageID looks a row up by its globally unique message id.
func (r *Repository) FindByMessageID(ctx context.Context, messageID string) (*models.OutboxMessage, error) {
	var row models.OutboxMessage
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// withClaimLock adds FOR UPDATE SKIP LOCKED on backends that support it.
// Sqlite (tests) serializes writers anyway, so the clause is omitted there —
// claims degrade to serialized execution rather than failing to parse.
func withClaimLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}
