package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/pkg/logger"
)

const defaultRetentionDays = 30

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type inboxRetentionRepo interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	Repository outboxRetentionRepo
	Days       int
}

// NewOutboxRetentionJob purges PUBLISHED outbox rows past the retention
// window. FAILED rows are never touched.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	days := params.Days
	if days <= 0 {
		days = defaultRetentionDays
	}
	return &outboxRetentionJob{
		logg: params.Logger,
		repo: params.Repository,
		days: days,
		now:  time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg *logger.Logger
	repo outboxRetentionRepo
	days int
	now  func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.days) * 24 * time.Hour)
	deleted, err := j.repo.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.days,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}

type InboxRetentionJobParams struct {
	Logger     *logger.Logger
	Repository inboxRetentionRepo
	Days       int
}

// NewInboxRetentionJob purges PROCESSED inbox rows past the retention window.
func NewInboxRetentionJob(params InboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("inbox repository required")
	}
	days := params.Days
	if days <= 0 {
		days = defaultRetentionDays
	}
	return &inboxRetentionJob{
		logg: params.Logger,
		repo: params.Repository,
		days: days,
		now:  time.Now,
	}, nil
}

type inboxRetentionJob struct {
	logg *logger.Logger
	repo inboxRetentionRepo
	days int
	now  func() time.Time
}

func (j *inboxRetentionJob) Name() string { return "inbox-retention" }

func (j *inboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.days) * 24 * time.Hour)
	deleted, err := j.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("inbox retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.days,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "inbox retention cleanup complete")
	return nil
}
