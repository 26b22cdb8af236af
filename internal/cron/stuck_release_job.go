package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/pkg/logger"
)

const defaultVisibilityTimeout = 10 * time.Minute

type stuckReleaser interface {
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

type StuckReleaseJobParams struct {
	Logger *logger.Logger
	// Outbox and Inbox are the message repositories; either may be nil when
	// the deployment runs only one side of the pipeline.
	Outbox            stuckReleaser
	Inbox             stuckReleaser
	VisibilityTimeout time.Duration
}

// NewStuckReleaseJob returns PROCESSING rows whose worker died back to
// PENDING, on both tables. This is the visibility-timeout recovery pass.
func NewStuckReleaseJob(params StuckReleaseJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Outbox == nil && params.Inbox == nil {
		return nil, fmt.Errorf("at least one of the outbox or inbox repositories required")
	}
	visibility := params.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &stuckReleaseJob{
		logg:       params.Logger,
		outbox:     params.Outbox,
		inbox:      params.Inbox,
		visibility: visibility,
	}, nil
}

type stuckReleaseJob struct {
	logg       *logger.Logger
	outbox     stuckReleaser
	inbox      stuckReleaser
	visibility time.Duration
}

func (j *stuckReleaseJob) Name() string { return "stuck-message-release" }

func (j *stuckReleaseJob) Run(ctx context.Context) error {
	var outboxReleased, inboxReleased int64
	if j.outbox != nil {
		released, err := j.outbox.ReleaseStuck(ctx, j.visibility)
		if err != nil {
			return fmt.Errorf("outbox stuck release: %w", err)
		}
		outboxReleased = released
	}
	if j.inbox != nil {
		released, err := j.inbox.ReleaseStuck(ctx, j.visibility)
		if err != nil {
			return fmt.Errorf("inbox stuck release: %w", err)
		}
		inboxReleased = released
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"outbox_released": outboxReleased,
		"inbox_released":  inboxReleased,
	})
	j.logg.Info(logCtx, "stuck message release complete")
	return nil
}
