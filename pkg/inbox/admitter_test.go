package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/pkg/enums"
)

func newTestAdmitter(t *testing.T) (*Admitter, *Repository, func() int64) {
	t.Helper()
	conn, _ := newTestDB(t)
	repo := NewRepository(conn)
	admitter, err := NewAdmitter(AdmitterParams{
		Repository: repo,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	count := func() int64 {
		var n int64
		require.NoError(t, conn.Table("inbox_messages").Count(&n).Error)
		return n
	}
	return admitter, repo, count
}

func TestAdmitCreatesPendingRow(t *testing.T) {
	admitter, _, count := newTestAdmitter(t)

	row, duplicate, err := admitter.Admit(context.Background(), admitFixture(t, "order.created"))
	require.NoError(t, err)
	require.False(t, duplicate)
	require.Equal(t, enums.InboxStatusPending, row.Status)
	require.Equal(t, 0, row.RetryCount)
	require.False(t, row.ReceivedAt.IsZero())
	require.EqualValues(t, 1, count())
}

func TestAdmitDuplicateKeepsFirstPayload(t *testing.T) {
	admitter, repo, count := newTestAdmitter(t)
	ctx := context.Background()

	params := admitFixture(t, "order.created")
	first, duplicate, err := admitter.Admit(ctx, params)
	require.NoError(t, err)
	require.False(t, duplicate)

	second := params
	second.Payload = json.RawMessage(`{"k":2}`)
	row, duplicate, err := admitter.Admit(ctx, second)
	require.NoError(t, err)
	require.True(t, duplicate)
	require.Nil(t, row)
	require.EqualValues(t, 1, count())

	stored, err := repo.FindByMessageID(ctx, params.MessageID.String())
	require.NoError(t, err)
	require.JSONEq(t, `{"k":1}`, string(stored.Payload))
	require.Equal(t, first.ID, stored.ID)
}

func TestAdmitValidation(t *testing.T) {
	admitter, _, count := newTestAdmitter(t)
	ctx := context.Background()

	cases := []func(*AdmitParams){
		func(p *AdmitParams) { p.MessageID = uuid.Nil },
		func(p *AdmitParams) { p.SourceService = "" },
		func(p *AdmitParams) { p.EventType = "" },
		func(p *AdmitParams) { p.Payload = nil },
	}
	for _, mutate := range cases {
		params := admitFixture(t, "order.created")
		mutate(&params)
		_, _, err := admitter.Admit(ctx, params)
		require.Error(t, err)
	}
	require.Zero(t, count())
}

// fakeDedup simulates the redis fast path.
type fakeDedup struct {
	seen    map[string]bool
	setErr  error
	deleted []string
}

func (f *fakeDedup) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	if f.setErr != nil {
		return false, f.setErr
	}
	if f.seen[key] {
		return false, nil
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeDedup) Del(_ context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys...)
	for _, k := range keys {
		delete(f.seen, k)
	}
	return nil
}

func (f *fakeDedup) IdempotencyKey(scope, id string) string {
	return "rk:idempotency:" + scope + ":" + id
}

func TestAdmitDedupFastPathDropsDuplicate(t *testing.T) {
	conn, _ := newTestDB(t)
	repo := NewRepository(conn)
	dedup := &fakeDedup{}
	admitter, err := NewAdmitter(AdmitterParams{
		Repository: repo,
		Logger:     testLogger(),
		Dedup:      dedup,
	})
	require.NoError(t, err)
	ctx := context.Background()

	params := admitFixture(t, "order.created")
	_, duplicate, err := admitter.Admit(ctx, params)
	require.NoError(t, err)
	require.False(t, duplicate)

	_, duplicate, err = admitter.Admit(ctx, params)
	require.NoError(t, err)
	require.True(t, duplicate)

	var count int64
	require.NoError(t, conn.Table("inbox_messages").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestAdmitDedupFailsOpen(t *testing.T) {
	conn, _ := newTestDB(t)
	repo := NewRepository(conn)
	dedup := &fakeDedup{setErr: errors.New("redis down")}
	admitter, err := NewAdmitter(AdmitterParams{
		Repository: repo,
		Logger:     testLogger(),
		Dedup:      dedup,
	})
	require.NoError(t, err)

	// redis being unavailable must not block admission; the DB constraint
	// still dedups
	params := admitFixture(t, "order.created")
	_, duplicate, err := admitter.Admit(context.Background(), params)
	require.NoError(t, err)
	require.False(t, duplicate)

	_, duplicate, err = admitter.Admit(context.Background(), params)
	require.NoError(t, err)
	require.True(t, duplicate)
}
