package deliverylog

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zachbroad/hookline/internal/model"
)

type memStore struct {
	rows        map[uuid.UUID]*model.DeliveryLog
	updates     []model.DeliveryUpdate
	olderCutoff time.Time
	keep        int
	counts      model.DeliveryStats
	todayStart  time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: map[uuid.UUID]*model.DeliveryLog{}}
}

func (m *memStore) Insert(_ context.Context, e *model.DeliveryLog) (uuid.UUID, error) {
	id := uuid.New()
	cp := *e
	cp.ID = id
	m.rows[id] = &cp
	return id, nil
}

func (m *memStore) UpdateByID(_ context.Context, id uuid.UUID, upd model.DeliveryUpdate) error {
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	m.updates = append(m.updates, upd)
	row.Status = upd.Status
	row.ResponseBody = upd.ResponseBody
	row.AttemptNumber = upd.AttemptNumber
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*model.DeliveryLog, error) {
	row, ok := m.rows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return row, nil
}

func (m *memStore) Query(context.Context, model.DeliveryFilter, int, int) ([]model.DeliveryLog, error) {
	return nil, nil
}

func (m *memStore) Count(context.Context, model.DeliveryFilter) (int64, error) {
	return int64(len(m.rows)), nil
}

func (m *memStore) Counts(_ context.Context, todayStart time.Time) (model.DeliveryStats, error) {
	m.todayStart = todayStart
	return m.counts, nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.olderCutoff = cutoff
	return 2, nil
}

func (m *memStore) DeleteExceeding(_ context.Context, keep int) (int64, error) {
	m.keep = keep
	return 3, nil
}

func (m *memStore) DeleteByWebhook(context.Context, uuid.UUID) (int64, error) { return 0, nil }
func (m *memStore) DeleteAll(context.Context) (int64, error)                  { return 0, nil }

func TestBeginInsertsPendingRow(t *testing.T) {
	store := newMemStore()
	l := New(store, 0)
	entry := &model.DeliveryLog{WebhookID: uuid.New(), TriggerKey: "post.published"}

	id, err := l.Begin(context.Background(), entry)
	require.NoError(t, err)

	row, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, row.Status)
	assert.Equal(t, 1, row.AttemptNumber)
	assert.False(t, row.CreatedAt.IsZero())
	assert.Equal(t, id, entry.ID)
}

func TestFinishTruncatesBody(t *testing.T) {
	store := newMemStore()
	l := New(store, 100)
	id, err := l.Begin(context.Background(), &model.DeliveryLog{})
	require.NoError(t, err)

	body := strings.Repeat("x", 500)
	code := 200
	require.NoError(t, l.Finish(context.Background(), id, model.DeliveryUpdate{
		ResponseCode:  &code,
		ResponseBody:  &body,
		Status:        model.DeliverySuccess,
		AttemptNumber: 1,
	}))

	row := store.rows[id]
	require.NotNil(t, row.ResponseBody)
	assert.Len(t, *row.ResponseBody, 100)
	assert.True(t, strings.HasSuffix(*row.ResponseBody, TruncationMarker))
	assert.Equal(t, model.DeliverySuccess, row.Status)
}

func TestFinishUnknownRow(t *testing.T) {
	l := New(newMemStore(), 0)
	err := l.Finish(context.Background(), uuid.New(), model.DeliveryUpdate{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))

	ascii := strings.Repeat("a", DefaultBodyLimit+10)
	out := Truncate(ascii, DefaultBodyLimit)
	assert.Len(t, out, DefaultBodyLimit)

	exact := strings.Repeat("a", DefaultBodyLimit)
	assert.Equal(t, exact, Truncate(exact, DefaultBodyLimit))

	multi := strings.Repeat("é", 100)
	cut := Truncate(multi, 51)
	assert.True(t, utf8.ValidString(cut))
	assert.LessOrEqual(t, len(cut), 51)
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, float64(100), SuccessRate(0, 0))
	assert.Equal(t, float64(75), SuccessRate(3, 1))
	assert.Equal(t, 66.67, SuccessRate(2, 1))
	assert.Equal(t, float64(0), SuccessRate(0, 4))
}

func TestStatsUsesStartOfDay(t *testing.T) {
	store := newMemStore()
	store.counts = model.DeliveryStats{Total: 5, Success: 3, Failed: 1, Pending: 1}
	l := New(store, 0)
	l.now = func() time.Time { return time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC) }

	stats, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(75), stats.SuccessRate)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), store.todayStart)
}

func TestPrune(t *testing.T) {
	store := newMemStore()
	l := New(store, 0)
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	n, err := l.Prune(context.Background(), RetentionPolicy{Days: 30, MaxEntries: 1000})
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, now.AddDate(0, 0, -30), store.olderCutoff)
	assert.Equal(t, 1000, store.keep)
}

func TestPruneDisabledRules(t *testing.T) {
	store := newMemStore()
	l := New(store, 0)

	n, err := l.Prune(context.Background(), RetentionPolicy{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, store.olderCutoff.IsZero())
	assert.Zero(t, store.keep)
}

func TestPruneJob(t *testing.T) {
	store := newMemStore()
	l := New(store, 0)
	job := l.PruneJob(RetentionPolicy{MaxEntries: 10})
	require.NoError(t, job(context.Background(), nil))
	assert.Equal(t, 10, store.keep)
}
