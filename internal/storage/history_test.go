package storage

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakonstad/ihht-companion/internal/session"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), testLogger(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func summaryFor(id string, startingLevel, endingLevel int, start time.Time) session.Summary {
	return session.Summary{
		SessionID: id,
		UserID:    "user-1",
		Config: session.Config{
			TotalCycles:               5,
			HypoxicDurationSeconds:    420,
			HyperoxicDurationSeconds:  180,
			TransitionDurationSeconds: 30,
			StartingAltitudeLevel:     startingLevel,
		},
		StartTime:           start,
		EndTime:             start.Add(50 * time.Minute),
		EndingAltitudeLevel: endingLevel,
		MaskLiftCount:       1,
		MinSpO2:             84,
		AvgSpO2:             88.5,
		CompletionRate:      1.0,
		Completed:           true,
		Score:               70,
		Category:            session.CategoryGood,
	}
}

func TestOpen_AppliesMigrationsIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(context.Background(), testLogger(), dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A second open re-runs the migration check without error.
	store, err = Open(context.Background(), testLogger(), dbPath)
	require.NoError(t, err)
	defer store.Close()

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestUserProgression_EmptyHistory(t *testing.T) {
	store := openTestStore(t)

	input, err := store.UserProgression(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Nil(t, input.LastSession)
	assert.Zero(t, input.TotalSessions)
}

func TestSaveSummaryAndLoadProgression(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.SaveSummary(ctx, summaryFor("s1", 5, 5, now.AddDate(0, 0, -12))))
	require.NoError(t, store.SaveSummary(ctx, summaryFor("s2", 5, 6, now.AddDate(0, 0, -7))))
	require.NoError(t, store.SaveSummary(ctx, summaryFor("s3", 6, 7, now.AddDate(0, 0, -2))))

	input, err := store.UserProgression(ctx, "user-1", 0)
	require.NoError(t, err)

	require.NotNil(t, input.LastSession)
	assert.Equal(t, 7, input.LastSession.EndingAltitudeLevel)
	assert.True(t, input.LastSession.HasEndingLevel)
	assert.Equal(t, 3, input.TotalSessions)
	assert.Equal(t, 2, input.DaysSinceLastSession)
	require.Len(t, input.Sessions, 3)
	// Most recent first.
	assert.Equal(t, 7, input.Sessions[0].EndingAltitudeLevel)
	assert.Equal(t, 5, input.Sessions[2].EndingAltitudeLevel)
	// 7 > 6 > 5 newest-first is strictly rising.
	assert.Equal(t, session.TrendImproving, input.Trend)
}

func TestUserProgression_TrendDerivation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Declining: 7, 6, 5 oldest to newest.
	require.NoError(t, store.SaveSummary(ctx, summaryFor("d1", 7, 7, now.AddDate(0, 0, -6))))
	require.NoError(t, store.SaveSummary(ctx, summaryFor("d2", 7, 6, now.AddDate(0, 0, -4))))
	require.NoError(t, store.SaveSummary(ctx, summaryFor("d3", 6, 5, now.AddDate(0, 0, -2))))

	input, err := store.UserProgression(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, session.TrendDeclining, input.Trend)

	// One more at the same level breaks the strict fall: stable.
	require.NoError(t, store.SaveSummary(ctx, summaryFor("d4", 5, 5, now.AddDate(0, 0, -1))))
	input, err = store.UserProgression(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, session.TrendStable, input.Trend)
}

func TestUserProgression_WindowBoundsSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 15; i++ {
		id := string(rune('a'+i)) + "-session"
		require.NoError(t, store.SaveSummary(ctx, summaryFor(id, 6, 6, now.AddDate(0, 0, -i))))
	}

	input, err := store.UserProgression(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, input.Sessions, 10)
	assert.Equal(t, 15, input.TotalSessions)
}

func TestUserProgression_IsolatedPerUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sum := summaryFor("s1", 6, 6, time.Now().AddDate(0, 0, -1))
	sum.UserID = "someone-else"
	require.NoError(t, store.SaveSummary(ctx, sum))

	input, err := store.UserProgression(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Zero(t, input.TotalSessions)
}

func TestSaveSummary_RetryIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sum := summaryFor("s1", 6, 7, time.Now().AddDate(0, 0, -1))
	require.NoError(t, store.SaveSummary(ctx, sum))
	require.NoError(t, store.SaveSummary(ctx, sum))

	input, err := store.UserProgression(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, input.TotalSessions)
}
