package importer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/chirp-store/internal/importer"
	"github.com/koopa0/system-design/chirp-store/internal/testutils"
)

func TestPostgresLedger(t *testing.T) {
	env := testutils.SetupTestEnvironmentWithPostgres(t)
	ledger := importer.NewPostgresLedger(env.PostgresPool)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("record and list", func(t *testing.T) {
		env.TruncateImportRuns(t)

		first := &importer.Summary{
			Source:     "archive/2018-02-25",
			StartedAt:  base,
			FinishedAt: base.Add(90 * time.Second),
			Read:       1000,
			Imported:   700,
			Filtered:   250,
			Skipped:    40,
			Failed:     10,
			Users:      512,
		}
		second := &importer.Summary{
			Source:     "tweets.jsonl",
			StartedAt:  base.Add(time.Hour),
			FinishedAt: base.Add(time.Hour + time.Second),
			Read:       3,
			Error:      "context canceled",
		}

		require.NoError(t, ledger.RecordRun(ctx, first))
		require.NoError(t, ledger.RecordRun(ctx, second))
		assert.NotZero(t, first.ID)
		assert.Greater(t, second.ID, first.ID)

		runs, err := ledger.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)

		// 新到舊
		assert.Equal(t, second.ID, runs[0].ID)
		assert.Equal(t, "context canceled", runs[0].Error)

		got := runs[1]
		assert.Equal(t, first.Source, got.Source)
		assert.True(t, first.StartedAt.Equal(got.StartedAt))
		assert.Equal(t, 90*time.Second, got.Duration())
		assert.Equal(t, 1000, got.Read)
		assert.Equal(t, 700, got.Imported)
		assert.Equal(t, 250, got.Filtered)
		assert.Equal(t, 40, got.Skipped)
		assert.Equal(t, 10, got.Failed)
		assert.Equal(t, 512, got.Users)
		assert.Empty(t, got.Error, "empty error is stored as NULL")
	})

	t.Run("clock stepped backwards", func(t *testing.T) {
		env.TruncateImportRuns(t)

		s := &importer.Summary{
			Source:     "tweets.jsonl",
			StartedAt:  base,
			FinishedAt: base.Add(-2 * time.Second),
			Read:       3,
			Imported:   3,
		}
		require.NoError(t, ledger.RecordRun(ctx, s))
		assert.NotZero(t, s.ID)

		runs, err := ledger.ListRuns(ctx, 1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.True(t, base.Equal(runs[0].FinishedAt))
		assert.Zero(t, runs[0].Duration())
	})

	t.Run("limit", func(t *testing.T) {
		env.TruncateImportRuns(t)

		for i := range 5 {
			s := &importer.Summary{Source: "batch", StartedAt: base.Add(time.Duration(i) * time.Minute), FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second)}
			require.NoError(t, ledger.RecordRun(ctx, s))
		}

		runs, err := ledger.ListRuns(ctx, 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.True(t, runs[0].StartedAt.Equal(base.Add(4*time.Minute)))

		runs, err = ledger.ListRuns(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("importer writes to the ledger", func(t *testing.T) {
		env.TruncateImportRuns(t)

		im := importer.New(testutils.NewMockStore(), importer.Options{Lang: "en"}, quietLogger()).WithRecorder(ledger)
		summary, err := im.Run(ctx, "testdata/tweets.jsonl")
		require.NoError(t, err)
		require.NotZero(t, summary.ID)

		runs, err := ledger.ListRuns(ctx, 1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, summary.ID, runs[0].ID)
		assert.Equal(t, 3, runs[0].Imported)
	})
}

func TestNewPool_InvalidDSN(t *testing.T) {
	_, err := importer.NewPool(context.Background(), "postgres://%zz", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse postgres config")
}
