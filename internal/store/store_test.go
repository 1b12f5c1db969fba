package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/loadgen"
	"github.com/skobkin/gpu-monitor/internal/logging"
	"github.com/skobkin/gpu-monitor/internal/sampler"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "gpu_metrics.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleAt(epoch int64, temp float64, powerAvailable bool) sampler.Sample {
	s := sampler.Sample{
		Epoch:          epoch,
		Timestamp:      sampler.FormatTimestamp(epoch),
		Temperature:    temp,
		Utilization:    42.5,
		Memory:         3072,
		PowerAvailable: powerAvailable,
	}
	if powerAvailable {
		s.Power = 155.25
	}
	return s
}

func TestAppendWindowRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := []sampler.Sample{
		sampleAt(1_700_000_000, 61, true),
		sampleAt(1_700_000_004, 62.5, false),
		sampleAt(1_700_000_008, 95, true),
	}
	for _, sample := range in {
		require.NoError(t, s.Append(ctx, sample))
	}

	out, err := s.Window(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	assert.False(t, out[1].PowerAvailable)
	assert.Nil(t, out[1].PowerWatts())
}

func TestWindowBoundsAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendBatch(ctx, []sampler.Sample{
		sampleAt(300, 50, true),
		sampleAt(100, 50, true),
		sampleAt(200, 50, true),
	}))

	window, err := s.Window(ctx, 200)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, int64(200), window[0].Epoch)
	assert.Equal(t, int64(300), window[1].Epoch)

	since, err := s.Since(ctx, 200)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(300), since[0].Epoch)
}

func TestPruneIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for epoch := int64(0); epoch < 10; epoch++ {
		require.NoError(t, s.Append(ctx, sampleAt(1000+epoch, 40, true)))
	}

	deleted, err := s.Prune(ctx, 1005)
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)

	deleted, err = s.Prune(ctx, 1005)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	remaining, err := s.Window(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1005), remaining[0].Epoch)
}

func TestAppendBatchCountsExactly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, sampleAt(1, 40, true)))
	before, err := s.Count(ctx)
	require.NoError(t, err)

	batch := make([]sampler.Sample, 250)
	for i := range batch {
		batch[i] = sampleAt(int64(100+i), 50, i%7 != 0)
	}
	require.NoError(t, s.AppendBatch(ctx, batch))

	after, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+250, after)
}

func TestAppendBatchAllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendBatch(ctx, []sampler.Sample{sampleAt(1, 40, true), sampleAt(2, 40, true)}))
	before, err := s.Count(ctx)
	require.NoError(t, err)

	// SQLite binds NaN as NULL, which violates NOT NULL half-way through the batch.
	batch := []sampler.Sample{sampleAt(10, 40, true), sampleAt(11, 40, true), sampleAt(12, math.NaN(), true), sampleAt(13, 40, true)}
	err = s.AppendBatch(ctx, batch)
	require.Error(t, err)
	assert.True(t, gmerrors.HasCode(err, gmerrors.ErrCodeStoreWrite))
	assert.True(t, gmerrors.IsTransient(err))

	after, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The writer must be usable after the rollback.
	require.NoError(t, s.Append(ctx, sampleAt(20, 40, true)))
}

func TestAppendBatchRollbackWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, db, logging.Discard())
	insert := regexp.QuoteMeta(insertSample)

	mock.ExpectBegin()
	mock.ExpectExec(insert).WithArgs(sqlmock.AnyArg(), int64(1), 40.0, 42.5, 3072.0, 155.25, 1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insert).WithArgs(sqlmock.AnyArg(), int64(2), 40.0, 42.5, 3072.0, 0.0, 0).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.AppendBatch(context.Background(), []sampler.Sample{
		sampleAt(1, 40, true),
		sampleAt(2, 40, false),
		sampleAt(3, 40, true),
	})
	require.Error(t, err)
	assert.True(t, gmerrors.HasCode(err, gmerrors.ErrCodeStoreWrite))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatchCommitWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, nil, logging.Discard())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertSample)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendBatch(context.Background(), []sampler.Sample{sampleAt(5, 40, true)}))
	require.NoError(t, s.AppendBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWaitsForWriterLockWithinContext(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.lock(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Append(ctx, sampleAt(1, 40, true))
	require.Error(t, err)
	assert.True(t, gmerrors.HasCode(err, gmerrors.ErrCodeStoreWrite))
	assert.True(t, gmerrors.HasCode(err, gmerrors.ErrCodeTimeout))
	assert.Less(t, time.Since(start), time.Second)

	s.unlock()
	require.NoError(t, s.Append(context.Background(), sampleAt(1, 40, true)))
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for epoch := int64(0); epoch < 5; epoch++ {
		require.NoError(t, s.Append(ctx, sampleAt(epoch, 45, true)))
	}

	var wg sync.WaitGroup
	for w := 1; w <= 4; w++ {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			for i := int64(0); i < 50; i++ {
				assert.NoError(t, s.Append(ctx, sampleAt(offset*1000+i, 45, true)))
			}
		}(int64(w))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := s.Prune(ctx, 5)
			assert.NoError(t, err)
			samples, err := s.Window(ctx, 0)
			assert.NoError(t, err)
			for j := 1; j < len(samples); j++ {
				assert.LessOrEqual(t, samples[j-1].Epoch, samples[j].Epoch)
			}
		}
	}()
	wg.Wait()

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), count)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpu_metrics.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i*31 + 7)
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	_, err := Open(context.Background(), path, logging.Discard())
	require.Error(t, err)
	assert.True(t, gmerrors.HasCode(err, gmerrors.ErrCodeStoreCorruption))
	assert.False(t, gmerrors.IsTransient(err))
}

func TestOpenMigratesLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpu_metrics.db")
	legacy, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`CREATE TABLE gpu_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		timestamp_epoch INTEGER NOT NULL,
		temperature REAL NOT NULL,
		utilization REAL NOT NULL,
		memory REAL NOT NULL,
		power REAL NOT NULL)`)
	require.NoError(t, err)
	_, err = legacy.Exec(`INSERT INTO gpu_metrics (timestamp, timestamp_epoch, temperature, utilization, memory, power) VALUES ('01-01 00:00:00', 10, 50, 10, 900, 80), ('01-01 00:00:04', 14, 50, 10, 900, 0)`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := Open(context.Background(), path, logging.Discard())
	require.NoError(t, err)
	defer s.Close()

	samples, err := s.Window(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.True(t, samples[0].PowerAvailable)
	assert.Equal(t, 80.0, samples[0].Power)
	assert.False(t, samples[1].PowerAvailable, "legacy zero power means the reading was unavailable")
	assert.Nil(t, samples[1].PowerWatts())

	// Reopening must not touch rows written after the upgrade.
	require.NoError(t, s.Append(context.Background(), sampleAt(18, 50, true)))
	require.NoError(t, s.Close())
	s, err = Open(context.Background(), path, logging.Discard())
	require.NoError(t, err)
	defer s.Close()
	samples, err = s.Window(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.True(t, samples[2].PowerAvailable)

	var indexName string
	require.NoError(t, s.reader.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'gpu_metrics'`).Scan(&indexName))
	assert.Equal(t, "idx_gpu_metrics_timestamp_epoch", indexName)
}

func TestWindowAndPruneUseEpochIndex(t *testing.T) {
	s := openTestStore(t)
	for _, query := range []string{
		"EXPLAIN QUERY PLAN " + selectFrom,
		"EXPLAIN QUERY PLAN " + deleteBefore,
	} {
		rows, err := s.writer.Query(query, 0)
		require.NoError(t, err)
		var plan string
		for rows.Next() {
			var id, parent, notUsed int
			var detail string
			require.NoError(t, rows.Scan(&id, &parent, &notUsed, &detail))
			plan += detail + "\n"
		}
		require.NoError(t, rows.Err())
		rows.Close()
		assert.Contains(t, plan, "idx_gpu_metrics_timestamp_epoch", query)
	}
}

func TestThreeDayLoadPruneAndReclaim(t *testing.T) {
	if testing.Short() {
		t.Skip("loads 64800 samples")
	}
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 4, 15, 0, 0, 0, time.UTC)
	res, err := loadgen.Load(ctx, s, loadgen.Options{
		End:      now,
		Span:     72 * time.Hour,
		Interval: 4 * time.Second,
		Seed:     3,
	}, logging.Discard())
	require.NoError(t, err)
	require.Equal(t, 64800, res.Samples)

	require.NoError(t, s.Reclaim(ctx))
	before, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(64800), before.Rows)

	cutoff := now.Add(-(24*time.Hour + 10*time.Minute)).Unix()
	var expected int64
	for epoch := res.FromUnix; epoch < res.ToUnix; epoch += 4 {
		if epoch >= cutoff {
			expected++
		}
	}

	deleted, err := s.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(64800)-expected, deleted)

	afterPrune, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected, afterPrune.Rows)
	assert.Greater(t, afterPrune.ReclaimableBytes(), int64(0))

	require.NoError(t, s.Reclaim(ctx))
	after, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected, after.Rows)
	assert.Zero(t, after.FreelistCount)
	assert.Less(t, after.TotalBytes(), before.TotalBytes()*6/10,
		"store should shrink materially: before=%d after=%d", before.TotalBytes(), after.TotalBytes())
}
