// Package store persists samples in a single-file SQLite time-series table.
//
// All write transactions (append, batch append, prune, reclaim) are
// serialized through one writer connection guarded by a context-aware lock,
// so a compaction pass and a sample insert never overlap. Reads go through a
// separate pool and see a consistent WAL snapshot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/sampler"
)

const (
	busyTimeoutMS  = 5000
	readerPoolSize = 4
)

const (
	createTable = `CREATE TABLE IF NOT EXISTS gpu_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	timestamp_epoch INTEGER NOT NULL,
	temperature REAL NOT NULL,
	utilization REAL NOT NULL,
	memory REAL NOT NULL,
	power REAL NOT NULL,
	power_available INTEGER NOT NULL DEFAULT 1
)`
	createIndex  = `CREATE INDEX IF NOT EXISTS idx_gpu_metrics_timestamp_epoch ON gpu_metrics(timestamp_epoch)`
	addPowerFlag = `ALTER TABLE gpu_metrics ADD COLUMN power_available INTEGER NOT NULL DEFAULT 1`

	// Legacy rows stored unavailable power as 0; valid readings are never below PowerMin.
	flagLegacyPower = `UPDATE gpu_metrics SET power_available = 0, power = 0 WHERE power < ?`

	insertSample = `INSERT INTO gpu_metrics (timestamp, timestamp_epoch, temperature, utilization, memory, power, power_available) VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectFrom   = `SELECT timestamp, timestamp_epoch, temperature, utilization, memory, power, power_available FROM gpu_metrics WHERE timestamp_epoch >= ? ORDER BY timestamp_epoch ASC, id ASC`
	selectAfter  = `SELECT timestamp, timestamp_epoch, temperature, utilization, memory, power, power_available FROM gpu_metrics WHERE timestamp_epoch > ? ORDER BY timestamp_epoch ASC, id ASC`
	countAll     = `SELECT COUNT(*) FROM gpu_metrics`
	deleteBefore = `DELETE FROM gpu_metrics WHERE timestamp_epoch < ?`
)

// Store is the time-series store.
type Store struct {
	path   string
	writer *sql.DB
	reader *sql.DB
	logger *slog.Logger

	writeLock chan struct{}
}

// Open opens or creates the store at path, applies the schema and verifies
// integrity. Any failure here is a STORE_CORRUPTION error and must stop startup.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, gmerrors.New(gmerrors.ErrCodeConfig, "store path must be set")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, gmerrors.WrapWithContext(gmerrors.ErrCodeStoreCorruption, "create store directory", err, map[string]any{"path": path})
		}
	}

	writer, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, corruption("open store", path, err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := migrate(ctx, writer); err != nil {
		_ = writer.Close()
		return nil, corruption("apply schema", path, err)
	}
	if err := integrityCheck(ctx, writer); err != nil {
		_ = writer.Close()
		return nil, corruption("integrity check", path, err)
	}

	reader, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		_ = writer.Close()
		return nil, corruption("open store reader", path, err)
	}
	reader.SetMaxOpenConns(readerPoolSize)

	if err := reader.PingContext(ctx); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, corruption("ping store reader", path, err)
	}

	s := New(writer, reader, logger)
	s.path = path
	s.logger.Info("store opened", "path", path)
	return s, nil
}

// New wraps already opened handles. The schema is assumed to exist.
func New(writer, reader *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if reader == nil {
		reader = writer
	}
	return &Store{
		writer:    writer,
		reader:    reader,
		logger:    logger.With("component", "store"),
		writeLock: make(chan struct{}, 1),
	}
}

// Path returns the backing file path; empty for stores built with New.
func (s *Store) Path() string {
	return s.path
}

// Append durably writes one sample. Waiting for the writer lock is bounded by ctx.
func (s *Store) Append(ctx context.Context, sample sampler.Sample) error {
	if err := s.lock(ctx); err != nil {
		return writeError("append", err, sample.Epoch)
	}
	defer s.unlock()

	if _, err := s.writer.ExecContext(ctx, insertSample, sampleArgs(sample)...); err != nil {
		return writeError("append", err, sample.Epoch)
	}
	return nil
}

// AppendBatch writes all samples in one transaction. On any failure the
// transaction is rolled back and the store is unchanged.
func (s *Store) AppendBatch(ctx context.Context, samples []sampler.Sample) (err error) {
	if len(samples) == 0 {
		return nil
	}
	first := samples[0].Epoch

	if err := s.lock(ctx); err != nil {
		return writeError("append batch", err, first)
	}
	defer s.unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return writeError("begin batch", err, first)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("batch rollback failed", "err", rbErr)
		}
	}()

	for i, sample := range samples {
		if _, err = tx.ExecContext(ctx, insertSample, sampleArgs(sample)...); err != nil {
			return gmerrors.WrapWithContext(gmerrors.ErrCodeStoreWrite, "append batch", err, map[string]any{
				"epoch": sample.Epoch,
				"index": i,
				"size":  len(samples),
			})
		}
	}
	if err = tx.Commit(); err != nil {
		return writeError("commit batch", err, first)
	}
	return nil
}

// Window returns samples with epoch >= minEpoch in ascending epoch order.
func (s *Store) Window(ctx context.Context, minEpoch int64) ([]sampler.Sample, error) {
	return s.query(ctx, selectFrom, minEpoch)
}

// Since returns samples with epoch > afterEpoch in ascending epoch order.
func (s *Store) Since(ctx context.Context, afterEpoch int64) ([]sampler.Sample, error) {
	return s.query(ctx, selectAfter, afterEpoch)
}

// Count returns the number of live samples.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.QueryRowContext(ctx, countAll).Scan(&n); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// Prune deletes samples with epoch < cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff int64) (int64, error) {
	if err := s.lock(ctx); err != nil {
		return 0, compactionError("prune", err, cutoff)
	}
	defer s.unlock()

	res, err := s.writer.ExecContext(ctx, deleteBefore, cutoff)
	if err != nil {
		return 0, compactionError("prune", err, cutoff)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, compactionError("prune rows affected", err, cutoff)
	}
	return deleted, nil
}

// Reclaim rewrites the database file to release free pages and truncates
// the WAL. Cost is proportional to the store size; callers bound its frequency.
func (s *Store) Reclaim(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return gmerrors.Wrap(gmerrors.ErrCodeCompaction, "reclaim", err)
	}
	defer s.unlock()

	start := time.Now()
	if _, err := s.writer.ExecContext(ctx, "VACUUM"); err != nil {
		return gmerrors.Wrap(gmerrors.ErrCodeCompaction, "vacuum", err)
	}
	if _, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return gmerrors.Wrap(gmerrors.ErrCodeCompaction, "wal checkpoint", err)
	}
	s.logger.Debug("reclaim finished", "elapsed", time.Since(start))
	return nil
}

// Close releases both pools.
func (s *Store) Close() error {
	var errs []error
	if s.reader != nil && s.reader != s.writer {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) query(ctx context.Context, query string, epoch int64) ([]sampler.Sample, error) {
	rows, err := s.reader.QueryContext(ctx, query, epoch)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var samples []sampler.Sample
	for rows.Next() {
		var (
			sample    sampler.Sample
			available int64
		)
		if err := rows.Scan(&sample.Timestamp, &sample.Epoch, &sample.Temperature, &sample.Utilization, &sample.Memory, &sample.Power, &available); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sample.PowerAvailable = available != 0
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return samples, nil
}

func (s *Store) lock(ctx context.Context) error {
	select {
	case s.writeLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return gmerrors.Wrap(gmerrors.ErrCodeTimeout, "wait for writer lock", ctx.Err())
	}
}

func (s *Store) unlock() {
	<-s.writeLock
}

func sampleArgs(sample sampler.Sample) []any {
	available := 0
	power := 0.0
	if sample.PowerAvailable {
		available = 1
		power = sample.Power
	}
	timestamp := sample.Timestamp
	if timestamp == "" {
		timestamp = sampler.FormatTimestamp(sample.Epoch)
	}
	return []any{timestamp, sample.Epoch, sample.Temperature, sample.Utilization, sample.Memory, power, available}
}

func dsn(path string, readOnly bool) string {
	params := []string{fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMS)}
	if readOnly {
		params = append(params, "_pragma=query_only(1)")
	} else {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)", "_txlock=immediate")
	}
	return path + "?" + strings.Join(params, "&")
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	hasFlag, err := hasColumn(ctx, db, "gpu_metrics", "power_available")
	if err != nil {
		return err
	}
	if !hasFlag {
		if _, err := db.ExecContext(ctx, addPowerFlag); err != nil {
			return fmt.Errorf("add power_available column: %w", err)
		}
		if _, err := db.ExecContext(ctx, flagLegacyPower, sampler.PowerMin); err != nil {
			return fmt.Errorf("flag legacy unavailable power: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, createIndex); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func integrityCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}

func corruption(op, path string, err error) error {
	return gmerrors.WrapWithContext(gmerrors.ErrCodeStoreCorruption, op, err, map[string]any{"path": path})
}

func writeError(op string, err error, epoch int64) error {
	return gmerrors.WrapWithContext(gmerrors.ErrCodeStoreWrite, op, err, map[string]any{"epoch": epoch})
}

func compactionError(op string, err error, cutoff int64) error {
	return gmerrors.WrapWithContext(gmerrors.ErrCodeCompaction, op, err, map[string]any{"cutoff": cutoff})
}
