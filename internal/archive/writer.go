package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proposalforge/collabd/internal/telemetry"
)

// Config holds archive writer settings.
type Config struct {
	Instance      string
	FlushInterval time.Duration
	BatchSize     int
}

// SnapshotSource supplies the rows to archive.
type SnapshotSource interface {
	Snapshot() []telemetry.SessionMetrics
}

type metricsRow struct {
	Instance         string
	CapturedAt       int64 // Unix microseconds
	SessionID        string
	ClientID         string
	UserID           string
	Active           bool
	MeanLatencyMS    float64
	P95LatencyMS     float64
	ThroughputPerSec float64
	Reconnects       int
}

// WriterMetrics tracks archive writer activity.
type WriterMetrics struct {
	Inserts int64
	Flushes int64
	Errors  int64
}

// Writer samples a snapshot source on a ticker and batch-inserts the rows.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	source SnapshotSource
	db     *pgxpool.Pool

	batch       []metricsRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewWriter creates an archive writer.
func NewWriter(cfg Config, source SnapshotSource, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		source: source,
		db:     db,
		logger: logger,
		batch:  make([]metricsRow, 0, cfg.BatchSize),
	}
}

// Start begins sampling and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.collectLoop()

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("archive writer stopped")
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
	}

	// Final flush
	w.flush(context.Background())

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// collectLoop samples the snapshot source every flush interval.
func (w *Writer) collectLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.collect()
		}
	}
}

// collect transforms the current snapshot into rows and flushes.
func (w *Writer) collect() {
	snap := w.source.Snapshot()
	if len(snap) == 0 {
		return
	}

	capturedAt := time.Now().UnixMicro()

	w.batchMu.Lock()
	for _, m := range snap {
		w.batch = append(w.batch, w.transform(m, capturedAt))
	}
	w.batchMu.Unlock()

	w.flush(w.ctx)
}

// transform converts one snapshot entry to a row.
func (w *Writer) transform(m telemetry.SessionMetrics, capturedAt int64) metricsRow {
	return metricsRow{
		Instance:         w.cfg.Instance,
		CapturedAt:       capturedAt,
		SessionID:        m.SessionID,
		ClientID:         m.ClientID,
		UserID:           m.UserID,
		Active:           m.Active,
		MeanLatencyMS:    m.MeanLatencyMS,
		P95LatencyMS:     m.P95LatencyMS,
		ThroughputPerSec: m.ThroughputPerSec,
		Reconnects:       m.Reconnects,
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]metricsRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed telemetry rows",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *Writer) batchInsert(ctx context.Context, rows []metricsRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO collab_telemetry (
				instance, captured_at, session_id, client_id, user_id, active,
				mean_latency_ms, p95_latency_ms, throughput_per_sec, reconnects
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, r.Instance, r.CapturedAt, r.SessionID, r.ClientID, r.UserID, r.Active,
			r.MeanLatencyMS, r.P95LatencyMS, r.ThroughputPerSec, r.Reconnects)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
