// Package audit is the optional diagnostic sink for dump and fanout event
// sequences: off by default, enabled via audit.enabled, it records a
// compressed trail of what each peer branch was told and when, so a
// convergence question ("why did this peer never see prefix X") can be
// answered from Postgres instead of from a live process's memory.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/bgpcore/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("audit: zstd encoder init: %v", err))
	}
}

// Kind names the event class one Row records.
type Kind string

const (
	KindDumpEntry    Kind = "dump_entry"
	KindDecisionAdd  Kind = "decision_add"
	KindDecisionRepl Kind = "decision_replace"
	KindDecisionDel  Kind = "decision_delete"
	KindFanoutReset  Kind = "fanout_reset"
)

// Row is one event destined for dump_audit_log.
type Row struct {
	AFI       string
	SAFI      string
	Peer      string
	Prefix    string
	Genid     uint64
	Kind      Kind
	Detail    []byte // a small JSON/PA-list blob, compressed if Compress is set
	Reason    string
	Timestamp time.Time
}

// Writer batches Rows into Postgres. Compress gates whether Detail is
// zstd-compressed before insertion: the PA-list blobs this carries are
// decently repetitive across adjacent rows (shared communities, AS paths),
// so compression pays for itself at any real audit volume.
type Writer struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	compress bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, compress bool) *Writer {
	return &Writer{pool: pool, logger: logger, compress: compress}
}

// FlushBatch inserts rows into dump_audit_log in one transaction and
// returns how many were written.
func (w *Writer) FlushBatch(ctx context.Context, rows []Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO dump_audit_log (ts, afi, safi, peer, prefix, genid, kind, reason, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, r := range rows {
		detail := r.Detail
		if w.compress && len(detail) > 0 {
			detail = zstdEncoder.EncodeAll(detail, nil)
		}
		batch.Queue(insertSQL, r.Timestamp, r.AFI, r.SAFI, r.Peer, r.Prefix, r.Genid, string(r.Kind), nilIfEmpty(r.Reason), detail)
	}

	results := tx.SendBatch(ctx, batch)
	var inserted int64
	for i := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert dump_audit_log[%d]: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.AuditWriteDuration.WithLabelValues("insert").Observe(dur)
	return inserted, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
