package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink batches Rows off a buffered channel and flushes them to a Writer on
// a ticker, the same size/interval-triggered shape the record-batching
// loop elsewhere in this tree uses. Record is non-blocking: a full buffer
// drops the row rather than stall the event loop that produced it, since
// this is a diagnostic trail, not the routing path of record.
type Sink struct {
	writer        *Writer
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration
	rows          chan Row
	dropped       int64
}

// NewSink constructs a Sink. bufferSize bounds how many rows can be
// queued before Record starts dropping.
func NewSink(writer *Writer, batchSize int, flushInterval time.Duration, bufferSize int, logger *zap.Logger) *Sink {
	return &Sink{
		writer:        writer,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		rows:          make(chan Row, bufferSize),
	}
}

// Record enqueues a row, or drops it and counts the drop if the buffer is
// full.
func (s *Sink) Record(r Row) {
	select {
	case s.rows <- r:
	default:
		s.dropped++
	}
}

// Dropped reports how many rows have been dropped for a full buffer since
// startup.
func (s *Sink) Dropped() int64 { return s.dropped }

// Run drains rows into batches until ctx is cancelled, flushing whichever
// comes first: batchSize rows accumulated, or flushInterval elapsed since
// the last flush.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var batch []Row
	flush := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.writer.FlushBatch(flushCtx, batch); err != nil {
			s.logger.Error("audit batch flush failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case r := <-s.rows:
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
