package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// auditRecord is anything the writer can persist.
type auditRecord interface {
	auditID() string
	write(ctx context.Context, db *DB) error
}

func (d *Decision) auditID() string { return d.ID }
func (d *Decision) write(ctx context.Context, db *DB) error {
	return db.LogDecision(ctx, d)
}

func (e *Execution) auditID() string { return e.ID }
func (e *Execution) write(ctx context.Context, db *DB) error {
	return db.LogExecution(ctx, e)
}

// AuditWriter decouples request handling from audit persistence:
// records are buffered and written by a background goroutine with
// retries. When the buffer is full the record is dropped rather than
// blocking a request.
type AuditWriter struct {
	db   *DB
	ch   chan auditRecord
	wg   sync.WaitGroup
	done chan struct{}

	// Dropped, when set, counts records lost to a full buffer.
	Dropped prometheus.Counter
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan auditRecord, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogDecision enqueues a policy decision for persistence.
func (w *AuditWriter) LogDecision(dec *Decision) {
	w.enqueue(dec)
}

// LogExecution enqueues an execution outcome for persistence.
func (w *AuditWriter) LogExecution(exec *Execution) {
	w.enqueue(exec)
}

func (w *AuditWriter) enqueue(rec auditRecord) {
	select {
	case w.ch <- rec:
	default:
		if w.Dropped != nil {
			w.Dropped.Inc()
		}
		log.Warn().Str("audit_id", rec.auditID()).Msg("audit buffer full, dropping record")
	}
}

// Flush stops the writer and drains buffered records, up to timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(rec auditRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rec.write(ctx, w.db)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("audit_id", rec.auditID()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("audit_id", rec.auditID()).
				Msg("audit write failed permanently after retries")
		}
	}
}
