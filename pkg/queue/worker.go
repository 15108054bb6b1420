package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/pkg/logging"
)

// Handler processes a single claimed job. A returned error nacks the job
// back to the broker for retry (or dead-letters it after MaxAttempts).
type Handler interface {
	Handle(ctx context.Context, job *Job) (JobResult, error)
}

type HandlerFunc func(ctx context.Context, job *Job) (JobResult, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (JobResult, error) {
	return f(ctx, job)
}

// Notifier publishes broker events; satisfied by the event bus.
type Notifier interface {
	Publish(args ...any)
}

// Limiter bounds concurrent claim-and-process ticks across a worker pool;
// satisfied by the throttle limiter.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Conn is the pool surface the worker needs: claims run in a transaction,
// state updates and count probes do not.
type Conn interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Worker polls one named queue and feeds claimed jobs to a handler pool.
type Worker struct {
	pool    Conn
	queue   string
	handler Handler
	opts    WorkerOptions
	gate    *Gate
	bus     Notifier
	limiter Limiter

	m *metrics

	randMu sync.Mutex

	// sawWork flips to true after any successful claim; the drained event
	// fires on the true->empty transition only.
	sawWork atomic.Bool
}

func NewWorker(pool Conn, queueName string, handler Handler, opts WorkerOptions) (*Worker, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if queueName == "" {
		return nil, invalidConfig("queue is required")
	}
	if handler == nil {
		return nil, invalidConfig("handler is required")
	}

	opts.setDefaults()

	w := &Worker{
		pool:    pool,
		queue:   queueName,
		handler: handler,
		opts:    opts,
		m:       getMetrics(),
	}
	if w.opts.Logger == nil {
		w.opts.Logger = logging.Nop()
	}
	return w, nil
}

// WithGate blocks all claiming until the gate opens.
func (w *Worker) WithGate(g *Gate) *Worker {
	w.gate = g
	return w
}

// WithNotifier enables drained-event publishing.
func (w *Worker) WithNotifier(bus Notifier) *Worker {
	w.bus = bus
	return w
}

// WithLimiter bounds the pool's in-flight ticks by an adaptive limiter, on
// top of the fixed goroutine count.
func (w *Worker) WithLimiter(l Limiter) *Worker {
	w.limiter = l
	return w
}

func (w *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.runLoop(ctx, id)
		}(i + 1)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	log := w.opts.Logger.WithField("worker_id", workerID).WithField("queue", w.queue)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	nextDepthAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if w.gate != nil {
			if err := w.gate.Wait(ctx); err != nil {
				return
			}
		}

		if time.Now().After(nextDepthAt) {
			if err := w.observeQueueDepth(ctx); err != nil {
				log.WithError(err).Debug("queue: observe depth failed")
			}
			nextDepthAt = time.Now().Add(w.opts.ObserveQueueDepthEvery)
		}

		if w.limiter != nil {
			if err := w.limiter.Acquire(ctx); err != nil {
				return
			}
		}
		n, err := w.processOnce(ctx, log)
		if w.limiter != nil {
			w.limiter.Release()
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.WithError(err).Warn("queue: process tick failed")
			continue
		}
		if n > 0 {
			w.sawWork.Store(true)
			continue
		}
		w.maybeNotifyDrained(ctx, log)
	}
}

func (w *Worker) maybeNotifyDrained(ctx context.Context, log *logrus.Entry) {
	if w.bus == nil || !w.sawWork.Load() {
		return
	}
	counts, err := w.Counts(ctx)
	if err != nil || !counts.Empty() {
		return
	}
	if w.sawWork.CompareAndSwap(true, false) {
		log.Info("queue drained")
		w.bus.Publish(Drained{Queue: w.queue})
	}
}

func (w *Worker) processOnce(ctx context.Context, log *logrus.Entry) (int, error) {
	now := time.Now()
	cutoff := now.Add(-w.opts.LockTTL)

	claimed, err := w.claim(ctx, now, cutoff)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	for i := range claimed {
		j := &claimed[i]
		entry := log.WithField("job_id", j.ID.String()).WithField("name", j.Name)

		start := time.Now()
		result, err := w.handler.Handle(ctx, j)
		latency := time.Since(start)

		if err == nil {
			w.m.jobsTotal.WithLabelValues(w.queue, j.Name, "success").Inc()
			w.m.jobLatency.WithLabelValues(w.queue, j.Name, "success").Observe(latency.Seconds())
			if ackErr := w.ack(ctx, j.ID, result); ackErr != nil {
				entry.WithError(ackErr).Warn("queue: ack failed")
			}
			continue
		}

		w.m.jobsTotal.WithLabelValues(w.queue, j.Name, "failure").Inc()
		w.m.jobLatency.WithLabelValues(w.queue, j.Name, "failure").Observe(latency.Seconds())
		lastErr := truncateError(err, w.opts.LastErrorMaxLen)
		entry.WithError(err).Error("queue: job failed")

		if j.Attempts >= w.opts.MaxAttempts {
			w.m.deadTotal.WithLabelValues(w.queue, j.Name).Inc()
			if deadErr := w.dead(ctx, j.ID, lastErr); deadErr != nil {
				entry.WithError(deadErr).Warn("queue: dead update failed")
			}
			continue
		}

		w.randMu.Lock()
		delay := backoff(j.Attempts, w.opts.MaxBackoff) + jitter(w.opts.Rand, w.opts.JitterMax)
		w.randMu.Unlock()
		if nackErr := w.nack(ctx, j.ID, lastErr, time.Now().Add(delay)); nackErr != nil {
			entry.WithError(nackErr).Warn("queue: nack failed")
		}
	}

	return len(claimed), nil
}

func (w *Worker) claim(ctx context.Context, now, lockCutoff time.Time) ([]Job, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `SELECT id, name, payload, sequence, attempts
	   FROM queue_jobs
	  WHERE queue = $1
	    AND finished_at IS NULL
	    AND available_at <= $2
	    AND attempts < $3
	    AND (locked_at IS NULL OR locked_at < $4)
	  ORDER BY available_at, sequence
	  LIMIT $5
	  FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, w.queue, now, w.opts.MaxAttempts, lockCutoff, w.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	var ids []uuid.UUID
	for rows.Next() {
		j := Job{Queue: w.queue}
		if err := rows.Scan(&j.ID, &j.Name, &j.Payload, &j.Sequence, &j.Attempts); err != nil {
			return nil, err
		}
		j.Attempts++
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	const update = `UPDATE queue_jobs SET locked_at = $1, attempts = attempts + 1 WHERE id = ANY($2)`
	if _, err := tx.Exec(ctx, update, now, pgtype.FlatArray[uuid.UUID](ids)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (w *Worker) ack(ctx context.Context, id uuid.UUID, result JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = nil
	}
	const q = `UPDATE queue_jobs
	    SET finished_at = now(),
	        locked_at = NULL,
	        last_error = NULL,
	        result = $2
	  WHERE id = $1 AND finished_at IS NULL`
	_, err = w.pool.Exec(ctx, q, id, payload)
	return err
}

func (w *Worker) nack(ctx context.Context, id uuid.UUID, lastError string, nextAvailable time.Time) error {
	const q = `UPDATE queue_jobs
	    SET locked_at = NULL,
	        last_error = $2,
	        available_at = $3
	  WHERE id = $1 AND finished_at IS NULL`
	_, err := w.pool.Exec(ctx, q, id, lastError, nextAvailable)
	return err
}

// dead marks the job terminal. finished_at takes it out of the live set,
// so counts, drain detection and the waiting gauge no longer see it;
// last_error keeps the reason for inspection.
func (w *Worker) dead(ctx context.Context, id uuid.UUID, lastError string) error {
	const q = `UPDATE queue_jobs
	    SET finished_at = now(),
	        locked_at = NULL,
	        last_error = $2
	  WHERE id = $1 AND finished_at IS NULL`
	_, err := w.pool.Exec(ctx, q, id, lastError)
	return err
}

// Counts reports the broker-visible job states for this worker's queue.
func (w *Worker) Counts(ctx context.Context) (Counts, error) {
	return QueueCounts(ctx, w.pool, w.queue)
}

func (w *Worker) observeQueueDepth(ctx context.Context) error {
	counts, err := w.Counts(ctx)
	if err != nil {
		return err
	}
	w.m.waiting.WithLabelValues(w.queue).Set(float64(counts.Waiting))
	w.m.active.WithLabelValues(w.queue).Set(float64(counts.Active))
	return nil
}

// QueueCounts is standalone so gates can probe queues they do not consume.
// Finished rows, dead-lettered ones included, are outside the live set.
func QueueCounts(ctx context.Context, db DB, queueName string) (Counts, error) {
	const q = `SELECT
	    count(*) FILTER (WHERE locked_at IS NULL AND available_at <= now()),
	    count(*) FILTER (WHERE locked_at IS NOT NULL),
	    count(*) FILTER (WHERE locked_at IS NULL AND available_at > now())
	  FROM queue_jobs
	  WHERE queue = $1 AND finished_at IS NULL`

	var c Counts
	if err := db.QueryRow(ctx, q, queueName).Scan(&c.Waiting, &c.Active, &c.Delayed); err != nil {
		return Counts{}, err
	}
	return c, nil
}
