package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DB is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx, so
// enqueues can join an enclosing transaction when one exists.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Publisher interface {
	Enqueue(ctx context.Context, msg Message) (sequence int64, err error)
}

type publisher struct {
	db DB
	m  *metrics
}

func NewPublisher(db DB) Publisher {
	return &publisher{db: db, m: getMetrics()}
}

func (p *publisher) Enqueue(ctx context.Context, msg Message) (int64, error) {
	if msg.Queue == "" {
		return 0, invalidConfig("queue is required")
	}
	if msg.Name == "" {
		return 0, invalidConfig("name is required")
	}
	if msg.JobID == (uuid.UUID{}) {
		msg.JobID = uuid.New()
	}

	const q = `INSERT INTO queue_jobs (id, queue, name, payload, available_at)
	 VALUES ($1, $2, $3, $4, now())
	 ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
	 RETURNING sequence`

	var sequence int64
	if err := p.db.QueryRow(ctx, q, msg.JobID, msg.Queue, msg.Name, msg.Payload).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("queue enqueue: %w", err)
	}

	p.m.enqueueTotal.WithLabelValues(msg.Queue, msg.Name).Inc()

	return sequence, nil
}
