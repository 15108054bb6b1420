package queue

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/pkg/logging"
)

// EmptyPredicate reports whether every upstream queue has no pending work.
type EmptyPredicate func(ctx context.Context) (bool, error)

const drainProbeTimeout = 5 * time.Second

// Gate holds a downstream worker closed until all of its upstream queues
// drain. A Drained event from any watched queue triggers a probe of the
// whole set; the gate opens only when the predicate sees them all empty.
type Gate struct {
	upstreams []string
	empty     EmptyPredicate
	log       *logrus.Entry

	mu     sync.Mutex
	opened chan struct{}
	isOpen bool
}

func NewGate(upstreams []string, empty EmptyPredicate, log *logrus.Entry) *Gate {
	if log == nil {
		log = logging.Nop()
	}
	return &Gate{
		upstreams: upstreams,
		empty:     empty,
		log:       log.WithField("upstreams", strings.Join(upstreams, ",")),
		opened:    make(chan struct{}),
	}
}

// Resolve probes the upstreams once and opens the gate if they are already
// empty. Called at startup, mirroring the initial queue-counts check.
func (g *Gate) Resolve(ctx context.Context) error {
	if g.IsOpen() {
		return nil
	}
	empty, err := g.empty(ctx)
	if err != nil {
		return err
	}
	if empty {
		g.log.Info("upstream queues empty, opening gate")
		g.Open()
	}
	return nil
}

// Notify re-probes when any watched queue reports drained. One queue
// draining is not enough on its own: a sibling upstream may still hold
// jobs, so the predicate decides, not the event.
func (g *Gate) Notify(ev Drained) {
	if !slices.Contains(g.upstreams, ev.Queue) || g.IsOpen() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainProbeTimeout)
	defer cancel()
	if err := g.Resolve(ctx); err != nil {
		g.log.WithError(err).Warn("gate: drain probe failed")
	}
}

func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isOpen {
		return
	}
	g.isOpen = true
	close(g.opened)
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isOpen
}

// Wait blocks until the gate opens or the context is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
