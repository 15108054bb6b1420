package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/pkg/logging"
)

type Options struct {
	Name string

	MinConcurrency     int           // floor for the job limiter
	MaxConcurrency     int           // ceiling for the job limiter
	InitialConcurrency int           //
	MinHTTP            int           // floor for the outbound HTTP limiter
	MaxHTTP            int           // ceiling for the outbound HTTP limiter
	InitialHTTP        int           //
	WindowSize         int           // latency samples retained
	MinSamples         int           // samples required before adjusting
	LowLatency         time.Duration // below this the limits ramp up
	HighLatency        time.Duration // above this the limits ramp down
	BreakLatency       time.Duration // above this the circuit trips
	MaxErrors          int           // consecutive errors before tripping
	MaxTransportErrors int           // consecutive transport errors before tripping
	ReductionFactor    float64       // multiplicative cut applied on trip
	RecoveryBase       time.Duration
	RecoveryGrowth     float64
	RecoveryCap        time.Duration

	Logger *logrus.Entry
	Sleep  func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 5
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 50
	}
	if o.InitialConcurrency <= 0 {
		o.InitialConcurrency = 15
	}
	if o.MinHTTP <= 0 {
		o.MinHTTP = 2
	}
	if o.MaxHTTP <= 0 {
		o.MaxHTTP = 20
	}
	if o.InitialHTTP <= 0 {
		o.InitialHTTP = o.MaxHTTP / 2
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 30
	}
	if o.MinSamples <= 0 {
		o.MinSamples = 5
	}
	if o.LowLatency <= 0 {
		o.LowLatency = 300 * time.Millisecond
	}
	if o.HighLatency <= 0 {
		o.HighLatency = 800 * time.Millisecond
	}
	if o.BreakLatency <= 0 {
		o.BreakLatency = 2 * time.Second
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 10
	}
	if o.MaxTransportErrors <= 0 {
		o.MaxTransportErrors = 5
	}
	if o.ReductionFactor <= 0 || o.ReductionFactor >= 1 {
		o.ReductionFactor = 0.7
	}
	if o.RecoveryBase <= 0 {
		o.RecoveryBase = 3 * time.Second
	}
	if o.RecoveryGrowth <= 1 {
		o.RecoveryGrowth = 1.5
	}
	if o.RecoveryCap <= 0 {
		o.RecoveryCap = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Sleep == nil {
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
}

// Controller adjusts two concurrency limits from observed call latencies:
// a job-level limiter and a separate outbound HTTP limiter, since one job
// can issue many requests. Every completed call is fed through Record.
type Controller struct {
	opts Options
	jobs *Limiter
	http *Limiter
	log  *logrus.Entry
	m    *metrics

	mu                sync.Mutex
	window            []time.Duration
	consecutiveErrors int
	transportErrors   int
	successStreak     int
	trips             int
	recovery          time.Duration
	tripping          bool
}

func NewController(opts Options) *Controller {
	opts.setDefaults()
	c := &Controller{
		opts:     opts,
		jobs:     NewLimiter(opts.InitialConcurrency),
		http:     NewLimiter(opts.InitialHTTP),
		log:      opts.Logger.WithField("controller", opts.Name),
		m:        getMetrics(),
		recovery: opts.RecoveryBase,
		window:   make([]time.Duration, 0, opts.WindowSize),
	}
	c.m.concurrency.WithLabelValues(opts.Name).Set(float64(opts.InitialConcurrency))
	c.m.httpConcurrency.WithLabelValues(opts.Name).Set(float64(opts.InitialHTTP))
	return c
}

func (c *Controller) Jobs() *Limiter { return c.jobs }
func (c *Controller) HTTP() *Limiter { return c.http }

func (c *Controller) Concurrency() int     { return c.jobs.Limit() }
func (c *Controller) HTTPConcurrency() int { return c.http.Limit() }

func (c *Controller) Trips() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trips
}

func (c *Controller) RecoveryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovery
}

// Record feeds one completed call into the sliding window and re-evaluates
// the limits. transport marks err as a transport-class failure. Record may
// block for the recovery delay when it trips the circuit.
func (c *Controller) Record(ctx context.Context, latency time.Duration, err error) {
	c.mu.Lock()

	if len(c.window) == c.opts.WindowSize {
		c.window = c.window[1:]
	}
	c.window = append(c.window, latency)

	if err != nil {
		c.consecutiveErrors++
		c.successStreak = 0
		if IsTransport(err) {
			c.transportErrors++
		} else {
			c.transportErrors = 0
		}
	} else {
		c.transportErrors = 0
		c.successStreak++
		// errors decay slowly on success rather than resetting outright,
		// so a flapping upstream still accumulates toward a trip
		if c.successStreak%2 == 0 && c.consecutiveErrors > 0 {
			c.consecutiveErrors--
		}
	}

	if len(c.window) < c.opts.MinSamples || c.tripping {
		c.mu.Unlock()
		return
	}

	avg := c.averageLocked()
	c.m.windowLatency.WithLabelValues(c.opts.Name).Set(avg.Seconds())

	reason := ""
	switch {
	case avg > c.opts.BreakLatency:
		reason = "latency"
	case c.consecutiveErrors >= c.opts.MaxErrors:
		reason = "errors"
	case c.transportErrors >= c.opts.MaxTransportErrors:
		reason = "transport"
	}
	if reason != "" {
		c.tripping = true
		delay := c.recovery
		c.trips++
		next := time.Duration(float64(c.recovery) * c.opts.RecoveryGrowth)
		if next > c.opts.RecoveryCap {
			next = c.opts.RecoveryCap
		}
		c.recovery = next
		c.mu.Unlock()

		c.trip(ctx, reason, delay)
		return
	}

	switch {
	case avg > c.opts.HighLatency:
		c.adjustLocked(-1)
	case avg < c.opts.LowLatency/2:
		c.adjustLocked(2)
	case avg < c.opts.LowLatency:
		c.adjustLocked(1)
	}
	c.mu.Unlock()
}

func (c *Controller) averageLocked() time.Duration {
	var sum time.Duration
	for _, d := range c.window {
		sum += d
	}
	return sum / time.Duration(len(c.window))
}

func (c *Controller) adjustLocked(delta int) {
	c.setJobs(clamp(c.jobs.Limit()+delta, c.opts.MinConcurrency, c.opts.MaxConcurrency))
	c.setHTTP(clamp(c.http.Limit()+delta, c.opts.MinHTTP, c.opts.MaxHTTP))
}

func (c *Controller) trip(ctx context.Context, reason string, delay time.Duration) {
	reduced := clamp(int(float64(c.jobs.Limit())*c.opts.ReductionFactor), c.opts.MinConcurrency, c.opts.MaxConcurrency)
	reducedHTTP := clamp(int(float64(c.http.Limit())*c.opts.ReductionFactor), c.opts.MinHTTP, c.opts.MaxHTTP)
	c.setJobs(reduced)
	c.setHTTP(reducedHTTP)
	c.m.circuitTrips.WithLabelValues(c.opts.Name, reason).Inc()

	c.log.WithFields(logrus.Fields{
		"reason":      reason,
		"concurrency": reduced,
		"http":        reducedHTTP,
		"recovery":    delay.String(),
	}).Warn("throttle: circuit opened")

	_ = c.opts.Sleep(ctx, delay)

	c.mu.Lock()
	c.window = c.window[:0]
	c.consecutiveErrors = 0
	c.transportErrors = 0
	c.successStreak = 0
	c.tripping = false
	c.mu.Unlock()

	c.log.Info("throttle: circuit closed")
}

func (c *Controller) setJobs(n int) {
	c.jobs.SetLimit(n)
	c.m.concurrency.WithLabelValues(c.opts.Name).Set(float64(n))
}

func (c *Controller) setHTTP(n int) {
	c.http.SetLimit(n)
	c.m.httpConcurrency.WithLabelValues(c.opts.Name).Set(float64(n))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
