package decision

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

// ErrAlreadyClaimed is returned when another attempt owns the event id.
var ErrAlreadyClaimed = errors.New("decision already claimed for event")

type DispatcherOptions struct {
	// Remote is optional; without it every decision is local.
	Remote    Provider
	Timeout   time.Duration
	Claimer   Claimer
	Audit     *AuditTrail
	Executors []Executor
}

// Dispatcher turns incident transitions into executed decisions. Each event
// is decided on its own goroutine so classification never waits on it.
type Dispatcher struct {
	local     Provider
	remote    Provider
	timeout   time.Duration
	claimer   Claimer
	audit     *AuditTrail
	executors []Executor
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Claimer == nil {
		opts.Claimer = NewMemoryClaimer(24 * time.Hour)
	}
	if opts.Audit == nil {
		opts.Audit = NewAuditTrail(100)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		local:     NewLocalProvider(),
		remote:    opts.Remote,
		timeout:   opts.Timeout,
		claimer:   opts.Claimer,
		audit:     opts.Audit,
		executors: opts.Executors,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (d *Dispatcher) Audit() *AuditTrail {
	return d.audit
}

// Publish schedules a decision for transitions into INCIDENT. It returns
// immediately.
func (d *Dispatcher) Publish(evt domain.StateChangeEvent, _ domain.VehicleState) {
	if evt.NewStatus != domain.StatusIncident {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("decision dispatcher closed, incident not decided",
			"event_id", evt.ID,
			"vehicle_id", evt.VehicleID,
		)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Decide(d.ctx, evt); err != nil && !errors.Is(err, ErrAlreadyClaimed) {
			d.logger.Error("incident decision failed",
				"event_id", evt.ID,
				"vehicle_id", evt.VehicleID,
				"error", err,
			)
		}
	}()
}

// Decide produces and executes the decision for one incident event. A
// repeated event id returns the recorded decision without executing again.
func (d *Dispatcher) Decide(ctx context.Context, evt domain.StateChangeEvent) (domain.DecisionRecord, error) {
	if rec, ok := d.audit.Lookup(evt.ID); ok {
		return rec, nil
	}

	claimed, err := d.claimer.Claim(ctx, evt.ID)
	if err != nil {
		// A claim store outage must not leave the incident undecided.
		d.logger.Warn("decision claim failed, proceeding",
			"event_id", evt.ID,
			"error", err,
		)
		claimed = true
	}
	if !claimed {
		if rec, ok := d.audit.Lookup(evt.ID); ok {
			return rec, nil
		}
		return domain.DecisionRecord{}, ErrAlreadyClaimed
	}

	start := d.now()
	req := RequestFromEvent(evt)
	dec, provider, fallbackErr := d.decide(ctx, req)

	rec := domain.DecisionRecord{
		EventID:     evt.ID,
		VehicleID:   evt.VehicleID,
		Category:    evt.Category,
		PriorStatus: evt.OldStatus,
		Sequence:    evt.Sequence,
		Actions:     dec.Actions,
		Rationale:   dec.Rationale,
		Provider:    provider,
		Degraded:    fallbackErr != nil,
		DecidedAt:   d.now(),
	}
	rec.LatencyMS = rec.DecidedAt.Sub(start).Milliseconds()
	if fallbackErr != nil {
		rec.FallbackReason = fallbackErr.Error()
	}

	d.audit.Record(rec)
	metrics.Decisions.WithLabelValues(provider, strconv.FormatBool(rec.Degraded)).Inc()
	metrics.DecisionLatency.WithLabelValues(provider).Observe(rec.DecidedAt.Sub(start).Seconds())

	for _, ex := range d.executors {
		if err := ex.Execute(ctx, rec); err != nil {
			d.logger.Error("decision executor failed",
				"event_id", rec.EventID,
				"vehicle_id", rec.VehicleID,
				"error", err,
			)
		}
	}
	return rec, nil
}

// decide asks the remote provider when configured and falls back to the
// local one on any failure. The returned error is the fallback cause.
func (d *Dispatcher) decide(ctx context.Context, req Request) (Decision, string, error) {
	if d.remote != nil {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		dec, err := d.remote.Decide(callCtx, req)
		cancel()
		if err == nil {
			return dec, d.remote.Name(), nil
		}

		d.logger.Warn("remote decision failed, using local provider",
			"event_id", req.EventID,
			"vehicle_id", req.VehicleID,
			"error", err,
		)
		dec, _ = d.local.Decide(ctx, req)
		return dec, d.local.Name(), err
	}

	dec, _ := d.local.Decide(ctx, req)
	return dec, d.local.Name(), nil
}

// Close stops accepting events and waits for in-flight decisions. When ctx
// expires first, pending provider calls are cancelled and fall back locally.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
