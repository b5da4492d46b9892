package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
	"fleet-monitor/safety/internal/store"
)

// ErrInvariantViolation means a rule produced a state the classifier cannot
// commit. The vehicle keeps its last known good state.
var ErrInvariantViolation = errors.New("classification invariant violation")

// EventSink receives committed transitions in per-vehicle sequence order.
// Publish is called under the vehicle lock and must not block.
type EventSink interface {
	Publish(evt domain.StateChangeEvent, state domain.VehicleState)
}

type Options struct {
	Thresholds domain.Thresholds
	Rules      []domain.Rule
	// ClearSamples is the number of consecutive below-threshold observations
	// that revert an incident.
	ClearSamples int
	// Cooldown reverts an incident on a below-threshold observation once this
	// long has passed since the last qualifying one. Zero disables it.
	Cooldown time.Duration
}

type Classifier struct {
	store  *store.StateStore
	opts   Options
	sinks  []EventSink
	logger *slog.Logger
}

type Result struct {
	State  domain.VehicleState
	Events []domain.StateChangeEvent
}

func New(st *store.StateStore, opts Options, logger *slog.Logger, sinks ...EventSink) *Classifier {
	if opts.Rules == nil {
		opts.Rules = domain.DefaultRules
	}
	if opts.ClearSamples < 1 {
		opts.ClearSamples = 1
	}
	return &Classifier{
		store:  st,
		opts:   opts,
		sinks:  sinks,
		logger: logger,
	}
}

// AddSink registers a consumer. It must be called before the first Classify.
func (c *Classifier) AddSink(s EventSink) {
	c.sinks = append(c.sinks, s)
}

// Classify folds one canonical sample into the vehicle's state. Transitions
// are committed atomically and then handed to every sink before the vehicle
// lock is released.
func (c *Classifier) Classify(ctx context.Context, sample domain.TelemetrySample) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var events []domain.StateChangeEvent

	state, err := c.store.Update(sample.VehicleID, sample.ReceivedAt, func(rec *store.Record) error {
		events = events[:0]
		evs, err := c.apply(rec, &sample)
		if err != nil {
			return err
		}
		events = evs
		return nil
	}, func(committed domain.VehicleState) {
		for _, evt := range events {
			for _, s := range c.sinks {
				s.Publish(evt, committed)
			}
		}
	})
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			metrics.InvariantViolations.Inc()
			c.logger.Error("classification discarded",
				"vehicle_id", sample.VehicleID,
				"error", err,
			)
		}
		return Result{State: state}, err
	}

	for _, evt := range events {
		metrics.Transitions.WithLabelValues(string(evt.Category), string(evt.NewStatus)).Inc()
		c.logger.Info("incident state changed",
			"vehicle_id", evt.VehicleID,
			"category", evt.Category,
			"old_status", evt.OldStatus,
			"new_status", evt.NewStatus,
			"sequence", evt.Sequence,
			"confidence", evt.Confidence,
		)
	}
	return Result{State: state, Events: events}, nil
}

func (c *Classifier) apply(rec *store.Record, sample *domain.TelemetrySample) ([]domain.StateChangeEvent, error) {
	vs := &rec.State

	// Requests for one vehicle may reach the lock out of receipt order;
	// evaluation time never runs backwards.
	now := sample.ReceivedAt
	if now.Before(vs.LastSeen) {
		now = vs.LastSeen
	}
	vs.LastSeen = now

	var events []domain.StateChangeEvent
	for _, rule := range c.opts.Rules {
		eval := rule.Evaluator(sample, c.opts.Thresholds)
		if !eval.Observed {
			continue
		}
		if eval.Qualifying > eval.Present || eval.Present < 1 {
			return nil, fmt.Errorf("%w: %s rule reported %d of %d qualifying", ErrInvariantViolation, rule.Category, eval.Qualifying, eval.Present)
		}

		cur, ok := vs.Categories[rule.Category]
		if !ok || !cur.Status.Valid() {
			return nil, fmt.Errorf("%w: no valid state for category %s", ErrInvariantViolation, rule.Category)
		}

		next, track := step(cur, rec.Tracks[rule.Category], eval, now, c.opts.ClearSamples, c.opts.Cooldown)
		next.LastSample = sample.Slice(rule.Category)
		vs.Categories[rule.Category] = next
		rec.Tracks[rule.Category] = track

		if next.Status != cur.Status {
			vs.Sequence++
			events = append(events, domain.StateChangeEvent{
				ID:         uuid.NewString(),
				VehicleID:  vs.VehicleID,
				Category:   rule.Category,
				OldStatus:  cur.Status,
				NewStatus:  next.Status,
				Timestamp:  now,
				Sequence:   vs.Sequence,
				Confidence: next.Confidence,
				Sample:     next.LastSample,
			})
		}
	}
	return events, nil
}

// step is the per-category hysteresis machine for one observed evaluation.
func step(
	cur domain.IncidentState,
	track store.Track,
	eval domain.Evaluation,
	now time.Time,
	clearSamples int,
	cooldown time.Duration,
) (domain.IncidentState, store.Track) {
	next := cur

	if eval.Breached() {
		track.ClearStreak = 0
		track.LastQualifying = now
		next.Confidence = eval.Confidence()
		if cur.Status == domain.StatusNormal {
			next.Status = domain.StatusIncident
			next.Since = now
		}
		return next, track
	}

	if cur.Status == domain.StatusNormal {
		next.Confidence = 0
		return next, track
	}

	track.ClearStreak++
	cooled := cooldown > 0 && !track.LastQualifying.IsZero() && now.Sub(track.LastQualifying) >= cooldown
	if track.ClearStreak >= clearSamples || cooled {
		next.Status = domain.StatusNormal
		next.Since = now
		next.Confidence = 0
		track.ClearStreak = 0
	}
	return next, track
}
