package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/mural/internal/admission"
	"github.com/dyluth/mural/internal/damage"
	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/metrics"
	"github.com/dyluth/mural/internal/planner"
	"github.com/dyluth/mural/internal/repair"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// execute performs one run. The caller must hold the run slot via begin.
// A panic inside the run is recovered and pauses the loop like any other
// unexpected failure.
func (l *Loop) execute(parent context.Context, trigger Trigger, m mode) (report *Report) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stopRun := context.AfterFunc(l.ctx, cancel)
	defer stopRun()

	sess := &Session{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		StartedAt: l.clock.Now(),
	}
	logger := logging.Component("reconcile").With().
		Str("run_id", sess.ID).
		Str("trigger", string(trigger)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("run failed unexpectedly")
			report = l.pause(sess, l.opts.UnexpectedBackoff, fmt.Errorf("unexpected failure: %v", r))
		}
		l.finish(report, m)
	}()

	logger.Info().Msg("run started")
	return l.run(ctx, sess, m, logger)
}

func (l *Loop) run(ctx context.Context, sess *Session, m mode, logger zerolog.Logger) *Report {
	target, err := l.deps.Target.Load(ctx)
	if err != nil {
		if l.interrupted(ctx) {
			return l.report(sess, OutcomeStopped, nil)
		}
		return l.pause(sess, l.opts.UnexpectedBackoff, fmt.Errorf("failed to load target: %w", err))
	}

	scan := l.deps.Detector.Scan(ctx, target.Raster, target.Anchor, l.deps.Live, target.Palette.Available())
	sess.Scanned = scan.Scanned
	sess.Damaged = len(scan.Damaged)
	metrics.RecordDamage(len(scan.Damaged))

	if !scan.Complete {
		return l.report(sess, OutcomeStopped, nil)
	}
	logger.Info().Int("scanned", scan.Scanned).Int("damaged", len(scan.Damaged)).Msg("scan complete")

	if len(scan.Damaged) == 0 {
		return l.report(sess, OutcomeNoDamage, nil)
	}

	l.setState(StateRepairing)
	return l.repair(ctx, sess, planner.Plan(scan.Damaged, l.opts.Strategy), m, logger)
}

// repair submits batches in plan order. Every batch waits for budget first;
// a batch larger than the budget maximum is split in place.
func (l *Loop) repair(ctx context.Context, sess *Session, queue []canvas.Batch, m mode, logger zerolog.Logger) *Report {
	partial := false
	var lastErr error

	for len(queue) > 0 {
		if l.interrupted(ctx) {
			return l.report(sess, OutcomeStopped, nil)
		}
		batch := queue[0]
		queue = queue[1:]

		if err := l.deps.Admission.Await(ctx, len(batch.Pixels)); err != nil {
			if l.interrupted(ctx) {
				return l.report(sess, OutcomeStopped, nil)
			}
			if errors.Is(err, admission.ErrExceedsMax) {
				st, _ := l.deps.Admission.State()
				logger.Info().
					Str("tile", batch.Tile.String()).
					Int("pixels", len(batch.Pixels)).
					Int("max", st.Max).
					Msg("splitting batch larger than budget")
				queue = append(planner.Split(batch, st.Max), queue...)
				continue
			}

			partial = true
			lastErr = err
			sess.ConsecutiveFailures++
			logger.Warn().Err(err).Int("consecutive_failures", sess.ConsecutiveFailures).Msg("budget unavailable")
			if sess.ConsecutiveFailures >= m.threshold {
				return l.trip(sess, m, err, logger)
			}
			continue
		}

		res, err := l.deps.Executor.Execute(ctx, batch)
		sess.Batches++

		switch {
		case err == nil:
			sess.ConsecutiveFailures = 0
			sess.Repaired += res.Painted
			l.deps.Admission.Consume(context.WithoutCancel(ctx), res.Painted)

			result := metrics.BatchOK
			if res.Partial() {
				partial = true
				result = metrics.BatchPartial
			}
			metrics.RecordBatch(result, res.Painted)
			logger.Info().
				Str("tile", batch.Tile.String()).
				Int("painted", res.Painted).
				Int("total", res.Total).
				Msg("batch submitted")

		case errors.Is(err, repair.ErrAuthFailure):
			metrics.RecordBatch(metrics.BatchAuth, 0)
			return l.report(sess, OutcomeAuthFailure, err)

		default:
			metrics.RecordBatch(metrics.BatchHard, 0)
			partial = true
			lastErr = err
			sess.ConsecutiveFailures++
			logger.Warn().Err(err).
				Str("tile", batch.Tile.String()).
				Int("consecutive_failures", sess.ConsecutiveFailures).
				Msg("batch failed")
			if sess.ConsecutiveFailures >= m.threshold {
				return l.trip(sess, m, err, logger)
			}
		}
	}

	if lastErr != nil && sess.Repaired == 0 {
		return l.report(sess, OutcomeFailed, lastErr)
	}
	if partial {
		return l.report(sess, OutcomePartial, lastErr)
	}
	return l.report(sess, OutcomeRepaired, nil)
}

// interrupted reports whether the run should end at this boundary. Stop
// cancels l.ctx synchronously; ctx follows it asynchronously.
func (l *Loop) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || l.ctx.Err() != nil
}

func (l *Loop) trip(sess *Session, m mode, cause error, logger zerolog.Logger) *Report {
	logger.Warn().
		Int("consecutive_failures", sess.ConsecutiveFailures).
		Dur("retry_in", m.backoff).
		Msg("failure breaker tripped")
	return l.pause(sess, m.backoff, fmt.Errorf("%d consecutive failures: %w", sess.ConsecutiveFailures, cause))
}

func (l *Loop) pause(sess *Session, retryIn time.Duration, cause error) *Report {
	r := l.report(sess, OutcomePaused, cause)
	r.RetryIn = retryIn
	return r
}

func (l *Loop) report(sess *Session, outcome Outcome, err error) *Report {
	return &Report{
		Session:    *sess,
		Outcome:    outcome,
		FinishedAt: l.clock.Now(),
		Err:        err,
	}
}

// progressLogger logs detector progress at debug level.
func progressLogger() func(damage.Progress) {
	logger := logging.Component("damage")
	return func(p damage.Progress) {
		logger.Debug().Int("rows_done", p.RowsDone).Int("rows", p.Rows).Int("damaged", p.Damaged).Msg("scan progress")
	}
}
