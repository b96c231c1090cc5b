// Package reconcile drives the scan, plan, admit and repair cycle that keeps
// a target image reproduced on the remote canvas.
//
// A Loop owns one run at a time. Runs are started manually (Trigger), by the
// autonomous interval timer (Run), or by the single retry timer armed when a
// run trips the failure breaker. While a run is in progress or a retry is
// pending, other triggers are refused.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/mural/internal/admission"
	"github.com/dyluth/mural/internal/damage"
	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/metrics"
	"github.com/dyluth/mural/internal/repair"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/jonboulle/clockwork"
)

var (
	ErrBusy    = errors.New("reconciliation already in progress")
	ErrPaused  = errors.New("reconciliation paused awaiting retry")
	ErrStopped = errors.New("reconciliation loop stopped")
)

// TargetSource supplies the image to maintain. The palette it returns may
// contain locked entries; the loop filters them out.
type TargetSource interface {
	Load(ctx context.Context) (*canvas.Target, error)
}

// RunRecorder persists run summaries. Implemented by canvas.Store.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *canvas.RunSummary) error
}

// Deps are the collaborators a loop drives. Recorder and Clock are optional.
type Deps struct {
	Target    TargetSource
	Live      damage.PixelSource
	Detector  *damage.Detector
	Admission *admission.Controller
	Executor  *repair.Executor
	Recorder  RunRecorder
	Clock     clockwork.Clock
}

// Status is a point-in-time view of the loop.
type Status struct {
	State   State
	Last    *Report
	RetryAt time.Time // zero unless paused
}

// Loop is the reconciliation state machine.
type Loop struct {
	deps  Deps
	opts  Options
	clock clockwork.Clock

	// ctx is cancelled by Stop and bounds every run.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	running bool
	retry   clockwork.Timer
	retryAt time.Time
	last    *Report
}

// New validates opts and creates an idle loop.
func New(deps Deps, opts Options) (*Loop, error) {
	if deps.Target == nil || deps.Live == nil || deps.Detector == nil || deps.Admission == nil || deps.Executor == nil {
		return nil, fmt.Errorf("reconcile: target, live, detector, admission and executor are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile options: %w", err)
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Detector.OnProgress == nil {
		deps.Detector.OnProgress = progressLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		deps:   deps,
		opts:   opts,
		clock:  deps.Clock,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}, nil
}

// Status returns the current state and the last report.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{State: l.state, Last: l.last, RetryAt: l.retryAt}
}

// Trigger runs one manual reconciliation and blocks until it ends. It
// returns ErrBusy while another run is in progress, ErrPaused while a
// breaker retry is pending and ErrStopped after Stop.
func (l *Loop) Trigger(ctx context.Context) (*Report, error) {
	if err := l.begin(TriggerManual); err != nil {
		return nil, err
	}
	return l.execute(ctx, TriggerManual, l.opts.modeFor(false)), nil
}

// TriggerAsync starts a manual run in the background. It fails fast with
// the same errors as Trigger; the outcome is available from Status once the
// run ends.
func (l *Loop) TriggerAsync() error {
	if err := l.begin(TriggerManual); err != nil {
		return err
	}
	go l.execute(l.ctx, TriggerManual, l.opts.modeFor(false))
	return nil
}

// Run starts an autonomous run immediately and then every Interval after
// the previous run ends, until ctx is cancelled or Stop is called.
// Scheduled runs that collide with a run in progress or a pending retry are
// skipped. Cancelling ctx stops the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.opts.Autonomous {
		return fmt.Errorf("autonomous mode is disabled")
	}
	logger := logging.Component("reconcile")
	logger.Info().Dur("interval", l.opts.Interval).Msg("autonomous loop starting")

	m := l.opts.modeFor(true)
	for {
		if err := l.begin(TriggerInterval); err != nil {
			logger.Debug().Err(err).Msg("skipping scheduled run")
		} else {
			l.execute(ctx, TriggerInterval, m)
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("autonomous loop shutting down")
			l.Stop()
			return nil
		case <-l.ctx.Done():
			return nil
		case <-l.clock.After(l.opts.Interval):
		}
	}
}

// Stop cancels any pending retry and the run in progress, which ends at its
// next row or batch boundary. A submission already sent is allowed to
// complete. Stop is idempotent; a stopped loop cannot be restarted.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateStopped {
		return
	}
	l.state = StateStopped
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
		l.retryAt = time.Time{}
	}
	l.cancel()
}

func (l *Loop) begin(trigger Trigger) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.state == StateStopped:
		return ErrStopped
	case l.running:
		return ErrBusy
	case l.retry != nil:
		return fmt.Errorf("%w: retry at %s", ErrPaused, l.retryAt.Format(time.RFC3339))
	}
	l.running = true
	l.state = StateScanning
	return nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		l.state = s
	}
}

// fireRetry runs when the breaker's retry timer expires.
func (l *Loop) fireRetry(m mode) {
	l.mu.Lock()
	l.retry = nil
	l.retryAt = time.Time{}
	if l.state == StateStopped || l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.state = StateScanning
	l.mu.Unlock()

	l.execute(l.ctx, TriggerRetry, m)
}

// finish releases the run slot, arms the retry timer for paused runs and
// records the report.
func (l *Loop) finish(report *Report, m mode) {
	logger := logging.Component("reconcile")

	l.mu.Lock()
	l.running = false
	l.last = report
	switch {
	case l.state == StateStopped:
	case report.Outcome == OutcomePaused:
		l.state = StatePaused
		l.retryAt = l.clock.Now().Add(report.RetryIn)
		l.retry = l.clock.AfterFunc(report.RetryIn, func() { l.fireRetry(m) })
	default:
		l.state = StateIdle
	}
	l.mu.Unlock()

	metrics.RecordRun(string(report.Session.Trigger), string(report.Outcome), report.FinishedAt.Sub(report.Session.StartedAt))

	event := logger.Info()
	if report.Err != nil {
		event = logger.Warn().Err(report.Err)
	}
	event.
		Str("run_id", report.Session.ID).
		Str("trigger", string(report.Session.Trigger)).
		Str("outcome", string(report.Outcome)).
		Int("scanned", report.Session.Scanned).
		Int("damaged", report.Session.Damaged).
		Int("repaired", report.Session.Repaired).
		Msg(report.String())

	if l.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.deps.Recorder.RecordRun(ctx, report.Summary()); err != nil {
		logger.Warn().Err(err).Str("run_id", report.Session.ID).Msg("failed to record run")
	}
}
