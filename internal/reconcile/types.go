package reconcile

import (
	"fmt"
	"time"

	"github.com/dyluth/mural/internal/planner"
	"github.com/dyluth/mural/pkg/canvas"
)

// State is the loop's position in its state machine.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateRepairing State = "repairing"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// Trigger says what started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerInterval Trigger = "interval"
	TriggerRetry    Trigger = "retry"
)

// Outcome summarises how a run ended.
type Outcome string

const (
	OutcomeNoDamage    Outcome = "no_damage"
	OutcomeRepaired    Outcome = "repaired"
	OutcomePartial     Outcome = "partial"
	OutcomePaused      Outcome = "paused"
	OutcomeStopped     Outcome = "stopped"
	OutcomeAuthFailure Outcome = "auth_failure"
	OutcomeFailed      Outcome = "failed"
)

const (
	MinInterval     = 10 * time.Second
	MaxInterval     = 3600 * time.Second
	DefaultInterval = 30 * time.Second

	DefaultManualThreshold     = 3
	DefaultAutonomousThreshold = 5

	DefaultManualBackoff     = 60 * time.Second
	DefaultAutonomousBackoff = 120 * time.Second
	DefaultUnexpectedBackoff = 120 * time.Second
)

// Options are fixed at construction. Zero values select the defaults for
// the run's mode.
type Options struct {
	// Autonomous enables the interval timer in Run.
	Autonomous bool
	Interval   time.Duration

	// FailureThreshold is the number of consecutive hard failures that
	// trips the breaker.
	FailureThreshold int

	// HardFailureBackoff is the pause after the breaker trips.
	HardFailureBackoff time.Duration

	// UnexpectedBackoff is the pause after a run fails for reasons other
	// than submissions, such as a target that cannot be loaded.
	UnexpectedBackoff time.Duration

	Strategy planner.Strategy
}

// Validate checks ranges and fills in the interval default.
func (o *Options) Validate() error {
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	if o.Interval < MinInterval || o.Interval > MaxInterval {
		return fmt.Errorf("interval %s out of range [%s, %s]", o.Interval, MinInterval, MaxInterval)
	}
	if o.FailureThreshold < 0 {
		return fmt.Errorf("failure threshold must not be negative")
	}
	if o.HardFailureBackoff < 0 || o.UnexpectedBackoff < 0 {
		return fmt.Errorf("backoff must not be negative")
	}
	if o.UnexpectedBackoff == 0 {
		o.UnexpectedBackoff = DefaultUnexpectedBackoff
	}
	return nil
}

// mode is the failure policy for one run.
type mode struct {
	autonomous bool
	threshold  int
	backoff    time.Duration
}

func (o Options) modeFor(autonomous bool) mode {
	m := mode{autonomous: autonomous, threshold: o.FailureThreshold, backoff: o.HardFailureBackoff}
	if m.threshold == 0 {
		m.threshold = DefaultManualThreshold
		if autonomous {
			m.threshold = DefaultAutonomousThreshold
		}
	}
	if m.backoff == 0 {
		m.backoff = DefaultManualBackoff
		if autonomous {
			m.backoff = DefaultAutonomousBackoff
		}
	}
	return m
}

// Session aggregates counters for one run.
type Session struct {
	ID                  string
	Trigger             Trigger
	StartedAt           time.Time
	Scanned             int
	Damaged             int
	Repaired            int
	Batches             int
	ConsecutiveFailures int
}

// Report is the result of one run.
type Report struct {
	Session    Session
	Outcome    Outcome
	FinishedAt time.Time

	// RetryIn is set when the run paused the loop.
	RetryIn time.Duration

	// Err is the cause for paused, auth_failure and failed outcomes. A
	// partial run carries its last batch failure, if any.
	Err error
}

// String renders the report for humans, e.g. "paused, retrying in 120s".
func (r *Report) String() string {
	switch r.Outcome {
	case OutcomePaused:
		return fmt.Sprintf("paused, retrying in %ds", int(r.RetryIn.Seconds()))
	case OutcomeNoDamage:
		return fmt.Sprintf("no damage (%d pixels scanned)", r.Session.Scanned)
	case OutcomeRepaired, OutcomePartial:
		return fmt.Sprintf("%s: %d/%d pixels repaired in %d batches",
			r.Outcome, r.Session.Repaired, r.Session.Damaged, r.Session.Batches)
	default:
		if r.Err != nil {
			return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
		}
		return string(r.Outcome)
	}
}

// Summary converts the report to its persisted form.
func (r *Report) Summary() *canvas.RunSummary {
	s := &canvas.RunSummary{
		ID:                  r.Session.ID,
		Trigger:             string(r.Session.Trigger),
		Outcome:             string(r.Outcome),
		StartedAtMs:         r.Session.StartedAt.UnixMilli(),
		FinishedAtMs:        r.FinishedAt.UnixMilli(),
		Scanned:             r.Session.Scanned,
		Damaged:             r.Session.Damaged,
		Repaired:            r.Session.Repaired,
		Batches:             r.Session.Batches,
		ConsecutiveFailures: r.Session.ConsecutiveFailures,
		RetryInMs:           r.RetryIn.Milliseconds(),
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}
