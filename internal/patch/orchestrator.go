// Package patch invalidates and rebuilds the derived artifacts of one job.
package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pipeline-patcher/internal/models"
	"pipeline-patcher/internal/registry"
	"pipeline-patcher/internal/telemetry"
	"pipeline-patcher/internal/tracker"
)

const defaultWorkers = 4

// Options tunes an Orchestrator.
type Options struct {
	// Workers bounds concurrent sub-unit computations of one kind.
	Workers int
	// ArtifactTimeout is the compute deadline for kinds without their own.
	ArtifactTimeout time.Duration
}

// Orchestrator runs the delete and repopulate phases of a job.
type Orchestrator struct {
	registry *registry.Registry
	tracker  *tracker.Tracker
	logger   *slog.Logger
	workers  int
	timeout  time.Duration
}

// Report describes what one Run did.
type Report struct {
	JobID   string
	Verdict models.Verdict
	// States holds the final state of every tracked kind.
	States map[string]models.State
	// Deleted lists kinds in the order the delete phase visited them.
	Deleted []string
	// Computed lists kinds in the order compute was attempted.
	Computed []string
	// Skipped lists kinds left untouched because they already settled.
	Skipped []string
}

// New builds an orchestrator over reg and tr.
func New(reg *registry.Registry, tr *tracker.Tracker, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Orchestrator{
		registry: reg,
		tracker:  tr,
		logger:   logger,
		workers:  workers,
		timeout:  opts.ArtifactTimeout,
	}
}

type plan struct {
	rebuild []registry.Entry
	inSet   map[string]bool
	skipped []string
}

// planRebuild decides which targeted kinds are deleted and recomputed. Part
// kinds follow their parent.
func (o *Orchestrator) planRebuild(level models.Level, start map[string]models.TableStatus) plan {
	p := plan{inSet: map[string]bool{}}
	for _, e := range o.registry.Targets() {
		var rebuild bool
		switch e.Kind.Label {
		case models.LabelPart:
			rebuild = p.inSet[e.Kind.Parent]
		default:
			rebuild = !level.Resumes() || !start[e.Kind.Name].State.Settled()
		}
		if rebuild {
			p.rebuild = append(p.rebuild, e)
			p.inSet[e.Kind.Name] = true
		} else {
			p.skipped = append(p.skipped, e.Kind.Name)
		}
	}
	return p
}

// Run patches job. Kind and sub-unit failures are recorded and reflected in
// the verdict; a returned error means the job was aborted before a verdict
// could be written and will be picked up again as new.
func (o *Orchestrator) Run(ctx context.Context, job models.Job, level models.Level) (Report, error) {
	logger := o.logger.With("job", job.ID, "entity", job.Entity.String())
	report := Report{JobID: job.ID, States: map[string]models.State{}}

	start, err := o.tracker.Statuses(ctx, job.ID)
	if err != nil {
		return report, err
	}
	for name, ts := range start {
		report.States[name] = ts.State
	}

	p := o.planRebuild(level, start)
	report.Skipped = p.skipped
	if len(p.rebuild) == 0 {
		return o.settleUnchanged(ctx, logger, report)
	}

	telemetry.InFlightJobs.Inc()
	defer telemetry.InFlightJobs.Dec()

	run, err := o.tracker.BeginRun(ctx, job.ID)
	if err != nil {
		return report, err
	}
	logger.Info("patch started", "level", level.String(), "attempt", run.Attempts, "rebuild", len(p.rebuild), "skipped", len(p.skipped))

	phaseStart := time.Now()
	if err := o.deletePhase(ctx, logger, job, p, &report); err != nil {
		telemetry.JobErrors.Inc()
		return report, err
	}
	telemetry.PhaseDuration.WithLabelValues("delete").Observe(time.Since(phaseStart).Seconds())

	phaseStart = time.Now()
	if err := o.repopulatePhase(ctx, logger, job, p, start, &report); err != nil {
		telemetry.JobErrors.Inc()
		return report, err
	}
	telemetry.PhaseDuration.WithLabelValues("repopulate").Observe(time.Since(phaseStart).Seconds())

	report.Verdict = o.verdict(report.States)
	if _, err := o.tracker.FinishRun(ctx, job.ID, report.Verdict); err != nil {
		telemetry.JobErrors.Inc()
		return report, err
	}
	telemetry.JobsTotal.WithLabelValues(string(report.Verdict)).Inc()
	logger.Info("patch finished", "verdict", report.Verdict)
	return report, nil
}

// settleUnchanged handles a job whose kinds all settled already. Nothing is
// deleted; a run left without a verdict is closed with the derived one.
func (o *Orchestrator) settleUnchanged(ctx context.Context, logger *slog.Logger, report Report) (Report, error) {
	report.Verdict = o.verdict(report.States)
	run, exists, err := o.tracker.Backend().GetRun(ctx, report.JobID)
	if err != nil {
		return report, fmt.Errorf("get run for %s: %w", report.JobID, err)
	}
	if exists && run.Verdict != models.VerdictUnset && run.Verdict != "" {
		report.Verdict = run.Verdict
		logger.Debug("nothing to rebuild", "verdict", run.Verdict)
		return report, nil
	}
	if !exists {
		if _, err := o.tracker.BeginRun(ctx, report.JobID); err != nil {
			return report, err
		}
	}
	if _, err := o.tracker.FinishRun(ctx, report.JobID, report.Verdict); err != nil {
		return report, err
	}
	telemetry.JobsTotal.WithLabelValues(string(report.Verdict)).Inc()
	logger.Info("patch closed without rebuild", "verdict", report.Verdict)
	return report, nil
}

func (o *Orchestrator) deletePhase(ctx context.Context, logger *slog.Logger, job models.Job, p plan, report *Report) error {
	order := o.registry.Virtual()
	for i := len(p.rebuild) - 1; i >= 0; i-- {
		order = append(order, p.rebuild[i])
	}
	for _, e := range order {
		if err := o.deleteKind(ctx, logger, job, e, report); err != nil {
			return fmt.Errorf("delete %s: %w", e.Kind.Name, err)
		}
	}
	return nil
}

func (o *Orchestrator) deleteKind(ctx context.Context, logger *slog.Logger, job models.Job, e registry.Entry, report *Report) error {
	kind := e.Kind
	scope := models.ScopeFor(kind.Category, job.Entity)
	present, err := e.Impl.Populated(ctx, scope)
	if err != nil {
		return fmt.Errorf("list populated: %w", err)
	}
	ts, err := o.tracker.Apply(ctx, job.ID, kind.Name, models.BeginDelete(len(present) > 0))
	if err != nil {
		return err
	}
	report.States[kind.Name] = ts.State
	report.Deleted = append(report.Deleted, kind.Name)

	switch {
	case kind.DeleteBatch > 0 && len(present) > 0:
		for lo := 0; lo < len(present); lo += kind.DeleteBatch {
			hi := min(lo+kind.DeleteBatch, len(present))
			if err := e.Impl.Delete(ctx, scope, present[lo:hi]); err != nil {
				return err
			}
			telemetry.DeletesTotal.WithLabelValues(kind.Name).Inc()
		}
	default:
		if err := e.Impl.Delete(ctx, scope, nil); err != nil {
			return err
		}
		telemetry.DeletesTotal.WithLabelValues(kind.Name).Inc()
	}

	ts, err = o.tracker.Apply(ctx, job.ID, kind.Name, models.MarkDeleted())
	if err != nil {
		return err
	}
	report.States[kind.Name] = ts.State
	logger.Debug("deleted", "kind", kind.Name, "scope", scope.Key(), "units", len(present))
	return nil
}

func (o *Orchestrator) repopulatePhase(ctx context.Context, logger *slog.Logger, job models.Job, p plan, start map[string]models.TableStatus, report *Report) error {
	for _, e := range p.rebuild {
		if e.Kind.Label != models.LabelComputed {
			continue
		}
		outcome, err := o.populateKind(ctx, logger, job, e, start[e.Kind.Name].State, report)
		if err != nil {
			return fmt.Errorf("populate %s: %w", e.Kind.Name, err)
		}
		if outcome != models.StateSuccess {
			continue
		}
		for _, child := range o.registry.ChildrenOf(e.Kind.Name) {
			if !p.inSet[child.Kind.Name] {
				continue
			}
			ts, err := o.tracker.Apply(ctx, job.ID, child.Kind.Name, models.CascadeSuccess())
			if err != nil {
				return err
			}
			report.States[child.Kind.Name] = ts.State
			telemetry.ArtifactsTotal.WithLabelValues(child.Kind.Name, string(ts.State)).Inc()
		}
	}
	return nil
}

// populateKind recomputes one kind and returns its final state. Errors are
// reserved for tracker failures and parent cancellation.
func (o *Orchestrator) populateKind(ctx context.Context, logger *slog.Logger, job models.Job, e registry.Entry, prior models.State, report *Report) (models.State, error) {
	kind := e.Kind
	scope := models.ScopeFor(kind.Category, job.Entity)
	art, ok := e.Artifact()
	if !ok {
		return "", fmt.Errorf("kind %s cannot compute", kind.Name)
	}

	fail := func(text string) (models.State, error) {
		ts, err := o.tracker.Apply(ctx, job.ID, kind.Name, models.FailUnpopulated(o.tracker.Truncate(text)))
		if err != nil {
			return "", err
		}
		report.States[kind.Name] = ts.State
		telemetry.ArtifactsTotal.WithLabelValues(kind.Name, string(ts.State)).Inc()
		logger.Warn("kind not populated", "kind", kind.Name, "scope", scope.Key(), "error", text)
		return ts.State, nil
	}

	units, err := art.Eligible(ctx, scope)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return fail("list eligible: " + err.Error())
	}
	if len(units) == 0 && prior != models.StateSuccess {
		return fail("no eligible input")
	}

	ts, err := o.tracker.Apply(ctx, job.ID, kind.Name, models.BeginPopulate())
	if err != nil {
		return "", err
	}
	report.States[kind.Name] = ts.State
	report.Computed = append(report.Computed, kind.Name)

	timeout := kind.Timeout
	if timeout <= 0 {
		timeout = o.timeout
	}
	computeCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		computeCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	failures := computeUnits(computeCtx, art, scope, units, o.workers)
	cancel()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(failures) > 0 {
		telemetry.SubunitFailures.WithLabelValues(kind.Name).Add(float64(len(failures)))
	}

	outcome := models.OutcomeSuccess
	text := ""
	if len(failures) > 0 {
		text = o.tracker.FormatFailures(failures)
		present, err := art.Populated(ctx, scope)
		switch {
		case err != nil:
			outcome = models.OutcomeError
			text = o.tracker.Truncate("list populated: " + err.Error() + "\n" + text)
		case len(present) > 0 || len(failures) < len(units):
			outcome = models.OutcomePartial
		default:
			outcome = models.OutcomeError
		}
	}

	ts, err = o.tracker.Apply(ctx, job.ID, kind.Name, models.FinishPopulate(outcome, text))
	if err != nil {
		return "", err
	}
	report.States[kind.Name] = ts.State
	telemetry.ArtifactsTotal.WithLabelValues(kind.Name, string(ts.State)).Inc()
	if ts.State == models.StateSuccess {
		logger.Info("populated", "kind", kind.Name, "scope", scope.Key(), "units", len(units))
	} else {
		logger.Warn("populated with failures", "kind", kind.Name, "scope", scope.Key(), "state", ts.State, "failed", len(failures), "units", len(units))
	}
	return ts.State, nil
}

func (o *Orchestrator) verdict(states map[string]models.State) models.Verdict {
	targets := o.registry.Targets()
	out := make([]models.State, 0, len(targets))
	for _, e := range targets {
		out = append(out, states[e.Kind.Name])
	}
	return Verdict(out)
}

// Verdict folds the states of a job's targeted kinds: success when every kind
// succeeded, error when none holds data, and partial success otherwise.
func Verdict(states []models.State) models.Verdict {
	settled, succeeded := 0, 0
	for _, s := range states {
		if s.Settled() {
			settled++
		}
		if s == models.StateSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == len(states):
		return models.VerdictSuccess
	case settled == 0:
		return models.VerdictError
	default:
		return models.VerdictPartial
	}
}

// IsAborted reports whether err came from cancelling the caller's context.
func IsAborted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
