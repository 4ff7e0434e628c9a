// internal/orchestrator/runner.go
//
// Comparison run entry sequence. Each step is fatal on failure:
//
//   1. drop-results         previous rows for the table are discarded
//   2. verify-connectivity  every WAF answers 200 and blocks an XSS probe
//   3. verify-sink          the result database is reachable
//   4. ensure-datasets      missing datasets are downloaded or extracted
//   5. fan-out              every test case is sent to every WAF, in turn
//
// An empty WAF table skips step 5 with a warning.

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/progress"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/registry"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

// Verifier is satisfied by *prober.Prober.
type Verifier interface {
	Verify(ctx context.Context) error
}

// FanOuter is satisfied by *fanout.Engine.
type FanOuter interface {
	FanOut(ctx context.Context, tc types.TestCase, payloads []types.Payload, endpoint types.Endpoint) ([]types.ResultRecord, error)
}

// Closers is satisfied by *shutdown.Handler. The run lock release is
// registered there so a signal-driven exit still frees it.
type Closers interface {
	Register(name string, fn func() error)
}

// Deps is constructed once per process and threaded through the run.
type Deps struct {
	Registry *registry.Registry
	Prober   Verifier
	Sink     core.ResultSink
	Datasets core.DatasetSource
	Engine   FanOuter
	Lock     core.RunLock
	LockKey  string
	Closers  Closers
	Tracker  *progress.Tracker
	Logger   *logger.Logger
}

// RunSummary describes a finished run.
type RunSummary struct {
	RunID      string
	TestCases  int
	Endpoints  int
	Records    int
	Blocked    int
	NotBlocked int
	Failed     int
	Skipped    bool
	Duration   time.Duration
}

type Runner struct {
	deps Deps
}

func NewRunner(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.New(false)
	}
	return &Runner{deps: deps}
}

// Run executes the entry sequence once.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{
		RunID:     uuid.New().String(),
		Endpoints: r.deps.Registry.Len(),
	}
	log := r.deps.Logger.WithComponent("orchestrator").WithRunID(summary.RunID)
	ctx = logger.WithLogger(ctx, log)

	ctx, span := log.StartOperation(ctx, "orchestrator.Run", "endpoints", summary.Endpoints)
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "orchestrator.Run", start, err)
	}()

	if r.deps.Lock != nil {
		var release func() error
		release, err = r.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			if relErr := release(); relErr != nil {
				log.Warnw("Failed to release run lock", "error", relErr)
			}
		}()
	}

	tracker := r.deps.Tracker
	progress.RunPhases(tracker)

	steps := []struct {
		phase string
		fn    func(context.Context) error
	}{
		{progress.PhaseDropResults, r.deps.Sink.DropResults},
		{progress.PhaseConnectivity, r.deps.Prober.Verify},
		{progress.PhaseSink, r.verifySink},
		{progress.PhaseDatasets, r.deps.Datasets.Ensure},
	}
	for _, step := range steps {
		tracker.StartPhase(step.phase)
		if err = step.fn(ctx); err != nil {
			tracker.FailPhase(step.phase, err)
			log.Errorw("Run aborted", "phase", step.phase, "error", err)
			return nil, fmt.Errorf("%s: %w", step.phase, err)
		}
		tracker.CompletePhase(step.phase)
	}

	if r.deps.Registry.Len() == 0 {
		log.Warnw("WAF table is empty, skipping payload send step")
		summary.Skipped = true
		summary.Duration = time.Since(start)
		tracker.Complete()
		return summary, nil
	}

	tracker.StartPhase(progress.PhaseFanOut)
	if err = r.fanOut(ctx, summary); err != nil {
		tracker.FailPhase(progress.PhaseFanOut, err)
		return nil, fmt.Errorf("%s: %w", progress.PhaseFanOut, err)
	}
	tracker.CompletePhase(progress.PhaseFanOut)
	tracker.Complete()

	summary.Duration = time.Since(start)
	log.Infow("Comparison run completed",
		"test_cases", summary.TestCases,
		"records", summary.Records,
		"blocked", summary.Blocked,
		"not_blocked", summary.NotBlocked,
		"failed", summary.Failed,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, nil
}

// acquire takes the run lock and returns an idempotent release, also handed
// to Closers when set.
func (r *Runner) acquire(ctx context.Context) (func() error, error) {
	unlock, err := r.deps.Lock.Acquire(ctx, r.deps.LockKey)
	if err != nil {
		return nil, err
	}

	var (
		once   sync.Once
		relErr error
	)
	release := func() error {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			relErr = unlock(releaseCtx)
		})
		return relErr
	}
	if r.deps.Closers != nil {
		r.deps.Closers.Register("runlock-release", release)
	}
	return release, nil
}

func (r *Runner) verifySink(ctx context.Context) error {
	if err := r.deps.Sink.Ping(ctx); err != nil {
		return err
	}
	return r.deps.Sink.EnsureResultsTable(ctx)
}

// fanOut walks test cases in order and, for each, every endpoint in turn.
func (r *Runner) fanOut(ctx context.Context, summary *RunSummary) error {
	log := logger.FromContext(ctx)

	cases, err := r.deps.Datasets.Discover()
	if err != nil {
		return err
	}
	summary.TestCases = len(cases)
	if len(cases) == 0 {
		log.Warnw("No dataset files found, nothing to send")
		return nil
	}

	endpoints := r.deps.Registry.Endpoints()
	totalPairs := len(cases) * len(endpoints)
	pair := 0

	for _, tc := range cases {
		payloads, err := r.deps.Datasets.Load(tc)
		if err != nil {
			return err
		}

		for _, ep := range endpoints {
			r.deps.Tracker.UpdateProgress(progress.PhaseFanOut, pair*100/totalPairs,
				fmt.Sprintf("%s/%s -> %s", tc.Dataset, tc.Name, ep.Name))

			records, err := r.deps.Engine.FanOut(ctx, tc, payloads, ep)
			if err != nil {
				return err
			}
			tally(summary, records)
			pair++
		}
	}
	return nil
}

func tally(summary *RunSummary, records []types.ResultRecord) {
	for _, rec := range records {
		summary.Records++
		switch {
		case rec.ResponseStatusCode == 0:
			summary.Failed++
		case rec.IsBlocked:
			summary.Blocked++
		default:
			summary.NotBlocked++
		}
	}
}
