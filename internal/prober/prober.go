// Package prober verifies, before any payload is sent, that every endpoint
// answers a plain request and blocks an obvious attack.
package prober

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

// EnforcementPath is appended to each base URL in the enforcement phase.
const EnforcementPath = "/<script>alert(1)</script>"

type State string

const (
	StateNotRun  State = "not_run"
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
)

type Phase string

const (
	PhaseReachability Phase = "reachability"
	PhaseEnforcement  Phase = "enforcement"
)

// ProbeFailure is one endpoint that did not pass one phase.
type ProbeFailure struct {
	Endpoint   string
	URL        string
	Phase      Phase
	StatusCode int
	Blocked    bool
}

func (f ProbeFailure) String() string {
	switch f.Phase {
	case PhaseReachability:
		return fmt.Sprintf("%s (%s): %s check got status %d, want 200", f.Endpoint, f.URL, f.Phase, f.StatusCode)
	default:
		return fmt.Sprintf("%s (%s): %s check was not blocked (status %d)", f.Endpoint, f.URL, f.Phase, f.StatusCode)
	}
}

// VerificationError lists every failed (endpoint, phase) pair.
type VerificationError struct {
	Failures []ProbeFailure
}

func (e *VerificationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %s", core.ErrConnectivityVerificationFailed, strings.Join(parts, "; "))
}

func (e *VerificationError) Is(target error) bool {
	return target == core.ErrConnectivityVerificationFailed
}

type Prober struct {
	dispatcher core.Dispatcher
	endpoints  []types.Endpoint
	userAgent  string
	telemetry  core.Telemetry
	logger     *logger.Logger

	mu    sync.Mutex
	state State
}

func New(dispatcher core.Dispatcher, endpoints []types.Endpoint, userAgent string, telemetry core.Telemetry, log *logger.Logger) *Prober {
	if log == nil {
		log = logger.NewNop()
	}
	return &Prober{
		dispatcher: dispatcher,
		endpoints:  endpoints,
		userAgent:  userAgent,
		telemetry:  telemetry,
		logger:     log.WithComponent("prober"),
		state:      StateNotRun,
	}
}

func (p *Prober) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Prober) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Verify runs both phases over every endpoint. A failing endpoint does not
// stop evaluation of the rest.
func (p *Prober) Verify(ctx context.Context) error {
	start := time.Now()
	ctx, span := p.logger.StartOperation(ctx, "prober.Verify", "endpoints", len(p.endpoints))
	var err error
	defer func() {
		p.logger.FinishOperation(ctx, span, "prober.Verify", start, err)
	}()

	p.setState(StateRunning)

	var failures []ProbeFailure

	browserHeaders := map[string]string{"User-Agent": p.userAgent}
	for _, ep := range p.endpoints {
		result := p.dispatcher.Dispatch(ctx, types.Request{Method: "GET", URL: ep.BaseURL, Headers: browserHeaders})
		if result.StatusCode != 200 {
			failures = append(failures, p.fail(ctx, ep, ep.BaseURL, PhaseReachability, result))
			continue
		}
		p.logger.Infow("Endpoint reachable", "waf", ep.Name, "url", ep.BaseURL)
	}

	for _, ep := range p.endpoints {
		target := strings.TrimRight(ep.BaseURL, "/") + EnforcementPath
		result := p.dispatcher.Dispatch(ctx, types.Request{Method: "GET", URL: target})
		if !result.Blocked {
			failures = append(failures, p.fail(ctx, ep, target, PhaseEnforcement, result))
			continue
		}
		p.logger.Infow("Endpoint enforces blocking", "waf", ep.Name, "status", result.StatusCode)
	}

	if len(failures) > 0 {
		p.setState(StateFailed)
		err = &VerificationError{Failures: failures}
		return err
	}

	p.setState(StatePassed)
	return nil
}

func (p *Prober) fail(ctx context.Context, ep types.Endpoint, url string, phase Phase, result types.DispatchResult) ProbeFailure {
	f := ProbeFailure{
		Endpoint:   ep.Name,
		URL:        url,
		Phase:      phase,
		StatusCode: result.StatusCode,
		Blocked:    result.Blocked,
	}
	p.logger.Errorw("Connectivity check failed",
		"waf", ep.Name,
		"url", url,
		"phase", string(phase),
		"status", result.StatusCode,
		"blocked", result.Blocked,
	)
	if p.telemetry != nil {
		p.telemetry.RecordProbeFailure(ctx, ep.Name, string(phase))
	}
	return f
}
