package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Phase names of a comparison run, in entry-sequence order.
const (
	PhaseDropResults  = "drop-results"
	PhaseConnectivity = "verify-connectivity"
	PhaseSink         = "verify-sink"
	PhaseDatasets     = "ensure-datasets"
	PhaseFanOut       = "fan-out"
)

// RunPhases registers the entry sequence on t.
func RunPhases(t *Tracker) {
	t.AddPhase(PhaseDropResults, "Dropping previous results")
	t.AddPhase(PhaseConnectivity, "Verifying WAF connectivity")
	t.AddPhase(PhaseSink, "Verifying result sink")
	t.AddPhase(PhaseDatasets, "Preparing datasets")
	t.AddPhase(PhaseFanOut, "Sending payloads")
}

// Tracker provides simple progress tracking for multi-phase operations
type Tracker struct {
	phases       []Phase
	currentPhase int
	startTime    time.Time
	mu           sync.Mutex
	enabled      bool
	out          io.Writer
}

// Phase represents a single phase of work
type Phase struct {
	Name        string
	Description string
	Status      PhaseStatus
	StartTime   time.Time
	EndTime     time.Time
	Progress    int // 0-100 percentage
	Detail      string
}

type PhaseStatus int

const (
	StatusPending PhaseStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s PhaseStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// New creates a tracker rendering to stderr.
func New(enabled bool) *Tracker {
	return NewWithWriter(enabled, os.Stderr)
}

func NewWithWriter(enabled bool, out io.Writer) *Tracker {
	return &Tracker{
		phases:    []Phase{},
		startTime: time.Now(),
		enabled:   enabled,
		out:       out,
	}
}

func (t *Tracker) AddPhase(name, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.phases = append(t.phases, Phase{
		Name:        name,
		Description: description,
		Status:      StatusPending,
	})
}

func (t *Tracker) StartPhase(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.index(name); i >= 0 {
		t.phases[i].Status = StatusRunning
		t.phases[i].StartTime = time.Now()
		t.currentPhase = i
		t.render()
	}
}

// UpdateProgress sets the percentage and a short detail line for a phase.
func (t *Tracker) UpdateProgress(name string, progress int, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.index(name); i >= 0 {
		t.phases[i].Progress = progress
		t.phases[i].Detail = detail
		t.render()
	}
}

// Counter returns a callback suitable for per-batch progress. It reports
// done/total of the current batch as the phase detail, leaving the phase
// percentage to the caller.
func (t *Tracker) Counter(name, label string) func(done, total int) {
	return func(done, total int) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if i := t.index(name); i >= 0 {
			t.phases[i].Detail = fmt.Sprintf("%s %d/%d", label, done, total)
			t.render()
		}
	}
}

func (t *Tracker) CompletePhase(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.index(name); i >= 0 {
		t.phases[i].Status = StatusCompleted
		t.phases[i].EndTime = time.Now()
		t.phases[i].Progress = 100
		t.phases[i].Detail = ""
		t.render()
	}
}

func (t *Tracker) FailPhase(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.index(name); i >= 0 {
		t.phases[i].Status = StatusFailed
		t.phases[i].EndTime = time.Now()
		t.render()
		if t.enabled {
			fmt.Fprintf(t.out, "\n❌ Phase %s failed: %v\n", name, err)
		}
	}
}

// Phases returns a copy of the phase states.
func (t *Tracker) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

func (t *Tracker) index(name string) int {
	for i, phase := range t.phases {
		if phase.Name == name {
			return i
		}
	}
	return -1
}

// overallProgress is the completed share of phases plus the running phase's
// contribution, 0-100. Callers must hold t.mu.
func (t *Tracker) overallProgress() int {
	total := len(t.phases)
	if total == 0 {
		return 0
	}

	completed := 0
	for _, phase := range t.phases {
		if phase.Status == StatusCompleted {
			completed++
		}
	}

	overall := (completed * 100) / total
	if t.currentPhase < total && t.phases[t.currentPhase].Status == StatusRunning {
		overall += t.phases[t.currentPhase].Progress / total
	}
	return overall
}

func (t *Tracker) render() {
	if !t.enabled {
		return
	}

	fmt.Fprint(t.out, "\r\033[K")

	overall := t.overallProgress()

	barWidth := 30
	filled := (overall * barWidth) / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	currentPhaseInfo := ""
	if t.currentPhase < len(t.phases) {
		phase := t.phases[t.currentPhase]
		currentPhaseInfo = fmt.Sprintf("%s (%d%%)", phase.Description, phase.Progress)
		if phase.Detail != "" {
			currentPhaseInfo += " " + phase.Detail
		}
	}

	elapsed := time.Since(t.startTime)
	eta := "calculating..."
	if overall > 0 && overall < 100 {
		totalEstimated := (elapsed * 100) / time.Duration(overall)
		eta = formatDuration(totalEstimated - elapsed)
	}

	fmt.Fprintf(t.out, "[%s] %d%% | %s | ETA: %s", bar, overall, currentPhaseInfo, eta)
}

// Complete prints the phase summary.
func (t *Tracker) Complete() {
	if !t.enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, "\r\033[K")
	fmt.Fprintf(t.out, "\n✅ Run completed in %s\n\n", formatDuration(time.Since(t.startTime)))

	fmt.Fprintln(t.out, "Phase Summary:")
	for _, phase := range t.phases {
		status := "✅"
		if phase.Status == StatusFailed {
			status = "❌"
		} else if phase.Status == StatusPending {
			status = "⏸️"
		}

		duration := ""
		if !phase.EndTime.IsZero() {
			duration = fmt.Sprintf(" (%s)", formatDuration(phase.EndTime.Sub(phase.StartTime)))
		}

		fmt.Fprintf(t.out, "  %s %s%s\n", status, phase.Name, duration)
	}
	fmt.Fprintln(t.out)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
