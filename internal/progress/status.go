package progress

import "strings"

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusPausing    Status = "pausing"
	StatusPaused     Status = "paused"
	StatusResuming   Status = "resuming"
	StatusStopping   Status = "stopping"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var statusAliases = map[string]Status{
	"not_started":  StatusNotStarted,
	"pending":      StatusNotStarted,
	"queued":       StatusNotStarted,
	"starting":     StatusStarting,
	"initializing": StatusStarting,
	"running":      StatusRunning,
	"in_progress":  StatusRunning,
	"processing":   StatusRunning,
	"active":       StatusRunning,
	"pausing":      StatusPausing,
	"paused":       StatusPaused,
	"resuming":     StatusResuming,
	"stopping":     StatusStopping,
	"cancelling":   StatusStopping,
	"completed":    StatusCompleted,
	"complete":     StatusCompleted,
	"done":         StatusCompleted,
	"success":      StatusCompleted,
	"succeeded":    StatusCompleted,
	"failed":       StatusFailed,
	"error":        StatusFailed,
	"cancelled":    StatusCancelled,
	"canceled":     StatusCancelled,
	"stopped":      StatusCancelled,
}

// ParseStatus normalizes backend status spellings. Unknown values report false.
func ParseStatus(raw string) (Status, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	st, ok := statusAliases[key]
	return st, ok
}

// Rank orders statuses for monotonic merging. Statuses sharing a rank may
// replace each other freely.
func (s Status) Rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusStarting:
		return 1
	case StatusRunning, StatusPausing, StatusPaused, StatusResuming, StatusStopping:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return -1
	}
}

func IsTerminal(s Status) bool {
	return s.Rank() == 3
}

// IsActive reports whether the backend is still doing (or about to stop doing) work.
func IsActive(s Status) bool {
	return s.Rank() == 2
}

// CanAdvance reports whether a workflow in status from may move to status to.
func CanAdvance(from, to Status) bool {
	if to.Rank() < 0 {
		return false
	}
	if IsTerminal(from) {
		return false
	}
	return to.Rank() >= from.Rank()
}

type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseActive  PhaseStatus = "active"
	PhaseDone    PhaseStatus = "done"
	PhaseFailed  PhaseStatus = "failed"
)

func ParsePhaseStatus(raw string) (PhaseStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "not_started", "queued", "waiting":
		return PhasePending, true
	case "active", "running", "in_progress", "processing":
		return PhaseActive, true
	case "done", "completed", "complete", "success", "succeeded":
		return PhaseDone, true
	case "failed", "error":
		return PhaseFailed, true
	default:
		return "", false
	}
}

func (s PhaseStatus) Rank() int {
	switch s {
	case PhasePending:
		return 0
	case PhaseActive:
		return 1
	case PhaseDone, PhaseFailed:
		return 2
	default:
		return -1
	}
}

func phaseCanAdvance(from, to PhaseStatus) bool {
	if to.Rank() < 0 || from == to {
		return false
	}
	if from.Rank() == 2 {
		return false
	}
	return to.Rank() > from.Rank()
}
