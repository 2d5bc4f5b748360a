package progress

import (
	"strings"
	"time"
)

type Kind string

const (
	KindDiscovery         Kind = "discovery"
	KindRelevanceAnalysis Kind = "relevance_analysis"
	KindAgentCreation     Kind = "agent_creation"
	KindTraining          Kind = "training"
	KindOther             Kind = "other"
)

// ParseKind maps a free-form kind name onto a Kind, falling back to KindOther.
func ParseKind(raw string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindDiscovery:
		return KindDiscovery
	case KindRelevanceAnalysis:
		return KindRelevanceAnalysis
	case KindAgentCreation:
		return KindAgentCreation
	case KindTraining:
		return KindTraining
	default:
		return KindOther
	}
}

// Source identifies where an update came from.
type Source string

const (
	SourcePush       Source = "push"
	SourcePoll       Source = "poll"
	SourceOptimistic Source = "optimistic"
)

func (s Source) Authoritative() bool {
	return s == SourcePush || s == SourcePoll
}

type LogEntry struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Level     string    `json:"level" yaml:"level"`
	Message   string    `json:"message" yaml:"message"`
	// Undated entries carry the time they were received, not a backend time.
	Undated bool `json:"-" yaml:"-"`
}

type Phase struct {
	Name           string      `json:"name" yaml:"name"`
	Weight         float64     `json:"weight" yaml:"weight"`
	CompletedUnits int         `json:"completed_units" yaml:"completed_units"`
	TotalUnits     int         `json:"total_units,omitempty" yaml:"total_units,omitempty"`
	Status         PhaseStatus `json:"phase_status" yaml:"phase_status"`
}

// Fraction is the completed share of the phase in [0,1]. A phase without a
// known total contributes nothing until it is done.
func (p Phase) Fraction() float64 {
	if p.Status == PhaseDone {
		return 1
	}
	if p.TotalUnits <= 0 {
		return 0
	}
	f := float64(p.CompletedUnits) / float64(p.TotalUnits)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// Workflow is the locally observed state of one tracked backend job.
type Workflow struct {
	ID               string     `json:"id" yaml:"id"`
	Kind             Kind       `json:"kind" yaml:"kind"`
	Status           Status     `json:"status" yaml:"status"`
	Phases           []Phase    `json:"phases" yaml:"phases"`
	Logs             []LogEntry `json:"logs,omitempty" yaml:"logs,omitempty"`
	LastUpdateSource Source     `json:"last_update_source,omitempty" yaml:"last_update_source,omitempty"`
	LastUpdateAt     time.Time  `json:"last_update_at" yaml:"last_update_at"`
	Error            string     `json:"error,omitempty" yaml:"error,omitempty"`

	Generation   int64     `json:"generation,omitempty" yaml:"generation,omitempty"`
	Percent      float64   `json:"percent" yaml:"percent"`
	Optimistic   string    `json:"optimistic,omitempty" yaml:"optimistic,omitempty"`
	OptimisticAt time.Time `json:"-" yaml:"-"`
	Selection    []string  `json:"selection,omitempty" yaml:"selection,omitempty"`
	TrackedSince time.Time `json:"tracked_since" yaml:"tracked_since"`
	LogCap       int       `json:"-" yaml:"-"`
}

const DefaultLogCap = 100

// New returns a not_started workflow laid out with the default phases for kind.
func New(id string, kind Kind, now time.Time, logCap int) Workflow {
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	return Workflow{
		ID:           id,
		Kind:         kind,
		Status:       StatusNotStarted,
		Phases:       DefaultPhases(kind),
		TrackedSince: now,
		LastUpdateAt: now,
		LogCap:       logCap,
	}
}

// Clone returns a deep copy so callers can never alias reconciler state.
func (w Workflow) Clone() Workflow {
	out := w
	if w.Phases != nil {
		out.Phases = append([]Phase(nil), w.Phases...)
	}
	if w.Logs != nil {
		out.Logs = append([]LogEntry(nil), w.Logs...)
	}
	if w.Selection != nil {
		out.Selection = append([]string(nil), w.Selection...)
	}
	return out
}

func (w Workflow) Phase(name string) (Phase, bool) {
	for _, p := range w.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

func (w Workflow) ActivePhase() (Phase, bool) {
	for _, p := range w.Phases {
		if p.Status == PhaseActive {
			return p, true
		}
	}
	return Phase{}, false
}

// PhaseUpdate is a partial phase. Nil pointers and empty status mean "unchanged".
type PhaseUpdate struct {
	Name           string
	Weight         *float64
	CompletedUnits *int
	TotalUnits     *int
	Status         PhaseStatus
}

// Update is a partial workflow coming from push, poll or an optimistic command.
// Zero values mean "no change".
type Update struct {
	ID         string
	Source     Source
	At         time.Time
	Generation int64
	Reset      bool
	Status     Status
	Phases     []PhaseUpdate
	Percent    *float64
	Logs       []LogEntry
	Error      string
	Selection  []string
	Command    string
}
