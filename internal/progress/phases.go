package progress

const (
	PhaseSearch            = "search"
	PhaseRelevanceAnalysis = "relevance_analysis"
	PhaseAgentCreation     = "agent_creation"
	PhaseTraining          = "training"
)

// DefaultPhases lays out the phases a kind is expected to go through, in
// execution order. Backend-supplied weights replace these on first sight.
func DefaultPhases(kind Kind) []Phase {
	switch kind {
	case KindDiscovery:
		return []Phase{
			{Name: PhaseSearch, Weight: 0.5, Status: PhasePending},
			{Name: PhaseRelevanceAnalysis, Weight: 0.5, Status: PhasePending},
		}
	case KindRelevanceAnalysis:
		return []Phase{{Name: PhaseRelevanceAnalysis, Weight: 1, Status: PhasePending}}
	case KindAgentCreation:
		return []Phase{{Name: PhaseAgentCreation, Weight: 1, Status: PhasePending}}
	case KindTraining:
		return []Phase{{Name: PhaseTraining, Weight: 1, Status: PhasePending}}
	default:
		return nil
	}
}

// DerivePercentage is the weighted completion of w in [0,100]. It never
// reports less than the highest percentage already recorded for this run.
func DerivePercentage(w Workflow) float64 {
	pct := phasePercentage(w.Phases)
	if w.Percent > pct {
		pct = w.Percent
	}
	if w.Status == StatusCompleted {
		pct = 100
	}
	return clampPercent(pct)
}

func phasePercentage(phases []Phase) float64 {
	if len(phases) == 0 {
		return 0
	}
	var weightSum float64
	for _, p := range phases {
		if p.Weight > 0 {
			weightSum += p.Weight
		}
	}
	var total float64
	for _, p := range phases {
		if weightSum > 0 {
			if p.Weight > 0 {
				total += p.Weight / weightSum * p.Fraction()
			}
			continue
		}
		// no weights at all: share equally
		total += p.Fraction() / float64(len(phases))
	}
	return total * 100
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
