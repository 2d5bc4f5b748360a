package progress

import (
	"math"
	"slices"
	"time"
)

// Merge folds in into cur and reports whether anything was accepted. Stale
// or regressive fields are dropped; cur is never modified.
//
// An update restarts the run when it carries a higher generation than the one
// recorded, or declares a reset and is newer than the last accepted mutation.
func Merge(cur Workflow, in Update) (Workflow, bool) {
	if in.ID != "" && in.ID != cur.ID {
		return cur, false
	}
	if !in.At.IsZero() && in.At.Before(cur.TrackedSince) {
		return cur, false
	}
	if in.Generation != 0 && in.Generation < cur.Generation {
		return cur, false
	}

	if in.Source == SourceOptimistic {
		in = optimisticOnly(cur, in)
	}

	next := cur.Clone()
	if next.LogCap <= 0 {
		next.LogCap = DefaultLogCap
	}
	changed := false

	newRun := cur.Generation != 0 && in.Generation > cur.Generation
	declaredReset := in.Reset && in.At.After(cur.LastUpdateAt)
	if newRun || declaredReset {
		next = restart(cur)
		changed = true
	}
	if in.Generation > next.Generation {
		next.Generation = in.Generation
		changed = true
	}

	statusAccepted := in.Status != "" && CanAdvance(next.Status, in.Status)
	if statusAccepted && in.Status != next.Status {
		next.Status = in.Status
		changed = true
	}

	if len(in.Phases) > 0 && mergePhases(&next, in.Phases) {
		changed = true
	}

	if in.Percent != nil && !math.IsNaN(*in.Percent) {
		if p := clampPercent(*in.Percent); p > next.Percent {
			next.Percent = p
			changed = true
		}
	}

	if len(in.Logs) > 0 {
		var appended bool
		next.Logs, appended = appendLogs(next.Logs, in.Logs, next.LogCap)
		changed = changed || appended
	}

	if in.Error != "" && in.Error != next.Error {
		next.Error = in.Error
		changed = true
	}

	if in.Selection != nil && !slices.Equal(in.Selection, next.Selection) {
		next.Selection = append([]string(nil), in.Selection...)
		changed = true
	}

	switch {
	case in.Source == SourceOptimistic:
		if in.Command != "" && (changed || next.Optimistic != in.Command) {
			next.Optimistic = in.Command
			next.OptimisticAt = in.At
			changed = true
		}
	case in.Source.Authoritative() && next.Optimistic != "" && supersedes(cur, in):
		next.Optimistic = ""
		next.OptimisticAt = time.Time{}
		changed = true
	}

	// A push that repeats known state still proves the channel is live.
	if !changed && in.Source == SourcePush && cur.LastUpdateSource != SourcePush && !in.At.Before(cur.LastUpdateAt) {
		changed = true
	}

	if !changed {
		return cur, false
	}

	if pct := DerivePercentage(next); pct > next.Percent {
		next.Percent = pct
	}
	if in.At.After(next.LastUpdateAt) {
		next.LastUpdateAt = in.At
	}
	next.LastUpdateSource = in.Source
	return next, true
}

// optimisticOnly strips a command's local effect down to what authoritative
// data can replace later: a status within the current rank, the site
// selection and the command marker. Phases, percentages and logs only ever
// come from the backend.
func optimisticOnly(cur Workflow, in Update) Update {
	out := Update{
		ID:        in.ID,
		Source:    in.Source,
		At:        in.At,
		Selection: in.Selection,
		Command:   in.Command,
	}
	if in.Status != "" && in.Status.Rank() == cur.Status.Rank() {
		out.Status = in.Status
	}
	return out
}

// supersedes reports whether an authoritative update reflects the backend
// after the pending command was sent. A regressive status marks it as stale.
func supersedes(cur Workflow, in Update) bool {
	if in.At.Before(cur.OptimisticAt) {
		return false
	}
	return in.Status == "" || in.Status == cur.Status || CanAdvance(cur.Status, in.Status)
}

func restart(cur Workflow) Workflow {
	fresh := New(cur.ID, cur.Kind, cur.TrackedSince, cur.LogCap)
	fresh.Generation = cur.Generation
	fresh.LastUpdateAt = cur.LastUpdateAt
	return fresh
}

func mergePhases(w *Workflow, updates []PhaseUpdate) bool {
	updates = collapsePhaseUpdates(updates)
	changed := false
	for i, up := range updates {
		idx := slices.IndexFunc(w.Phases, func(p Phase) bool { return p.Name == up.Name })
		inserted := false
		if idx < 0 {
			w.Phases, idx = insertPhase(w.Phases, Phase{Name: up.Name, Status: PhasePending}, updates, i)
			inserted = true
			changed = true
		}
		if mergePhase(&w.Phases[idx], up, inserted) {
			changed = true
		}
	}
	if settleActive(w.Phases) {
		changed = true
	}
	return changed
}

// collapsePhaseUpdates folds repeated phase names into one update at the
// position of the first occurrence and drops unnamed entries.
func collapsePhaseUpdates(updates []PhaseUpdate) []PhaseUpdate {
	out := make([]PhaseUpdate, 0, len(updates))
	for _, up := range updates {
		if up.Name == "" {
			continue
		}
		i := slices.IndexFunc(out, func(x PhaseUpdate) bool { return x.Name == up.Name })
		if i < 0 {
			out = append(out, up)
			continue
		}
		prev := &out[i]
		if up.Weight != nil {
			prev.Weight = up.Weight
		}
		if up.TotalUnits != nil && (prev.TotalUnits == nil || *prev.TotalUnits <= 0) {
			prev.TotalUnits = up.TotalUnits
		}
		if up.CompletedUnits != nil && (prev.CompletedUnits == nil || *up.CompletedUnits > *prev.CompletedUnits) {
			prev.CompletedUnits = up.CompletedUnits
		}
		if up.Status.Rank() > prev.Status.Rank() {
			prev.Status = up.Status
		}
	}
	return out
}

func mergePhase(p *Phase, up PhaseUpdate, inserted bool) bool {
	changed := false
	if up.Weight != nil && acceptWeight(*p, *up.Weight, inserted) {
		p.Weight = *up.Weight
		changed = true
	}
	// A total below the units already seen is inconsistent and left unknown.
	if up.TotalUnits != nil && p.TotalUnits == 0 && *up.TotalUnits > 0 && *up.TotalUnits >= p.CompletedUnits {
		p.TotalUnits = *up.TotalUnits
		changed = true
	}
	if up.CompletedUnits != nil {
		completed := *up.CompletedUnits
		if p.TotalUnits > 0 && completed > p.TotalUnits {
			completed = p.TotalUnits
		}
		if completed > p.CompletedUnits {
			p.CompletedUnits = completed
			changed = true
		}
	}
	if up.Status != "" && phaseCanAdvance(p.Status, up.Status) {
		p.Status = up.Status
		changed = true
	}
	return changed
}

// acceptWeight allows the backend to re-weight a phase only before it has
// made any progress.
func acceptWeight(p Phase, weight float64, inserted bool) bool {
	if weight <= 0 || math.IsNaN(weight) || weight == p.Weight {
		return false
	}
	if inserted || p.Weight == 0 {
		return true
	}
	return p.CompletedUnits == 0 && p.Status == PhasePending
}

// insertPhase places an unknown phase after its nearest known predecessor in
// the incoming list, or before its nearest known successor, or at the end.
func insertPhase(phases []Phase, p Phase, updates []PhaseUpdate, at int) ([]Phase, int) {
	indexOf := func(name string) int {
		return slices.IndexFunc(phases, func(x Phase) bool { return x.Name == name })
	}
	for j := at - 1; j >= 0; j-- {
		if k := indexOf(updates[j].Name); k >= 0 {
			return slices.Insert(phases, k+1, p), k + 1
		}
	}
	for j := at + 1; j < len(updates); j++ {
		if k := indexOf(updates[j].Name); k >= 0 {
			return slices.Insert(phases, k, p), k
		}
	}
	return append(phases, p), len(phases)
}

// settleActive keeps at most one active phase: the latest one in execution
// order wins and earlier ones are considered done.
func settleActive(phases []Phase) bool {
	last := -1
	for i, p := range phases {
		if p.Status == PhaseActive {
			last = i
		}
	}
	changed := false
	for i := 0; i < last; i++ {
		if phases[i].Status == PhaseActive {
			phases[i].Status = PhaseDone
			changed = true
		}
	}
	return changed
}

// appendLogs adds the entries of in not already retained. Backends resend
// their recent window, so entries overlapping the retained tail are skipped
// by content; undated entries match regardless of their receipt time.
func appendLogs(cur []LogEntry, in []LogEntry, limit int) ([]LogEntry, bool) {
	if len(in) > limit {
		in = in[len(in)-limit:]
	}
	if containsRun(cur, in) {
		return cur, false
	}
	in = in[overlap(cur, in):]

	out := cur
	appended := false
	for _, e := range in {
		if n := len(out); n > 0 && !e.Undated {
			last := out[n-1]
			if !last.Undated && e.Timestamp.Before(last.Timestamp) {
				continue
			}
		}
		out = append(out, e)
		appended = true
	}
	if len(out) > limit {
		out = append([]LogEntry(nil), out[len(out)-limit:]...)
	}
	return out, appended
}

// overlap is the length of the longest suffix of cur that starts in.
func overlap(cur, in []LogEntry) int {
	for k := min(len(cur), len(in)); k > 0; k-- {
		if sameRun(cur[len(cur)-k:], in[:k]) {
			return k
		}
	}
	return 0
}

// containsRun reports whether in appears as a contiguous run of cur.
func containsRun(cur, in []LogEntry) bool {
	if len(in) == 0 {
		return true
	}
	for i := 0; i+len(in) <= len(cur); i++ {
		if sameRun(cur[i:i+len(in)], in) {
			return true
		}
	}
	return false
}

func sameRun(a, b []LogEntry) bool {
	for i := range a {
		if !sameLog(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameLog(a, b LogEntry) bool {
	if a.Level != b.Level || a.Message != b.Message {
		return false
	}
	return a.Undated || b.Undated || a.Timestamp.Equal(b.Timestamp)
}
