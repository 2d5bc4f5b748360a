package wire

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ronappleton/tracker/internal/progress"
	"github.com/tidwall/gjson"
)

var (
	ErrMalformed   = errors.New("malformed payload")
	ErrUnknownType = errors.New("unknown message type")
)

// DecodePartial parses a PartialWorkflow document. Unknown fields are ignored
// and absent fields mean "unchanged"; only id is required.
func DecodePartial(data []byte, source progress.Source, at time.Time) (progress.Update, error) {
	root, err := parseObject(data)
	if err != nil {
		return progress.Update{}, err
	}
	id := strings.TrimSpace(root.Get("id").String())
	if id == "" {
		return progress.Update{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	return decodeFields(root, id, source, at), nil
}

// DecodeStatus parses a poll response for id. The body may omit id, but a
// different id is rejected.
func DecodeStatus(id string, data []byte, at time.Time) (progress.Update, error) {
	root, err := parseObject(data)
	if err != nil {
		return progress.Update{}, err
	}
	if got := strings.TrimSpace(root.Get("id").String()); got != "" && got != id {
		return progress.Update{}, fmt.Errorf("%w: status for %q returned id %q", ErrMalformed, id, got)
	}
	return decodeFields(root, id, progress.SourcePoll, at), nil
}

func parseObject(data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: expected object", ErrMalformed)
	}
	return root, nil
}

func decodeFields(root gjson.Result, id string, source progress.Source, at time.Time) progress.Update {
	up := progress.Update{ID: id, Source: source, At: at}

	if v := first(root, "status", "state"); v.Exists() {
		if st, ok := progress.ParseStatus(v.String()); ok {
			up.Status = st
		}
	}
	if v := first(root, "generation", "run_generation", "runGeneration"); v.Exists() {
		up.Generation = v.Int()
	}
	up.Reset = root.Get("reset").Bool()

	if v := first(root, "progress_percent", "progressPercent", "progress"); v.Exists() && v.Type != gjson.JSON {
		if f := v.Float(); !math.IsNaN(f) && !math.IsInf(f, 0) {
			up.Percent = &f
		}
	}

	if phases := root.Get("phases"); phases.IsArray() {
		for _, p := range phases.Array() {
			if pu, ok := decodePhase(p); ok {
				up.Phases = append(up.Phases, pu)
			}
		}
	}

	if logs := root.Get("logs"); logs.IsArray() {
		for _, l := range logs.Array() {
			if entry, ok := decodeLog(l, at); ok {
				up.Logs = append(up.Logs, entry)
			}
		}
	}

	if v := root.Get("error"); v.Exists() {
		switch {
		case v.IsObject():
			up.Error = strings.TrimSpace(first(v, "message", "detail").String())
		case v.Type == gjson.String:
			up.Error = strings.TrimSpace(v.String())
		}
	}

	if v := first(root, "selected_sites", "selectedSites"); v.IsArray() {
		sites := []string{}
		for _, s := range v.Array() {
			if name := strings.TrimSpace(s.String()); name != "" {
				sites = append(sites, name)
			}
		}
		up.Selection = sites
	}
	return up
}

func decodePhase(p gjson.Result) (progress.PhaseUpdate, bool) {
	if !p.IsObject() {
		return progress.PhaseUpdate{}, false
	}
	name := strings.TrimSpace(p.Get("name").String())
	if name == "" {
		return progress.PhaseUpdate{}, false
	}
	pu := progress.PhaseUpdate{Name: name}
	if v := p.Get("weight"); v.Exists() {
		w := v.Float()
		pu.Weight = &w
	}
	if v := first(p, "completed_units", "completedUnits", "completed"); v.Exists() {
		n := int(v.Int())
		pu.CompletedUnits = &n
	}
	if v := first(p, "total_units", "totalUnits", "total"); v.Exists() && v.Type != gjson.Null {
		n := int(v.Int())
		pu.TotalUnits = &n
	}
	if v := first(p, "phase_status", "phaseStatus", "status"); v.Exists() {
		if st, ok := progress.ParsePhaseStatus(v.String()); ok {
			pu.Status = st
		}
	}
	return pu, true
}

func decodeLog(l gjson.Result, at time.Time) (progress.LogEntry, bool) {
	if l.Type == gjson.String {
		msg := strings.TrimSpace(l.String())
		return progress.LogEntry{Timestamp: at, Level: "info", Message: msg, Undated: true}, msg != ""
	}
	if !l.IsObject() {
		return progress.LogEntry{}, false
	}
	ts, dated := parseTimestamp(first(l, "timestamp", "ts", "time"))
	entry := progress.LogEntry{
		Timestamp: ts,
		Level:     strings.ToLower(strings.TrimSpace(l.Get("level").String())),
		Message:   strings.TrimSpace(first(l, "message", "msg").String()),
	}
	if !dated {
		entry.Timestamp = at
		entry.Undated = true
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	return entry, entry.Message != ""
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
// It reports false for missing or unparseable values.
func parseTimestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
			return ts.UTC(), true
		}
	case gjson.Number:
		n := v.Int()
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		if n > 0 {
			return time.Unix(n, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func first(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
