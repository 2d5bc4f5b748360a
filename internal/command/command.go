package command

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ronappleton/tracker/internal/progress"
)

type Command string

const (
	Pause        Command = "pause"
	Resume       Command = "resume"
	Stop         Command = "stop"
	SelectSites  Command = "select_sites"
	CreateAgents Command = "create_agents"
)

var (
	ErrBusy           = errors.New("command already in flight")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidPayload = errors.New("invalid command payload")
)

func Commands() []Command {
	return []Command{Pause, Resume, Stop, SelectSites, CreateAgents}
}

// Parse accepts both select_sites and select-sites spellings.
func Parse(raw string) (Command, error) {
	c := Command(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	for _, known := range Commands() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, raw)
}

type Payload struct {
	Sites   []string `json:"sites,omitempty"`
	AgentID string   `json:"agent_id,omitempty"`
}

// CommandError reports a command the backend did not accept.
type CommandError struct {
	ID      string
	Command Command
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Command, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

type request struct {
	path string
	body any
}

func route(id string, cmd Command, p Payload) (request, error) {
	wf := "/workflows/" + url.PathEscape(id)
	switch cmd {
	case Pause, Resume, Stop:
		return request{path: wf + "/" + string(cmd)}, nil
	case SelectSites:
		sites := cleanSites(p.Sites)
		if len(sites) == 0 {
			return request{}, fmt.Errorf("%w: select_sites needs at least one site", ErrInvalidPayload)
		}
		return request{path: wf + "/select-sites", body: map[string]any{"sites": sites}}, nil
	case CreateAgents:
		agent := strings.TrimSpace(p.AgentID)
		if agent == "" {
			return request{}, fmt.Errorf("%w: create_agents needs an agent id", ErrInvalidPayload)
		}
		body := map[string]any{"workflow_id": id}
		if sites := cleanSites(p.Sites); len(sites) > 0 {
			body["sites"] = sites
		}
		return request{path: "/agents/" + url.PathEscape(agent) + "/competitive-map/create-agents", body: body}, nil
	default:
		return request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// optimistic is the local effect of a command the backend accepted.
func optimistic(id string, cmd Command, p Payload, at time.Time) progress.Update {
	up := progress.Update{
		ID:      id,
		Source:  progress.SourceOptimistic,
		At:      at,
		Command: string(cmd),
	}
	switch cmd {
	case Pause:
		up.Status = progress.StatusPausing
	case Resume:
		up.Status = progress.StatusResuming
	case Stop:
		up.Status = progress.StatusStopping
	case SelectSites:
		up.Selection = cleanSites(p.Sites)
	case CreateAgents:
		up.Status = progress.StatusRunning
	}
	return up
}

func cleanSites(sites []string) []string {
	out := make([]string, 0, len(sites))
	seen := make(map[string]struct{}, len(sites))
	for _, s := range sites {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
