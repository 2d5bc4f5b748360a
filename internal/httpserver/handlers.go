package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ronappleton/tracker/internal/command"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/tracker"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.tracker.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleWorkflowByID serves /v1/workflows/{id}[/reset|/stream|/commands/{cmd}].
func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/workflows/"), "/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1:
		s.handleWorkflow(w, r, id)
	case len(parts) == 2 && parts[1] == "reset":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.tracker.Reset(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		snap, err := s.tracker.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case len(parts) == 2 && parts[1] == "stream":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleStream(w, r, id)
	case len(parts) == 3 && parts[1] == "commands":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleCommand(w, r, id, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		snap, err := s.tracker.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodPost:
		var body struct {
			Kind string `json:"kind"`
		}
		if raw := readBody(r); len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
		}
		snap, err := s.tracker.Track(r.Context(), id, progress.ParseKind(body.Kind))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	case http.MethodDelete:
		if err := s.tracker.Untrack(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, id, name string) {
	cmd, err := command.Parse(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var payload command.Payload
	if raw := readBody(r); len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
	}
	res, err := s.tracker.Send(r.Context(), id, cmd, payload)
	if err != nil {
		var cmdErr *command.CommandError
		if errors.As(err, &cmdErr) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error(), "result": res})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, cancel, err := s.tracker.Watch(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-updates:
			blob, err := json.Marshal(snap)
			if err != nil {
				s.logger.Warn("encode snapshot", zap.String("workflow_id", id), zap.Error(err))
				continue
			}
			if _, err := w.Write([]byte("data: " + string(blob) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		status = http.StatusNotFound
	case errors.Is(err, command.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, command.ErrUnknownCommand), errors.Is(err, command.ErrInvalidPayload):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	return b
}
