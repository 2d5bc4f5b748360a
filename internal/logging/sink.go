package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

type logPayload struct {
	Source    string            `json:"source"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Logger    string            `json:"logger,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// sender ships entries to a remote log collector. Entries are dropped when
// the buffer is full so logging never blocks the caller.
type sender struct {
	baseURL string
	apiKey  string
	source  string
	client  *http.Client
	ch      chan logPayload

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newSender(baseURL, apiKey, source string, client *http.Client) *sender {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &sender{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		source:  source,
		client:  client,
		ch:      make(chan logPayload, 200),
		done:    make(chan struct{}),
	}
}

func (s *sender) start() {
	go func() {
		defer close(s.done)
		for payload := range s.ch {
			s.post(payload)
		}
	}()
}

func (s *sender) post(payload logPayload) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/logs", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err == nil {
		_ = resp.Body.Close()
	}
}

func (s *sender) enqueue(payload logPayload) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
	}
}

// stop flushes what is buffered, giving up when ctx ends.
func (s *sender) stop(ctx context.Context) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

type sinkCore struct {
	level  zapcore.LevelEnabler
	fields []zapcore.Field
	sender *sender
}

func (c *sinkCore) Enabled(level zapcore.Level) bool {
	return c.level.Enabled(level)
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *sinkCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	metadata := make(map[string]string, len(enc.Fields))
	for k, v := range enc.Fields {
		metadata[k] = fmt.Sprint(v)
	}
	payload := logPayload{
		Source:    c.sender.source,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Logger:    entry.LoggerName,
		Timestamp: entry.Time,
		Metadata:  metadata,
	}
	c.sender.enqueue(payload)
	return nil
}

func (c *sinkCore) Sync() error { return nil }
