package logging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ronappleton/tracker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSinkShipsInfoAndAbove(t *testing.T) {
	got := make(chan logPayload, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/logs", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var p logPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got <- p
	}))
	defer srv.Close()

	s := newSender(srv.URL+"/", "key", "tracker-test", srv.Client())
	s.start()
	logger := attachSink(zap.NewNop(), s, zapcore.InfoLevel).Named("push")

	logger.Debug("not shipped")
	logger.With(zap.String("workflow_id", "wf-1")).Warn("push channel dropped", zap.Int("attempt", 2))

	select {
	case p := <-got:
		assert.Equal(t, "tracker-test", p.Source)
		assert.Equal(t, "warn", p.Level)
		assert.Equal(t, "push channel dropped", p.Message)
		assert.Equal(t, "push", p.Logger)
		assert.Equal(t, map[string]string{"workflow_id": "wf-1", "attempt": "2"}, p.Metadata)
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing shipped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.stop(ctx)
	s.stop(ctx)
	logger.Error("after shutdown")
	assert.Len(t, got, 0)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)

	logger, flush, err := New(config.LoggingConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	flush(context.Background())
}
