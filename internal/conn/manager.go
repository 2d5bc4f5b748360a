package conn

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ronappleton/tracker/internal/loop"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/telemetry"
	"github.com/ronappleton/tracker/internal/wire"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var ErrNoURL = errors.New("push url is empty")

// Dialer opens a push channel. Dial runs off the loop.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a live push channel. ReadMessage blocks until a frame arrives or
// the channel fails; Close unblocks it.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Handler receives decoded push updates for one workflow id on the loop.
type Handler func(progress.Update)

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Manager owns the push channel: it dials, reads, routes updates by workflow
// id and reconnects with bounded exponential backoff. Every exported method
// must be called on the loop.
type Manager struct {
	loop   *loop.Loop
	dialer Dialer
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	url      string
	state    State
	attempts int
	manual   bool
	lost     bool
	seq      uint64
	conn     Conn
	retry    *loop.Timer
	backoff  *backoff.ExponentialBackOff
	handlers map[string]Handler

	stateListeners []func(State)
	lostListeners  []func()

	dials     metric.Int64Counter
	failures  metric.Int64Counter
	malformed metric.Int64Counter
}

func NewManager(l *loop.Loop, dialer Dialer, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	meter := telemetry.Meter()
	return &Manager{
		loop:     l,
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		backoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(cfg.BaseDelay),
			backoff.WithMaxInterval(cfg.MaxDelay),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(cfg.Jitter),
			backoff.WithMaxElapsedTime(0),
		),
		dials:     telemetry.Counter(meter, "tracker.push.dials", "Push channel dial attempts"),
		failures:  telemetry.Counter(meter, "tracker.push.dial_failures", "Push channel dials that failed"),
		malformed: telemetry.Counter(meter, "tracker.push.malformed", "Push messages dropped as malformed"),
	}
}

func (m *Manager) State() State { return m.state }

// Attempts counts consecutive failed dials since the channel was last open.
func (m *Manager) Attempts() int { return m.attempts }

// Lost reports whether reconnect attempts ran out.
func (m *Manager) Lost() bool { return m.lost }

func (m *Manager) URL() string { return m.url }

// OnStateChange registers fn to run on the loop after every state change.
func (m *Manager) OnStateChange(fn func(State)) {
	m.stateListeners = append(m.stateListeners, fn)
}

// OnLost registers fn to run once reconnect attempts are exhausted.
func (m *Manager) OnLost(fn func()) {
	m.lostListeners = append(m.lostListeners, fn)
}

// Subscribe routes push updates for id to h, replacing any earlier handler.
func (m *Manager) Subscribe(id string, h Handler) {
	m.handlers[id] = h
}

func (m *Manager) Unsubscribe(id string) {
	delete(m.handlers, id)
}

// Connect opens the push channel to url. Calling it while connecting or open
// is a no-op; calling it after Disconnect or after attempts ran out starts a
// fresh attempt sequence.
func (m *Manager) Connect(url string) error {
	if url == "" {
		return ErrNoURL
	}
	if m.state == StateConnecting || m.state == StateOpen {
		return nil
	}
	m.url = url
	m.manual = false
	m.lost = false
	m.attempts = 0
	m.backoff.Reset()
	m.retry.Stop()
	m.dial()
	return nil
}

// Disconnect closes the channel and suppresses reconnection until the next Connect.
func (m *Manager) Disconnect() {
	m.manual = true
	m.retry.Stop()
	m.retry = nil

	switch m.state {
	case StateOpen, StateConnecting:
		m.seq++
		m.setState(StateClosing)
		if c := m.conn; c != nil {
			m.conn = nil
			go func() { _ = c.Close() }()
		}
		m.setState(StateClosed)
		m.logger.Info("push channel disconnected", zap.String("url", m.url))
	}
}

// Close disconnects and abandons any dial still running.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

func (m *Manager) dial() {
	m.retry = nil
	if !m.setState(StateConnecting) {
		return
	}
	m.seq++
	seq, url := m.seq, m.url
	m.dials.Add(m.ctx, 1)
	m.logger.Debug("dialing push channel", zap.String("url", url), zap.Int("attempt", m.attempts+1))

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		defer cancel()
		c, err := m.dialer.Dial(ctx, url)
		if !m.loop.Post(func() { m.dialed(seq, c, err) }) && c != nil {
			_ = c.Close()
		}
	}()
}

func (m *Manager) dialed(seq uint64, c Conn, err error) {
	if seq != m.seq || m.manual {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	if err != nil {
		m.attempts++
		m.failures.Add(m.ctx, 1)
		m.logger.Warn("push channel dial failed",
			zap.String("url", m.url),
			zap.Int("attempt", m.attempts),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Error(err))
		m.setState(StateClosed)
		m.scheduleReconnect()
		return
	}

	m.conn = c
	m.attempts = 0
	m.backoff.Reset()
	m.setState(StateOpen)
	m.logger.Info("push channel open", zap.String("url", m.url))
	go m.read(seq, c)
}

func (m *Manager) read(seq uint64, c Conn) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			_ = c.Close()
			m.loop.Post(func() { m.dropped(seq, err) })
			return
		}
		at := time.Now()
		if !m.loop.Post(func() { m.receive(seq, data, at) }) {
			_ = c.Close()
			return
		}
	}
}

func (m *Manager) receive(seq uint64, data []byte, at time.Time) {
	if seq != m.seq {
		return
	}
	msg, err := wire.DecodeMessage(data)
	if err != nil {
		m.malformed.Add(m.ctx, 1)
		m.logger.Warn("dropping push message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	up, err := wire.DecodePartial(msg.Data, progress.SourcePush, at)
	if err != nil {
		m.malformed.Add(m.ctx, 1)
		m.logger.Warn("dropping push payload", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	h, ok := m.handlers[up.ID]
	if !ok {
		return
	}
	h(up)
}

func (m *Manager) dropped(seq uint64, err error) {
	if seq != m.seq {
		return
	}
	m.conn = nil
	m.logger.Warn("push channel dropped", zap.String("url", m.url), zap.Error(err))
	m.setState(StateClosed)
	if m.manual {
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.attempts >= m.cfg.MaxAttempts {
		m.lost = true
		m.logger.Error("push channel lost, relying on polling",
			zap.String("url", m.url),
			zap.Int("attempts", m.attempts))
		for _, fn := range m.lostListeners {
			fn()
		}
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = m.cfg.MaxDelay
	}
	m.logger.Debug("push reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempts", m.attempts))
	m.retry = m.loop.AfterFunc(delay, m.dial)
}

func (m *Manager) setState(to State) bool {
	if m.state == to {
		return true
	}
	if !m.state.CanTransition(to) {
		m.logger.Error("invalid push state transition",
			zap.Stringer("from", m.state),
			zap.Stringer("to", to))
		return false
	}
	m.state = to
	for _, fn := range m.stateListeners {
		fn(to)
	}
	return true
}
