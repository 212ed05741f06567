package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle state of the realtime channel
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
)

// Defaults applied when Config leaves a field zero
const (
	DefaultReconnectDelay = 300 * time.Millisecond
	DefaultPollInterval   = time.Second
	DefaultPollTimeout    = 5 * time.Second
)

// SessionIdentity supplies and records the realtime session identifier
type SessionIdentity interface {
	ResumeID(ctx context.Context) string
	Adopt(ctx context.Context, id string)
}

// StatusFetcher fetches queue status over HTTP for the polling fallback
type StatusFetcher interface {
	GetPromptStatus(ctx context.Context) (*protocol.Status, error)
}

// Config holds Manager configuration
type Config struct {
	// URL is the realtime endpoint without query, e.g. ws://host:8188/ws
	URL            string
	Header         http.Header
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration

	Dispatcher ports.EventDispatcher
	Identity   SessionIdentity
	Status     StatusFetcher
	Metrics    ports.MetricsCollector
	Logger     *zap.Logger
}

// Manager owns the single realtime channel and its reconnect loop
type Manager struct {
	url            *url.URL
	header         http.Header
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	dispatcher     ports.EventDispatcher
	identity       SessionIdentity
	metrics        ports.MetricsCollector
	logger         *zap.Logger
	poller         *Poller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// delivering is non-zero while a handler runs on the read goroutine
	delivering atomic.Int32

	mu             sync.Mutex
	conn           *websocket.Conn
	dialing        bool
	reconnectTimer *time.Timer
	state          State
	closed         bool

	reportedMu sync.Mutex
	reported   map[protocol.Kind]struct{}
}

// NewManager creates a new connection manager. Nothing is dialed until
// Start is called.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, fmt.Errorf("realtime URL must use ws or wss, got %q", target.Scheme)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics ports.MetricsCollector = ports.NopMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		url:            target,
		header:         cfg.Header,
		dialer:         dialer,
		reconnectDelay: delay,
		dispatcher:     cfg.Dispatcher,
		identity:       cfg.Identity,
		metrics:        metrics,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateDisconnected,
		reported:       make(map[protocol.Kind]struct{}),
	}

	if cfg.Status != nil {
		m.poller = NewPoller(cfg.Status, cfg.Dispatcher, cfg.PollInterval, cfg.PollTimeout, metrics, logger)
	}

	return m, nil
}

// Start opens the realtime channel. It returns immediately if a channel
// is already held, being dialed, or waiting to reconnect.
func (m *Manager) Start() {
	m.connect(false)
}

// State returns the current channel state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Polling reports whether the status polling fallback is running
func (m *Manager) Polling() bool {
	return m.poller != nil && m.poller.Running()
}

// Close tears down the channel, the reconnect timer and the poll loop.
// The Manager cannot be restarted afterwards. Called from an event
// handler, Close returns without waiting for the read goroutine, which
// exits once the handler returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if m.poller != nil {
		m.poller.Stop()
	}

	if m.delivering.Load() == 0 {
		m.wg.Wait()
	}
	m.logger.Info("realtime connection closed")
	return nil
}

// connect begins a connection attempt unless a channel is already held
func (m *Manager) connect(isReconnect bool) {
	m.mu.Lock()
	if m.closed || m.conn != nil || m.dialing || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.setStateLocked(StateConnecting)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(isReconnect)
}

// run dials, serves the channel until it is lost, then hands off to the
// close handling.
func (m *Manager) run(isReconnect bool) {
	defer m.wg.Done()

	target := m.realtimeURL()
	m.logger.Info("connecting realtime channel",
		zap.String("url", target),
		zap.Bool("reconnect", isReconnect))

	conn, _, err := m.dialer.DialContext(m.ctx, target, m.header)
	if err != nil {
		m.onError(isReconnect, err)
		return
	}

	m.mu.Lock()
	m.dialing = false
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	if m.poller != nil && m.poller.Running() {
		m.poller.Stop()
	}

	m.logger.Info("realtime channel open", zap.Bool("reconnect", isReconnect))
	if isReconnect {
		m.signal(protocol.KindReconnected)
	}

	m.readLoop(conn)
	m.onClose(true)
}

// onError handles a failed attempt that never reached Open
func (m *Manager) onError(isReconnect bool, err error) {
	m.mu.Lock()
	m.dialing = false
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.logger.Warn("realtime channel error",
		zap.Bool("reconnect", isReconnect),
		zap.Error(err))

	if !isReconnect {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.startPolling()
		return
	}

	m.onClose(false)
}

// onClose publishes the degraded state for a lost channel and schedules
// the next attempt.
func (m *Manager) onClose(opened bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	if opened {
		m.publish(protocol.KindStatus, nil)
		m.signal(protocol.KindReconnecting)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.conn = nil
		m.mu.Unlock()

		m.metrics.RecordReconnect()
		m.connect(true)
	})
}

func (m *Manager) startPolling() {
	if m.poller == nil {
		m.logger.Warn("realtime channel unavailable and no status fetcher configured")
		return
	}
	m.logger.Info("falling back to status polling")
	m.poller.Start(m.ctx)
}

// readLoop reads frames in arrival order until the channel fails
func (m *Manager) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || m.ctx.Err() != nil {
				m.logger.Info("realtime channel closed", zap.Error(err))
			} else {
				m.logger.Warn("realtime channel lost", zap.Error(err))
			}
			return
		}
		m.handleFrame(messageType, data)
	}
}

// handleFrame decodes and dispatches one frame. Failures are logged and
// the frame is dropped.
func (m *Manager) handleFrame(messageType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("unhandled message", zap.Any("panic", r))
		}
	}()

	switch messageType {
	case websocket.BinaryMessage:
		msg, err := protocol.DecodeBinary(data)
		if err != nil {
			m.metrics.RecordDecodeError("binary")
			m.logger.Warn("unhandled message",
				zap.Int("size", len(data)),
				zap.Error(err))
			return
		}
		m.metrics.RecordFrame(msg.Kind)
		m.publish(msg.Kind, msg.Preview)

	case websocket.TextMessage:
		msg, err := protocol.DecodeText(data)
		if err != nil {
			m.metrics.RecordDecodeError("text")
			m.logger.Warn("unhandled message",
				zap.ByteString("data", truncate(data, 256)),
				zap.Error(err))
			return
		}
		m.dispatch(msg)
	}
}

// dispatch routes a decoded text message to the dispatcher
func (m *Manager) dispatch(msg *protocol.Message) {
	switch {
	case msg.Kind == protocol.KindStatus:
		var status protocol.StatusMessage
		if len(msg.Data) > 0 {
			if err := sonic.Unmarshal(msg.Data, &status); err != nil {
				m.metrics.RecordDecodeError("payload")
				m.logger.Warn("unhandled message",
					zap.String("kind", string(msg.Kind)),
					zap.Error(err))
				return
			}
		}
		if status.SID != "" && m.identity != nil {
			m.identity.Adopt(m.ctx, status.SID)
		}
		m.metrics.RecordFrame(msg.Kind)
		if status.Status == nil {
			m.publish(protocol.KindStatus, nil)
		} else {
			m.publish(protocol.KindStatus, status.Status)
		}

	case forwardable(msg.Kind) || m.dispatcher.Subscribed(msg.Kind):
		payload, err := protocol.DecodePayload(msg)
		if err != nil {
			m.metrics.RecordDecodeError("payload")
			m.logger.Warn("unhandled message",
				zap.String("kind", string(msg.Kind)),
				zap.Error(err))
			return
		}
		m.metrics.RecordFrame(msg.Kind)
		m.publish(msg.Kind, payload)

	default:
		m.reportUnknown(msg.Kind)
	}
}

// reportUnknown warns once per kind for the lifetime of the Manager
func (m *Manager) reportUnknown(kind protocol.Kind) {
	m.reportedMu.Lock()
	_, seen := m.reported[kind]
	if !seen {
		m.reported[kind] = struct{}{}
	}
	m.reportedMu.Unlock()

	if seen {
		return
	}
	m.metrics.RecordUnknownKind()
	m.logger.Warn("unknown message kind", zap.String("kind", string(kind)))
}

// realtimeURL appends the resumable session identifier, if any
func (m *Manager) realtimeURL() string {
	u := *m.url
	if m.identity != nil {
		if id := m.identity.ResumeID(m.ctx); id != "" {
			q := u.Query()
			q.Set("clientId", id)
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

func (m *Manager) publish(kind protocol.Kind, payload any) {
	m.delivering.Add(1)
	defer m.delivering.Add(-1)
	m.dispatcher.Publish(kind, payload)
}

func (m *Manager) signal(kind protocol.Kind) {
	m.delivering.Add(1)
	defer m.delivering.Add(-1)
	m.dispatcher.Signal(kind)
}

func (m *Manager) setStateLocked(state State) {
	m.state = state
	m.metrics.RecordConnectionState(string(state))
}

// forwardable kinds are dispatched without prior subscription. Signal
// kinds are produced locally and only forwarded when subscribed.
func forwardable(kind protocol.Kind) bool {
	return protocol.IsKnown(kind) && !protocol.IsSignal(kind)
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
