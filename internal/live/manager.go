// Package live maintains the WebSocket event stream to the chat server.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// DefaultReconnectDelay is the fixed wait between a connection loss
	// and the next dial.
	DefaultReconnectDelay = 3 * time.Second

	// defaultDialTimeout bounds a single dial attempt.
	defaultDialTimeout = 15 * time.Second

	// maxPingTimeout bounds how long a heartbeat waits for its pong.
	maxPingTimeout = 10 * time.Second

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the event loop.
	inboundChanSize = 64
)

var (
	errAlreadyRunning = errors.New("live connection already running")
	errManagerClosed  = errors.New("live connection manager closed")
)

// State is the transient state of the live connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sendOp is a write submitted to the event loop.
type sendOp struct {
	data   []byte
	result chan error
}

// Config holds the connection parameters.
type Config struct {
	// ServerURL is the REST base URL; the live URL is derived from it.
	ServerURL      string
	ReconnectDelay time.Duration
	// PingInterval is the heartbeat period. Zero disables the heartbeat.
	PingInterval time.Duration
	DialTimeout  time.Duration
}

// Manager owns the live connection.
//
// A reader goroutine feeds raw frames into a channel. A single event loop
// per connection decodes inbound frames, performs every write, and runs
// the heartbeat, so writes never race. When the connection drops, Run
// waits exactly ReconnectDelay and dials again, forever, until its
// context is cancelled or the manager is closed.
type Manager struct {
	logger       *slog.Logger
	serverURL    string
	delay        time.Duration
	pingInterval time.Duration
	dialTimeout  time.Duration
	dial         dialFunc

	// opCh carries sends to whichever event loop is running. Unbuffered
	// so a send is only accepted by a live loop.
	opCh chan sendOp

	// lifeCtx bounds every Run. Close cancels it.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu         sync.Mutex
	state      State
	retryCount int
	running    bool
	connDone   chan struct{}
	onMessage  func(models.Message)
	onOpen     func(reconnect bool)

	// runMu guards the background run started by Start.
	runMu    sync.Mutex
	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// NewManager creates an idle manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	return &Manager{
		logger:       logger.With(slog.String("component", "live")),
		serverURL:    cfg.ServerURL,
		delay:        cfg.ReconnectDelay,
		pingInterval: cfg.PingInterval,
		dialTimeout:  cfg.DialTimeout,
		dial:         dialWebSocket,
		opCh:         make(chan sendOp),
		lifeCtx:      lifeCtx,
		lifeCancel:   lifeCancel,
	}
}

// OnMessage registers the callback for decoded inbound messages. It runs
// on the event loop goroutine.
func (m *Manager) OnMessage(fn func(models.Message)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// OnOpen registers the callback invoked after every successful dial.
// reconnect is false for the first connection of a Run. The callback runs
// on its own goroutine so it may block on network calls.
func (m *Manager) OnOpen(fn func(reconnect bool)) {
	m.mu.Lock()
	m.onOpen = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryCount returns the number of reconnects scheduled since the current
// Run started.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run connects with token and keeps the connection alive until ctx is
// cancelled or Close is called. Every loss, including a failed dial, is
// followed by exactly one reconnect after the fixed delay. Run returns
// nil after Close and ctx.Err() after cancellation.
func (m *Manager) Run(ctx context.Context, token string) error {
	wsURL, err := WebSocketURL(m.serverURL, token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.lifeCtx.Err() != nil {
		m.mu.Unlock()
		return errManagerClosed
	}

	if m.running {
		m.mu.Unlock()
		return errAlreadyRunning
	}

	m.running = true
	m.retryCount = 0
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(m.lifeCtx, cancel)
	defer stop()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.state = StateClosed
		m.mu.Unlock()
	}()

	opened := false

	for {
		m.setState(StateConnecting)

		conn, err := m.dialOnce(ctx, wsURL)
		if err == nil {
			err = m.serve(ctx, conn, opened)
			opened = true
		}

		m.setState(StateClosed)

		if ctx.Err() != nil {
			if m.lifeCtx.Err() != nil {
				m.logger.Info("live connection closed")
				return nil
			}

			return ctx.Err()
		}

		m.mu.Lock()
		m.retryCount++
		attempt := m.retryCount
		m.mu.Unlock()

		m.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", m.delay),
			slog.Int("attempt", attempt),
		)

		timer := time.NewTimer(m.delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			if m.lifeCtx.Err() != nil {
				return nil
			}

			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) dialOnce(ctx context.Context, wsURL string) (wsConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w: %w", chaterrors.ErrConnectionLost, err)
	}

	return conn, nil
}

// serve runs one connection until it fails or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn wsConn, reconnect bool) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	inbound := startReader(connCtx, conn)
	done := make(chan struct{})

	m.mu.Lock()
	m.state = StateOpen
	m.connDone = done
	onOpen := m.onOpen
	m.mu.Unlock()

	if reconnect {
		m.logger.Info("reconnected")
	} else {
		m.logger.Info("connected")
	}

	if onOpen != nil {
		go onOpen(reconnect)
	}

	err := m.eventLoop(connCtx, conn, inbound)

	m.mu.Lock()
	m.state = StateClosed
	m.connDone = nil
	m.mu.Unlock()
	close(done)

	conn.Close(websocket.StatusNormalClosure, "bye")

	return err
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. The read error is delivered as the final message.
func startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop processes inbound frames, sends and heartbeats for a single
// connection. All writes happen here.
func (m *Manager) eventLoop(ctx context.Context, conn wsConn, inbound <-chan inboundMsg) error {
	var pingC <-chan time.Time

	if m.pingInterval > 0 {
		ticker := time.NewTicker(m.pingInterval)
		defer ticker.Stop()

		pingC = ticker.C
	}

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w: %w", chaterrors.ErrConnectionLost, msg.err)
			}

			if msg.typ == websocket.MessageBinary {
				m.logger.Warn("dropping binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.handleFrame(msg.data)

		case op := <-m.opCh:
			if err := conn.Write(ctx, websocket.MessageText, op.data); err != nil {
				err = fmt.Errorf("writing message: %w: %w", chaterrors.ErrConnectionLost, err)
				op.result <- err

				return err
			}

			op.result <- nil

		case <-pingC:
			pingCtx, cancel := context.WithTimeout(ctx, min(m.pingInterval, maxPingTimeout))
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				return fmt.Errorf("heartbeat: %w: %w", chaterrors.ErrConnectionLost, err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame validates and decodes one inbound text frame. Frames that
// are not JSON objects or lack a sender are dropped; the connection stays
// open.
func (m *Manager) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		m.logger.Warn("dropping malformed frame",
			slog.Int("bytes", len(data)),
			slog.String("error", chaterrors.ErrProtocol.Error()),
		)

		return
	}

	if !gjson.GetBytes(data, "sender_id").Exists() {
		m.logger.Warn("dropping frame without sender_id",
			slog.Int("bytes", len(data)),
			slog.String("error", chaterrors.ErrProtocol.Error()),
		)

		return
	}

	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("dropping undecodable frame",
			slog.String("error", fmt.Errorf("%w: %w", chaterrors.ErrProtocol, err).Error()),
		)

		return
	}

	msg.Status = models.StatusReceived

	m.mu.Lock()
	onMessage := m.onMessage
	m.mu.Unlock()

	if onMessage != nil {
		onMessage(msg)
	}
}

// Send writes frame to the live connection and waits for the write to
// complete. It returns ErrNotConnected unless the connection is open.
func (m *Manager) Send(ctx context.Context, frame models.OutboundMessage) error {
	m.mu.Lock()
	state, done := m.state, m.connDone
	m.mu.Unlock()

	if state != StateOpen || done == nil {
		return chaterrors.ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	op := sendOp{data: data, result: make(chan error, 1)}

	select {
	case m.opCh <- op:
	case <-done:
		return chaterrors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the connection in the background with token, replacing any
// run already started. The run lasts until Stop or Close.
func (m *Manager) Start(token string) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.stopLocked()

	if m.lifeCtx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(m.lifeCtx)
	done := make(chan struct{})
	m.bgCancel = cancel
	m.bgDone = done

	go func() {
		defer close(done)

		if err := m.Run(ctx, token); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("live connection stopped", slog.String("error", err.Error()))
		}
	}()
}

// Stop ends the background run, if any, and waits for it to exit,
// cancelling any pending reconnect.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.bgCancel == nil {
		return
	}

	m.bgCancel()
	<-m.bgDone

	m.bgCancel, m.bgDone = nil, nil
}

// Close tears the manager down. Any active Run returns and no reconnect
// is attempted afterwards.
func (m *Manager) Close() error {
	m.lifeCancel()
	m.Stop()

	return nil
}
