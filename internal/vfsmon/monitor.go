package vfsmon

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("connstate(%d)", int32(s))
	}
}

type MonitorOptions struct {
	URL            string
	Token          string
	Decoder        *EventDecoder
	Reconciler     *Reconciler
	Mapper         *PathMapper
	Logger         Logger
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	DialTimeout    time.Duration
	HTTPClient     *http.Client
}

// Monitor owns the lifecycle of the notification channel: connect, receive,
// reconnect with backoff, and clean shutdown. Events are reconciled strictly
// in receipt order on a given connection; no new message is read until the
// current event's reconciliation has completed.
type Monitor struct {
	url            string
	token          string
	decoder        *EventDecoder
	reconciler     *Reconciler
	mapper         *PathMapper
	logger         Logger
	reconnectDelay time.Duration
	pingInterval   time.Duration
	dialTimeout    time.Duration
	httpClient     *http.Client

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("notification url is required")
	}
	if opts.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if opts.Mapper == nil {
		return nil, fmt.Errorf("mapper is required")
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	return &Monitor{
		url:            url,
		token:          strings.TrimSpace(opts.Token),
		decoder:        opts.Decoder,
		reconciler:     opts.Reconciler,
		mapper:         opts.Mapper,
		logger:         opts.Logger,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		dialTimeout:    dialTimeout,
		httpClient:     opts.HTTPClient,
	}, nil
}

// Start launches the background receive-and-reconcile task. It returns an
// error only if the monitor is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("monitor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
	return nil
}

// Stop is safe to call at any time, including mid-reconciliation: in-flight
// work finishes, but no new message is read after the signal.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	if ConnState(m.state.Load()) == StateConnected {
		m.setState(StateClosing)
	}
	cancel()
	<-done
}

func (m *Monitor) State() ConnState {
	return ConnState(m.state.Load())
}

// Connected reports whether the channel is currently open or in a graceful
// close handshake.
func (m *Monitor) Connected() bool {
	state := m.State()
	return state == StateConnected || state == StateClosing
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(StateDisconnected)
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logf("notification channel connect failed: %v", err)
			m.setState(StateDisconnected)
			if !m.waitReconnect(ctx) {
				return
			}
			continue
		}
		m.setState(StateConnected)
		err = m.receive(ctx, conn)
		if ctx.Err() != nil {
			// Intentional stop. The channel may already be half closed, so
			// close-handshake errors are swallowed.
			m.setState(StateClosing)
			if closeErr := conn.Close(websocket.StatusNormalClosure, "monitor stopping"); closeErr != nil {
				m.logf("notification channel close: %v", closeErr)
			}
			return
		}
		m.logf("notification channel dropped: %v", err)
		_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		m.setState(StateDisconnected)
		if !m.waitReconnect(ctx) {
			return
		}
	}
}

func (m *Monitor) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	opts := &websocket.DialOptions{HTTPClient: m.httpClient}
	if m.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + m.token}}
	}
	conn, _, err := websocket.Dial(dialCtx, m.url, opts)
	return conn, err
}

func (m *Monitor) receive(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go m.keepAlive(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		m.dispatch(ctx, payload)
	}
}

// keepAlive detects silent transport failures faster than TCP timeouts
// would. A failed ping surfaces through the read loop.
func (m *Monitor) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (m *Monitor) dispatch(ctx context.Context, payload []byte) {
	event, err := m.decoder.Decode(payload)
	if err != nil {
		// A single bad message must never kill the receive loop.
		m.logf("dropping notification: %v", err)
		return
	}
	if event == nil {
		return
	}
	if !m.mapper.ContainsRemote(event.Path) {
		return
	}
	if event.Kind == ChangeMoved && !m.mapper.ContainsRemote(event.TargetPath) {
		return
	}
	// Stop cancels the run context; the event already being reconciled is
	// allowed to finish rather than being aborted mid-flight.
	m.reconciler.Apply(context.WithoutCancel(ctx), *event)
}

func (m *Monitor) waitReconnect(ctx context.Context) bool {
	timer := time.NewTimer(m.reconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Monitor) setState(state ConnState) {
	m.state.Store(int32(state))
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
