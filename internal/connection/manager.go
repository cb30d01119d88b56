package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/venuesync/internal/clock"
	"github.com/rickgao/venuesync/internal/goroutine"
	"github.com/rickgao/venuesync/internal/metrics"
	"github.com/rickgao/venuesync/internal/netmon"
	"github.com/rickgao/venuesync/internal/retry"
)

// AllChannels registers a handler for every data frame.
const AllChannels = ""

// reconnectOperation names the stream in exhaustion errors.
const reconnectOperation = "stream"

// Network is the connectivity source consulted before dialing.
type Network interface {
	IsOnline() bool
	Subscribe(fn func(netmon.Status)) (unsubscribe func())
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving heartbeats and reconnect delays.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clock.OrReal(c)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNetwork makes the manager hold off dialing while offline and retry
// immediately when connectivity returns.
func WithNetwork(n Network) Option {
	return func(m *Manager) {
		m.network = n
	}
}

// Manager owns one persistent stream connection: it dials, replays the
// subscription set after every connect, runs the heartbeat, and reconnects
// with backoff when the connection drops or goes stale.
//
// All state lives behind mu. Observers and handlers are always invoked after
// mu is released, so they may call back into the Manager. Disconnect and
// handler removal wait for in-progress frame delivery, so no handler runs
// after they return.
type Manager struct {
	cfg     ManagerConfig
	dial    DialFunc
	clock   clock.Clock
	logger  *slog.Logger
	network Network

	unsubNetwork func()

	mu          sync.Mutex
	state       State
	gen         uint64 // Bumped whenever the current connection lifetime ends
	client      Client
	connDone    chan struct{}
	runCtx      context.Context
	runCancel   context.CancelFunc
	sessionID   string
	connectedAt time.Time
	netOnline   bool

	// Reconnect
	attempts   int
	retryTimer clock.Timer

	// Heartbeat
	pingTimer    clock.Timer
	pongTimer    clock.Timer
	pingSentAt   time.Time
	awaitingPong bool
	latency      time.Duration

	// Subscription set, replayed in insertion order
	subs     map[string]Subscription
	subOrder []string

	handlers     map[string]*registry[HandlerFunc]
	dispatchers  map[int64]int // Goroutines delivering frames
	dispatchIdle *sync.Cond
	stateObs     registry[func(from, to State)]
	latencyObs   registry[func(time.Duration)]
	exhaustedObs registry[func(error)]

	reconnects     int64
	messages       int64
	protocolErrors int64
}

// NewManager creates a stream Manager. Zero config values take defaults.
func NewManager(cfg ManagerConfig, dial DialFunc, opts ...Option) (*Manager, error) {
	if dial == nil {
		return nil, ErrNilDialer
	}
	defaults := DefaultManagerConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Backoff == (retry.Backoff{}) {
		cfg.Backoff = defaults.Backoff
	}

	m := &Manager{
		cfg:       cfg,
		dial:      dial,
		clock:     clock.Real(),
		logger:    slog.Default(),
		state:     StateDisconnected,
		netOnline: true,
		subs:      make(map[string]Subscription),
		handlers:  make(map[string]*registry[HandlerFunc]),

		dispatchers: make(map[int64]int),
	}
	m.dispatchIdle = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "stream")

	if m.network != nil {
		m.netOnline = m.network.IsOnline()
		m.unsubNetwork = m.network.Subscribe(m.onNetworkChange)
	}
	metrics.StreamState.Set(float64(StateDisconnected))

	return m, nil
}

// Connect starts the connection. It returns the result of the first dial;
// on failure the manager keeps retrying in the background. Calling Connect
// while already connecting or connected is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateDisconnected:
	case StateClosing:
		m.mu.Unlock()
		return ErrClosing
	default:
		m.mu.Unlock()
		return nil
	}

	m.gen++
	gen := m.gen
	m.attempts = 0
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	notify()
	return m.attempt(gen)
}

// Disconnect closes the connection and cancels every timer. It does not
// trigger a reconnect. When it returns no handler is running, except the
// one Disconnect was called from.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateClosing {
		m.waitDispatchLocked()
		m.mu.Unlock()
		return nil
	}

	m.gen++
	gen := m.gen
	c := m.teardownLocked()
	if m.runCancel != nil {
		m.runCancel()
	}
	closing := m.setStateLocked(StateClosing)
	m.mu.Unlock()

	closing()

	var err error
	if c != nil {
		err = c.Close()
	}

	m.mu.Lock()
	m.waitDispatchLocked()
	var done func()
	if gen == m.gen && m.state == StateClosing {
		done = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if done != nil {
		done()
	}
	m.logger.Info("stream disconnected")
	return err
}

// Reconnect drops any current connection and starts over with a fresh
// attempt counter. It is the way to resume after reconnection was exhausted.
func (m *Manager) Reconnect(ctx context.Context) error {
	if err := m.Disconnect(); err != nil {
		m.logger.Debug("close before reconnect", "error", err)
	}
	return m.Connect(ctx)
}

// Close disconnects and detaches from the network monitor.
func (m *Manager) Close() error {
	if m.unsubNetwork != nil {
		m.unsubNetwork()
	}
	return m.Disconnect()
}

// Subscribe adds sub to the subscription set and sends it immediately when
// connected. Subscribing twice is a no-op.
func (m *Manager) Subscribe(sub Subscription) error {
	if sub.Type == "" {
		return ErrInvalidSubscription
	}
	key := sub.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[key]; ok {
		return nil
	}
	sub = sub.clone()
	m.subs[key] = sub
	m.subOrder = append(m.subOrder, key)

	if m.state != StateConnected || m.client == nil {
		return nil
	}
	if err := m.sendLocked(MethodSubscribe, &sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", sub, err)
	}
	return nil
}

// Unsubscribe removes sub from the subscription set and sends an
// unsubscribe when connected. Unknown subscriptions are ignored.
func (m *Manager) Unsubscribe(sub Subscription) error {
	key := sub.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.subs[key]
	if !ok {
		return nil
	}
	delete(m.subs, key)
	for i, k := range m.subOrder {
		if k == key {
			m.subOrder = append(m.subOrder[:i:i], m.subOrder[i+1:]...)
			break
		}
	}

	if m.state != StateConnected || m.client == nil {
		return nil
	}
	if err := m.sendLocked(MethodUnsubscribe, &stored); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub, err)
	}
	return nil
}

// Subscriptions returns the subscription set in insertion order.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Subscription, 0, len(m.subOrder))
	for _, k := range m.subOrder {
		out = append(out, m.subs[k])
	}
	return out
}

// Handle registers fn for data frames on channel. Frames on one channel are
// delivered in arrival order. Use AllChannels to receive every frame. Once
// remove returns, fn is not running and is never called again.
func (m *Manager) Handle(channel string, fn HandlerFunc) (remove func()) {
	m.mu.Lock()
	r, ok := m.handlers[channel]
	if !ok {
		r = &registry[HandlerFunc]{}
		m.handlers[channel] = r
	}
	id := r.add(fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		r.remove(id)
		m.waitDispatchLocked()
		m.mu.Unlock()
	}
}

// OnStateChange registers fn for state transitions.
func (m *Manager) OnStateChange(fn func(from, to State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.stateObs.add(fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.stateObs.remove(id)
		m.mu.Unlock()
	}
}

// OnLatency registers fn for heartbeat round-trip measurements.
func (m *Manager) OnLatency(fn func(time.Duration)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.latencyObs.add(fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.latencyObs.remove(id)
		m.mu.Unlock()
	}
}

// OnExhausted registers fn for the terminal "reconnection exhausted" event.
// The error is a *retry.ExhaustedError carrying the last dial error.
func (m *Manager) OnExhausted(fn func(error)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.exhaustedObs.add(fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.exhaustedObs.remove(id)
		m.mu.Unlock()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns the number of consecutive failed attempts.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Latency returns the most recent heartbeat round trip.
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := make([]string, 0, len(m.subOrder))
	for _, k := range m.subOrder {
		subs = append(subs, m.subs[k].String())
	}
	return ManagerStats{
		State:             m.state,
		SessionID:         m.sessionID,
		ConnectedAt:       m.connectedAt,
		ReconnectAttempts: m.attempts,
		Reconnects:        m.reconnects,
		Subscriptions:     subs,
		Latency:           m.latency,
		MessagesReceived:  m.messages,
		ProtocolErrors:    m.protocolErrors,
	}
}

// attempt dials once for connection lifetime gen.
func (m *Manager) attempt(gen uint64) error {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return ErrSuperseded
	}
	if m.network != nil && !m.network.IsOnline() {
		notify := m.setStateLocked(StateReconnecting)
		m.mu.Unlock()
		m.logger.Info("network offline, waiting to dial")
		notify()
		return retry.ErrOffline
	}
	ctx := m.runCtx
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	c, err := m.dial(dialCtx)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		return m.attemptFailedLocked(gen, err)
	}

	m.client = c
	m.attempts = 0
	m.sessionID = uuid.NewString()
	m.connectedAt = m.clock.Now()
	m.awaitingPong = false
	done := make(chan struct{})
	m.connDone = done

	notify := m.setStateLocked(StateConnected)
	replayed := m.replayLocked()
	m.schedulePingLocked(gen)
	session := m.sessionID
	m.mu.Unlock()

	m.logger.Info("stream connected", "session", session, "replayed", replayed)

	go m.readLoop(gen, c, done)
	notify()
	return nil
}

// attemptFailedLocked records a failed dial and either schedules the next
// attempt or gives up. It releases mu.
func (m *Manager) attemptFailedLocked(gen uint64, err error) error {
	m.attempts++
	attempts := m.attempts

	if m.runCtx.Err() != nil {
		m.gen++
		m.runCancel()
		notify := m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		notify()
		return err
	}

	if m.cfg.MaxReconnectAttempts > 0 && attempts >= m.cfg.MaxReconnectAttempts {
		m.gen++
		m.runCancel()
		notify := m.setStateLocked(StateDisconnected)
		exhausted := &retry.ExhaustedError{OperationID: reconnectOperation, Attempts: attempts, Last: err}
		obs := m.exhaustedObs.snapshot()
		m.mu.Unlock()

		metrics.StreamExhausted.Inc()
		m.logger.Error("reconnection exhausted", "attempts", attempts, "error", err)
		notify()
		for _, fn := range obs {
			fn(exhausted)
		}
		return exhausted
	}

	notify := m.setStateLocked(StateReconnecting)
	delay := m.scheduleReconnectLocked(gen)
	m.mu.Unlock()

	m.logger.Warn("connection attempt failed",
		"attempt", attempts,
		"retry_in", delay,
		"error", err,
	)
	notify()
	return err
}

// scheduleReconnectLocked arms the backoff timer, or waits for the network
// when offline.
func (m *Manager) scheduleReconnectLocked(gen uint64) time.Duration {
	if m.network != nil && !m.network.IsOnline() {
		return 0
	}
	delay := m.cfg.Backoff.Jittered(m.attempts)
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.reconnectNow(gen) })
	return delay
}

// reconnectNow moves Reconnecting to Connecting and dials.
func (m *Manager) reconnectNow(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.reconnects++
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	metrics.StreamReconnects.Inc()
	notify()
	m.attempt(gen)
}

// connectionLost handles an unexpected close or heartbeat timeout.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	m.gen++
	newGen := m.gen
	c := m.teardownLocked()
	notify := m.setStateLocked(StateReconnecting)
	delay := m.scheduleReconnectLocked(newGen)
	m.mu.Unlock()

	m.logger.Warn("stream connection lost",
		"error", err,
		"class", retry.Classify(err),
		"retry_in", delay,
	)
	if c != nil {
		c.Close()
	}
	notify()
}

// onNetworkChange skips the backoff wait when connectivity returns.
func (m *Manager) onNetworkChange(st netmon.Status) {
	m.mu.Lock()
	wasOnline := m.netOnline
	m.netOnline = st.Online

	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	if !st.Online {
		if m.retryTimer != nil {
			m.retryTimer.Stop()
			m.retryTimer = nil
		}
		m.mu.Unlock()
		m.logger.Info("network offline, pausing reconnection")
		return
	}
	if wasOnline {
		m.mu.Unlock()
		return
	}

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	gen := m.gen
	m.reconnects++
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.logger.Info("network online, reconnecting now")
	metrics.StreamReconnects.Inc()
	notify()
	go m.attempt(gen)
}

// teardownLocked stops timers and detaches the current client.
func (m *Manager) teardownLocked() Client {
	for _, t := range []clock.Timer{m.retryTimer, m.pingTimer, m.pongTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.retryTimer, m.pingTimer, m.pongTimer = nil, nil, nil
	m.awaitingPong = false

	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	c := m.client
	m.client = nil
	m.sessionID = ""
	return c
}

// replayLocked sends one subscribe per entry in the subscription set.
func (m *Manager) replayLocked() int {
	sent := 0
	for _, key := range m.subOrder {
		sub := m.subs[key]
		if err := m.sendLocked(MethodSubscribe, &sub); err != nil {
			m.logger.Warn("subscription replay failed", "subscription", sub.String(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (m *Manager) sendLocked(method string, sub *Subscription) error {
	data, err := encodeCommand(method, sub)
	if err != nil {
		return err
	}
	return m.client.Send(data)
}

// setStateLocked updates the state and returns a func that notifies
// observers. Callers run it after releasing mu.
func (m *Manager) setStateLocked(to State) func() {
	from := m.state
	if from == to {
		return func() {}
	}
	m.state = to
	metrics.StreamState.Set(float64(to))
	m.logger.Debug("stream state changed", "from", from, "to", to)

	obs := m.stateObs.snapshot()
	return func() {
		for _, fn := range obs {
			fn(from, to)
		}
	}
}

// schedulePingLocked arms the next heartbeat.
func (m *Manager) schedulePingLocked(gen uint64) {
	m.pingTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.sendPing(gen) })
}

// sendPing sends a heartbeat. Only the first unanswered ping arms the pong
// deadline, so a silent peer is detected within twice the interval.
func (m *Manager) sendPing(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	c := m.client
	if !m.awaitingPong {
		m.awaitingPong = true
		m.pingSentAt = m.clock.Now()
		m.pongTimer = m.clock.AfterFunc(2*m.cfg.HeartbeatInterval, func() {
			m.connectionLost(gen, ErrHeartbeatTimeout)
		})
	}
	m.schedulePingLocked(gen)
	m.mu.Unlock()

	data, err := encodeCommand(MethodPing, nil)
	if err != nil {
		return
	}
	if err := c.Send(data); err != nil {
		m.connectionLost(gen, fmt.Errorf("send ping: %w", err))
	}
}

func (m *Manager) handlePong(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.awaitingPong {
		m.mu.Unlock()
		return
	}
	latency := m.clock.Now().Sub(m.pingSentAt)
	m.awaitingPong = false
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.latency = latency
	obs := m.latencyObs.snapshot()
	m.mu.Unlock()

	metrics.StreamLatency.Observe(latency.Seconds())
	for _, fn := range obs {
		fn(latency)
	}
}

// readLoop consumes frames from one connection lifetime.
func (m *Manager) readLoop(gen uint64, c Client, done <-chan struct{}) {
	g := goroutine.ID()
	for {
		select {
		case <-done:
			return

		case msg := <-c.Messages():
			m.handleFrame(gen, g, msg)

		case err := <-c.Errors():
			// Deliver frames that arrived before the failure.
			for drained := false; !drained; {
				select {
				case msg := <-c.Messages():
					m.handleFrame(gen, g, msg)
				default:
					drained = true
				}
			}
			m.connectionLost(gen, err)
			return
		}
	}
}

// handleFrame delivers one frame on goroutine g. Handlers are checked
// against the current lifetime and registry before each call.
func (m *Manager) handleFrame(gen uint64, g int64, msg TimestampedMessage) {
	m.mu.Lock()
	ok := m.beginDispatchLocked(gen, g)
	m.mu.Unlock()
	if !ok {
		return
	}
	defer m.endDispatch(g)

	var f Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		m.protocolError(gen, retry.Protocol("malformed frame", err), msg.Data)
		return
	}
	if f.IsPong() {
		m.handlePong(gen)
		return
	}
	if f.Channel == "" {
		m.protocolError(gen, retry.Protocol("frame has no channel", nil), msg.Data)
		return
	}
	if f.Channel == ChannelError {
		m.logger.Warn("server error frame", "data", string(f.Data))
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.messages++
	var hs []handlerRef
	for _, ch := range []string{f.Channel, AllChannels} {
		r, ok := m.handlers[ch]
		if !ok {
			continue
		}
		for _, it := range r.items {
			hs = append(hs, handlerRef{reg: r, id: it.id, fn: it.fn})
		}
	}
	message := Message{
		Channel:    f.Channel,
		Data:       f.Data,
		ReceivedAt: msg.ReceivedAt,
		SessionID:  m.sessionID,
	}
	m.mu.Unlock()

	metrics.StreamMessages.WithLabelValues(f.Channel).Inc()
	for _, h := range hs {
		m.mu.Lock()
		live := m.deliverableLocked(gen, h)
		m.mu.Unlock()
		if !live {
			continue
		}
		h.fn(message)
	}
}

func (m *Manager) protocolError(gen uint64, err error, data []byte) {
	m.mu.Lock()
	if gen == m.gen {
		m.protocolErrors++
	}
	m.mu.Unlock()

	metrics.StreamProtocolErrors.Inc()
	m.logger.Warn("dropping frame", "error", err, "size", len(data))
}
