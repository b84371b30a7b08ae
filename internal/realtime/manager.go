// Package realtime owns the one live Socket.IO connection per tenant and
// recovers it when the gateway reports the tenant namespace as not ready.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
)

// State is the connection state of a Handle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// AwaitingWake means the namespace was refused and a retry is scheduled.
	AwaitingWake
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AwaitingWake:
		return "awaiting_wake"
	}
	return "disconnected"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Waker nudges a hibernating gateway instance.
type Waker interface {
	ProbeConnectionState(ctx context.Context, t gateway.Tenant) (string, error)
}

// Options configures a Manager.
type Options struct {
	Transport   Transport
	Waker       Waker
	Wake        WakePolicy
	Reconnect   ReconnectPolicy
	WakeTimeout time.Duration
}

// Manager hands out the realtime connection of the active tenant. Opening a
// different tenant tears the previous connection down first.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	current *Handle
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Wake.Delay <= 0 {
		opts.Wake = DefaultWakePolicy()
	}
	if opts.Reconnect.Attempts == 0 && opts.Reconnect.Delay == 0 {
		opts.Reconnect = DefaultReconnectPolicy()
	}
	if opts.WakeTimeout <= 0 {
		opts.WakeTimeout = 15 * time.Second
	}
	return &Manager{opts: opts}
}

// Open returns the connection of tenant t, starting it if needed. Calling
// Open again for the same tenant returns the same handle.
func (m *Manager) Open(ctx context.Context, t gateway.Tenant) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.ID == "" || t.BaseURL == "" {
		return nil, errors.New("realtime: tenant id and base url are required")
	}
	if m.opts.Transport == nil {
		return nil, errors.New("realtime: no transport configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h := m.current; h != nil {
		if h.tenant == t && !h.isClosed() {
			return h, nil
		}
		h.Close()
		m.current = nil
	}

	h := newHandle(t, m.opts)
	m.current = h
	h.startAttempt()
	return h, nil
}

// Current returns the active handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close closes h. A nil handle or one already closed is ignored.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.current == h {
		m.current = nil
	}
	m.mu.Unlock()
	h.Close()
}

// Shutdown closes the active handle.
func (m *Manager) Shutdown() {
	m.Close(m.Current())
}

// Handle is the realtime connection of one tenant.
type Handle struct {
	tenant gateway.Tenant
	opts   Options
	log    zerolog.Logger

	mu     sync.Mutex
	state  State
	closed bool
	// gen identifies the current connection attempt; results of older
	// attempts are discarded.
	gen              uint64
	socket           Socket
	cancel           context.CancelFunc
	timer            *time.Timer
	wakeAttempt      int
	reconnectAttempt int
	base             context.Context
	stopBase         context.CancelFunc

	nextID         int
	listeners      map[EventType]map[int]Listener
	anyListeners   map[int]AnyListener
	stateListeners map[int]func(State)

	// deliverMu serializes event delivery with Close so no listener runs
	// after Close returns.
	deliverMu sync.Mutex
}

func newHandle(t gateway.Tenant, opts Options) *Handle {
	base, stop := context.WithCancel(context.Background())
	return &Handle{
		tenant:         t,
		opts:           opts,
		log:            log.With().Str("component", "realtime").Str("tenant", t.ID).Logger(),
		base:           base,
		stopBase:       stop,
		listeners:      make(map[EventType]map[int]Listener),
		anyListeners:   make(map[int]AnyListener),
		stateListeners: make(map[int]func(State)),
	}
}

// Tenant returns the tenant the handle belongs to.
func (h *Handle) Tenant() gateway.Tenant {
	return h.tenant
}

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// On subscribes fn to events of type t and returns its unsubscribe func.
// Listeners run on the handle's reader goroutine in delivery order and must
// not close the handle themselves.
func (h *Handle) On(t EventType, fn Listener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	h.nextID++
	id := h.nextID
	if h.listeners[t] == nil {
		h.listeners[t] = make(map[int]Listener)
	}
	h.listeners[t][id] = fn
	return func() { h.Off(id) }
}

// OnAny subscribes fn to every event.
func (h *Handle) OnAny(fn AnyListener) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	h.nextID++
	id := h.nextID
	h.anyListeners[id] = fn
	return func() { h.Off(id) }
}

// OnState subscribes fn to state transitions.
func (h *Handle) OnState(fn func(State)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	h.nextID++
	id := h.nextID
	h.stateListeners[id] = fn
	return func() { h.Off(id) }
}

// Off removes the subscription with the given id.
func (h *Handle) Off(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, byID := range h.listeners {
		delete(byID, id)
	}
	delete(h.anyListeners, id)
	delete(h.stateListeners, id)
}

// setStateLocked records a transition and returns the notification to run
// once h.mu is released.
func (h *Handle) setStateLocked(s State) func() {
	if h.state == s {
		return func() {}
	}
	h.log.Debug().Stringer("from", h.state).Stringer("to", s).Msg("state change")
	h.state = s
	fns := make([]func(State), 0, len(h.stateListeners))
	for _, fn := range h.stateListeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(s)
		}
	}
}

// startAttempt begins a new connection attempt.
func (h *Handle) startAttempt() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.gen++
	gen := h.gen
	h.timer = nil
	ctx, cancel := context.WithCancel(h.base)
	h.cancel = cancel
	notify := h.setStateLocked(Connecting)
	h.mu.Unlock()
	notify()

	go h.run(ctx, gen)
}

func (h *Handle) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && gen == h.gen
}

func (h *Handle) run(ctx context.Context, gen uint64) {
	sock, err := h.opts.Transport.Connect(ctx, h.tenant)
	if err != nil {
		h.fail(gen, err)
		return
	}

	h.mu.Lock()
	if h.closed || gen != h.gen {
		h.mu.Unlock()
		sock.Close()
		return
	}
	h.socket = sock
	h.reconnectAttempt = 0
	h.wakeAttempt = 0
	notify := h.setStateLocked(Connected)
	h.mu.Unlock()
	notify()
	h.log.Info().Msg("realtime connected")

	for {
		ev, err := sock.Next()
		if err != nil {
			h.fail(gen, err)
			return
		}
		h.dispatch(gen, ev)
	}
}

func (h *Handle) dispatch(gen uint64, ev Event) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.closed || gen != h.gen {
		h.mu.Unlock()
		return
	}
	var typed []Listener
	if ev.Type != "" {
		for _, fn := range h.listeners[ev.Type] {
			typed = append(typed, fn)
		}
	}
	catchAll := make([]AnyListener, 0, len(h.anyListeners))
	for _, fn := range h.anyListeners {
		catchAll = append(catchAll, fn)
	}
	h.mu.Unlock()

	for _, fn := range catchAll {
		fn(ev)
	}
	for _, fn := range typed {
		fn(ev)
	}
}

// fail routes the error that ended attempt gen.
func (h *Handle) fail(gen uint64, err error) {
	if !h.current(gen) {
		return
	}
	switch {
	case IsInvalidNamespace(err):
		h.awaitWake(gen)
	case errors.Is(err, ErrServerDisconnect):
		h.log.Info().Msg("server closed the namespace, reconnecting")
		h.mu.Lock()
		h.dropSocketLocked()
		h.mu.Unlock()
		h.startAttempt()
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
	default:
		h.reconnect(gen, err)
	}
}

func (h *Handle) dropSocketLocked() {
	if h.socket != nil {
		h.socket.Close()
		h.socket = nil
	}
}

// awaitWake aborts attempt gen, wakes the instance and schedules a single
// retry. Further refusals for the same attempt are ignored.
func (h *Handle) awaitWake(gen uint64) {
	h.mu.Lock()
	if h.closed || gen != h.gen || h.state == AwaitingWake || h.timer != nil {
		h.mu.Unlock()
		h.log.Debug().Msg("namespace refusal ignored, retry already pending")
		return
	}
	h.dropSocketLocked()
	if h.cancel != nil {
		h.cancel()
	}

	h.wakeAttempt++
	attempt := h.wakeAttempt
	if h.opts.Wake.Exhausted(attempt) {
		notify := h.setStateLocked(Disconnected)
		h.mu.Unlock()
		notify()
		h.log.Warn().Int("attempt", attempt).Msg("namespace still not ready, giving up")
		return
	}

	delay := h.opts.Wake.Backoff(attempt)
	notify := h.setStateLocked(AwaitingWake)
	h.timer = time.AfterFunc(delay, func() { h.retry(gen) })
	h.mu.Unlock()
	notify()

	h.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("namespace not ready, waking instance")
	go h.wake()
}

func (h *Handle) wake() {
	if h.opts.Waker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.base, h.opts.WakeTimeout)
	defer cancel()
	state, err := h.opts.Waker.ProbeConnectionState(ctx, h.tenant)
	if err != nil {
		h.log.Warn().Err(err).Msg("wake probe failed")
		return
	}
	h.log.Debug().Str("instance_state", state).Msg("wake probe")
}

// reconnect schedules a bounded retry after a transient error.
func (h *Handle) reconnect(gen uint64, cause error) {
	h.mu.Lock()
	if h.closed || gen != h.gen || h.timer != nil {
		h.mu.Unlock()
		return
	}
	h.dropSocketLocked()

	h.reconnectAttempt++
	attempt := h.reconnectAttempt
	if h.opts.Reconnect.Exhausted(attempt) {
		notify := h.setStateLocked(Disconnected)
		h.mu.Unlock()
		notify()
		h.log.Error().Err(cause).Int("attempt", attempt-1).Msg("realtime reconnect attempts exhausted")
		return
	}

	delay := h.opts.Reconnect.Backoff(attempt)
	notify := h.setStateLocked(Connecting)
	h.timer = time.AfterFunc(delay, func() { h.retry(gen) })
	h.mu.Unlock()
	notify()

	h.log.Warn().Err(cause).Int("attempt", attempt).Dur("delay", delay).Msg("realtime connection lost, retrying")
}

func (h *Handle) retry(gen uint64) {
	if !h.current(gen) {
		return
	}
	h.startAttempt()
}

// Close tears the connection down: the pending retry is cancelled, the
// socket closed and every listener detached. It is safe to call repeatedly.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	notify := h.setStateLocked(Disconnected)
	h.closed = true
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.stopBase()
	h.dropSocketLocked()
	h.mu.Unlock()
	notify()

	h.deliverMu.Lock()
	h.mu.Lock()
	h.listeners = make(map[EventType]map[int]Listener)
	h.anyListeners = make(map[int]AnyListener)
	h.stateListeners = make(map[int]func(State))
	h.mu.Unlock()
	h.deliverMu.Unlock()

	h.log.Info().Msg("realtime closed")
}
