package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
)

type fakeSocket struct {
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
	closes int32
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		events: make(chan Event, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *fakeSocket) Next() (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errs:
		return Event{}, err
	case <-s.done:
		return Event{}, ErrClosed
	}
}

func (s *fakeSocket) Close() error {
	atomic.AddInt32(&s.closes, 1)
	s.once.Do(func() { close(s.done) })
	return nil
}

// fakeTransport answers each Connect with the next scripted error, then with
// fresh sockets once the script runs out.
type fakeTransport struct {
	mu       sync.Mutex
	script   []error
	always   error
	connects int
	sockets  []*fakeSocket
}

func (f *fakeTransport) Connect(ctx context.Context, t gateway.Tenant) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.always != nil {
		return nil, f.always
	}
	s := newFakeSocket()
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) socket(i int) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sockets) {
		return nil
	}
	return f.sockets[i]
}

type fakeWaker struct {
	calls int32
	err   error
}

func (w *fakeWaker) ProbeConnectionState(ctx context.Context, t gateway.Tenant) (string, error) {
	atomic.AddInt32(&w.calls, 1)
	return gateway.StateConnecting, w.err
}

func (w *fakeWaker) count() int {
	return int(atomic.LoadInt32(&w.calls))
}

var (
	tenantA = gateway.Tenant{ID: "acme", APIKey: "k1", BaseURL: "http://gw.local"}
	tenantB = gateway.Tenant{ID: "globex", APIKey: "k2", BaseURL: "http://gw.local"}

	errInvalidNamespace = &ConnectError{Namespace: "/acme", Message: "Invalid namespace"}
)

func newTestManager(tr *fakeTransport, w *fakeWaker, wakeDelay time.Duration) *Manager {
	return NewManager(Options{
		Transport: tr,
		Waker:     w,
		Wake:      WakePolicy{Delay: wakeDelay, Multiplier: 1},
		Reconnect: ReconnectPolicy{Attempts: 2, Delay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
}

func waitState(t *testing.T, h *Handle, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state %s never reached, last %s", want, h.State())
}

func TestInvalidNamespaceWakesAndRetriesOnce(t *testing.T) {
	tr := &fakeTransport{script: []error{errInvalidNamespace}}
	w := &fakeWaker{}
	const wakeDelay = 300 * time.Millisecond
	m := newTestManager(tr, w, wakeDelay)

	start := time.Now()
	h, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	defer h.Close()

	waitState(t, h, AwaitingWake)

	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()
	h.fail(gen, errInvalidNamespace)
	h.fail(gen, errInvalidNamespace)
	h.awaitWake(gen)

	// no retry before the wake delay has passed
	time.Sleep(wakeDelay/2 - time.Since(start))
	assert.Equal(t, 1, tr.connectCount())
	assert.Equal(t, AwaitingWake, h.State())

	waitState(t, h, Connected)
	assert.GreaterOrEqual(t, time.Since(start), wakeDelay)
	assert.Equal(t, 2, tr.connectCount())
	assert.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(wakeDelay + 50*time.Millisecond)
	assert.Equal(t, 2, tr.connectCount())
	assert.Equal(t, 1, w.count())
}

func TestWakeProbeFailureStillRetries(t *testing.T) {
	tr := &fakeTransport{script: []error{errInvalidNamespace, errInvalidNamespace}}
	w := &fakeWaker{err: errors.New("gateway down")}
	m := newTestManager(tr, w, 10*time.Millisecond)

	h, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	defer h.Close()

	waitState(t, h, Connected)
	assert.Equal(t, 3, tr.connectCount())
	assert.Eventually(t, func() bool { return w.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWakeAttemptsCanBeBounded(t *testing.T) {
	tr := &fakeTransport{always: errInvalidNamespace}
	m := NewManager(Options{
		Transport: tr,
		Wake:      WakePolicy{Delay: 5 * time.Millisecond, MaxAttempts: 2},
	})

	h, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	defer h.Close()

	require.Eventually(t, func() bool { return tr.connectCount() == 3 }, time.Second, 5*time.Millisecond)
	waitState(t, h, Disconnected)
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	tr := &fakeTransport{always: errInvalidNamespace}
	m := newTestManager(tr, &fakeWaker{}, 50*time.Millisecond)

	h, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	waitState(t, h, AwaitingWake)

	m.Close(h)
	assert.Equal(t, Disconnected, h.State())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, tr.connectCount())
	assert.Nil(t, m.Current())

	h.Close()
	m.Close(nil)
}

func TestOpenIsIdempotentPerTenant(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, &fakeWaker{}, time.Second)

	h1, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	h2, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	defer m.Shutdown()

	assert.Same(t, h1, h2)
	waitState(t, h1, Connected)
	assert.Equal(t, 1, tr.connectCount())
}

func TestOpenOtherTenantTearsDownPrevious(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, &fakeWaker{}, time.Second)

	h1, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	waitState(t, h1, Connected)

	var stale int32
	h1.On(EventMessageUpsert, func(Event) { atomic.AddInt32(&stale, 1) })
	first := tr.socket(0)

	h2, err := m.Open(context.Background(), tenantB)
	require.NoError(t, err)
	defer m.Shutdown()

	assert.NotSame(t, h1, h2)
	assert.Equal(t, Disconnected, h1.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&first.closes))
	assert.Equal(t, tenantB, h2.Tenant())

	first.events <- Event{Type: EventMessageUpsert}
	waitState(t, h2, Connected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&stale))
}

func TestListeners(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, &fakeWaker{}, time.Second)

	h, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	defer m.Shutdown()
	waitState(t, h, Connected)

	upserts := make(chan Event, 4)
	all := make(chan Event, 4)
	unsubscribe := h.On(EventMessageUpsert, func(ev Event) { upserts <- ev })
	h.OnAny(func(ev Event) { all <- ev })

	sock := tr.socket(0)
	payload := json.RawMessage(`{"event":"messages.upsert","instance":"acme","data":{"key":{"id":"1"}}}`)
	sock.events <- newEvent("MESSAGES_UPSERT", payload)
	sock.events <- newEvent("presence.update", json.RawMessage(`{"id":"x"}`))

	select {
	case ev := <-upserts:
		assert.Equal(t, EventMessageUpsert, ev.Type)
		assert.Equal(t, "acme", ev.Instance)
		assert.JSONEq(t, `{"key":{"id":"1"}}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("upsert not delivered")
	}
	require.Eventually(t, func() bool { return len(all) == 2 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	sock.events <- newEvent("messages.upsert", payload)
	require.Eventually(t, func() bool { return len(all) == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, upserts)
}

func TestServerDisconnectReconnectsImmediately(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr, &fakeWaker{}, time.Second)

	h, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	defer m.Shutdown()
	waitState(t, h, Connected)

	var states []State
	var mu sync.Mutex
	h.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	tr.socket(0).errs <- ErrServerDisconnect
	require.Eventually(t, func() bool { return tr.connectCount() == 2 }, time.Second, 5*time.Millisecond)
	waitState(t, h, Connected)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, Connecting)
}

func TestTransientErrorsAreBounded(t *testing.T) {
	tr := &fakeTransport{always: errors.New("connection refused")}
	w := &fakeWaker{}
	m := newTestManager(tr, w, time.Second)

	h, err := m.Open(context.Background(), tenantA)
	require.NoError(t, err)
	defer m.Shutdown()

	require.Eventually(t, func() bool { return tr.connectCount() == 3 }, time.Second, 5*time.Millisecond)
	waitState(t, h, Disconnected)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, tr.connectCount())
	assert.Equal(t, 0, w.count())
}

func TestOpenValidates(t *testing.T) {
	m := NewManager(Options{Transport: &fakeTransport{}})
	_, err := m.Open(context.Background(), gateway.Tenant{ID: "x"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Open(ctx, tenantA)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewManager(Options{}).Open(context.Background(), tenantA)
	assert.Error(t, err)
}

func TestPolicies(t *testing.T) {
	wake := DefaultWakePolicy()
	assert.Equal(t, 5*time.Second, wake.Backoff(1))
	assert.Equal(t, 5*time.Second, wake.Backoff(50))
	assert.False(t, wake.Exhausted(1000))

	grow := WakePolicy{Delay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 2, MaxAttempts: 3}
	assert.Equal(t, time.Second, grow.Backoff(1))
	assert.Equal(t, 4*time.Second, grow.Backoff(3))
	assert.Equal(t, 8*time.Second, grow.Backoff(10))
	assert.True(t, grow.Exhausted(4))

	rc := DefaultReconnectPolicy()
	assert.Equal(t, time.Second, rc.Backoff(1))
	assert.Equal(t, 2*time.Second, rc.Backoff(2))
	assert.Equal(t, 5*time.Second, rc.Backoff(4))
	assert.False(t, rc.Exhausted(5))
	assert.True(t, rc.Exhausted(6))
}

func TestNormalize(t *testing.T) {
	for _, name := range []string{"messages.upsert", "MESSAGES_UPSERT"} {
		typ, ok := Normalize(name)
		assert.True(t, ok)
		assert.Equal(t, EventMessageUpsert, typ)
	}
	typ, ok := Normalize("MESSAGES_UPDATE")
	assert.True(t, ok)
	assert.Equal(t, EventMessageUpdate, typ)

	_, ok = Normalize("presence.update")
	assert.False(t, ok)

	ev := newEvent("", json.RawMessage(`{"event":"messages.update","data":[{"keyId":"1"}]}`))
	assert.Equal(t, EventMessageUpdate, ev.Type)
	assert.Equal(t, "messages.update", ev.Name)

	bare := newEvent("qrcode.updated", json.RawMessage(`{"qrcode":{"code":"2@x"}}`))
	assert.Equal(t, EventQRCodeUpdated, bare.Type)
	assert.JSONEq(t, `{"qrcode":{"code":"2@x"}}`, string(bare.Data))
}
