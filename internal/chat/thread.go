package chat

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whatsapp-automation/chatsync/internal/identity"
)

var (
	// ErrUnknownMessage is returned when a local message id is not in the
	// thread.
	ErrUnknownMessage = errors.New("chat: unknown message")
	// ErrThreadClosed is returned when no thread is open.
	ErrThreadClosed = errors.New("chat: no open thread")
)

// Message is one entry of the open thread.
type Message struct {
	// ID is the server id once known, the local id before that.
	ID        string `json:"id"`
	LocalID   string `json:"local_id,omitempty"`
	RemoteJID string `json:"remote_jid"`
	Text      string `json:"text"`
	Kind      string `json:"kind"`
	FromMe    bool   `json:"from_me"`
	Timestamp int64  `json:"timestamp"`
	Status    Status `json:"status"`
}

func (m Message) pending() bool {
	return m.Status == StatusSending && m.LocalID != "" && m.ID == m.LocalID
}

// InboundRead is emitted for every inbound message delivered live to the open
// thread.
type InboundRead struct {
	ContactKey string
	RemoteJID  string
	MessageID  string
}

// Thread holds the messages of the single open conversation. Events for any
// other conversation are ignored.
type Thread struct {
	mu        sync.Mutex
	key       string
	remoteIDs []string
	remote    map[string]struct{}
	messages  []Message
	table     StatusTable
	inbound   []func(InboundRead)
	now       func() time.Time
	newID     func() string
}

// NewThread creates a closed Thread mapping status codes through table.
func NewThread(table StatusTable) *Thread {
	if table == nil {
		table = DefaultStatusTable()
	}
	return &Thread{
		table: table,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// OnInbound registers fn to be called for live inbound messages.
func (t *Thread) OnInbound(fn func(InboundRead)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = append(t.inbound, fn)
}

// Open switches the thread to the contact key reachable under remoteIDs,
// discarding the previous thread.
func (t *Thread) Open(key string, remoteIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.key = key
	t.remoteIDs = nil
	t.remote = make(map[string]struct{}, len(remoteIDs))
	for _, id := range remoteIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := t.remote[id]; dup {
			continue
		}
		t.remote[id] = struct{}{}
		t.remoteIDs = append(t.remoteIDs, id)
	}
	t.messages = nil
}

// Close discards the open thread.
func (t *Thread) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.key = ""
	t.remoteIDs = nil
	t.remote = nil
	t.messages = nil
}

// Key returns the contact key of the open thread, or "".
func (t *Thread) Key() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

// RemoteIDs returns the raw JIDs of the open thread.
func (t *Thread) RemoteIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.remoteIDs...)
}

// Target returns the JID outbound messages are sent to, preferring a
// phone-bearing one.
func (t *Thread) Target() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if phone := identity.PreferPhone(t.remoteIDs...); phone != "" {
		return phone
	}
	if len(t.remoteIDs) > 0 {
		return t.remoteIDs[0]
	}
	return ""
}

func (t *Thread) belongs(ids ...string) bool {
	if t.key == "" {
		return false
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := t.remote[id]; ok {
			return true
		}
		if identity.CanonicalKey(id) == t.key {
			return true
		}
	}
	return false
}

func (t *Thread) indexOf(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Thread) indexOfLocal(localID string) int {
	for i := range t.messages {
		if t.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// Load replaces the history of the open thread with events, keeping
// optimistic messages that were not reconciled by it.
func (t *Thread) Load(events []MessageEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.key == "" {
		return
	}

	var pending []Message
	for _, m := range t.messages {
		if m.LocalID != "" {
			pending = append(pending, m)
		}
	}
	t.messages = nil
	for _, ev := range events {
		if t.indexOf(ev.ID) >= 0 {
			continue
		}
		t.messages = append(t.messages, t.fromEvent(ev))
	}
	for _, m := range pending {
		if m.ID != m.LocalID && t.indexOf(m.ID) >= 0 {
			continue
		}
		t.messages = append(t.messages, m)
	}
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].Timestamp < t.messages[j].Timestamp
	})
}

func (t *Thread) fromEvent(ev MessageEvent) Message {
	status := t.table.Map(ev.Status)
	if !ev.FromMe {
		status = StatusRead
	}
	return Message{
		ID:        ev.ID,
		RemoteJID: ev.RemoteJID,
		Text:      ev.Content.Text(),
		Kind:      ev.Content.Kind.String(),
		FromMe:    ev.FromMe,
		Timestamp: ev.Timestamp,
		Status:    status,
	}
}

// BeginSend appends an optimistic outbound text message in sending state.
func (t *Thread) BeginSend(text string) (Message, error) {
	return t.BeginSendContent(Content{Kind: KindText, Body: text})
}

// BeginSendContent is BeginSend for any content kind.
func (t *Thread) BeginSendContent(c Content) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.key == "" {
		return Message{}, ErrThreadClosed
	}

	localID := t.newID()
	target := identity.PreferPhone(t.remoteIDs...)
	if target == "" && len(t.remoteIDs) > 0 {
		target = t.remoteIDs[0]
	}
	m := Message{
		ID:        localID,
		LocalID:   localID,
		RemoteJID: target,
		Text:      c.Text(),
		Kind:      c.Kind.String(),
		FromMe:    true,
		Timestamp: t.now().Unix(),
		Status:    StatusSending,
	}
	t.messages = append(t.messages, m)
	return m, nil
}

// CompleteSend records the server id assigned to an optimistic message.
func (t *Thread) CompleteSend(localID, serverID string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOfLocal(localID)
	if i < 0 {
		return Message{}, ErrUnknownMessage
	}
	m := &t.messages[i]
	if serverID != "" && m.ID == m.LocalID {
		if j := t.indexOf(serverID); j < 0 {
			m.ID = serverID
		}
	}
	if advance(m.Status, StatusSent) {
		m.Status = StatusSent
	}
	return *m, nil
}

// FailSend marks an optimistic message as failed. A message that was already
// confirmed keeps its status.
func (t *Thread) FailSend(localID string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOfLocal(localID)
	if i < 0 {
		return Message{}, ErrUnknownMessage
	}
	m := &t.messages[i]
	if advance(m.Status, StatusError) {
		m.Status = StatusError
	}
	return *m, nil
}

// ApplyUpsert adds a live message to the open thread. An echo of a local
// send is folded into its optimistic entry; repeats of a known server id are
// ignored. It reports whether the thread changed.
func (t *Thread) ApplyUpsert(ev MessageEvent) (Message, bool) {
	t.mu.Lock()
	if !t.belongs(ev.RemoteJID, ev.RawJID) || ev.ID == "" || t.indexOf(ev.ID) >= 0 {
		t.mu.Unlock()
		return Message{}, false
	}

	if ev.FromMe {
		if i := t.reconcile(ev); i >= 0 {
			m := t.messages[i]
			t.mu.Unlock()
			return m, true
		}
	}

	m := t.fromEvent(ev)
	if m.Timestamp <= 0 {
		m.Timestamp = t.now().Unix()
	}
	t.messages = append(t.messages, m)

	var listeners []func(InboundRead)
	var read InboundRead
	if !ev.FromMe {
		listeners = append(listeners, t.inbound...)
		remote := ev.RawJID
		if remote == "" {
			remote = ev.RemoteJID
		}
		read = InboundRead{ContactKey: t.key, RemoteJID: remote, MessageID: ev.ID}
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(read)
	}
	return m, true
}

// reconcile matches an echoed local send with the oldest pending optimistic
// message of the same kind and text. Echoes of messages sent from another
// device match nothing.
func (t *Thread) reconcile(ev MessageEvent) int {
	text := ev.Content.Text()
	kind := ev.Content.Kind.String()
	match := -1
	for i, m := range t.messages {
		if m.pending() && m.Kind == kind && m.Text == text {
			match = i
			break
		}
	}
	if match < 0 {
		return -1
	}
	m := &t.messages[match]
	m.ID = ev.ID
	m.Status = StatusSent
	if ev.Timestamp > 0 {
		m.Timestamp = ev.Timestamp
	}
	return match
}

// ApplyStatus applies a delivery/read update to a message of the open
// thread. It reports whether the status changed.
func (t *Thread) ApplyStatus(u StatusUpdate) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.belongs(u.RemoteJID, u.RawJID) {
		return Message{}, false
	}
	i := t.indexOf(u.MessageID)
	if i < 0 {
		return Message{}, false
	}
	m := &t.messages[i]
	next := t.table.Map(u.Code)
	if !advance(m.Status, next) {
		return *m, false
	}
	m.Status = next
	return *m, true
}

// Messages returns a copy of the open thread, oldest first.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.messages...)
}
