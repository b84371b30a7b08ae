// Package crm wires the realtime connection, the contact aggregator and the
// open thread of the logged-in tenant, and exposes the operations the CRM
// screens consume.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whatsapp-automation/chatsync/internal/chat"
	"github.com/whatsapp-automation/chatsync/internal/gateway"
	"github.com/whatsapp-automation/chatsync/internal/identity"
	"github.com/whatsapp-automation/chatsync/internal/realtime"
	"github.com/whatsapp-automation/chatsync/internal/store"
)

var (
	ErrNoSession          = errors.New("crm: no active session")
	ErrNoThread           = errors.New("crm: no open thread")
	ErrUnknownContact     = errors.New("crm: unknown contact")
	ErrNoQRCode           = errors.New("crm: no QR code pending")
	ErrInvalidCredentials = errors.New("crm: invalid gateway credentials")
)

// Gateway is the part of the gateway client a workspace uses.
type Gateway interface {
	SendText(ctx context.Context, t gateway.Tenant, remoteID, text string) (*gateway.SendResult, error)
	SendMedia(ctx context.Context, t gateway.Tenant, remoteID string, m gateway.MediaMessage) (*gateway.SendResult, error)
	SendAudio(ctx context.Context, t gateway.Tenant, remoteID, audio string) (*gateway.SendResult, error)
	FetchChats(ctx context.Context, t gateway.Tenant) ([]gateway.Chat, error)
	FetchContacts(ctx context.Context, t gateway.Tenant) ([]gateway.Contact, error)
	FetchMessages(ctx context.Context, t gateway.Tenant, remoteIDs []string, page, pageSize int) ([]gateway.MessageRecord, error)
	FetchProfilePicture(ctx context.Context, t gateway.Tenant, numberOrID string) (string, error)
	MarkRead(ctx context.Context, t gateway.Tenant, targets []gateway.ReadTarget) error
	ProbeConnectionState(ctx context.Context, t gateway.Tenant) (string, error)
	ConnectInstance(ctx context.Context, t gateway.Tenant) (*gateway.ConnectResult, error)
	RestartInstance(ctx context.Context, t gateway.Tenant) error
	LogoutInstance(ctx context.Context, t gateway.Tenant) error
}

const backgroundTimeout = 30 * time.Second

// Workspace is the live state of one logged-in tenant.
type Workspace struct {
	tenant   gateway.Tenant
	gw       Gateway
	manager  *realtime.Manager
	handle   *realtime.Handle
	contacts *chat.Aggregator
	thread   *chat.Thread
	mirror   *store.ContactStore
	pageSize int
	qrDir    string
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	unsubscribe   []func()
	instanceState string
	pairing       *ConnectResult
	lastRefresh   time.Time
	connectedOnce bool
	closed        bool
}

type workspaceOptions struct {
	gw          Gateway
	manager     *realtime.Manager
	mirror      *store.ContactStore
	statusTable chat.StatusTable
	pageSize    int
	qrDir       string
}

func newWorkspace(t gateway.Tenant, opts workspaceOptions) *Workspace {
	ctx, cancel := context.WithCancel(context.Background())
	pageSize := opts.pageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	w := &Workspace{
		tenant:   t,
		gw:       opts.gw,
		manager:  opts.manager,
		contacts: chat.NewAggregator(0),
		thread:   chat.NewThread(opts.statusTable),
		mirror:   opts.mirror,
		pageSize: pageSize,
		qrDir:    opts.qrDir,
		log:      log.With().Str("component", "workspace").Str("tenant", t.ID).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	w.thread.OnInbound(w.onInboundRead)
	return w
}

// goBackground runs fn in the background with a bounded context tied to the workspace.
func (w *Workspace) goBackground(fn func(ctx context.Context)) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.ctx, backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// attach subscribes the workspace to h.
func (w *Workspace) attach(h *realtime.Handle) {
	w.handle = h
	unsubs := []func(){
		h.On(realtime.EventMessageUpsert, w.onUpsert),
		h.On(realtime.EventMessageUpdate, w.onUpdate),
		h.On(realtime.EventConnectionUpdate, func(ev realtime.Event) { w.onConnectionUpdate(ev.Data) }),
		h.On(realtime.EventQRCodeUpdated, func(ev realtime.Event) { w.onQRCode(ev.Data) }),
		h.On(realtime.EventContactsUpsert, w.onContacts),
		h.On(realtime.EventContactsUpdate, w.onContacts),
		h.OnAny(func(ev realtime.Event) {
			w.log.Debug().Str("event", ev.Name).Int("bytes", len(ev.Data)).Msg("realtime event")
		}),
		h.OnState(w.onState),
	}
	w.mu.Lock()
	w.connectedOnce = h.State() == realtime.Connected
	w.unsubscribe = append(w.unsubscribe, unsubs...)
	w.mu.Unlock()
}

func (w *Workspace) onUpsert(ev realtime.Event) {
	msgs := chat.DecodeUpserts(ev.Data)
	if len(msgs) == 0 {
		w.log.Debug().Str("event", ev.Name).Msg("malformed upsert dropped")
		return
	}
	for _, m := range msgs {
		w.contacts.ApplyUpsert(m)
		w.thread.ApplyUpsert(m)
	}
}

func (w *Workspace) onUpdate(ev realtime.Event) {
	for _, u := range chat.DecodeStatusUpdates(ev.Data) {
		if m, changed := w.thread.ApplyStatus(u); changed {
			w.log.Debug().Str("message", m.ID).Stringer("status", m.Status).Msg("message status")
		}
	}
}

func (w *Workspace) onContacts(ev realtime.Event) {
	var contacts []gateway.Contact
	if err := json.Unmarshal(ev.Data, &contacts); err != nil {
		var one gateway.Contact
		if err := json.Unmarshal(ev.Data, &one); err != nil {
			return
		}
		contacts = []gateway.Contact{one}
	}
	for i := range contacts {
		if contacts[i].RemoteJID == "" {
			contacts[i].RemoteJID = contacts[i].ID
		}
	}
	w.contacts.ApplyContacts(contacts)
}

// onConnectionUpdate tracks the instance state. Only state changes are
// logged.
func (w *Workspace) onConnectionUpdate(data json.RawMessage) {
	var ev struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.State == "" {
		return
	}
	prev := w.setInstanceState(ev.State)
	if prev == ev.State {
		return
	}
	w.log.Info().Str("from", prev).Str("to", ev.State).Msg("instance state changed")
	if ev.State == gateway.StateOpen {
		w.mu.Lock()
		w.pairing = nil
		w.mu.Unlock()
		w.goBackground(func(ctx context.Context) { w.refreshLogged(ctx) })
	}
}

// onState catches up with a snapshot every time the realtime connection is
// re-established, since events sent while disconnected are lost. The first
// connection is covered by the login refresh.
func (w *Workspace) onState(s realtime.State) {
	w.log.Info().Stringer("state", s).Msg("realtime state")
	if s != realtime.Connected {
		return
	}
	w.mu.Lock()
	reconnected := w.connectedOnce
	w.connectedOnce = true
	w.mu.Unlock()
	if reconnected {
		w.goBackground(func(ctx context.Context) { w.refreshLogged(ctx) })
	}
}

func (w *Workspace) onInboundRead(r chat.InboundRead) {
	w.contacts.MarkRead(r.ContactKey)
	w.goBackground(func(ctx context.Context) {
		err := w.gw.MarkRead(ctx, w.tenant, []gateway.ReadTarget{{RemoteJID: r.RemoteJID, MessageID: r.MessageID}})
		if err != nil {
			w.log.Warn().Err(err).Str("message", r.MessageID).Msg("failed to mark message as read")
		}
	})
}

func (w *Workspace) setInstanceState(state string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.instanceState
	w.instanceState = state
	return prev
}

// Tenant returns the workspace tenant.
func (w *Workspace) Tenant() gateway.Tenant {
	return w.tenant
}

// Refresh fetches the chat and contact snapshots and merges them into the
// contact list.
func (w *Workspace) Refresh(ctx context.Context) error {
	chats, err := w.gw.FetchChats(ctx, w.tenant)
	if err != nil {
		return fmt.Errorf("fetch chats: %w", err)
	}
	w.contacts.ApplySnapshot(chats)

	if contacts, err := w.gw.FetchContacts(ctx, w.tenant); err != nil {
		w.log.Warn().Err(err).Msg("failed to fetch contacts")
	} else {
		w.contacts.ApplyContacts(contacts)
	}

	w.mu.Lock()
	w.lastRefresh = time.Now()
	w.mu.Unlock()

	w.log.Info().Int("chats", len(chats)).Int("contacts", w.contacts.Len()).Msg("snapshot applied")
	w.saveMirror(ctx)
	return nil
}

func (w *Workspace) refreshLogged(ctx context.Context) {
	if err := w.Refresh(ctx); err != nil {
		w.log.Warn().Err(err).Msg("background refresh failed")
	}
}

func (w *Workspace) saveMirror(ctx context.Context) {
	if w.mirror == nil {
		return
	}
	if err := w.mirror.SaveContacts(ctx, w.contacts.Contacts()); err != nil {
		w.log.Warn().Err(err).Msg("failed to mirror contacts")
	}
}

// Contacts returns the contact list, most recent first.
func (w *Workspace) Contacts() []chat.Contact {
	return w.contacts.Contacts()
}

// Contact returns one contact by key or raw JID.
func (w *Workspace) Contact(key string) (chat.Contact, error) {
	c, ok := w.contacts.Lookup(key)
	if !ok {
		return chat.Contact{}, ErrUnknownContact
	}
	return c, nil
}

// OpenThread opens the conversation with the contact key, loads its first
// history page and clears its unread counter.
func (w *Workspace) OpenThread(ctx context.Context, key string) ([]chat.Message, error) {
	c, ok := w.contacts.Lookup(key)
	if !ok {
		if !identity.IsPhoneBearing(identity.ToJID(key)) {
			return nil, ErrUnknownContact
		}
		jid := identity.ToJID(key)
		c = chat.Contact{Number: identity.CanonicalKey(jid), MergedIDs: []string{jid}}
	}

	w.thread.Open(c.Number, c.MergedIDs)
	records, err := w.gw.FetchMessages(ctx, w.tenant, c.MergedIDs, 1, w.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	events := make([]chat.MessageEvent, 0, len(records))
	var unread []gateway.ReadTarget
	for _, r := range records {
		ev, ok := chat.FromRecord(r)
		if !ok {
			continue
		}
		events = append(events, ev)
		if !ev.FromMe && ev.ID != "" {
			unread = append(unread, gateway.ReadTarget{RemoteJID: ev.RawJID, MessageID: ev.ID})
		}
	}
	if w.thread.Key() != c.Number {
		// another thread was opened meanwhile
		return w.thread.Messages(), nil
	}
	w.thread.Load(events)

	if w.contacts.MarkRead(c.Number) && len(unread) > 0 {
		w.goBackground(func(ctx context.Context) {
			if err := w.gw.MarkRead(ctx, w.tenant, unread); err != nil {
				w.log.Warn().Err(err).Msg("failed to mark thread as read")
			}
		})
	}
	return w.thread.Messages(), nil
}

// CloseThread closes the open conversation.
func (w *Workspace) CloseThread() {
	w.thread.Close()
}

// Thread returns the key and messages of the open conversation.
func (w *Workspace) Thread() (string, []chat.Message, error) {
	key := w.thread.Key()
	if key == "" {
		return "", nil, ErrNoThread
	}
	return key, w.thread.Messages(), nil
}

// SendText sends text to the open conversation. The message appears at once
// in sending state and turns to error if the gateway rejects it.
func (w *Workspace) SendText(ctx context.Context, text string) (chat.Message, error) {
	return w.send(ctx, chat.Content{Kind: chat.KindText, Body: text}, func(target string) (*gateway.SendResult, error) {
		return w.gw.SendText(ctx, w.tenant, target, text)
	})
}

// SendMedia sends a media message to the open conversation.
func (w *Workspace) SendMedia(ctx context.Context, m gateway.MediaMessage) (chat.Message, error) {
	content := chat.Content{Kind: mediaKind(m.Kind)}
	switch m.Kind {
	case gateway.MediaImage:
		content.Body = m.Caption
	case gateway.MediaDocument:
		content.Body = m.FileName
	}
	return w.send(ctx, content, func(target string) (*gateway.SendResult, error) {
		return w.gw.SendMedia(ctx, w.tenant, target, m)
	})
}

// SendAudio sends a voice note to the open conversation.
func (w *Workspace) SendAudio(ctx context.Context, audio string) (chat.Message, error) {
	return w.send(ctx, chat.Content{Kind: chat.KindAudio}, func(target string) (*gateway.SendResult, error) {
		return w.gw.SendAudio(ctx, w.tenant, target, audio)
	})
}

func mediaKind(k gateway.MediaKind) chat.Kind {
	switch k {
	case gateway.MediaImage:
		return chat.KindImage
	case gateway.MediaVideo:
		return chat.KindVideo
	case gateway.MediaAudio:
		return chat.KindAudio
	case gateway.MediaDocument:
		return chat.KindDocument
	}
	return chat.KindUnsupported
}

func (w *Workspace) send(ctx context.Context, content chat.Content, do func(target string) (*gateway.SendResult, error)) (chat.Message, error) {
	key := w.thread.Key()
	target := w.thread.Target()
	if key == "" || target == "" {
		return chat.Message{}, ErrNoThread
	}

	pending, err := w.thread.BeginSendContent(content)
	if err != nil {
		return chat.Message{}, ErrNoThread
	}

	res, err := do(target)
	if err != nil {
		failed, _ := w.thread.FailSend(pending.LocalID)
		w.log.Warn().Err(err).Str("to", target).Msg("send failed")
		return failed, fmt.Errorf("send: %w", err)
	}

	sent, err := w.thread.CompleteSend(pending.LocalID, res.MessageID)
	if err != nil {
		// thread switched while the call was in flight
		sent = pending
		sent.ID = res.MessageID
		sent.Status = chat.StatusSent
	}

	ts := res.Timestamp
	if ts <= 0 {
		ts = sent.Timestamp
	}
	w.contacts.ApplyUpsert(chat.MessageEvent{
		ID:        res.MessageID,
		RemoteJID: target,
		RawJID:    target,
		FromMe:    true,
		Timestamp: ts,
		Content:   content,
	})
	return sent, nil
}

// MarkRead clears the unread counter of a contact. When the contact's thread
// is open the gateway is told as well.
func (w *Workspace) MarkRead(ctx context.Context, key string) error {
	c, ok := w.contacts.Lookup(key)
	if !ok {
		return ErrUnknownContact
	}
	w.contacts.MarkRead(c.Number)

	if w.thread.Key() != c.Number {
		return nil
	}
	var targets []gateway.ReadTarget
	for _, m := range w.thread.Messages() {
		if !m.FromMe && m.ID != "" {
			targets = append(targets, gateway.ReadTarget{RemoteJID: m.RemoteJID, MessageID: m.ID})
		}
	}
	if len(targets) == 0 {
		return nil
	}
	if err := w.gw.MarkRead(ctx, w.tenant, targets); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Avatar returns the avatar URL of a contact, resolving it lazily.
func (w *Workspace) Avatar(ctx context.Context, key string) (string, error) {
	c, ok := w.contacts.Lookup(key)
	if !ok {
		return "", ErrUnknownContact
	}
	if c.AvatarURL != "" {
		return c.AvatarURL, nil
	}

	target := identity.PreferPhone(c.MergedIDs...)
	if target == "" && len(c.MergedIDs) > 0 {
		target = c.MergedIDs[0]
	}
	if target == "" {
		target = c.Number
	}
	url, err := w.gw.FetchProfilePicture(ctx, w.tenant, target)
	if err != nil {
		return "", fmt.Errorf("fetch profile picture: %w", err)
	}
	if url != "" {
		w.contacts.SetAvatar(c.Number, url)
	}
	return url, nil
}

// Status summarizes the workspace.
type Status struct {
	Tenant        string    `json:"tenant"`
	Realtime      string    `json:"realtime"`
	InstanceState string    `json:"instance_state,omitempty"`
	Contacts      int       `json:"contacts"`
	OpenThread    string    `json:"open_thread,omitempty"`
	OpenThreadIDs []string  `json:"open_thread_ids,omitempty"`
	LastRefresh   time.Time `json:"last_refresh"`
}

// Status returns the workspace summary.
func (w *Workspace) Status() Status {
	w.mu.Lock()
	st := Status{
		Tenant:        w.tenant.ID,
		InstanceState: w.instanceState,
		LastRefresh:   w.lastRefresh,
	}
	w.mu.Unlock()

	st.Realtime = realtime.Disconnected.String()
	if w.handle != nil {
		st.Realtime = w.handle.State().String()
	}
	st.Contacts = w.contacts.Len()
	st.OpenThread = w.thread.Key()
	if st.OpenThread != "" {
		st.OpenThreadIDs = w.thread.RemoteIDs()
	}
	return st
}

// Close detaches every listener, closes the realtime connection, cancels
// background work and mirrors the contact list.
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	unsubs := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if w.manager != nil {
		w.manager.Close(w.handle)
	} else {
		w.handle.Close()
	}
	w.cancel()
	w.wg.Wait()

	w.thread.Close()
	if w.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		w.saveMirror(ctx)
		cancel()
		if err := w.mirror.Close(); err != nil {
			w.log.Warn().Err(err).Msg("failed to close contact mirror")
		}
	}
	w.contacts.Reset()
	w.log.Info().Msg("workspace closed")
}
