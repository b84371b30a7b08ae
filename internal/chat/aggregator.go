package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
	"github.com/whatsapp-automation/chatsync/internal/identity"
)

// Contact is one logical conversation, possibly spanning several raw JIDs.
type Contact struct {
	Number        string    `json:"number"`
	MergedIDs     []string  `json:"merged_ids"`
	Name          string    `json:"name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Preview       string    `json:"preview"`
	LastMessageAt time.Time `json:"last_message_at"`
	Timestamp     int64     `json:"timestamp"`
	Unread        int       `json:"unread"`
	IsGroup       bool      `json:"is_group"`
}

// seededUnread is the unread contribution restored from the contact mirror.
// The first snapshot touching the contact supersedes it.
const seededUnread = ""

type entry struct {
	contact Contact
	// unread holds per-raw-JID unread contributions; their sum is the
	// displayed counter.
	unread map[string]int
	// live holds the timestamps of inbound realtime messages per raw JID not
	// yet covered by a snapshot. readAt is the contact timestamp at the last
	// mark-read.
	live   map[string][]int64
	readAt map[string]int64
}

func newEntry(c Contact) *entry {
	return &entry{
		contact: c,
		unread:  make(map[string]int),
		live:    make(map[string][]int64),
		readAt:  make(map[string]int64),
	}
}

// setSnapshotUnread applies the unread count a snapshot row reports for
// rawID as of ts. Live messages newer than the row are added on top, so the
// result does not depend on whether the row or the live message came first.
// Rows not newer than the last mark-read leave the counter alone.
func (e *entry) setSnapshotUnread(rawID string, ts int64, n int) {
	if read, ok := e.readAt[rawID]; ok && ts <= read {
		return
	}
	var newer []int64
	for _, at := range e.live[rawID] {
		if at > ts {
			newer = append(newer, at)
		}
	}
	if len(newer) > 0 {
		e.live[rawID] = newer
	} else {
		delete(e.live, rawID)
	}
	if n += len(newer); n > 0 {
		e.unread[rawID] = n
	} else {
		delete(e.unread, rawID)
	}
}

func (e *entry) addID(id string) {
	if id == "" {
		return
	}
	for _, known := range e.contact.MergedIDs {
		if known == id {
			return
		}
	}
	e.contact.MergedIDs = append(e.contact.MergedIDs, id)
}

func (e *entry) snapshot() Contact {
	c := e.contact
	c.MergedIDs = append([]string(nil), e.contact.MergedIDs...)
	c.Unread = 0
	for _, n := range e.unread {
		c.Unread += n
	}
	return c
}

func (e *entry) touch(ts int64, preview string) bool {
	if ts < e.contact.Timestamp {
		return false
	}
	e.contact.Timestamp = ts
	e.contact.Preview = preview
	e.contact.LastMessageAt = time.Unix(ts, 0).UTC()
	return true
}

// Aggregator maintains the contact table from chat snapshots and realtime
// message upserts. It is safe for concurrent use.
type Aggregator struct {
	mu       sync.RWMutex
	contacts map[string]*entry
	alias    map[string]string
	seen     *cache.Cache
	now      func() time.Time
}

// NewAggregator creates an empty Aggregator. Message ids delivered by the
// realtime stream are remembered for dedupeTTL.
func NewAggregator(dedupeTTL time.Duration) *Aggregator {
	if dedupeTTL <= 0 {
		dedupeTTL = 10 * time.Minute
	}
	return &Aggregator{
		contacts: make(map[string]*entry),
		alias:    make(map[string]string),
		seen:     cache.New(dedupeTTL, 2*dedupeTTL),
		now:      time.Now,
	}
}

// groupKey computes the aggregation key for a record seen under rawID and
// resolved to resolved. Non-group chats group under a phone-bearing JID
// whenever one is known for the record.
func (a *Aggregator) groupKey(rawID, resolved string) string {
	if identity.IsGroup(resolved) {
		return identity.CanonicalKey(resolved)
	}
	if phone := identity.PreferPhone(rawID, resolved); phone != "" {
		return identity.CanonicalKey(phone)
	}
	for _, id := range []string{rawID, resolved} {
		key, ok := a.alias[id]
		if !ok {
			continue
		}
		if e, found := a.contacts[key]; found {
			if phone := identity.PreferPhone(e.contact.MergedIDs...); phone != "" {
				return identity.CanonicalKey(phone)
			}
		}
		return key
	}
	return identity.CanonicalKey(resolved)
}

func (a *Aggregator) ensure(key, resolved string) (*entry, bool) {
	if e, ok := a.contacts[key]; ok {
		return e, false
	}
	e := newEntry(Contact{Number: key, IsGroup: identity.IsGroup(resolved)})
	a.contacts[key] = e
	return e, true
}

// absorb folds contacts previously grouped under one of ids into e. This
// happens when a phone-bearing JID becomes known for a contact first seen
// under an opaque JID.
func (a *Aggregator) absorb(e *entry, ids ...string) {
	for _, id := range ids {
		key, ok := a.alias[id]
		if !ok || key == e.contact.Number {
			continue
		}
		old, ok := a.contacts[key]
		if !ok {
			continue
		}
		delete(a.contacts, key)
		for raw, n := range old.unread {
			e.unread[raw] += n
		}
		for raw, ts := range old.live {
			e.live[raw] = append(e.live[raw], ts...)
		}
		for raw, ts := range old.readAt {
			if ts > e.readAt[raw] {
				e.readAt[raw] = ts
			}
		}
		if old.contact.Timestamp > e.contact.Timestamp {
			e.touch(old.contact.Timestamp, old.contact.Preview)
		}
		if e.contact.Name == "" {
			e.contact.Name = old.contact.Name
		}
		if e.contact.AvatarURL == "" {
			e.contact.AvatarURL = old.contact.AvatarURL
		}
		a.link(e, old.contact.MergedIDs...)
	}
}

func (a *Aggregator) link(e *entry, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		e.addID(id)
		a.alias[id] = e.contact.Number
	}
}

// ApplySnapshot merges a chat list snapshot into the table. Applying the same
// snapshot twice leaves the table unchanged.
func (a *Aggregator) ApplySnapshot(chats []gateway.Chat) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range chats {
		rec := identity.Record{RemoteJID: c.RemoteJID, RemoteJIDAlt: c.RemoteJIDAlt}
		if c.LastMessage != nil {
			rec.KeyRemoteJID = c.LastMessage.Key.RemoteJID
			if rec.RemoteJIDAlt == "" {
				rec.RemoteJIDAlt = c.LastMessage.Key.RemoteJIDAlt
			}
		}
		resolved := identity.Resolve(rec)
		if resolved == "" || identity.IsStatusBroadcast(resolved) {
			continue
		}
		rawID := rec.Direct()

		key := a.groupKey(rawID, resolved)
		e, created := a.ensure(key, resolved)
		a.absorb(e, rawID, resolved)
		a.link(e, rawID, resolved)

		delete(e.unread, seededUnread)
		ts := c.Timestamp()
		e.setSnapshotUnread(rawID, ts, int(c.UnreadCount))

		preview := ""
		if c.LastMessage != nil {
			preview = ParseContent(c.LastMessage.Message).Text()
		}
		name := c.DisplayName()
		if ts > e.contact.Timestamp || (created && e.contact.Timestamp == 0) {
			e.touch(ts, preview)
			if name != "" {
				e.contact.Name = name
			}
		} else if e.contact.Name == "" {
			e.contact.Name = name
		}
		if e.contact.AvatarURL == "" {
			e.contact.AvatarURL = c.ProfilePicURL
		}
	}
}

// ApplyContacts fills names and avatars of known contacts from the contact
// list. It never creates contacts.
func (a *Aggregator) ApplyContacts(contacts []gateway.Contact) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range contacts {
		e := a.find(c.RemoteJID)
		if e == nil {
			continue
		}
		if e.contact.Name == "" && !e.contact.IsGroup {
			e.contact.Name = c.PushName
		}
		if e.contact.AvatarURL == "" {
			e.contact.AvatarURL = c.ProfilePicURL
		}
	}
}

// ApplyUpsert records a realtime message. It reports false when the event
// was discarded: status broadcasts, records without identifier and repeated
// deliveries of the same message.
func (a *Aggregator) ApplyUpsert(ev MessageEvent) (Contact, bool) {
	if ev.RemoteJID == "" || identity.IsStatusBroadcast(ev.RemoteJID) || identity.IsStatusBroadcast(ev.RawJID) {
		return Contact{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.ID != "" {
		if _, dup := a.seen.Get(ev.ID); dup {
			return Contact{}, false
		}
		a.seen.SetDefault(ev.ID, struct{}{})
	}

	rawID := ev.RawJID
	if rawID == "" {
		rawID = ev.RemoteJID
	}
	ts := ev.Timestamp
	if ts <= 0 {
		ts = a.now().Unix()
	}

	key := a.groupKey(rawID, ev.RemoteJID)
	e, _ := a.ensure(key, ev.RemoteJID)
	a.absorb(e, rawID, ev.RemoteJID)
	a.link(e, rawID, ev.RemoteJID)

	e.touch(ts, ev.Content.Text())
	if !ev.FromMe {
		e.unread[rawID]++
		e.live[rawID] = append(e.live[rawID], ts)
		if e.contact.Name == "" && !e.contact.IsGroup {
			e.contact.Name = ev.PushName
		}
	}
	return e.snapshot(), true
}

// MarkRead sets the unread counter of the contact identified by key (or any
// of its raw JIDs) to zero.
func (a *Aggregator) MarkRead(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.find(key)
	if e == nil {
		return false
	}
	e.unread = make(map[string]int)
	e.live = make(map[string][]int64)
	if ts := e.contact.Timestamp; ts > 0 {
		for _, id := range e.contact.MergedIDs {
			e.readAt[id] = ts
		}
	}
	return true
}

// SetAvatar stores the avatar URL of a contact.
func (a *Aggregator) SetAvatar(key, url string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.find(key)
	if e == nil {
		return false
	}
	e.contact.AvatarURL = url
	return true
}

func (a *Aggregator) find(id string) *entry {
	if e, ok := a.contacts[id]; ok {
		return e
	}
	if key, ok := a.alias[id]; ok {
		return a.contacts[key]
	}
	return a.contacts[identity.CanonicalKey(id)]
}

// Get returns the contact stored under key.
func (a *Aggregator) Get(key string) (Contact, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.contacts[key]
	if !ok {
		return Contact{}, false
	}
	return e.snapshot(), true
}

// Lookup finds a contact by key or by any raw JID merged into it.
func (a *Aggregator) Lookup(id string) (Contact, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e := a.find(id)
	if e == nil {
		return Contact{}, false
	}
	return e.snapshot(), true
}

// Contacts returns all contacts, most recent first.
func (a *Aggregator) Contacts() []Contact {
	a.mu.RLock()
	out := make([]Contact, 0, len(a.contacts))
	for _, e := range a.contacts {
		out = append(out, e.snapshot())
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].Number < out[j].Number
	})
	return out
}

// Len returns the number of contacts.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.contacts)
}

// Reset clears the table.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.contacts = make(map[string]*entry)
	a.alias = make(map[string]string)
	a.seen.Flush()
}

// Seed restores contacts from the mirror. Contacts already present win.
func (a *Aggregator) Seed(contacts []Contact) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range contacts {
		if c.Number == "" {
			continue
		}
		if _, ok := a.contacts[c.Number]; ok {
			continue
		}
		e := newEntry(c)
		e.contact.MergedIDs = nil
		e.contact.Unread = 0
		if c.Unread > 0 {
			e.unread[seededUnread] = c.Unread
		}
		a.contacts[c.Number] = e
		a.link(e, c.MergedIDs...)
	}
}
