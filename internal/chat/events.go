package chat

import (
	"encoding/json"
	"strings"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
	"github.com/whatsapp-automation/chatsync/internal/identity"
)

// MessageEvent is a message normalized from a realtime upsert or a history
// record.
type MessageEvent struct {
	ID string
	// RemoteJID is the resolved canonical remote identifier.
	RemoteJID string
	// RawJID is the identifier the gateway reported directly.
	RawJID    string
	FromMe    bool
	PushName  string
	Timestamp int64
	Status    gateway.StatusCode
	Content   Content
}

// StatusUpdate is a delivery/read status change for one message.
type StatusUpdate struct {
	MessageID string
	RemoteJID string
	RawJID    string
	Code      gateway.StatusCode
}

// FromRecord normalizes a gateway message record. ok is false when the record
// has no usable identifier.
func FromRecord(r gateway.MessageRecord) (MessageEvent, bool) {
	return fromRecord(r, "", "")
}

func fromRecord(r gateway.MessageRecord, remoteJID, remoteJIDAlt string) (MessageEvent, bool) {
	alt := r.Key.RemoteJIDAlt
	if alt == "" {
		alt = remoteJIDAlt
	}
	rec := identity.Record{RemoteJID: remoteJID, KeyRemoteJID: r.Key.RemoteJID, RemoteJIDAlt: alt}
	resolved := identity.Resolve(rec)
	if resolved == "" {
		return MessageEvent{}, false
	}
	return MessageEvent{
		ID:        r.Key.ID,
		RemoteJID: resolved,
		RawJID:    rec.Direct(),
		FromMe:    r.Key.FromMe,
		PushName:  r.PushName,
		Timestamp: int64(r.MessageTimestamp),
		Status:    r.Status,
		Content:   ParseContent(r.Message),
	}, true
}

type upsertPayload struct {
	gateway.MessageRecord
	RemoteJID    string `json:"remoteJid"`
	RemoteJIDAlt string `json:"remoteJidAlt"`
}

func (p *upsertPayload) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.MessageRecord); err != nil {
		return err
	}
	var ids struct {
		RemoteJID    string `json:"remoteJid"`
		RemoteJIDAlt string `json:"remoteJidAlt"`
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	p.RemoteJID, p.RemoteJIDAlt = ids.RemoteJID, ids.RemoteJIDAlt
	return nil
}

// splitPayload returns the records of an event payload, which may be a single
// object, an array, or an object wrapping an array under listKey.
func splitPayload(data json.RawMessage, listKey string) []json.RawMessage {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		return nil
	case strings.HasPrefix(trimmed, "["):
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil
		}
		return items
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil
	}
	if inner, ok := wrapper[listKey]; ok && strings.HasPrefix(strings.TrimSpace(string(inner)), "[") {
		return splitPayload(inner, listKey)
	}
	return []json.RawMessage{data}
}

// DecodeUpserts normalizes the data of a message upsert event. Records that
// are malformed or carry no identifier are dropped.
func DecodeUpserts(data json.RawMessage) []MessageEvent {
	var out []MessageEvent
	for _, item := range splitPayload(data, "messages") {
		var p upsertPayload
		if err := json.Unmarshal(item, &p); err != nil {
			continue
		}
		if ev, ok := fromRecord(p.MessageRecord, p.RemoteJID, p.RemoteJIDAlt); ok {
			out = append(out, ev)
		}
	}
	return out
}

type statusPayload struct {
	Key          *gateway.MessageKey `json:"key"`
	KeyID        string              `json:"keyId"`
	MessageID    string              `json:"messageId"`
	RemoteJID    string              `json:"remoteJid"`
	RemoteJIDAlt string              `json:"remoteJidAlt"`
	Status       interface{}         `json:"status"`
	Update       *struct {
		Status interface{} `json:"status"`
	} `json:"update"`
}

// DecodeStatusUpdates normalizes the data of a message update event.
func DecodeStatusUpdates(data json.RawMessage) []StatusUpdate {
	var out []StatusUpdate
	for _, item := range splitPayload(data, "updates") {
		var p statusPayload
		if err := json.Unmarshal(item, &p); err != nil {
			continue
		}
		rec := identity.Record{RemoteJID: p.RemoteJID, RemoteJIDAlt: p.RemoteJIDAlt}
		id := p.KeyID
		if p.Key != nil {
			rec.KeyRemoteJID = p.Key.RemoteJID
			if rec.RemoteJIDAlt == "" {
				rec.RemoteJIDAlt = p.Key.RemoteJIDAlt
			}
			if p.Key.ID != "" {
				id = p.Key.ID
			}
		}
		if id == "" {
			id = p.MessageID
		}
		raw := p.Status
		if raw == nil && p.Update != nil {
			raw = p.Update.Status
		}
		if id == "" || raw == nil {
			continue
		}
		out = append(out, StatusUpdate{
			MessageID: id,
			RemoteJID: identity.Resolve(rec),
			RawJID:    rec.Direct(),
			Code:      gateway.ParseStatusCode(raw),
		})
	}
	return out
}
