package realtime

import (
	"encoding/json"
	"strings"
)

// EventType is the normalized name of a realtime event.
type EventType string

const (
	EventMessageUpsert    EventType = "message.upsert"
	EventMessageUpdate    EventType = "message.update"
	EventConnectionUpdate EventType = "connection.update"
	EventQRCodeUpdated    EventType = "qrcode.updated"
	EventContactsUpsert   EventType = "contacts.upsert"
	EventContactsUpdate   EventType = "contacts.update"
)

// aliases maps every spelling the gateway has used for an event to its
// normalized type.
var aliases = map[string]EventType{
	"messages.upsert":   EventMessageUpsert,
	"MESSAGES_UPSERT":   EventMessageUpsert,
	"messages.update":   EventMessageUpdate,
	"MESSAGES_UPDATE":   EventMessageUpdate,
	"connection.update": EventConnectionUpdate,
	"CONNECTION_UPDATE": EventConnectionUpdate,
	"qrcode.updated":    EventQRCodeUpdated,
	"QRCODE_UPDATED":    EventQRCodeUpdated,
	"contacts.upsert":   EventContactsUpsert,
	"CONTACTS_UPSERT":   EventContactsUpsert,
	"contacts.update":   EventContactsUpdate,
	"CONTACTS_UPDATE":   EventContactsUpdate,
}

// Normalize returns the event type for a raw event name.
func Normalize(name string) (EventType, bool) {
	t, ok := aliases[strings.TrimSpace(name)]
	return t, ok
}

// Event is one realtime event delivered to listeners.
type Event struct {
	// Type is empty for events outside the alias table.
	Type     EventType
	Name     string
	Instance string
	Data     json.RawMessage
}

// Listener receives events of one type.
type Listener func(Event)

// AnyListener receives every event, known or not.
type AnyListener func(Event)

type envelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

// newEvent builds an Event from a raw event name and its first argument. The
// gateway wraps the payload as {event, instance, data}; bare payloads are
// passed through as data.
func newEvent(name string, arg json.RawMessage) Event {
	ev := Event{Name: name, Data: arg}
	var env envelope
	if err := json.Unmarshal(arg, &env); err == nil && len(env.Data) > 0 {
		ev.Data = env.Data
		ev.Instance = env.Instance
		if ev.Name == "" {
			ev.Name = env.Event
		}
	}
	if t, ok := Normalize(ev.Name); ok {
		ev.Type = t
	} else if t, ok := Normalize(env.Event); ok {
		ev.Type = t
	}
	return ev
}
