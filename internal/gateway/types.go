package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Tenant is one operator's gateway instance and the credentials to reach it.
type Tenant struct {
	ID      string `json:"tenant_id"`
	APIKey  string `json:"-"`
	BaseURL string `json:"gateway_base_url"`
}

// Int64 decodes the loosely typed numbers the gateway emits: plain numbers,
// numeric strings and protobuf Long objects ({"low":..,"high":..}).
type Int64 int64

func (n *Int64) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*n = 0
	case map[string]interface{}:
		low := cast.ToInt64(t["low"])
		high := cast.ToInt64(t["high"])
		*n = Int64(uint32(low)) | Int64(high<<32)
	default:
		parsed, err := cast.ToInt64E(t)
		if err != nil {
			*n = 0
			return nil
		}
		*n = Int64(parsed)
	}
	return nil
}

// StatusCode is the gateway's per-message delivery status. Textual forms are
// folded into their numeric equivalent.
type StatusCode int

const (
	StatusUnknown     StatusCode = -1
	StatusError       StatusCode = 0
	StatusPending     StatusCode = 1
	StatusServerAck   StatusCode = 2
	StatusDeliveryAck StatusCode = 3
	StatusRead        StatusCode = 4
	StatusPlayed      StatusCode = 5
)

var statusNames = map[string]StatusCode{
	"ERROR":        StatusError,
	"PENDING":      StatusPending,
	"SERVER_ACK":   StatusServerAck,
	"DELIVERY_ACK": StatusDeliveryAck,
	"READ":         StatusRead,
	"PLAYED":       StatusPlayed,
}

func (s *StatusCode) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ParseStatusCode(v)
	return nil
}

// ParseStatusCode converts a raw status value into a StatusCode.
func ParseStatusCode(v interface{}) StatusCode {
	if str, ok := v.(string); ok {
		if code, known := statusNames[strings.ToUpper(strings.TrimSpace(str))]; known {
			return code
		}
	}
	code, err := cast.ToIntE(v)
	if err != nil || v == nil {
		return StatusUnknown
	}
	return StatusCode(code)
}

// MessageKey identifies a message on the gateway.
type MessageKey struct {
	ID           string `json:"id"`
	RemoteJID    string `json:"remoteJid"`
	RemoteJIDAlt string `json:"remoteJidAlt,omitempty"`
	FromMe       bool   `json:"fromMe"`
	Participant  string `json:"participant,omitempty"`
}

// MessageRecord is a stored or echoed message as the gateway reports it.
type MessageRecord struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	Message          json.RawMessage `json:"message,omitempty"`
	MessageTimestamp Int64           `json:"messageTimestamp"`
	Status           StatusCode      `json:"status"`
}

// UnmarshalJSON leaves Status as StatusUnknown when the record carries none,
// so an absent status is not mistaken for StatusError.
func (r *MessageRecord) UnmarshalJSON(data []byte) error {
	type plain MessageRecord
	p := plain{Status: StatusUnknown}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = MessageRecord(p)
	return nil
}

// Chat is one row of the chat list snapshot.
type Chat struct {
	ID            string         `json:"id"`
	RemoteJID     string         `json:"remoteJid"`
	RemoteJIDAlt  string         `json:"remoteJidAlt,omitempty"`
	PushName      string         `json:"pushName,omitempty"`
	Name          string         `json:"name,omitempty"`
	ProfilePicURL string         `json:"profilePicUrl,omitempty"`
	UpdatedAt     string         `json:"updatedAt,omitempty"`
	UnreadCount   Int64          `json:"unreadCount"`
	LastMessage   *MessageRecord `json:"lastMessage,omitempty"`
}

// DisplayName returns the best human name the row carries.
func (c Chat) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.PushName != "" {
		return c.PushName
	}
	if c.LastMessage != nil && !c.LastMessage.Key.FromMe {
		return c.LastMessage.PushName
	}
	return ""
}

// Timestamp returns the row's raw recency in unix seconds.
func (c Chat) Timestamp() int64 {
	if c.LastMessage != nil && c.LastMessage.MessageTimestamp > 0 {
		return int64(c.LastMessage.MessageTimestamp)
	}
	if c.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, c.UpdatedAt); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// Contact is one row of the contact list snapshot.
type Contact struct {
	ID            string `json:"id"`
	RemoteJID     string `json:"remoteJid"`
	PushName      string `json:"pushName,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}

// SendResult is the gateway's acknowledgement of an outbound message.
type SendResult struct {
	MessageID string     `json:"message_id"`
	RemoteJID string     `json:"remote_jid"`
	Timestamp int64      `json:"timestamp"`
	Status    StatusCode `json:"status"`
}

// MediaKind is the media type accepted by SendMedia.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// ReadTarget names one message to mark as read.
type ReadTarget struct {
	RemoteJID string
	MessageID string
}

// ConnectResult is the answer to ConnectInstance: either a pairing payload or
// the current connection state when the instance is already paired.
type ConnectResult struct {
	PairingCode string `json:"pairingCode,omitempty"`
	Code        string `json:"code,omitempty"`
	Base64      string `json:"base64,omitempty"`
	Count       int    `json:"count,omitempty"`
	State       string `json:"state,omitempty"`
}

// Connection states reported by ProbeConnectionState.
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
)
