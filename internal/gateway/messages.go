package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string    `json:"number"`
	MediaType MediaKind `json:"mediatype"`
	MimeType  string    `json:"mimetype,omitempty"`
	Media     string    `json:"media"`
	FileName  string    `json:"fileName,omitempty"`
	Caption   string    `json:"caption,omitempty"`
}

type sendAudioRequest struct {
	Number string `json:"number"`
	Audio  string `json:"audio"`
}

// MediaMessage describes an outbound media message. Media is a URL or base64
// payload.
type MediaMessage struct {
	Kind     MediaKind
	MimeType string
	Media    string
	FileName string
	Caption  string
}

func (r MessageRecord) result() *SendResult {
	return &SendResult{
		MessageID: r.Key.ID,
		RemoteJID: r.Key.RemoteJID,
		Timestamp: int64(r.MessageTimestamp),
		Status:    r.Status,
	}
}

// SendText sends a text message to remoteID.
func (c *Client) SendText(ctx context.Context, t Tenant, remoteID, text string) (*SendResult, error) {
	if strings.TrimSpace(remoteID) == "" {
		return nil, fmt.Errorf("send text: remote id is required")
	}
	var ack MessageRecord
	err := c.do(ctx, t, http.MethodPost, instancePath("/message/sendText", t),
		sendTextRequest{Number: remoteID, Text: text}, &ack)
	if err != nil {
		return nil, err
	}
	return ack.result(), nil
}

// SendMedia sends an image, video, document or audio file to remoteID.
func (c *Client) SendMedia(ctx context.Context, t Tenant, remoteID string, m MediaMessage) (*SendResult, error) {
	if strings.TrimSpace(remoteID) == "" {
		return nil, fmt.Errorf("send media: remote id is required")
	}
	switch m.Kind {
	case MediaImage, MediaVideo, MediaDocument, MediaAudio:
	default:
		return nil, fmt.Errorf("send media: unsupported media type %q", m.Kind)
	}
	if m.Media == "" {
		return nil, fmt.Errorf("send media: media payload is required")
	}
	var ack MessageRecord
	err := c.do(ctx, t, http.MethodPost, instancePath("/message/sendMedia", t), sendMediaRequest{
		Number:    remoteID,
		MediaType: m.Kind,
		MimeType:  m.MimeType,
		Media:     m.Media,
		FileName:  m.FileName,
		Caption:   m.Caption,
	}, &ack)
	if err != nil {
		return nil, err
	}
	return ack.result(), nil
}

// SendAudio sends a voice note to remoteID. audio is a URL or base64 payload.
func (c *Client) SendAudio(ctx context.Context, t Tenant, remoteID, audio string) (*SendResult, error) {
	if strings.TrimSpace(remoteID) == "" {
		return nil, fmt.Errorf("send audio: remote id is required")
	}
	if audio == "" {
		return nil, fmt.Errorf("send audio: audio payload is required")
	}
	var ack MessageRecord
	err := c.do(ctx, t, http.MethodPost, instancePath("/message/sendWhatsAppAudio", t),
		sendAudioRequest{Number: remoteID, Audio: audio}, &ack)
	if err != nil {
		return nil, err
	}
	return ack.result(), nil
}

type readMessage struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// MarkRead sends read receipts for inbound messages.
func (c *Client) MarkRead(ctx context.Context, t Tenant, targets []ReadTarget) error {
	if len(targets) == 0 {
		return nil
	}
	msgs := make([]readMessage, 0, len(targets))
	for _, target := range targets {
		msgs = append(msgs, readMessage{RemoteJID: target.RemoteJID, ID: target.MessageID})
	}
	return c.do(ctx, t, http.MethodPost, instancePath("/chat/markMessageAsRead", t),
		map[string]interface{}{"readMessages": msgs}, nil)
}
