// Package chat holds the canonical chat model: content reduction, the contact
// aggregator fed by snapshots and realtime upserts, and the open thread with
// its optimistic-send reconciliation.
package chat

import (
	"encoding/json"
	"strings"
)

// Kind tags the shape of a message payload.
type Kind int

const (
	KindUnsupported Kind = iota
	KindText
	KindImage
	KindAudio
	KindVideo
	KindDocument
	KindSticker
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindDocument:
		return "document"
	case KindSticker:
		return "sticker"
	}
	return "unsupported"
}

// Placeholder markers for content without text of its own.
const (
	MarkerImage       = "[Image]"
	MarkerAudio       = "[Audio]"
	MarkerVideo       = "[Video]"
	MarkerDocument    = "[Document]"
	MarkerSticker     = "[Sticker]"
	MarkerUnsupported = "[Unsupported message]"
)

// Content is a message payload reduced to its kind and the one piece of text
// that kind carries: body for text, caption for images, title for documents.
type Content struct {
	Kind Kind
	Body string
}

// Text is the display text used for both contact previews and thread
// messages.
func (c Content) Text() string {
	switch c.Kind {
	case KindText:
		return c.Body
	case KindImage:
		if c.Body != "" {
			return c.Body
		}
		return MarkerImage
	case KindAudio:
		return MarkerAudio
	case KindVideo:
		return MarkerVideo
	case KindDocument:
		if c.Body != "" {
			return MarkerDocument + " " + c.Body
		}
		return MarkerDocument
	case KindSticker:
		return MarkerSticker
	}
	return MarkerUnsupported
}

type wrapped struct {
	Message json.RawMessage `json:"message"`
}

type messagePayload struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage *struct {
		Caption string `json:"caption"`
	} `json:"imageMessage"`
	AudioMessage json.RawMessage `json:"audioMessage"`
	VideoMessage json.RawMessage `json:"videoMessage"`
	PTVMessage   json.RawMessage `json:"ptvMessage"`
	DocumentMessage *struct {
		Title    string `json:"title"`
		FileName string `json:"fileName"`
	} `json:"documentMessage"`
	StickerMessage json.RawMessage `json:"stickerMessage"`

	EphemeralMessage           *wrapped `json:"ephemeralMessage"`
	ViewOnceMessage            *wrapped `json:"viewOnceMessage"`
	ViewOnceMessageV2          *wrapped `json:"viewOnceMessageV2"`
	DocumentWithCaptionMessage *wrapped `json:"documentWithCaptionMessage"`
}

func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

const maxUnwrap = 4

// ParseContent reduces a raw gateway message payload to Content. Unknown or
// malformed payloads yield KindUnsupported.
func ParseContent(raw json.RawMessage) Content {
	for depth := 0; depth < maxUnwrap; depth++ {
		if !present(raw) {
			return Content{}
		}
		var m messagePayload
		if err := json.Unmarshal(raw, &m); err != nil {
			return Content{}
		}

		switch {
		case m.Conversation != "":
			return Content{Kind: KindText, Body: m.Conversation}
		case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
			return Content{Kind: KindText, Body: m.ExtendedTextMessage.Text}
		case m.ImageMessage != nil:
			return Content{Kind: KindImage, Body: strings.TrimSpace(m.ImageMessage.Caption)}
		case present(m.AudioMessage):
			return Content{Kind: KindAudio}
		case present(m.VideoMessage), present(m.PTVMessage):
			return Content{Kind: KindVideo}
		case m.DocumentMessage != nil:
			title := m.DocumentMessage.Title
			if title == "" {
				title = m.DocumentMessage.FileName
			}
			return Content{Kind: KindDocument, Body: strings.TrimSpace(title)}
		case present(m.StickerMessage):
			return Content{Kind: KindSticker}
		}

		switch {
		case m.EphemeralMessage != nil:
			raw = m.EphemeralMessage.Message
		case m.ViewOnceMessageV2 != nil:
			raw = m.ViewOnceMessageV2.Message
		case m.ViewOnceMessage != nil:
			raw = m.ViewOnceMessage.Message
		case m.DocumentWithCaptionMessage != nil:
			raw = m.DocumentWithCaptionMessage.Message
		default:
			return Content{}
		}
	}
	return Content{}
}
