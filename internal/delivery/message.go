package delivery

import (
	"context"

	"clipflow/internal/domain"
)

type Kind string

const (
	KindSend        Kind = "send"
	KindSendGroup   Kind = "send_group"
	KindEditText    Kind = "edit_text"
	KindEditCaption Kind = "edit_caption"
)

// Message is one outbound unit of work. Depending on Kind some fields
// are ignored: MessageID only matters for edits, Media for single-media
// sends and groups.
type Message struct {
	Kind           Kind
	ChatID         string
	Text           string
	ParseMode      string
	Entities       []domain.Entity
	Media          []domain.MediaItem
	MessageID      int64
	ReplyTo        int64
	DisablePreview bool
}

// Response is what the destination reported back for a delivered
// message. Text and entities come back normalized by the destination
// (parse mode resolved to plain text plus annotations) and are reused
// verbatim on later sends.
type Response struct {
	MessageID       int64
	Text            string
	Caption         string
	Entities        []domain.Entity
	CaptionEntities []domain.Entity
}

// Destination is the wire the sender drains into. Implementations
// classify their failures with the error types above.
type Destination interface {
	Send(ctx context.Context, m Message) (Response, error)
}
