package transport

import "context"

type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Location is a map pin attached to a message.
type Location struct {
	Lat float64
	Lon float64
}

// Content is one logical notification. Depending on the platform it may be
// delivered as up to three messages: sticker, text and location.
type Content struct {
	Text     string
	Sticker  string // platform file id; empty = none
	Location *Location
	Options  SendOptions
}

// Sent carries the refs of every message a Content produced.
type Sent struct {
	Main     MessageRef
	Sticker  *MessageRef
	Location *MessageRef
}

// Deliverer is the outbound chat-platform collaborator.
type Deliverer interface {
	Send(ctx context.Context, to ChatTarget, c Content) (Sent, error)
	// Edit replaces the text of an already delivered main message.
	Edit(ctx context.Context, ref MessageRef, c Content) error
}

// TextSender is the subset used by plain text sinks (operator log chat).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
