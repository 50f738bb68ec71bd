package telegram

import (
	"context"
	"time"
)

// UpdateHandler consumes one mapped update.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource runs a Telegram update loop and feeds each mapped update to a handler.
type UpdateSource interface {
	// Consume blocks until ctx is done or the loop fails.
	Consume(ctx context.Context, handler UpdateHandler) error
}

// UpdateType identifies the Telegram update semantic category.
type UpdateType string

const (
	// UpdateTypeMessage identifies new channel post updates.
	UpdateTypeMessage UpdateType = "message"
	// UpdateTypeEdit identifies edited channel post updates.
	UpdateTypeEdit UpdateType = "edit"
	// UpdateTypeDelete identifies deleted channel post updates.
	UpdateTypeDelete UpdateType = "delete"
)

// Update is the Telegram adapter's internal DTO before decoding into a mirror event.
//
// Updates carry message ids only. Content is re-fetched by the applier.
type Update struct {
	ID         string
	Type       UpdateType
	OccurredAt time.Time
	Chat       ChatRef
	MessageIDs []int
	Metadata   map[string]string
}

// ChatRef identifies the Telegram channel an update belongs to.
type ChatRef struct {
	ID        int64
	Username  string
	Title     string
	Broadcast bool
}
