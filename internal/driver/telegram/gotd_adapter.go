package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

const defaultGotdUpdateBuffer = 1024

// GotdUpdateChannel is a gotd update handler and raw stream implementation.
type GotdUpdateChannel struct {
	buffer  int
	updates chan any
}

// NewGotdUpdateChannel creates a stream bridge between gotd updates and the userbot source.
func NewGotdUpdateChannel(buffer int) (*GotdUpdateChannel, error) {
	if buffer <= 0 {
		buffer = defaultGotdUpdateBuffer
	}

	return &GotdUpdateChannel{
		buffer:  buffer,
		updates: make(chan any, buffer),
	}, nil
}

// Updates returns the active stream channel.
func (s *GotdUpdateChannel) Updates(ctx context.Context) (<-chan any, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gotd update channel: nil context")
	}
	if s.updates == nil {
		return nil, fmt.Errorf("gotd update channel: not initialized")
	}

	return s.updates, nil
}

// Backlog returns the number of flattened updates waiting to be consumed.
func (s *GotdUpdateChannel) Backlog() int {
	return len(s.updates)
}

// Handle flattens gotd update batches and forwards each channel update to the stream.
//
// Updates queue up while the session is still backfilling and are drained once
// the consumer loop starts.
func (s *GotdUpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	batch, err := flattenGotdUpdates(updates)
	if err != nil {
		return fmt.Errorf("handle gotd updates: %w", err)
	}

	for _, item := range batch {
		if err := s.publish(ctx, item); err != nil {
			return fmt.Errorf("handle gotd updates publish: %w", err)
		}
	}

	return nil
}

func (s *GotdUpdateChannel) publish(ctx context.Context, item gotdUpdateEnvelope) error {
	if s.updates == nil {
		return fmt.Errorf("publish gotd update: stream not initialized")
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish gotd update: %w", ctx.Err())
	case s.updates <- item:
		return nil
	}
}

func flattenGotdUpdates(updates tg.UpdatesClass) ([]gotdUpdateEnvelope, error) {
	if updates == nil {
		return nil, fmt.Errorf("flatten gotd updates: nil updates")
	}

	switch typed := updates.(type) {
	case *tg.Updates:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Chats)
	case *tg.UpdatesCombined:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Chats)
	case *tg.UpdateShort:
		return flattenSingleGotdUpdate(typed.Update, intToTimeUTC(typed.Date), nil)
	case *tg.UpdateShortMessage, *tg.UpdateShortChatMessage, *tg.UpdateShortSentMessage:
		// Private and group traffic never targets a broadcast channel.
		return nil, nil
	case *tg.UpdatesTooLong:
		return nil, nil
	default:
		return nil, fmt.Errorf("flatten gotd updates %s: unsupported container", updates.TypeName())
	}
}

func flattenGotdBatch(
	updates []tg.UpdateClass,
	date int,
	chats []tg.ChatClass,
) ([]gotdUpdateEnvelope, error) {
	occurredAt := intToTimeUTC(date)
	chatsByID := indexGotdChats(chats)

	batch := make([]gotdUpdateEnvelope, 0, len(updates))
	for _, update := range updates {
		items, err := flattenSingleGotdUpdate(update, occurredAt, chatsByID)
		if err != nil {
			return nil, fmt.Errorf("flatten gotd batch: %w", err)
		}

		batch = append(batch, items...)
	}

	return batch, nil
}

// flattenSingleGotdUpdate keeps only channel post mutations.
func flattenSingleGotdUpdate(
	update tg.UpdateClass,
	occurredAt time.Time,
	chatsByID map[int64]ChatRef,
) ([]gotdUpdateEnvelope, error) {
	if update == nil {
		return nil, fmt.Errorf("flatten gotd update: nil update")
	}

	switch typed := update.(type) {
	case *tg.UpdateNewChannelMessage, *tg.UpdateEditChannelMessage:
	case *tg.UpdateDeleteChannelMessages:
		if len(typed.Messages) == 0 {
			return nil, nil
		}
	default:
		return nil, nil
	}

	return []gotdUpdateEnvelope{
		{
			update:      update,
			occurredAt:  occurredAt,
			chatsByID:   chatsByID,
			updateClass: update.TypeName(),
		},
	}, nil
}

func indexGotdChats(chats []tg.ChatClass) map[int64]ChatRef {
	if len(chats) == 0 {
		return nil
	}

	out := make(map[int64]ChatRef, len(chats))
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Channel:
			out[typed.ID] = ChatRef{
				ID:        typed.ID,
				Username:  typed.Username,
				Title:     typed.Title,
				Broadcast: typed.Broadcast,
			}
		case *tg.ChannelForbidden:
			out[typed.ID] = ChatRef{
				ID:        typed.ID,
				Title:     typed.Title,
				Broadcast: typed.Broadcast,
			}
		}
	}

	return out
}
