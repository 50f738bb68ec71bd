package telegram

import (
	"context"
	"fmt"

	"channel-mirror/pkg/mirror"
)

// Decoder converts Telegram update DTOs into mirror events.
type Decoder interface {
	// Decode maps one adapter update into a validated mirror event.
	// The accepted flag is false for updates outside the mirrored channel.
	Decode(ctx context.Context, update Update) (mirror.Event, bool, error)
}

// ChannelIdentity reports the resolved id of the mirrored channel.
type ChannelIdentity interface {
	ChannelID() (int64, bool)
}

// ChannelDecoder accepts updates for one channel only.
type ChannelDecoder struct {
	channel ChannelIdentity
}

// NewChannelDecoder creates a decoder scoped to channel.
func NewChannelDecoder(channel ChannelIdentity) (ChannelDecoder, error) {
	if channel == nil {
		return ChannelDecoder{}, fmt.Errorf("new channel decoder: nil channel identity")
	}

	return ChannelDecoder{channel: channel}, nil
}

// Decode converts a Telegram update into a mirror event.
func (d ChannelDecoder) Decode(_ context.Context, update Update) (mirror.Event, bool, error) {
	channelID, resolved := d.channel.ChannelID()
	if !resolved {
		return mirror.Event{}, false, fmt.Errorf("decode update %s: channel not resolved", update.Type)
	}
	if update.Chat.ID != channelID {
		return mirror.Event{}, false, nil
	}

	kind, err := eventKind(update.Type)
	if err != nil {
		return mirror.Event{}, false, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	event := mirror.Event{
		Kind: kind,
		IDs:  make([]mirror.RecordID, 0, len(update.MessageIDs)),
	}
	for _, id := range update.MessageIDs {
		event.IDs = append(event.IDs, mirror.RecordID(id))
	}
	if err := event.Validate(); err != nil {
		return mirror.Event{}, false, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, true, nil
}

func eventKind(updateType UpdateType) (mirror.EventKind, error) {
	switch updateType {
	case UpdateTypeMessage:
		return mirror.EventKindInsert, nil
	case UpdateTypeEdit:
		return mirror.EventKindUpdate, nil
	case UpdateTypeDelete:
		return mirror.EventKindDelete, nil
	default:
		return "", fmt.Errorf("unsupported type")
	}
}
