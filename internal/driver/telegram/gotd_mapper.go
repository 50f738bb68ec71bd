package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"
)

// DefaultGotdUpdateMapper maps gotd channel updates into adapter DTO updates.
type DefaultGotdUpdateMapper struct {
	now func() time.Time
}

// GotdUpdateMapperOption mutates DefaultGotdUpdateMapper behavior.
type GotdUpdateMapperOption func(*DefaultGotdUpdateMapper)

// WithMapperClock replaces the clock used when an update carries no date.
func WithMapperClock(now func() time.Time) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if now != nil {
			mapper.now = now
		}
	}
}

// NewDefaultGotdUpdateMapper creates the default gotd mapper.
func NewDefaultGotdUpdateMapper(options ...GotdUpdateMapperOption) DefaultGotdUpdateMapper {
	mapper := DefaultGotdUpdateMapper{now: time.Now}
	for _, option := range options {
		option(&mapper)
	}

	return mapper
}

// Map converts a gotd raw update value into an adapter update.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (Update, bool, error) {
	select {
	case <-ctx.Done():
		return Update{}, false, fmt.Errorf("map gotd update context: %w", ctx.Err())
	default:
	}

	envelope, err := m.normalizeGotdRaw(raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd raw update: %w", err)
	}

	switch update := envelope.update.(type) {
	case *tg.UpdateNewChannelMessage:
		return m.mapChannelMessage(UpdateTypeMessage, update.Message, envelope)
	case *tg.UpdateEditChannelMessage:
		return m.mapChannelMessage(UpdateTypeEdit, update.Message, envelope)
	case *tg.UpdateDeleteChannelMessages:
		return m.mapDeleteChannelMessages(update, envelope)
	default:
		return Update{}, false, nil
	}
}

func (m DefaultGotdUpdateMapper) normalizeGotdRaw(raw any) (gotdUpdateEnvelope, error) {
	switch typed := raw.(type) {
	case gotdUpdateEnvelope:
		return typed, nil
	case *gotdUpdateEnvelope:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil envelope")
		}
		return *typed, nil
	case tg.UpdateClass:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil update class")
		}
		return gotdUpdateEnvelope{
			update:      typed,
			occurredAt:  m.now().UTC(),
			updateClass: typed.TypeName(),
		}, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

// mapChannelMessage maps new and edited posts; service messages are ignored.
func (m DefaultGotdUpdateMapper) mapChannelMessage(
	updateType UpdateType,
	message tg.MessageClass,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	typed, ok := message.(*tg.Message)
	if !ok {
		return Update{}, false, nil
	}

	peer, ok := typed.PeerID.(*tg.PeerChannel)
	if !ok {
		return Update{}, false, nil
	}
	chat := resolveChatByChannelID(peer.ChannelID, envelope)

	occurredAt := intToTimeUTC(typed.Date)
	if editDate, ok := typed.GetEditDate(); ok && updateType == UpdateTypeEdit {
		occurredAt = intToTimeUTC(editDate)
	}
	if occurredAt.IsZero() {
		occurredAt = m.occurredAt(envelope)
	}

	return Update{
		ID:         composeUpdateID(updateType, chat.ID, strconv.Itoa(typed.ID), occurredAt),
		Type:       updateType,
		OccurredAt: occurredAt,
		Chat:       chat,
		MessageIDs: []int{typed.ID},
		Metadata:   newGotdMetadata(envelope),
	}, true, nil
}

func (m DefaultGotdUpdateMapper) mapDeleteChannelMessages(
	update *tg.UpdateDeleteChannelMessages,
	envelope gotdUpdateEnvelope,
) (Update, bool, error) {
	if update == nil || len(update.Messages) == 0 {
		return Update{}, false, nil
	}

	chat := resolveChatByChannelID(update.ChannelID, envelope)
	occurredAt := m.occurredAt(envelope)

	return Update{
		ID:         composeUpdateID(UpdateTypeDelete, chat.ID, strconv.Itoa(update.Messages[0]), occurredAt),
		Type:       UpdateTypeDelete,
		OccurredAt: occurredAt,
		Chat:       chat,
		MessageIDs: append([]int(nil), update.Messages...),
		Metadata:   newGotdMetadata(envelope),
	}, true, nil
}

func (m DefaultGotdUpdateMapper) occurredAt(envelope gotdUpdateEnvelope) time.Time {
	if !envelope.occurredAt.IsZero() {
		return envelope.occurredAt
	}

	return m.now().UTC()
}

type gotdUpdateEnvelope struct {
	update      tg.UpdateClass
	occurredAt  time.Time
	chatsByID   map[int64]ChatRef
	updateClass string
}

func resolveChatByChannelID(channelID int64, envelope gotdUpdateEnvelope) ChatRef {
	if chat, ok := envelope.chatsByID[channelID]; ok {
		return chat
	}

	return ChatRef{ID: channelID}
}

func intToTimeUTC(value int) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(value), 0).UTC()
}

func composeUpdateID(updateType UpdateType, chatID int64, parts ...any) string {
	values := []string{"tg", string(updateType)}
	if chatID != 0 {
		values = append(values, strconv.FormatInt(chatID, 10))
	}
	for _, part := range parts {
		switch typed := part.(type) {
		case string:
			if typed != "" {
				values = append(values, typed)
			}
		case time.Time:
			if !typed.IsZero() {
				values = append(values, strconv.FormatInt(typed.UnixNano(), 10))
			}
		default:
			values = append(values, fmt.Sprint(part))
		}
	}

	return strings.Join(values, ":")
}

func newGotdMetadata(envelope gotdUpdateEnvelope) map[string]string {
	if envelope.updateClass == "" {
		return nil
	}
	return map[string]string{
		"gotd_update_class": envelope.updateClass,
	}
}
