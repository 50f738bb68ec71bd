package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"channel-mirror/internal/imaging"
	"channel-mirror/internal/retry"
	"channel-mirror/pkg/mirror"
)

const (
	// historyPageLimit is the server-side cap for one messages.getHistory call.
	historyPageLimit = 100
	// messagesByIDLimit is the server-side cap for one channels.getMessages call.
	messagesByIDLimit = 100
)

type gotdChannelAPI interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	ChannelsGetMessages(ctx context.Context, request *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
}

// PhotoDownloader fetches the bytes of one photo size.
type PhotoDownloader interface {
	DownloadPhoto(ctx context.Context, location tg.InputFileLocationClass) ([]byte, error)
}

// GotdPhotoDownloader downloads photos through the gotd file downloader.
type GotdPhotoDownloader struct {
	api        *tg.Client
	downloader *downloader.Downloader
}

// NewGotdPhotoDownloader creates a downloader bound to api.
func NewGotdPhotoDownloader(api *tg.Client) (*GotdPhotoDownloader, error) {
	if api == nil {
		return nil, fmt.Errorf("new gotd photo downloader: nil api")
	}

	return &GotdPhotoDownloader{api: api, downloader: downloader.NewDownloader()}, nil
}

// DownloadPhoto implements PhotoDownloader.
func (d *GotdPhotoDownloader) DownloadPhoto(ctx context.Context, location tg.InputFileLocationClass) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := d.downloader.Download(d.api, location).Stream(ctx, &buf); err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}

	return buf.Bytes(), nil
}

// GotdChannelSourceOption mutates GotdChannelSource behavior.
type GotdChannelSourceOption func(*GotdChannelSource)

// WithPhotos enables photo download and transcoding into inline images.
func WithPhotos(photos PhotoDownloader, transcoder imaging.Transcoder) GotdChannelSourceOption {
	return func(source *GotdChannelSource) {
		if photos != nil && transcoder != nil {
			source.photos = photos
			source.transcoder = transcoder
		}
	}
}

// WithRetryOptions tunes the retry wrapper applied to every RPC.
func WithRetryOptions(options ...retry.Option) GotdChannelSourceOption {
	return func(source *GotdChannelSource) {
		source.retryOptions = append(source.retryOptions, options...)
	}
}

// WithChannelLogger injects the logger used for source diagnostics.
func WithChannelLogger(logger *slog.Logger) GotdChannelSourceOption {
	return func(source *GotdChannelSource) {
		if logger != nil {
			source.logger = logger
		}
	}
}

// GotdChannelSource reads one public broadcast channel through the Telegram API.
//
// It implements mirror.Source. Every method resolves the channel lazily, so
// calls are only valid inside a connected gotd session.
type GotdChannelSource struct {
	api          gotdChannelAPI
	username     string
	photos       PhotoDownloader
	transcoder   imaging.Transcoder
	retryOptions []retry.Option
	retrier      *retry.Retrier
	logger       *slog.Logger

	mu      sync.RWMutex
	channel *tg.Channel
}

var _ mirror.Source = (*GotdChannelSource)(nil)

// NewGotdChannelSource creates a source for the channel with username.
func NewGotdChannelSource(api gotdChannelAPI, username string, options ...GotdChannelSourceOption) (*GotdChannelSource, error) {
	if api == nil {
		return nil, fmt.Errorf("new gotd channel source: nil api")
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil, fmt.Errorf("new gotd channel source: empty channel username")
	}

	source := &GotdChannelSource{
		api:      api,
		username: username,
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(source)
	}

	retryOptions := append([]retry.Option{retry.WithLogger(source.logger)}, source.retryOptions...)
	retrier, err := retry.New(isTransientRPCError, retryOptions...)
	if err != nil {
		return nil, fmt.Errorf("new gotd channel source: %w", err)
	}
	source.retrier = retrier

	return source, nil
}

// Username returns the configured channel username.
func (s *GotdChannelSource) Username() string {
	return s.username
}

// ChannelID implements ChannelIdentity once Resolve has succeeded.
func (s *GotdChannelSource) ChannelID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.channel == nil {
		return 0, false
	}

	return s.channel.ID, true
}

// Resolve looks up the channel by username and caches its access hash.
//
// It fails with mirror.ErrSourceUnavailable when the username does not name a
// readable broadcast channel.
func (s *GotdChannelSource) Resolve(ctx context.Context) (ChatRef, error) {
	var resolved *tg.ContactsResolvedPeer
	err := s.invoke(ctx, "resolve_"+s.username, func(ctx context.Context) error {
		result, err := s.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: s.username})
		if err != nil {
			return err
		}
		resolved = result
		return nil
	})
	if err != nil {
		return ChatRef{}, mapSourceError("resolve channel @"+s.username, err)
	}

	peer, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return ChatRef{}, fmt.Errorf("resolve channel @%s: peer %s is not a channel: %w",
			s.username, resolved.Peer.TypeName(), mirror.ErrSourceUnavailable)
	}

	var channel *tg.Channel
	for _, chat := range resolved.Chats {
		if typed, ok := chat.(*tg.Channel); ok && typed.ID == peer.ChannelID {
			channel = typed
			break
		}
	}
	if channel == nil {
		return ChatRef{}, fmt.Errorf("resolve channel @%s: channel %d missing from response: %w",
			s.username, peer.ChannelID, mirror.ErrSourceUnavailable)
	}
	if !channel.Broadcast {
		return ChatRef{}, fmt.Errorf("resolve channel @%s: not a broadcast channel: %w",
			s.username, mirror.ErrSourceUnavailable)
	}

	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	return ChatRef{
		ID:        channel.ID,
		Username:  channel.Username,
		Title:     channel.Title,
		Broadcast: channel.Broadcast,
	}, nil
}

func (s *GotdChannelSource) resolved(ctx context.Context) (*tg.Channel, error) {
	s.mu.RLock()
	channel := s.channel
	s.mu.RUnlock()
	if channel != nil {
		return channel, nil
	}

	if _, err := s.Resolve(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.channel, nil
}

// FetchLatestID implements mirror.HistorySource.
func (s *GotdChannelSource) FetchLatestID(ctx context.Context) (mirror.RecordID, error) {
	channel, err := s.resolved(ctx)
	if err != nil {
		return 0, err
	}

	var messages []tg.MessageClass
	err = s.invoke(ctx, "latest_"+s.username, func(ctx context.Context) error {
		result, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:  channel.AsInputPeer(),
			Limit: 1,
		})
		if err != nil {
			return err
		}
		messages, err = extractMessages(result)
		return err
	})
	if err != nil {
		return 0, mapSourceError("messages.getHistory latest", err)
	}

	var latest int
	for _, message := range messages {
		latest = max(latest, message.GetID())
	}

	return mirror.RecordID(latest), nil
}

// FetchRange implements mirror.HistorySource with exclusive bounds.
//
// The range is paged downward from maxID because one history call returns at
// most historyPageLimit messages.
func (s *GotdChannelSource) FetchRange(ctx context.Context, minID mirror.RecordID, maxID mirror.RecordID) ([]mirror.RawRecord, error) {
	if maxID-minID <= 1 {
		return nil, nil
	}
	channel, err := s.resolved(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]mirror.RawRecord, 0)
	offset := int(maxID)
	for offset > int(minID)+1 {
		var messages []tg.MessageClass
		key := fmt.Sprintf("history_%d_%d", minID, offset)
		err := s.invoke(ctx, key, func(ctx context.Context) error {
			result, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:     channel.AsInputPeer(),
				OffsetID: offset,
				Limit:    historyPageLimit,
				MaxID:    int(maxID),
				MinID:    int(minID),
			})
			if err != nil {
				return err
			}
			messages, err = extractMessages(result)
			return err
		})
		if err != nil {
			return nil, mapSourceError(fmt.Sprintf("messages.getHistory (%d, %d)", minID, maxID), err)
		}
		if len(messages) == 0 {
			break
		}

		lowest := offset
		for _, message := range messages {
			lowest = min(lowest, message.GetID())
		}
		records = append(records, s.mapMessages(ctx, channel.ID, messages)...)
		if lowest >= offset {
			break
		}
		offset = lowest
	}

	return records, nil
}

// FetchRecords implements mirror.RecordFetcher.
func (s *GotdChannelSource) FetchRecords(ctx context.Context, ids []mirror.RecordID) ([]mirror.RawRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	channel, err := s.resolved(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]mirror.RawRecord, 0, len(ids))
	for start := 0; start < len(ids); start += messagesByIDLimit {
		chunk := ids[start:min(start+messagesByIDLimit, len(ids))]
		request := &tg.ChannelsGetMessagesRequest{
			Channel: channel.AsInput(),
			ID:      make([]tg.InputMessageClass, 0, len(chunk)),
		}
		for _, id := range chunk {
			request.ID = append(request.ID, &tg.InputMessageID{ID: int(id)})
		}

		var messages []tg.MessageClass
		err := s.invoke(ctx, fmt.Sprintf("messages_%d", chunk[0]), func(ctx context.Context) error {
			result, err := s.api.ChannelsGetMessages(ctx, request)
			if err != nil {
				return err
			}
			messages, err = extractMessages(result)
			return err
		})
		if err != nil {
			return nil, mapSourceError("channels.getMessages", err)
		}
		records = append(records, s.mapMessages(ctx, channel.ID, messages)...)
	}

	return records, nil
}

// FetchProfile implements mirror.ProfileSource.
func (s *GotdChannelSource) FetchProfile(ctx context.Context) (mirror.Profile, error) {
	channel, err := s.resolved(ctx)
	if err != nil {
		return mirror.Profile{}, err
	}

	var full *tg.MessagesChatFull
	err = s.invoke(ctx, "profile_"+s.username, func(ctx context.Context) error {
		result, err := s.api.ChannelsGetFullChannel(ctx, channel.AsInput())
		if err != nil {
			return err
		}
		full = result
		return nil
	})
	if err != nil {
		return mirror.Profile{}, mapSourceError("channels.getFullChannel", err)
	}

	profile := mirror.Profile{Title: channel.Title}
	for _, chat := range full.Chats {
		if typed, ok := chat.(*tg.Channel); ok && typed.ID == channel.ID {
			profile.Title = typed.Title
		}
	}
	if channelFull, ok := full.FullChat.(*tg.ChannelFull); ok {
		profile.Description = channelFull.About
		profile.Photo = s.transcodePhoto(ctx, channelFull.ChatPhoto)
	}

	return profile, nil
}

// invoke runs one RPC through the retrier, sleeping out FLOOD_WAIT first.
func (s *GotdChannelSource) invoke(ctx context.Context, key string, call func(ctx context.Context) error) error {
	return s.retrier.Do(ctx, key, func(ctx context.Context) error {
		err := call(ctx)
		if wait, ok := tgerr.AsFloodWait(err); ok {
			s.logger.WarnContext(ctx, "telegram flood wait", "key", key, "wait", wait)
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		return err
	})
}

// mapMessages keeps text-bearing posts of the channel and converts them to records.
func (s *GotdChannelSource) mapMessages(ctx context.Context, channelID int64, messages []tg.MessageClass) []mirror.RawRecord {
	records := make([]mirror.RawRecord, 0, len(messages))
	for _, message := range messages {
		typed, ok := message.(*tg.Message)
		if !ok || strings.TrimSpace(typed.Message) == "" {
			continue
		}
		if peer, ok := typed.PeerID.(*tg.PeerChannel); ok && peer.ChannelID != channelID {
			continue
		}

		entities := mapTextEntities(typed.Entities)
		content := mirror.Content{
			Text:       mirror.RenderMarkdown(typed.Message, entities),
			Entities:   entities,
			CreateDate: int64(typed.Date),
		}
		if editDate, ok := typed.GetEditDate(); ok {
			content.EditedDate = int64(editDate)
		}
		if media, ok := typed.Media.(*tg.MessageMediaPhoto); ok {
			if photo, ok := media.GetPhoto(); ok {
				content.Image = s.transcodePhoto(ctx, photo)
			}
		}

		records = append(records, mirror.RawRecord{ID: mirror.RecordID(typed.ID), Content: content})
	}

	return records
}

// transcodePhoto downloads the largest size of photo; failures yield "".
func (s *GotdChannelSource) transcodePhoto(ctx context.Context, photoClass tg.PhotoClass) string {
	if s.photos == nil || s.transcoder == nil {
		return ""
	}
	photo, ok := photoClass.(*tg.Photo)
	if !ok {
		return ""
	}
	thumbSize, ok := largestPhotoSize(photo.Sizes)
	if !ok {
		return ""
	}

	data, err := s.photos.DownloadPhoto(ctx, &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     thumbSize,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "channel photo download failed", "photo_id", photo.ID, "error", err)
		return ""
	}

	return s.transcoder.Transcode(data)
}

// largestPhotoSize returns the type token of the size with the most pixels.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, bool) {
	best := ""
	bestArea := -1
	for _, size := range sizes {
		var (
			sizeType string
			area     int
		)
		switch typed := size.(type) {
		case *tg.PhotoSize:
			sizeType, area = typed.Type, typed.W*typed.H
		case *tg.PhotoSizeProgressive:
			sizeType, area = typed.Type, typed.W*typed.H
		case *tg.PhotoCachedSize:
			sizeType, area = typed.Type, typed.W*typed.H
		default:
			continue
		}
		if area > bestArea {
			best, bestArea = sizeType, area
		}
	}

	return best, best != ""
}

func extractMessages(result tg.MessagesMessagesClass) ([]tg.MessageClass, error) {
	switch typed := result.(type) {
	case *tg.MessagesMessages:
		return typed.Messages, nil
	case *tg.MessagesMessagesSlice:
		return typed.Messages, nil
	case *tg.MessagesChannelMessages:
		return typed.Messages, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected messages container %T", result)
	}
}

// mapTextEntities converts Telegram entities into mirror entities.
//
// Kinds without a markdown form keep their Telegram name so the stored
// entity list stays complete.
func mapTextEntities(entities []tg.MessageEntityClass) []mirror.TextEntity {
	if len(entities) == 0 {
		return nil
	}

	out := make([]mirror.TextEntity, 0, len(entities))
	for _, entity := range entities {
		if entity == nil {
			continue
		}

		mapped := mirror.TextEntity{
			Offset: entity.GetOffset(),
			Length: entity.GetLength(),
		}
		switch typed := entity.(type) {
		case *tg.MessageEntityURL:
			mapped.Kind = mirror.EntityKindURL
		case *tg.MessageEntityTextURL:
			mapped.Kind = mirror.EntityKindTextURL
			mapped.URL = typed.URL
		case *tg.MessageEntityBold:
			mapped.Kind = mirror.EntityKindBold
		case *tg.MessageEntityItalic:
			mapped.Kind = mirror.EntityKindItalic
		case *tg.MessageEntityUnderline:
			mapped.Kind = mirror.EntityKindUnderline
		case *tg.MessageEntityStrike:
			mapped.Kind = mirror.EntityKindStrike
		case *tg.MessageEntityCode:
			mapped.Kind = mirror.EntityKindCode
		case *tg.MessageEntityPre:
			mapped.Kind = mirror.EntityKindPre
			mapped.Language = typed.Language
		case *tg.MessageEntityBlockquote:
			mapped.Kind = mirror.EntityKindBlockquote
		case *tg.MessageEntityCustomEmoji:
			mapped.Kind = mirror.EntityKindCustomEmoji
		default:
			typeName := strings.TrimPrefix(entity.TypeName(), "messageEntity")
			mapped.Kind = mirror.EntityKind(strings.ToLower(typeName))
		}

		out = append(out, mapped)
	}

	if len(out) == 0 {
		return nil
	}

	return out
}
