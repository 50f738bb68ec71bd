package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"channel-mirror/internal/retry"
	"channel-mirror/pkg/mirror"
)

const testChannelID int64 = 77

func TestGotdChannelSourceResolve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		resolved    *tg.ContactsResolvedPeer
		resolveErr  error
		wantChat    ChatRef
		unavailable bool
	}{
		{
			name:     "broadcast channel resolves",
			resolved: resolvedChannel(&tg.Channel{ID: testChannelID, AccessHash: 9, Title: "News", Username: "news", Broadcast: true}),
			wantChat: ChatRef{ID: testChannelID, Username: "news", Title: "News", Broadcast: true},
		},
		{
			name:        "supergroup is not mirrored",
			resolved:    resolvedChannel(&tg.Channel{ID: testChannelID, Title: "Chat", Megagroup: true}),
			unavailable: true,
		},
		{
			name: "user peer is not a channel",
			resolved: &tg.ContactsResolvedPeer{
				Peer: &tg.PeerUser{UserID: 5},
			},
			unavailable: true,
		},
		{
			name: "channel missing from chats",
			resolved: &tg.ContactsResolvedPeer{
				Peer: &tg.PeerChannel{ChannelID: testChannelID},
			},
			unavailable: true,
		},
		{
			name:        "unknown username",
			resolveErr:  tgerr.New(400, "USERNAME_NOT_OCCUPIED"),
			unavailable: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			api := newFakeChannelAPI()
			api.resolved = testCase.resolved
			api.resolveErr = testCase.resolveErr
			source := newTestChannelSource(t, api)

			chat, err := source.Resolve(context.Background())
			if testCase.unavailable {
				if !errors.Is(err, mirror.ErrSourceUnavailable) {
					t.Fatalf("error = %v, want ErrSourceUnavailable", err)
				}
				if _, ok := source.ChannelID(); ok {
					t.Fatal("channel id resolved after failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if chat != testCase.wantChat {
				t.Fatalf("chat = %+v, want %+v", chat, testCase.wantChat)
			}
			id, ok := source.ChannelID()
			if !ok || id != testChannelID {
				t.Fatalf("channel id = (%d, %v), want (%d, true)", id, ok, testChannelID)
			}
		})
	}
}

func TestNewGotdChannelSourceTrimsUsername(t *testing.T) {
	t.Parallel()

	source, err := NewGotdChannelSource(newFakeChannelAPI(), "  @news ")
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}
	if source.Username() != "news" {
		t.Fatalf("username = %q, want news", source.Username())
	}
	if _, err := NewGotdChannelSource(newFakeChannelAPI(), " @ "); err == nil {
		t.Fatal("expected empty username error")
	}
	if _, err := NewGotdChannelSource(nil, "news"); err == nil {
		t.Fatal("expected nil api error")
	}
}

func TestGotdChannelSourceFetchLatestID(t *testing.T) {
	t.Parallel()

	api := newFakeChannelAPI()
	api.addText(3, 7, 12)
	source := newTestChannelSource(t, api)

	latest, err := source.FetchLatestID(context.Background())
	if err != nil {
		t.Fatalf("fetch latest failed: %v", err)
	}
	if latest != 12 {
		t.Fatalf("latest = %d, want 12", latest)
	}

	empty := newTestChannelSource(t, newFakeChannelAPI())
	latest, err = empty.FetchLatestID(context.Background())
	if err != nil {
		t.Fatalf("fetch latest of empty channel failed: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest of empty channel = %d, want 0", latest)
	}
}

func TestGotdChannelSourceFetchRangePagesExclusiveBounds(t *testing.T) {
	t.Parallel()

	api := newFakeChannelAPI()
	ids := make([]int, 0, 250)
	for id := 1; id <= 250; id++ {
		ids = append(ids, id)
	}
	api.addText(ids...)
	api.messages[120] = &tg.MessageService{ID: 120, PeerID: &tg.PeerChannel{ChannelID: testChannelID}}
	api.messages[121] = &tg.Message{ID: 121, PeerID: &tg.PeerChannel{ChannelID: testChannelID}, Date: 1_700_000_000}
	source := newTestChannelSource(t, api)

	records, err := source.FetchRange(context.Background(), 10, 240)
	if err != nil {
		t.Fatalf("fetch range failed: %v", err)
	}

	got := make([]int, 0, len(records))
	for _, record := range records {
		got = append(got, int(record.ID))
	}
	slices.Sort(got)

	want := make([]int, 0)
	for id := 11; id < 240; id++ {
		if id == 120 || id == 121 {
			continue
		}
		want = append(want, id)
	}
	if !slices.Equal(got, want) {
		t.Fatalf("range ids = %v, want %v", got, want)
	}
	if calls := api.historyCalls(); calls < 3 {
		t.Fatalf("history calls = %d, want paging over at least 3 pages", calls)
	}
}

func TestGotdChannelSourceFetchRangeEmptyWindow(t *testing.T) {
	t.Parallel()

	api := newFakeChannelAPI()
	api.addText(1, 2, 3)
	source := newTestChannelSource(t, api)

	records, err := source.FetchRange(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("fetch range failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
	if calls := api.historyCalls(); calls != 0 {
		t.Fatalf("history calls = %d, want 0", calls)
	}
}

func TestGotdChannelSourceFetchRecords(t *testing.T) {
	t.Parallel()

	api := newFakeChannelAPI()
	api.addText(1, 2, 4)
	edited := &tg.Message{
		ID:       5,
		PeerID:   &tg.PeerChannel{ChannelID: testChannelID},
		Message:  "bold move",
		Date:     1_700_000_000,
		Entities: []tg.MessageEntityClass{&tg.MessageEntityBold{Offset: 0, Length: 4}},
	}
	edited.SetEditDate(1_700_000_600)
	api.messages[5] = edited
	source := newTestChannelSource(t, api)

	records, err := source.FetchRecords(context.Background(), []mirror.RecordID{2, 3, 5})
	if err != nil {
		t.Fatalf("fetch records failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	byID := make(map[mirror.RecordID]mirror.Content, len(records))
	for _, record := range records {
		byID[record.ID] = record.Content
	}
	if _, ok := byID[3]; ok {
		t.Fatal("missing id 3 returned")
	}
	content := byID[5]
	if content.Text != "**bold** move" {
		t.Fatalf("text = %q, want markdown bold", content.Text)
	}
	if content.CreateDate != 1_700_000_000 || content.EditedDate != 1_700_000_600 {
		t.Fatalf("dates = (%d, %d), want (1700000000, 1700000600)", content.CreateDate, content.EditedDate)
	}
	if len(content.Entities) != 1 || content.Entities[0].Kind != mirror.EntityKindBold {
		t.Fatalf("entities = %+v, want one bold entity", content.Entities)
	}
}

func TestGotdChannelSourceFetchRecordsChunksRequests(t *testing.T) {
	t.Parallel()

	api := newFakeChannelAPI()
	ids := make([]mirror.RecordID, 0, 230)
	for id := 1; id <= 230; id++ {
		api.addText(id)
		ids = append(ids, mirror.RecordID(id))
	}
	source := newTestChannelSource(t, api)

	records, err := source.FetchRecords(context.Background(), ids)
	if err != nil {
		t.Fatalf("fetch records failed: %v", err)
	}
	if len(records) != 230 {
		t.Fatalf("records = %d, want 230", len(records))
	}
	if got := api.byIDCalls(); got != 3 {
		t.Fatalf("getMessages calls = %d, want 3", got)
	}
}

func TestGotdChannelSourceFetchProfile(t *testing.T) {
	t.Parallel()

	api := newFakeChannelAPI()
	api.full = &tg.MessagesChatFull{
		FullChat: &tg.ChannelFull{
			ID:    testChannelID,
			About: "daily digest",
			ChatPhoto: &tg.Photo{
				ID:         41,
				AccessHash: 42,
				Sizes: []tg.PhotoSizeClass{
					&tg.PhotoSize{Type: "s", W: 90, H: 90},
					&tg.PhotoSizeProgressive{Type: "x", W: 640, H: 640},
					&tg.PhotoSize{Type: "m", W: 320, H: 320},
				},
			},
		},
		Chats: []tg.ChatClass{&tg.Channel{ID: testChannelID, Title: "Renamed", Broadcast: true}},
	}
	photos := &fakePhotoDownloader{data: []byte("photo-bytes")}
	source, err := NewGotdChannelSource(api, "news",
		WithPhotos(photos, fakeTranscoder{}),
		WithRetryOptions(retry.WithDelay(0)),
		WithChannelLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}

	profile, err := source.FetchProfile(context.Background())
	if err != nil {
		t.Fatalf("fetch profile failed: %v", err)
	}

	want := mirror.Profile{
		Title:       "Renamed",
		Description: "daily digest",
		Photo:       "data:test;photo-bytes",
	}
	if profile != want {
		t.Fatalf("profile = %+v, want %+v", profile, want)
	}

	location, ok := photos.last().(*tg.InputPhotoFileLocation)
	if !ok {
		t.Fatalf("location type = %T, want *tg.InputPhotoFileLocation", photos.last())
	}
	if location.ThumbSize != "x" || location.ID != 41 {
		t.Fatalf("location = %+v, want largest size x of photo 41", location)
	}
}

func TestGotdChannelSourcePhotoFailureYieldsEmptyImage(t *testing.T) {
	t.Parallel()

	api := newFakeChannelAPI()
	media := &tg.MessageMediaPhoto{}
	media.SetPhoto(&tg.Photo{ID: 1, Sizes: []tg.PhotoSizeClass{&tg.PhotoSize{Type: "y", W: 800, H: 600}}})
	api.messages[9] = &tg.Message{
		ID:      9,
		PeerID:  &tg.PeerChannel{ChannelID: testChannelID},
		Message: "with photo",
		Date:    1_700_000_000,
		Media:   media,
	}
	source, err := NewGotdChannelSource(api, "news",
		WithPhotos(&fakePhotoDownloader{err: errors.New("file expired")}, fakeTranscoder{}),
		WithRetryOptions(retry.WithDelay(0)),
		WithChannelLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}

	records, err := source.FetchRecords(context.Background(), []mirror.RecordID{9})
	if err != nil {
		t.Fatalf("fetch records failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Content.Image != "" {
		t.Fatalf("image = %q, want empty", records[0].Content.Image)
	}
}

func TestGotdChannelSourceRetriesTransientRPCErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  []error
		wantErr   bool
		wantCalls int
	}{
		{
			name:      "internal error then success",
			failures:  []error{tgerr.New(500, "INTERNAL")},
			wantCalls: 2,
		},
		{
			name:      "flood wait then success",
			failures:  []error{tgerr.New(420, "FLOOD_WAIT_0")},
			wantCalls: 2,
		},
		{
			name:      "permanent error is not retried",
			failures:  []error{tgerr.New(400, "MSG_ID_INVALID")},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name: "retries are bounded",
			failures: []error{
				tgerr.New(500, "INTERNAL"),
				tgerr.New(500, "INTERNAL"),
				tgerr.New(500, "INTERNAL"),
				tgerr.New(500, "INTERNAL"),
			},
			wantErr:   true,
			wantCalls: 4,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			api := newFakeChannelAPI()
			api.addText(1, 2)
			api.historyFailures = append([]error(nil), testCase.failures...)
			source := newTestChannelSource(t, api)

			_, err := source.FetchLatestID(context.Background())
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := api.historyCalls(); got != testCase.wantCalls {
				t.Fatalf("history calls = %d, want %d", got, testCase.wantCalls)
			}
		})
	}
}

func TestMapTextEntities(t *testing.T) {
	t.Parallel()

	entities := []tg.MessageEntityClass{
		&tg.MessageEntityBold{Offset: 0, Length: 4},
		&tg.MessageEntityPre{Offset: 5, Length: 3, Language: "go"},
		&tg.MessageEntityTextURL{Offset: 9, Length: 5, URL: "https://example.com"},
		&tg.MessageEntityMentionName{Offset: 15, Length: 5, UserID: 123},
		&tg.MessageEntityCustomEmoji{Offset: 21, Length: 1, DocumentID: 999},
	}

	got := mapTextEntities(entities)
	want := []mirror.TextEntity{
		{Kind: mirror.EntityKindBold, Offset: 0, Length: 4},
		{Kind: mirror.EntityKindPre, Offset: 5, Length: 3, Language: "go"},
		{Kind: mirror.EntityKindTextURL, Offset: 9, Length: 5, URL: "https://example.com"},
		{Kind: "mentionname", Offset: 15, Length: 5},
		{Kind: mirror.EntityKindCustomEmoji, Offset: 21, Length: 1},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("entities = %+v, want %+v", got, want)
	}
	if mapTextEntities(nil) != nil {
		t.Fatal("nil entities should map to nil")
	}
}

func TestLargestPhotoSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		sizes  []tg.PhotoSizeClass
		want   string
		wantOK bool
	}{
		{name: "no sizes"},
		{
			name:  "only stripped thumbnails",
			sizes: []tg.PhotoSizeClass{&tg.PhotoStrippedSize{Type: "i"}},
		},
		{
			name: "largest area wins",
			sizes: []tg.PhotoSizeClass{
				&tg.PhotoCachedSize{Type: "a", W: 10, H: 10},
				&tg.PhotoSize{Type: "w", W: 2560, H: 1440},
				&tg.PhotoSize{Type: "y", W: 1280, H: 720},
			},
			want:   "w",
			wantOK: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, ok := largestPhotoSize(testCase.sizes)
			if got != testCase.want || ok != testCase.wantOK {
				t.Fatalf("largestPhotoSize = (%q, %v), want (%q, %v)", got, ok, testCase.want, testCase.wantOK)
			}
		})
	}
}

func newTestChannelSource(t *testing.T, api gotdChannelAPI) *GotdChannelSource {
	t.Helper()

	source, err := NewGotdChannelSource(api, "news",
		WithRetryOptions(retry.WithDelay(0)),
		WithChannelLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}

	return source
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func resolvedChannel(channel *tg.Channel) *tg.ContactsResolvedPeer {
	return &tg.ContactsResolvedPeer{
		Peer:  &tg.PeerChannel{ChannelID: channel.ID},
		Chats: []tg.ChatClass{channel},
	}
}

// fakeChannelAPI serves an in-memory channel history with Telegram filtering rules.
type fakeChannelAPI struct {
	mu              sync.Mutex
	resolved        *tg.ContactsResolvedPeer
	resolveErr      error
	messages        map[int]tg.MessageClass
	full            *tg.MessagesChatFull
	historyFailures []error
	history         int
	byID            int
}

func newFakeChannelAPI() *fakeChannelAPI {
	return &fakeChannelAPI{
		resolved: resolvedChannel(&tg.Channel{ID: testChannelID, AccessHash: 9, Title: "News", Username: "news", Broadcast: true}),
		messages: make(map[int]tg.MessageClass),
	}
}

func (f *fakeChannelAPI) addText(ids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		f.messages[id] = &tg.Message{
			ID:      id,
			PeerID:  &tg.PeerChannel{ChannelID: testChannelID},
			Message: "post",
			Date:    1_700_000_000 + id,
		}
	}
}

func (f *fakeChannelAPI) historyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.history
}

func (f *fakeChannelAPI) byIDCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.byID
}

func (f *fakeChannelAPI) ContactsResolveUsername(
	_ context.Context,
	_ *tg.ContactsResolveUsernameRequest,
) (*tg.ContactsResolvedPeer, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}

	return f.resolved, nil
}

func (f *fakeChannelAPI) MessagesGetHistory(
	_ context.Context,
	request *tg.MessagesGetHistoryRequest,
) (tg.MessagesMessagesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history++
	if len(f.historyFailures) > 0 {
		err := f.historyFailures[0]
		f.historyFailures = f.historyFailures[1:]
		return nil, err
	}

	ids := make([]int, 0, len(f.messages))
	for id := range f.messages {
		if request.OffsetID > 0 && id >= request.OffsetID {
			continue
		}
		if request.MaxID > 0 && id >= request.MaxID {
			continue
		}
		if request.MinID > 0 && id <= request.MinID {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	slices.Reverse(ids)
	if len(ids) > request.Limit {
		ids = ids[:request.Limit]
	}

	messages := make([]tg.MessageClass, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, f.messages[id])
	}

	return &tg.MessagesChannelMessages{Messages: messages, Count: len(f.messages)}, nil
}

func (f *fakeChannelAPI) ChannelsGetMessages(
	_ context.Context,
	request *tg.ChannelsGetMessagesRequest,
) (tg.MessagesMessagesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.byID++
	messages := make([]tg.MessageClass, 0, len(request.ID))
	for _, input := range request.ID {
		typed, ok := input.(*tg.InputMessageID)
		if !ok {
			continue
		}
		if message, ok := f.messages[typed.ID]; ok {
			messages = append(messages, message)
			continue
		}
		messages = append(messages, &tg.MessageEmpty{ID: typed.ID})
	}

	return &tg.MessagesChannelMessages{Messages: messages}, nil
}

func (f *fakeChannelAPI) ChannelsGetFullChannel(_ context.Context, _ tg.InputChannelClass) (*tg.MessagesChatFull, error) {
	if f.full == nil {
		return nil, tgerr.New(400, "CHANNEL_INVALID")
	}

	return f.full, nil
}

type fakePhotoDownloader struct {
	mu       sync.Mutex
	data     []byte
	err      error
	location tg.InputFileLocationClass
}

func (d *fakePhotoDownloader) DownloadPhoto(_ context.Context, location tg.InputFileLocationClass) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.location = location
	if d.err != nil {
		return nil, d.err
	}

	return d.data, nil
}

func (d *fakePhotoDownloader) last() tg.InputFileLocationClass {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.location
}

type fakeTranscoder struct{}

func (fakeTranscoder) Transcode(data []byte) string {
	return "data:test;" + string(data)
}
