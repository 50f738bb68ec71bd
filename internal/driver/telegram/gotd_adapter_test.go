package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
)

func TestGotdUpdateChannelUpdatesNilContext(t *testing.T) {
	t.Parallel()

	stream, err := NewGotdUpdateChannel(1)
	if err != nil {
		t.Fatalf("new update channel failed: %v", err)
	}

	//nolint:staticcheck // nil context is the case under test.
	if _, err := stream.Updates(nil); err == nil {
		t.Fatal("expected nil context error")
	}
}

func TestGotdUpdateChannelHandleFlattensBatch(t *testing.T) {
	t.Parallel()

	stream, err := NewGotdUpdateChannel(8)
	if err != nil {
		t.Fatalf("new update channel failed: %v", err)
	}

	batch := &tg.Updates{
		Date: 1_700_000_000,
		Chats: []tg.ChatClass{
			&tg.Channel{ID: testChannelID, Title: "News", Username: "news", Broadcast: true},
		},
		Updates: []tg.UpdateClass{
			&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 10, PeerID: &tg.PeerChannel{ChannelID: testChannelID}}},
			&tg.UpdateUserTyping{UserID: 1},
			&tg.UpdateEditChannelMessage{Message: &tg.Message{ID: 9, PeerID: &tg.PeerChannel{ChannelID: testChannelID}}},
			&tg.UpdateDeleteChannelMessages{ChannelID: testChannelID, Messages: []int{3, 4}},
			&tg.UpdateDeleteChannelMessages{ChannelID: testChannelID},
		},
	}
	if err := stream.Handle(context.Background(), batch); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	updates, err := stream.Updates(context.Background())
	if err != nil {
		t.Fatalf("updates failed: %v", err)
	}

	wantClasses := []string{
		"updateNewChannelMessage",
		"updateEditChannelMessage",
		"updateDeleteChannelMessages",
	}
	for _, wantClass := range wantClasses {
		select {
		case raw := <-updates:
			envelope, ok := raw.(gotdUpdateEnvelope)
			if !ok {
				t.Fatalf("raw type = %T, want gotdUpdateEnvelope", raw)
			}
			if envelope.updateClass != wantClass {
				t.Fatalf("update class = %q, want %q", envelope.updateClass, wantClass)
			}
			if !envelope.occurredAt.Equal(time.Unix(1_700_000_000, 0)) {
				t.Fatalf("occurredAt = %v, want batch date", envelope.occurredAt)
			}
			if chat := envelope.chatsByID[testChannelID]; chat.Title != "News" || !chat.Broadcast {
				t.Fatalf("chat = %+v, want indexed broadcast channel", chat)
			}
		default:
			t.Fatalf("missing update %s", wantClass)
		}
	}

	select {
	case raw := <-updates:
		t.Fatalf("unexpected extra update %T", raw)
	default:
	}
}

func TestGotdUpdateChannelHandleBeforeUpdatesCall(t *testing.T) {
	t.Parallel()

	stream, err := NewGotdUpdateChannel(1)
	if err != nil {
		t.Fatalf("new update channel failed: %v", err)
	}

	short := &tg.UpdateShort{
		Date:   1_700_000_000,
		Update: &tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 1, PeerID: &tg.PeerChannel{ChannelID: testChannelID}}},
	}
	if err := stream.Handle(context.Background(), short); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got := stream.Backlog(); got != 1 {
		t.Fatalf("backlog = %d, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := stream.Handle(ctx, short); err == nil {
		t.Fatal("expected publish to fail on a full buffer with canceled context")
	}

	updates, err := stream.Updates(context.Background())
	if err != nil {
		t.Fatalf("updates failed: %v", err)
	}
	select {
	case raw := <-updates:
		if _, ok := raw.(gotdUpdateEnvelope); !ok {
			t.Fatalf("raw type = %T, want gotdUpdateEnvelope", raw)
		}
	default:
		t.Fatal("buffered update was lost")
	}
	if got := stream.Backlog(); got != 0 {
		t.Fatalf("backlog after drain = %d, want 0", got)
	}
}

func TestFlattenGotdUpdatesContainers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		updates tg.UpdatesClass
		want    int
		wantErr bool
	}{
		{name: "nil", wantErr: true},
		{name: "too long", updates: &tg.UpdatesTooLong{}},
		{name: "private short message", updates: &tg.UpdateShortMessage{ID: 1, UserID: 2, Message: "hi"}},
		{
			name: "combined",
			updates: &tg.UpdatesCombined{
				Updates: []tg.UpdateClass{
					&tg.UpdateDeleteChannelMessages{ChannelID: testChannelID, Messages: []int{1}},
					&tg.UpdateNewMessage{Message: &tg.Message{ID: 2}},
				},
			},
			want: 1,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := flattenGotdUpdates(testCase.updates)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != testCase.want {
				t.Fatalf("flattened = %d, want %d", len(got), testCase.want)
			}
		})
	}
}
