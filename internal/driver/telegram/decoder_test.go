package telegram

import (
	"context"
	"errors"
	"slices"
	"testing"

	"channel-mirror/pkg/mirror"
)

type staticChannel struct {
	id       int64
	resolved bool
}

func (c staticChannel) ChannelID() (int64, bool) {
	return c.id, c.resolved
}

func TestChannelDecoderDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		channel      staticChannel
		update       Update
		wantAccepted bool
		wantEvent    mirror.Event
		wantErr      bool
		wantInvalid  bool
	}{
		{
			name:    "new post becomes insert",
			channel: staticChannel{id: testChannelID, resolved: true},
			update: Update{
				Type:       UpdateTypeMessage,
				Chat:       ChatRef{ID: testChannelID},
				MessageIDs: []int{42},
			},
			wantAccepted: true,
			wantEvent:    mirror.Event{Kind: mirror.EventKindInsert, IDs: []mirror.RecordID{42}},
		},
		{
			name:    "edit becomes update",
			channel: staticChannel{id: testChannelID, resolved: true},
			update: Update{
				Type:       UpdateTypeEdit,
				Chat:       ChatRef{ID: testChannelID},
				MessageIDs: []int{7},
			},
			wantAccepted: true,
			wantEvent:    mirror.Event{Kind: mirror.EventKindUpdate, IDs: []mirror.RecordID{7}},
		},
		{
			name:    "batched delete keeps every id",
			channel: staticChannel{id: testChannelID, resolved: true},
			update: Update{
				Type:       UpdateTypeDelete,
				Chat:       ChatRef{ID: testChannelID},
				MessageIDs: []int{3, 4, 5},
			},
			wantAccepted: true,
			wantEvent:    mirror.Event{Kind: mirror.EventKindDelete, IDs: []mirror.RecordID{3, 4, 5}},
		},
		{
			name:    "other channel is ignored",
			channel: staticChannel{id: testChannelID, resolved: true},
			update: Update{
				Type:       UpdateTypeMessage,
				Chat:       ChatRef{ID: 1000},
				MessageIDs: []int{1},
			},
		},
		{
			name:    "unresolved channel fails",
			channel: staticChannel{},
			update: Update{
				Type:       UpdateTypeMessage,
				Chat:       ChatRef{ID: testChannelID},
				MessageIDs: []int{1},
			},
			wantErr: true,
		},
		{
			name:    "unknown type fails",
			channel: staticChannel{id: testChannelID, resolved: true},
			update: Update{
				Type:       UpdateType("pin"),
				Chat:       ChatRef{ID: testChannelID},
				MessageIDs: []int{1},
			},
			wantErr: true,
		},
		{
			name:    "non-positive id fails validation",
			channel: staticChannel{id: testChannelID, resolved: true},
			update: Update{
				Type:       UpdateTypeDelete,
				Chat:       ChatRef{ID: testChannelID},
				MessageIDs: []int{0},
			},
			wantErr:     true,
			wantInvalid: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			decoder, err := NewChannelDecoder(testCase.channel)
			if err != nil {
				t.Fatalf("new decoder failed: %v", err)
			}

			event, accepted, err := decoder.Decode(context.Background(), testCase.update)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if testCase.wantInvalid && !errors.Is(err, mirror.ErrInvalidID) {
					t.Fatalf("error = %v, want ErrInvalidID", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if accepted != testCase.wantAccepted {
				t.Fatalf("accepted = %v, want %v", accepted, testCase.wantAccepted)
			}
			if !accepted {
				return
			}
			if event.Kind != testCase.wantEvent.Kind || !slices.Equal(event.IDs, testCase.wantEvent.IDs) {
				t.Fatalf("event = %+v, want %+v", event, testCase.wantEvent)
			}
		})
	}
}

func TestNewChannelDecoderRejectsNilIdentity(t *testing.T) {
	t.Parallel()

	if _, err := NewChannelDecoder(nil); err == nil {
		t.Fatal("expected nil identity error")
	}
}
