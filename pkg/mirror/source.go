package mirror

import "context"

// HistorySource exposes the remote channel history for backfill.
type HistorySource interface {
	// FetchLatestID returns the newest message id, or 0 for an empty channel.
	//
	// It fails with ErrSourceUnavailable when the channel cannot be resolved.
	FetchLatestID(ctx context.Context) (RecordID, error)
	// FetchRange returns messages with minID < id < maxID in any order.
	//
	// Gaps are legitimate: ids without mirrorable content are omitted.
	FetchRange(ctx context.Context, minID RecordID, maxID RecordID) ([]RawRecord, error)
}

// RecordFetcher re-fetches individual messages by id.
type RecordFetcher interface {
	// FetchRecords returns the requested messages that currently exist remotely.
	//
	// Ids missing from the result are absent (deleted or not mirrorable).
	FetchRecords(ctx context.Context, ids []RecordID) ([]RawRecord, error)
}

// ProfileSource exposes the remote channel profile.
type ProfileSource interface {
	FetchProfile(ctx context.Context) (Profile, error)
}

// Source is the full remote collaborator used by the mirror.
type Source interface {
	HistorySource
	RecordFetcher
	ProfileSource
}
