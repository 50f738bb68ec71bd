package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"channel-mirror/pkg/mirror"
)

// RecordStore is the narrow store surface used for live mutations.
type RecordStore interface {
	Insert(ctx context.Context, id mirror.RecordID, content []byte) error
	Update(ctx context.Context, id mirror.RecordID, content []byte) error
	Delete(ctx context.Context, id mirror.RecordID) error
}

// Applier applies live mutation events to the store.
//
// Event ids are never trusted alone: content is re-fetched before inserts and
// updates, and deletes are confirmed by the remote no longer returning the id.
type Applier struct {
	source mirror.RecordFetcher
	store  RecordStore
	cfg    config
}

// NewApplier creates a live mutation applier.
func NewApplier(source mirror.RecordFetcher, store RecordStore, options ...Option) (*Applier, error) {
	if source == nil {
		return nil, fmt.Errorf("new applier: nil source")
	}
	if store == nil {
		return nil, fmt.Errorf("new applier: nil store")
	}

	return &Applier{
		source: source,
		store:  store,
		cfg:    newConfig(options),
	}, nil
}

var _ mirror.EventHandler = (*Applier)(nil)

// Handle applies event and logs failures instead of returning them.
func (a *Applier) Handle(ctx context.Context, event mirror.Event) {
	if err := a.Apply(ctx, event); err != nil {
		a.cfg.logger.ErrorContext(ctx, "apply live event failed",
			"kind", event.Kind,
			"ids", event.IDs,
			"error", err,
		)
	}
}

// Apply applies event and returns every per-record failure joined.
//
// Insert and update events store the content re-fetched from the source, so
// an update for a record missing locally is written as an insert. Ids the
// source no longer has are skipped. Benign races (a duplicate insert, a delete
// that lost to a concurrent delete) are logged at debug and not reported.
func (a *Applier) Apply(ctx context.Context, event mirror.Event) error {
	return runSafely("apply "+string(event.Kind), func() error {
		if err := event.Validate(); err != nil {
			return err
		}

		switch event.Kind {
		case mirror.EventKindDelete:
			return a.applyDelete(ctx, event.IDs)
		default:
			return a.applyUpsert(ctx, event.Kind, event.IDs)
		}
	})
}

func (a *Applier) applyUpsert(ctx context.Context, kind mirror.EventKind, ids []mirror.RecordID) error {
	present, err := a.fetch(ctx, ids)
	if err != nil {
		return err
	}

	logger := a.cfg.logger
	var errs []error
	for _, id := range sortedIDs(ids) {
		record, ok := present[id]
		if !ok {
			logger.DebugContext(ctx, "live record unavailable remotely", "kind", kind, "id", id)
			continue
		}

		raw, err := record.Content.Encode()
		if err != nil {
			errs = append(errs, fmt.Errorf("encode record %d: %w", id, err))
			continue
		}

		if kind == mirror.EventKindUpdate {
			err = a.store.Update(ctx, id, raw)
			if !errors.Is(err, mirror.ErrNotFound) {
				if err != nil {
					errs = append(errs, fmt.Errorf("update record %d: %w", id, err))
				}
				continue
			}
			logger.DebugContext(ctx, "updated record missing locally, inserting", "id", id)
		}

		err = a.store.Insert(ctx, id, raw)
		switch {
		case err == nil:
		case errors.Is(err, mirror.ErrAlreadyExists):
			logger.DebugContext(ctx, "live record already stored", "id", id)
		default:
			errs = append(errs, fmt.Errorf("insert record %d: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

func (a *Applier) applyDelete(ctx context.Context, ids []mirror.RecordID) error {
	present, err := a.fetch(ctx, ids)
	if err != nil {
		return err
	}

	logger := a.cfg.logger
	var errs []error
	for _, id := range sortedIDs(ids) {
		if _, ok := present[id]; ok {
			logger.DebugContext(ctx, "deleted record still present remotely, keeping", "id", id)
			continue
		}

		err := a.store.Delete(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, mirror.ErrDeleteRaceLost):
			logger.DebugContext(ctx, "record delete raced", "id", id)
		default:
			errs = append(errs, fmt.Errorf("delete record %d: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

// fetch re-reads ids remotely and indexes the requested ones that still exist.
func (a *Applier) fetch(ctx context.Context, ids []mirror.RecordID) (map[mirror.RecordID]mirror.RawRecord, error) {
	records, err := a.source.FetchRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	requested := make(map[mirror.RecordID]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}

	present := make(map[mirror.RecordID]mirror.RawRecord, len(records))
	for _, record := range records {
		if _, ok := requested[record.ID]; ok {
			present[record.ID] = record
		}
	}

	return present, nil
}

func sortedIDs(ids []mirror.RecordID) []mirror.RecordID {
	ordered := append([]mirror.RecordID(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	unique := ordered[:0]
	for _, id := range ordered {
		if len(unique) > 0 && unique[len(unique)-1] == id {
			continue
		}
		unique = append(unique, id)
	}

	return unique
}
