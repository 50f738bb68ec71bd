package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"channel-mirror/pkg/mirror"
)

// RecordWriter is the narrow store surface used by backfill.
type RecordWriter interface {
	MaxID(ctx context.Context) (mirror.RecordID, error)
	Insert(ctx context.Context, id mirror.RecordID, content []byte) error
}

// State reports whether a reconcile pass is active.
type State int32

const (
	// StateIdle means no reconcile pass is running.
	StateIdle State = iota
	// StateReconciling means a reconcile pass is running.
	StateReconciling
)

// String returns the state name used in logs and status output.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconciling:
		return "reconciling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Report summarizes one reconcile pass.
type Report struct {
	LocalMax     mirror.RecordID
	RemoteLatest mirror.RecordID
	Batches      int
	Fetched      int
	Inserted     int
	Duplicates   int
	Skipped      int
}

// batch is one exclusive id window passed to FetchRange.
type batch struct {
	minID mirror.RecordID
	maxID mirror.RecordID
}

// Reconciler fetches and stores every remote record newer than the local maximum.
type Reconciler struct {
	source mirror.HistorySource
	writer RecordWriter
	cfg    config
	state  atomic.Int32
}

// NewReconciler creates a backfill reconciler.
func NewReconciler(source mirror.HistorySource, writer RecordWriter, options ...Option) (*Reconciler, error) {
	if source == nil {
		return nil, fmt.Errorf("new reconciler: nil source")
	}
	if writer == nil {
		return nil, fmt.Errorf("new reconciler: nil writer")
	}

	return &Reconciler{
		source: source,
		writer: writer,
		cfg:    newConfig(options),
	}, nil
}

// State returns the current reconcile state.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Run performs one reconcile pass.
//
// Records are inserted in ascending id order. When a batch fetch fails the
// records fetched before it are still inserted and the fetch error is returned,
// so the next pass resumes from the new local maximum.
func (r *Reconciler) Run(ctx context.Context) (report Report, err error) {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateReconciling)) {
		return Report{}, ErrAlreadyRunning
	}
	defer r.state.Store(int32(StateIdle))

	err = runSafely("reconcile", func() error {
		var runErr error
		report, runErr = r.run(ctx)
		return runErr
	})

	return report, err
}

func (r *Reconciler) run(ctx context.Context) (Report, error) {
	logger := r.cfg.logger
	report := Report{}

	localMax, err := r.writer.MaxID(ctx)
	if err != nil {
		return report, fmt.Errorf("read local max id: %w", err)
	}
	report.LocalMax = localMax

	remoteLatest, err := r.source.FetchLatestID(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch latest remote id: %w", err)
	}
	report.RemoteLatest = remoteLatest

	if localMax >= remoteLatest {
		logger.InfoContext(ctx, "backfill up to date",
			"local_max", localMax,
			"remote_latest", remoteLatest,
		)
		return report, nil
	}

	batches := planBatches(localMax, remoteLatest, r.cfg.batchSize)
	logger.InfoContext(ctx, "backfill started",
		"local_max", localMax,
		"remote_latest", remoteLatest,
		"batches", len(batches),
	)

	var (
		fetched  []mirror.RawRecord
		fetchErr error
	)
	for _, window := range batches {
		records, err := r.source.FetchRange(ctx, window.minID, window.maxID)
		if err != nil {
			fetchErr = fmt.Errorf("fetch range (%d, %d): %w", window.minID, window.maxID, err)
			break
		}
		report.Batches++
		for _, record := range records {
			if record.ID <= window.minID || record.ID >= window.maxID {
				continue
			}
			fetched = append(fetched, record)
		}
	}

	ordered := sortUnique(fetched)
	report.Fetched = len(ordered)

	for _, record := range ordered {
		raw, err := record.Content.Encode()
		if err != nil {
			report.Skipped++
			logger.WarnContext(ctx, "backfill skipped unencodable record", "id", record.ID, "error", err)
			continue
		}

		err = r.writer.Insert(ctx, record.ID, raw)
		switch {
		case err == nil:
			report.Inserted++
		case errors.Is(err, mirror.ErrAlreadyExists):
			report.Duplicates++
			logger.DebugContext(ctx, "backfill record already stored", "id", record.ID)
		default:
			return report, fmt.Errorf("insert record %d: %w", record.ID, err)
		}
	}

	logger.InfoContext(ctx, "backfill finished",
		slog.Int("batches", report.Batches),
		slog.Int("fetched", report.Fetched),
		slog.Int("inserted", report.Inserted),
		slog.Int("duplicates", report.Duplicates),
		slog.Int("skipped", report.Skipped),
	)

	if fetchErr != nil {
		return report, fetchErr
	}

	return report, nil
}

// planBatches splits (localMax, remoteLatest] into exclusive FetchRange windows.
//
// Window k is (localMax+k*size, min(localMax+(k+1)*size+1, remoteLatest+1)),
// so consecutive windows cover every id exactly once.
func planBatches(localMax mirror.RecordID, remoteLatest mirror.RecordID, size int) []batch {
	if size < 1 {
		size = DefaultBatchSize
	}
	span := mirror.RecordID(size)

	batches := make([]batch, 0, int((remoteLatest-localMax)/span)+1)
	for lower := localMax; lower < remoteLatest; lower += span {
		batches = append(batches, batch{
			minID: lower,
			maxID: min(lower+span+1, remoteLatest+1),
		})
	}

	return batches
}

// sortUnique orders records by ascending id and keeps the first of each id.
func sortUnique(records []mirror.RawRecord) []mirror.RawRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	unique := make([]mirror.RawRecord, 0, len(records))
	for _, record := range records {
		if len(unique) > 0 && unique[len(unique)-1].ID == record.ID {
			continue
		}
		unique = append(unique, record)
	}

	return unique
}
