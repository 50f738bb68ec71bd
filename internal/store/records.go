package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"channel-mirror/internal/retry"
	"channel-mirror/pkg/mirror"
)

const recordColumns = `message_id, content, created_at, updated_at, last_updated_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Exists reports whether id is stored.
func (s *Store) Exists(ctx context.Context, id mirror.RecordID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}

	return retry.Value(ctx, s.retrier, s.recordKey("exists", id), func(ctx context.Context) (bool, error) {
		var found int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE message_id = ?`, int64(id)).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("exists %d: %w", id, err)
		}

		return true, nil
	})
}

// Get returns the record for id or mirror.ErrNotFound.
func (s *Store) Get(ctx context.Context, id mirror.RecordID) (mirror.Record, error) {
	if err := id.Validate(); err != nil {
		return mirror.Record{}, fmt.Errorf("get: %w", err)
	}

	return retry.Value(ctx, s.retrier, s.recordKey("get", id), func(ctx context.Context) (mirror.Record, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM messages WHERE message_id = ?`, int64(id))
		record, err := s.scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return mirror.Record{}, fmt.Errorf("get %d: %w", id, mirror.ErrNotFound)
		}
		if err != nil {
			return mirror.Record{}, fmt.Errorf("get %d: %w", id, err)
		}

		return record, nil
	})
}

// List returns every record, newest id first.
func (s *Store) List(ctx context.Context) ([]mirror.Record, error) {
	return retry.Value(ctx, s.retrier, s.callKey("list"), func(ctx context.Context) ([]mirror.Record, error) {
		records, err := s.queryRecords(ctx, s.db,
			`SELECT `+recordColumns+` FROM messages ORDER BY message_id DESC`)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}

		return records, nil
	})
}

// ListRange returns at most limit records after skipping offset, newest id first.
func (s *Store) ListRange(ctx context.Context, offset int, limit int) ([]mirror.Record, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("list range: negative offset %d or limit %d", offset, limit)
	}

	return retry.Value(ctx, s.retrier, s.callKey("list_range"), func(ctx context.Context) ([]mirror.Record, error) {
		records, err := s.listRange(ctx, s.db, offset, limit)
		if err != nil {
			return nil, fmt.Errorf("list range: %w", err)
		}

		return records, nil
	})
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	return retry.Value(ctx, s.retrier, s.callKey("count"), func(ctx context.Context) (int, error) {
		count, err := countRecords(ctx, s.db)
		if err != nil {
			return 0, fmt.Errorf("count: %w", err)
		}

		return count, nil
	})
}

// RangeWithCount reads one slice and the total count from the same snapshot.
func (s *Store) RangeWithCount(ctx context.Context, offset int, limit int) ([]mirror.Record, int, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("range with count: negative offset %d or limit %d", offset, limit)
	}

	type snapshot struct {
		records []mirror.Record
		total   int
	}

	result, err := retry.Value(ctx, s.retrier, s.callKey("range_with_count"), func(ctx context.Context) (snapshot, error) {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return snapshot{}, fmt.Errorf("range with count: begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		total, err := countRecords(ctx, tx)
		if err != nil {
			return snapshot{}, fmt.Errorf("range with count: %w", err)
		}
		records, err := s.listRange(ctx, tx, offset, limit)
		if err != nil {
			return snapshot{}, fmt.Errorf("range with count: %w", err)
		}

		return snapshot{records: records, total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}

	return result.records, result.total, nil
}

// MaxID returns the greatest stored id, or 0 for an empty store.
func (s *Store) MaxID(ctx context.Context) (mirror.RecordID, error) {
	return retry.Value(ctx, s.retrier, s.callKey("max_id"), func(ctx context.Context) (mirror.RecordID, error) {
		var maxID sql.NullInt64
		if err := s.db.QueryRowContext(ctx, `SELECT MAX(message_id) FROM messages`).Scan(&maxID); err != nil {
			return 0, fmt.Errorf("max id: %w", err)
		}
		if !maxID.Valid {
			return 0, nil
		}

		return mirror.RecordID(maxID.Int64), nil
	})
}

// Insert stores new content for id.
//
// It fails with mirror.ErrAlreadyExists when id is present and with
// mirror.ErrInvalidContent when content is blank, malformed, or oversized.
func (s *Store) Insert(ctx context.Context, id mirror.RecordID, content []byte) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	decoded, err := mirror.DecodeContent(content)
	if err != nil {
		return fmt.Errorf("insert %d: %w", id, err)
	}
	compressed, err := s.codec.compress(content)
	if err != nil {
		return fmt.Errorf("insert %d: %w", id, err)
	}
	createdAt, updatedAt := decoded.Timestamps()

	return s.retrier.Do(ctx, s.recordKey("insert", id), func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO messages (`+recordColumns+`) VALUES (?, ?, ?, ?, ?)`,
				int64(id), compressed, createdAt, updatedAt, s.now().Unix(),
			)
			if errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
				return fmt.Errorf("insert %d: %w", id, mirror.ErrAlreadyExists)
			}
			if err != nil {
				return fmt.Errorf("insert %d: %w", id, err)
			}

			return nil
		})
	})
}

// Update replaces the content of an existing record.
//
// createdAt is preserved and updatedAt becomes max(now, createdAt).
func (s *Store) Update(ctx context.Context, id mirror.RecordID, content []byte) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if _, err := mirror.DecodeContent(content); err != nil {
		return fmt.Errorf("update %d: %w", id, err)
	}
	compressed, err := s.codec.compress(content)
	if err != nil {
		return fmt.Errorf("update %d: %w", id, err)
	}

	return s.retrier.Do(ctx, s.recordKey("update", id), func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			now := s.now()
			result, err := tx.ExecContext(ctx,
				`UPDATE messages
				 SET content = ?, updated_at = MAX(?, created_at), last_updated_at = ?
				 WHERE message_id = ?`,
				compressed, now.UnixMilli(), now.Unix(), int64(id),
			)
			if err != nil {
				return fmt.Errorf("update %d: %w", id, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("update %d: rows affected: %w", id, err)
			}
			if affected == 0 {
				return fmt.Errorf("update %d: %w", id, mirror.ErrNotFound)
			}

			return nil
		})
	})
}

// Delete removes id. Deleting an absent id is a no-op.
//
// It fails with mirror.ErrDeleteRaceLost when the row disappears between the
// presence check and the delete.
func (s *Store) Delete(ctx context.Context, id mirror.RecordID) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	return s.retrier.Do(ctx, s.recordKey("delete", id), func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var found int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE message_id = ?`, int64(id)).Scan(&found)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("delete %d: check: %w", id, err)
			}

			result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, int64(id))
			if err != nil {
				return fmt.Errorf("delete %d: %w", id, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("delete %d: rows affected: %w", id, err)
			}
			if affected == 0 {
				return fmt.Errorf("delete %d: %w", id, mirror.ErrDeleteRaceLost)
			}

			return nil
		})
	})
}

// inTx runs fn in a write transaction and commits when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func (s *Store) listRange(ctx context.Context, q queryer, offset int, limit int) ([]mirror.Record, error) {
	return s.queryRecords(ctx, q,
		`SELECT `+recordColumns+` FROM messages ORDER BY message_id DESC LIMIT ? OFFSET ?`,
		limit, offset)
}

func countRecords(ctx context.Context, q queryer) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (s *Store) queryRecords(ctx context.Context, q queryer, query string, args ...any) ([]mirror.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := make([]mirror.Record, 0)
	for rows.Next() {
		record, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner) (mirror.Record, error) {
	var (
		id         int64
		compressed []byte
		record     mirror.Record
	)
	if err := row.Scan(&id, &compressed, &record.CreatedAt, &record.UpdatedAt, &record.LastSyncedAt); err != nil {
		return mirror.Record{}, err
	}

	content, err := s.codec.decompress(compressed)
	if err != nil {
		return mirror.Record{}, fmt.Errorf("record %d: %w", id, err)
	}
	record.ID = mirror.RecordID(id)
	record.Content = content

	return record, nil
}

// callKey returns a retry key unique to one invocation of op.
func (s *Store) callKey(op string) string {
	return fmt.Sprintf("%s#%d", op, s.calls.Add(1))
}

func (s *Store) recordKey(op string, id mirror.RecordID) string {
	return s.callKey(fmt.Sprintf("%s_%d", op, id))
}
