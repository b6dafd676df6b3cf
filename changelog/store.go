package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Error is the default changelog errs class.
var Error = errs.Class("changelog")

// DB is the persistent interface to the change log.
type DB interface {
	// Insert appends one record to the log.
	Insert(ctx context.Context, record ChangeRecord) (int64, error)
	// ListSince returns all records with timestamp strictly after since,
	// ordered by ascending timestamp.
	ListSince(ctx context.Context, since time.Time) ([]ChangeRecord, error)
	// LatestTimestamp returns the newest record timestamp, or the zero time
	// when the log is empty.
	LatestTimestamp(ctx context.Context) (time.Time, error)
	// MarkSynced transitions records to the synced status.
	MarkSynced(ctx context.Context, ids []int64) error
	// DeleteBefore purges records older than horizon and reports how many
	// were removed.
	DeleteBefore(ctx context.Context, horizon time.Time) (int64, error)
	// Count returns the total number of records in the log.
	Count(ctx context.Context) (int64, error)
}

// ensures that Store implements DB.
var _ DB = (*Store)(nil)

// Store is the sqlite-backed change log.
type Store struct {
	log *zap.Logger
	db  *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(log *zap.Logger, db *sql.DB) *Store {
	return &Store{log: log, db: db}
}

// Migrate creates the change log schema when missing.
func (store *Store) Migrate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS change_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			new_data TEXT,
			old_data TEXT,
			timestamp TIMESTAMP NOT NULL,
			origin_server_id TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending'
		);
		CREATE INDEX IF NOT EXISTS idx_change_log_timestamp ON change_log(timestamp);
	`)
	return Error.Wrap(err)
}

// Insert appends one record to the log.
func (store *Store) Insert(ctx context.Context, record ChangeRecord) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if !record.Operation.Valid() {
		return 0, Error.New("invalid operation %q", record.Operation)
	}

	newData, err := marshalData(record.NewData)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	oldData, err := marshalData(record.OldData)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	status := record.SyncStatus
	if status == "" {
		status = StatusPending
	}

	result, err := store.db.ExecContext(ctx, `
		INSERT INTO change_log (table_name, record_id, operation, new_data, old_data, timestamp, origin_server_id, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TableName, record.RecordID, string(record.Operation),
		newData, oldData, record.Timestamp.UTC(), record.OriginServerID, string(status),
	)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, Error.Wrap(err)
	}

	mon.Counter("changelog_records_inserted").Inc(1)
	return id, nil
}

// ListSince returns all records newer than since in ascending timestamp order.
func (store *Store) ListSince(ctx context.Context, since time.Time) (_ []ChangeRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := store.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, new_data, old_data, timestamp, origin_server_id, sync_status
		FROM change_log
		WHERE timestamp > ?
		ORDER BY timestamp ASC, id ASC`,
		since.UTC(),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var records []ChangeRecord
	for rows.Next() {
		var record ChangeRecord
		var operation, status string
		var newData, oldData sql.NullString

		err = rows.Scan(&record.ID, &record.TableName, &record.RecordID, &operation,
			&newData, &oldData, &record.Timestamp, &record.OriginServerID, &status)
		if err != nil {
			return nil, Error.Wrap(err)
		}

		record.Operation = Operation(operation)
		record.SyncStatus = SyncStatus(status)
		record.Timestamp = record.Timestamp.UTC()

		record.NewData, err = unmarshalData(newData)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record.OldData, err = unmarshalData(oldData)
		if err != nil {
			return nil, Error.Wrap(err)
		}

		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}

// LatestTimestamp returns the newest record timestamp, or the zero time when
// the log is empty.
func (store *Store) LatestTimestamp(ctx context.Context) (_ time.Time, err error) {
	defer mon.Task()(&ctx)(&err)

	var latest time.Time
	err = store.db.QueryRowContext(ctx,
		`SELECT timestamp FROM change_log ORDER BY timestamp DESC, id DESC LIMIT 1`,
	).Scan(&latest)
	if errs.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, Error.Wrap(err)
	}
	return latest.UTC(), nil
}

// MarkSynced transitions records to the synced status.
func (store *Store) MarkSynced(ctx context.Context, ids []int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, id := range ids {
		_, err := store.db.ExecContext(ctx,
			`UPDATE change_log SET sync_status = ? WHERE id = ?`,
			string(StatusSynced), id)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// DeleteBefore purges records older than horizon.
func (store *Store) DeleteBefore(ctx context.Context, horizon time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := store.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE timestamp < ?`, horizon.UTC())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if deleted > 0 {
		store.log.Info("purged old change records",
			zap.Int64("deleted", deleted),
			zap.Time("horizon", horizon))
	}
	return deleted, nil
}

// Count returns the total number of records in the log.
func (store *Store) Count(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log`).Scan(&count)
	return count, Error.Wrap(err)
}

func marshalData(data map[string]interface{}) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalData(raw sql.NullString) (map[string]interface{}, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &data); err != nil {
		return nil, err
	}
	return data, nil
}
