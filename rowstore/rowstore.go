// Package rowstore is a generic, schema-agnostic row applier for the tracked
// dataset tables. It lets the replication engine reconstruct rows from
// full-row snapshots without knowing any domain record type.
package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Error is the default rowstore errs class.
var Error = errs.Class("rowstore")

// ErrUnknownTable is returned for tables not in the tracked set.
var ErrUnknownTable = errs.Class("rowstore: unknown table")

var identifierRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Table describes one tracked table.
type Table struct {
	Name            string `yaml:"name" json:"name"`
	IDColumn        string `yaml:"id_column" json:"id_column"`
	ActiveColumn    string `yaml:"active_column" json:"active_column"`
	UpdatedAtColumn string `yaml:"updated_at_column" json:"updated_at_column"`
}

func (t Table) withDefaults() Table {
	if t.IDColumn == "" {
		t.IDColumn = "id"
	}
	return t
}

// Store applies row-level operations to the tracked tables.
type Store struct {
	log    *zap.Logger
	db     *sql.DB
	tables map[string]Table
	nowFn  func() time.Time
}

// NewStore creates a Store over the given handle and tracked table set.
func NewStore(log *zap.Logger, db *sql.DB, tables []Table) *Store {
	byName := make(map[string]Table, len(tables))
	for _, table := range tables {
		byName[table.Name] = table.withDefaults()
	}
	return &Store{log: log, db: db, tables: byName, nowFn: time.Now}
}

// Known reports whether the table is tracked.
func (s *Store) Known(table string) bool {
	_, ok := s.tables[table]
	return ok
}

// Batch is one transactional group of row operations.
type Batch struct {
	store *Store
	tx    *sql.Tx
}

// BeginBatch opens a transaction for one batch of operations.
func (s *Store) BeginBatch(ctx context.Context) (_ *Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Batch{store: s, tx: tx}, nil
}

// Commit makes the batch's operations durable.
func (b *Batch) Commit() error { return Error.Wrap(b.tx.Commit()) }

// Rollback discards the batch. Safe to call after Commit.
func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if errs.Is(err, sql.ErrTxDone) {
		return nil
	}
	return Error.Wrap(err)
}

// Upsert writes every provided field of the row, inserting it when absent.
// The identity column itself is never overwritten.
func (b *Batch) Upsert(ctx context.Context, table, recordID string, fields map[string]interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	spec, ok := b.store.tables[table]
	if !ok {
		return ErrUnknownTable.New("%q", table)
	}

	columns := make([]string, 0, len(fields)+1)
	values := make([]interface{}, 0, len(fields)+1)
	for name := range fields {
		if name == spec.IDColumn {
			continue
		}
		if !identifierRx.MatchString(name) {
			return Error.New("invalid column name %q for table %q", name, table)
		}
		columns = append(columns, name)
	}
	sort.Strings(columns)
	for _, name := range columns {
		values = append(values, fields[name])
	}

	columns = append(columns, spec.IDColumn)
	values = append(values, recordID)

	assignments := make([]string, 0, len(columns)-1)
	for _, name := range columns[:len(columns)-1] {
		assignments = append(assignments, fmt.Sprintf("%s = excluded.%s", name, name))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(columns, ", "),
		strings.TrimRight(strings.Repeat("?, ", len(columns)), ", "),
	)
	if len(assignments) > 0 {
		query += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", spec.IDColumn, strings.Join(assignments, ", "))
	} else {
		query += fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", spec.IDColumn)
	}

	_, err = b.tx.ExecContext(ctx, query, values...)
	return Error.Wrap(err)
}

// Delete removes the row when present.
func (b *Batch) Delete(ctx context.Context, table, recordID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	spec, ok := b.store.tables[table]
	if !ok {
		return ErrUnknownTable.New("%q", table)
	}
	_, err = b.tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, spec.IDColumn), recordID)
	return Error.Wrap(err)
}

// SetActive flips the table's active flag without removing the row, bumping
// the modification timestamp when the table has one. Tables without an active
// flag ignore the call.
func (b *Batch) SetActive(ctx context.Context, table, recordID string, active bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	spec, ok := b.store.tables[table]
	if !ok {
		return ErrUnknownTable.New("%q", table)
	}
	if spec.ActiveColumn == "" {
		return nil
	}

	assignments := fmt.Sprintf("%s = ?", spec.ActiveColumn)
	args := []interface{}{active}
	if spec.UpdatedAtColumn != "" {
		assignments += fmt.Sprintf(", %s = ?", spec.UpdatedAtColumn)
		args = append(args, b.store.nowFn().UTC())
	}
	args = append(args, recordID)

	_, err = b.tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, assignments, spec.IDColumn), args...)
	return Error.Wrap(err)
}

// Get reads one row back as a map. Intended for status inspection and tests.
func (s *Store) Get(ctx context.Context, table, recordID string) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	spec, ok := s.tables[table]
	if !ok {
		return nil, ErrUnknownTable.New("%q", table)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", table, spec.IDColumn), recordID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	if !rows.Next() {
		return nil, Error.Wrap(rows.Err())
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	values := make([]interface{}, len(columns))
	pointers := make([]interface{}, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := rows.Scan(pointers...); err != nil {
		return nil, Error.Wrap(err)
	}

	row := make(map[string]interface{}, len(columns))
	for i, name := range columns {
		if raw, ok := values[i].([]byte); ok {
			row[name] = string(raw)
		} else {
			row[name] = values[i]
		}
	}
	return row, nil
}
