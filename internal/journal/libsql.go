package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/actseq/pkg/schema"
)

// LibSQL is a Journal backed by an embedded libSQL database.
type LibSQL struct {
	db  *sql.DB
	now func() time.Time
}

// OpenLibSQL opens (creating if needed) a libSQL journal and applies pending
// migrations. dsn is a file URI such as "file:/var/lib/actseq/journal.db";
// a bare path is accepted and prefixed.
func OpenLibSQL(ctx context.Context, dsn string) (*LibSQL, error) {
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	} {
		var ignored string
		_ = db.QueryRowContext(ctx, p).Scan(&ignored)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQL{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying handle.
func (j *LibSQL) DB() *sql.DB { return j.db }

func (j *LibSQL) Close() error { return j.db.Close() }

// Vacuum compacts the database file.
func (j *LibSQL) Vacuum(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

// AppendEvent assigns the event its id, its stream sequence and (if unset)
// a timestamp, then stores it. entry_committed events also update the
// entries view when their version is newer than the stored one.
func (j *LibSQL) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = j.now()
	}
	entry, isCommit, err := entryOf(event)
	if err != nil {
		return err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stream := streamOf(event)
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE stream = ?`, stream,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	var block sql.NullInt64
	if event.Block != nil {
		block = sql.NullInt64{Int64: int64(*event.Block), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (stream, execution_id, sequence_id, block, collection, entry_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stream, nullStr(event.ExecutionID), nullStr(event.SequenceID), block,
		nullStr(event.Collection), nullStr(event.EntryID), event.Type,
		nullStr(string(event.Payload)), formatTime(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}

	if isCommit {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (collection, entry_id, value, version, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (collection, entry_id) DO UPDATE
			 SET value = excluded.value, version = excluded.version, updated_at = excluded.updated_at
			 WHERE excluded.version > entries.version`,
			entry.Collection, entry.ID, string(entry.Value), entry.Version, formatTime(entry.UpdatedAt),
		); err != nil {
			return fmt.Errorf("upsert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.ID = id
	event.Sequence = seq
	return nil
}

// Events returns matching events ordered by id.
func (j *LibSQL) Events(ctx context.Context, f EventFilter) ([]*schema.Event, error) {
	query := `SELECT id, execution_id, sequence_id, block, collection, entry_id, event_type, payload, timestamp, sequence
		FROM events WHERE id > ?`
	args := []any{f.AfterID}

	for _, c := range []struct {
		col, val string
	}{
		{"execution_id", f.ExecutionID},
		{"sequence_id", f.SequenceID},
		{"collection", f.Collection},
		{"entry_id", f.EntryID},
	} {
		if c.val != "" {
			query += " AND " + c.col + " = ?"
			args = append(args, c.val)
		}
	}
	if len(f.Types) > 0 {
		query += " AND event_type IN (?" + strings.Repeat(", ?", len(f.Types)-1) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*schema.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Latest returns every entry's latest committed value, ordered by
// collection then id.
func (j *LibSQL) Latest(ctx context.Context) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT collection, entry_id, value, version, updated_at FROM entries ORDER BY collection, entry_id`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			value   string
			updated string
		)
		if err := rows.Scan(&e.Collection, &e.ID, &value, &e.Version, &updated); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Value = []byte(value)
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (*schema.Event, error) {
	var (
		e                                     schema.Event
		execID, seqID, coll, entryID, payload sql.NullString
		block                                 sql.NullInt64
		ts                                    string
	)
	if err := rows.Scan(&e.ID, &execID, &seqID, &block, &coll, &entryID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.ExecutionID = execID.String
	e.SequenceID = seqID.String
	e.Collection = coll.String
	e.EntryID = entryID.String
	if block.Valid {
		b := int(block.Int64)
		e.Block = &b
	}
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	e.Timestamp = parseTime(ts)
	return &e, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
