package dtmlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

const schema = `
CREATE TABLE IF NOT EXISTS dtm0_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	originator   TEXT    NOT NULL,
	txseq        INTEGER NOT NULL,
	participants TEXT    NOT NULL,
	service      TEXT    NOT NULL DEFAULT '',
	payload      BLOB,
	open         INTEGER NOT NULL DEFAULT 1,
	persistent   TEXT    NOT NULL DEFAULT '[]',
	UNIQUE (originator, txseq)
);
CREATE INDEX IF NOT EXISTS dtm0_log_open ON dtm0_log (open);
CREATE TABLE IF NOT EXISTS dtm0_pruned (
	originator TEXT    NOT NULL,
	txseq      INTEGER NOT NULL,
	PRIMARY KEY (originator, txseq)
) WITHOUT ROWID;
`

// SQLiteLog is a durable Log stored in a single SQLite database.
//
// Writers use BEGIN IMMEDIATE transactions, so the copy lock taken by
// LockForCopy excludes the pruner and persistence updates for the short time
// the record is copied out. Contention surfaces as ErrStale.
type SQLiteLog struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ Log = (*SQLiteLog)(nil)

// OpenSQLite opens (creating if needed) the log database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLog, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(250)" +
		"&_pragma=synchronous(FULL)" +
		"&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create log schema: %w", err)
	}

	l := &SQLiteLog{
		db:     db,
		path:   path,
		logger: slog.Default().With("component", "dtmlog", "path", path),
	}
	l.logger.Info("log opened")
	return l, nil
}

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func (l *SQLiteLog) wrap(op string, err error) error {
	if isBusy(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStale, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, rec dtx.LogRecord) (bool, error) {
	if rec.Desc.ID.IsZero() {
		return false, ErrInvalidTx
	}

	participants, err := json.Marshal(rec.Desc.Participants)
	if err != nil {
		return false, fmt.Errorf("marshal participants: %w", err)
	}
	persistent, err := json.Marshal(nonNil(rec.PersistentOn))
	if err != nil {
		return false, fmt.Errorf("marshal persistent set: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO dtm0_log (originator, txseq, participants, service, payload, open, persistent)
		SELECT ?1, ?2, ?3, ?4, ?5, ?6, ?7
		WHERE NOT EXISTS (SELECT 1 FROM dtm0_pruned WHERE originator = ?1 AND txseq = ?2)
		ON CONFLICT (originator, txseq) DO NOTHING`,
		string(rec.Desc.ID.Originator), int64(rec.Desc.ID.Seq), string(participants),
		rec.Service, rec.Payload, boolInt(!rec.FullyPersistent()), string(persistent),
	)
	if err != nil {
		return false, l.wrap("append", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append rows affected: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (dtx.LogRecord, error) {
	var (
		originator   string
		txseq        int64
		participants string
		persistent   string
		open         int
		rec          dtx.LogRecord
	)
	if err := row.Scan(&originator, &txseq, &participants, &rec.Service, &rec.Payload, &open, &persistent); err != nil {
		return dtx.LogRecord{}, err
	}
	rec.Desc.ID = dtx.TxID{Originator: dtx.ParticipantID(originator), Seq: uint64(txseq)}
	if err := json.Unmarshal([]byte(participants), &rec.Desc.Participants); err != nil {
		return dtx.LogRecord{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(persistent), &rec.PersistentOn); err != nil {
		return dtx.LogRecord{}, fmt.Errorf("unmarshal persistent set: %w", err)
	}
	if len(rec.PersistentOn) == 0 {
		rec.PersistentOn = nil
	}
	rec.Open = open != 0
	return rec, nil
}

const selectRecord = `SELECT originator, txseq, participants, service, payload, open, persistent
	FROM dtm0_log WHERE originator = ? AND txseq = ?`

// Lookup implements Log.
func (l *SQLiteLog) Lookup(ctx context.Context, id dtx.TxID) (dtx.LogRecord, error) {
	row := l.db.QueryRowContext(ctx, selectRecord, string(id.Originator), int64(id.Seq))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dtx.LogRecord{}, l.notFound(ctx, l.db, id)
	}
	if err != nil {
		return dtx.LogRecord{}, l.wrap("lookup", err)
	}
	return rec, nil
}

// Next implements Log.
func (l *SQLiteLog) Next(ctx context.Context, after Cursor) (Entry, error) {
	var (
		seq          int64
		originator   string
		txseq        int64
		participants string
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT seq, originator, txseq, participants FROM dtm0_log
		WHERE seq > ? ORDER BY seq LIMIT 1`, int64(after),
	).Scan(&seq, &originator, &txseq, &participants)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEndOfLog
	}
	if err != nil {
		return Entry{}, l.wrap("next", err)
	}

	e := Entry{
		Cursor: Cursor(seq),
		Desc:   dtx.TxDescriptor{ID: dtx.TxID{Originator: dtx.ParticipantID(originator), Seq: uint64(txseq)}},
	}
	if err := json.Unmarshal([]byte(participants), &e.Desc.Participants); err != nil {
		return Entry{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	return e, nil
}

// LockForCopy implements Log.
func (l *SQLiteLog) LockForCopy(ctx context.Context, id dtx.TxID, fn func(dtx.LogRecord) error) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return l.wrap("lock for copy", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = l.wrap("release copy lock", rbErr)
		}
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, string(id.Originator), int64(id.Seq)))
	if errors.Is(err, sql.ErrNoRows) {
		return l.notFound(ctx, tx, id)
	}
	if err != nil {
		return l.wrap("copy record", err)
	}
	return fn(rec)
}

// MarkPersistent implements Log.
func (l *SQLiteLog) MarkPersistent(ctx context.Context, id dtx.TxID, p dtx.ParticipantID) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return l.wrap("mark persistent", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, string(id.Originator), int64(id.Seq)))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return l.wrap("mark persistent", err)
	}
	if slices.Contains(rec.PersistentOn, p) {
		return tx.Commit()
	}

	rec.PersistentOn = append(rec.PersistentOn, p)
	persistent, err := json.Marshal(rec.PersistentOn)
	if err != nil {
		return fmt.Errorf("marshal persistent set: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE dtm0_log SET persistent = ?, open = ? WHERE originator = ? AND txseq = ?`,
		string(persistent), boolInt(!rec.FullyPersistent()), string(id.Originator), int64(id.Seq),
	); err != nil {
		return l.wrap("mark persistent", err)
	}
	if err = tx.Commit(); err != nil {
		return l.wrap("mark persistent", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// notFound builds the error for a missing id, telling pruned ids apart.
func (l *SQLiteLog) notFound(ctx context.Context, q queryer, id dtx.TxID) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM dtm0_pruned WHERE originator = ? AND txseq = ?`,
		string(id.Originator), int64(id.Seq)).Scan(&one)
	switch {
	case err == nil:
		return prunedError(id)
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l.wrap("lookup pruned", err)
}

// Prune implements Log.
func (l *SQLiteLog) Prune(ctx context.Context) (n int, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, l.wrap("prune", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO dtm0_pruned (originator, txseq)
		SELECT originator, txseq FROM dtm0_log WHERE open = 0
		ON CONFLICT DO NOTHING`); err != nil {
		return 0, l.wrap("prune", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM dtm0_log WHERE open = 0`)
	if err != nil {
		return 0, l.wrap("prune", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, l.wrap("prune", err)
	}
	return int(affected), nil
}

// Close implements Log.
func (l *SQLiteLog) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close log database: %w", err)
	}
	l.logger.Info("log closed")
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(ps []dtx.ParticipantID) []dtx.ParticipantID {
	if ps == nil {
		return []dtx.ParticipantID{}
	}
	return ps
}
