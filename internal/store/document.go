package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const documentColumns = `id, type, payload, synced, timestamp, revision, attempts, last_error, rejected_at, reject_reason`

// PutDocument upserts a document by ID. A missing ID is assigned, a zero
// timestamp is set to now. On conflict only payload and sync bookkeeping are
// replaced and the revision is bumped: type and timestamp are immutable, and a
// type mismatch returns ErrTypeChanged without writing. d.Revision is set to
// the stored revision.
func (db *DB) PutDocument(d *Document) error {
	if d.Type == "" {
		return fmt.Errorf("put document: empty type")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	payload := string(d.Payload)
	if payload == "" {
		payload = "{}"
	}

	now := time.Now().UnixMilli()
	err := db.QueryRow(`
		INSERT INTO documents (id, type, payload, synced, timestamp, revision, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			synced = excluded.synced,
			revision = documents.revision + 1,
			attempts = 0,
			last_error = '',
			rejected_at = NULL,
			reject_reason = '',
			updated_at = excluded.updated_at
		WHERE documents.type = excluded.type
		RETURNING revision`,
		d.ID, string(d.Type), payload, d.Synced, d.Timestamp.UnixMilli(), now).Scan(&d.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put document %s: %w", d.ID, ErrTypeChanged)
	}
	if err != nil {
		return fmt.Errorf("put document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument returns a single document by ID.
func (db *DB) GetDocument(id string) (*Document, error) {
	row := db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

// QueryUnsynced returns unsynced, non-rejected documents ordered by creation
// time, optionally restricted to the given types.
func (db *DB) QueryUnsynced(types ...DocType) ([]Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE synced = 0 AND rejected_at IS NULL`
	var args []any
	if len(types) > 0 {
		q += ` AND type IN (?` + strings.Repeat(`, ?`, len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	q += ` ORDER BY timestamp ASC, id ASC`
	return db.queryDocuments(q, args...)
}

// ListRejected returns documents that were permanently rejected.
func (db *DB) ListRejected() ([]Document, error) {
	return db.queryDocuments(`SELECT ` + documentColumns + ` FROM documents
		WHERE synced = 0 AND rejected_at IS NOT NULL ORDER BY rejected_at ASC, id ASC`)
}

// MarkSynced flags revision rev of a document as uploaded. Marking an already
// synced revision is a no-op; a document rewritten since rev was read returns
// ErrSuperseded and stays unsynced.
func (db *DB) MarkSynced(id string, rev int64) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE documents SET synced = 1, synced_at = COALESCE(synced_at, ?), last_error = '', updated_at = ?
		WHERE id = ? AND revision = ?`, now, now, id, rev)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	return db.requireRevision(res, "mark synced", id)
}

// RecordAttempt increments the attempt counter and stores the failure reason
// for revision rev. Attempts on superseded or synced revisions are dropped.
func (db *DB) RecordAttempt(id string, rev int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.Exec(`
		UPDATE documents SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND revision = ? AND synced = 0`, msg, time.Now().UnixMilli(), id, rev)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", id, err)
	}
	return nil
}

// MarkRejected parks revision rev of an unsynced document so the sync engine
// stops retrying it. A newer revision is left alone and ErrSuperseded returned.
func (db *DB) MarkRejected(id string, rev int64, reason string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE documents SET rejected_at = ?, reject_reason = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND revision = ? AND synced = 0`, now, reason, reason, now, id, rev)
	if err != nil {
		return fmt.Errorf("mark rejected %s: %w", id, err)
	}
	return db.requireRevision(res, "mark rejected", id)
}

// Requeue clears a rejection so the document is picked up by the next pass.
func (db *DB) Requeue(id string) error {
	res, err := db.Exec(`
		UPDATE documents SET rejected_at = NULL, reject_reason = '', updated_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return requireRow(res, "requeue", id)
}

// DocumentStats counts documents by sync state.
func (db *DB) DocumentStats() (DocumentStats, error) {
	var s DocumentStats
	err := db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND rejected_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND rejected_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM documents`).Scan(&s.Total, &s.Synced, &s.Unsynced, &s.Rejected)
	if err != nil {
		return s, fmt.Errorf("document stats: %w", err)
	}
	return s, nil
}

func (db *DB) queryDocuments(q string, args ...any) ([]Document, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*Document, error) {
	var (
		d          Document
		typ        string
		payload    string
		ts         int64
		rejectedAt sql.NullInt64
	)
	if err := r.Scan(&d.ID, &typ, &payload, &d.Synced, &ts, &d.Revision, &d.Attempts, &d.LastError, &rejectedAt, &d.RejectReason); err != nil {
		return nil, err
	}
	d.Type = DocType(typ)
	d.Payload = []byte(payload)
	d.Timestamp = time.UnixMilli(ts)
	if rejectedAt.Valid {
		t := time.UnixMilli(rejectedAt.Int64)
		d.RejectedAt = &t
	}
	return &d, nil
}

// requireRevision turns a revision-guarded update that matched nothing into
// ErrSuperseded when the document still exists and ErrNotFound otherwise.
func (db *DB) requireRevision(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = db.QueryRow(`SELECT 1 FROM documents WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return fmt.Errorf("%s %s: %w", op, id, ErrSuperseded)
}

func requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}
