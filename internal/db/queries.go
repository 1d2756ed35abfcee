package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mirulog/internal/errors"
	"mirulog/internal/record"
)

const timeLayout = time.RFC3339

// InsertCapture stores a new pending capture record.
func InsertCapture(db *sql.DB, c *record.CaptureRecord) error {
	if c.Status == "" {
		c.Status = record.StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO captures (
			id, captured_at, window_title, process_name,
			hash_digest, image_path, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		c.ID, c.CapturedAt.UTC().Format(timeLayout), c.WindowTitle, c.ProcessName,
		c.HashDigest, c.ImagePath, string(c.Status), c.CreatedAt.Unix(),
	)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("insert capture: %w", err))
	}
	return nil
}

// GetCapture retrieves one capture record by id.
func GetCapture(db *sql.DB, id string) (*record.CaptureRecord, error) {
	row := db.QueryRow(`
		SELECT id, captured_at, window_title, process_name,
			hash_digest, image_path, status, created_at
		FROM captures WHERE id = ?
	`, id)

	c, err := scanCapture(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return c, nil
}

// PendingCaptures returns pending records in capture order. limit <= 0 means
// no limit (used by local backends, which are effectively unbounded).
func PendingCaptures(db *sql.DB, limit int) ([]record.CaptureRecord, error) {
	query := `
		SELECT id, captured_at, window_title, process_name,
			hash_digest, image_path, status, created_at
		FROM captures
		WHERE status = ?
		ORDER BY captured_at ASC, id ASC
	`
	args := []any{string(record.StatusPending)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []record.CaptureRecord
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ClaimPending transitions one record pending → analyzing. The conditional
// update is the row lease: when it affects zero rows another engine instance
// already claimed the record (or an external reset raced us) and the caller
// must skip it.
func ClaimPending(db *sql.DB, id string) (bool, error) {
	res, err := db.Exec(
		`UPDATE captures SET status = ? WHERE id = ? AND status = ?`,
		string(record.StatusAnalyzing), id, string(record.StatusPending),
	)
	if err != nil {
		return false, errors.NewInternal(fmt.Errorf("claim capture %s: %w", id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n == 1, nil
}

// SaveResult persists a successful analysis and marks the record analyzed in
// one transaction. The caller must hold the analyzing claim; the conditional
// status update enforces that.
func SaveResult(db *sql.DB, res *record.AnalysisResult) error {
	return saveAnalysis(db, res, record.StatusAnalyzed)
}

// MarkFailed persists error detail and retry bookkeeping and marks the
// record failed. Failed records are never deleted; they stay as audit trail.
func MarkFailed(db *sql.DB, res *record.AnalysisResult) error {
	return saveAnalysis(db, res, record.StatusFailed)
}

func saveAnalysis(db *sql.DB, res *record.AnalysisResult, to record.Status) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	upd, err := tx.Exec(
		`UPDATE captures SET status = ? WHERE id = ? AND status = ?`,
		string(to), res.CaptureID, string(record.StatusAnalyzing),
	)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("mark %s: %w", to, err))
	}
	n, err := upd.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n != 1 {
		return errors.NewConflict(fmt.Sprintf(
			"capture %s is not analyzing; refusing %s transition", res.CaptureID, to))
	}

	var lastAttempt any
	if !res.LastAttemptAt.IsZero() {
		lastAttempt = res.LastAttemptAt.UTC().Format(timeLayout)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO analysis (
			capture_id, backend, summary, primary_task, confidence,
			tags_json, files_json, repos_json, urls_json,
			raw_response, error, retry_count, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.CaptureID, res.Backend, res.Summary, res.PrimaryTask, res.Confidence,
		marshalList(res.Tags), marshalList(res.Files),
		marshalList(res.Repositories), marshalList(res.URLs),
		res.RawResponse, nullIfEmpty(res.ErrorDetail), res.RetryCount, lastAttempt,
	)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("save analysis: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ResetFailed requeues failed records (failed → pending). This is the only
// backward status transition and it only happens on explicit request.
func ResetFailed(db *sql.DB) (int64, error) {
	res, err := db.Exec(
		`UPDATE captures SET status = ? WHERE status = ?`,
		string(record.StatusPending), string(record.StatusFailed),
	)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// ResetStuckAnalyzing requeues records left in analyzing by a crashed engine.
// Safe only while no engine instance is running against this shard.
func ResetStuckAnalyzing(db *sql.DB) (int64, error) {
	res, err := db.Exec(
		`UPDATE captures SET status = ? WHERE status = ?`,
		string(record.StatusPending), string(record.StatusAnalyzing),
	)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// PendingCount returns the number of pending records.
func PendingCount(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM captures WHERE status = ?`,
		string(record.StatusPending),
	).Scan(&n)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// StatusCounts returns record counts per status.
func StatusCounts(db *sql.DB) (map[record.Status]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM captures GROUP BY status`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	counts := make(map[record.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.NewInternal(err)
		}
		counts[record.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return counts, nil
}

// AnalyzedEntries returns analyzed capture+result pairs in capture order.
// datePrefix filters on the YYYY-MM-DD prefix of captured_at; empty means
// all days. Works on read-only shard handles.
func AnalyzedEntries(db *sql.DB, datePrefix string) ([]record.Entry, error) {
	query := `
		SELECT c.id, c.captured_at, c.window_title, c.process_name,
			c.hash_digest, c.image_path, c.status, c.created_at,
			a.backend, a.summary, a.primary_task, a.confidence,
			a.tags_json, a.files_json, a.repos_json, a.urls_json,
			a.raw_response, a.error, a.retry_count, a.last_attempt_at
		FROM captures c
		JOIN analysis a ON c.id = a.capture_id
		WHERE c.status = ?
	`
	args := []any{string(record.StatusAnalyzed)}
	if datePrefix != "" {
		query += " AND substr(c.captured_at, 1, 10) = ?"
		args = append(args, datePrefix)
	}
	query += " ORDER BY c.captured_at ASC, c.id ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []record.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// RecentEntries returns the most recent analyzed pairs, newest first.
func RecentEntries(db *sql.DB, limit int) ([]record.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT c.id, c.captured_at, c.window_title, c.process_name,
			c.hash_digest, c.image_path, c.status, c.created_at,
			a.backend, a.summary, a.primary_task, a.confidence,
			a.tags_json, a.files_json, a.repos_json, a.urls_json,
			a.raw_response, a.error, a.retry_count, a.last_attempt_at
		FROM captures c
		JOIN analysis a ON c.id = a.capture_id
		WHERE c.status = ?
		ORDER BY c.captured_at DESC, c.id DESC
		LIMIT ?
	`, string(record.StatusAnalyzed), limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []record.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCapture(s scanner) (*record.CaptureRecord, error) {
	var (
		c           record.CaptureRecord
		capturedAt  string
		windowTitle sql.NullString
		processName sql.NullString
		hashDigest  sql.NullString
		status      string
		createdAt   int64
	)
	err := s.Scan(&c.ID, &capturedAt, &windowTitle, &processName,
		&hashDigest, &c.ImagePath, &status, &createdAt)
	if err != nil {
		return nil, err
	}

	ts, err := time.Parse(timeLayout, capturedAt)
	if err != nil {
		return nil, fmt.Errorf("parse captured_at %q: %w", capturedAt, err)
	}
	c.CapturedAt = ts
	c.WindowTitle = windowTitle.String
	c.ProcessName = processName.String
	c.HashDigest = hashDigest.String
	c.Status = record.Status(status)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

func scanEntry(s scanner) (*record.Entry, error) {
	var (
		e           record.Entry
		capturedAt  string
		windowTitle sql.NullString
		processName sql.NullString
		hashDigest  sql.NullString
		status      string
		createdAt   int64
		summary     sql.NullString
		primaryTask sql.NullString
		confidence  sql.NullFloat64
		tagsJSON    sql.NullString
		filesJSON   sql.NullString
		reposJSON   sql.NullString
		urlsJSON    sql.NullString
		rawResponse sql.NullString
		errDetail   sql.NullString
		lastAttempt sql.NullString
	)
	err := s.Scan(&e.Capture.ID, &capturedAt, &windowTitle, &processName,
		&hashDigest, &e.Capture.ImagePath, &status, &createdAt,
		&e.Result.Backend, &summary, &primaryTask, &confidence,
		&tagsJSON, &filesJSON, &reposJSON, &urlsJSON,
		&rawResponse, &errDetail, &e.Result.RetryCount, &lastAttempt)
	if err != nil {
		return nil, err
	}

	ts, err := time.Parse(timeLayout, capturedAt)
	if err != nil {
		return nil, fmt.Errorf("parse captured_at %q: %w", capturedAt, err)
	}
	e.Capture.CapturedAt = ts
	e.Capture.WindowTitle = windowTitle.String
	e.Capture.ProcessName = processName.String
	e.Capture.HashDigest = hashDigest.String
	e.Capture.Status = record.Status(status)
	e.Capture.CreatedAt = time.Unix(createdAt, 0).UTC()

	e.Result.CaptureID = e.Capture.ID
	e.Result.Summary = summary.String
	e.Result.PrimaryTask = primaryTask.String
	e.Result.Confidence = confidence.Float64
	e.Result.Tags = unmarshalList(tagsJSON)
	e.Result.Files = unmarshalList(filesJSON)
	e.Result.Repositories = unmarshalList(reposJSON)
	e.Result.URLs = unmarshalList(urlsJSON)
	e.Result.RawResponse = rawResponse.String
	e.Result.ErrorDetail = errDetail.String
	if lastAttempt.Valid {
		if t, err := time.Parse(timeLayout, lastAttempt.String); err == nil {
			e.Result.LastAttemptAt = t
		}
	}
	return &e, nil
}

func marshalList(list []string) sql.NullString {
	if len(list) == 0 {
		return sql.NullString{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
