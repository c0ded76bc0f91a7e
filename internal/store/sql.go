package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"b2chat-sync-service/internal/config"
	"b2chat-sync-service/internal/logger"
)

const (
	rawRecordSelect = `SELECT id, entity_type, source_id, sync_run_id, payload, api_page, api_offset, fetched_at, processed_at, processing_status, processing_error, processing_attempt, claimed_by FROM raw_records`

	extractRunSelect = `SELECT sync_id, entity_type, operation, status, triggered_by, started_at, completed_at, records_fetched, total_pages, api_call_count, date_range_from, date_range_to, error_message, metadata FROM extract_runs`

	transformRunSelect = `SELECT sync_id, extract_sync_id, entity_type, status, triggered_by, started_at, completed_at, records_processed, records_created, records_updated, records_skipped, records_failed, validation_warnings, error_message FROM transform_runs`

	contactSelect = `SELECT id, b2chat_id, full_name, mobile, email, identification, address, city, country, company, tags, attributes, needs_full_sync, sync_run_id, source_created_at, source_updated_at, created_at, updated_at FROM contacts`

	agentSelect = `SELECT id, username, full_name, email, sync_run_id, created_at, updated_at FROM agents`

	chatSelect = `SELECT id, b2chat_id, code, status, channel, priority, department, contact_id, agent_id, opened_at, picked_up_at, first_response_at, closed_at, closed_by, message_count, sync_run_id, time_to_pickup, time_to_first_response, avg_response_time, time_to_resolution, business_time_to_pickup, business_time_to_first_response, business_avg_response_time, business_time_to_resolution, pickup_sla, first_response_sla, avg_response_sla, resolution_sla, overall_sla, business_pickup_sla, business_first_response_sla, business_avg_response_sla, business_resolution_sla, business_overall_sla, created_at, updated_at FROM chats`

	messageSelect = `SELECT id, chat_id, direction, type, text, sender, ordinal, sent_at FROM chat_messages`
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SQLStore implements Store over database/sql with a mysql or sqlite
// backend.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the configured database, waits for it to accept
// connections, and applies the schema.
func Open(cfg config.DatabaseConfig) (*SQLStore, error) {
	d, err := newDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName(), d.dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d.name(), err)
	}

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for database...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s after retries: %w", d.name(), err)
	}

	if d.name() == "sqlite" {
		// One writer at a time keeps sqlite happy under concurrent runs.
		db.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		maxIdle := cfg.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = 5
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Log.Info("Connected to database", zap.String("driver", d.name()))
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// execTx executes fn within a transaction.
func (s *SQLStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- raw staging ----

// InsertRawRecords stages a page of records. Ids are content-derived, so
// re-staging after a retried page is a no-op; the return value counts only
// newly written rows.
func (s *SQLStore) InsertRawRecords(ctx context.Context, records []*RawRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.insertRawRecord())
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			res, err := stmt.ExecContext(ctx,
				r.ID,
				r.EntityType,
				r.SourceID,
				r.SyncRunID,
				[]byte(r.Payload),
				r.APIPage,
				r.APIOffset,
				r.FetchedAt,
				r.ProcessedAt,
				r.ProcessingStatus,
				r.ProcessingError,
				r.ProcessingAttempt,
				r.ClaimedBy,
			)
			if err != nil {
				return fmt.Errorf("failed to stage raw record %s: %w", r.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 1 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimPendingRawRecords moves up to BatchSize eligible records to
// processing under ClaimedBy. Eligible means pending, or failed below the
// retry ceiling by a different run. The conditional UPDATE makes concurrent
// claimers skip rows another run already took.
func (s *SQLStore) ClaimPendingRawRecords(ctx context.Context, opts ClaimOptions) ([]*RawRecord, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	err := s.execTx(ctx, func(tx *sql.Tx) error {
		// Failed rows keep claimed_by, so excluding the requesting claimer
		// stops a run from re-claiming records it just failed: each record
		// transitions at most once per run, and the remaining retry budget
		// is left for later runs.
		query := `SELECT id FROM raw_records
			WHERE entity_type = ?
			  AND (processing_status = ?
			       OR (processing_status = ? AND processing_attempt < ?
			           AND (claimed_by IS NULL OR claimed_by <> ?)))`
		args := []any{opts.EntityType, RawStatusPending, RawStatusFailed, opts.MaxAttempts, opts.ClaimedBy}
		if opts.ExtractSyncID != "" {
			query += ` AND sync_run_id = ?`
			args = append(args, opts.ExtractSyncID)
		}
		query += ` ORDER BY fetched_at, id LIMIT ?`
		args = append(args, opts.BatchSize)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		update := `UPDATE raw_records SET processing_status = ?, claimed_by = ?
			WHERE processing_status IN (?, ?) AND id IN (` + placeholders(len(ids)) + `)`
		uargs := []any{RawStatusProcessing, opts.ClaimedBy, RawStatusPending, RawStatusFailed}
		for _, id := range ids {
			uargs = append(uargs, id)
		}
		_, err = tx.ExecContext(ctx, update, uargs...)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Also picks up rows this run claimed earlier but never finished
	// (recovery after a crash mid-batch).
	query := rawRecordSelect + ` WHERE claimed_by = ? AND processing_status = ? ORDER BY fetched_at, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, opts.ClaimedBy, RawStatusProcessing, opts.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*RawRecord
	for rows.Next() {
		r, err := scanRawRecord(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, r)
	}
	return claimed, rows.Err()
}

func (s *SQLStore) MarkRawRecordCompleted(ctx context.Context, id string, processedAt time.Time) error {
	query := `UPDATE raw_records SET processing_status = ?, processed_at = ?, processing_error = NULL WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, RawStatusCompleted, processedAt, id)
	return err
}

func (s *SQLStore) MarkRawRecordFailed(ctx context.Context, id string, procErr string, processedAt time.Time) error {
	query := `UPDATE raw_records SET processing_status = ?, processing_error = ?, processing_attempt = processing_attempt + 1, processed_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, RawStatusFailed, procErr, processedAt, id)
	return err
}

// ReleaseClaimedRawRecords returns a run's still-processing claims to
// pending, used when a run is cancelled between batches.
func (s *SQLStore) ReleaseClaimedRawRecords(ctx context.Context, claimedBy string) (int, error) {
	query := `UPDATE raw_records SET processing_status = ?, claimed_by = NULL WHERE claimed_by = ? AND processing_status = ?`
	res, err := s.db.ExecContext(ctx, query, RawStatusPending, claimedBy, RawStatusProcessing)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ResetProcessingRawRecords returns every processing row to pending,
// whatever run claimed it. Run ids are never reused, so after a restart any
// processing row is an orphan of a run that no longer exists.
func (s *SQLStore) ResetProcessingRawRecords(ctx context.Context) (int, error) {
	query := `UPDATE raw_records SET processing_status = ?, claimed_by = NULL WHERE processing_status = ?`
	res, err := s.db.ExecContext(ctx, query, RawStatusPending, RawStatusProcessing)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountPendingRawRecords counts pending staging rows per entity type,
// restricted to records whose extract run completed. Records of running,
// failed or cancelled extracts are excluded so the number reflects work
// that is actually ready.
func (s *SQLStore) CountPendingRawRecords(ctx context.Context) ([]PendingCount, error) {
	query := `SELECT r.entity_type, COUNT(*)
		FROM raw_records r
		JOIN extract_runs e ON e.sync_id = r.sync_run_id
		WHERE r.processing_status = ? AND e.status = ?
		GROUP BY r.entity_type
		ORDER BY r.entity_type`
	rows, err := s.db.QueryContext(ctx, query, RawStatusPending, RunStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []PendingCount
	for rows.Next() {
		var c PendingCount
		if err := rows.Scan(&c.EntityType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *SQLStore) GetRawRecord(ctx context.Context, id string) (*RawRecord, error) {
	row := s.db.QueryRowContext(ctx, rawRecordSelect+` WHERE id = ?`, id)
	r, err := scanRawRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRawRecord(row rowScanner) (*RawRecord, error) {
	var r RawRecord
	err := row.Scan(
		&r.ID,
		&r.EntityType,
		&r.SourceID,
		&r.SyncRunID,
		&r.Payload,
		&r.APIPage,
		&r.APIOffset,
		&r.FetchedAt,
		&r.ProcessedAt,
		&r.ProcessingStatus,
		&r.ProcessingError,
		&r.ProcessingAttempt,
		&r.ClaimedBy,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ---- extract runs ----

func (s *SQLStore) CreateExtractRun(ctx context.Context, run *ExtractRun) error {
	query := `INSERT INTO extract_runs (sync_id, entity_type, operation, status, triggered_by, started_at, completed_at, records_fetched, total_pages, api_call_count, date_range_from, date_range_to, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.SyncID,
		run.EntityType,
		run.Operation,
		run.Status,
		run.TriggeredBy,
		run.StartedAt,
		run.CompletedAt,
		run.RecordsFetched,
		run.TotalPages,
		run.APICallCount,
		run.DateRangeFrom,
		run.DateRangeTo,
		run.ErrorMessage,
		[]byte(run.Metadata),
	)
	return err
}

func (s *SQLStore) UpdateExtractRun(ctx context.Context, run *ExtractRun) error {
	query := `UPDATE extract_runs SET status = ?, completed_at = ?, records_fetched = ?, total_pages = ?, api_call_count = ?, date_range_from = ?, date_range_to = ?, error_message = ?, metadata = ? WHERE sync_id = ?`
	_, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.CompletedAt,
		run.RecordsFetched,
		run.TotalPages,
		run.APICallCount,
		run.DateRangeFrom,
		run.DateRangeTo,
		run.ErrorMessage,
		[]byte(run.Metadata),
		run.SyncID,
	)
	return err
}

func (s *SQLStore) GetExtractRun(ctx context.Context, syncID string) (*ExtractRun, error) {
	row := s.db.QueryRowContext(ctx, extractRunSelect+` WHERE sync_id = ?`, syncID)
	run, err := scanExtractRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) ListExtractRuns(ctx context.Context, entityType string, limit int) ([]*ExtractRun, error) {
	query := extractRunSelect
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY started_at DESC, sync_id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	return s.queryExtractRuns(ctx, query, args...)
}

func (s *SQLStore) ListExtractRunsSince(ctx context.Context, since time.Time) ([]*ExtractRun, error) {
	query := extractRunSelect + ` WHERE started_at >= ? ORDER BY started_at`
	return s.queryExtractRuns(ctx, query, since)
}

// LastCompletedExtract is the watermark source for incremental extracts.
func (s *SQLStore) LastCompletedExtract(ctx context.Context, entityType string) (*ExtractRun, error) {
	query := extractRunSelect + ` WHERE entity_type = ? AND status = ? ORDER BY started_at DESC, sync_id DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, entityType, RunStatusCompleted)
	run, err := scanExtractRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) queryExtractRuns(ctx context.Context, query string, args ...any) ([]*ExtractRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ExtractRun
	for rows.Next() {
		run, err := scanExtractRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanExtractRun(row rowScanner) (*ExtractRun, error) {
	var run ExtractRun
	var metadata sql.NullString
	err := row.Scan(
		&run.SyncID,
		&run.EntityType,
		&run.Operation,
		&run.Status,
		&run.TriggeredBy,
		&run.StartedAt,
		&run.CompletedAt,
		&run.RecordsFetched,
		&run.TotalPages,
		&run.APICallCount,
		&run.DateRangeFrom,
		&run.DateRangeTo,
		&run.ErrorMessage,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		run.Metadata = json.RawMessage(metadata.String)
	}
	return &run, nil
}

// ---- transform runs ----

func (s *SQLStore) CreateTransformRun(ctx context.Context, run *TransformRun) error {
	query := `INSERT INTO transform_runs (sync_id, extract_sync_id, entity_type, status, triggered_by, started_at, completed_at, records_processed, records_created, records_updated, records_skipped, records_failed, validation_warnings, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.SyncID,
		run.ExtractSyncID,
		run.EntityType,
		run.Status,
		run.TriggeredBy,
		run.StartedAt,
		run.CompletedAt,
		run.RecordsProcessed,
		run.RecordsCreated,
		run.RecordsUpdated,
		run.RecordsSkipped,
		run.RecordsFailed,
		run.ValidationWarnings,
		run.ErrorMessage,
	)
	return err
}

func (s *SQLStore) UpdateTransformRun(ctx context.Context, run *TransformRun) error {
	query := `UPDATE transform_runs SET status = ?, completed_at = ?, records_processed = ?, records_created = ?, records_updated = ?, records_skipped = ?, records_failed = ?, validation_warnings = ?, error_message = ? WHERE sync_id = ?`
	_, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.CompletedAt,
		run.RecordsProcessed,
		run.RecordsCreated,
		run.RecordsUpdated,
		run.RecordsSkipped,
		run.RecordsFailed,
		run.ValidationWarnings,
		run.ErrorMessage,
		run.SyncID,
	)
	return err
}

func (s *SQLStore) GetTransformRun(ctx context.Context, syncID string) (*TransformRun, error) {
	row := s.db.QueryRowContext(ctx, transformRunSelect+` WHERE sync_id = ?`, syncID)
	run, err := scanTransformRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) ListTransformRuns(ctx context.Context, extractSyncID, entityType string, limit int) ([]*TransformRun, error) {
	query := transformRunSelect
	var conds []string
	var args []any
	if extractSyncID != "" {
		conds = append(conds, `extract_sync_id = ?`)
		args = append(args, extractSyncID)
	}
	if entityType != "" {
		conds = append(conds, `entity_type = ?`)
		args = append(args, entityType)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY started_at DESC, sync_id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	return s.queryTransformRuns(ctx, query, args...)
}

func (s *SQLStore) ListTransformRunsSince(ctx context.Context, since time.Time) ([]*TransformRun, error) {
	query := transformRunSelect + ` WHERE started_at >= ? ORDER BY started_at`
	return s.queryTransformRuns(ctx, query, since)
}

func (s *SQLStore) queryTransformRuns(ctx context.Context, query string, args ...any) ([]*TransformRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TransformRun
	for rows.Next() {
		run, err := scanTransformRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanTransformRun(row rowScanner) (*TransformRun, error) {
	var run TransformRun
	err := row.Scan(
		&run.SyncID,
		&run.ExtractSyncID,
		&run.EntityType,
		&run.Status,
		&run.TriggeredBy,
		&run.StartedAt,
		&run.CompletedAt,
		&run.RecordsProcessed,
		&run.RecordsCreated,
		&run.RecordsUpdated,
		&run.RecordsSkipped,
		&run.RecordsFailed,
		&run.ValidationWarnings,
		&run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ---- canonical entities ----

// UpsertContact writes the full contact and clears needs_full_sync. The
// existence check and the upsert share one transaction so the created flag
// matches what the write did; the write itself stays a single upsert
// statement keyed on b2chat_id.
func (s *SQLStore) UpsertContact(ctx context.Context, c *Contact) (bool, error) {
	c.NeedsFullSync = false
	s.fillContactDefaults(c)

	created := false
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM contacts WHERE b2chat_id = ?`, c.B2ChatID).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			created = true
		case err != nil:
			return err
		default:
			c.ID = existingID
		}

		_, err = tx.ExecContext(ctx, s.dialect.upsertContact(), s.contactArgs(c)...)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert contact %s: %w", c.B2ChatID, err)
	}
	return created, nil
}

// InsertContactStub creates a needs-full-sync placeholder from a chat's
// contact reference. Insert-only: it can never downgrade a contact that a
// full transform already wrote, regardless of processing order.
func (s *SQLStore) InsertContactStub(ctx context.Context, c *Contact) (bool, error) {
	c.NeedsFullSync = true
	s.fillContactDefaults(c)

	res, err := s.db.ExecContext(ctx, s.dialect.insertContactStub(), s.contactArgs(c)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert contact stub %s: %w", c.B2ChatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) fillContactDefaults(c *Contact) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

func (s *SQLStore) contactArgs(c *Contact) []any {
	return []any{
		c.ID,
		c.B2ChatID,
		c.FullName,
		c.Mobile,
		c.Email,
		c.Identification,
		c.Address,
		c.City,
		c.Country,
		c.Company,
		c.Tags,
		[]byte(c.Attributes),
		c.NeedsFullSync,
		c.SyncRunID,
		c.SourceCreatedAt,
		c.SourceUpdatedAt,
		c.CreatedAt,
		c.UpdatedAt,
	}
}

func (s *SQLStore) GetContactByB2ChatID(ctx context.Context, b2chatID string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, contactSelect+` WHERE b2chat_id = ?`, b2chatID)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var attributes sql.NullString
	err := row.Scan(
		&c.ID,
		&c.B2ChatID,
		&c.FullName,
		&c.Mobile,
		&c.Email,
		&c.Identification,
		&c.Address,
		&c.City,
		&c.Country,
		&c.Company,
		&c.Tags,
		&attributes,
		&c.NeedsFullSync,
		&c.SyncRunID,
		&c.SourceCreatedAt,
		&c.SourceUpdatedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if attributes.Valid {
		c.Attributes = json.RawMessage(attributes.String)
	}
	return &c, nil
}

// UpsertAgent fills name and email only when the incoming values are
// non-empty, so a sparse chat reference cannot blank out fields a richer
// one already set.
func (s *SQLStore) UpsertAgent(ctx context.Context, a *Agent) (bool, error) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	created := false
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM agents WHERE username = ?`, a.Username).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			created = true
		case err != nil:
			return err
		default:
			a.ID = existingID
		}

		_, err = tx.ExecContext(ctx, s.dialect.upsertAgent(),
			a.ID,
			a.Username,
			a.FullName,
			a.Email,
			a.SyncRunID,
			a.CreatedAt,
			a.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert agent %s: %w", a.Username, err)
	}
	return created, nil
}

func (s *SQLStore) GetAgentByUsername(ctx context.Context, username string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, agentSelect+` WHERE username = ?`, username)
	var a Agent
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.FullName,
		&a.Email,
		&a.SyncRunID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) UpsertChat(ctx context.Context, ch *Chat) (bool, error) {
	now := time.Now().UTC()
	if ch.ID == "" {
		ch.ID = NewID()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now

	created := false
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM chats WHERE b2chat_id = ?`, ch.B2ChatID).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			created = true
		case err != nil:
			return err
		default:
			ch.ID = existingID
		}

		_, err = tx.ExecContext(ctx, s.dialect.upsertChat(),
			ch.ID,
			ch.B2ChatID,
			ch.Code,
			ch.Status,
			ch.Channel,
			ch.Priority,
			ch.Department,
			ch.ContactID,
			ch.AgentID,
			ch.OpenedAt,
			ch.PickedUpAt,
			ch.FirstResponseAt,
			ch.ClosedAt,
			ch.ClosedBy,
			ch.MessageCount,
			ch.SyncRunID,
			ch.SLA.TimeToPickup,
			ch.SLA.TimeToFirstResponse,
			ch.SLA.AvgResponseTime,
			ch.SLA.TimeToResolution,
			ch.SLA.BusinessTimeToPickup,
			ch.SLA.BusinessTimeToFirstResponse,
			ch.SLA.BusinessAvgResponseTime,
			ch.SLA.BusinessTimeToResolution,
			ch.SLA.PickupSLA,
			ch.SLA.FirstResponseSLA,
			ch.SLA.AvgResponseSLA,
			ch.SLA.ResolutionSLA,
			ch.SLA.OverallSLA,
			ch.SLA.BusinessPickupSLA,
			ch.SLA.BusinessFirstResponseSLA,
			ch.SLA.BusinessAvgResponseSLA,
			ch.SLA.BusinessResolutionSLA,
			ch.SLA.BusinessOverallSLA,
			ch.CreatedAt,
			ch.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert chat %s: %w", ch.B2ChatID, err)
	}
	return created, nil
}

func (s *SQLStore) GetChatByB2ChatID(ctx context.Context, b2chatID string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, chatSelect+` WHERE b2chat_id = ?`, b2chatID)
	ch, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func scanChat(row rowScanner) (*Chat, error) {
	var ch Chat
	err := row.Scan(
		&ch.ID,
		&ch.B2ChatID,
		&ch.Code,
		&ch.Status,
		&ch.Channel,
		&ch.Priority,
		&ch.Department,
		&ch.ContactID,
		&ch.AgentID,
		&ch.OpenedAt,
		&ch.PickedUpAt,
		&ch.FirstResponseAt,
		&ch.ClosedAt,
		&ch.ClosedBy,
		&ch.MessageCount,
		&ch.SyncRunID,
		&ch.SLA.TimeToPickup,
		&ch.SLA.TimeToFirstResponse,
		&ch.SLA.AvgResponseTime,
		&ch.SLA.TimeToResolution,
		&ch.SLA.BusinessTimeToPickup,
		&ch.SLA.BusinessTimeToFirstResponse,
		&ch.SLA.BusinessAvgResponseTime,
		&ch.SLA.BusinessTimeToResolution,
		&ch.SLA.PickupSLA,
		&ch.SLA.FirstResponseSLA,
		&ch.SLA.AvgResponseSLA,
		&ch.SLA.ResolutionSLA,
		&ch.SLA.OverallSLA,
		&ch.SLA.BusinessPickupSLA,
		&ch.SLA.BusinessFirstResponseSLA,
		&ch.SLA.BusinessAvgResponseSLA,
		&ch.SLA.BusinessResolutionSLA,
		&ch.SLA.BusinessOverallSLA,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// InsertMessages writes a chat's messages, ignoring ids that already exist.
// Message ids are content-derived digests, so re-transforms converge to the
// same rows. Returns the number of newly inserted messages.
func (s *SQLStore) InsertMessages(ctx context.Context, msgs []*Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.insertMessage())
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range msgs {
			res, err := stmt.ExecContext(ctx,
				m.ID,
				m.ChatID,
				m.Direction,
				m.Type,
				m.Text,
				m.Sender,
				m.Ordinal,
				m.SentAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 1 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *SQLStore) ListChatMessages(ctx context.Context, chatID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+` WHERE chat_id = ? ORDER BY ordinal, id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		err := rows.Scan(
			&m.ID,
			&m.ChatID,
			&m.Direction,
			&m.Type,
			&m.Text,
			&m.Sender,
			&m.Ordinal,
			&m.SentAt,
		)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
