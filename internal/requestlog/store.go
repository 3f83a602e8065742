// Package requestlog implements the persistence half of the Billing & Log
// Emitter (C12): writing the immutable RequestLog + BillingSnapshot pair
// for every completed attempt. The dual-dialect SQLite/Postgres handling
// and `?`→`$N` bind rewriting are kept directly from the teacher's
// SQLWriter, generalized from a single flat request_logs table to the
// RequestLog+BillingSnapshot schema spec §6.4 describes.
package requestlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// Query filters a request log listing.
type Query struct {
	Limit      int
	Offset     int
	APIKeyID   string
	UpstreamID string
	Since      *time.Time
}

// ListResult is a paginated request log query response.
type ListResult struct {
	Data  []model.RequestLog
	Total int
}

// Writer persists a RequestLog and its 1:1 BillingSnapshot atomically.
// billing may be nil, e.g. for ProtocolError rejections and terminal
// dispatch errors that never reach C12.
type Writer interface {
	Write(ctx context.Context, log model.RequestLog, billing *model.BillingSnapshot) error
}

// NoopWriter discards every write; useful in tests and when persistence is
// disabled.
type NoopWriter struct{}

func (NoopWriter) Write(context.Context, model.RequestLog, *model.BillingSnapshot) error { return nil }

// Store persists RequestLog/BillingSnapshot pairs to SQLite or Postgres.
type Store struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (and migrates) a SQLite-backed Store.
func NewSQLiteStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "autorouter-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log store: %w", err)
	}
	s := &Store{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens (and migrates) a Postgres-backed Store.
func NewPostgresStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log store: %w", err)
	}
	s := &Store{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log store: %w", s.dialect, err)
	}

	requestLogsDDL := `
CREATE TABLE IF NOT EXISTS request_logs (
	id TEXT PRIMARY KEY,
	api_key_id TEXT NOT NULL,
	upstream_id TEXT,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	model TEXT,
	original_model TEXT,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cache_read_tokens INTEGER NOT NULL,
	cache_write_tokens INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	routing_duration_ms INTEGER NOT NULL,
	ttft_ms INTEGER,
	is_stream BOOLEAN NOT NULL,
	error_message TEXT,
	failover_attempts INTEGER NOT NULL,
	failover_history TEXT,
	routing_decision TEXT,
	session_id TEXT,
	affinity_hit BOOLEAN NOT NULL,
	affinity_migrated BOOLEAN NOT NULL,
	created_at TIMESTAMP NOT NULL
);`

	billingSnapshotsDDL := `
CREATE TABLE IF NOT EXISTS billing_snapshots (
	request_log_id TEXT PRIMARY KEY,
	billing_status TEXT NOT NULL,
	unbillable_reason TEXT,
	price_source TEXT,
	billed_input_tokens INTEGER NOT NULL,
	final_cost REAL,
	currency TEXT
);`

	if s.dialect == "postgres" {
		requestLogsDDL = strings.Replace(requestLogsDDL, "TIMESTAMP NOT NULL", "TIMESTAMPTZ NOT NULL", 1)
	}

	if _, err := s.db.Exec(requestLogsDDL); err != nil {
		return fmt.Errorf("initialize request_logs schema: %w", err)
	}
	if _, err := s.db.Exec(billingSnapshotsDDL); err != nil {
		return fmt.Errorf("initialize billing_snapshots schema: %w", err)
	}
	return nil
}

// Write upserts log and, if non-nil, billing keyed by log.ID.
func (s *Store) Write(ctx context.Context, log model.RequestLog, billing *model.BillingSnapshot) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	history, err := json.Marshal(log.FailoverHistory)
	if err != nil {
		return fmt.Errorf("marshal failover history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin request log tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	logQuery := s.upsertRequestLogQuery()
	if _, err := tx.ExecContext(ctx, logQuery,
		log.ID, log.APIKeyID, log.UpstreamID, log.Method, log.Path, log.Model, log.OriginalModel,
		log.PromptTokens, log.CompletionTokens, log.TotalTokens, log.CacheReadTokens, log.CacheWriteTokens,
		log.StatusCode, log.DurationMs, log.RoutingDurationMs, nullableInt64(log.TTFTMs), log.IsStream,
		log.ErrorMessage, log.FailoverAttempts, string(history), log.RoutingDecision, log.SessionID,
		log.AffinityHit, log.AffinityMigrated, log.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert request log: %w", err)
	}

	if billing != nil {
		billingQuery := s.upsertBillingSnapshotQuery()
		if _, err := tx.ExecContext(ctx, billingQuery,
			log.ID, string(billing.BillingStatus), billing.UnbillableReason, billing.PriceSource,
			billing.BilledInputTokens, nullableFloat(billing.FinalCost), billing.Currency,
		); err != nil {
			return fmt.Errorf("upsert billing snapshot: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) upsertRequestLogQuery() string {
	cols := `id, api_key_id, upstream_id, method, path, model, original_model,
		prompt_tokens, completion_tokens, total_tokens, cache_read_tokens, cache_write_tokens,
		status_code, duration_ms, routing_duration_ms, ttft_ms, is_stream,
		error_message, failover_attempts, failover_history, routing_decision, session_id,
		affinity_hit, affinity_migrated, created_at`
	placeholders := "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
	q := fmt.Sprintf("INSERT INTO request_logs(%s) VALUES(%s)", cols, placeholders)
	if s.dialect == "postgres" {
		q += " ON CONFLICT (id) DO UPDATE SET status_code = EXCLUDED.status_code, error_message = EXCLUDED.error_message"
		return bindPostgres(q)
	}
	return "INSERT OR REPLACE INTO request_logs(" + cols + ") VALUES(" + placeholders + ")"
}

func (s *Store) upsertBillingSnapshotQuery() string {
	cols := "request_log_id, billing_status, unbillable_reason, price_source, billed_input_tokens, final_cost, currency"
	placeholders := "?, ?, ?, ?, ?, ?, ?"
	if s.dialect == "postgres" {
		q := fmt.Sprintf("INSERT INTO billing_snapshots(%s) VALUES(%s) ON CONFLICT (request_log_id) DO UPDATE SET billing_status = EXCLUDED.billing_status, final_cost = EXCLUDED.final_cost", cols, placeholders)
		return bindPostgres(q)
	}
	return "INSERT OR REPLACE INTO billing_snapshots(" + cols + ") VALUES(" + placeholders + ")"
}

func nullableInt64(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullableFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// AggregateSpending implements quota.Aggregator: it re-derives an upstream's
// authoritative spend for one rule by summing final_cost across every
// billing_snapshots row whose request_logs entry is for that upstream and
// was created on or after periodStart. This is the "re-aggregate from
// persisted billing snapshots" step the Quota Tracker runs during
// reconciliation, so a crash or restart never loses track of spend that
// already hit the log store.
func (s *Store) AggregateSpending(ctx context.Context, upstreamID string, rule model.SpendingRule, periodStart time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(b.final_cost), 0)
		FROM billing_snapshots b
		JOIN request_logs r ON r.id = b.request_log_id
		WHERE r.upstream_id = ? AND r.created_at >= ? AND b.final_cost IS NOT NULL`
	if s.dialect == "postgres" {
		query = bindPostgres(query)
	}

	var total float64
	if err := s.db.QueryRowContext(ctx, query, upstreamID, periodStart.UTC()).Scan(&total); err != nil {
		return 0, fmt.Errorf("aggregate spending for upstream %s rule %s: %w", upstreamID, rule.RuleKey(), err)
	}
	return total, nil
}

// List returns paginated request logs with optional filters, newest first.
func (s *Store) List(ctx context.Context, query Query) (ListResult, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 200 {
		query.Limit = 200
	}

	where := make([]string, 0)
	args := make([]interface{}, 0)
	if query.APIKeyID != "" {
		where = append(where, "api_key_id = ?")
		args = append(args, query.APIKeyID)
	}
	if query.UpstreamID != "" {
		where = append(where, "upstream_id = ?")
		args = append(args, query.UpstreamID)
	}
	if query.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, query.Since.UTC())
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM request_logs" + whereSQL
	if s.dialect == "postgres" {
		countQuery = bindPostgres(countQuery)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count request logs: %w", err)
	}

	listQuery := `SELECT id, api_key_id, upstream_id, method, path, model, original_model,
		prompt_tokens, completion_tokens, total_tokens, cache_read_tokens, cache_write_tokens,
		status_code, duration_ms, routing_duration_ms, ttft_ms, is_stream,
		error_message, failover_attempts, failover_history, routing_decision, session_id,
		affinity_hit, affinity_migrated, created_at
		FROM request_logs` + whereSQL + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	listArgs := append(args, query.Limit, query.Offset)
	if s.dialect == "postgres" {
		listQuery = bindPostgres(listQuery)
	}

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	entries := make([]model.RequestLog, 0)
	for rows.Next() {
		var (
			e              model.RequestLog
			upstreamID     sql.NullString
			ttftMs         sql.NullInt64
			errMsg         sql.NullString
			history        sql.NullString
			routingDecision sql.NullString
			sessionID      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.APIKeyID, &upstreamID, &e.Method, &e.Path, &e.Model, &e.OriginalModel,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CacheReadTokens, &e.CacheWriteTokens,
			&e.StatusCode, &e.DurationMs, &e.RoutingDurationMs, &ttftMs, &e.IsStream,
			&errMsg, &e.FailoverAttempts, &history, &routingDecision, &sessionID,
			&e.AffinityHit, &e.AffinityMigrated, &e.CreatedAt,
		); err != nil {
			return ListResult{}, fmt.Errorf("scan request log row: %w", err)
		}
		if upstreamID.Valid {
			e.UpstreamID = upstreamID.String
		}
		if ttftMs.Valid {
			v := ttftMs.Int64
			e.TTFTMs = &v
		}
		if errMsg.Valid {
			e.ErrorMessage = errMsg.String
		}
		if history.Valid && history.String != "" {
			_ = json.Unmarshal([]byte(history.String), &e.FailoverHistory)
		}
		if routingDecision.Valid {
			e.RoutingDecision = routingDecision.String
		}
		if sessionID.Valid {
			e.SessionID = sessionID.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate request logs: %w", err)
	}

	return ListResult{Data: entries, Total: total}, nil
}

func bindPostgres(query string) string {
	var builder strings.Builder
	index := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			builder.WriteString(fmt.Sprintf("$%d", index))
			index++
			continue
		}
		builder.WriteByte(query[i])
	}
	return builder.String()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
