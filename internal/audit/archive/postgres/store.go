// Package postgres is the compliance archive: the durable stream
// materialized into an append-only Postgres table for replay and
// verification outside the fast store's retention window.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	audit "knowton/pkg/platform/audit"
)

// Store reads and appends archived events. Rows are never updated.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const columns = `id, ts, event_type, severity, status,
	user_id, wallet_address, ip_address, user_agent,
	resource_type, resource_id, action, description, metadata,
	request_id, session_id, transaction_hash, block_number, gas_used,
	data_classification, retention_period, hash, previous_hash`

// Append inserts e. Re-delivered events are ignored.
func (s *Store) Append(ctx context.Context, e audit.Event, fastStoreFailed bool) error {
	var metadata any
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	query := `
		INSERT INTO audit_events (` + columns + `, fast_store_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Timestamp.UTC(),
		string(e.EventType),
		string(e.Severity),
		string(e.Status),
		e.Actor.UserID,
		e.Actor.WalletAddress,
		e.Actor.IPAddress,
		e.Actor.UserAgent,
		e.Resource.Type,
		e.Resource.ID,
		e.Action,
		e.Description,
		metadata,
		e.RequestID,
		e.SessionID,
		e.Chain.TransactionHash,
		nullUint(e.Chain.BlockNumber),
		nullUint(e.Chain.GasUsed),
		e.DataClassification,
		e.RetentionPeriod,
		e.Hash,
		e.PreviousHash,
		fastStoreFailed,
	)
	if err != nil {
		return fmt.Errorf("insert archived event %s: %w", e.ID, err)
	}
	return nil
}

// Missing returns the subset of ids that are not archived, in input order.
func (s *Store) Missing(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM audit_events WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query archived ids: %w", err)
	}
	defer rows.Close()

	present := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archived id: %w", err)
		}
		present[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived ids: %w", err)
	}

	var missing []string
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Range returns archived events in [from, to] ordered by id (chain order).
// Zero bounds are open. types, when non-empty, restricts event types.
func (s *Store) Range(ctx context.Context, from, to time.Time, types ...audit.EventType) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if !from.IsZero() {
		args = append(args, from.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		args = append(args, pq.Array(names))
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}

	query := `SELECT ` + columns + ` FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archived events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived events: %w", err)
	}
	return events, nil
}

// Latest returns the newest archived event by id.
func (s *Store) Latest(ctx context.Context) (audit.Event, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM audit_events ORDER BY id DESC LIMIT 1`)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, false, nil
	}
	if err != nil {
		return audit.Event{}, false, err
	}
	return e, true, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (audit.Event, error) {
	var (
		e           audit.Event
		eventType   string
		severity    string
		status      string
		metadata    []byte
		blockNumber sql.NullInt64
		gasUsed     sql.NullInt64
	)
	err := row.Scan(
		&e.ID,
		&e.Timestamp,
		&eventType,
		&severity,
		&status,
		&e.Actor.UserID,
		&e.Actor.WalletAddress,
		&e.Actor.IPAddress,
		&e.Actor.UserAgent,
		&e.Resource.Type,
		&e.Resource.ID,
		&e.Action,
		&e.Description,
		&metadata,
		&e.RequestID,
		&e.SessionID,
		&e.Chain.TransactionHash,
		&blockNumber,
		&gasUsed,
		&e.DataClassification,
		&e.RetentionPeriod,
		&e.Hash,
		&e.PreviousHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, err
	}
	if err != nil {
		return audit.Event{}, fmt.Errorf("scan archived event: %w", err)
	}

	e.Timestamp = e.Timestamp.UTC()
	e.EventType = audit.EventType(eventType)
	e.Severity = audit.Severity(severity)
	e.Status = audit.Status(status)
	e.Chain.BlockNumber = uintPtr(blockNumber)
	e.Chain.GasUsed = uintPtr(gasUsed)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return audit.Event{}, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func uintPtr(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}
