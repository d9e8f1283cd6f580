package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository menyimpan audit log di PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository membuat repository audit berbasis pgx.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Insert menambahkan satu baris ke audit_logs.
func (r *PgRepository) Insert(ctx context.Context, event Event) error {
	changes, err := json.Marshal(event.Changes)
	if err != nil {
		return fmt.Errorf("audit: encode changes: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, entity_repr, changes, occurred_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, $8)`,
		event.ID, event.ActorID, string(event.Action), event.EntityType, event.EntityID, event.EntityRepr, changes, event.At)
	return err
}

// Window mengambil satu halaman timeline.
func (r *PgRepository) Window(ctx context.Context, params WindowParams) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !params.From.IsZero() {
		add("occurred_at >= $%d", params.From)
	}
	if !params.To.IsZero() {
		add("occurred_at < $%d", params.To)
	}
	if params.ActorID > 0 {
		add("actor_id = $%d", params.ActorID)
	}
	if params.EntityType != "" {
		add("entity_type = $%d", params.EntityType)
	}
	if params.EntityID != "" {
		add("entity_id = $%d", params.EntityID)
	}
	if params.Action != "" {
		add("action = $%d", params.Action)
	}
	query := `SELECT id, COALESCE(actor_id, 0), action, entity_type, entity_id, entity_repr, changes, occurred_at FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, params.Limit, params.Offset)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var (
			ev      Event
			action  string
			changes []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ActorID, &action, &ev.EntityType, &ev.EntityID, &ev.EntityRepr, &changes, &ev.At); err != nil {
			return nil, err
		}
		ev.Action = Action(action)
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &ev.Changes); err != nil {
				return nil, fmt.Errorf("audit: decode changes: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
