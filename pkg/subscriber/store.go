package subscriber

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists subscriptions in the event_subscriptions table so
// reconnect and inspection tooling can see them. The engine treats every
// store call as best-effort.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, sub *Subscription) error {
	eventTypes, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("encoding event types: %w", err)
	}
	rooms, err := json.Marshal(sub.Rooms)
	if err != nil {
		return fmt.Errorf("encoding rooms: %w", err)
	}
	filters, err := json.Marshal(sub.Filters)
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_subscriptions
			(id, socket_id, user_id, organization_id, user_role, event_types, rooms, filters, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			filters = EXCLUDED.filters,
			last_activity = EXCLUDED.last_activity
	`, sub.ID, sub.SocketID, sub.UserID, sub.OrganizationID, sub.UserRole,
		eventTypes, rooms, filters, sub.CreatedAt, sub.LastActivity)
	if err != nil {
		return fmt.Errorf("saving subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting subscription %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteBySocket(ctx context.Context, socketID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE socket_id = $1`, socketID); err != nil {
		return fmt.Errorf("deleting subscriptions for socket %s: %w", socketID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateFilters(ctx context.Context, id string, f Filters) error {
	filters, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_subscriptions SET filters = $2, last_activity = NOW() WHERE id = $1`,
		id, filters)
	if err != nil {
		return fmt.Errorf("updating filters for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}
