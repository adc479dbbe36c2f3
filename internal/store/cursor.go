package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kincal/internal/models"
)

// Cursor returns the stored sync cursor for a (user, calendar) pair, or nil
// when none exists and the next pull should backfill.
func (s *Store) Cursor(ctx context.Context, userID, calendarID string) (*models.SyncCursor, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	var c models.SyncCursor
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, calendar_id, token, updated_at FROM sync_cursors
		 WHERE user_id = $1 AND calendar_id = $2`,
		userID, calendarID).Scan(&c.UserID, &c.CalendarID, &c.Token, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCursor stores the cursor returned by the final page of a pull.
func (s *Store) UpsertCursor(ctx context.Context, c *models.SyncCursor) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, calendar_id, token, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, calendar_id)
		DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()`,
		c.UserID, c.CalendarID, c.Token)
	return err
}

// DeleteCursor forgets the cursor, forcing the next pull into backfill mode.
func (s *Store) DeleteCursor(ctx context.Context, userID, calendarID string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_cursors WHERE user_id = $1 AND calendar_id = $2`,
		userID, calendarID)
	return err
}

// AppendSyncLog records one sync action.
func (s *Store) AppendSyncLog(ctx context.Context, entry models.SyncLogEntry) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (user_id, calendar_id, event_id, action, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.UserID, entry.CalendarID, entry.EventID, entry.Action, entry.Detail)
	return err
}

// PurgeSyncLog deletes entries older than the retention window and reports how
// many rows went away.
func (s *Store) PurgeSyncLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_log WHERE created_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BroadcastRefresh publishes a cross-process "something changed" marker. The
// payload is only a timestamp; observers re-fetch their own state.
func (s *Store) BroadcastRefresh(ctx context.Context) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`,
		RefreshChannel, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
