// Package store is the typed Postgres adapter for the internal event table,
// sync cursors and the sync log. It also installs the row-change triggers that
// feed the realtime dispatcher through LISTEN/NOTIFY.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"kincal/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	// ChangeChannel carries row-level change payloads (models.Change JSON).
	ChangeChannel = "kincal_changes"
	// RefreshChannel carries cross-process refresh markers: a bare timestamp,
	// no payload data, so observers re-fetch instead of trusting stale state.
	RefreshChannel = "kincal_refresh"

	operationTimeout = 5 * time.Second
)

// Store is the Postgres-backed event store adapter.
type Store struct {
	dsn    string
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// Open prepares a store for the given DSN. The connection and schema are
// initialized lazily on first use.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	return &Store{dsn: dsn, logger: logger}, nil
}

// DSN exposes the connection string for auxiliary listeners.
func (s *Store) DSN() string { return s.dsn }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		initCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()
		if err := db.PingContext(initCtx); err != nil {
			s.initErr = fmt.Errorf("ping postgres: %w", err)
			_ = db.Close()
			return
		}
		if _, err := db.ExecContext(initCtx, schema); err != nil {
			s.initErr = fmt.Errorf("initialize schema: %w", err)
			_ = db.Close()
			return
		}
		s.db = db
	})
	return s.initErr
}

const schema = `
CREATE TABLE IF NOT EXISTS calendar_events (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	title                TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	location             TEXT NOT NULL DEFAULT '',
	start_at             TEXT NOT NULL,
	end_at               TEXT NOT NULL,
	all_day              BOOLEAN NOT NULL DEFAULT FALSE,
	timezone             TEXT NOT NULL DEFAULT '',
	category             TEXT NOT NULL DEFAULT '',
	source               TEXT NOT NULL DEFAULT '',
	source_reference     TEXT NOT NULL DEFAULT '',
	metadata             JSONB NOT NULL DEFAULT '{}',
	attendees            TEXT[] NOT NULL DEFAULT '{}',
	provider_calendar_id TEXT NOT NULL DEFAULT '',
	provider_event_id    TEXT NOT NULL DEFAULT '',
	provider_etag        TEXT NOT NULL DEFAULT '',
	sync_enabled         BOOLEAN NOT NULL DEFAULT FALSE,
	last_synced_at       TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS calendar_events_provider_idx
	ON calendar_events (user_id, provider_calendar_id, provider_event_id);

CREATE TABLE IF NOT EXISTS sync_cursors (
	user_id     TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	token       TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS sync_log (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	event_id    TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS provider_credentials (
	user_id    TEXT PRIMARY KEY,
	token      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sync_accounts (
	user_id     TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	PRIMARY KEY (user_id, calendar_id)
);

CREATE OR REPLACE FUNCTION kincal_notify_row_change() RETURNS trigger AS $$
DECLARE
	rec RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
		'table', TG_TABLE_NAME,
		'op', TG_OP,
		'row_id', rec.id,
		'source', COALESCE(rec.source, ''),
		'category', COALESCE(rec.category, '')
	)::text);
	RETURN rec;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS calendar_events_notify ON calendar_events;
CREATE TRIGGER calendar_events_notify
	AFTER INSERT OR UPDATE OR DELETE ON calendar_events
	FOR EACH ROW EXECUTE FUNCTION kincal_notify_row_change();
`

const eventColumns = `id, user_id, title, description, location, start_at, end_at, all_day,
	timezone, category, source, source_reference, metadata, attendees,
	provider_calendar_id, provider_event_id, provider_etag, sync_enabled,
	COALESCE(last_synced_at, 'epoch'::timestamptz), created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*models.CalendarEvent, error) {
	var e models.CalendarEvent
	var metadata []byte
	var attendees pq.StringArray
	err := row.Scan(
		&e.ID, &e.UserID, &e.Title, &e.Description, &e.Location, &e.Start, &e.End, &e.AllDay,
		&e.Timezone, &e.Category, &e.Source, &e.SourceReference, &metadata, &attendees,
		&e.ProviderCalendarID, &e.ProviderEventID, &e.ProviderEtag, &e.SyncEnabled,
		&e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode event %s metadata: %w", e.ID, err)
	}
	e.Attendees = []string(attendees)
	return &e, nil
}

// GetEvent fetches one event by internal id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.CalendarEvent, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE id = $1`, id)
	return scanEvent(row)
}

// GetEventByProvider fetches the local counterpart of a provider event.
func (s *Store) GetEventByProvider(ctx context.Context, userID, calendarID, providerEventID string) (*models.CalendarEvent, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM calendar_events
		 WHERE user_id = $1 AND provider_calendar_id = $2 AND provider_event_id = $3`,
		userID, calendarID, providerEventID)
	return scanEvent(row)
}

// ListEvents returns all of a user's events ordered by start.
func (s *Store) ListEvents(ctx context.Context, userID string) ([]*models.CalendarEvent, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE user_id = $1 ORDER BY start_at, id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertEvent stores a new event.
func (s *Store) InsertEvent(ctx context.Context, e *models.CalendarEvent) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_events (
			id, user_id, title, description, location, start_at, end_at, all_day,
			timezone, category, source, source_reference, metadata, attendees,
			provider_calendar_id, provider_event_id, provider_etag, sync_enabled, last_synced_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NULLIF($19, 'epoch'::timestamptz))`,
		e.ID, e.UserID, e.Title, e.Description, e.Location, e.Start, e.End, e.AllDay,
		e.Timezone, e.Category, e.Source, e.SourceReference, metadata, pq.Array(e.Attendees),
		e.ProviderCalendarID, e.ProviderEventID, e.ProviderEtag, e.SyncEnabled, e.LastSyncedAt.UTC(),
	)
	return err
}

// UpdateEvent overwrites all mutable columns of an existing event.
func (s *Store) UpdateEvent(ctx context.Context, e *models.CalendarEvent) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_events SET
			title = $2, description = $3, location = $4, start_at = $5, end_at = $6,
			all_day = $7, timezone = $8, category = $9, source = $10, source_reference = $11,
			metadata = $12, attendees = $13, provider_calendar_id = $14,
			provider_event_id = $15, provider_etag = $16, sync_enabled = $17,
			last_synced_at = NULLIF($18, 'epoch'::timestamptz), updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.Title, e.Description, e.Location, e.Start, e.End,
		e.AllDay, e.Timezone, e.Category, e.Source, e.SourceReference,
		metadata, pq.Array(e.Attendees), e.ProviderCalendarID,
		e.ProviderEventID, e.ProviderEtag, e.SyncEnabled, e.LastSyncedAt.UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteEvent removes an event by internal id.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSyncState records a confirmed push: provider id, change fingerprint
// and sync timestamp move together.
func (s *Store) UpdateSyncState(ctx context.Context, id, providerEventID, etag string, syncedAt time.Time) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_events SET
			provider_event_id = $2, provider_etag = $3, sync_enabled = TRUE,
			last_synced_at = $4, updated_at = NOW()
		WHERE id = $1`,
		id, providerEventID, etag, syncedAt.UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ClearProviderLink forgets the remote counterpart of an event. The next push
// recreates it; the local record stays.
func (s *Store) ClearProviderLink(ctx context.Context, id string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_events SET provider_event_id = '', provider_etag = '', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateMetadata replaces just the metadata bag, used by side paths (invite
// sequence numbers, DST flags) that must not clobber concurrent edits to the
// rest of the row.
func (s *Store) UpdateMetadata(ctx context.Context, id string, m models.Metadata) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	metadata, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET metadata = $2, updated_at = NOW() WHERE id = $1`,
		id, metadata)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
