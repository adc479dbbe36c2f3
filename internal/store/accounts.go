package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"golang.org/x/oauth2"

	"kincal/internal/models"
)

// Credential returns the stored OAuth token for a user, or ErrNotFound when
// the account was never authorized.
func (s *Store) Credential(ctx context.Context, userID string) (*oauth2.Token, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM provider_credentials WHERE user_id = $1`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("decode credential for user %s: %w", userID, err)
	}
	return &token, nil
}

// SaveCredential stores or replaces a user's OAuth token.
func (s *Store) SaveCredential(ctx context.Context, userID string, token *oauth2.Token) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_credentials (user_id, token, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()`,
		userID, payload)
	return err
}

// SyncTargets lists every (user, provider calendar) pair enrolled in
// synchronization. The pull batch iterates these.
func (s *Store) SyncTargets(ctx context.Context) ([]models.SyncTarget, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, calendar_id FROM sync_accounts ORDER BY user_id, calendar_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.SyncTarget
	for rows.Next() {
		var t models.SyncTarget
		if err := rows.Scan(&t.UserID, &t.CalendarID); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// AddSyncTarget enrolls a (user, calendar) pair.
func (s *Store) AddSyncTarget(ctx context.Context, t models.SyncTarget) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_accounts (user_id, calendar_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		t.UserID, t.CalendarID)
	return err
}

// People resolves internal person ids to directory entries. The people table
// is owned by the wider product; this is read-only.
func (s *Store) People(ctx context.Context, ids []string) ([]models.Person, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(email, ''), COALESCE(sync_to_provider, FALSE)
		FROM people WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var people []models.Person
	for rows.Next() {
		var p models.Person
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.SyncToProvider); err != nil {
			return nil, err
		}
		people = append(people, p)
	}
	return people, rows.Err()
}
