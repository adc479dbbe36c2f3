// Package pull keeps the local event store consistent with the provider by
// fetching incremental deltas per (user, calendar) with a persisted sync
// cursor, falling back to a bounded historical backfill when no cursor exists
// or the provider declares it expired.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"kincal/internal/clock"
	"kincal/internal/google"
	"kincal/internal/models"
	"kincal/internal/store"
)

// Provider is the listing slice of the provider API, satisfied by
// *google.CalendarClient.
type Provider interface {
	ListPage(ctx context.Context, calendarID string, q google.PageQuery) (*calendar.Events, error)
}

// Store is the event-store surface the controller consumes.
type Store interface {
	SyncTargets(ctx context.Context) ([]models.SyncTarget, error)
	Credential(ctx context.Context, userID string) (*oauth2.Token, error)

	Cursor(ctx context.Context, userID, calendarID string) (*models.SyncCursor, error)
	UpsertCursor(ctx context.Context, c *models.SyncCursor) error
	DeleteCursor(ctx context.Context, userID, calendarID string) error

	GetEventByProvider(ctx context.Context, userID, calendarID, providerEventID string) (*models.CalendarEvent, error)
	InsertEvent(ctx context.Context, e *models.CalendarEvent) error
	UpdateEvent(ctx context.Context, e *models.CalendarEvent) error
	DeleteEvent(ctx context.Context, id string) error

	AppendSyncLog(ctx context.Context, entry models.SyncLogEntry) error
	PurgeSyncLog(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ProviderFactory builds a provider client for one user's stored credential.
type ProviderFactory func(ctx context.Context, token *oauth2.Token) (Provider, error)

// Config tunes the controller.
type Config struct {
	// Backfill window used when no cursor exists.
	BackfillPast   time.Duration
	BackfillFuture time.Duration
	// LogRetention bounds the sync log; older entries are purged after each
	// batch.
	LogRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		BackfillPast:   30 * 24 * time.Hour,
		BackfillFuture: 365 * 24 * time.Hour,
		LogRetention:   7 * 24 * time.Hour,
	}
}

// Controller runs pull batches.
type Controller struct {
	logger      *slog.Logger
	store       Store
	providerFor ProviderFactory
	cfg         Config
	now         func() time.Time
}

func NewController(logger *slog.Logger, st Store, providerFor ProviderFactory, cfg Config) *Controller {
	if cfg.BackfillPast <= 0 {
		cfg.BackfillPast = DefaultConfig().BackfillPast
	}
	if cfg.BackfillFuture <= 0 {
		cfg.BackfillFuture = DefaultConfig().BackfillFuture
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = DefaultConfig().LogRetention
	}
	return &Controller{logger: logger, store: st, providerFor: providerFor, cfg: cfg, now: time.Now}
}

// RunBatch pulls every enrolled (user, calendar) pair. One calendar's failure
// never aborts the rest; accounts without a usable credential are skipped.
func (c *Controller) RunBatch(ctx context.Context) error {
	targets, err := c.store.SyncTargets(ctx)
	if err != nil {
		return fmt.Errorf("list sync targets: %w", err)
	}

	providers := make(map[string]Provider)
	for _, target := range targets {
		provider, ok := providers[target.UserID]
		if !ok {
			provider = c.providerForUser(ctx, target.UserID)
			providers[target.UserID] = provider
		}
		if provider == nil {
			// No valid credential; already logged. Skip, don't fail the batch.
			continue
		}

		if err := c.pullCalendar(ctx, provider, target); err != nil {
			c.logger.Error("Calendar pull failed",
				"userID", target.UserID, "calendarID", target.CalendarID, "error", err)
			// Continue with the next calendar even if one fails.
		}
	}

	if purged, err := c.store.PurgeSyncLog(ctx, c.cfg.LogRetention); err != nil {
		c.logger.Warn("Sync log purge failed", "error", err)
	} else if purged > 0 {
		c.logger.Debug("Purged sync log entries", "count", purged)
	}
	return nil
}

// providerForUser resolves the user's credential into a provider client, or
// nil when the account cannot sync right now.
func (c *Controller) providerForUser(ctx context.Context, userID string) Provider {
	token, err := c.store.Credential(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Info("No provider credential, skipping account", "userID", userID)
		} else {
			c.logger.Error("Credential lookup failed, skipping account", "userID", userID, "error", err)
		}
		return nil
	}
	provider, err := c.providerFor(ctx, token)
	if err != nil {
		c.logger.Error("Could not build provider client, skipping account", "userID", userID, "error", err)
		return nil
	}
	return provider
}

// pullCalendar fetches and applies all pending provider deltas for one
// calendar: delta mode when a cursor exists, bounded backfill otherwise. An
// expired cursor resets this calendar to backfill without touching siblings.
func (c *Controller) pullCalendar(ctx context.Context, provider Provider, target models.SyncTarget) error {
	cursor, err := c.store.Cursor(ctx, target.UserID, target.CalendarID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	syncToken := ""
	if cursor != nil {
		syncToken = cursor.Token
	}

	items, nextToken, err := c.fetchAll(ctx, provider, target.CalendarID, syncToken)
	if errors.Is(err, google.ErrCursorExpired) && syncToken != "" {
		c.logger.Info("Sync cursor expired, backfilling calendar",
			"userID", target.UserID, "calendarID", target.CalendarID)
		if derr := c.store.DeleteCursor(ctx, target.UserID, target.CalendarID); derr != nil {
			return fmt.Errorf("reset expired cursor: %w", derr)
		}
		items, nextToken, err = c.fetchAll(ctx, provider, target.CalendarID, "")
	}
	if err != nil {
		return err
	}

	applied, skipped := 0, 0
	for _, item := range items {
		if aerr := c.applyEvent(ctx, target, item); aerr != nil {
			// One bad event must not sink the rest of the page.
			c.logger.Error("Failed to apply provider event",
				"userID", target.UserID, "calendarID", target.CalendarID,
				"providerEventID", item.Id, "error", aerr)
			c.appendLog(ctx, target, "", "error", "provider "+item.Id+": "+aerr.Error())
			skipped++
			continue
		}
		applied++
	}

	if nextToken != "" {
		err = c.store.UpsertCursor(ctx, &models.SyncCursor{
			UserID:     target.UserID,
			CalendarID: target.CalendarID,
			Token:      nextToken,
			UpdatedAt:  c.now(),
		})
		if err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
	}

	c.logger.Info("Pulled calendar",
		"userID", target.UserID, "calendarID", target.CalendarID,
		"applied", applied, "skipped", skipped)
	return nil
}

// fetchAll walks the paginated listing. The provider hands out the next sync
// token only on the final page (no next page token); that is the only token
// worth persisting.
func (c *Controller) fetchAll(ctx context.Context, provider Provider, calendarID, syncToken string) ([]*calendar.Event, string, error) {
	q := google.PageQuery{SyncToken: syncToken}
	if syncToken == "" {
		now := c.now()
		q.TimeMin = now.Add(-c.cfg.BackfillPast)
		q.TimeMax = now.Add(c.cfg.BackfillFuture)
	}

	var items []*calendar.Event
	for {
		page, err := provider.ListPage(ctx, calendarID, q)
		if err != nil {
			return nil, "", err
		}
		items = append(items, page.Items...)
		if page.NextPageToken == "" {
			return items, page.NextSyncToken, nil
		}
		q.PageToken = page.NextPageToken
	}
}

// applyEvent reconciles one provider event with the local store.
func (c *Controller) applyEvent(ctx context.Context, target models.SyncTarget, item *calendar.Event) error {
	local, err := c.store.GetEventByProvider(ctx, target.UserID, target.CalendarID, item.Id)
	if errors.Is(err, store.ErrNotFound) {
		local = nil
	} else if err != nil {
		return fmt.Errorf("look up local event: %w", err)
	}

	if item.Status == "cancelled" {
		if local == nil {
			return nil
		}
		if err := c.store.DeleteEvent(ctx, local.ID); err != nil {
			return fmt.Errorf("delete cancelled event: %w", err)
		}
		c.appendLog(ctx, target, local.ID, "delete", "provider cancelled "+item.Id)
		return nil
	}

	// Unchanged fingerprint: zero local writes.
	if local != nil && local.ProviderEtag != "" && local.ProviderEtag == item.Etag {
		return nil
	}

	mapped, err := c.mapProviderEvent(target, item, local)
	if err != nil {
		return err
	}

	if local == nil {
		if err := c.store.InsertEvent(ctx, mapped); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		c.appendLog(ctx, target, mapped.ID, "create", "provider "+item.Id)
		return nil
	}
	if err := c.store.UpdateEvent(ctx, mapped); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	c.appendLog(ctx, target, mapped.ID, "update", "provider "+item.Id)
	return nil
}

func (c *Controller) appendLog(ctx context.Context, target models.SyncTarget, eventID, action, detail string) {
	err := c.store.AppendSyncLog(ctx, models.SyncLogEntry{
		UserID:     target.UserID,
		CalendarID: target.CalendarID,
		EventID:    eventID,
		Action:     action,
		Detail:     detail,
		CreatedAt:  c.now(),
	})
	if err != nil {
		c.logger.Warn("Sync log append failed", "eventID", eventID, "action", action, "error", err)
	}
}

// mapProviderEvent translates the provider's event shape into the local model,
// preserving local-only fields on update.
func (c *Controller) mapProviderEvent(target models.SyncTarget, item *calendar.Event, local *models.CalendarEvent) (*models.CalendarEvent, error) {
	e := &models.CalendarEvent{
		ID:                 uuid.New().String(),
		UserID:             target.UserID,
		Source:             "calendar",
		ProviderCalendarID: target.CalendarID,
	}
	if local != nil {
		// Keep identity and local-only fields; the provider does not own them.
		e.ID = local.ID
		e.Source = local.Source
		e.SourceReference = local.SourceReference
		e.Category = local.Category
		e.Attendees = local.Attendees
		e.Metadata = local.Metadata
		e.CreatedAt = local.CreatedAt
	}

	e.Title = item.Summary
	e.Description = item.Description
	e.Location = item.Location
	e.ProviderEventID = item.Id
	e.ProviderEtag = item.Etag
	e.SyncEnabled = true
	e.LastSyncedAt = c.now()

	if err := mapTimes(e, item); err != nil {
		return nil, err
	}

	if link, virtual := detectVirtualMeeting(item); virtual {
		e.Metadata.VirtualMeeting = true
		if link != "" {
			e.Metadata.MeetingLink = link
		}
	}
	if e.Category == "" {
		e.Category = InferCategory(e.Title, e.Description)
	}
	return e, nil
}

// mapTimes stores provider times in the local naive-string convention.
func mapTimes(e *models.CalendarEvent, item *calendar.Event) error {
	if item.Start == nil {
		return fmt.Errorf("provider event %s has no start", item.Id)
	}

	if item.Start.Date != "" {
		e.AllDay = true
		e.Timezone = ""
		e.Start = item.Start.Date
		e.End = item.Start.Date
		if item.End != nil && item.End.Date != "" {
			e.End = item.End.Date
		}
		return nil
	}

	start, zone, err := naiveLeg(item.Start)
	if err != nil {
		return fmt.Errorf("provider event %s start: %w", item.Id, err)
	}
	e.Start = start
	e.Timezone = zone
	if zone != "" {
		// Same informational flag the outbound path keeps.
		if instant, terr := clock.ToInstant(start, zone); terr == nil {
			e.Metadata.DSTTransition = clock.CrossesTransition(instant, zone)
		}
	}

	e.End = start
	if item.End != nil && item.End.DateTime != "" {
		// The end leg reuses the start zone when the provider omits its own.
		endLeg := *item.End
		if endLeg.TimeZone == "" {
			endLeg.TimeZone = zone
		}
		end, endZone, err := naiveLeg(&endLeg)
		if err != nil {
			return fmt.Errorf("provider event %s end: %w", item.Id, err)
		}
		e.End = end
		if endZone != zone && endZone != "" {
			e.Metadata.ArrivalTimezone = endZone
		}
	}
	return nil
}

// naiveLeg converts one provider date-time (RFC3339) into the naive wall
// clock observed in its zone. Without a zone the absolute string is kept
// as-is; the clock package detects and passes those through.
func naiveLeg(leg *calendar.EventDateTime) (string, string, error) {
	if leg.TimeZone == "" {
		return leg.DateTime, "", nil
	}
	instant, err := clock.ToInstant(leg.DateTime, leg.TimeZone)
	if err != nil {
		return "", "", err
	}
	naive, err := clock.FormatNaive(instant, leg.TimeZone)
	if err != nil {
		return "", "", err
	}
	return naive, leg.TimeZone, nil
}
