package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// CalendarClient provides a client for interacting with the Google Calendar API
// on behalf of one authorized account.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a new Google Calendar client from a previously stored OAuth
// token. Token acquisition happens elsewhere; this only consumes the result.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret string, token *oauth2.Token) (*CalendarClient, error) {
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{calendar.CalendarScope},
		Endpoint:     google.Endpoint,
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &CalendarClient{service: service, logger: logger}, nil
}

// PageQuery selects one page of the events listing. Exactly one of SyncToken
// or the TimeMin/TimeMax window drives the query: a sync token asks for deltas
// since the token was issued, a window asks for a bounded backfill. PageToken
// continues a multi-page response either way.
type PageQuery struct {
	SyncToken string
	PageToken string
	TimeMin   time.Time
	TimeMax   time.Time
}

// ListPage fetches one page of events from the given calendar. Deleted events
// are included so cancellations propagate, and recurring events are expanded
// server-side into single instances.
func (c *CalendarClient) ListPage(ctx context.Context, calendarID string, q PageQuery) (*calendar.Events, error) {
	call := c.service.Events.List(calendarID).
		Context(ctx).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(250)

	if q.SyncToken != "" {
		call = call.SyncToken(q.SyncToken)
	} else {
		call = call.TimeMin(q.TimeMin.Format(time.RFC3339)).
			TimeMax(q.TimeMax.Format(time.RFC3339))
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	page, err := call.Do()
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to list events for calendar %s: %w", calendarID, err))
	}
	c.logger.Debug("Fetched events page", "calendarID", calendarID, "count", len(page.Items), "hasMore", page.NextPageToken != "")
	return page, nil
}

// InsertEvent creates a new event on the provider calendar. sendUpdates is the
// provider's attendee-notification mode ("all" or "none").
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event, sendUpdates string) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, event).
		Context(ctx).
		SendUpdates(sendUpdates).
		Do()
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to insert event on calendar %s: %w", calendarID, err))
	}
	return created, nil
}

// UpdateEvent overwrites an existing provider event.
func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event, sendUpdates string) (*calendar.Event, error) {
	updated, err := c.service.Events.Update(calendarID, eventID, event).
		Context(ctx).
		SendUpdates(sendUpdates).
		Do()
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to update event %s on calendar %s: %w", eventID, calendarID, err))
	}
	return updated, nil
}

// DeleteEvent removes an event from the provider calendar.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string, sendUpdates string) error {
	err := c.service.Events.Delete(calendarID, eventID).
		Context(ctx).
		SendUpdates(sendUpdates).
		Do()
	if err != nil {
		return Classify(fmt.Errorf("failed to delete event %s on calendar %s: %w", eventID, calendarID, err))
	}
	return nil
}

// CalendarTimezone returns the calendar's own IANA zone, used as a fallback
// when an event carries no zone of its own.
func (c *CalendarClient) CalendarTimezone(ctx context.Context, calendarID string) (string, error) {
	cal, err := c.service.Calendars.Get(calendarID).Context(ctx).Do()
	if err != nil {
		return "", Classify(fmt.Errorf("failed to get calendar %s: %w", calendarID, err))
	}
	return cal.TimeZone, nil
}

// DiscoverCalendars lists all calendar ids visible to the authenticated account.
func (c *CalendarClient) DiscoverCalendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to list calendars: %w", err))
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}
