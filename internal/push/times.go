package push

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"kincal/internal/clock"
	"kincal/internal/models"
)

// buildPayload translates a local event into the provider's event shape.
func (s *Synchronizer) buildPayload(ctx context.Context, event *models.CalendarEvent, attendees []string) (*calendar.Event, error) {
	start, end, err := s.buildTimes(ctx, event)
	if err != nil {
		return nil, err
	}

	payload := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start:       start,
		End:         end,
		Status:      "confirmed",
		Reminders: &calendar.EventReminders{
			UseDefault:      true,
			ForceSendFields: []string{"UseDefault"},
		},
	}
	for _, email := range attendees {
		payload.Attendees = append(payload.Attendees, &calendar.EventAttendee{Email: email})
	}
	return payload, nil
}

// buildTimes produces the provider start/end. Timed events keep their naive
// wall-clock string and carry the zone explicitly; converting to UTC here and
// letting the provider reinterpret would shift the event twice. All-day
// events are date-only with the exclusive-end convention.
func (s *Synchronizer) buildTimes(ctx context.Context, event *models.CalendarEvent) (*calendar.EventDateTime, *calendar.EventDateTime, error) {
	if event.AllDay {
		return s.buildAllDayTimes(event)
	}

	startZone := s.resolveZone(ctx, event, event.Metadata.DepartureTimezone)
	endZone := s.resolveZone(ctx, event, event.Metadata.ArrivalTimezone)

	startInstant, err := clock.ToInstant(event.Start, startZone)
	if err != nil {
		return nil, nil, fmt.Errorf("event start: %w", err)
	}

	// A missing or invalid end collapses to a zero-duration point at the
	// start, never a negative duration.
	endStr := event.End
	if endStr != "" {
		endInstant, endErr := clock.ToInstant(endStr, endZone)
		if endErr != nil || endInstant.Before(startInstant) {
			endStr = ""
		}
	}
	if endStr == "" {
		endStr, endZone = event.Start, startZone
	}

	s.flagTransition(ctx, event, startInstant, startZone)

	start, err := eventDateTime(event.Start, startZone)
	if err != nil {
		return nil, nil, fmt.Errorf("event start: %w", err)
	}
	end, err := eventDateTime(endStr, endZone)
	if err != nil {
		return nil, nil, fmt.Errorf("event end: %w", err)
	}
	return start, end, nil
}

func (s *Synchronizer) buildAllDayTimes(event *models.CalendarEvent) (*calendar.EventDateTime, *calendar.EventDateTime, error) {
	startDate, err := clock.ParseDate(event.Start)
	if err != nil {
		return nil, nil, fmt.Errorf("all-day start: %w", err)
	}

	endStr := event.End
	if endStr != "" {
		if endDate, err := clock.ParseDate(endStr); err != nil || !endDate.After(startDate) {
			endStr = ""
		}
	}
	if endStr == "" {
		// Single-day event: exclusive end is the next day.
		endStr, err = clock.ExclusiveEnd(event.Start)
		if err != nil {
			return nil, nil, err
		}
	}

	return &calendar.EventDateTime{Date: event.Start}, &calendar.EventDateTime{Date: endStr}, nil
}

// resolveZone picks the zone for one leg of the event: explicit column, the
// leg's own metadata zone, the shared metadata zone, the provider calendar's
// zone, then the configured default. Start and end resolve independently, so
// travel events keep a different zone at each end.
func (s *Synchronizer) resolveZone(ctx context.Context, event *models.CalendarEvent, legZone string) string {
	if event.Timezone != "" {
		return event.Timezone
	}
	if legZone != "" {
		return legZone
	}
	if event.Metadata.Timezone != "" {
		return event.Metadata.Timezone
	}
	if z := s.calendarZone(ctx, event.ProviderCalendarID); z != "" {
		return z
	}
	return s.cfg.DefaultZone
}

// flagTransition marks events scheduled across a DST boundary. Informational
// and best-effort; a failed metadata write never fails the push.
func (s *Synchronizer) flagTransition(ctx context.Context, event *models.CalendarEvent, startInstant time.Time, zone string) {
	crosses := clock.CrossesTransition(startInstant, zone)
	if crosses == event.Metadata.DSTTransition {
		return
	}
	event.Metadata.DSTTransition = crosses
	if err := s.store.UpdateMetadata(ctx, event.ID, event.Metadata); err != nil {
		s.logger.Debug("Could not persist DST flag", "eventID", event.ID, "error", err)
	}
}

// eventDateTime renders one timed leg. Naive strings are canonicalized and
// sent with their zone; strings that already carry an offset are passed
// through untouched with no zone, so nothing is double-converted.
func eventDateTime(value, zone string) (*calendar.EventDateTime, error) {
	if clock.IsAbsolute(value) {
		return &calendar.EventDateTime{DateTime: value}, nil
	}
	instant, err := clock.ToInstant(value, zone)
	if err != nil {
		return nil, err
	}
	naive, err := clock.FormatNaive(instant, zone)
	if err != nil {
		return nil, err
	}
	return &calendar.EventDateTime{DateTime: naive, TimeZone: zone}, nil
}
