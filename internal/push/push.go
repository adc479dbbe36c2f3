// Package push translates local events into the provider's shape and performs
// idempotent create/update/delete calls against the provider calendar, with
// backoff retry on transient failures and an ICS email fallback when the
// provider will not notify attendees itself.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"kincal/internal/backoff"
	"kincal/internal/google"
	"kincal/internal/models"
	"kincal/internal/store"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Provider is the slice of the provider API the synchronizer needs. Satisfied
// by *google.CalendarClient; faked in tests.
type Provider interface {
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event, sendUpdates string) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event, sendUpdates string) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string, sendUpdates string) error
	CalendarTimezone(ctx context.Context, calendarID string) (string, error)
}

// Store is the event-store surface the synchronizer consumes.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.CalendarEvent, error)
	People(ctx context.Context, ids []string) ([]models.Person, error)
	UpdateSyncState(ctx context.Context, id, providerEventID, etag string, syncedAt time.Time) error
	ClearProviderLink(ctx context.Context, id string) error
	UpdateMetadata(ctx context.Context, id string, m models.Metadata) error
}

// Inviter is the ICS fallback channel. Invocations are best-effort and must
// never fail the push.
type Inviter interface {
	Invite(ctx context.Context, event *models.CalendarEvent, recipients []string, method string)
}

// Result is what a successful push hands back to the caller.
type Result struct {
	ProviderEventID string
	Link            string
}

// Config tunes the synchronizer.
type Config struct {
	// DefaultZone is the last-resort IANA zone when neither the event, its
	// metadata, nor the provider calendar names one.
	DefaultZone string
	// NativeNotifications disables provider-side attendee notification when
	// false; the ICS fallback covers external attendees instead.
	NativeNotifications bool
	// MaxAttempts bounds retries of transient provider failures.
	MaxAttempts int
	Retry       backoff.Config
}

func DefaultConfig() Config {
	return Config{
		DefaultZone:         "UTC",
		NativeNotifications: true,
		MaxAttempts:         5,
		Retry:               backoff.Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second},
	}
}

// Synchronizer pushes local events to the provider.
type Synchronizer struct {
	logger   *slog.Logger
	provider Provider
	store    Store
	inviter  Inviter // may be nil
	cfg      Config

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	zoneMu    sync.Mutex
	zoneCache map[string]string
}

func NewSynchronizer(logger *slog.Logger, provider Provider, st Store, inviter Inviter, cfg Config) *Synchronizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DefaultZone == "" {
		cfg.DefaultZone = "UTC"
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = DefaultConfig().Retry
	}
	return &Synchronizer{
		logger:    logger,
		provider:  provider,
		store:     st,
		inviter:   inviter,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepCtx,
		zoneCache: make(map[string]string),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Push sends one local event to the provider. Idempotent: an event that
// already has a provider id is updated in place, everything else is created
// and the returned id persisted, so repeating a push never duplicates the
// remote object. The provider call and the local sync-state update complete
// together; a failure leaves the old state intact and the whole push safe to
// retry.
func (s *Synchronizer) Push(ctx context.Context, eventID string, action Action) (*Result, error) {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", eventID, err)
	}
	if event.ProviderCalendarID == "" {
		return nil, fmt.Errorf("event %s has no provider calendar: %w", eventID, models.ErrValidation)
	}

	internal, external, err := s.resolveAttendees(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("resolve attendees for event %s: %w", eventID, err)
	}
	merged := mergeEmails(internal, external)

	payload, err := s.buildPayload(ctx, event, merged)
	if err != nil {
		return nil, fmt.Errorf("build provider payload for event %s: %w", eventID, err)
	}

	sendUpdates := "none"
	nativeNotify := event.Metadata.Notify() && s.cfg.NativeNotifications && len(merged) > 0
	if nativeNotify {
		sendUpdates = "all"
	}

	remote, err := s.submit(ctx, event, payload, sendUpdates)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateSyncState(ctx, event.ID, remote.Id, remote.Etag, s.now()); err != nil {
		return nil, fmt.Errorf("record sync state for event %s: %w", eventID, err)
	}

	// Provider-native notification is unavailable when there is nobody on the
	// provider side to notify or native mode is off. Fall back to ICS invites
	// for external addresses only, unless the creator suppressed notification.
	if event.Metadata.Notify() && !nativeNotify && len(external) > 0 && s.inviter != nil {
		s.inviter.Invite(ctx, event, external, "REQUEST")
	}

	s.logger.Info("Pushed event to provider",
		"eventID", event.ID, "action", string(action), "providerEventID", remote.Id)
	return &Result{ProviderEventID: remote.Id, Link: remote.HtmlLink}, nil
}

// submit performs the provider call with retry. An update hitting a vanished
// remote object clears the stored link and falls through to a create in the
// same push.
func (s *Synchronizer) submit(ctx context.Context, event *models.CalendarEvent, payload *calendar.Event, sendUpdates string) (*calendar.Event, error) {
	providerEventID := event.ProviderEventID
	rng := rand.New(rand.NewSource(s.now().UnixNano()))

	for attempt := 1; ; attempt++ {
		var remote *calendar.Event
		var err error
		if providerEventID != "" {
			remote, err = s.provider.UpdateEvent(ctx, event.ProviderCalendarID, providerEventID, payload, sendUpdates)
			if errors.Is(err, google.ErrNotFound) {
				// The remote counterpart is gone. Not an error: forget the
				// link and recreate.
				s.logger.Warn("Provider event vanished, recreating",
					"eventID", event.ID, "providerEventID", providerEventID)
				if clearErr := s.store.ClearProviderLink(ctx, event.ID); clearErr != nil {
					return nil, fmt.Errorf("clear provider link for event %s: %w", event.ID, clearErr)
				}
				providerEventID = ""
				continue
			}
		} else {
			remote, err = s.provider.InsertEvent(ctx, event.ProviderCalendarID, payload, sendUpdates)
		}
		if err == nil {
			return remote, nil
		}
		if !google.IsRetriable(err) || attempt >= s.cfg.MaxAttempts {
			return nil, fmt.Errorf("push event %s (calendar %s): %w", event.ID, event.ProviderCalendarID, err)
		}
		delay := backoff.Delay(attempt, s.cfg.Retry, rng)
		s.logger.Warn("Transient provider failure, backing off",
			"eventID", event.ID, "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Delete removes the event's remote counterpart. Missing remote objects count
// as success. The local record is untouched apart from the provider link;
// deleting it is the caller's business.
func (s *Synchronizer) Delete(ctx context.Context, eventID string) error {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", eventID, err)
	}
	if event.ProviderEventID == "" {
		return nil
	}

	sendUpdates := "none"
	nativeNotify := event.Metadata.Notify() && s.cfg.NativeNotifications
	if nativeNotify {
		sendUpdates = "all"
	}

	rng := rand.New(rand.NewSource(s.now().UnixNano()))
	for attempt := 1; ; attempt++ {
		err := s.provider.DeleteEvent(ctx, event.ProviderCalendarID, event.ProviderEventID, sendUpdates)
		if err == nil || errors.Is(err, google.ErrNotFound) {
			break
		}
		if !google.IsRetriable(err) || attempt >= s.cfg.MaxAttempts {
			return fmt.Errorf("delete event %s (calendar %s): %w", event.ID, event.ProviderCalendarID, err)
		}
		if err := s.sleep(ctx, backoff.Delay(attempt, s.cfg.Retry, rng)); err != nil {
			return err
		}
	}

	if err := s.store.ClearProviderLink(ctx, eventID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear provider link for event %s: %w", eventID, err)
	}

	// Same fallback rule as Push: ICS only when the provider was not asked
	// to notify, so externals never hear about the cancellation twice.
	if _, external, aerr := s.resolveAttendees(ctx, event); aerr == nil {
		if event.Metadata.Notify() && !nativeNotify && len(external) > 0 && s.inviter != nil {
			s.inviter.Invite(ctx, event, external, "CANCEL")
		}
	}
	return nil
}

// calendarZone returns the provider calendar's own zone, cached per calendar.
func (s *Synchronizer) calendarZone(ctx context.Context, calendarID string) string {
	s.zoneMu.Lock()
	if z, ok := s.zoneCache[calendarID]; ok {
		s.zoneMu.Unlock()
		return z
	}
	s.zoneMu.Unlock()

	zone, err := s.provider.CalendarTimezone(ctx, calendarID)
	if err != nil {
		s.logger.Debug("Could not fetch calendar zone", "calendarID", calendarID, "error", err)
		return ""
	}
	s.zoneMu.Lock()
	s.zoneCache[calendarID] = zone
	s.zoneMu.Unlock()
	return zone
}
