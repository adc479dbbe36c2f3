package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"kincal/internal/google"
	"kincal/internal/models"
	"kincal/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type providerCall struct {
	op          string
	eventID     string
	sendUpdates string
	payload     *calendar.Event
}

type fakeProvider struct {
	calls    []providerCall
	zone     string
	failures []error // consumed in order before succeeding
	nextID   int
}

func (f *fakeProvider) takeFailure() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeProvider) InsertEvent(_ context.Context, _ string, event *calendar.Event, sendUpdates string) (*calendar.Event, error) {
	f.calls = append(f.calls, providerCall{op: "insert", sendUpdates: sendUpdates, payload: event})
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	f.nextID++
	return &calendar.Event{Id: fmt.Sprintf("prov-%d", f.nextID), Etag: "etag-1", HtmlLink: "https://cal/e"}, nil
}

func (f *fakeProvider) UpdateEvent(_ context.Context, _ string, eventID string, event *calendar.Event, sendUpdates string) (*calendar.Event, error) {
	f.calls = append(f.calls, providerCall{op: "update", eventID: eventID, sendUpdates: sendUpdates, payload: event})
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	return &calendar.Event{Id: eventID, Etag: "etag-2", HtmlLink: "https://cal/e"}, nil
}

func (f *fakeProvider) DeleteEvent(_ context.Context, _ string, eventID string, sendUpdates string) error {
	f.calls = append(f.calls, providerCall{op: "delete", eventID: eventID, sendUpdates: sendUpdates})
	return f.takeFailure()
}

func (f *fakeProvider) CalendarTimezone(context.Context, string) (string, error) {
	if f.zone == "" {
		return "", errors.New("no zone")
	}
	return f.zone, nil
}

type fakeStore struct {
	events  map[string]*models.CalendarEvent
	people  map[string]models.Person
	cleared []string
}

func newFakeStore(events ...*models.CalendarEvent) *fakeStore {
	fs := &fakeStore{events: map[string]*models.CalendarEvent{}, people: map[string]models.Person{}}
	for _, e := range events {
		fs.events[e.ID] = e
	}
	return fs
}

func (f *fakeStore) GetEvent(_ context.Context, id string) (*models.CalendarEvent, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) People(_ context.Context, ids []string) ([]models.Person, error) {
	var out []models.Person
	for _, id := range ids {
		if p, ok := f.people[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSyncState(_ context.Context, id, providerEventID, etag string, syncedAt time.Time) error {
	e, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.ProviderEventID = providerEventID
	e.ProviderEtag = etag
	e.SyncEnabled = true
	e.LastSyncedAt = syncedAt
	return nil
}

func (f *fakeStore) ClearProviderLink(_ context.Context, id string) error {
	e, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.ProviderEventID = ""
	e.ProviderEtag = ""
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeStore) UpdateMetadata(_ context.Context, id string, m models.Metadata) error {
	e, ok := f.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Metadata = m
	return nil
}

type inviteCall struct {
	recipients []string
	method     string
}

type fakeInviter struct {
	calls []inviteCall
}

func (f *fakeInviter) Invite(_ context.Context, _ *models.CalendarEvent, recipients []string, method string) {
	f.calls = append(f.calls, inviteCall{recipients: recipients, method: method})
}

func transientErr() error {
	return google.Classify(fmt.Errorf("call: %w", &googleapi.Error{Code: 503}))
}

func notFoundErr() error {
	return google.Classify(fmt.Errorf("call: %w", &googleapi.Error{Code: 404}))
}

func authErr() error {
	return google.Classify(fmt.Errorf("call: %w", &googleapi.Error{Code: 401}))
}

func baseEvent() *models.CalendarEvent {
	return &models.CalendarEvent{
		ID:                 "ev-1",
		UserID:             "u-1",
		Title:              "Dentist",
		Start:              "2024-04-02T09:00:00",
		End:                "2024-04-02T10:00:00",
		Timezone:           "America/New_York",
		ProviderCalendarID: "cal-1",
	}
}

func newTestSync(p Provider, st Store, inv Inviter, cfg Config) *Synchronizer {
	s := NewSynchronizer(testLogger(), p, st, inv, cfg)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestPushCreatesThenUpdates(t *testing.T) {
	provider := &fakeProvider{}
	st := newFakeStore(baseEvent())
	s := newTestSync(provider, st, nil, DefaultConfig())

	res, err := s.Push(context.Background(), "ev-1", ActionCreate)
	if err != nil {
		t.Fatalf("first push: %v", err)
	}
	if res.ProviderEventID != "prov-1" {
		t.Fatalf("provider id = %q, want prov-1", res.ProviderEventID)
	}
	if got := st.events["ev-1"]; got.ProviderEventID != "prov-1" || got.ProviderEtag != "etag-1" || !got.SyncEnabled {
		t.Errorf("sync state not persisted with the push: %+v", got)
	}

	// Second push must update the same remote object, never create another.
	res, err = s.Push(context.Background(), "ev-1", ActionUpdate)
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if res.ProviderEventID != "prov-1" {
		t.Errorf("second push provider id = %q, want prov-1", res.ProviderEventID)
	}
	var inserts, updates int
	for _, c := range provider.calls {
		switch c.op {
		case "insert":
			inserts++
		case "update":
			updates++
			if c.eventID != "prov-1" {
				t.Errorf("update targeted %q, want prov-1", c.eventID)
			}
		}
	}
	if inserts != 1 || updates != 1 {
		t.Errorf("inserts=%d updates=%d, want 1 and 1", inserts, updates)
	}
}

func TestPushFiltersNonSyncableAttendees(t *testing.T) {
	event := baseEvent()
	event.Attendees = []string{"p-alice"}
	event.Metadata.AdditionalAttendees = []string{"Bob@External.com", "bob@external.com", "not-an-email"}

	st := newFakeStore(event)
	st.people["p-alice"] = models.Person{ID: "p-alice", Email: "alice@family.test", SyncToProvider: false}

	provider := &fakeProvider{}
	s := newTestSync(provider, st, nil, DefaultConfig())

	if _, err := s.Push(context.Background(), "ev-1", ActionCreate); err != nil {
		t.Fatal(err)
	}

	payload := provider.calls[0].payload
	if len(payload.Attendees) != 1 || payload.Attendees[0].Email != "bob@external.com" {
		t.Errorf("payload attendees = %v, want only bob@external.com", payload.Attendees)
	}
}

func TestPushRecreatesWhenRemoteVanished(t *testing.T) {
	event := baseEvent()
	event.ProviderEventID = "prov-old"
	st := newFakeStore(event)
	provider := &fakeProvider{failures: []error{notFoundErr()}}
	s := newTestSync(provider, st, nil, DefaultConfig())

	res, err := s.Push(context.Background(), "ev-1", ActionUpdate)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(st.cleared) != 1 || st.cleared[0] != "ev-1" {
		t.Errorf("provider link not cleared on 404: %v", st.cleared)
	}
	if res.ProviderEventID == "prov-old" || res.ProviderEventID == "" {
		t.Errorf("expected a fresh provider id, got %q", res.ProviderEventID)
	}
	if provider.calls[0].op != "update" || provider.calls[1].op != "insert" {
		t.Errorf("call sequence = %v, want update then insert", provider.calls)
	}
}

func TestPushRetriesTransientFailures(t *testing.T) {
	st := newFakeStore(baseEvent())
	provider := &fakeProvider{failures: []error{transientErr(), transientErr()}}
	s := newTestSync(provider, st, nil, DefaultConfig())

	if _, err := s.Push(context.Background(), "ev-1", ActionCreate); err != nil {
		t.Fatalf("push should survive two transient failures: %v", err)
	}
	if len(provider.calls) != 3 {
		t.Errorf("provider calls = %d, want 3 (two failures + success)", len(provider.calls))
	}
}

func TestPushExhaustsRetries(t *testing.T) {
	st := newFakeStore(baseEvent())
	provider := &fakeProvider{failures: []error{
		transientErr(), transientErr(), transientErr(), transientErr(), transientErr(),
	}}
	s := newTestSync(provider, st, nil, DefaultConfig())

	_, err := s.Push(context.Background(), "ev-1", ActionCreate)
	if !errors.Is(err, google.ErrTransient) {
		t.Fatalf("err = %v, want transient after exhausting retries", err)
	}
	if len(provider.calls) != 5 {
		t.Errorf("provider calls = %d, want exactly 5 attempts", len(provider.calls))
	}
	if st.events["ev-1"].SyncEnabled {
		t.Error("sync state must not be recorded on failure")
	}
}

func TestPushAuthFailureNotRetried(t *testing.T) {
	st := newFakeStore(baseEvent())
	provider := &fakeProvider{failures: []error{authErr()}}
	s := newTestSync(provider, st, nil, DefaultConfig())

	_, err := s.Push(context.Background(), "ev-1", ActionCreate)
	if !errors.Is(err, google.ErrAuthExpired) {
		t.Fatalf("err = %v, want auth expiry", err)
	}
	if len(provider.calls) != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry on auth failure)", len(provider.calls))
	}
}

func TestPushNotificationPolicy(t *testing.T) {
	t.Run("suppressed by creator", func(t *testing.T) {
		event := baseEvent()
		no := false
		event.Metadata.NotifyAttendees = &no
		event.Metadata.AdditionalAttendees = []string{"bob@external.com"}

		provider := &fakeProvider{}
		inviter := &fakeInviter{}
		s := newTestSync(provider, newFakeStore(event), inviter, DefaultConfig())

		if _, err := s.Push(context.Background(), "ev-1", ActionCreate); err != nil {
			t.Fatal(err)
		}
		if provider.calls[0].sendUpdates != "none" {
			t.Errorf("sendUpdates = %q, want none", provider.calls[0].sendUpdates)
		}
		if len(inviter.calls) != 0 {
			t.Error("ICS fallback must not fire when the creator suppressed invites")
		}
	})

	t.Run("native available", func(t *testing.T) {
		event := baseEvent()
		event.Metadata.AdditionalAttendees = []string{"bob@external.com"}

		provider := &fakeProvider{}
		inviter := &fakeInviter{}
		s := newTestSync(provider, newFakeStore(event), inviter, DefaultConfig())

		if _, err := s.Push(context.Background(), "ev-1", ActionCreate); err != nil {
			t.Fatal(err)
		}
		if provider.calls[0].sendUpdates != "all" {
			t.Errorf("sendUpdates = %q, want all", provider.calls[0].sendUpdates)
		}
		if len(inviter.calls) != 0 {
			t.Error("ICS fallback must not fire when the provider notifies natively")
		}
	})

	t.Run("native unavailable falls back to ICS for externals", func(t *testing.T) {
		event := baseEvent()
		event.Attendees = []string{"p-alice"}
		event.Metadata.AdditionalAttendees = []string{"bob@external.com"}

		st := newFakeStore(event)
		st.people["p-alice"] = models.Person{ID: "p-alice", Email: "alice@family.test", SyncToProvider: true}

		cfg := DefaultConfig()
		cfg.NativeNotifications = false
		provider := &fakeProvider{}
		inviter := &fakeInviter{}
		s := newTestSync(provider, st, inviter, cfg)

		if _, err := s.Push(context.Background(), "ev-1", ActionCreate); err != nil {
			t.Fatal(err)
		}
		if provider.calls[0].sendUpdates != "none" {
			t.Errorf("sendUpdates = %q, want none", provider.calls[0].sendUpdates)
		}
		if len(inviter.calls) != 1 {
			t.Fatalf("inviter calls = %d, want 1", len(inviter.calls))
		}
		call := inviter.calls[0]
		if call.method != "REQUEST" {
			t.Errorf("method = %q, want REQUEST", call.method)
		}
		if len(call.recipients) != 1 || call.recipients[0] != "bob@external.com" {
			t.Errorf("recipients = %v, want externals only", call.recipients)
		}
	})
}

func TestDelete(t *testing.T) {
	event := baseEvent()
	event.ProviderEventID = "prov-9"
	event.Metadata.AdditionalAttendees = []string{"bob@external.com"}
	st := newFakeStore(event)
	provider := &fakeProvider{}
	inviter := &fakeInviter{}
	cfg := DefaultConfig()
	cfg.NativeNotifications = false
	s := newTestSync(provider, st, inviter, cfg)

	if err := s.Delete(context.Background(), "ev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if provider.calls[0].op != "delete" || provider.calls[0].eventID != "prov-9" {
		t.Errorf("unexpected provider call %+v", provider.calls[0])
	}
	if st.events["ev-1"].ProviderEventID != "" {
		t.Error("provider link not cleared after delete")
	}
	if len(inviter.calls) != 1 || inviter.calls[0].method != "CANCEL" {
		t.Errorf("expected one CANCEL invite, got %v", inviter.calls)
	}

	// Deleting an event that was never pushed is a no-op.
	st2 := newFakeStore(baseEvent())
	provider2 := &fakeProvider{}
	s2 := newTestSync(provider2, st2, nil, DefaultConfig())
	if err := s2.Delete(context.Background(), "ev-1"); err != nil {
		t.Fatal(err)
	}
	if len(provider2.calls) != 0 {
		t.Error("no provider call expected without a provider id")
	}
}

func TestDeleteNativeNotificationSkipsCancelInvite(t *testing.T) {
	event := baseEvent()
	event.ProviderEventID = "prov-9"
	event.Metadata.AdditionalAttendees = []string{"bob@external.com"}
	st := newFakeStore(event)
	provider := &fakeProvider{}
	inviter := &fakeInviter{}
	// Native notifications on: the provider emails attendees itself.
	s := newTestSync(provider, st, inviter, DefaultConfig())

	if err := s.Delete(context.Background(), "ev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := provider.calls[0].sendUpdates; got != "all" {
		t.Errorf("sendUpdates = %q, want all", got)
	}
	if len(inviter.calls) != 0 {
		t.Errorf("ICS CANCEL sent %d time(s) despite native notification", len(inviter.calls))
	}
}
