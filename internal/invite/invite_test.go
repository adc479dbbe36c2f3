package invite

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"kincal/internal/models"
	"kincal/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMail struct {
	to      []string
	subject string
	payload string
	method  string
}

type fakeMailer struct {
	mu   sync.Mutex
	from string
	sent []sentMail
	done chan struct{}
}

func (f *fakeMailer) Send(to []string, subject, _, _ string, payload []byte, method string) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMail{to: to, subject: subject, payload: string(payload), method: method})
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

func (f *fakeMailer) From() string { return f.from }

type fakeMetaStore struct {
	metadata map[string]models.Metadata
}

func (f *fakeMetaStore) UpdateMetadata(_ context.Context, id string, m models.Metadata) error {
	if f.metadata == nil {
		f.metadata = map[string]models.Metadata{}
	}
	f.metadata[id] = m
	return nil
}

func inviteEvent() *models.CalendarEvent {
	return &models.CalendarEvent{
		ID:       "ev-1",
		Title:    "School recital",
		Location: "Auditorium",
		Start:    "2024-05-03T18:00:00",
		End:      "2024-05-03T19:30:00",
		Timezone: "America/New_York",
	}
}

func newService(t *testing.T, mailer *fakeMailer, st Store, policy Policy) (*Service, *tasks.Pool) {
	t.Helper()
	pool := tasks.NewPool(testLogger(), 1, 8)
	svc := NewService(testLogger(), mailer, st, pool, policy, "family.test", "UTC")
	return svc, pool
}

func TestDeliverBuildsCompliantPayload(t *testing.T) {
	mailer := &fakeMailer{from: "organizer@family.test"}
	svc, _ := newService(t, mailer, nil, PolicyDefault)

	event := inviteEvent()
	event.Metadata.InviteSequence = 3
	if err := svc.deliver(event, []string{"bob@external.com"}, MethodRequest); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(mailer.sent))
	}
	m := mailer.sent[0]
	if m.method != MethodRequest || !strings.HasPrefix(m.subject, "Invitation:") {
		t.Errorf("subject %q method %q", m.subject, m.method)
	}
	for _, want := range []string{
		"UID:ev-1@family.test",
		"METHOD:REQUEST",
		"SEQUENCE:3",
		"STATUS:CONFIRMED",
		"TZID=America/New_York",
		"20240503T180000",
		"mailto:bob@external.com",
		"mailto:organizer@family.test",
	} {
		if !strings.Contains(m.payload, want) {
			t.Errorf("payload missing %q:\n%s", want, m.payload)
		}
	}
	if strings.Contains(m.payload, "Z:20240503") {
		t.Error("naive time must not be rendered as UTC")
	}
}

func TestDeliverCancelPayload(t *testing.T) {
	mailer := &fakeMailer{from: "organizer@family.test"}
	svc, _ := newService(t, mailer, nil, PolicyDefault)

	if err := svc.deliver(inviteEvent(), []string{"bob@external.com"}, MethodCancel); err != nil {
		t.Fatal(err)
	}
	m := mailer.sent[0]
	if !strings.HasPrefix(m.subject, "Cancelled:") {
		t.Errorf("subject = %q", m.subject)
	}
	for _, want := range []string{"METHOD:CANCEL", "STATUS:CANCELLED"} {
		if !strings.Contains(m.payload, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestDeliverAllDayPayload(t *testing.T) {
	mailer := &fakeMailer{from: "organizer@family.test"}
	svc, _ := newService(t, mailer, nil, PolicyDefault)

	event := inviteEvent()
	event.AllDay = true
	event.Timezone = ""
	event.Start = "2024-02-10"
	event.End = "2024-02-12"
	if err := svc.deliver(event, []string{"bob@external.com"}, MethodRequest); err != nil {
		t.Fatal(err)
	}
	payload := mailer.sent[0].payload
	for _, want := range []string{"VALUE=DATE", "20240210", "20240212"} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload missing %q:\n%s", want, payload)
		}
	}
	if strings.Contains(payload, "TZID") {
		t.Error("all-day invite must not carry a zone")
	}
}

func TestFilterRecipients(t *testing.T) {
	mailer := &fakeMailer{from: "organizer@family.test"}

	svc, _ := newService(t, mailer, nil, PolicyExternalOnly)
	got := svc.filterRecipients([]string{"aunt@family.test", "bob@external.com", "Carol@FAMILY.test"})
	if len(got) != 1 || got[0] != "bob@external.com" {
		t.Errorf("external-only filter: got %v", got)
	}

	svc, _ = newService(t, mailer, nil, PolicyOff)
	if got := svc.filterRecipients([]string{"bob@external.com"}); got != nil {
		t.Errorf("off policy: got %v, want nil", got)
	}

	svc, _ = newService(t, mailer, nil, PolicyDefault)
	if got := svc.filterRecipients([]string{"aunt@family.test", "bob@external.com"}); len(got) != 2 {
		t.Errorf("default policy: got %v, want both", got)
	}
}

func TestInviteIncrementsSequenceAndSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailer := &fakeMailer{from: "organizer@family.test", done: make(chan struct{}, 2)}
	st := &fakeMetaStore{}
	svc, pool := newService(t, mailer, st, PolicyDefault)
	pool.Start(ctx)

	event := inviteEvent()
	svc.Invite(ctx, event, []string{"bob@external.com"}, MethodRequest)
	if got := st.metadata["ev-1"].InviteSequence; got != 1 {
		t.Errorf("sequence after first invite = %d, want 1", got)
	}
	svc.Invite(ctx, event, []string{"bob@external.com"}, MethodRequest)
	if got := st.metadata["ev-1"].InviteSequence; got != 2 {
		t.Errorf("sequence after re-invite = %d, want 2", got)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-mailer.done:
		case <-time.After(2 * time.Second):
			t.Fatal("invite mail never sent")
		}
	}
}

func TestInviteNoRecipientsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mailer := &fakeMailer{from: "organizer@family.test"}
	st := &fakeMetaStore{}
	svc, pool := newService(t, mailer, st, PolicyExternalOnly)
	pool.Start(ctx)

	// All recipients share the organizer domain; nothing survives the filter.
	svc.Invite(ctx, inviteEvent(), []string{"aunt@family.test"}, MethodRequest)
	time.Sleep(50 * time.Millisecond)

	if len(mailer.sent) != 0 {
		t.Error("no mail expected when the filter empties the recipient list")
	}
	if st.metadata["ev-1"].InviteSequence != 0 {
		t.Error("sequence must not advance when nothing is sent")
	}
}
