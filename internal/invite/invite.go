// Package invite is the ICS email fallback: when the provider will not notify
// some attendees, it builds an RFC 5545 invite payload and mails it. Strictly
// best-effort; nothing here ever fails the operation that triggered it.
package invite

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"kincal/internal/models"
	"kincal/internal/tasks"
)

// Policy controls which recipients get ICS mail.
type Policy string

const (
	// PolicyDefault mails every requested recipient.
	PolicyDefault Policy = "default"
	// PolicyExternalOnly strips recipients sharing the organizer's domain;
	// those are assumed to be notified through internal channels.
	PolicyExternalOnly Policy = "external-only"
	// PolicyOff disables the fallback entirely.
	PolicyOff Policy = "off"
)

const (
	MethodRequest = "REQUEST"
	MethodCancel  = "CANCEL"
)

// Mailer is the outbound email transport, satisfied by *mail.Service.
type Mailer interface {
	Send(to []string, subject, textBody, htmlBody string, calendarPayload []byte, method string) error
	From() string
}

// Store persists the per-event invite sequence number.
type Store interface {
	UpdateMetadata(ctx context.Context, id string, m models.Metadata) error
}

// Service builds and sends calendar invites.
type Service struct {
	logger *slog.Logger
	mailer Mailer
	store  Store
	pool   *tasks.Pool
	policy Policy
	// domain anchors stable invite UIDs (eventID@domain).
	domain      string
	defaultZone string

	now func() time.Time
}

func NewService(logger *slog.Logger, mailer Mailer, st Store, pool *tasks.Pool, policy Policy, domain, defaultZone string) *Service {
	if policy == "" {
		policy = PolicyDefault
	}
	if domain == "" {
		domain = "kincal.local"
	}
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &Service{
		logger:      logger,
		mailer:      mailer,
		store:       st,
		pool:        pool,
		policy:      policy,
		domain:      domain,
		defaultZone: defaultZone,
		now:         time.Now,
	}
}

// Invite mails an ICS payload to the given recipients. The send runs on the
// background pool; failures are logged and never reach the caller.
func (s *Service) Invite(ctx context.Context, event *models.CalendarEvent, recipients []string, method string) {
	recipients = s.filterRecipients(recipients)
	if len(recipients) == 0 {
		return
	}

	// Every (re-)invite bumps the sequence so receivers can tell a newer
	// invite supersedes an older one. The bump is persisted before the send
	// so a retry never reuses a sequence number.
	event.Metadata.InviteSequence++
	if s.store != nil {
		if err := s.store.UpdateMetadata(ctx, event.ID, event.Metadata); err != nil {
			s.logger.Warn("Could not persist invite sequence",
				"eventID", event.ID, "sequence", event.Metadata.InviteSequence, "error", err)
		}
	}

	snapshot := *event
	s.pool.Submit("ics-invite", func(context.Context) error {
		return s.deliver(&snapshot, recipients, method)
	})
}

// deliver builds and sends one invite mail.
func (s *Service) deliver(event *models.CalendarEvent, recipients []string, method string) error {
	payload, err := s.buildICS(event, recipients, method)
	if err != nil {
		return fmt.Errorf("build ICS for event %s: %w", event.ID, err)
	}

	subject := "Invitation: " + event.Title
	if method == MethodCancel {
		subject = "Cancelled: " + event.Title
	}
	text := inviteText(event, method)

	if err := s.mailer.Send(recipients, subject, text, "", payload, method); err != nil {
		return fmt.Errorf("send invite for event %s: %w", event.ID, err)
	}
	s.logger.Info("Sent ICS invite",
		"eventID", event.ID, "method", method, "recipients", len(recipients))
	return nil
}

// filterRecipients applies the recipient policy.
func (s *Service) filterRecipients(recipients []string) []string {
	switch s.policy {
	case PolicyOff:
		return nil
	case PolicyExternalOnly:
		organizerDomain := emailDomain(s.mailer.From())
		var out []string
		for _, r := range recipients {
			if emailDomain(r) != organizerDomain {
				out = append(out, r)
			}
		}
		return out
	default:
		return recipients
	}
}

func emailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

func inviteText(event *models.CalendarEvent, method string) string {
	var b strings.Builder
	if method == MethodCancel {
		b.WriteString("The following event has been cancelled:\n\n")
	} else {
		b.WriteString("You have been invited to:\n\n")
	}
	b.WriteString(event.Title + "\n")
	if event.AllDay {
		b.WriteString("Date: " + event.Start + "\n")
	} else {
		b.WriteString("Starts: " + event.Start)
		if event.Timezone != "" {
			b.WriteString(" (" + event.Timezone + ")")
		}
		b.WriteString("\n")
	}
	if event.Location != "" {
		b.WriteString("Where: " + event.Location + "\n")
	}
	if event.Description != "" {
		b.WriteString("\n" + event.Description + "\n")
	}
	return b.String()
}
