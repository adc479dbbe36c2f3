package push

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"kincal/internal/models"
)

// emailPattern is deliberately strict; an address that fails it is dropped at
// construction time rather than bounced by the provider.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// resolveAttendees splits an event's participants into provider-bound email
// lists. Internal attendees are looked up in the directory and filtered to
// those marked syncable; the rest stay internal-only and are never sent.
// External addresses from metadata are validated, lower-cased and
// deduplicated.
func (s *Synchronizer) resolveAttendees(ctx context.Context, event *models.CalendarEvent) (internal, external []string, err error) {
	if len(event.Attendees) > 0 {
		people, err := s.store.People(ctx, event.Attendees)
		if err != nil {
			return nil, nil, fmt.Errorf("look up attendees: %w", err)
		}
		for _, p := range people {
			if !p.SyncToProvider {
				continue
			}
			email := strings.ToLower(strings.TrimSpace(p.Email))
			if emailPattern.MatchString(email) {
				internal = append(internal, email)
			}
		}
		internal = dedupe(internal)
	}

	for _, raw := range event.Metadata.AdditionalAttendees {
		email := strings.ToLower(strings.TrimSpace(raw))
		if email == "" {
			continue
		}
		if !emailPattern.MatchString(email) {
			s.logger.Debug("Dropping malformed attendee email", "eventID", event.ID, "email", raw)
			continue
		}
		external = append(external, email)
	}
	external = dedupe(external)

	return internal, external, nil
}

// mergeEmails joins the internal and external sets, deduplicating again in
// case an external address shadows an internal person.
func mergeEmails(internal, external []string) []string {
	return dedupe(append(append([]string{}, internal...), external...))
}

func dedupe(emails []string) []string {
	if len(emails) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(emails))
	var out []string
	for _, e := range emails {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
