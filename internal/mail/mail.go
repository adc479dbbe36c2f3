// Package mail is the outbound email transport, a thin wrapper over SMTP
// capable of carrying calendar-invite payloads.
package mail

import (
	"fmt"
	"io"

	"gopkg.in/gomail.v2"
)

// Service sends mail through a single SMTP account.
type Service struct {
	dialer *gomail.Dialer
	from   string
}

// NewService configures the SMTP transport. from is the organizer address
// stamped on outgoing invites.
func NewService(host string, port int, username, password, from string) *Service {
	return &Service{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// From returns the sending address.
func (s *Service) From() string { return s.from }

// Send delivers one message. When calendarPayload is non-empty it is attached
// both as a text/calendar alternative part (so calendar clients render the
// invite inline) and as an .ics attachment (so everything else can still open
// it). method is the iTIP method, REQUEST or CANCEL.
func (s *Service) Send(to []string, subject, textBody, htmlBody string, calendarPayload []byte, method string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)
	if htmlBody != "" {
		m.AddAlternative("text/html", htmlBody)
	}

	if len(calendarPayload) > 0 {
		calType := fmt.Sprintf("text/calendar; method=%s; charset=UTF-8", method)
		m.AddAlternative(calType, string(calendarPayload))
		m.Attach("invite.ics",
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(calendarPayload)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {calType}}),
		)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}
