package invite

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-ical"

	"kincal/internal/clock"
	"kincal/internal/models"
)

const icsTimeLayout = "20060102T150405"

// buildICS renders the event as an iTIP payload. Times use the same
// naive-wall-clock-plus-explicit-zone representation as the provider push
// path, so both channels describe the same instants.
func (s *Service) buildICS(event *models.CalendarEvent, recipients []string, method string) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//kincal//EN")
	cal.Props.SetText(ical.PropMethod, method)

	ve := ical.NewComponent(ical.CompEvent)
	// A stable UID lets receiving clients match re-invites and cancellations
	// to the event they already know.
	ve.Props.SetText(ical.PropUID, event.ID+"@"+s.domain)
	ve.Props.SetText(ical.PropSummary, event.Title)
	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	ve.Props.SetDateTime(ical.PropDateTimeStamp, s.now().UTC())

	seq := ical.NewProp(ical.PropSequence)
	seq.Value = strconv.Itoa(event.Metadata.InviteSequence)
	ve.Props.Set(seq)

	status := "CONFIRMED"
	if method == MethodCancel {
		status = "CANCELLED"
	}
	ve.Props.SetText(ical.PropStatus, status)

	if err := s.setEventTimes(ve, event); err != nil {
		return nil, err
	}

	organizer := ical.NewProp(ical.PropOrganizer)
	organizer.SetText("mailto:" + s.mailer.From())
	ve.Props.Set(organizer)
	for _, r := range recipients {
		attendee := ical.NewProp(ical.PropAttendee)
		attendee.SetText("mailto:" + r)
		ve.Props.Add(attendee)
	}

	cal.Children = append(cal.Children, ve)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) setEventTimes(ve *ical.Component, event *models.CalendarEvent) error {
	if event.AllDay {
		if err := setDateProp(ve, ical.PropDateTimeStart, event.Start); err != nil {
			return err
		}
		endExclusive := event.End
		if endExclusive == "" || endExclusive <= event.Start {
			var err error
			if endExclusive, err = clock.ExclusiveEnd(event.Start); err != nil {
				return err
			}
		}
		return setDateProp(ve, ical.PropDateTimeEnd, endExclusive)
	}

	startZone := s.zoneFor(event, event.Metadata.DepartureTimezone)
	endZone := s.zoneFor(event, event.Metadata.ArrivalTimezone)

	startInstant, err := clock.ToInstant(event.Start, startZone)
	if err != nil {
		return fmt.Errorf("event start: %w", err)
	}
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

	if err := setZonedProp(ve, ical.PropDateTimeStart, event.Start, startZone); err != nil {
		return err
	}
	return setZonedProp(ve, ical.PropDateTimeEnd, endStr, endZone)
}

// zoneFor mirrors the push path's precedence as far as this component can
// see: explicit column, per-leg metadata zone, shared metadata zone, default.
func (s *Service) zoneFor(event *models.CalendarEvent, legZone string) string {
	if event.Timezone != "" {
		return event.Timezone
	}
	if legZone != "" {
		return legZone
	}
	if event.Metadata.Timezone != "" {
		return event.Metadata.Timezone
	}
	return s.defaultZone
}

func setDateProp(ve *ical.Component, name, date string) error {
	if _, err := clock.ParseDate(date); err != nil {
		return err
	}
	p := ical.NewProp(name)
	p.Params.Set(ical.ParamValue, "DATE")
	p.Value = strings.ReplaceAll(date, "-", "")
	ve.Props.Set(p)
	return nil
}

func setZonedProp(ve *ical.Component, name, value, zone string) error {
	p := ical.NewProp(name)
	if clock.IsAbsolute(value) {
		instant, err := clock.ToInstant(value, zone)
		if err != nil {
			return err
		}
		p.Value = instant.UTC().Format(icsTimeLayout) + "Z"
		ve.Props.Set(p)
		return nil
	}

	instant, err := clock.ToInstant(value, zone)
	if err != nil {
		return err
	}
	naive, err := clock.FormatNaive(instant, zone)
	if err != nil {
		return err
	}
	p.Params.Set(ical.ParamTimezoneID, zone)
	p.Value = icsCompact(naive)
	ve.Props.Set(p)
	return nil
}

func icsCompact(naive string) string {
	return strings.NewReplacer("-", "", ":", "").Replace(naive)
}
