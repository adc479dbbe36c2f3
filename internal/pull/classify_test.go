package pull

import (
	"testing"

	"google.golang.org/api/calendar/v3"
)

func TestInferCategory(t *testing.T) {
	cases := []struct {
		title, description, want string
	}{
		{"Dentist appointment", "", "medical"},
		{"Team standup", "", "work"},
		{"Flight to Lisbon", "confirmation ABC123", "travel"},
		{"Parent-teacher conference", "", "school"},
		{"Grandma's birthday", "", "family"},
		{"Haircut", "", "personal"},
		{"", "annual checkup with Dr. Lee", "medical"},
		{"Untitled", "", ""},
		// Ambiguous: first matching bucket wins, stays user-correctable.
		{"Family medical day", "", "medical"},
	}
	for _, tc := range cases {
		if got := InferCategory(tc.title, tc.description); got != tc.want {
			t.Errorf("InferCategory(%q, %q) = %q, want %q", tc.title, tc.description, got, tc.want)
		}
	}
}

func TestDetectVirtualMeeting(t *testing.T) {
	t.Run("hangout link", func(t *testing.T) {
		link, ok := detectVirtualMeeting(&calendar.Event{HangoutLink: "https://meet.google.com/x"})
		if !ok || link != "https://meet.google.com/x" {
			t.Errorf("got (%q, %v)", link, ok)
		}
	})

	t.Run("conference data without link", func(t *testing.T) {
		_, ok := detectVirtualMeeting(&calendar.Event{ConferenceData: &calendar.ConferenceData{}})
		if !ok {
			t.Error("conference data alone should mark the event virtual")
		}
	})

	t.Run("conference video entry point", func(t *testing.T) {
		link, ok := detectVirtualMeeting(&calendar.Event{ConferenceData: &calendar.ConferenceData{
			EntryPoints: []*calendar.EntryPoint{
				{EntryPointType: "phone", Uri: "tel:+1555"},
				{EntryPointType: "video", Uri: "https://zoom.us/j/123"},
			},
		}})
		if !ok || link != "https://zoom.us/j/123" {
			t.Errorf("got (%q, %v)", link, ok)
		}
	})

	t.Run("link in location", func(t *testing.T) {
		link, ok := detectVirtualMeeting(&calendar.Event{Location: "https://us02web.zoom.us/j/999"})
		if !ok || link == "" {
			t.Errorf("got (%q, %v)", link, ok)
		}
	})

	t.Run("plain event", func(t *testing.T) {
		if _, ok := detectVirtualMeeting(&calendar.Event{Location: "Kitchen"}); ok {
			t.Error("plain event misdetected as virtual")
		}
	})
}
