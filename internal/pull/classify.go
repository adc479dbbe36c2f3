package pull

import (
	"regexp"
	"strings"

	"google.golang.org/api/calendar/v3"
)

// categoryKeywords drives best-effort category inference from free text.
// First match wins in this order; ambiguous events ("family medical") land on
// whichever bucket matches first and stay user-correctable.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"medical", []string{
		"medical", "doctor", "dentist", "dental", "clinic", "hospital",
		"pediatric", "checkup", "check-up", "appointment", "vaccine",
		"vaccination", "therapy", "physical", "medication", "optometrist",
		"orthodontist", "prescription", "vet", "veterinar",
	}},
	{"work", []string{
		"meeting", "standup", "stand-up", "1:1", "one-on-one", "interview",
		"review", "sprint", "deadline", "presentation", "offsite", "shift",
	}},
	{"travel", []string{
		"flight", "airport", "hotel", "airbnb", "train", "trip", "vacation",
		"cruise", "check-in", "boarding", "itinerary", "road trip",
	}},
	{"school", []string{
		"school", "class", "exam", "test", "homework", "recital", "tuition",
		"parent-teacher", "pta", "field trip", "semester", "graduation",
	}},
	{"family", []string{
		"birthday", "anniversary", "reunion", "wedding", "babysit",
		"playdate", "family",
	}},
	{"personal", []string{
		"gym", "workout", "run", "yoga", "haircut", "salon", "errand",
		"grocery", "hobby",
	}},
}

// InferCategory guesses an event category from its title and description.
// Best-effort only; an empty result means "unclassified".
func InferCategory(title, description string) string {
	text := strings.ToLower(title + " " + description)
	for _, bucket := range categoryKeywords {
		for _, word := range bucket.words {
			if strings.Contains(text, word) {
				return bucket.category
			}
		}
	}
	return ""
}

var meetingLinkPattern = regexp.MustCompile(
	`https?://(?:[a-z0-9.-]*\.)?(?:zoom\.us|meet\.google\.com|teams\.microsoft\.com|webex\.com)/\S+`)

// detectVirtualMeeting reports whether the provider event is an online
// meeting, returning the join link when one is found. Conference data counts
// even without an extractable link.
func detectVirtualMeeting(item *calendar.Event) (link string, virtual bool) {
	if item.HangoutLink != "" {
		return item.HangoutLink, true
	}
	if item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri, true
			}
		}
		return "", true
	}
	for _, text := range []string{item.Location, item.Description} {
		if m := meetingLinkPattern.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}
