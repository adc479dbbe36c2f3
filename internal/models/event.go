package models

import (
	"errors"
	"time"
)

// ErrValidation marks events whose shape cannot be synchronized. Not
// retriable; the event needs fixing, not the connection.
var ErrValidation = errors.New("validation failed")

// CalendarEvent is the unit of synchronization.
// This is an internal representation, independent of any specific calendar provider.
//
// Start and End are naive local date-time strings ("2006-01-02T15:04:05") with no
// embedded offset, or date-only strings ("2006-01-02") for all-day events. All-day
// events use the exclusive-end convention: End is the day after the last included day,
// matching provider semantics. The zone that gives the naive strings meaning is
// resolved in order: Timezone column, per-event metadata zone, provider calendar zone,
// caller default.
type CalendarEvent struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	Start    string `json:"start"`
	End      string `json:"end"`
	AllDay   bool   `json:"all_day"`
	Timezone string `json:"timezone,omitempty"` // IANA zone id; empty means unresolved

	Category        string   `json:"category,omitempty"`
	Source          string   `json:"source,omitempty"`           // product module that owns the event
	SourceReference string   `json:"source_reference,omitempty"` // id in the owning module
	Metadata        Metadata `json:"metadata"`

	// Attendees are internal person ids. External emails live only in
	// Metadata.AdditionalAttendees.
	Attendees []string `json:"attendees,omitempty"`

	ProviderCalendarID string    `json:"provider_calendar_id,omitempty"`
	ProviderEventID    string    `json:"provider_event_id,omitempty"`
	ProviderEtag       string    `json:"provider_etag,omitempty"`
	SyncEnabled        bool      `json:"sync_enabled"`
	LastSyncedAt       time.Time `json:"last_synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Metadata is the typed view of the event's free-form metadata bag. Fields the
// engine understands are explicit; anything else a provider or module stuffed in
// survives round-trips through Extra.
type Metadata struct {
	AdditionalAttendees []string `json:"additional_attendees,omitempty"`
	// NotifyAttendees suppresses provider-native notifications and ICS invites
	// when explicitly false. Nil means the default policy (notify).
	NotifyAttendees *bool `json:"notify_attendees,omitempty"`

	// Timezone overrides the event zone when the Timezone column is empty.
	// Departure/Arrival zones apply to the start/end legs of multi-zone travel
	// events; each leg resolves independently.
	Timezone          string `json:"timezone,omitempty"`
	DepartureTimezone string `json:"departure_timezone,omitempty"`
	ArrivalTimezone   string `json:"arrival_timezone,omitempty"`

	// DSTTransition marks events whose start sits near a zone offset change.
	// Informational only.
	DSTTransition bool `json:"dst_transition,omitempty"`

	MeetingLink    string `json:"meeting_link,omitempty"`
	VirtualMeeting bool   `json:"virtual_meeting,omitempty"`

	// InviteSequence is the ICS SEQUENCE number; incremented on every re-invite.
	InviteSequence int `json:"invite_sequence,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Notify reports whether attendee notification is wanted for this event.
func (m Metadata) Notify() bool {
	return m.NotifyAttendees == nil || *m.NotifyAttendees
}

// Person is an internal identity that can appear in CalendarEvent.Attendees.
type Person struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email"`
	SyncToProvider bool   `json:"sync_to_provider"`
}

// SyncCursor is the provider-issued incremental sync token for one
// (user, provider calendar) pair. Absence means the next pull performs a
// bounded historical backfill instead of a delta fetch.
type SyncCursor struct {
	UserID     string    `json:"user_id"`
	CalendarID string    `json:"calendar_id"`
	Token      string    `json:"token"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SyncTarget is one (user, provider calendar) pair enrolled in synchronization.
type SyncTarget struct {
	UserID     string `json:"user_id"`
	CalendarID string `json:"calendar_id"`
}

// SyncLogEntry records one sync action for later inspection and manual replay.
type SyncLogEntry struct {
	UserID     string    `json:"user_id"`
	CalendarID string    `json:"calendar_id"`
	EventID    string    `json:"event_id,omitempty"`
	Action     string    `json:"action"` // create, update, delete, error
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Change is a single row-level change notification from the event store.
type Change struct {
	Table    string `json:"table"`
	Op       string `json:"op"` // INSERT, UPDATE, DELETE
	RowID    string `json:"row_id"`
	Source   string `json:"source,omitempty"`
	Category string `json:"category,omitempty"`
}
