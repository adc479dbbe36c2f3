// Package dispatch turns database change notifications into debounced
// refresh callbacks, one stream per feature domain. Consumers register a
// callback for the domains they render; the dispatcher absorbs notification
// bursts so a multi-row write refreshes each domain once.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"kincal/internal/models"
)

// Domain is a feature area whose views refresh together.
type Domain string

const (
	DomainCalendar  Domain = "calendar"
	DomainTravel    Domain = "travel"
	DomainHealth    Domain = "health"
	DomainPets      Domain = "pets"
	DomainAcademics Domain = "academics"
	DomainTasks     Domain = "tasks"
)

// Callback receives the domain that needs refreshing.
type Callback func(domain Domain)

// Config tunes the dedup and debounce behavior.
type Config struct {
	// DedupWindow suppresses repeat notifications for the same row.
	DedupWindow time.Duration
	// DebounceDelay is how long a domain's refresh waits for further
	// changes before firing.
	DebounceDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		DedupWindow:   5 * time.Second,
		DebounceDelay: 500 * time.Millisecond,
	}
}

// Dispatcher fans database changes out to registered callbacks.
//
// All mutable state is guarded by mu; callbacks run outside the lock.
type Dispatcher struct {
	logger *slog.Logger
	cfg    Config

	mu        sync.Mutex
	callbacks []Callback
	seen      map[dedupKey]time.Time
	timers    map[Domain]*time.Timer

	now func() time.Time
}

type dedupKey struct {
	table string
	rowID string
}

func New(logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = DefaultConfig().DebounceDelay
	}
	return &Dispatcher{
		logger: logger,
		cfg:    cfg,
		seen:   make(map[dedupKey]time.Time),
		timers: make(map[Domain]*time.Timer),
		now:    time.Now,
	}
}

// Subscribe registers a callback for every future refresh.
func (d *Dispatcher) Subscribe(cb Callback) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, cb)
	d.mu.Unlock()
}

// HandleChange routes one row change to its domain. Repeat notifications for
// the same row inside the dedup window are dropped; surviving changes arm (or
// re-arm) the domain's debounce timer, so the callback fires one delay after
// the last change in a burst.
func (d *Dispatcher) HandleChange(change models.Change) {
	domain := classifyDomain(change)

	d.mu.Lock()
	if !d.admit(change) {
		d.mu.Unlock()
		d.logger.Debug("Dropped duplicate change",
			"table", change.Table, "rowID", change.RowID)
		return
	}
	d.schedule(domain)
	d.mu.Unlock()
}

// RefreshAll fires every callback for every domain immediately, bypassing
// dedup and debounce. Used after reconnects and cross-process refresh markers,
// where the dispatcher cannot know what changed.
func (d *Dispatcher) RefreshAll() {
	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[Domain]*time.Timer)
	cbs := append([]Callback(nil), d.callbacks...)
	d.mu.Unlock()

	for _, domain := range []Domain{
		DomainCalendar, DomainTravel, DomainHealth,
		DomainPets, DomainAcademics, DomainTasks,
	} {
		for _, cb := range cbs {
			cb(domain)
		}
	}
}

// admit records the change against the dedup window. Caller holds mu.
func (d *Dispatcher) admit(change models.Change) bool {
	key := dedupKey{table: change.Table, rowID: change.RowID}
	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.cfg.DedupWindow {
		return false
	}
	d.seen[key] = now
	d.prune(now)
	return true
}

// prune drops expired dedup entries. Lazy; runs on each admitted change so
// the map tracks the active working set rather than history. Caller holds mu.
func (d *Dispatcher) prune(now time.Time) {
	for key, last := range d.seen {
		if now.Sub(last) >= d.cfg.DedupWindow {
			delete(d.seen, key)
		}
	}
}

// schedule arms or re-arms the domain's debounce timer. Caller holds mu.
func (d *Dispatcher) schedule(domain Domain) {
	if t, ok := d.timers[domain]; ok {
		t.Reset(d.cfg.DebounceDelay)
		return
	}
	d.timers[domain] = time.AfterFunc(d.cfg.DebounceDelay, func() {
		d.fire(domain)
	})
}

func (d *Dispatcher) fire(domain Domain) {
	d.mu.Lock()
	delete(d.timers, domain)
	cbs := append([]Callback(nil), d.callbacks...)
	d.mu.Unlock()

	for _, cb := range cbs {
		cb(domain)
	}
}

// classifyDomain maps a change to its feature domain. A change's source is
// authoritative when set; category is the fallback. Unrecognized changes land
// in the calendar domain, which renders everything.
func classifyDomain(change models.Change) Domain {
	if d, ok := sourceDomains[change.Source]; ok {
		return d
	}
	if d, ok := categoryDomains[change.Category]; ok {
		return d
	}
	return DomainCalendar
}

var sourceDomains = map[string]Domain{
	"travel":    DomainTravel,
	"health":    DomainHealth,
	"pets":      DomainPets,
	"academics": DomainAcademics,
	"tasks":     DomainTasks,
}

var categoryDomains = map[string]Domain{
	"travel":   DomainTravel,
	"medical":  DomainHealth,
	"school":   DomainAcademics,
	"work":     DomainCalendar,
	"family":   DomainCalendar,
	"personal": DomainCalendar,
}
