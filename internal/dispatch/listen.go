package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"kincal/internal/models"
	"kincal/internal/store"
)

const (
	listenMinReconnect = 2 * time.Second
	listenMaxReconnect = time.Minute
	listenPingEvery    = 90 * time.Second
)

// Listen consumes Postgres notifications and feeds them into the dispatcher
// until ctx is cancelled. Row changes on the change channel are dispatched
// individually; a marker on the refresh channel, and every reconnect, trigger
// a full refresh because notifications may have been missed.
func (d *Dispatcher) Listen(ctx context.Context, dsn string) error {
	listener := pq.NewListener(dsn, listenMinReconnect, listenMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				d.logger.Warn("Listener connection event", "event", ev, "error", err)
			}
		})
	defer listener.Close()

	if err := listener.Listen(store.ChangeChannel); err != nil {
		return err
	}
	if err := listener.Listen(store.RefreshChannel); err != nil {
		return err
	}
	d.logger.Info("Listening for database changes",
		"channels", []string{store.ChangeChannel, store.RefreshChannel})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-listener.Notify:
			// A nil notification means the connection was re-established;
			// anything sent while disconnected is gone.
			if n == nil {
				d.logger.Info("Listener reconnected; refreshing all domains")
				d.RefreshAll()
				continue
			}
			d.handleNotification(n)
		case <-time.After(listenPingEvery):
			if err := listener.Ping(); err != nil {
				d.logger.Warn("Listener ping failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) handleNotification(n *pq.Notification) {
	switch n.Channel {
	case store.RefreshChannel:
		// The payload is only a timestamp marker; the sender deliberately
		// shares no row detail across process boundaries.
		d.logger.Debug("Refresh marker received", "payload", n.Extra)
		d.RefreshAll()
	case store.ChangeChannel:
		var change models.Change
		if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
			d.logger.Warn("Malformed change notification",
				"payload", n.Extra, "error", err)
			return
		}
		d.HandleChange(change)
	}
}
