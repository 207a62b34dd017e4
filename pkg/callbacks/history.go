// Copyright 2024-2026 Aiku AI

package callbacks

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// MarkHistory is a sync handler recording the room events returned by a
// sync without a since token. That response replays recent history, which
// the default callbacks and listener handlers skip. Pending invites are not
// history and are still joined.
func (d *Dispatcher) MarkHistory(_ context.Context, resp *mautrix.RespSync, since string) bool {
	if since != "" || resp == nil {
		return true
	}
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	count := 0
	for _, room := range resp.Rooms.Join {
		if room == nil {
			continue
		}
		for _, list := range [][]*event.Event{room.State.Events, room.Timeline.Events} {
			for _, evt := range list {
				if evt != nil && evt.ID != "" {
					d.history[evt.ID] = struct{}{}
					count++
				}
			}
		}
	}
	d.log.Debug().Int("events", count).Msg("Initial sync, skipping room history")
	return true
}

// isHistory reports whether evt was part of the initial sync history.
func (d *Dispatcher) isHistory(evt *event.Event) bool {
	if evt == nil || evt.ID == "" {
		return false
	}
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	_, ok := d.history[evt.ID]
	return ok
}

// skipHistory wraps handler so it is not called for initial sync history.
func (d *Dispatcher) skipHistory(handler mautrix.EventHandler) mautrix.EventHandler {
	return func(ctx context.Context, evt *event.Event) {
		if d.isHistory(evt) {
			return
		}
		handler(ctx, evt)
	}
}
