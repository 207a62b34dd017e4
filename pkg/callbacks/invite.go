// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package callbacks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MaxJoinAttempts is the total number of join calls made for one invite.
const MaxJoinAttempts = 3

// HandleInvite joins the room of an invite addressed to the bot. Member
// events with any other membership are ignored, as are member events
// replayed from the history of a joined room.
func (d *Dispatcher) HandleInvite(ctx context.Context, evt *event.Event) {
	if evt.Content.AsMember().Membership != event.MembershipInvite || d.isHistory(evt) {
		return
	}
	if d.userID != "" && evt.StateKey != nil && id.UserID(*evt.StateKey) != d.userID {
		return
	}

	log := d.log.With().
		Str("room_id", string(evt.RoomID)).
		Str("inviter", string(evt.Sender)).
		Logger()
	if err := d.joinWithRetry(ctx, evt.RoomID, log); err != nil {
		log.Error().Err(err).Msg("Giving up on invite")
	}
}

// joinWithRetry calls JoinRoomByID until it succeeds or MaxJoinAttempts
// calls have failed. Every error is retried immediately.
func (d *Dispatcher) joinWithRetry(ctx context.Context, roomID id.RoomID, log zerolog.Logger) error {
	var err error
	for attempt := 1; attempt <= MaxJoinAttempts; attempt++ {
		if _, err = d.client.JoinRoomByID(ctx, roomID); err == nil {
			log.Info().Int("attempt", attempt).Msg("Joined room")
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Failed to join room")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrJoinFailed, ctxErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrJoinFailed, MaxJoinAttempts, err)
}
