// Copyright 2024-2026 Aiku AI

package callbacks

import (
	"context"

	"maunium.net/go/mautrix/event"
)

// DecryptionFailureNotice is sent to rooms where the bot received a message
// it could not decrypt.
const DecryptionFailureNotice = "Failed to decrypt your message. Make sure you are sending messages to unverified devices or verify me if possible."

// HandleUndecryptable is registered for m.room.encrypted when no crypto
// layer is configured, so every encrypted event is one the bot cannot read.
func (d *Dispatcher) HandleUndecryptable(ctx context.Context, evt *event.Event) {
	d.HandleDecryptionFailure(ctx, evt, nil)
}

// HandleDecryptionFailure tells the sender of evt that the bot could not
// read it. With a crypto layer it is reached through DecryptErrorCallback.
// Decryption is never retried here, and events from the initial sync
// history get no notice.
func (d *Dispatcher) HandleDecryptionFailure(ctx context.Context, evt *event.Event, cause error) {
	if evt == nil || evt.RoomID == "" || d.isHistory(evt) {
		return
	}
	if d.userID != "" && evt.Sender == d.userID {
		return
	}

	log := d.log.With().
		Str("room_id", string(evt.RoomID)).
		Str("event_id", string(evt.ID)).
		Str("sender", string(evt.Sender)).
		Logger()
	log.Warn().AnErr("cause", cause).Msg("Failed to decrypt message")

	if _, err := d.client.SendNotice(ctx, evt.RoomID, DecryptionFailureNotice); err != nil {
		log.Error().Err(err).Msg("Failed to send decryption failure notice")
	}
}
