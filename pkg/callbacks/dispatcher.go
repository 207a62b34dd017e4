// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package callbacks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventRegistrar is where handlers are attached. *mautrix.DefaultSyncer
// implements it.
type EventRegistrar interface {
	OnSync(callback mautrix.SyncHandler)
	OnEventType(eventType event.Type, callback mautrix.EventHandler)
}

// RoomClient is the part of the Matrix client the dispatcher calls into.
// *mautrix.Client implements it.
type RoomClient interface {
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
	SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error)
}

var (
	_ EventRegistrar      = (*mautrix.DefaultSyncer)(nil)
	_ RoomClient          = (*mautrix.Client)(nil)
	_ mautrix.SyncHandler = (*Dispatcher)(nil).MarkHistory
)

// verificationEventTypes are the to-device types routed to
// HandleVerification.
var verificationEventTypes = []event.Type{
	event.ToDeviceVerificationStart,
	event.ToDeviceVerificationAccept,
	event.ToDeviceVerificationKey,
	event.ToDeviceVerificationMAC,
	event.ToDeviceVerificationCancel,
}

// verificationTimeout bounds how long a cancelled transaction is remembered.
// It matches the ten minute SAS timeout, after which the peer has given up
// on the transaction anyway.
const verificationTimeout = 10 * time.Minute

// Dispatcher owns the default bot callbacks.
type Dispatcher struct {
	client RoomClient
	userID id.UserID
	log    zerolog.Logger

	// verifier is set when the dispatcher drives the SAS exchange itself.
	// decider is set whenever emoji verification is enabled.
	verifier Verifier
	decider  SASDecider
	prompter Prompter

	// cryptoDecrypts is set once a crypto layer reports decryption
	// failures through DecryptErrorCallback.
	cryptoDecrypts bool

	txnMu sync.Mutex
	txns  map[id.VerificationTransactionID]*verification

	historyMu sync.Mutex
	history   map[id.EventID]struct{}
}

// NewDispatcher creates a dispatcher acting as userID. userID may be empty,
// in which case every invite event is treated as addressed to the bot.
func NewDispatcher(client RoomClient, userID id.UserID, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:  client,
		userID:  userID,
		log:     log.With().Str("component", "callbacks").Logger(),
		txns:    make(map[id.VerificationTransactionID]*verification),
		history: make(map[id.EventID]struct{}),
	}
}

// EnableEmojiVerification routes verification to-device events to the
// dispatcher. verifier performs the SAS protocol; prompter is told when an
// emoji comparison is needed and may be nil if decisions are delivered
// through Decide by other means.
func (d *Dispatcher) EnableEmojiVerification(verifier Verifier, prompter Prompter) {
	d.verifier = verifier
	d.decider = verifier
	d.prompter = prompter
}

// EnableManagedVerification is used with a SAS engine that handles the
// verification events itself. The engine reports progress through
// StartVerification, AwaitDecision, VerificationCancelled and
// VerificationDone, and receives the operator's verdict through decider.
func (d *Dispatcher) EnableManagedVerification(decider SASDecider, prompter Prompter) {
	d.verifier = nil
	d.decider = decider
	d.prompter = prompter
}

// DecryptErrorCallback returns a decryption error hook for a crypto layer
// that decrypts m.room.encrypted events itself. Once it has been requested,
// Setup no longer registers HandleUndecryptable, since successfully
// decrypted events are dispatched as m.room.encrypted too.
func (d *Dispatcher) DecryptErrorCallback(ctx context.Context) func(evt *event.Event, err error) {
	d.cryptoDecrypts = true
	return func(evt *event.Event, err error) {
		d.HandleDecryptionFailure(ctx, evt, err)
	}
}

// Setup registers the initial sync marker, the invite handler, the
// decryption failure handler, every handler in listener, and the
// verification handler if the dispatcher drives verification itself.
// A crypto layer must register its own sync handlers before Setup.
func (d *Dispatcher) Setup(registrar EventRegistrar, listener *Listener) {
	registrar.OnSync(d.MarkHistory)
	registrar.OnEventType(event.StateMember, d.HandleInvite)
	if !d.cryptoDecrypts {
		registrar.OnEventType(event.EventEncrypted, d.HandleUndecryptable)
	}

	count := 0
	if listener != nil {
		listener.Each(func(eventType event.Type, handler mautrix.EventHandler) {
			registrar.OnEventType(eventType, d.skipHistory(handler))
			count++
		})
	}

	if d.verifier != nil {
		for _, evtType := range verificationEventTypes {
			registrar.OnEventType(evtType, d.HandleVerification)
		}
	}

	d.log.Debug().
		Int("listener_handlers", count).
		Bool("crypto_decrypts", d.cryptoDecrypts).
		Bool("emoji_verification", d.decider != nil).
		Msg("Registered event callbacks")
}
