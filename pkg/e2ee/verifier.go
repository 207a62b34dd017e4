// Copyright 2024-2026 Aiku AI

package e2ee

import (
	"context"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/crypto/verificationhelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-simplebot/pkg/callbacks"
)

// Tracker follows the progress of verifications and asks the operator to
// compare emoji. *callbacks.Dispatcher implements it.
type Tracker interface {
	StartVerification(txnID id.VerificationTransactionID, sender id.UserID)
	AwaitDecision(ctx context.Context, txnID id.VerificationTransactionID, sender id.UserID, emoji []callbacks.Emoji) bool
	VerificationCancelled(txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string)
	VerificationDone(txnID id.VerificationTransactionID)
}

// Engine runs the SAS protocol. *verificationhelper.VerificationHelper
// implements it.
type Engine interface {
	AcceptVerification(ctx context.Context, txnID id.VerificationTransactionID) error
	ConfirmSAS(ctx context.Context, txnID id.VerificationTransactionID) error
	CancelVerification(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) error
}

var (
	_ Tracker                              = (*callbacks.Dispatcher)(nil)
	_ Engine                               = (*verificationhelper.VerificationHelper)(nil)
	_ verificationhelper.RequiredCallbacks = (*Verifier)(nil)
	_ verificationhelper.ShowSASCallbacks  = (*Verifier)(nil)
	_ callbacks.SASDecider                 = (*Verifier)(nil)
)

// Verifier connects the verification engine to the tracker. Incoming
// requests are accepted, the emoji are handed to the tracker and the
// operator's answer is sent back through the engine.
//
// The engine calls ShowSAS and VerificationCancelled while holding its
// transaction lock, so anything that may call back into the engine runs on
// its own goroutine.
type Verifier struct {
	engine  Engine
	tracker Tracker
	log     zerolog.Logger
}

func newVerifier(tracker Tracker, log zerolog.Logger) *Verifier {
	return &Verifier{
		tracker: tracker,
		log:     log.With().Str("component", "verification").Logger(),
	}
}

func (v *Verifier) VerificationRequested(ctx context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID) {
	log := v.log.With().
		Stringer("transaction_id", txnID).
		Stringer("sender", from).
		Stringer("device_id", fromDevice).
		Logger()
	log.Info().Msg("Received verification request")
	v.tracker.StartVerification(txnID, from)
	if err := v.engine.AcceptVerification(ctx, txnID); err != nil {
		log.Error().Err(err).Msg("Failed to accept verification request")
	}
}

func (v *Verifier) VerificationReady(_ context.Context, txnID id.VerificationTransactionID, otherDeviceID id.DeviceID, supportsSAS, _ bool, _ *verificationhelper.QRCode) {
	v.log.Debug().
		Stringer("transaction_id", txnID).
		Stringer("device_id", otherDeviceID).
		Bool("supports_sas", supportsSAS).
		Msg("Verification is ready")
}

// ShowSAS hands the emoji to the tracker. Verification by decimals alone is
// refused.
func (v *Verifier) ShowSAS(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, _ []int) {
	if len(emojis) == 0 {
		v.log.Warn().Stringer("transaction_id", txnID).Msg("Peer did not agree to emoji verification")
		go func() {
			err := v.engine.CancelVerification(ctx, txnID, event.VerificationCancelCodeUnknownMethod, "only emoji verification is supported")
			if err != nil {
				v.log.Error().Err(err).Stringer("transaction_id", txnID).Msg("Failed to cancel verification")
			}
		}()
		return
	}
	emoji := make([]callbacks.Emoji, len(emojis))
	for i, r := range emojis {
		emoji[i].Symbol = string(r)
		if i < len(emojiDescriptions) {
			emoji[i].Description = emojiDescriptions[i]
		}
	}
	go v.tracker.AwaitDecision(ctx, txnID, "", emoji)
}

func (v *Verifier) VerificationCancelled(_ context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	v.tracker.VerificationCancelled(txnID, code, reason)
}

func (v *Verifier) VerificationDone(_ context.Context, txnID id.VerificationTransactionID) {
	v.tracker.VerificationDone(txnID)
}

// ConfirmShortAuthString tells the peer the emoji matched.
func (v *Verifier) ConfirmShortAuthString(ctx context.Context, txnID id.VerificationTransactionID) error {
	return v.engine.ConfirmSAS(ctx, txnID)
}

// CancelKeyVerification cancels txnID, as a mismatch when reject is set.
func (v *Verifier) CancelKeyVerification(ctx context.Context, txnID id.VerificationTransactionID, reject bool) error {
	if reject {
		return v.engine.CancelVerification(ctx, txnID, event.VerificationCancelCodeSASMismatch, "emoji did not match")
	}
	return v.engine.CancelVerification(ctx, txnID, event.VerificationCancelCodeUser, "cancelled by operator")
}
