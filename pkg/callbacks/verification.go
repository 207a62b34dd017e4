// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package callbacks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Emoji is one entry of a SAS emoji sequence.
type Emoji struct {
	Symbol      string
	Description string
}

// SASState is a snapshot of the flags of an in-flight verification.
type SASState struct {
	WeStartedIt     bool
	Accepted        bool
	Cancelled       bool
	TimedOut        bool
	Verified        bool
	VerifiedDevices []id.DeviceID
}

// ToDeviceMessage is a to-device payload produced by a SAS.
type ToDeviceMessage struct {
	Type     event.Type
	UserID   id.UserID
	DeviceID id.DeviceID
	Content  any
}

// SAS is an in-flight short authentication string verification owned by
// the Verifier.
type SAS interface {
	// ShareKey returns the message carrying this side's ephemeral key.
	ShareKey() (*ToDeviceMessage, error)
	// Emoji returns the negotiated emoji sequence. Only valid once both
	// keys have been exchanged.
	Emoji() []Emoji
	// MAC returns this side's MAC message. It returns an error wrapping
	// ErrLocalProtocol if the verification state does not allow it.
	MAC() (*ToDeviceMessage, error)
	State() SASState
}

// SASDecider acts on the operator's verdict for an emoji comparison.
type SASDecider interface {
	ConfirmShortAuthString(ctx context.Context, txnID id.VerificationTransactionID) error
	// CancelKeyVerification cancels the transaction. reject is set when the
	// emoji did not match.
	CancelKeyVerification(ctx context.Context, txnID id.VerificationTransactionID, reject bool) error
}

// Verifier runs the SAS protocol step by step. The dispatcher drives it but
// never sees key material.
type Verifier interface {
	SASDecider
	AcceptKeyVerification(ctx context.Context, txnID id.VerificationTransactionID) error
	KeyVerification(txnID id.VerificationTransactionID) (SAS, bool)
}

// DecisionRequest asks an operator to compare emoji with the other device.
type DecisionRequest struct {
	TransactionID id.VerificationTransactionID
	Sender        id.UserID
	Emoji         []Emoji
}

// String renders the emoji sequence on one line.
func (r DecisionRequest) String() string {
	parts := make([]string, len(r.Emoji))
	for i, e := range r.Emoji {
		parts[i] = e.Symbol + " (" + e.Description + ")"
	}
	return strings.Join(parts, "  ")
}

// Prompter is notified when an emoji comparison is needed. RequestDecision
// must not block; the answer is delivered later through Dispatcher.Decide.
type Prompter interface {
	RequestDecision(ctx context.Context, req DecisionRequest)
}

// Decision is the operator's verdict on an emoji comparison.
type Decision int

const (
	DecisionCancel Decision = iota
	DecisionMatch
	DecisionMismatch
)

// ParseDecision maps "y"/"Y" to DecisionMatch, "n"/"N" to DecisionMismatch
// and anything else to DecisionCancel.
func ParseDecision(answer string) Decision {
	switch strings.ToLower(answer) {
	case "y":
		return DecisionMatch
	case "n":
		return DecisionMismatch
	default:
		return DecisionCancel
	}
}

type verificationStage int

const (
	stageStarted verificationStage = iota
	stageAwaitingDecision
	stageDecided
	stageCancelled
)

type verification struct {
	sender id.UserID
	stage  verificationStage
	expiry *time.Timer
}

// HandleVerification is registered for the verification to-device types.
// Panics are logged and swallowed so one bad event never stops the sync loop.
func (d *Dispatcher) HandleVerification(ctx context.Context, evt *event.Event) {
	log := d.log.With().
		Str("event_type", evt.Type.Type).
		Str("sender", string(evt.Sender)).
		Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling verification event")
		}
	}()

	if d.verifier == nil {
		log.Warn().Msg("Emoji verification is not enabled, ignoring event")
		return
	}

	switch content := evt.Content.Parsed.(type) {
	case *event.VerificationStartEventContent:
		d.verificationStart(ctx, evt.Sender, content, log)
	case *event.VerificationCancelEventContent:
		d.verificationCancel(evt.Sender, content, log)
	case *event.VerificationKeyEventContent:
		d.verificationKey(ctx, evt.Sender, content.TransactionID, log)
	case *event.VerificationMACEventContent:
		d.verificationMAC(ctx, content.TransactionID, log)
	default:
		log.Warn().
			Type("content_type", evt.Content.Parsed).
			Msg("Received unexpected verification event, ignoring")
	}
}

func (d *Dispatcher) verificationStart(ctx context.Context, sender id.UserID, content *event.VerificationStartEventContent, log zerolog.Logger) {
	txnID := content.TransactionID
	log = log.With().Str("transaction_id", string(txnID)).Logger()

	if !slices.Contains(content.ShortAuthenticationString, event.SASMethodEmoji) {
		log.Warn().
			Any("methods", content.ShortAuthenticationString).
			Msg("Other device does not support emoji verification")
		return
	}

	d.txnMu.Lock()
	d.trackLocked(txnID, sender)
	d.txnMu.Unlock()

	if err := d.verifier.AcceptKeyVerification(ctx, txnID); err != nil {
		log.Error().Err(err).Msg("Failed to accept key verification")
		d.forget(txnID)
		return
	}
	sas, ok := d.verifier.KeyVerification(txnID)
	if !ok {
		log.Error().Err(ErrUnknownTransaction).Msg("Accepted verification has no SAS")
		d.forget(txnID)
		return
	}
	msg, err := sas.ShareKey()
	if err != nil {
		log.Error().Err(err).Msg("Failed to produce key share")
		return
	}
	if err := d.sendToDevice(ctx, msg); err != nil {
		log.Error().Err(err).Msg("Failed to send key share")
		return
	}
	log.Info().Msg("Accepted emoji verification and shared key")
}

func (d *Dispatcher) verificationCancel(sender id.UserID, content *event.VerificationCancelEventContent, log zerolog.Logger) {
	txnID := content.TransactionID
	d.txnMu.Lock()
	if v, ok := d.txns[txnID]; ok && v.sender != sender {
		d.txnMu.Unlock()
		log.Warn().
			Str("transaction_id", string(txnID)).
			Str("expected_sender", string(v.sender)).
			Msg("Ignoring verification cancel from another user")
		return
	}
	d.trackLocked(txnID, sender).stage = stageCancelled
	d.txnMu.Unlock()

	// The peer already cancelled, so nothing is sent back.
	log.Info().
		Str("transaction_id", string(txnID)).
		Str("code", string(content.Code)).
		Str("reason", content.Reason).
		Msg("Verification has been cancelled")
}

func (d *Dispatcher) verificationKey(ctx context.Context, sender id.UserID, txnID id.VerificationTransactionID, log zerolog.Logger) {
	log = log.With().Str("transaction_id", string(txnID)).Logger()
	if d.isCancelled(txnID) {
		log.Debug().Msg("Ignoring key for cancelled verification")
		return
	}
	sas, ok := d.verifier.KeyVerification(txnID)
	if !ok {
		log.Error().Err(ErrUnknownTransaction).Msg("Received key for unknown verification")
		return
	}

	d.AwaitDecision(ctx, txnID, sender, sas.Emoji())
}

// StartVerification starts tracking a transaction with sender. Only sender
// may cancel it afterwards.
func (d *Dispatcher) StartVerification(txnID id.VerificationTransactionID, sender id.UserID) {
	d.txnMu.Lock()
	defer d.txnMu.Unlock()
	d.trackLocked(txnID, sender)
}

// AwaitDecision records that txnID waits for an emoji comparison and tells
// the prompter. Only a freshly started transaction moves to waiting, so a
// repeated key or one arriving after a decision is ignored. An empty sender
// means the one the transaction was started with.
func (d *Dispatcher) AwaitDecision(ctx context.Context, txnID id.VerificationTransactionID, sender id.UserID, emoji []Emoji) bool {
	log := d.log.With().Str("transaction_id", string(txnID)).Logger()
	d.txnMu.Lock()
	v := d.trackLocked(txnID, sender)
	if v.stage != stageStarted {
		stage := v.stage
		d.txnMu.Unlock()
		log.Debug().Int("stage", int(stage)).Msg("Ignoring key for verification that is not waiting for one")
		return false
	}
	v.stage = stageAwaitingDecision
	if sender == "" {
		sender = v.sender
	}
	d.txnMu.Unlock()

	req := DecisionRequest{
		TransactionID: txnID,
		Sender:        sender,
		Emoji:         emoji,
	}
	log.Info().Str("emoji", req.String()).Msg("Emoji comparison needed")
	if d.prompter != nil {
		d.prompter.RequestDecision(ctx, req)
	}
	return true
}

// VerificationCancelled marks txnID as cancelled by either side. Pending
// decisions for it are dropped.
func (d *Dispatcher) VerificationCancelled(txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	d.txnMu.Lock()
	d.trackLocked(txnID, "").stage = stageCancelled
	d.txnMu.Unlock()
	d.log.Info().
		Str("transaction_id", string(txnID)).
		Str("code", string(code)).
		Str("reason", reason).
		Msg("Verification has been cancelled")
}

// VerificationDone forgets a transaction that concluded successfully.
func (d *Dispatcher) VerificationDone(txnID id.VerificationTransactionID) {
	d.forget(txnID)
	d.log.Info().Str("transaction_id", string(txnID)).Msg("Emoji verification finished")
}

// Decide resumes a verification waiting for an emoji comparison. "y" or "Y"
// confirms, "n" or "N" rejects, and any other answer cancels.
func (d *Dispatcher) Decide(ctx context.Context, txnID id.VerificationTransactionID, answer string) error {
	if d.decider == nil {
		return fmt.Errorf("%w: %s", ErrNoPendingDecision, txnID)
	}

	d.txnMu.Lock()
	v, ok := d.txns[txnID]
	switch {
	case !ok:
		d.txnMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingDecision, txnID)
	case v.stage == stageCancelled:
		d.txnMu.Unlock()
		return fmt.Errorf("%w: %s", ErrVerificationCancelled, txnID)
	case v.stage != stageAwaitingDecision:
		d.txnMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingDecision, txnID)
	}
	decision := ParseDecision(answer)
	if decision == DecisionMatch {
		v.stage = stageDecided
	} else {
		v.stage = stageCancelled
	}
	d.txnMu.Unlock()

	log := d.log.With().Str("transaction_id", string(txnID)).Logger()
	var err error
	switch decision {
	case DecisionMatch:
		log.Info().Msg("Emoji match, the verification for this device will be accepted")
		err = d.decider.ConfirmShortAuthString(ctx, txnID)
	case DecisionMismatch:
		log.Info().Msg("Emoji mismatch, rejecting verification")
		err = d.decider.CancelKeyVerification(ctx, txnID, true)
	default:
		log.Info().Msg("Verification cancelled by operator")
		err = d.decider.CancelKeyVerification(ctx, txnID, false)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to send verification decision")
		return fmt.Errorf("sending verification decision: %w", err)
	}
	return nil
}

func (d *Dispatcher) verificationMAC(ctx context.Context, txnID id.VerificationTransactionID, log zerolog.Logger) {
	log = log.With().Str("transaction_id", string(txnID)).Logger()
	if d.isCancelled(txnID) {
		log.Debug().Msg("Ignoring MAC for cancelled verification")
		return
	}
	defer d.forget(txnID)

	sas, ok := d.verifier.KeyVerification(txnID)
	if !ok {
		log.Error().Err(ErrUnknownTransaction).Msg("Received MAC for unknown verification")
		return
	}
	msg, err := sas.MAC()
	if errors.Is(err, ErrLocalProtocol) {
		log.Warn().Err(err).Msg("Cancelled or protocol error, verification not concluded")
		return
	} else if err != nil {
		log.Error().Err(err).Msg("Failed to compute MAC, verification not concluded")
		return
	}
	if err := d.sendToDevice(ctx, msg); err != nil {
		log.Error().Err(err).Msg("Failed to send MAC")
	}

	state := sas.State()
	evt := log.Info()
	if !state.Verified {
		evt = log.Warn()
	}
	evt.
		Bool("we_started_it", state.WeStartedIt).
		Bool("sas_accepted", state.Accepted).
		Bool("cancelled", state.Cancelled).
		Bool("timed_out", state.TimedOut).
		Bool("verified", state.Verified).
		Any("verified_devices", state.VerifiedDevices).
		Msg("Emoji verification finished")
}

func (d *Dispatcher) sendToDevice(ctx context.Context, msg *ToDeviceMessage) error {
	if msg == nil {
		return errors.New("no to-device message to send")
	}
	req := &mautrix.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			msg.UserID: {
				msg.DeviceID: &event.Content{Parsed: msg.Content},
			},
		},
	}
	_, err := d.client.SendToDevice(ctx, msg.Type, req)
	return err
}

// trackLocked returns the state for txnID, creating it if needed. New
// entries are dropped after verificationTimeout. Callers hold txnMu.
func (d *Dispatcher) trackLocked(txnID id.VerificationTransactionID, sender id.UserID) *verification {
	if v, ok := d.txns[txnID]; ok {
		return v
	}
	v := &verification{sender: sender, stage: stageStarted}
	v.expiry = time.AfterFunc(verificationTimeout, func() {
		d.txnMu.Lock()
		defer d.txnMu.Unlock()
		if d.txns[txnID] == v {
			delete(d.txns, txnID)
		}
	})
	d.txns[txnID] = v
	return v
}

func (d *Dispatcher) forget(txnID id.VerificationTransactionID) {
	d.txnMu.Lock()
	defer d.txnMu.Unlock()
	if v, ok := d.txns[txnID]; ok {
		v.expiry.Stop()
		delete(d.txns, txnID)
	}
}

func (d *Dispatcher) isCancelled(txnID id.VerificationTransactionID) bool {
	d.txnMu.Lock()
	defer d.txnMu.Unlock()
	v, ok := d.txns[txnID]
	return ok && v.stage == stageCancelled
}

// Pending returns the transactions currently waiting for Decide.
func (d *Dispatcher) Pending() []id.VerificationTransactionID {
	d.txnMu.Lock()
	defer d.txnMu.Unlock()
	var pending []id.VerificationTransactionID
	for txnID, v := range d.txns {
		if v.stage == stageAwaitingDecision {
			pending = append(pending, txnID)
		}
	}
	slices.Sort(pending)
	return pending
}
