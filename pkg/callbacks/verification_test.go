// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package callbacks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var testEmoji = []Emoji{
	{Symbol: "🐶", Description: "Dog"},
	{Symbol: "🔑", Description: "Key"},
	{Symbol: "🎸", Description: "Guitar"},
}

func newVerificationDispatcher(t *testing.T) (*Dispatcher, *fakeRoomClient, *fakeVerifier, *fakePrompter, *bytes.Buffer) {
	t.Helper()
	d, client, buf := newTestDispatcher(t)
	verifier := newFakeVerifier()
	verifier.sas[testTxnID] = &fakeSAS{
		shareKey: &ToDeviceMessage{
			Type:     event.ToDeviceVerificationKey,
			UserID:   testAliceID,
			DeviceID: "ALICEDEVICE",
			Content:  map[string]any{"key": "ephemeral"},
		},
		emoji: testEmoji,
		mac: &ToDeviceMessage{
			Type:     event.ToDeviceVerificationMAC,
			UserID:   testAliceID,
			DeviceID: "ALICEDEVICE",
			Content:  map[string]any{"mac": map[string]string{}},
		},
		state: SASState{Accepted: true, Verified: true, VerifiedDevices: []id.DeviceID{"ALICEDEVICE"}},
	}
	prompter := &fakePrompter{}
	d.EnableEmojiVerification(verifier, prompter)
	return d, client, verifier, prompter, buf
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		answer string
		want   Decision
	}{
		{"y", DecisionMatch},
		{"Y", DecisionMatch},
		{"n", DecisionMismatch},
		{"N", DecisionMismatch},
		{"", DecisionCancel},
		{"yes", DecisionCancel},
		{"q", DecisionCancel},
		{" y", DecisionCancel},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.answer), func(t *testing.T) {
			if got := ParseDecision(tt.answer); got != tt.want {
				t.Errorf("ParseDecision(%q): got %v, want %v", tt.answer, got, tt.want)
			}
		})
	}
}

func TestDecisionRequestString(t *testing.T) {
	req := DecisionRequest{Emoji: testEmoji[:2]}
	want := "🐶 (Dog)  🔑 (Key)"
	if got := req.String(); got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestVerification_StartWithoutEmoji(t *testing.T) {
	d, client, verifier, _, _ := newVerificationDispatcher(t)

	d.HandleVerification(context.Background(), startEvent(testTxnID, event.SASMethodDecimal))

	if len(verifier.accepted) != 0 {
		t.Errorf("accept calls: got %d, want 0", len(verifier.accepted))
	}
	if len(client.toDevice) != 0 {
		t.Errorf("to-device sends: got %d, want 0", len(client.toDevice))
	}
}

func TestVerification_StartAcceptsAndSharesKey(t *testing.T) {
	d, client, verifier, _, _ := newVerificationDispatcher(t)

	d.HandleVerification(context.Background(), startEvent(testTxnID, event.SASMethodDecimal, event.SASMethodEmoji))

	if !slices.Equal(verifier.accepted, []id.VerificationTransactionID{testTxnID}) {
		t.Errorf("accepted: got %v, want [%s]", verifier.accepted, testTxnID)
	}
	if len(client.toDevice) != 1 {
		t.Fatalf("to-device sends: got %d, want 1", len(client.toDevice))
	}
	sent := client.toDevice[0]
	if sent.eventType != event.ToDeviceVerificationKey {
		t.Errorf("to-device type: got %v, want %v", sent.eventType, event.ToDeviceVerificationKey)
	}
	content := sent.req.Messages[testAliceID]["ALICEDEVICE"]
	if content == nil {
		t.Fatal("to-device message not addressed to ALICEDEVICE")
	}
	if key, ok := content.Parsed.(map[string]any); !ok || key["key"] != "ephemeral" {
		t.Errorf("to-device content: got %#v", content.Parsed)
	}
}

func TestVerification_AcceptFailureStops(t *testing.T) {
	d, client, verifier, _, _ := newVerificationDispatcher(t)
	verifier.acceptErr = errors.New("olm machine unavailable")

	d.HandleVerification(context.Background(), startEvent(testTxnID, event.SASMethodEmoji))

	if len(client.toDevice) != 0 {
		t.Errorf("to-device sends: got %d, want 0", len(client.toDevice))
	}
	if len(d.txns) != 0 {
		t.Errorf("failed transaction should be forgotten, have %d", len(d.txns))
	}
}

func TestVerification_KeyRequestsDecision(t *testing.T) {
	d, _, _, prompter, _ := newVerificationDispatcher(t)
	ctx := context.Background()

	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	d.HandleVerification(ctx, keyEvent(testTxnID))

	if len(prompter.requests) != 1 {
		t.Fatalf("decision requests: got %d, want 1", len(prompter.requests))
	}
	req := prompter.requests[0]
	if req.TransactionID != testTxnID || req.Sender != testAliceID {
		t.Errorf("request: got txn %q sender %q", req.TransactionID, req.Sender)
	}
	if !slices.Equal(req.Emoji, testEmoji) {
		t.Errorf("request emoji: got %v, want %v", req.Emoji, testEmoji)
	}
	if pending := d.Pending(); !slices.Equal(pending, []id.VerificationTransactionID{testTxnID}) {
		t.Errorf("Pending: got %v", pending)
	}
}

func TestVerification_KeyForUnknownTransaction(t *testing.T) {
	d, _, _, prompter, _ := newVerificationDispatcher(t)

	d.HandleVerification(context.Background(), keyEvent("other-txn"))

	if len(prompter.requests) != 0 {
		t.Errorf("decision requests: got %d, want 0", len(prompter.requests))
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		answer        string
		wantConfirmed int
		wantCancel    []cancelCall
	}{
		{"y", 1, nil},
		{"Y", 1, nil},
		{"n", 0, []cancelCall{{txnID: testTxnID, reject: true}}},
		{"N", 0, []cancelCall{{txnID: testTxnID, reject: true}}},
		{"maybe", 0, []cancelCall{{txnID: testTxnID, reject: false}}},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			d, _, verifier, _, _ := newVerificationDispatcher(t)
			ctx := context.Background()
			d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
			d.HandleVerification(ctx, keyEvent(testTxnID))

			if err := d.Decide(ctx, testTxnID, tt.answer); err != nil {
				t.Fatalf("Decide: unexpected error: %v", err)
			}
			if len(verifier.confirmed) != tt.wantConfirmed {
				t.Errorf("confirm calls: got %d, want %d", len(verifier.confirmed), tt.wantConfirmed)
			}
			if !slices.Equal(verifier.cancelled, tt.wantCancel) {
				t.Errorf("cancel calls: got %v, want %v", verifier.cancelled, tt.wantCancel)
			}
			if len(d.Pending()) != 0 {
				t.Errorf("no decision should be pending after Decide, got %v", d.Pending())
			}

			err := d.Decide(ctx, testTxnID, tt.answer)
			if err == nil {
				t.Error("second Decide should fail")
			}
		})
	}
}

func TestDecide_UnknownTransaction(t *testing.T) {
	d, _, _, _, _ := newVerificationDispatcher(t)

	err := d.Decide(context.Background(), "nope", "y")
	if !errors.Is(err, ErrNoPendingDecision) {
		t.Errorf("Decide: got %v, want ErrNoPendingDecision", err)
	}
}

func TestDecide_BeforeKeyExchange(t *testing.T) {
	d, _, verifier, _, _ := newVerificationDispatcher(t)
	d.HandleVerification(context.Background(), startEvent(testTxnID, event.SASMethodEmoji))

	err := d.Decide(context.Background(), testTxnID, "y")
	if !errors.Is(err, ErrNoPendingDecision) {
		t.Errorf("Decide: got %v, want ErrNoPendingDecision", err)
	}
	if len(verifier.confirmed) != 0 {
		t.Errorf("confirm calls: got %d, want 0", len(verifier.confirmed))
	}
}

func TestVerification_CancelHaltsTransaction(t *testing.T) {
	d, client, verifier, prompter, _ := newVerificationDispatcher(t)
	ctx := context.Background()

	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	d.HandleVerification(ctx, cancelEvent(testTxnID))
	sentBefore := len(client.toDevice)

	d.HandleVerification(ctx, keyEvent(testTxnID))
	d.HandleVerification(ctx, macEvent(testTxnID))

	if len(prompter.requests) != 0 {
		t.Errorf("decision requests after cancel: got %d, want 0", len(prompter.requests))
	}
	if len(client.toDevice) != sentBefore {
		t.Errorf("to-device sends after cancel: got %d, want %d", len(client.toDevice), sentBefore)
	}
	if len(verifier.cancelled) != 0 {
		t.Errorf("a peer cancel must not be answered, got %v", verifier.cancelled)
	}
}

func TestDecide_AfterCancel(t *testing.T) {
	d, _, verifier, _, _ := newVerificationDispatcher(t)
	ctx := context.Background()
	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	d.HandleVerification(ctx, keyEvent(testTxnID))
	d.HandleVerification(ctx, cancelEvent(testTxnID))

	err := d.Decide(ctx, testTxnID, "y")
	if !errors.Is(err, ErrVerificationCancelled) {
		t.Errorf("Decide: got %v, want ErrVerificationCancelled", err)
	}
	if len(verifier.confirmed) != 0 {
		t.Errorf("confirm calls: got %d, want 0", len(verifier.confirmed))
	}
}

func TestVerification_MACSendsAndFinishes(t *testing.T) {
	d, client, _, _, _ := newVerificationDispatcher(t)
	ctx := context.Background()
	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	d.HandleVerification(ctx, keyEvent(testTxnID))
	if err := d.Decide(ctx, testTxnID, "y"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	d.HandleVerification(ctx, macEvent(testTxnID))

	if len(client.toDevice) != 2 {
		t.Fatalf("to-device sends: got %d, want 2 (key and MAC)", len(client.toDevice))
	}
	if got := client.toDevice[1].eventType; got != event.ToDeviceVerificationMAC {
		t.Errorf("second to-device type: got %v, want %v", got, event.ToDeviceVerificationMAC)
	}
	if len(d.txns) != 0 {
		t.Errorf("finished transaction should be forgotten, have %d", len(d.txns))
	}
}

func TestVerification_MACLocalProtocolError(t *testing.T) {
	d, client, verifier, _, _ := newVerificationDispatcher(t)
	verifier.sas[testTxnID].macErr = fmt.Errorf("%w: keys not exchanged", ErrLocalProtocol)
	ctx := context.Background()

	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	d.HandleVerification(ctx, macEvent(testTxnID))

	if len(client.toDevice) != 1 {
		t.Errorf("only the key share should be sent, got %d sends", len(client.toDevice))
	}
	if len(d.txns) != 0 {
		t.Errorf("concluded transaction should be forgotten, have %d", len(d.txns))
	}
}

func TestVerification_UnexpectedEvent(t *testing.T) {
	d, client, verifier, _, _ := newVerificationDispatcher(t)
	evt := toDeviceEvent(event.ToDeviceVerificationAccept, &event.VerificationAcceptEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: testTxnID},
	})

	d.HandleVerification(context.Background(), evt)

	if len(verifier.accepted) != 0 || len(client.toDevice) != 0 {
		t.Error("unexpected verification event should be ignored")
	}
}

func TestVerification_PanicIsRecovered(t *testing.T) {
	d, _, verifier, _, buf := newVerificationDispatcher(t)
	verifier.sas[testTxnID].panicOnKey = true

	d.HandleVerification(context.Background(), startEvent(testTxnID, event.SASMethodEmoji))

	// Reaching this point means the panic did not escape.
	if len(verifier.accepted) != 1 {
		t.Errorf("accept calls: got %d, want 1", len(verifier.accepted))
	}
	if !strings.Contains(buf.String(), "share key exploded") {
		t.Errorf("panic value should be logged, got:\n%s", buf.String())
	}
}

func TestVerification_Disabled(t *testing.T) {
	d, client, _ := newTestDispatcher(t)

	d.HandleVerification(context.Background(), startEvent(testTxnID, event.SASMethodEmoji))
	err := d.Decide(context.Background(), testTxnID, "y")

	if len(client.toDevice) != 0 {
		t.Errorf("to-device sends: got %d, want 0", len(client.toDevice))
	}
	if !errors.Is(err, ErrNoPendingDecision) {
		t.Errorf("Decide: got %v, want ErrNoPendingDecision", err)
	}
}

func TestVerification_CancelFromAnotherUserIgnored(t *testing.T) {
	d, _, _, prompter, buf := newVerificationDispatcher(t)
	ctx := context.Background()

	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	forged := cancelEvent(testTxnID)
	forged.Sender = testMalloryID
	d.HandleVerification(ctx, forged)
	d.HandleVerification(ctx, keyEvent(testTxnID))

	if len(prompter.requests) != 1 {
		t.Errorf("decision requests: got %d, want 1", len(prompter.requests))
	}
	if err := d.Decide(ctx, testTxnID, "y"); err != nil {
		t.Errorf("Decide: %v", err)
	}
	if !strings.Contains(buf.String(), "Ignoring verification cancel from another user") {
		t.Errorf("forged cancel should be logged, got:\n%s", buf.String())
	}
}

func TestVerification_RepeatedKeyAfterDecision(t *testing.T) {
	d, _, verifier, prompter, _ := newVerificationDispatcher(t)
	ctx := context.Background()

	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	d.HandleVerification(ctx, keyEvent(testTxnID))
	if err := d.Decide(ctx, testTxnID, "y"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	d.HandleVerification(ctx, keyEvent(testTxnID))

	if len(prompter.requests) != 1 {
		t.Errorf("decision requests: got %d, want 1", len(prompter.requests))
	}
	if pending := d.Pending(); len(pending) != 0 {
		t.Errorf("Pending: got %v, want none", pending)
	}
	if err := d.Decide(ctx, testTxnID, "y"); !errors.Is(err, ErrNoPendingDecision) {
		t.Errorf("second Decide: got %v, want ErrNoPendingDecision", err)
	}
	if len(verifier.confirmed) != 1 {
		t.Errorf("confirm calls: got %d, want 1", len(verifier.confirmed))
	}
}

func TestVerification_RepeatedKeyWhileWaiting(t *testing.T) {
	d, _, _, prompter, _ := newVerificationDispatcher(t)
	ctx := context.Background()

	d.HandleVerification(ctx, startEvent(testTxnID, event.SASMethodEmoji))
	d.HandleVerification(ctx, keyEvent(testTxnID))
	d.HandleVerification(ctx, keyEvent(testTxnID))

	if len(prompter.requests) != 1 {
		t.Errorf("decision requests: got %d, want 1", len(prompter.requests))
	}
}

func TestManagedVerification(t *testing.T) {
	ctx := context.Background()

	t.Run("confirm", func(t *testing.T) {
		d, _, _ := newTestDispatcher(t)
		decider := newFakeVerifier()
		prompter := &fakePrompter{}
		d.EnableManagedVerification(decider, prompter)

		d.StartVerification(testTxnID, testAliceID)
		if !d.AwaitDecision(ctx, testTxnID, "", testEmoji) {
			t.Fatal("AwaitDecision on a started transaction should prompt")
		}
		if len(prompter.requests) != 1 || prompter.requests[0].Sender != testAliceID {
			t.Fatalf("decision requests: got %+v", prompter.requests)
		}
		if err := d.Decide(ctx, testTxnID, "Y"); err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if !slices.Equal(decider.confirmed, []id.VerificationTransactionID{testTxnID}) {
			t.Errorf("confirmed: got %v", decider.confirmed)
		}
		if d.AwaitDecision(ctx, testTxnID, "", testEmoji) {
			t.Error("a decided transaction must not prompt again")
		}

		d.VerificationDone(testTxnID)
		if len(d.txns) != 0 {
			t.Errorf("finished transaction should be forgotten, have %d", len(d.txns))
		}
	})

	t.Run("cancelled by engine", func(t *testing.T) {
		d, _, _ := newTestDispatcher(t)
		decider := newFakeVerifier()
		d.EnableManagedVerification(decider, &fakePrompter{})

		d.StartVerification(testTxnID, testAliceID)
		d.AwaitDecision(ctx, testTxnID, testAliceID, testEmoji)
		d.VerificationCancelled(testTxnID, event.VerificationCancelCodeTimeout, "verification timed out")

		if err := d.Decide(ctx, testTxnID, "y"); !errors.Is(err, ErrVerificationCancelled) {
			t.Errorf("Decide: got %v, want ErrVerificationCancelled", err)
		}
		if len(decider.confirmed)+len(decider.cancelled) != 0 {
			t.Error("nothing should reach the engine after it cancelled")
		}
	})
}
