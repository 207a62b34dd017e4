// Copyright 2024-2026 Aiku AI

package callbacks

import "errors"

var (
	// ErrJoinFailed is returned when every join attempt for an invite failed.
	ErrJoinFailed = errors.New("failed to join room")
	// ErrLocalProtocol is returned by a SAS when the local verification state
	// does not allow the requested step, e.g. computing a MAC for a
	// transaction that was already cancelled.
	ErrLocalProtocol = errors.New("verification protocol state does not allow this step")
	// ErrNoPendingDecision is returned by Decide when the transaction is not
	// waiting for an emoji comparison.
	ErrNoPendingDecision = errors.New("no emoji comparison pending for transaction")
	// ErrVerificationCancelled is returned by Decide when the transaction was
	// cancelled while waiting for the decision.
	ErrVerificationCancelled = errors.New("verification was cancelled")
	// ErrUnknownTransaction means the verifier has no in-flight verification
	// with the given transaction ID.
	ErrUnknownTransaction = errors.New("unknown verification transaction")
)
