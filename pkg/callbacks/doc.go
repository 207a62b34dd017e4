// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package callbacks connects a mautrix sync loop to bot behaviour.
//
// [Dispatcher.Setup] registers the default handlers and every handler in
// the application's [Listener] on an [EventRegistrar] (normally the
// client's *mautrix.DefaultSyncer):
//
//   - Invites addressed to the bot are joined, with up to three attempts.
//   - Room events that reach the bot still encrypted get a plain-text
//     notice asking the sender to verify the bot's device.
//   - When a [Verifier] is configured, interactive emoji (SAS) verification
//     requests are accepted and walked through to completion.
//
// # Emoji Verification
//
// The SAS key agreement itself is done by the [Verifier]. The dispatcher
// only reacts to to-device events and forwards the payloads the verifier
// produces. Comparing the emoji needs a human, so instead of blocking the
// sync loop the dispatcher hands a [DecisionRequest] to the configured
// [Prompter] and returns. The answer comes back through [Dispatcher.Decide],
// which resumes exactly that transaction.
package callbacks
