// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package simplebot runs a Matrix bot account on top of the session and
// callbacks packages.
//
// A [Bot] reads its encrypted session file, restores the stored access token
// or logs in with the password, saves the new session, registers the default
// callbacks plus the application's [callbacks.Listener] handlers and syncs
// until its context is cancelled. The sync token is kept in the account's
// data so a restart does not replay room history. With encryption enabled
// the e2ee package decrypts events and can answer emoji verification
// requests. Configuration comes from a YAML file
// upgraded against [ExampleConfig], with SIMPLEBOT_* environment variables
// taking precedence.
package simplebot
