// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session persists Matrix login sessions for a bot account.
//
// A session is the pair of device name and access token returned by a
// password login. [Credentials] holds the login inputs plus the current
// session; [Store] encrypts that pair to a file with a key derived from the
// account password, so a restarted bot can reuse its device instead of
// creating a new one on every run.
//
// # File Format
//
// The session file is an ASCII-armored age file protected by a single
// scrypt passphrase stanza. The salt and work factor live in the age
// header; the payload is authenticated with ChaCha20-Poly1305. The
// plaintext is the CBOR array [device_name, access_token].
//
// Decrypting with the wrong password, or reading a file whose ciphertext
// was modified, fails with [ErrSessionAuth]. A file that is not an age file
// or holds a malformed record fails with [ErrSessionCorrupt]. Neither is
// ever reported as a missing file.
package session
