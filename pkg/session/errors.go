// Copyright 2024-2026 Aiku AI

package session

import "errors"

var (
	// ErrSessionFileMissing is returned by Store.Load when persistence is
	// enabled but no session file has been written yet.
	ErrSessionFileMissing = errors.New("session file does not exist")
	// ErrSessionAuth means the session file could not be authenticated:
	// either the password is wrong or the ciphertext was tampered with.
	ErrSessionAuth = errors.New("session file authentication failed")
	// ErrSessionCorrupt means the file is not a session file or the
	// decrypted record is malformed.
	ErrSessionCorrupt = errors.New("session file is corrupt")
	// ErrWorkFactorTooLarge means the file header asks for more scrypt work
	// than Load accepts. It is returned wrapped in ErrSessionCorrupt.
	ErrWorkFactorTooLarge = errors.New("session file scrypt work factor too large")
	// ErrPartialSession is returned when only one of device name and
	// access token is set.
	ErrPartialSession = errors.New("device name and access token must be set together")
)
