// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
)

// Credentials holds the login inputs for a bot account and the session
// obtained from the homeserver. DeviceName and AccessToken are either both
// set (restored or fresh session) or both empty (first login).
type Credentials struct {
	Username string
	// Password is used both to log in and to derive the session file key.
	// It is never written to disk.
	Password string

	DeviceName  string
	AccessToken string

	homeserver string
	store      *Store
	log        zerolog.Logger
}

// Option configures optional Credentials behaviour.
type Option func(*credentialOptions)

type credentialOptions struct {
	sessionFile string
	workFactor  int
	log         zerolog.Logger
}

// WithSessionFile enables session persistence at path. Without it the
// session lives in memory only and the bot logs in again on every run.
func WithSessionFile(path string) Option {
	return func(o *credentialOptions) {
		o.sessionFile = path
	}
}

// WithWorkFactor sets the scrypt log2(N) used when writing the session file.
func WithWorkFactor(logN int) Option {
	return func(o *credentialOptions) {
		o.workFactor = logN
	}
}

// WithLogger sets the logger for informational session file messages.
func WithLogger(log zerolog.Logger) Option {
	return func(o *credentialOptions) {
		o.log = log
	}
}

// NewCredentials validates the homeserver URL and returns Credentials with
// no session loaded.
func NewCredentials(homeserver, username, password string, opts ...Option) (*Credentials, error) {
	if err := validateHomeserver(homeserver); err != nil {
		return nil, err
	}
	o := credentialOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	store, err := NewStore(o.sessionFile, password, o.workFactor)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		Username:   username,
		Password:   password,
		homeserver: homeserver,
		store:      store,
		log:        o.log.With().Str("component", "session").Logger(),
	}, nil
}

func validateHomeserver(homeserver string) error {
	u, err := url.Parse(homeserver)
	if err != nil {
		return fmt.Errorf("invalid homeserver URL %q: %w", homeserver, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid homeserver URL %q: scheme must be http or https", homeserver)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid homeserver URL %q: missing host", homeserver)
	}
	return nil
}

// Homeserver returns the homeserver URL the credentials were created with.
func (c *Credentials) Homeserver() string {
	return c.homeserver
}

// SessionFile returns the configured session file path, or "".
func (c *Credentials) SessionFile() string {
	return c.store.Path()
}

// HasSession reports whether a complete session is loaded.
func (c *Credentials) HasSession() bool {
	return c.Session().IsComplete()
}

// Session returns the current device name and access token as a record.
func (c *Credentials) Session() Session {
	return Session{DeviceName: c.DeviceName, AccessToken: c.AccessToken}
}

// SessionReadFile loads DeviceName and AccessToken from the session file.
// A disabled or missing file leaves both empty and is not an error. A file
// that cannot be decrypted returns ErrSessionAuth or ErrSessionCorrupt and
// also leaves both empty.
func (c *Credentials) SessionReadFile() error {
	c.DeviceName, c.AccessToken = "", ""
	if !c.store.Enabled() {
		return nil
	}
	sess, err := c.store.Load()
	if errors.Is(err, ErrSessionFileMissing) {
		c.log.Info().
			Str("path", c.store.Path()).
			Msg("Session file not found, a new device name and access token will be created")
		return nil
	} else if err != nil {
		return err
	}
	c.DeviceName = sess.DeviceName
	c.AccessToken = sess.AccessToken
	c.log.Debug().
		Str("path", c.store.Path()).
		Str("device_name", c.DeviceName).
		Msg("Loaded session from file")
	return nil
}

// SessionWriteFile encrypts DeviceName and AccessToken to the session file.
// It is a no-op when persistence is disabled.
func (c *Credentials) SessionWriteFile() error {
	if !c.store.Enabled() {
		c.log.Info().Msg("No session file configured, device name and access token will not be saved")
		return nil
	}
	if err := c.store.Save(c.Session()); err != nil {
		return fmt.Errorf("saving session file: %w", err)
	}
	c.log.Info().
		Str("path", c.store.Path()).
		Msg("Device name and access token encrypted and saved to file")
	return nil
}
