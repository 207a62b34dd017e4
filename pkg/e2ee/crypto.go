// Copyright 2024-2026 Aiku AI

// Package e2ee sets up end-to-end encryption for the bot: the olm machine
// with its SQLite store, and optionally interactive emoji verification of
// the bot's device.
package e2ee

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/crypto/verificationhelper"
	"maunium.net/go/mautrix/event"
)

// ErrNoPickleKey is returned by Init when no pickle key is configured.
var ErrNoPickleKey = errors.New("encryption pickle key is required")

// Options configures Init.
type Options struct {
	// Database is the path of the SQLite database holding the olm account,
	// the megolm sessions and the room state they need.
	Database string
	// PickleKey encrypts the olm account in Database.
	PickleKey string
	// EmojiVerification answers interactive verification requests.
	EmojiVerification bool
}

// Crypto is the encryption layer of a logged in client.
type Crypto struct {
	helper   *cryptohelper.CryptoHelper
	verifier *Verifier
	log      zerolog.Logger
}

// Init creates the crypto store, loads or creates the olm account for the
// client's device and registers the crypto sync handlers on the client's
// syncer. The client must be logged in. tracker receives verification
// progress and is only used with EmojiVerification.
//
// Callbacks that depend on decrypted events must be registered after Init.
func Init(ctx context.Context, client *mautrix.Client, opts Options, tracker Tracker, log zerolog.Logger) (*Crypto, error) {
	if opts.PickleKey == "" {
		return nil, ErrNoPickleKey
	}
	log = log.With().Str("component", "e2ee").Logger()
	helper, err := cryptohelper.NewCryptoHelper(client, []byte(opts.PickleKey), opts.Database)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err = helper.Init(ctx); err != nil {
		_ = helper.Close()
		return nil, fmt.Errorf("initializing crypto: %w", err)
	}
	client.Crypto = helper
	c := &Crypto{helper: helper, log: log}

	if opts.EmojiVerification && tracker != nil {
		verifier := newVerifier(tracker, log)
		vh := verificationhelper.NewVerificationHelper(client, helper.Machine(), nil, verifier, false, false, true)
		if err = vh.Init(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("initializing verification: %w", err)
		}
		verifier.engine = vh
		c.verifier = verifier
	}

	log.Info().
		Str("database", opts.Database).
		Bool("emoji_verification", c.verifier != nil).
		Msg("End-to-end encryption enabled")
	return c, nil
}

// OnDecryptError sets the function told about events that could not be
// decrypted, including those given up on after waiting for keys.
func (c *Crypto) OnDecryptError(callback func(evt *event.Event, err error)) {
	c.helper.DecryptErrorCallback = callback
}

// Verifier returns the emoji verification adapter, or nil if emoji
// verification is disabled.
func (c *Crypto) Verifier() *Verifier {
	if c == nil {
		return nil
	}
	return c.verifier
}

// Close closes the crypto database.
func (c *Crypto) Close() error {
	if c == nil {
		return nil
	}
	if err := c.helper.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close crypto store")
		return err
	}
	return nil
}
