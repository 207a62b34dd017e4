// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package simplebot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-simplebot/pkg/callbacks"
	"github.com/aiku/mautrix-simplebot/pkg/e2ee"
	"github.com/aiku/mautrix-simplebot/pkg/session"
)

// ErrNotConnected is returned by operations that need a logged in client.
var ErrNotConnected = errors.New("bot is not connected")

// SyncTokenEventType is the account data type holding the sync token, so a
// restarted bot continues where it stopped instead of replaying history.
const SyncTokenEventType = "ai.aiku.simplebot.sync_token"

// Bot ties the credential store, the Matrix client and the callback
// dispatcher together.
type Bot struct {
	cfg      *Config
	log      zerolog.Logger
	creds    *session.Credentials
	listener *callbacks.Listener

	verifier callbacks.Verifier
	prompter callbacks.Prompter
	terminal *TerminalPrompter
	stdin    io.Reader

	client     *mautrix.Client
	dispatcher *callbacks.Dispatcher
	crypto     *e2ee.Crypto
}

// New creates a bot from cfg. It does not contact the homeserver.
func New(cfg *Config, log zerolog.Logger) (*Bot, error) {
	creds, err := cfg.Credentials(log)
	if err != nil {
		return nil, err
	}
	return &Bot{
		cfg:      cfg,
		log:      log.With().Str("component", "bot").Logger(),
		creds:    creds,
		listener: callbacks.NewListener(),
		stdin:    os.Stdin,
	}, nil
}

// Listener returns the registry for application event handlers. Handlers
// must be registered before Run.
func (b *Bot) Listener() *callbacks.Listener {
	return b.listener
}

// Credentials returns the bot's credentials.
func (b *Bot) Credentials() *session.Credentials {
	return b.creds
}

// Client returns the Matrix client, or nil before Connect.
func (b *Bot) Client() *mautrix.Client {
	return b.client
}

// EnableEmojiVerification makes the bot answer interactive emoji
// verification requests using verifier. prompter is told when an operator
// needs to compare emoji. With a nil prompter the emoji are shown on stdout
// and Run reads the answers from stdin.
//
// A nil verifier selects the verifier of the encryption layer, which is only
// present with encryption.emoji_verification set. Only prompter is used then.
func (b *Bot) EnableEmojiVerification(verifier callbacks.Verifier, prompter callbacks.Prompter) {
	b.terminal = nil
	if prompter == nil {
		b.terminal = NewTerminalPrompter(os.Stdout)
		prompter = b.terminal
	}
	b.verifier = verifier
	b.prompter = prompter
	if b.dispatcher != nil {
		b.configureVerification()
	}
}

func (b *Bot) configureVerification() {
	if managed := b.crypto.Verifier(); managed != nil {
		if b.verifier != nil {
			b.log.Warn().Msg("Encryption layer handles emoji verification, ignoring the custom verifier")
		}
		if b.prompter == nil {
			b.terminal = NewTerminalPrompter(os.Stdout)
			b.prompter = b.terminal
		}
		b.dispatcher.EnableManagedVerification(managed, b.prompter)
	} else if b.verifier != nil {
		b.dispatcher.EnableEmojiVerification(b.verifier, b.prompter)
	}
}

// Connect loads the stored session and restores it, or logs in with the
// password if there is none or the homeserver no longer accepts it. A fresh
// login is written back to the session file. The sync token is kept in the
// account's data, and the encryption layer is set up when enabled.
func (b *Bot) Connect(ctx context.Context) error {
	if err := b.creds.SessionReadFile(); err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}

	client, err := mautrix.NewClient(b.creds.Homeserver(), "", "")
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	client.Log = b.log.With().Str("component", "mautrix").Logger()

	restored, err := b.restore(ctx, client)
	if err != nil {
		return err
	}
	if !restored {
		if err = b.login(ctx, client); err != nil {
			return err
		}
	}

	useAccountDataSyncStore(client)
	dispatcher := callbacks.NewDispatcher(client, client.UserID, b.log)
	if b.cfg.Encryption.Enabled {
		b.crypto, err = e2ee.Init(ctx, client, b.cfg.Encryption.Options(), dispatcher, b.log)
		if err != nil {
			return err
		}
	}

	b.client = client
	b.dispatcher = dispatcher
	b.configureVerification()
	b.log.Info().
		Stringer("user_id", client.UserID).
		Stringer("device_id", client.DeviceID).
		Bool("restored", restored).
		Bool("encryption", b.crypto != nil).
		Msg("Connected to homeserver")
	return nil
}

// useAccountDataSyncStore keeps the sync token in account data. The token's
// own updates are filtered out of the sync responses.
func useAccountDataSyncStore(client *mautrix.Client) {
	client.Store = mautrix.NewAccountDataStore(SyncTokenEventType, client)
	if syncer, ok := client.Syncer.(*mautrix.DefaultSyncer); ok {
		syncer.FilterJSON = &mautrix.Filter{
			AccountData: &mautrix.FilterPart{
				Limit:    20,
				NotTypes: []event.Type{event.NewEventType(SyncTokenEventType)},
			},
			Room: &mautrix.RoomFilter{
				Timeline: &mautrix.FilterPart{Limit: 50},
			},
		}
	}
}

func (b *Bot) restore(ctx context.Context, client *mautrix.Client) (bool, error) {
	if !b.creds.HasSession() {
		return false, nil
	}
	client.AccessToken = b.creds.AccessToken
	client.DeviceID = id.DeviceID(b.creds.DeviceName)

	resp, err := client.Whoami(ctx)
	if errors.Is(err, mautrix.MUnknownToken) {
		b.log.Warn().Msg("Stored access token was rejected, logging in with password")
		client.AccessToken = ""
		client.DeviceID = ""
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("restoring session: %w", err)
	}
	client.UserID = resp.UserID
	if resp.DeviceID != "" {
		client.DeviceID = resp.DeviceID
	}
	return true, nil
}

func (b *Bot) login(ctx context.Context, client *mautrix.Client) error {
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.creds.Username,
		},
		Password:                 b.creds.Password,
		InitialDeviceDisplayName: b.cfg.DeviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("logging in as %s: %w", b.creds.Username, err)
	}

	b.creds.DeviceName = string(resp.DeviceID)
	b.creds.AccessToken = resp.AccessToken
	if err = b.creds.SessionWriteFile(); err != nil {
		return err
	}
	return nil
}

// Run connects if needed, registers the callbacks and syncs until ctx is
// cancelled. Cancellation is not reported as an error.
func (b *Bot) Run(ctx context.Context) error {
	if b.client == nil {
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}
	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unsupported syncer %T", b.client.Syncer)
	}
	if b.crypto != nil {
		b.crypto.OnDecryptError(b.dispatcher.DecryptErrorCallback(ctx))
	}
	b.dispatcher.Setup(syncer, b.listener)

	if b.terminal != nil {
		go func() {
			if err := b.terminal.ReadDecisions(ctx, b.stdin, b); err != nil {
				b.log.Warn().Err(err).Msg("Stopped reading verification answers")
			}
		}()
	}

	b.log.Info().Msg("Starting sync loop")
	err := b.client.SyncWithContext(ctx)
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		b.log.Info().Msg("Sync loop stopped")
		return nil
	}
	return err
}

// Close releases the encryption layer. The bot cannot be run again after
// Close.
func (b *Bot) Close() error {
	return b.crypto.Close()
}

// Decide answers a pending emoji comparison.
func (b *Bot) Decide(ctx context.Context, txnID id.VerificationTransactionID, answer string) error {
	if b.dispatcher == nil {
		return ErrNotConnected
	}
	return b.dispatcher.Decide(ctx, txnID, answer)
}

// Pending lists verifications waiting for Decide.
func (b *Bot) Pending() []id.VerificationTransactionID {
	if b.dispatcher == nil {
		return nil
	}
	return b.dispatcher.Pending()
}
