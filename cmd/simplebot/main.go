// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command simplebot logs a Matrix bot account in, keeps its session in an
// encrypted file and runs the default callbacks: joining rooms it is invited
// to and telling senders when their messages could not be decrypted. With
// encryption enabled in the config it decrypts messages itself and can have
// its device verified by emoji comparison on the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/aiku/mautrix-simplebot/pkg/simplebot"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath     = pflag.StringP("config", "c", "config.yaml", "Path to the config file")
	generateConfig = pflag.BoolP("generate-config", "g", false, "Write the example config to --config and exit")
	passwordPrompt = pflag.BoolP("password-prompt", "p", false, "Read the account password from the terminal instead of the config")
	showVersion    = pflag.BoolP("version", "v", false, "Print the version and exit")
)

func main() {
	pflag.Parse()
	if *showVersion {
		fmt.Printf("simplebot %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *generateConfig {
		if err := simplebot.WriteExampleConfig(*configPath); err != nil {
			fatal(err)
		}
		fmt.Printf("Wrote example config to %s\n", *configPath)
		return
	}
	if err := run(); err != nil {
		fatal(err)
	}
}

func run() error {
	if *passwordPrompt {
		password, err := readPassword()
		if err != nil {
			return err
		}
		// Environment overrides win over the config file.
		if err = os.Setenv(simplebot.EnvPrefix+"PASSWORD", password); err != nil {
			return err
		}
	}
	cfg, err := simplebot.LoadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w (use --generate-config to create one)", err)
		}
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	bot, err := simplebot.New(cfg, *log)
	if err != nil {
		return err
	}
	defer func() {
		if err := bot.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close encryption store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting simplebot")
	if err = bot.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Bot stopped with error")
		return err
	}
	log.Info().Msg("Bot stopped")
	return nil
}

// readPassword prompts for the account password with echo disabled.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for --password-prompt (set SIMPLEBOT_PASSWORD instead)")
	}
	_, _ = fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}

func fatal(err error) {
	_, _ = fmt.Fprintln(os.Stderr, "simplebot:", err)
	os.Exit(1)
}
