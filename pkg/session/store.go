// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/fxamacker/cbor/v2"
)

const (
	// DefaultWorkFactor is the scrypt log2(N) used when none is configured.
	// It matches the age default.
	DefaultWorkFactor = 18
	// MaxWorkFactor is the largest scrypt log2(N) accepted by SetWorkFactor.
	MaxWorkFactor = 30

	// minAcceptedWorkFactor is the ceiling Load accepts from a file header
	// when the store itself is configured with a lower work factor.
	minAcceptedWorkFactor = 22

	sessionFileMode = 0o600
)

// Session is the persisted record. It encodes as the two-element CBOR array
// [device_name, access_token].
type Session struct {
	_           struct{} `cbor:",toarray"`
	DeviceName  string
	AccessToken string
}

// IsZero reports whether neither field is set.
func (s Session) IsZero() bool {
	return s.DeviceName == "" && s.AccessToken == ""
}

// IsComplete reports whether both fields are set.
func (s Session) IsComplete() bool {
	return s.DeviceName != "" && s.AccessToken != ""
}

// Store reads and writes a Session to a single encrypted file. A Store with
// an empty path is disabled: Load returns an empty Session and Save does
// nothing, and neither touches the filesystem.
type Store struct {
	path       string
	password   string
	workFactor int
}

// NewStore creates a store for the file at path, keyed by password. A
// workFactor of zero selects DefaultWorkFactor.
func NewStore(path, password string, workFactor int) (*Store, error) {
	if workFactor == 0 {
		workFactor = DefaultWorkFactor
	}
	if workFactor < 1 || workFactor > MaxWorkFactor {
		return nil, fmt.Errorf("scrypt work factor %d out of range 1-%d", workFactor, MaxWorkFactor)
	}
	return &Store{path: path, password: password, workFactor: workFactor}, nil
}

// Path returns the session file path, or "" if persistence is disabled.
func (st *Store) Path() string {
	return st.path
}

// Enabled reports whether a session file path is configured.
func (st *Store) Enabled() bool {
	return st.path != ""
}

// Load reads and decrypts the session file. It returns ErrSessionFileMissing
// if the file does not exist, ErrSessionAuth if the password does not match
// or the ciphertext was modified, and ErrSessionCorrupt for anything that is
// not a complete session record.
func (st *Store) Load() (Session, error) {
	if !st.Enabled() {
		return Session{}, nil
	}
	data, err := os.ReadFile(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, ErrSessionFileMissing
	} else if err != nil {
		return Session{}, fmt.Errorf("reading session file: %w", err)
	}
	plaintext, err := st.open(data)
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := cbor.Unmarshal(plaintext, &sess); err != nil {
		return Session{}, fmt.Errorf("%w: decoding record: %w", ErrSessionCorrupt, err)
	}
	if !sess.IsComplete() {
		return Session{}, fmt.Errorf("%w: %w", ErrSessionCorrupt, ErrPartialSession)
	}
	return sess, nil
}

// Save encrypts sess and atomically replaces the session file with it.
func (st *Store) Save(sess Session) error {
	if !st.Enabled() {
		return nil
	}
	if !sess.IsComplete() {
		return ErrPartialSession
	}
	plaintext, err := cbor.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	ciphertext, err := st.seal(plaintext)
	if err != nil {
		return err
	}
	return writeFileAtomic(st.path, ciphertext, sessionFileMode)
}

func (st *Store) seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(st.password)
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	recipient.SetWorkFactor(st.workFactor)

	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	writer, err := age.Encrypt(armored, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing session record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return buf.Bytes(), nil
}

func (st *Store) open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header)) {
		return nil, fmt.Errorf("%w: missing age armor header", ErrSessionCorrupt)
	}
	identity, err := age.NewScryptIdentity(st.password)
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	maxWorkFactor := max(st.workFactor, minAcceptedWorkFactor)
	identity.SetMaxWorkFactor(maxWorkFactor)

	// A header that does not parse is left for Decrypt to report.
	if header, err := age.ExtractHeader(armor.NewReader(bytes.NewReader(data))); err == nil {
		if logN, ok := headerWorkFactor(header); ok && logN > maxWorkFactor {
			return nil, fmt.Errorf("%w: %w: file uses %d, accepted maximum is %d",
				ErrSessionCorrupt, ErrWorkFactorTooLarge, logN, maxWorkFactor)
		}
	}

	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(data)), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionAuth, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionAuth, err)
	}
	return plaintext, nil
}

// headerWorkFactor returns the log2(N) of the scrypt stanza in an age header.
func headerWorkFactor(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "->" || fields[1] != "scrypt" {
			continue
		}
		logN, err := strconv.Atoi(fields[3])
		if err != nil {
			return 0, false
		}
		return logN, true
	}
	return 0, false
}
