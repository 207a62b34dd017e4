// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"errors"
	"path/filepath"
	"testing"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// FuzzStoreRoundTrip: any complete session saved under a password must load
// back unchanged under that password, and must fail authentication under any
// other password.
// ---------------------------------------------------------------------------

func FuzzStoreRoundTrip(f *testing.F) {
	f.Add("ABCDEFGHIJ", "syt_Ym90_token", "hunter2", "hunter3")
	f.Add("DEV", "tok", "pw", "PW")
	f.Add("デバイス", "tøkén\x00with\nbytes", "пароль", "password")
	f.Add("d", "t", " ", "  ")

	f.Fuzz(func(t *testing.T, deviceName, accessToken, password, otherPassword string) {
		if deviceName == "" || accessToken == "" || password == "" {
			t.Skip("partial sessions and empty passwords are rejected elsewhere")
		}
		if !utf8.ValidString(deviceName) || !utf8.ValidString(accessToken) {
			t.Skip("device names and tokens come from JSON and are always valid UTF-8")
		}
		path := filepath.Join(t.TempDir(), "session.txt")
		st, err := NewStore(path, password, testWorkFactor)
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		want := Session{DeviceName: deviceName, AccessToken: accessToken}
		if err := st.Save(want); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := st.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got != want {
			t.Fatalf("round trip: got %+v, want %+v", got, want)
		}

		if otherPassword == "" || otherPassword == password {
			return
		}
		other, err := NewStore(path, otherPassword, testWorkFactor)
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		got, err = other.Load()
		if !errors.Is(err, ErrSessionAuth) {
			t.Fatalf("Load with other password: got err %v (session %+v), want ErrSessionAuth", err, got)
		}
	})
}
