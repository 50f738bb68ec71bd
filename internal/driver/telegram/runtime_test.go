package telegram

import (
	"path/filepath"
	"testing"
	"time"
)

func TestParseRuntimeConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, cfg parsedRuntimeConfig)
	}{
		{name: "empty", raw: "", wantErr: true},
		{name: "malformed", raw: "{", wantErr: true},
		{name: "missing app id", raw: `{"app_hash":"hash"}`, wantErr: true},
		{name: "missing app hash", raw: `{"app_id":1,"app_hash":"  "}`, wantErr: true},
		{name: "bad handle timeout", raw: `{"app_id":1,"app_hash":"hash","handle_timeout":"bad"}`, wantErr: true},
		{name: "non-positive auth timeout", raw: `{"app_id":1,"app_hash":"hash","auth_timeout":"0s"}`, wantErr: true},
		{
			name: "defaults",
			raw:  `{"app_id":1,"app_hash":" hash "}`,
			check: func(t *testing.T, cfg parsedRuntimeConfig) {
				t.Helper()
				if cfg.appID != 1 || cfg.appHash != "hash" {
					t.Fatalf("credentials = (%d, %q), want (1, hash)", cfg.appID, cfg.appHash)
				}
				if cfg.handleTimeout != defaultRuntimeHandleTimeout {
					t.Fatalf("handle timeout = %v, want %v", cfg.handleTimeout, defaultRuntimeHandleTimeout)
				}
				if cfg.authTimeout != defaultRuntimeAuthTimeout {
					t.Fatalf("auth timeout = %v, want %v", cfg.authTimeout, defaultRuntimeAuthTimeout)
				}
				if cfg.updateBuffer != defaultRuntimeUpdateBuffer {
					t.Fatalf("update buffer = %d, want %d", cfg.updateBuffer, defaultRuntimeUpdateBuffer)
				}
				if cfg.sessionFile != defaultRuntimeSessionFile {
					t.Fatalf("session file = %q, want %q", cfg.sessionFile, defaultRuntimeSessionFile)
				}
			},
		},
		{
			name: "overrides",
			raw: `{"app_id":7,"app_hash":"h","handle_timeout":"30s","auth_timeout":"1m",
				"update_buffer":16,"phone":" +100 ","session_file":"/tmp/s.json"}`,
			check: func(t *testing.T, cfg parsedRuntimeConfig) {
				t.Helper()
				if cfg.handleTimeout != 30*time.Second || cfg.authTimeout != time.Minute {
					t.Fatalf("timeouts = (%v, %v), want (30s, 1m)", cfg.handleTimeout, cfg.authTimeout)
				}
				if cfg.updateBuffer != 16 || cfg.phone != "+100" || cfg.sessionFile != "/tmp/s.json" {
					t.Fatalf("cfg = %+v, want overrides applied", cfg)
				}
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := parseRuntimeConfig([]byte(testCase.raw))
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse runtime config failed: %v", err)
			}
			testCase.check(t, cfg)
		})
	}
}

func TestBuildRuntimeFromConfig(t *testing.T) {
	t.Parallel()

	sessionPath := filepath.Join(t.TempDir(), "session.json")
	raw := []byte(`{"app_id":1,"app_hash":"hash","session_file":"` + sessionPath + `"}`)

	runtime, err := BuildRuntimeFromConfig("@news", discardLogger(), raw, fakeTranscoder{})
	if err != nil {
		t.Fatalf("build runtime failed: %v", err)
	}
	if runtime.Source().Username() != "news" {
		t.Fatalf("username = %q, want news", runtime.Source().Username())
	}
	if _, ok := runtime.Source().ChannelID(); ok {
		t.Fatal("channel resolved before session start")
	}

	if _, err := BuildRuntimeFromConfig("", discardLogger(), raw, nil); err == nil {
		t.Fatal("expected empty channel error")
	}
	if _, err := BuildRuntimeFromConfig("news", discardLogger(), []byte(`{}`), nil); err == nil {
		t.Fatal("expected config error")
	}
}

func TestNewGotdSessionStorage(t *testing.T) {
	t.Parallel()

	sessionPath := filepath.Join(t.TempDir(), "nested", "telegram", "session.json")
	storage, err := newGotdSessionStorage(sessionPath)
	if err != nil {
		t.Fatalf("new gotd session storage failed: %v", err)
	}
	if !filepath.IsAbs(storage.Path) {
		t.Fatalf("session path = %q, want absolute", storage.Path)
	}
	if _, err := newGotdSessionStorage("   "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestTelegramAuthCodePrefersConfiguredCode(t *testing.T) {
	t.Parallel()

	code, err := telegramAuthCode(" 12345 ")
	if err != nil {
		t.Fatalf("auth code failed: %v", err)
	}
	if code != "12345" {
		t.Fatalf("code = %q, want 12345", code)
	}
}
