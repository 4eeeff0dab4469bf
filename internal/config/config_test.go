package config

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var envKeys = []string{
	"TELEGRAM_BOT_TOKEN", "DATABASE_PATH", "LOG_LEVEL", "ALLOWED_USERS",
	"DEFAULT_POLL_INTERVAL_MIN", "DEFAULT_DIGEST_TIME", "DEFAULT_TIMEZONE",
	"FETCH_CONCURRENCY", "FETCH_TIMEOUT_SEC", "SEED_RECENT_N", "BACKFILL_MAX_N",
	"SEND_RETRY_MAX", "DIGEST_MAX_ITEMS", "DIGEST_MAX_CHARS",
}

// clearEnv unsets every config variable. t.Setenv registers the restore,
// Unsetenv makes the variable genuinely absent so envDefault applies.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    *Config
		wantErr bool
	}{
		{
			name:    "missing token",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "token only, defaults applied",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "test-token"},
			want: &Config{
				TelegramBotToken:       "test-token",
				DatabasePath:           "./data/feedrelay.db",
				LogLevel:               "info",
				AllowedUsers:           nil,
				DefaultPollIntervalMin: 10,
				DefaultDigestTime:      "20:00",
				DefaultTimezone:        "UTC",
				FetchConcurrency:       3,
				FetchTimeoutSec:        30,
				SeedRecentN:            50,
				BackfillMaxN:           10,
				SendRetryMax:           4,
				DigestMaxItems:         20,
				DigestMaxChars:         3500,
			},
		},
		{
			name: "all values set",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN":        "tok",
				"DATABASE_PATH":             "/tmp/feeds.db",
				"LOG_LEVEL":                 "debug",
				"ALLOWED_USERS":             "111,222,333",
				"DEFAULT_POLL_INTERVAL_MIN": "5",
				"DEFAULT_DIGEST_TIME":       "08:15",
				"DEFAULT_TIMEZONE":          "Europe/Berlin",
				"FETCH_CONCURRENCY":         "8",
				"FETCH_TIMEOUT_SEC":         "10",
				"SEED_RECENT_N":             "25",
				"BACKFILL_MAX_N":            "3",
				"SEND_RETRY_MAX":            "2",
				"DIGEST_MAX_ITEMS":          "5",
				"DIGEST_MAX_CHARS":          "1000",
			},
			want: &Config{
				TelegramBotToken:       "tok",
				DatabasePath:           "/tmp/feeds.db",
				LogLevel:               "debug",
				AllowedUsers:           []int64{111, 222, 333},
				DefaultPollIntervalMin: 5,
				DefaultDigestTime:      "08:15",
				DefaultTimezone:        "Europe/Berlin",
				FetchConcurrency:       8,
				FetchTimeoutSec:        10,
				SeedRecentN:            25,
				BackfillMaxN:           3,
				SendRetryMax:           2,
				DigestMaxItems:         5,
				DigestMaxChars:         1000,
			},
		},
		{
			name: "invalid user id",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"ALLOWED_USERS":      "123,abc",
			},
			wantErr: true,
		},
		{
			name: "invalid timezone",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"DEFAULT_TIMEZONE":   "Mars/Olympus",
			},
			wantErr: true,
		},
		{
			name: "invalid digest time",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN":  "tok",
				"DEFAULT_DIGEST_TIME": "25:99",
			},
			wantErr: true,
		},
		{
			name: "poll interval below minimum",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN":        "tok",
				"DEFAULT_POLL_INTERVAL_MIN": "0",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedUsers []int64
		userID       int64
		want         bool
	}{
		{
			name:         "empty list allows everyone",
			allowedUsers: nil,
			userID:       42,
			want:         true,
		},
		{
			name:         "user in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       20,
			want:         true,
		},
		{
			name:         "user not in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       99,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedUsers: tt.allowedUsers}
			got := cfg.IsUserAllowed(tt.userID)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("IsUserAllowed() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
