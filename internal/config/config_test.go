package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [7]
  poll_timeout: "10s"
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    chat_id: 0
    thread_id: 0
    min_level: ""
    rate_per_sec: 0
storage:
  driver: sqlite
  path: ./casebot.db
queue:
  poll_interval: "1s"
  workers: 2
notifications:
  timezone: "Europe/Riga"
  completion_offset: "2h"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Queue == nil || cfg.Queue.Workers != 2 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", validYAML+"\nnot_a_section: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
			Storage:  StorageConfig{Driver: "sqlite", Path: "x.db"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"no owners", func(c *Config) { c.Telegram.OwnerUserIDs = nil }, "owner_user_ids"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"postgres without dsn", func(c *Config) { c.Storage = StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "oracle" }, "unknown driver"},
		{"bad duration", func(c *Config) { c.Queue = &QueueConfig{PollInterval: "soon"} }, "poll_interval"},
		{"bad timezone", func(c *Config) { c.Notifications = &NotificationsConf{Timezone: "Mars/Olympus"} }, "timezone"},
		{"api without token", func(c *Config) { c.AdminAPI = &AdminAPIConfig{Enabled: true} }, "admin_api.token"},
		{"digest without chat", func(c *Config) { c.Maintenance = &MaintenanceConfig{DigestTime: "08:30"} }, "digest_chat_id"},
		{"bad digest time", func(c *Config) { c.Maintenance = &MaintenanceConfig{DigestTime: "8am", DigestChatID: 1} }, "digest_time"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
		Storage:  StorageConfig{Driver: "sqlite", Path: "a.db"},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1, 2}},
		Storage:  StorageConfig{Driver: "sqlite", Path: "a.db"},
		Queue:    &QueueConfig{Workers: 8},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"queue", "telegram"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	if len(changed) != 0 {
		t.Fatalf("no-op diff reported %v", changed)
	}
}
