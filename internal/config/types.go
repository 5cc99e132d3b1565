package config

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Queue         *QueueConfig        `json:"queue,omitempty"`
	Notifications *NotificationsConf  `json:"notifications,omitempty"`
	AdminAPI      *AdminAPIConfig     `json:"admin_api,omitempty"`
	Maintenance   *MaintenanceConfig  `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./casebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig tunes the durable job queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Defaults when omitted: poll_interval "2s", workers 4, claim_lease "2m",
// batch_limit 32.
type QueueConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	ClaimLease   string `json:"claim_lease,omitempty"`
	BatchLimit   int    `json:"batch_limit,omitempty"`
}

// NotificationsConf tunes the lifecycle manager. The reschedule safety
// windows are policy, not configuration, and are deliberately absent here.
type NotificationsConf struct {
	// Timezone is an IANA name (e.g. "Europe/Riga") used for HH:MM
	// resolution and message formatting.
	Timezone string `json:"timezone,omitempty"`
	// CompletionOffset is a Go duration string.
	CompletionOffset string `json:"completion_offset,omitempty"`
	CreateRetryMax   int    `json:"create_retry_max,omitempty"`
	SendTimeout      string `json:"send_timeout,omitempty"`
	OpTimeout        string `json:"op_timeout,omitempty"`
}

// AdminAPIConfig controls the optional HTTP admin surface.
//
// Security note: prefer binding to localhost; the token is required whenever
// the server is enabled.
type AdminAPIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8090"
	Token   string `json:"token,omitempty"` // bearer token (do not log)
}

// MaintenanceConfig controls the periodic sweep and the morning digest.
type MaintenanceConfig struct {
	// SweepInterval is a Go duration string; "0s" disables the sweep.
	SweepInterval string `json:"sweep_interval,omitempty"`
	// SweepGrace keeps the sweep away from records an in-flight delivery may
	// still own.
	SweepGrace string `json:"sweep_grace,omitempty"`
	// DigestTime is "HH:MM" in the operation timezone; empty disables it.
	DigestTime     string `json:"digest_time,omitempty"`
	DigestChatID   int64  `json:"digest_chat_id,omitempty"`
	DigestThreadID int    `json:"digest_thread_id,omitempty"`
}
