package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs that cannot possibly run. It is installed as the
// hot-reload validator, so a broken edit never reaches running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must not be empty")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required for sqlite")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if q := cfg.Queue; q != nil {
		if _, err := ParseDurationField("queue.poll_interval", q.PollInterval); err != nil {
			return err
		}
		if _, err := ParseDurationField("queue.claim_lease", q.ClaimLease); err != nil {
			return err
		}
		if q.Workers < 0 || q.BatchLimit < 0 {
			return errors.New("queue.workers and queue.batch_limit must be >= 0")
		}
	}

	if n := cfg.Notifications; n != nil {
		if tz := strings.TrimSpace(n.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("notifications.timezone: %w", err)
			}
		}
		for path, raw := range map[string]string{
			"notifications.completion_offset": n.CompletionOffset,
			"notifications.send_timeout":      n.SendTimeout,
			"notifications.op_timeout":        n.OpTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}

	if a := cfg.AdminAPI; a != nil && a.Enabled && strings.TrimSpace(a.Token) == "" {
		return errors.New("admin_api.token is required when admin_api.enabled")
	}

	if m := cfg.Maintenance; m != nil {
		if _, err := ParseDurationField("maintenance.sweep_interval", m.SweepInterval); err != nil {
			return err
		}
		if _, err := ParseDurationField("maintenance.sweep_grace", m.SweepGrace); err != nil {
			return err
		}
		if dt := strings.TrimSpace(m.DigestTime); dt != "" {
			if _, err := time.Parse("15:04", dt); err != nil {
				return fmt.Errorf("maintenance.digest_time: want HH:MM, got %q", m.DigestTime)
			}
			if m.DigestChatID == 0 {
				return errors.New("maintenance.digest_chat_id is required when digest_time is set")
			}
		}
	}
	return nil
}
