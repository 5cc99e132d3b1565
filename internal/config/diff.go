package config

import (
	"reflect"
	"sort"
	"strings"

	logx "casebot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage (never log DSN, it can carry credentials)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		(strings.TrimSpace(oldCfg.Storage.DSN) != "") != (strings.TrimSpace(newCfg.Storage.DSN) != "") ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	// Queue
	oQ := derefQueue(oldCfg.Queue)
	nQ := derefQueue(newCfg.Queue)
	if !reflect.DeepEqual(oQ, nQ) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.poll_interval", strings.TrimSpace(nQ.PollInterval)),
			logx.Int("queue.workers", nQ.Workers),
			logx.String("queue.claim_lease", strings.TrimSpace(nQ.ClaimLease)),
			logx.Int("queue.batch_limit", nQ.BatchLimit),
		)
	}

	// Notifications
	oN := derefNotifications(oldCfg.Notifications)
	nN := derefNotifications(newCfg.Notifications)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.String("notifications.timezone", strings.TrimSpace(nN.Timezone)),
			logx.String("notifications.completion_offset", strings.TrimSpace(nN.CompletionOffset)),
			logx.Int("notifications.create_retry_max", nN.CreateRetryMax),
		)
	}

	// Admin API (never log token)
	oA := derefAdminAPI(oldCfg.AdminAPI)
	nA := derefAdminAPI(newCfg.AdminAPI)
	if oA.Enabled != nA.Enabled ||
		strings.TrimSpace(oA.Addr) != strings.TrimSpace(nA.Addr) ||
		(strings.TrimSpace(oA.Token) != "") != (strings.TrimSpace(nA.Token) != "") {
		changed = append(changed, "admin_api")
		attrs = append(attrs,
			logx.Bool("admin_api.enabled", nA.Enabled),
			logx.String("admin_api.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin_api.token_set", strings.TrimSpace(nA.Token) != ""),
		)
	}

	// Maintenance
	oM := derefMaintenance(oldCfg.Maintenance)
	nM := derefMaintenance(newCfg.Maintenance)
	if !reflect.DeepEqual(oM, nM) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.sweep_interval", strings.TrimSpace(nM.SweepInterval)),
			logx.String("maintenance.digest_time", strings.TrimSpace(nM.DigestTime)),
			logx.Bool("maintenance.digest_chat_set", nM.DigestChatID != 0),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefQueue(q *QueueConfig) QueueConfig {
	if q == nil {
		return QueueConfig{}
	}
	return *q
}

func derefNotifications(n *NotificationsConf) NotificationsConf {
	if n == nil {
		return NotificationsConf{}
	}
	return *n
}

func derefAdminAPI(a *AdminAPIConfig) AdminAPIConfig {
	if a == nil {
		return AdminAPIConfig{}
	}
	return *a
}

func derefMaintenance(m *MaintenanceConfig) MaintenanceConfig {
	if m == nil {
		return MaintenanceConfig{}
	}
	return *m
}
