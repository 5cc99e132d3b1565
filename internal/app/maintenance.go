package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"casebot/internal/config"
	"casebot/internal/notifier"
	"casebot/internal/runtime/supervisor"
	"casebot/internal/storage"
	kit "casebot/internal/transport"
	logx "casebot/pkg/logx"
)

// maintenance owns the background jobs that are clock-driven rather than
// record-driven: the reconciliation sweep and the morning digest.
type maintenance struct {
	mgr    *notifier.Service
	out    notifier.Sender
	log    logx.Logger
	loc    *time.Location
	cron   *cron.Cron
	sweep  time.Duration
	grace  time.Duration
	digest config.MaintenanceConfig
}

func newMaintenance(cfg *config.MaintenanceConfig, loc *time.Location, mgr *notifier.Service, out notifier.Sender, log logx.Logger) (*maintenance, error) {
	m := &maintenance{
		mgr:   mgr,
		out:   out,
		log:   log,
		loc:   loc,
		sweep: 5 * time.Minute,
		grace: 10 * time.Minute,
	}
	if loc == nil {
		m.loc = time.UTC
	}
	if cfg == nil {
		return m, nil
	}
	m.digest = *cfg

	var err error
	if m.grace, err = config.ParseDurationOrDefault("maintenance.sweep_grace", cfg.SweepGrace, 10*time.Minute); err != nil {
		return nil, err
	}
	sweep, err := config.ParseDurationField("maintenance.sweep_interval", cfg.SweepInterval)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.TrimSpace(cfg.SweepInterval) == "":
		// keep the default
	case sweep == 0:
		// an explicit zero disables the sweep
		m.sweep = 0
	default:
		m.sweep = sweep
	}
	return m, nil
}

func (m *maintenance) start(sup *supervisor.Supervisor) {
	m.cron = cron.New(cron.WithLocation(m.loc))

	if m.sweep > 0 {
		spec := fmt.Sprintf("@every %s", m.sweep)
		_, err := m.cron.AddFunc(spec, func() { m.runSweep(sup.Context()) })
		if err != nil {
			m.log.Error("sweep schedule rejected", logx.String("spec", spec), logx.Err(err))
		}
	}

	if dt := strings.TrimSpace(m.digest.DigestTime); dt != "" {
		t, err := time.Parse("15:04", dt)
		if err == nil {
			spec := fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour())
			_, err = m.cron.AddFunc(spec, func() { m.runDigest(sup.Context()) })
		}
		if err != nil {
			m.log.Error("digest schedule rejected", logx.String("time", dt), logx.Err(err))
		}
	}

	m.cron.Start()
	sup.Go0("maintenance.cron", func(ctx context.Context) {
		<-ctx.Done()
		<-m.cron.Stop().Done()
	})
}

// runSweep fails long-overdue pending records and re-arms orphaned ones. The
// grace window keeps it away from records a live delivery may still hold.
func (m *maintenance) runSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	missed, err := m.mgr.RecoverMissed(sweepCtx, m.grace)
	if err != nil {
		m.log.Warn("sweep recover failed", logx.Err(err))
		return
	}
	rearmed, err := m.mgr.Reconcile(sweepCtx)
	if err != nil {
		m.log.Warn("sweep reconcile failed", logx.Err(err))
		return
	}
	if missed > 0 || rearmed > 0 {
		m.log.Warn("sweep finished", logx.Int("missed", missed), logx.Int("re_armed", rearmed))
	}
}

func (m *maintenance) runDigest(ctx context.Context) {
	digestCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stats, err := m.mgr.Stats(digestCtx)
	if err != nil {
		m.log.Warn("digest stats failed", logx.Err(err))
		return
	}

	var b strings.Builder
	b.WriteString("☀️ Morning digest\n")
	fmt.Fprintf(&b, "Jobs: %d scheduled, %d due\n", stats.Jobs.Scheduled, stats.Jobs.Due)
	statuses := make([]string, 0, len(stats.ByStatus))
	for st := range stats.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", st, stats.ByStatus[storage.Status(st)])
	}

	target := kit.ChatTarget{ChatID: m.digest.DigestChatID, ThreadID: m.digest.DigestThreadID}
	if _, err := m.out.SendText(digestCtx, target, strings.TrimRight(b.String(), "\n"), &kit.SendOptions{DisablePreview: true}); err != nil {
		m.log.Warn("digest send failed", logx.Err(err))
	}
}

// notifyReady tells systemd the service is up and keeps the watchdog fed
// when one is configured. Outside systemd both calls are no-ops.
func notifyReady(sup *supervisor.Supervisor, log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify unavailable", logx.Err(err))
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}
