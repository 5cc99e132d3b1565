// Package router maps owner chat commands onto the notification lifecycle
// manager. The surface is deliberately small: the desk drives day-to-day
// scheduling from the chat, everything else goes through the admin API.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"casebot/internal/notifier"
	"casebot/internal/storage"
	kit "casebot/internal/transport"
	logx "casebot/pkg/logx"
)

// Manager is the slice of the lifecycle API the chat surface needs.
type Manager interface {
	Create(ctx context.Context, req notifier.CreateRequest) (*storage.Record, error)
	CreatePair(ctx context.Context, req notifier.CreateRequest) (contact, completion *storage.Record, err error)
	EditScheduledTime(ctx context.Context, id string, newTime time.Time) (notifier.EditResult, error)
	Cancel(ctx context.Context, id, reason string) (bool, error)
	CancelAllForCase(ctx context.Context, caseNumber, reason string) (int, error)
	ListPending(ctx context.Context, f storage.ListFilter) ([]storage.Record, error)
	Stats(ctx context.Context) (notifier.Stats, error)
	ResolveTimeOfDay(hhmm string) (time.Time, error)
}

type Config struct {
	// OwnerIDs are the telegram user ids allowed to issue commands. Messages
	// from anyone else are ignored silently.
	OwnerIDs []int64
	// Timezone renders times in replies.
	Timezone *time.Location
}

type Router struct {
	cfg Config
	mgr Manager
	out kit.Adapter
	log logx.Logger
}

func New(cfg Config, mgr Manager, out kit.Adapter, log logx.Logger) (*Router, error) {
	if mgr == nil {
		return nil, errors.New("router: manager is required")
	}
	if out == nil {
		return nil, errors.New("router: adapter is required")
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg, mgr: mgr, out: out, log: log}, nil
}

// DispatchLoop consumes inbound updates until ctx is done. Run it under the
// app supervisor.
func (r *Router) DispatchLoop(ctx context.Context, in <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			if u.Message == nil {
				continue
			}
			r.handle(ctx, u.Message)
		}
	}
}

func (r *Router) isOwner(id int64) bool {
	for _, owner := range r.cfg.OwnerIDs {
		if owner == id {
			return true
		}
	}
	return false
}

func (r *Router) handle(ctx context.Context, msg *kit.Message) {
	cmd, args := splitCommand(msg.Text)
	if cmd == "" {
		return
	}
	if !r.isOwner(msg.FromID) {
		r.log.Debug("command from non-owner ignored",
			logx.Int64("from", msg.FromID), logx.String("cmd", cmd))
		return
	}

	var reply string
	var err error
	switch cmd {
	case "/remind":
		reply, err = r.cmdRemind(ctx, msg, args)
	case "/move":
		reply, err = r.cmdMove(ctx, args)
	case "/cancel":
		reply, err = r.cmdCancel(ctx, args)
	case "/cancelcase":
		reply, err = r.cmdCancelCase(ctx, args)
	case "/pending":
		reply, err = r.cmdPending(ctx, args)
	case "/stats":
		reply, err = r.cmdStats(ctx)
	case "/help", "/start":
		reply = helpText
	default:
		return
	}

	if err != nil {
		if errors.Is(err, notifier.ErrValidation) || errors.Is(err, errUsage) {
			reply = "⚠️ " + err.Error()
		} else {
			r.log.Error("command failed", logx.String("cmd", cmd), logx.Err(err))
			reply = "❌ internal error, check the logs"
		}
	}
	if reply == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	target := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := r.out.SendText(sendCtx, target, reply, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.Err(err))
	}
}

const helpText = `Commands:
/remind <case> <CONTACT|COMPLETION|OTHER> <HH:MM> [note] — schedule an alert
/move <id> <HH:MM> — reschedule (paired completion moves too)
/cancel <id> [reason] — cancel one alert
/cancelcase <case> [reason] — cancel every pending alert of a case
/pending [case] — list pending alerts
/stats — queue and status counters`

func (r *Router) cmdRemind(ctx context.Context, msg *kit.Message, args []string) (string, error) {
	p, err := parseRemind(args)
	if err != nil {
		return "", err
	}
	req := notifier.CreateRequest{
		CaseNumber: p.caseNumber,
		Kind:       p.kind,
		TimeOfDay:  p.timeOfDay,
		ChatID:     msg.ChatID,
		ThreadID:   msg.ThreadID,
		Payload:    storage.Payload{Note: p.note},
	}

	// A contact reminder always gets its completion check scheduled with it.
	if p.kind == storage.KindContact {
		contact, completion, err := r.mgr.CreatePair(ctx, req)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("⏰ CONTACT for %s at %s (id %s)\n✅ COMPLETION at %s (id %s)",
			contact.CaseNumber, r.fmtTime(contact.ScheduledAt), contact.ID,
			r.fmtTime(completion.ScheduledAt), completion.ID), nil
	}

	rec, err := r.mgr.Create(ctx, req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("⏰ %s alert for %s at %s\nid: %s",
		rec.Kind, rec.CaseNumber, r.fmtTime(rec.ScheduledAt), rec.ID), nil
}

func (r *Router) cmdMove(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("%w: /move <id> <HH:MM>", errUsage)
	}
	newTime, err := r.mgr.ResolveTimeOfDay(args[1])
	if err != nil {
		return "", err
	}
	res, err := r.mgr.EditScheduledTime(ctx, args[0], newTime)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "⚠️ " + res.Message, nil
	}
	if len(res.AffectedIDs) > 1 {
		return fmt.Sprintf("🔁 %s (paired completion moved too)", res.Message), nil
	}
	return "🔁 " + res.Message, nil
}

func (r *Router) cmdCancel(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%w: /cancel <id> [reason]", errUsage)
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "cancelled by operator"
	}
	ok, err := r.mgr.Cancel(ctx, args[0], reason)
	if err != nil {
		return "", err
	}
	if !ok {
		return "⚠️ nothing to cancel (unknown id, already delivered or terminal)", nil
	}
	return "🚫 cancelled", nil
}

func (r *Router) cmdCancelCase(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%w: /cancelcase <case> [reason]", errUsage)
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "case closed"
	}
	n, err := r.mgr.CancelAllForCase(ctx, args[0], reason)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🚫 cancelled %d alert(s) for %s", n, args[0]), nil
}

func (r *Router) cmdPending(ctx context.Context, args []string) (string, error) {
	f := storage.ListFilter{Limit: 25}
	if len(args) > 0 {
		f.CaseNumber = args[0]
	}
	recs, err := r.mgr.ListPending(ctx, f)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "Nothing pending.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pending (%d):\n", len(recs))
	for _, rec := range recs {
		fmt.Fprintf(&b, "• %s %s %s — %s\n", r.fmtTime(rec.ScheduledAt), rec.Kind, rec.CaseNumber, rec.ID)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) cmdStats(ctx context.Context) (string, error) {
	stats, err := r.mgr.Stats(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Jobs: %d scheduled, %d due\n", stats.Jobs.Scheduled, stats.Jobs.Due)

	statuses := make([]string, 0, len(stats.ByStatus))
	for st := range stats.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", st, stats.ByStatus[storage.Status(st)])
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) fmtTime(t time.Time) string {
	return t.In(r.cfg.Timezone).Format("02.01 15:04")
}
