package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"casebot/internal/storage"
	kit "casebot/internal/transport"
	logx "casebot/pkg/logx"
)

// Execute delivers a due notification. It is the queue handler and must be
// idempotent: the PENDING->PROCESSING swap is the single delivery gate, so a
// re-fired job for an already-handled record exits silently.
//
// A delivery failure is terminal (FAILED with the error recorded); only
// infrastructure errors propagate, which leaves the job leased for a re-fire.
func (s *Service) Execute(ctx context.Context, id string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	rec, ok, err := s.store.UpdateCAS(opCtx, id, storage.StatusPending, storage.Patch{
		Status: storage.StatusProcessing,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("notifier: claim %s: %w", id, err)
	}
	if !ok {
		// Someone else won (double fire, cancel, edit lock). Not our turn.
		s.log.Debug("execute skipped, record not pending", logx.String("id", id))
		return nil
	}

	text := s.compose(rec)
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	_, sendErr := s.sender.SendText(sendCtx, kit.ChatTarget{ChatID: rec.ChatID, ThreadID: rec.ThreadID}, text, &kit.SendOptions{DisablePreview: true})
	cancel()

	if sendErr != nil {
		return s.finishFailed(ctx, rec, sendErr)
	}
	return s.finishSent(ctx, rec)
}

func (s *Service) finishSent(ctx context.Context, rec *storage.Record) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()
	final, ok, err := s.store.UpdateCAS(opCtx, rec.ID, storage.StatusProcessing, storage.Patch{
		Status: storage.StatusSent,
	})
	if err != nil {
		return fmt.Errorf("notifier: finalize sent %s: %w", rec.ID, err)
	}
	if !ok {
		// The message went out but the row moved under us. Should not happen
		// while we hold PROCESSING; log loudly and move on.
		s.log.Error("sent but finalize lost", logx.String("id", rec.ID))
		return nil
	}
	s.log.Info("notification sent",
		logx.String("id", rec.ID),
		logx.String("case", rec.CaseNumber),
		logx.String("kind", string(rec.Kind)),
	)
	s.publish(EventSent, final)
	return nil
}

func (s *Service) finishFailed(ctx context.Context, rec *storage.Record, sendErr error) error {
	msg := sendErr.Error()
	retries := rec.RetryCount + 1

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()
	final, ok, err := s.store.UpdateCAS(opCtx, rec.ID, storage.StatusProcessing, storage.Patch{
		Status:     storage.StatusFailed,
		Error:      &msg,
		RetryCount: &retries,
	})
	if err != nil {
		return fmt.Errorf("notifier: finalize failed %s: %w", rec.ID, err)
	}
	if !ok {
		s.log.Error("delivery failed and finalize lost", logx.String("id", rec.ID), logx.Err(sendErr))
		return nil
	}
	s.log.Warn("notification delivery failed",
		logx.String("id", rec.ID),
		logx.String("case", rec.CaseNumber),
		logx.Err(sendErr),
	)
	s.publish(EventFailed, final)
	// Terminal by policy: the job must not re-fire.
	return nil
}

// RecoverMissed finalizes records a dead process left behind. PENDING records
// whose scheduled time is more than grace in the past become
// FAILED("missed during downtime") and are never fired late. PROCESSING
// records that far past due lost their executor between the delivery claim
// and the terminal update; they become FAILED("lost during delivery"), which
// also frees their subject key for new creates. It runs at startup before the
// queue starts (grace 0) and from the periodic sweep (grace wide enough to
// skip in-flight deliveries).
func (s *Service) RecoverMissed(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.nowFn().Add(-grace)
	recs, err := s.store.ListPendingDueBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	const missedMsg = "missed during downtime"
	n := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		// Late alerts are worse than no alerts; never fire them.
		if _, err := s.queue.Remove(ctx, rec.ID); err != nil {
			return n, err
		}
		msg := missedMsg
		final, ok, err := s.store.UpdateCAS(ctx, rec.ID, storage.StatusPending, storage.Patch{
			Status: storage.StatusFailed,
			Error:  &msg,
		})
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		n++
		s.log.Warn("missed notification marked failed",
			logx.String("id", rec.ID),
			logx.String("case", rec.CaseNumber),
			logx.Time("was_due", rec.ScheduledAt),
		)
		s.publish(EventRecovered, final)
	}

	stuck, err := s.store.ListProcessingDueBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}
	const lostMsg = "lost during delivery"
	for _, rec := range stuck {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.queue.Remove(ctx, rec.ID); err != nil {
			return n, err
		}
		msg := lostMsg
		final, ok, err := s.store.UpdateCAS(ctx, rec.ID, storage.StatusProcessing, storage.Patch{
			Status: storage.StatusFailed,
			Error:  &msg,
		})
		if err != nil {
			return n, err
		}
		if !ok {
			// A live executor finalized it between the list and the swap.
			continue
		}
		n++
		s.log.Warn("stuck delivery marked failed",
			logx.String("id", rec.ID),
			logx.String("case", rec.CaseNumber),
			logx.Time("was_due", rec.ScheduledAt),
		)
		s.publish(EventRecovered, final)
	}
	return n, nil
}

// Reconcile re-arms PENDING records that lost their queue job (a crash
// between create and schedule, or a failed re-arm during an edit).
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	recs, err := s.store.ListPending(ctx, storage.ListFilter{Limit: 1000})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !rec.ScheduledAt.After(s.nowFn()) {
			continue // past due, the sweep's RecoverMissed pass owns it
		}
		_, err := s.queue.Get(ctx, rec.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return n, err
		}
		if err := s.queue.Schedule(ctx, rec.ID, rec.ScheduledAt); err != nil {
			return n, err
		}
		n++
		s.log.Warn("re-armed orphaned notification", logx.String("id", rec.ID))
	}
	return n, nil
}
