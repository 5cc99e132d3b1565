package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"casebot/internal/storage"
	logx "casebot/pkg/logx"
)

// editTarget is one record taking part in a reschedule, with the time it
// moves to and the strategy its window dictates.
type editTarget struct {
	rec      *storage.Record
	newTime  time.Time
	strategy EditStrategy
}

// classify picks the strategy from how close the record's current time is.
func (s *Service) classify(rec *storage.Record, now time.Time) EditStrategy {
	remaining := rec.ScheduledAt.Sub(now)
	switch {
	case remaining <= s.cfg.CancelCreateWindow:
		return StrategyCancelAndCreate
	case remaining <= s.cfg.ForceCancelWindow:
		return StrategyForceCancel
	default:
		return StrategyNormalEdit
	}
}

// checkEditable verifies the per-record preconditions shared by every edit.
func (s *Service) checkEditable(rec *storage.Record, newTime, now time.Time) error {
	if rec.Status != storage.StatusPending {
		return fmt.Errorf("record %s is %s, only pending records can be moved", rec.ID, rec.Status)
	}
	if !newTime.After(now) {
		return fmt.Errorf("new time %s is not in the future", newTime.In(s.cfg.Timezone).Format("2006-01-02 15:04"))
	}
	if now.Sub(rec.ScheduledAt) > s.cfg.StaleEditCutoff {
		return fmt.Errorf("record %s was due %s ago, too stale to move", rec.ID, now.Sub(rec.ScheduledAt).Round(time.Minute))
	}
	return nil
}

// EditScheduledTime moves a pending notification to newTime. Moving a CONTACT
// alert drags its paired non-terminal COMPLETION alert by the same delta; the
// pair is validated as a whole before either record is touched, so an invalid
// companion rejects the entire edit.
//
// Precondition failures come back as Success=false with an operator-readable
// message; only infrastructure problems return an error.
func (s *Service) EditScheduledTime(ctx context.Context, id string, newTime time.Time) (EditResult, error) {
	if !s.tryLock(id) {
		return EditResult{Message: "another edit of this notification is in progress"}, nil
	}
	defer s.unlock(id)

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	rec, err := s.store.GetNotification(opCtx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return EditResult{Message: "notification not found"}, nil
	}
	if err != nil {
		return EditResult{}, err
	}

	now := s.nowFn()
	if err := s.checkEditable(rec, newTime, now); err != nil {
		return EditResult{Message: err.Error()}, nil
	}
	delta := newTime.Sub(rec.ScheduledAt)

	targets := []editTarget{{rec: rec, newTime: newTime.UTC(), strategy: s.classify(rec, now)}}

	// A CONTACT edit drags its paired COMPLETION by the same delta.
	if rec.Kind == storage.KindContact {
		companion, err := s.store.FindActiveBySubject(opCtx, storage.SubjectKey{
			CaseNumber:    rec.CaseNumber,
			DossierNumber: rec.DossierNumber,
			Kind:          storage.KindCompletion,
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return EditResult{}, err
		}
		if companion != nil {
			shifted := companion.ScheduledAt.Add(delta)
			if err := s.checkEditable(companion, shifted, now); err != nil {
				return EditResult{Message: "paired completion alert cannot move: " + err.Error()}, nil
			}
			if !s.tryLock(companion.ID) {
				return EditResult{Message: "another edit of the paired completion alert is in progress"}, nil
			}
			defer s.unlock(companion.ID)
			targets = append(targets, editTarget{rec: companion, newTime: shifted.UTC(), strategy: s.classify(companion, now)})
		}
	}

	// Both targets validated; apply. Not transactional across records, but
	// the validate-both-then-write-both order keeps the window narrow.
	result := EditResult{Success: true, Strategy: targets[0].strategy}
	for _, t := range targets {
		newID, err := s.applyEdit(opCtx, t)
		if err != nil {
			return EditResult{}, err
		}
		if newID == "" {
			result.Success = false
			result.Message = fmt.Sprintf("notification %s changed concurrently, edit aborted", t.rec.ID)
			return result, nil
		}
		result.AffectedIDs = append(result.AffectedIDs, newID)
	}

	result.Message = fmt.Sprintf("moved to %s", newTime.In(s.cfg.Timezone).Format("2006-01-02 15:04"))
	s.log.Info("notification rescheduled",
		logx.String("id", id),
		logx.String("strategy", string(result.Strategy)),
		logx.Time("new_time", newTime),
		logx.Int("affected", len(result.AffectedIDs)),
	)
	return result, nil
}

// applyEdit executes one target with its strategy. It returns the id of the
// record now carrying the alert (a fresh id for CANCEL_AND_CREATE), or ""
// when a CAS loss aborted the edit.
func (s *Service) applyEdit(ctx context.Context, t editTarget) (string, error) {
	switch t.strategy {
	case StrategyNormalEdit:
		return s.applyNormalEdit(ctx, t)
	case StrategyForceCancel:
		return s.applyForceCancel(ctx, t)
	case StrategyCancelAndCreate:
		return s.applyCancelAndCreate(ctx, t)
	default:
		return "", fmt.Errorf("notifier: unknown strategy %q", t.strategy)
	}
}

// applyNormalEdit is the far-from-fire path: disarm, update in place, re-arm.
func (s *Service) applyNormalEdit(ctx context.Context, t editTarget) (string, error) {
	if _, err := s.queue.Remove(ctx, t.rec.ID); err != nil {
		return "", err
	}
	rec, ok, err := s.store.UpdateCAS(ctx, t.rec.ID, storage.StatusPending, storage.Patch{
		Status:      storage.StatusPending,
		ScheduledAt: &t.newTime,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	if err := s.queue.Schedule(ctx, rec.ID, rec.ScheduledAt); err != nil {
		return "", err
	}
	s.publish(EventEdited, rec)
	return rec.ID, nil
}

// applyForceCancel handles the 2-10 minute window: the job may fire any poll
// now, so the record is parked in PROCESSING while the job is torn down. An
// executor double-fire then loses its PENDING->PROCESSING swap and exits.
func (s *Service) applyForceCancel(ctx context.Context, t editTarget) (string, error) {
	if _, err := s.queue.Remove(ctx, t.rec.ID); err != nil {
		return "", err
	}
	_, ok, err := s.store.UpdateCAS(ctx, t.rec.ID, storage.StatusPending, storage.Patch{
		Status: storage.StatusProcessing,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		// The executor got there first; the alert is being delivered.
		return "", nil
	}
	rec, ok, err := s.store.UpdateCAS(ctx, t.rec.ID, storage.StatusProcessing, storage.Patch{
		Status:      storage.StatusPending,
		ScheduledAt: &t.newTime,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	if err := s.queue.Schedule(ctx, rec.ID, rec.ScheduledAt); err != nil {
		return "", err
	}
	s.publish(EventEdited, rec)
	return rec.ID, nil
}

// applyCancelAndCreate handles the last-moment window: racing the imminent
// fire in place is hopeless, so the original is cancelled outright and a
// replacement with a fresh id inherits its payload.
func (s *Service) applyCancelAndCreate(ctx context.Context, t editTarget) (string, error) {
	if _, err := s.queue.Remove(ctx, t.rec.ID); err != nil {
		return "", err
	}
	reason := "rescheduled shortly before delivery"
	cancelled, ok, err := s.store.UpdateCAS(ctx, t.rec.ID, storage.StatusPending, storage.Patch{
		Status:       storage.StatusCancelled,
		CancelReason: &reason,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	s.publish(EventCancelled, cancelled)

	replacement := &storage.Record{
		ID:            uuid.NewString(),
		CaseNumber:    t.rec.CaseNumber,
		DossierNumber: t.rec.DossierNumber,
		Kind:          t.rec.Kind,
		ScheduledAt:   t.newTime,
		Status:        storage.StatusPending,
		ChatID:        t.rec.ChatID,
		ThreadID:      t.rec.ThreadID,
		Payload:       t.rec.Payload,
	}
	if err := s.store.CreateNotification(ctx, replacement); err != nil {
		return "", err
	}
	if err := s.queue.Schedule(ctx, replacement.ID, replacement.ScheduledAt); err != nil {
		return "", err
	}
	s.publish(EventCreated, replacement)
	return replacement.ID, nil
}
