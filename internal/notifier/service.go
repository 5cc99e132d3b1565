// Package notifier owns the notification lifecycle: idempotent creation,
// window-aware rescheduling, cancellation, delivery and recovery.
//
// All state races resolve through the store's compare-and-swap; a lost swap
// is an expected outcome, not an error. The in-process edit locks only trim
// wasted work when two operators touch the same record at once.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"casebot/internal/enrich"
	"casebot/internal/eventbus"
	"casebot/internal/storage"
	kit "casebot/internal/transport"
	logx "casebot/pkg/logx"
)

// JobQueue is the slice of the queue API the manager needs.
type JobQueue interface {
	Schedule(ctx context.Context, id string, runAt time.Time) error
	Remove(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*storage.Job, error)
	Counts(ctx context.Context) (storage.JobCounts, error)
}

// Sender delivers a composed message.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Service struct {
	cfg    Config
	store  storage.Store
	queue  JobQueue
	sender Sender
	lookup enrich.Lookup
	bus    eventbus.Bus
	log    logx.Logger

	// nowFn is swapped in tests.
	nowFn func() time.Time

	lockMu    sync.Mutex
	editLocks map[string]struct{}
}

func New(cfg Config, store storage.Store, queue JobQueue, sender Sender, lookup enrich.Lookup, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("notifier: store is required")
	}
	if queue == nil {
		return nil, errors.New("notifier: queue is required")
	}
	if sender == nil {
		return nil, errors.New("notifier: sender is required")
	}
	if lookup == nil {
		lookup = enrich.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		queue:     queue,
		sender:    sender,
		lookup:    lookup,
		bus:       bus,
		log:       log,
		nowFn:     time.Now,
		editLocks: map[string]struct{}{},
	}, nil
}

// tryLock takes the advisory edit lock for a record id. It never blocks.
func (s *Service) tryLock(id string) bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if _, busy := s.editLocks[id]; busy {
		return false
	}
	s.editLocks[id] = struct{}{}
	return true
}

func (s *Service) unlock(id string) {
	s.lockMu.Lock()
	delete(s.editLocks, id)
	s.lockMu.Unlock()
}

func (s *Service) publish(eventType string, rec *storage.Record) {
	if s.bus == nil || rec == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: *rec})
}

// ResolveTimeOfDay turns "HH:MM" into the next future instant in the
// operation timezone, rolling to the next day when the time already passed.
func (s *Service) ResolveTimeOfDay(hhmm string) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", strings.TrimSpace(hhmm), s.cfg.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time %q, want HH:MM", ErrValidation, hhmm)
	}
	now := s.nowFn().In(s.cfg.Timezone)
	at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, s.cfg.Timezone)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at, nil
}

func (s *Service) resolveScheduledAt(req CreateRequest) (time.Time, error) {
	hasAbs := !req.ScheduledAt.IsZero()
	hasTOD := strings.TrimSpace(req.TimeOfDay) != ""
	switch {
	case hasAbs && hasTOD:
		return time.Time{}, fmt.Errorf("%w: scheduled_at and time_of_day are mutually exclusive", ErrValidation)
	case hasAbs:
		if !req.ScheduledAt.After(s.nowFn()) {
			return time.Time{}, fmt.Errorf("%w: scheduled time must be in the future", ErrValidation)
		}
		return req.ScheduledAt, nil
	case hasTOD:
		return s.ResolveTimeOfDay(req.TimeOfDay)
	default:
		return time.Time{}, fmt.Errorf("%w: scheduled_at or time_of_day is required", ErrValidation)
	}
}

func (s *Service) validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.CaseNumber) == "" {
		return fmt.Errorf("%w: case_number is required", ErrValidation)
	}
	if _, err := storage.ParseKind(string(req.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.ChatID == 0 {
		return fmt.Errorf("%w: chat_id is required", ErrValidation)
	}
	return nil
}

// Create schedules a notification. It is idempotent on the subject key: if a
// non-terminal record already exists for (case, dossier, kind), that record
// is returned unchanged. A create race lost to the unique index is retried
// from the top a few times; if it keeps losing, ErrDuplicate surfaces.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*storage.Record, error) {
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.CreateRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.CreateRetryBackoff * time.Duration(attempt)):
			}
		}
		rec, err := s.createOnce(ctx, req)
		if errors.Is(err, storage.ErrDuplicate) {
			lastErr = err
			continue
		}
		return rec, err
	}
	return nil, lastErr
}

func (s *Service) createOnce(ctx context.Context, req CreateRequest) (*storage.Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	key := storage.SubjectKey{CaseNumber: req.CaseNumber, DossierNumber: req.DossierNumber, Kind: req.Kind}
	existing, err := s.store.FindActiveBySubject(opCtx, key)
	if err == nil {
		s.log.Debug("create is idempotent, active record exists",
			logx.String("subject", key.String()), logx.String("id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	at, err := s.resolveScheduledAt(req)
	if err != nil {
		return nil, err
	}

	payload := s.enrichPayload(opCtx, req.CaseNumber, req.Payload)

	rec := &storage.Record{
		ID:            uuid.NewString(),
		CaseNumber:    req.CaseNumber,
		DossierNumber: req.DossierNumber,
		Kind:          req.Kind,
		ScheduledAt:   at.UTC(),
		Status:        storage.StatusPending,
		ChatID:        req.ChatID,
		ThreadID:      req.ThreadID,
		Payload:       payload,
	}
	if err := s.store.CreateNotification(opCtx, rec); err != nil {
		return nil, err
	}
	if err := s.queue.Schedule(opCtx, rec.ID, rec.ScheduledAt); err != nil {
		// The record exists but is unarmed; the reconciliation sweep re-arms
		// or fails it. Surface the error so the caller knows.
		return rec, fmt.Errorf("notifier: record %s created but job not armed: %w", rec.ID, err)
	}

	s.log.Info("notification scheduled",
		logx.String("id", rec.ID),
		logx.String("case", rec.CaseNumber),
		logx.String("kind", string(rec.Kind)),
		logx.Time("at", rec.ScheduledAt),
	)
	s.publish(EventCreated, rec)
	return rec, nil
}

// enrichPayload fills blanks from the case directory. Misses and errors are
// fine; the caller's fields always win.
func (s *Service) enrichPayload(ctx context.Context, caseNumber string, p storage.Payload) storage.Payload {
	info, err := s.lookup.ByCaseNumber(ctx, caseNumber)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("enrichment lookup failed", logx.String("case", caseNumber), logx.Err(err))
		}
		return p
	}
	if p.ClientName == "" {
		p.ClientName = info.ClientName
	}
	if p.ClientPhone == "" {
		p.ClientPhone = info.ClientPhone
	}
	if p.VehiclePlate == "" {
		p.VehiclePlate = info.VehiclePlate
	}
	return p
}

// CreatePair schedules a CONTACT alert plus its paired COMPLETION alert at
// CompletionOffset after it. Each half is individually idempotent, so
// repeating the call after a partial failure completes the pair.
func (s *Service) CreatePair(ctx context.Context, req CreateRequest) (contact, completion *storage.Record, err error) {
	req.Kind = storage.KindContact
	contact, err = s.Create(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	compReq := req
	compReq.Kind = storage.KindCompletion
	compReq.TimeOfDay = ""
	compReq.ScheduledAt = contact.ScheduledAt.Add(s.cfg.CompletionOffset)
	completion, err = s.Create(ctx, compReq)
	if err != nil {
		return contact, nil, fmt.Errorf("notifier: contact %s created but completion failed: %w", contact.ID, err)
	}
	return contact, completion, nil
}

// Cancel moves a PENDING record to CANCELLED. It returns false when the
// record is unknown, already terminal or currently being delivered.
func (s *Service) Cancel(ctx context.Context, id, reason string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	// Disarm first so the executor can't pick the job up mid-cancel. A
	// missing job is fine (already fired or never armed).
	if _, err := s.queue.Remove(opCtx, id); err != nil {
		return false, err
	}

	rec, ok, err := s.store.UpdateCAS(opCtx, id, storage.StatusPending, storage.Patch{
		Status:       storage.StatusCancelled,
		CancelReason: &reason,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		// Re-arm nothing: if the record is PROCESSING the executor owns it;
		// terminal and unknown need no job either way.
		return false, nil
	}

	s.log.Info("notification cancelled", logx.String("id", id), logx.String("reason", reason))
	s.publish(EventCancelled, rec)
	return true, nil
}

// CancelAllForCase cancels every pending notification of a case and returns
// how many were cancelled.
func (s *Service) CancelAllForCase(ctx context.Context, caseNumber, reason string) (int, error) {
	if strings.TrimSpace(caseNumber) == "" {
		return 0, fmt.Errorf("%w: case_number is required", ErrValidation)
	}
	recs, err := s.store.ListPending(ctx, storage.ListFilter{CaseNumber: caseNumber})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		ok, err := s.Cancel(ctx, rec.ID, reason)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Service) ListPending(ctx context.Context, f storage.ListFilter) ([]storage.Record, error) {
	return s.store.ListPending(ctx, f)
}

func (s *Service) Get(ctx context.Context, id string) (*storage.Record, error) {
	return s.store.GetNotification(ctx, id)
}

// Stats reports live queue counts plus record counts per status.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	jobs, err := s.queue.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	byStatus, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Jobs: jobs, ByStatus: byStatus}, nil
}
