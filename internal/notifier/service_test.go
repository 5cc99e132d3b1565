package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"casebot/internal/enrich"
	"casebot/internal/eventbus"
	"casebot/internal/queue"
	"casebot/internal/storage"
	kit "casebot/internal/transport"
	logx "casebot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  error
	chats []kit.ChatTarget
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return kit.MessageRef{}, f.fail
	}
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	svc    *Service
	store  storage.Store
	sender *fakeSender
	now    time.Time
}

// newFixture wires the manager against a real sqlite store and an unstarted
// queue service (pure pass-through to the jobs table). The clock is frozen at
// f.now; move it by reassigning before calling operations.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q, err := queue.New(queue.Config{}, st, func(context.Context, string) error { return nil }, logx.Nop())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	sender := &fakeSender{}
	svc, err := New(Config{Timezone: time.UTC}, st, q, sender, enrich.NewStoreLookup(st), eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	f := &fixture{svc: svc, store: st, sender: sender, now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	svc.nowFn = func() time.Time { return f.now }
	return f
}

func (f *fixture) create(t *testing.T, kind storage.Kind, at time.Time) *storage.Record {
	t.Helper()
	rec, err := f.svc.Create(context.Background(), CreateRequest{
		CaseNumber:    "AB-1001",
		DossierNumber: "D-7",
		Kind:          kind,
		ScheduledAt:   at,
		ChatID:        42,
		Payload:       storage.Payload{ClientName: "Ivanov"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing case", CreateRequest{Kind: storage.KindContact, ChatID: 1, TimeOfDay: "10:00"}},
		{"missing chat", CreateRequest{CaseNumber: "A", Kind: storage.KindContact, TimeOfDay: "10:00"}},
		{"bad kind", CreateRequest{CaseNumber: "A", Kind: "NONSENSE", ChatID: 1, TimeOfDay: "10:00"}},
		{"no time", CreateRequest{CaseNumber: "A", Kind: storage.KindContact, ChatID: 1}},
		{"both times", CreateRequest{CaseNumber: "A", Kind: storage.KindContact, ChatID: 1, TimeOfDay: "10:00", ScheduledAt: f.now.Add(time.Hour)}},
		{"past absolute", CreateRequest{CaseNumber: "A", Kind: storage.KindContact, ChatID: 1, ScheduledAt: f.now.Add(-time.Hour)}},
		{"bad hhmm", CreateRequest{CaseNumber: "A", Kind: storage.KindContact, ChatID: 1, TimeOfDay: "25:99"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tc.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("want ErrValidation, got %v", err)
			}
		})
	}
}

func TestResolveTimeOfDayRollsToNextDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t) // clock frozen at 09:00 UTC

	at, err := f.svc.ResolveTimeOfDay("10:30")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("same-day = %v, want %v", at, want)
	}

	at, err = f.svc.ResolveTimeOfDay("08:00")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want = time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("rolled = %v, want %v", at, want)
	}
}

func TestCreateIsIdempotentOnSubject(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	first := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	second := f.create(t, storage.KindContact, f.now.Add(3*time.Hour))

	if second.ID != first.ID {
		t.Fatalf("second create returned %s, want existing %s", second.ID, first.ID)
	}
	if !second.ScheduledAt.Equal(first.ScheduledAt) {
		t.Fatal("idempotent create must not change the schedule")
	}

	// Different kind is a different subject.
	other := f.create(t, storage.KindCompletion, f.now.Add(2*time.Hour))
	if other.ID == first.ID {
		t.Fatal("completion reused the contact record")
	}
}

func TestCreateArmsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	j, err := f.store.GetJob(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("job not armed: %v", err)
	}
	if !j.RunAt.Equal(rec.ScheduledAt) {
		t.Fatalf("job run_at = %v, want %v", j.RunAt, rec.ScheduledAt)
	}
}

func TestCreateEnrichesFromCaseDirectory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.UpsertCase(ctx, storage.CaseInfo{
		CaseNumber: "AB-1001", ClientName: "Directory Name", ClientPhone: "+371 2", VehiclePlate: "KZ-1",
	})
	if err != nil {
		t.Fatalf("upsert case: %v", err)
	}

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	if rec.Payload.ClientName != "Ivanov" {
		t.Fatalf("caller field overwritten: %q", rec.Payload.ClientName)
	}
	if rec.Payload.ClientPhone != "+371 2" || rec.Payload.VehiclePlate != "KZ-1" {
		t.Fatalf("blanks not filled: %+v", rec.Payload)
	}
}

func TestExecuteDeliversExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))

	if err := f.svc.Execute(ctx, rec.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// A re-fired job for the same record is a silent no-op.
	if err := f.svc.Execute(ctx, rec.ID); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if n := f.sender.count(); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}

	got, err := f.store.GetNotification(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusSent {
		t.Fatalf("status = %s, want SENT", got.Status)
	}
}

func TestExecuteDeliveryFailureIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.sender.fail = errors.New("telegram: chat not found")

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))

	// No automatic retry: the handler reports success so the job is removed.
	if err := f.svc.Execute(ctx, rec.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := f.store.GetNotification(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error == "" || got.RetryCount != 1 {
		t.Fatalf("failure not recorded: %+v", got)
	}
}

func TestExecuteUnknownIDIsSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.svc.Execute(context.Background(), "no-such-id"); err != nil {
		t.Fatalf("execute unknown: %v", err)
	}
}

func TestCreatePair(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	contact, completion, err := f.svc.CreatePair(ctx, CreateRequest{
		CaseNumber:    "AB-1001",
		DossierNumber: "D-7",
		ChatID:        42,
		ScheduledAt:   f.now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	if contact.Kind != storage.KindContact || completion.Kind != storage.KindCompletion {
		t.Fatalf("kinds = %s/%s", contact.Kind, completion.Kind)
	}
	// Default completion offset is two hours after the contact.
	want := contact.ScheduledAt.Add(2 * time.Hour)
	if !completion.ScheduledAt.Equal(want) {
		t.Fatalf("completion at %v, want %v", completion.ScheduledAt, want)
	}
	for _, rec := range []*storage.Record{contact, completion} {
		if _, err := f.store.GetJob(ctx, rec.ID); err != nil {
			t.Fatalf("job for %s not armed: %v", rec.Kind, err)
		}
	}

	// Repeating the call returns the same pair, not new records.
	c2, comp2, err := f.svc.CreatePair(ctx, CreateRequest{
		CaseNumber:    "AB-1001",
		DossierNumber: "D-7",
		ChatID:        42,
		ScheduledAt:   f.now.Add(3 * time.Hour),
	})
	if err != nil {
		t.Fatalf("repeat pair: %v", err)
	}
	if c2.ID != contact.ID || comp2.ID != completion.ID {
		t.Fatalf("repeat created new records: %s/%s", c2.ID, comp2.ID)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	ok, err := f.svc.Cancel(ctx, rec.ID, "client called back")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	got, _ := f.store.GetNotification(ctx, rec.ID)
	if got.Status != storage.StatusCancelled || got.CancelReason != "client called back" {
		t.Fatalf("record = %+v", got)
	}
	if _, err := f.store.GetJob(ctx, rec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("job not disarmed: %v", err)
	}

	// Terminal records and unknown ids cancel as false, not as errors.
	ok, err = f.svc.Cancel(ctx, rec.ID, "again")
	if err != nil || ok {
		t.Fatalf("cancel terminal: ok=%v err=%v", ok, err)
	}
	ok, err = f.svc.Cancel(ctx, "missing", "x")
	if err != nil || ok {
		t.Fatalf("cancel unknown: ok=%v err=%v", ok, err)
	}
}

func TestCancelDoesNotTouchSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	if err := f.svc.Execute(ctx, rec.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	ok, err := f.svc.Cancel(ctx, rec.ID, "too late")
	if err != nil || ok {
		t.Fatalf("cancel after send: ok=%v err=%v", ok, err)
	}
	got, _ := f.store.GetNotification(ctx, rec.ID)
	if got.Status != storage.StatusSent {
		t.Fatalf("status = %s, want SENT untouched", got.Status)
	}
}

func TestCancelAllForCase(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, storage.KindContact, f.now.Add(time.Hour))
	f.create(t, storage.KindCompletion, f.now.Add(2*time.Hour))
	if _, err := f.svc.Create(ctx, CreateRequest{
		CaseNumber: "OTHER-1", Kind: storage.KindContact, ChatID: 42, ScheduledAt: f.now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	n, err := f.svc.CancelAllForCase(ctx, "AB-1001", "case closed")
	if err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled %d, want 2", n)
	}
	left, err := f.svc.ListPending(ctx, storage.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].CaseNumber != "OTHER-1" {
		t.Fatalf("remaining = %+v", left)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	if _, err := f.svc.Cancel(ctx, rec.ID, "x"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.create(t, storage.KindCompletion, f.now.Add(2*time.Hour))

	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByStatus[storage.StatusPending] != 1 || stats.ByStatus[storage.StatusCancelled] != 1 {
		t.Fatalf("by_status = %v", stats.ByStatus)
	}
	if stats.Jobs.Scheduled != 1 {
		t.Fatalf("jobs = %+v", stats.Jobs)
	}
}

func TestRecoverMissed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	past := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	future := f.create(t, storage.KindCompletion, f.now.Add(5*time.Hour))

	// Simulate downtime past the first record's due time.
	f.now = f.now.Add(2 * time.Hour)

	n, err := f.svc.RecoverMissed(ctx, 0)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	got, _ := f.store.GetNotification(ctx, past.ID)
	if got.Status != storage.StatusFailed || got.Error != "missed during downtime" {
		t.Fatalf("missed record = %+v", got)
	}
	if _, err := f.store.GetJob(ctx, past.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("missed record's job still armed")
	}
	if f.sender.count() != 0 {
		t.Fatal("missed record was delivered late")
	}

	got, _ = f.store.GetNotification(ctx, future.ID)
	if got.Status != storage.StatusPending {
		t.Fatalf("future record touched: %+v", got)
	}
}

func TestRecoverMissedFailsStuckProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	stuck := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	parked := f.create(t, storage.KindCompletion, f.now.Add(5*time.Hour))

	// Simulate a crash between the delivery claim and the terminal update.
	for _, id := range []string{stuck.ID, parked.ID} {
		if _, ok, err := f.store.UpdateCAS(ctx, id, storage.StatusPending, storage.Patch{
			Status: storage.StatusProcessing,
		}); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", id, ok, err)
		}
	}

	f.now = f.now.Add(2 * time.Hour)

	n, err := f.svc.RecoverMissed(ctx, 0)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	got, _ := f.store.GetNotification(ctx, stuck.ID)
	if got.Status != storage.StatusFailed || got.Error != "lost during delivery" {
		t.Fatalf("stuck record = %+v", got)
	}
	if _, err := f.store.GetJob(ctx, stuck.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("stuck record's job still armed")
	}
	if f.sender.count() != 0 {
		t.Fatal("stuck record was delivered late")
	}

	// The subject key is free again; create no longer returns the dead record.
	fresh := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	if fresh.ID == stuck.ID {
		t.Fatal("create still returns the lost record")
	}

	// A delivery not yet due stays untouched.
	got, _ = f.store.GetNotification(ctx, parked.ID)
	if got.Status != storage.StatusProcessing {
		t.Fatalf("future processing record touched: %+v", got)
	}
}

// raceStore loses the first insert to a concurrent winner: it writes the
// competing record itself and reports the unique-index violation.
type raceStore struct {
	storage.Store
	mu         sync.Mutex
	raced      bool
	competitor storage.Record
}

func (r *raceStore) CreateNotification(ctx context.Context, rec *storage.Record) error {
	r.mu.Lock()
	first := !r.raced
	r.raced = true
	r.mu.Unlock()
	if first {
		winner := r.competitor
		if err := r.Store.CreateNotification(ctx, &winner); err != nil {
			return err
		}
		return storage.ErrDuplicate
	}
	return r.Store.CreateNotification(ctx, rec)
}

func TestCreateRetriesOnDuplicateRace(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rs := &raceStore{Store: st, competitor: storage.Record{
		ID:            "winner",
		CaseNumber:    "AB-1001",
		DossierNumber: "D-7",
		Kind:          storage.KindContact,
		ScheduledAt:   now.Add(time.Hour),
		Status:        storage.StatusPending,
		ChatID:        42,
	}}
	q, err := queue.New(queue.Config{}, rs, func(context.Context, string) error { return nil }, logx.Nop())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	svc, err := New(Config{Timezone: time.UTC, CreateRetryBackoff: time.Millisecond},
		rs, q, &fakeSender{}, enrich.NewStoreLookup(st), eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.nowFn = func() time.Time { return now }

	// The retry's subject pre-check finds the winner; both callers end up with
	// the same record.
	rec, err := svc.Create(context.Background(), CreateRequest{
		CaseNumber:    "AB-1001",
		DossierNumber: "D-7",
		Kind:          storage.KindContact,
		ScheduledAt:   now.Add(2 * time.Hour),
		ChatID:        42,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID != "winner" {
		t.Fatalf("got %s, want the racing winner's record", rec.ID)
	}
	pending, err := st.ListPending(context.Background(), storage.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want exactly the winner", len(pending))
	}
}

func TestReconcileReArmsOrphans(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, storage.KindContact, f.now.Add(time.Hour))
	if _, err := f.store.DeleteJob(ctx, rec.ID); err != nil {
		t.Fatalf("delete job: %v", err)
	}

	n, err := f.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("re-armed %d, want 1", n)
	}
	if _, err := f.store.GetJob(ctx, rec.ID); err != nil {
		t.Fatalf("job missing after reconcile: %v", err)
	}
}
