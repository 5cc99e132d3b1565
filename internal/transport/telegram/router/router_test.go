package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"casebot/internal/notifier"
	"casebot/internal/storage"
	kit "casebot/internal/transport"
	logx "casebot/pkg/logx"
)

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in       string
		wantCmd  string
		wantArgs []string
	}{
		{"/remind AB-1 CONTACT 14:30", "/remind", []string{"AB-1", "CONTACT", "14:30"}},
		{"/stats@casebot", "/stats", nil},
		{"/STATS", "/stats", nil},
		{"just text", "", nil},
		{"", "", nil},
		{"  /cancel  id-1  busy ", "/cancel", []string{"id-1", "busy"}},
	}
	for _, tc := range cases {
		cmd, args := splitCommand(tc.in)
		if cmd != tc.wantCmd {
			t.Fatalf("splitCommand(%q) cmd = %q, want %q", tc.in, cmd, tc.wantCmd)
		}
		if len(args) != len(tc.wantArgs) {
			t.Fatalf("splitCommand(%q) args = %v, want %v", tc.in, args, tc.wantArgs)
		}
		for i := range args {
			if args[i] != tc.wantArgs[i] {
				t.Fatalf("splitCommand(%q) args = %v, want %v", tc.in, args, tc.wantArgs)
			}
		}
	}
}

func TestParseRemind(t *testing.T) {
	t.Parallel()

	p, err := parseRemind([]string{"AB-1", "contact", "14:30", "call", "back"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.caseNumber != "AB-1" || p.kind != storage.KindContact || p.timeOfDay != "14:30" || p.note != "call back" {
		t.Fatalf("params = %+v", p)
	}

	if _, err := parseRemind([]string{"AB-1", "CONTACT"}); !errors.Is(err, errUsage) {
		t.Fatalf("short args: %v", err)
	}
	if _, err := parseRemind([]string{"AB-1", "WRONG", "14:30"}); !errors.Is(err, errUsage) {
		t.Fatalf("bad kind: %v", err)
	}
}

// fakeAdapter captures outbound replies.
type fakeAdapter struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return kit.MessageRef{}, nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type stubManager struct {
	createReq *notifier.CreateRequest
	pairReq   *notifier.CreateRequest
	cancelOK  bool
}

func (m *stubManager) Create(_ context.Context, req notifier.CreateRequest) (*storage.Record, error) {
	m.createReq = &req
	return &storage.Record{
		ID: "rec-1", CaseNumber: req.CaseNumber, Kind: req.Kind,
		ScheduledAt: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		Status:      storage.StatusPending,
	}, nil
}

func (m *stubManager) CreatePair(_ context.Context, req notifier.CreateRequest) (*storage.Record, *storage.Record, error) {
	m.pairReq = &req
	at := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	return &storage.Record{ID: "rec-1", CaseNumber: req.CaseNumber, Kind: storage.KindContact, ScheduledAt: at},
		&storage.Record{ID: "rec-2", CaseNumber: req.CaseNumber, Kind: storage.KindCompletion, ScheduledAt: at.Add(2 * time.Hour)},
		nil
}

func (m *stubManager) EditScheduledTime(context.Context, string, time.Time) (notifier.EditResult, error) {
	return notifier.EditResult{Success: true, Message: "moved", AffectedIDs: []string{"rec-1", "rec-2"}}, nil
}

func (m *stubManager) Cancel(context.Context, string, string) (bool, error) { return m.cancelOK, nil }

func (m *stubManager) CancelAllForCase(context.Context, string, string) (int, error) { return 2, nil }

func (m *stubManager) ListPending(context.Context, storage.ListFilter) ([]storage.Record, error) {
	return nil, nil
}

func (m *stubManager) Stats(context.Context) (notifier.Stats, error) {
	return notifier.Stats{Jobs: storage.JobCounts{Scheduled: 4}}, nil
}

func (m *stubManager) ResolveTimeOfDay(string) (time.Time, error) {
	return time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC), nil
}

func newTestRouter(t *testing.T, mgr Manager, out kit.Adapter) *Router {
	t.Helper()
	r, err := New(Config{OwnerIDs: []int64{7}}, mgr, out, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func msgFrom(from int64, text string) *kit.Message {
	return &kit.Message{ChatID: 100, FromID: from, Text: text}
}

func TestNonOwnerIgnored(t *testing.T) {
	t.Parallel()
	out := &fakeAdapter{}
	r := newTestRouter(t, &stubManager{}, out)

	r.handle(context.Background(), msgFrom(999, "/stats"))
	if out.count() != 0 {
		t.Fatalf("non-owner got a reply: %q", out.last())
	}
}

func TestRemindCommand(t *testing.T) {
	t.Parallel()
	out := &fakeAdapter{}
	mgr := &stubManager{}
	r := newTestRouter(t, mgr, out)

	// CONTACT reminders schedule the paired completion too.
	r.handle(context.Background(), msgFrom(7, "/remind AB-1 CONTACT 14:30 call the client"))
	if mgr.pairReq == nil {
		t.Fatal("pair create not invoked")
	}
	if mgr.pairReq.ChatID != 100 || mgr.pairReq.Payload.Note != "call the client" {
		t.Fatalf("request = %+v", mgr.pairReq)
	}
	if !strings.Contains(out.last(), "rec-1") || !strings.Contains(out.last(), "rec-2") {
		t.Fatalf("reply = %q", out.last())
	}

	// Other kinds create a single record.
	r.handle(context.Background(), msgFrom(7, "/remind AB-1 OTHER 09:00 pick up docs"))
	if mgr.createReq == nil || mgr.createReq.Kind != storage.KindOther {
		t.Fatalf("single create = %+v", mgr.createReq)
	}
}

func TestMoveCommandMentionsCascade(t *testing.T) {
	t.Parallel()
	out := &fakeAdapter{}
	r := newTestRouter(t, &stubManager{}, out)

	r.handle(context.Background(), msgFrom(7, "/move rec-1 16:00"))
	if !strings.Contains(out.last(), "paired completion") {
		t.Fatalf("reply = %q", out.last())
	}
}

func TestCancelCommand(t *testing.T) {
	t.Parallel()
	out := &fakeAdapter{}
	mgr := &stubManager{cancelOK: true}
	r := newTestRouter(t, mgr, out)

	r.handle(context.Background(), msgFrom(7, "/cancel rec-1"))
	if !strings.Contains(out.last(), "cancelled") {
		t.Fatalf("reply = %q", out.last())
	}

	mgr.cancelOK = false
	r.handle(context.Background(), msgFrom(7, "/cancel rec-1"))
	if !strings.Contains(out.last(), "nothing to cancel") {
		t.Fatalf("reply = %q", out.last())
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()
	out := &fakeAdapter{}
	r := newTestRouter(t, &stubManager{}, out)

	r.handle(context.Background(), msgFrom(7, "/move onlyone"))
	if !strings.Contains(out.last(), "/move <id>") {
		t.Fatalf("reply = %q", out.last())
	}
}

func TestDispatchLoopStopsOnContext(t *testing.T) {
	t.Parallel()
	out := &fakeAdapter{}
	r := newTestRouter(t, &stubManager{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan kit.Update, 1)
	done := make(chan struct{})
	go func() {
		r.DispatchLoop(ctx, in)
		close(done)
	}()

	in <- kit.Update{Message: msgFrom(7, "/stats")}
	deadline := time.After(2 * time.Second)
	for out.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
