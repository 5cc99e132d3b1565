package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	logx "casebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- row mapping ----

// All timestamps travel as unix milliseconds so sqlite and postgres scan
// them identically.
type recordRow struct {
	ID            string `db:"id"`
	CaseNumber    string `db:"case_number"`
	DossierNumber string `db:"dossier_number"`
	Kind          string `db:"kind"`
	ScheduledAtMS int64  `db:"scheduled_at_ms"`
	Status        string `db:"status"`
	ChatID        int64  `db:"chat_id"`
	ThreadID      int    `db:"thread_id"`
	Payload       string `db:"payload"`
	RetryCount    int    `db:"retry_count"`
	Error         string `db:"error"`
	CancelReason  string `db:"cancel_reason"`
	CreatedAtMS   int64  `db:"created_at_ms"`
	UpdatedAtMS   int64  `db:"updated_at_ms"`
}

func (r recordRow) toRecord() (*Record, error) {
	var p Payload
	if strings.TrimSpace(r.Payload) != "" {
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			return nil, fmt.Errorf("storage: decode payload for %s: %w", r.ID, err)
		}
	}
	return &Record{
		ID:            r.ID,
		CaseNumber:    r.CaseNumber,
		DossierNumber: r.DossierNumber,
		Kind:          Kind(r.Kind),
		ScheduledAt:   time.UnixMilli(r.ScheduledAtMS).UTC(),
		Status:        Status(r.Status),
		ChatID:        r.ChatID,
		ThreadID:      r.ThreadID,
		Payload:       p,
		RetryCount:    r.RetryCount,
		Error:         r.Error,
		CancelReason:  r.CancelReason,
		CreatedAt:     time.UnixMilli(r.CreatedAtMS).UTC(),
		UpdatedAt:     time.UnixMilli(r.UpdatedAtMS).UTC(),
	}, nil
}

const recordColumns = `id, case_number, dossier_number, kind, scheduled_at_ms, status,
	chat_id, thread_id, payload, retry_count, error, cancel_reason, created_at_ms, updated_at_ms`

// ---- notifications ----

func (s *sqlStore) CreateNotification(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.UnixMilli(now).UTC()
	}
	rec.UpdatedAt = time.UnixMilli(now).UTC()

	q := s.db.Rebind(`INSERT INTO notifications
		(id, case_number, dossier_number, kind, scheduled_at_ms, status, chat_id, thread_id,
		 payload, retry_count, error, cancel_reason, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q,
		rec.ID, rec.CaseNumber, rec.DossierNumber, string(rec.Kind),
		rec.ScheduledAt.UnixMilli(), string(rec.Status), rec.ChatID, rec.ThreadID,
		string(payload), rec.RetryCount, rec.Error, rec.CancelReason,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *sqlStore) GetNotification(ctx context.Context, id string) (*Record, error) {
	var row recordRow
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM notifications WHERE id = ?`)
	err := s.db.GetContext(ctx, &row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

func (s *sqlStore) FindActiveBySubject(ctx context.Context, key SubjectKey) (*Record, error) {
	var row recordRow
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM notifications
		WHERE case_number = ? AND dossier_number = ? AND kind = ?
		  AND status IN ('PENDING', 'PROCESSING')
		LIMIT 1`)
	err := s.db.GetContext(ctx, &row, q, key.CaseNumber, key.DossierNumber, string(key.Kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

func (s *sqlStore) UpdateCAS(ctx context.Context, id string, expected Status, patch Patch) (*Record, bool, error) {
	set := []string{"status = ?", "updated_at_ms = ?"}
	args := []any{string(patch.Status), time.Now().UnixMilli()}

	if patch.ScheduledAt != nil {
		set = append(set, "scheduled_at_ms = ?")
		args = append(args, patch.ScheduledAt.UnixMilli())
	}
	if patch.Payload != nil {
		b, err := json.Marshal(patch.Payload)
		if err != nil {
			return nil, false, err
		}
		set = append(set, "payload = ?")
		args = append(args, string(b))
	}
	if patch.RetryCount != nil {
		set = append(set, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.CancelReason != nil {
		set = append(set, "cancel_reason = ?")
		args = append(args, *patch.CancelReason)
	}
	args = append(args, id, string(expected))

	q := s.db.Rebind(fmt.Sprintf(
		`UPDATE notifications SET %s WHERE id = ? AND status = ?`,
		strings.Join(set, ", ")))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		// Lost the swap (or unknown id). Hand the current row back so the
		// caller can see who won.
		rec, err := s.GetNotification(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return rec, false, err
	}
	rec, err := s.GetNotification(ctx, id)
	return rec, true, err
}

func (s *sqlStore) ListPending(ctx context.Context, f ListFilter) ([]Record, error) {
	q := `SELECT ` + recordColumns + ` FROM notifications WHERE status = 'PENDING'`
	args := []any{}
	if strings.TrimSpace(f.CaseNumber) != "" {
		q += ` AND case_number = ?`
		args = append(args, f.CaseNumber)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	q += ` ORDER BY scheduled_at_ms`
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return rowsToRecords(rows)
}

func (s *sqlStore) ListPendingDueBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	var rows []recordRow
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM notifications
		WHERE status = 'PENDING' AND scheduled_at_ms < ?
		ORDER BY scheduled_at_ms`)
	if err := s.db.SelectContext(ctx, &rows, q, cutoff.UnixMilli()); err != nil {
		return nil, err
	}
	return rowsToRecords(rows)
}

func (s *sqlStore) ListProcessingDueBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	var rows []recordRow
	q := s.db.Rebind(`SELECT ` + recordColumns + ` FROM notifications
		WHERE status = 'PROCESSING' AND scheduled_at_ms < ?
		ORDER BY scheduled_at_ms`)
	if err := s.db.SelectContext(ctx, &rows, q, cutoff.UnixMilli()); err != nil {
		return nil, err
	}
	return rowsToRecords(rows)
}

func rowsToRecords(rows []recordRow) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *sqlStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	type cntRow struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var rows []cntRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM notifications GROUP BY status`)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(rows))
	for _, r := range rows {
		out[Status(r.Status)] = r.N
	}
	return out, nil
}

// ---- jobs ----

type jobRow struct {
	ID          string `db:"id"`
	RunAtMS     int64  `db:"run_at_ms"`
	LockedAtMS  int64  `db:"locked_at_ms"`
	CreatedAtMS int64  `db:"created_at_ms"`
}

func (r jobRow) toJob() Job {
	j := Job{
		ID:        r.ID,
		RunAt:     time.UnixMilli(r.RunAtMS).UTC(),
		CreatedAt: time.UnixMilli(r.CreatedAtMS).UTC(),
	}
	if r.LockedAtMS > 0 {
		j.LockedAt = time.UnixMilli(r.LockedAtMS).UTC()
	}
	return j
}

func (s *sqlStore) PutJob(ctx context.Context, id string, runAt time.Time) error {
	now := time.Now().UnixMilli()
	// Rescheduling an existing job resets its claim.
	q := s.db.Rebind(`INSERT INTO jobs (id, run_at_ms, locked_at_ms, created_at_ms)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (id) DO UPDATE SET run_at_ms = excluded.run_at_ms, locked_at_ms = 0`)
	_, err := s.db.ExecContext(ctx, q, id, runAt.UnixMilli(), now)
	return err
}

func (s *sqlStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, run_at_ms, locked_at_ms, created_at_ms FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j := row.toJob()
	return &j, nil
}

func (s *sqlStore) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 32
	}
	staleBefore := now.Add(-lease).UnixMilli()

	var rows []jobRow
	q := s.db.Rebind(`SELECT id, run_at_ms, locked_at_ms, created_at_ms FROM jobs
		WHERE run_at_ms <= ? AND locked_at_ms <= ?
		ORDER BY run_at_ms
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, now.UnixMilli(), staleBefore, limit); err != nil {
		return nil, err
	}

	// Claim row by row; the locked_at guard settles races with a concurrent
	// claimer (second instance or an overlapping poll).
	claimQ := s.db.Rebind(`UPDATE jobs SET locked_at_ms = ? WHERE id = ? AND locked_at_ms = ?`)
	claimed := make([]Job, 0, len(rows))
	for _, r := range rows {
		res, err := s.db.ExecContext(ctx, claimQ, now.UnixMilli(), r.ID, r.LockedAtMS)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			r.LockedAtMS = now.UnixMilli()
			claimed = append(claimed, r.toJob())
		}
	}
	return claimed, nil
}

func (s *sqlStore) CountJobs(ctx context.Context, now time.Time) (JobCounts, error) {
	var c JobCounts
	nowMS := now.UnixMilli()
	err := s.db.GetContext(ctx, &c.Scheduled,
		s.db.Rebind(`SELECT COUNT(*) FROM jobs WHERE run_at_ms > ?`), nowMS)
	if err != nil {
		return c, err
	}
	err = s.db.GetContext(ctx, &c.Due,
		s.db.Rebind(`SELECT COUNT(*) FROM jobs WHERE run_at_ms <= ?`), nowMS)
	return c, err
}

// ---- case directory ----

func (s *sqlStore) GetCase(ctx context.Context, caseNumber string) (*CaseInfo, error) {
	type caseRow struct {
		CaseNumber    string `db:"case_number"`
		DossierNumber string `db:"dossier_number"`
		ClientName    string `db:"client_name"`
		ClientPhone   string `db:"client_phone"`
		VehiclePlate  string `db:"vehicle_plate"`
	}
	var row caseRow
	q := s.db.Rebind(`SELECT case_number, dossier_number, client_name, client_phone, vehicle_plate
		FROM cases WHERE case_number = ?`)
	err := s.db.GetContext(ctx, &row, q, caseNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &CaseInfo{
		CaseNumber:    row.CaseNumber,
		DossierNumber: row.DossierNumber,
		ClientName:    row.ClientName,
		ClientPhone:   row.ClientPhone,
		VehiclePlate:  row.VehiclePlate,
	}, nil
}

func (s *sqlStore) UpsertCase(ctx context.Context, info CaseInfo) error {
	if strings.TrimSpace(info.CaseNumber) == "" {
		return errors.New("storage: case_number is required")
	}
	q := s.db.Rebind(`INSERT INTO cases (case_number, dossier_number, client_name, client_phone, vehicle_plate, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_number) DO UPDATE SET
			dossier_number = excluded.dossier_number,
			client_name = excluded.client_name,
			client_phone = excluded.client_phone,
			vehicle_plate = excluded.vehicle_plate,
			updated_at_ms = excluded.updated_at_ms`)
	_, err := s.db.ExecContext(ctx, q,
		info.CaseNumber, info.DossierNumber, info.ClientName, info.ClientPhone,
		info.VehiclePlate, time.Now().UnixMilli())
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc sqlite reports constraint violations by message.
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
