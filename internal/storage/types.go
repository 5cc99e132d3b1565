package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record id is unknown.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when the active-subject unique index rejects
	// an insert (a concurrent create won the race).
	ErrDuplicate = errors.New("storage: duplicate active notification")
)

// Status is the notification lifecycle state.
//
// Transitions are monotonic: PENDING -> PROCESSING -> {SENT, FAILED} and
// PENDING -> CANCELLED. Terminal rows are immutable and retained for audit.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether a record in this status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Kind classifies what the alert is about.
type Kind string

const (
	KindContact    Kind = "CONTACT"
	KindCompletion Kind = "COMPLETION"
	KindOther      Kind = "OTHER"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindContact, KindCompletion, KindOther:
		return Kind(s), nil
	}
	return "", fmt.Errorf("storage: unknown kind %q", s)
}

// SubjectKey identifies the business subject of a notification. At most one
// non-terminal record may exist per subject key at any instant.
type SubjectKey struct {
	CaseNumber    string
	DossierNumber string
	Kind          Kind
}

func (k SubjectKey) String() string {
	return k.CaseNumber + "|" + k.DossierNumber + "|" + string(k.Kind)
}

// Payload is the denormalized enrichment snapshot captured at creation or
// edit time. Delivery composes the message from this snapshot only, so it
// never depends on the enrichment source still being consistent.
type Payload struct {
	ClientName   string `json:"client_name,omitempty"`
	ClientPhone  string `json:"client_phone,omitempty"`
	VehiclePlate string `json:"vehicle_plate,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Record is a durable notification.
type Record struct {
	ID            string
	CaseNumber    string
	DossierNumber string
	Kind          Kind
	ScheduledAt   time.Time
	Status        Status
	ChatID        int64
	ThreadID      int
	Payload       Payload
	RetryCount    int
	Error         string
	CancelReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r *Record) Subject() SubjectKey {
	return SubjectKey{CaseNumber: r.CaseNumber, DossierNumber: r.DossierNumber, Kind: r.Kind}
}

// Patch is a partial update applied through UpdateCAS. Nil fields are left
// untouched; Status is always set.
type Patch struct {
	Status       Status
	ScheduledAt  *time.Time
	Payload      *Payload
	RetryCount   *int
	Error        *string
	CancelReason *string
}

// ListFilter narrows ListPending.
type ListFilter struct {
	CaseNumber string
	Kind       Kind // empty means all kinds
	Limit      int
}

// Job is a durable delayed-execution entry keyed by the record id it fires.
type Job struct {
	ID        string
	RunAt     time.Time
	LockedAt  time.Time // zero when unclaimed
	CreatedAt time.Time
}

// JobCounts is a point-in-time view of the job table.
type JobCounts struct {
	Scheduled int `json:"scheduled"` // armed, not yet due
	Due       int `json:"due"`       // due or claimed
}

// CaseInfo is a row of the case directory used for payload enrichment.
type CaseInfo struct {
	CaseNumber    string `json:"case_number"`
	DossierNumber string `json:"dossier_number,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientPhone   string `json:"client_phone,omitempty"`
	VehiclePlate  string `json:"vehicle_plate,omitempty"`
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}
