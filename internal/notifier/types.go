package notifier

import (
	"errors"
	"time"

	"casebot/internal/storage"
)

// ErrValidation marks caller mistakes (missing fields, bad times). Wrap with
// context and test with errors.Is.
var ErrValidation = errors.New("notifier: validation")

// EditStrategy names how a reschedule was applied. The choice depends on how
// close the current scheduled time is.
type EditStrategy string

const (
	// StrategyNormalEdit updates the record in place; the id is stable.
	StrategyNormalEdit EditStrategy = "NORMAL_EDIT"
	// StrategyForceCancel briefly locks the record in PROCESSING while the
	// armed job is torn down, then re-arms it with the new time.
	StrategyForceCancel EditStrategy = "FORCE_CANCEL"
	// StrategyCancelAndCreate cancels the original and creates a replacement
	// with a new id; used when the original is about to fire.
	StrategyCancelAndCreate EditStrategy = "CANCEL_AND_CREATE"
)

// CreateRequest describes a notification to schedule. Exactly one of
// ScheduledAt and TimeOfDay must be set; TimeOfDay ("HH:MM") resolves to the
// next future instant in the operation timezone.
type CreateRequest struct {
	CaseNumber    string
	DossierNumber string
	Kind          storage.Kind
	ScheduledAt   time.Time
	TimeOfDay     string
	ChatID        int64
	ThreadID      int
	Payload       storage.Payload
}

// EditResult reports the outcome of a reschedule.
type EditResult struct {
	Success     bool
	Message     string
	Strategy    EditStrategy
	AffectedIDs []string
}

// Stats combines live queue counts with record status counts.
type Stats struct {
	Jobs     storage.JobCounts      `json:"jobs"`
	ByStatus map[storage.Status]int `json:"by_status"`
}

// Config tunes the lifecycle manager. Zero values get sensible defaults.
type Config struct {
	// Timezone is the fixed operation timezone for HH:MM resolution and
	// message formatting.
	Timezone *time.Location

	// CompletionOffset is how far after a CONTACT alert its paired COMPLETION
	// alert is scheduled when created together.
	CompletionOffset time.Duration

	CreateRetryMax     int
	CreateRetryBackoff time.Duration

	SendTimeout time.Duration
	OpTimeout   time.Duration

	// CancelCreateWindow and ForceCancelWindow classify edits by remaining
	// time to the current scheduled instant.
	CancelCreateWindow time.Duration
	ForceCancelWindow  time.Duration
	// StaleEditCutoff rejects edits whose original time is too far past.
	StaleEditCutoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.CompletionOffset <= 0 {
		c.CompletionOffset = 2 * time.Hour
	}
	if c.CreateRetryMax <= 0 {
		c.CreateRetryMax = 3
	}
	if c.CreateRetryBackoff <= 0 {
		c.CreateRetryBackoff = 150 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.CancelCreateWindow <= 0 {
		c.CancelCreateWindow = 2 * time.Minute
	}
	if c.ForceCancelWindow <= 0 {
		c.ForceCancelWindow = 10 * time.Minute
	}
	if c.StaleEditCutoff <= 0 {
		c.StaleEditCutoff = 20 * time.Minute
	}
	return c
}

// Event types published on the bus.
const (
	EventCreated   = "notification.created"
	EventSent      = "notification.sent"
	EventFailed    = "notification.failed"
	EventCancelled = "notification.cancelled"
	EventEdited    = "notification.edited"
	EventRecovered = "notification.recovered"
)
