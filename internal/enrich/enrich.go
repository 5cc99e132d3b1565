// Package enrich resolves case numbers to directory details at creation and
// edit time. Lookups are best-effort: a miss or an error leaves the payload
// as the caller provided it.
package enrich

import (
	"context"

	"casebot/internal/storage"
)

// Lookup resolves a case number to its directory entry.
type Lookup interface {
	ByCaseNumber(ctx context.Context, caseNumber string) (*storage.CaseInfo, error)
}

// StoreLookup reads the cases table.
type StoreLookup struct {
	store interface {
		GetCase(ctx context.Context, caseNumber string) (*storage.CaseInfo, error)
	}
}

func NewStoreLookup(store storage.Store) *StoreLookup {
	return &StoreLookup{store: store}
}

func (l *StoreLookup) ByCaseNumber(ctx context.Context, caseNumber string) (*storage.CaseInfo, error) {
	return l.store.GetCase(ctx, caseNumber)
}

// Nop always misses.
type Nop struct{}

func (Nop) ByCaseNumber(context.Context, string) (*storage.CaseInfo, error) {
	return nil, storage.ErrNotFound
}
