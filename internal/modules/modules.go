// Package modules implements the CRUD contract shared by the OCPI data
// modules and the registry that selects an implementation per (module, role).
package modules

import (
	"context"
	"encoding/json"
	"time"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Filter narrows a list request. DateFrom is inclusive, DateTo exclusive.
type Filter struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Party    *ocpi.PartyKey
}

// Page is an offset/limit window
type Page struct {
	Offset int
	Limit  int
}

// ListResult is one page of a module list
type ListResult struct {
	Items []json.RawMessage
	Total int
	// Limit is the limit actually applied after truncation
	Limit int
	// Next is the following page, nil on the last page
	Next *Page
}

// Module is the CRUD contract of one OCPI module
type Module interface {
	ID() ocpi.ModuleID
	List(ctx context.Context, filter Filter, page Page) (*ListResult, error)
	Get(ctx context.Context, key ocpi.RecordKey) (json.RawMessage, error)
	// CreateOrUpdate is an idempotent upsert of the record at key
	CreateOrUpdate(ctx context.Context, key ocpi.RecordKey, payload json.RawMessage) (json.RawMessage, error)
	// Create stores a new immutable record; resubmission fails with ocpi.ErrImmutableRecord
	Create(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Pager normalizes page requests against a server maximum
type Pager struct {
	MaxPageSize int
}

// Normalize applies the default limit and silently truncates over-limit requests
func (p Pager) Normalize(page Page) (Page, error) {
	if page.Offset < 0 {
		return page, ocpi.Validationf("offset must not be negative")
	}
	if page.Limit < 0 {
		return page, ocpi.Validationf("limit must not be negative")
	}
	if page.Limit == 0 || page.Limit > p.MaxPageSize {
		page.Limit = p.MaxPageSize
	}
	return page, nil
}
