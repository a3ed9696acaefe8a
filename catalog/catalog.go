// Package catalog is a minimal library-catalog handler set that exists
// only to exercise the dispatcher, lifecycle manager, and chunk engine
// end to end: list items synchronously, reserve one, and run an async
// overdue-loan report filtered by a CEL predicate. It is a test harness,
// not a product surface.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opencall/core/pkg/callenvelope"
	"github.com/opencall/core/pkg/dispatcher"
)

// Item is one catalog entry.
type Item struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Reserved bool   `json:"reserved"`
}

// Loan is one outstanding checkout, the record the overdue report scans.
type Loan struct {
	ItemID   string    `json:"itemId"`
	Borrower string    `json:"borrower"`
	DueAt    time.Time `json:"dueAt"`
}

// Catalog is the in-memory store backing the example handlers. A real
// domain collaborator would own its own persistence; this one exists
// purely to give the dispatcher something to call.
type Catalog struct {
	mu    sync.Mutex
	items map[string]*Item
	loans []Loan
}

// New seeds a Catalog with a small fixed collection.
func New() *Catalog {
	c := &Catalog{items: make(map[string]*Item)}
	c.items["book-1"] = &Item{ID: "book-1", Title: "The Go Programming Language", Author: "Donovan & Kernighan"}
	c.items["book-2"] = &Item{ID: "book-2", Title: "The Pragmatic Programmer", Author: "Hunt & Thomas"}
	c.items["book-3"] = &Item{ID: "book-3", Title: "Structure and Interpretation of Computer Programs", Author: "Abelson & Sussman"}
	return c
}

// SeedLoan registers an outstanding loan, used by tests to exercise the
// overdue report without a full reservation flow.
func (c *Catalog) SeedLoan(loan Loan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loans = append(c.loans, loan)
}

// listArgs is v1:catalog.list's argument shape; an empty object lists
// everything.
type listArgs struct {
	Author string `json:"author,omitempty"`
}

// List implements v1:catalog.list: a synchronous handler returning every
// item, optionally filtered by author.
func (c *Catalog) List(ctx context.Context, dctx dispatcher.DerivedContext, args json.RawMessage, handle dispatcher.PersistenceHandle) (dispatcher.HandlerOutcome, *dispatcher.DomainError, error) {
	var parsed listArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return dispatcher.HandlerOutcome{}, &dispatcher.DomainError{Code: "BAD_ARGS", Message: err.Error()}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Item
	for _, item := range c.items {
		if parsed.Author != "" && item.Author != parsed.Author {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return dispatcher.Complete(map[string]any{"items": out}), nil, nil
}

// reserveArgs is v1:item.reserve's argument shape.
type reserveArgs struct {
	ItemID string `json:"itemId"`
}

// Reserve implements v1:item.reserve: a synchronous handler that marks an
// item reserved, or raises a domain error if it is unknown or already
// held.
func (c *Catalog) Reserve(ctx context.Context, dctx dispatcher.DerivedContext, args json.RawMessage, handle dispatcher.PersistenceHandle) (dispatcher.HandlerOutcome, *dispatcher.DomainError, error) {
	var parsed reserveArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return dispatcher.HandlerOutcome{}, &dispatcher.DomainError{Code: "BAD_ARGS", Message: err.Error()}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[parsed.ItemID]
	if !ok {
		return dispatcher.HandlerOutcome{}, &dispatcher.DomainError{Code: "ITEM_NOT_FOUND", Message: fmt.Sprintf("no such item: %s", parsed.ItemID)}, nil
	}
	if item.Reserved {
		return dispatcher.HandlerOutcome{}, &dispatcher.DomainError{Code: "ALREADY_RESERVED", Message: "item is already reserved"}, nil
	}

	item.Reserved = true
	c.loans = append(c.loans, Loan{ItemID: item.ID, Borrower: dctx.Principal, DueAt: time.Now().Add(14 * 24 * time.Hour)})

	return dispatcher.Complete(map[string]any{"item": item}), nil, nil
}

// reportArgs is v1:report.overdue's argument shape: a CEL boolean
// expression over `loan` (fields: itemId, borrower, dueAt as unix
// seconds, overdueDays), evaluated per loan.
type reportArgs struct {
	Filter string `json:"filter,omitempty"`
}

// Report implements v1:report.overdue: an async handler that walks the
// seeded loans, applies the optional CEL filter, stores the rendered
// report (externalized through the result store when it exceeds
// resultstore.InlineThreshold and one is configured, inline otherwise),
// and completes the instance.
func (c *Catalog) Report(ctx context.Context, dctx dispatcher.DerivedContext, args json.RawMessage, handle dispatcher.PersistenceHandle) (dispatcher.HandlerOutcome, *dispatcher.DomainError, error) {
	var parsed reportArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return dispatcher.HandlerOutcome{}, &dispatcher.DomainError{Code: "BAD_ARGS", Message: err.Error()}, nil
	}

	loc := callenvelope.Location{URI: "/ops/" + dctx.RequestID}
	if handle.Lifecycle != nil {
		if err := handle.Lifecycle.Accept(ctx, instanceFor(dctx, args)); err != nil {
			return dispatcher.HandlerOutcome{}, nil, fmt.Errorf("catalog: accept instance: %w", err)
		}
	}

	go c.runReport(context.Background(), dctx, handle, parsed)

	retry := int64(1000)
	expires := time.Now().Add(time.Hour).Unix()
	return dispatcher.Accepted(loc, retry, expires), nil, nil
}
