package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opencall/core/pkg/dispatcher"
	"github.com/opencall/core/pkg/instancestore"
	"github.com/opencall/core/pkg/resultstore"
)

func instanceFor(dctx dispatcher.DerivedContext, args json.RawMessage) instancestore.Instance {
	return instancestore.Instance{
		RequestID: dctx.RequestID,
		SessionID: dctx.SessionID,
		Op:        "v1:report.overdue",
		Args:      args,
		Principal: dctx.Principal,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// overdueEnv is the shared CEL environment for the report filter: one
// dynamic `loan` variable exposing itemId, borrower, dueAt (unix
// seconds), and overdueDays.
var overdueEnv = mustOverdueEnv()

func mustOverdueEnv() *cel.Env {
	env, err := cel.NewEnv(cel.Variable("loan", cel.DynType))
	if err != nil {
		panic(fmt.Sprintf("catalog: build CEL environment: %v", err))
	}
	return env
}

// evalFilter compiles expr once per call (the example domain has no
// program cache, unlike the policy engines this is grounded on, since
// report filters are not a hot path) and evaluates it against loan.
func evalFilter(expr string, loan Loan, overdueDays int) (bool, error) {
	if expr == "" {
		return true, nil
	}

	ast, issues := overdueEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("catalog: compile filter: %w", issues.Err())
	}
	prg, err := overdueEnv.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(1000))
	if err != nil {
		return false, fmt.Errorf("catalog: build filter program: %w", err)
	}

	input := map[string]any{
		"loan": map[string]any{
			"itemId":      loan.ItemID,
			"borrower":    loan.Borrower,
			"dueAt":       loan.DueAt.Unix(),
			"overdueDays": overdueDays,
		},
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("catalog: evaluate filter: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("catalog: filter must evaluate to bool, got %T", out.Value())
	}
	return val, nil
}

type overdueEntry struct {
	ItemID      string `json:"itemId"`
	Borrower    string `json:"borrower"`
	OverdueDays int    `json:"overdueDays"`
}

// runReport builds the overdue list, applies the CEL filter to each
// loan, and drives the instance through pending -> complete/error. It
// runs detached from the request goroutine, per the async handler
// contract.
func (c *Catalog) runReport(ctx context.Context, dctx dispatcher.DerivedContext, handle dispatcher.PersistenceHandle, args reportArgs) {
	if handle.Lifecycle == nil {
		return
	}
	if err := handle.Lifecycle.Start(ctx, dctx.RequestID); err != nil {
		_ = handle.Lifecycle.Fail(ctx, dctx.RequestID, "INTERNAL_ERROR", err.Error())
		return
	}

	now := time.Now()
	c.mu.Lock()
	loans := append([]Loan(nil), c.loans...)
	c.mu.Unlock()

	var entries []overdueEntry
	for _, loan := range loans {
		if !now.After(loan.DueAt) {
			continue
		}
		overdueDays := int(now.Sub(loan.DueAt).Hours() / 24)

		matched, err := evalFilter(args.Filter, loan, overdueDays)
		if err != nil {
			_ = handle.Lifecycle.Fail(ctx, dctx.RequestID, "FILTER_ERROR", err.Error())
			return
		}
		if matched {
			entries = append(entries, overdueEntry{ItemID: loan.ItemID, Borrower: loan.Borrower, OverdueDays: overdueDays})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ItemID < entries[j].ItemID })

	body, err := json.Marshal(map[string]any{"overdue": entries})
	if err != nil {
		_ = handle.Lifecycle.Fail(ctx, dctx.RequestID, "INTERNAL_ERROR", err.Error())
		return
	}

	location := ""
	var resultData []byte
	if handle.Results != nil && len(body) > resultstore.InlineThreshold {
		loc, err := handle.Results.Put(ctx, dctx.RequestID, body, "application/json")
		if err != nil {
			_ = handle.Lifecycle.Fail(ctx, dctx.RequestID, "STORAGE_ERROR", err.Error())
			return
		}
		location = loc
	} else {
		resultData = body
		location = "/ops/" + dctx.RequestID + "/chunks"
	}

	if err := handle.Lifecycle.Complete(ctx, dctx.RequestID, location, resultData, "application/json"); err != nil {
		_ = handle.Lifecycle.Fail(ctx, dctx.RequestID, "INTERNAL_ERROR", err.Error())
	}
}
