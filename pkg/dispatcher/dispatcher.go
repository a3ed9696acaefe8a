// Package dispatcher implements the single request pipeline every
// operation flows through: envelope parsing, correlation, authentication,
// operation lookup, authorization, argument validation, the deprecation
// gate, handler invocation, and response assembly.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/opencall/core/pkg/apierr"
	"github.com/opencall/core/pkg/callenvelope"
	"github.com/opencall/core/pkg/lifecycle"
	"github.com/opencall/core/pkg/opregistry"
	"github.com/opencall/core/pkg/resultstore"
	"github.com/opencall/core/pkg/telemetry"
	"github.com/opencall/core/pkg/tokenstore"
)

// DerivedContext is handed to every handler and echoed back to the
// surrounding layer so it can attribute side effects.
type DerivedContext struct {
	RequestID    string
	SessionID    string
	Principal    string
	Scopes       []string
	TokenClass   tokenstore.Class
	AnalyticsRef string
}

// DomainError is a handler-raised business failure. It always travels as
// HTTP 200 with state=error — the core never interprets its Code.
type DomainError struct {
	Code    string
	Message string
	Cause   any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HandlerOutcome is the sum type a Handler returns on success, mirroring
// the "success(OperationResult) | domain(...) | internal(error)" shape
// from the design notes — here, Success(HandlerOutcome) is a return
// value, and Domain/Internal are the other two return slots.
type HandlerOutcome struct {
	Async        bool // true for an "accepted" outcome, false for "complete"
	Result       any
	Location     *callenvelope.Location
	RetryAfterMs *int64
	ExpiresAt    *int64
}

// Complete returns a synchronous success outcome carrying result.
func Complete(result any) HandlerOutcome {
	return HandlerOutcome{Async: false, Result: result}
}

// CompleteWithLocation returns a synchronous success outcome that
// redirects the caller instead of carrying a body (HTTP 303).
func CompleteWithLocation(loc callenvelope.Location) HandlerOutcome {
	return HandlerOutcome{Async: false, Location: &loc}
}

// Accepted returns an async acceptance outcome (HTTP 202).
func Accepted(loc callenvelope.Location, retryAfterMs, expiresAt int64) HandlerOutcome {
	return HandlerOutcome{Async: true, Location: &loc, RetryAfterMs: &retryAfterMs, ExpiresAt: &expiresAt}
}

// PersistenceHandle is the collaborator surface a handler receives so it
// can drive the async lifecycle and externalize large results — never
// ambient globals.
type PersistenceHandle struct {
	Lifecycle *lifecycle.Manager
	Results   resultstore.Store
}

// Handler is the callable a registered operation dispatches to.
type Handler func(ctx context.Context, dctx DerivedContext, args json.RawMessage, handle PersistenceHandle) (HandlerOutcome, *DomainError, error)

// Dispatcher orchestrates the ten-step pipeline of the wire contract.
type Dispatcher struct {
	Registry  *opregistry.Registry
	Tokens    tokenstore.Store
	Lifecycle *lifecycle.Manager
	Results   resultstore.Store
	Telemetry *telemetry.Provider
	Clock     func() time.Time
	NewID     func() string
}

// New builds a Dispatcher with production defaults for Clock and NewID.
// tel may be nil, in which case Dispatch records no telemetry.
func New(registry *opregistry.Registry, tokens tokenstore.Store, lc *lifecycle.Manager, results resultstore.Store, tel *telemetry.Provider) *Dispatcher {
	return &Dispatcher{
		Registry:  registry,
		Tokens:    tokens,
		Lifecycle: lc,
		Results:   results,
		Telemetry: tel,
		Clock:     time.Now,
		NewID:     func() string { return uuid.New().String() },
	}
}

// Outcome is the full result of one Dispatch call: the mandated HTTP
// status, the response envelope, the derived context (nil if auth never
// succeeded), and any header the HTTP binding must set (e.g. Location).
type Outcome struct {
	Status  int
	Body    *callenvelope.Response
	Context *DerivedContext
	Headers map[string]string
}

// Dispatch runs the full pipeline for one request body and Authorization
// header value. It never returns an error itself — every failure mode is
// encoded in the returned Outcome, per the "HTTP status is a function of
// the envelope, not a parallel signal" contract.
func (d *Dispatcher) Dispatch(ctx context.Context, body io.Reader, authHeader string) Outcome {
	ctx, end := d.Telemetry.Track(ctx, "dispatch")
	out := d.dispatch(ctx, body, authHeader)
	if out.Body != nil && out.Body.Error != nil {
		end(fmt.Errorf("%s", out.Body.Error.Code))
	} else {
		end(nil)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, body io.Reader, authHeader string) Outcome {
	// 1. Body parse / 2. Envelope validation.
	req, perr := callenvelope.Parse(body)
	if perr != nil {
		return d.protocolOutcome("", "", perr)
	}
	if issues := callenvelope.Validate(req); len(issues) > 0 {
		return d.protocolOutcome("", req.Ctx.SessionID, apierr.WithCause(apierr.InvalidEnvelope, "envelope failed validation", apierr.IssuesCause{Issues: issues}))
	}

	// 3. Correlation.
	requestID := req.Ctx.RequestID
	if requestID == "" {
		requestID = d.NewID()
	}
	sessionID := req.Ctx.SessionID

	// 4/5. Authenticate first, then look up the operation: an
	// authenticated caller with an unknown op must see UNKNOWN_OPERATION,
	// never AUTH_REQUIRED, which this ordering guarantees trivially.
	bearer, ok := tokenstore.ExtractBearer(authHeader)
	if !ok {
		return d.protocolOutcome(requestID, sessionID, apierr.New(apierr.AuthRequired, "missing or malformed Authorization header"))
	}
	tok, err := d.Tokens.Lookup(ctx, bearer)
	if err != nil {
		return d.protocolOutcome(requestID, sessionID, apierr.New(apierr.AuthRequired, "invalid or expired bearer token"))
	}

	rec, ok := d.Registry.Get(req.Op)
	if !ok {
		return d.protocolOutcome(requestID, sessionID, apierr.New(apierr.UnknownOperation, fmt.Sprintf("Unknown operation: %s", req.Op)))
	}

	dctx := DerivedContext{
		RequestID:    requestID,
		SessionID:    sessionID,
		Principal:    tok.Principal,
		Scopes:       tok.Scopes,
		TokenClass:   tok.Class,
		AnalyticsRef: tok.AnalyticsRef,
	}

	// 6. Authorization.
	required, _ := d.Registry.RequiredScopes(req.Op)
	if missing := missingScopes(required, tok.Scopes); len(missing) > 0 {
		return d.protocolOutcomeWithDctx(dctx, apierr.WithCause(apierr.InsufficientScopes, "caller is missing required scopes", apierr.MissingScopesCause{Missing: missing}))
	}

	// 7. Argument validation.
	args := callenvelope.EffectiveArgs(req)
	if rec.ArgsSchema != nil {
		var argsVal any
		if err := json.Unmarshal(args, &argsVal); err != nil {
			return d.protocolOutcomeWithDctx(dctx, apierr.New(apierr.SchemaValidationFailed, "args is not valid JSON"))
		}
		if verr := rec.ArgsSchema.Validate(argsVal); verr != nil {
			return d.protocolOutcomeWithDctx(dctx, apierr.WithCause(apierr.SchemaValidationFailed, "args failed schema validation", apierr.IssuesCause{Issues: flattenSchemaError(verr)}))
		}
	}

	// 8. Deprecation gate.
	now := d.Clock()
	if opregistry.IsSunset(rec, now) {
		return d.protocolOutcomeWithDctx(dctx, apierr.WithCause(apierr.OpRemoved, fmt.Sprintf("operation %s was removed", req.Op), apierr.RemovedOpCause{
			RemovedOp:   req.Op,
			Sunset:      rec.Sunset,
			Replacement: rec.Replacement,
		}))
	}

	// 9. Handler invocation.
	handler, ok := rec.Handler.(Handler)
	if !ok {
		return d.protocolOutcomeWithDctx(dctx, apierr.New(apierr.InternalError, "operation has no runnable handler"))
	}

	handle := PersistenceHandle{Lifecycle: d.Lifecycle, Results: d.Results}
	outcome, domainErr, err := handler(ctx, dctx, args, handle)
	if err != nil {
		return d.protocolOutcomeWithDctx(dctx, apierr.New(apierr.InternalError, "internal error"))
	}
	if domainErr != nil {
		return Outcome{
			Status: 200,
			Body: &callenvelope.Response{
				RequestID: requestID,
				SessionID: sessionID,
				State:     callenvelope.StateError,
				Error:     &callenvelope.EnvelopeError{Code: domainErr.Code, Message: domainErr.Message, Cause: domainErr.Cause},
			},
			Context: &dctx,
		}
	}

	// 10. HTTP status selection.
	return d.successOutcome(requestID, sessionID, dctx, outcome)
}

func (d *Dispatcher) successOutcome(requestID, sessionID string, dctx DerivedContext, outcome HandlerOutcome) Outcome {
	if outcome.Async {
		retry := outcome.RetryAfterMs
		expires := outcome.ExpiresAt
		return Outcome{
			Status: 202,
			Body: &callenvelope.Response{
				RequestID:    requestID,
				SessionID:    sessionID,
				State:        callenvelope.StateAccepted,
				Location:     outcome.Location,
				RetryAfterMs: retry,
				ExpiresAt:    expires,
			},
			Context: &dctx,
		}
	}

	if outcome.Location != nil && outcome.Result == nil {
		return Outcome{
			Status: 303,
			Body: &callenvelope.Response{
				RequestID: requestID,
				SessionID: sessionID,
				State:     callenvelope.StateComplete,
				Location:  outcome.Location,
			},
			Context: &dctx,
			Headers: map[string]string{"Location": outcome.Location.URI},
		}
	}

	return Outcome{
		Status: 200,
		Body: &callenvelope.Response{
			RequestID: requestID,
			SessionID: sessionID,
			State:     callenvelope.StateComplete,
			Result:    outcome.Result,
		},
		Context: &dctx,
	}
}

func (d *Dispatcher) protocolOutcome(requestID, sessionID string, perr *apierr.ProtocolError) Outcome {
	if requestID == "" {
		requestID = d.NewID()
	}
	return Outcome{
		Status: perr.Status(),
		Body: &callenvelope.Response{
			RequestID: requestID,
			SessionID: sessionID,
			State:     callenvelope.StateError,
			Error:     &callenvelope.EnvelopeError{Code: string(perr.Code), Message: perr.Message, Cause: perr.Cause},
		},
	}
}

func (d *Dispatcher) protocolOutcomeWithDctx(dctx DerivedContext, perr *apierr.ProtocolError) Outcome {
	out := d.protocolOutcome(dctx.RequestID, dctx.SessionID, perr)
	out.Context = &dctx
	return out
}

// missingScopes computes requiredScopes \ tokenScopes, preserving the
// operation's declared order (P7/§4.1 step 6).
func missingScopes(required, have []string) []string {
	haveSet := make(map[string]struct{}, len(have))
	for _, s := range have {
		haveSet[s] = struct{}{}
	}

	var missing []string
	for _, r := range required {
		if _, ok := haveSet[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}
