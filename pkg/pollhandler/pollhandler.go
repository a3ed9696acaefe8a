// Package pollhandler serves GET /ops/{id} and GET /ops/{id}/chunks, the
// two read paths a caller uses to follow up on an async acceptance.
package pollhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencall/core/pkg/apierr"
	"github.com/opencall/core/pkg/callenvelope"
	"github.com/opencall/core/pkg/chunkengine"
	"github.com/opencall/core/pkg/instancestore"
	"github.com/opencall/core/pkg/ratelimit"
	"github.com/opencall/core/pkg/resultstore"
	"github.com/opencall/core/pkg/telemetry"
)

// Handler serves the polling and chunk-retrieval endpoints over one
// instancestore.Store, one PollLimiter, and an optional result fetcher
// for externalized (S3/GCS) results.
type Handler struct {
	Store     instancestore.Store
	Limiter   ratelimit.PollLimiter
	Results   resultstore.Fetcher // nil if results are always inline
	Telemetry *telemetry.Provider
	Clock     func() time.Time
}

// New builds a Handler with production defaults. tel may be nil, in which
// case no telemetry is recorded.
func New(store instancestore.Store, limiter ratelimit.PollLimiter, results resultstore.Fetcher, tel *telemetry.Provider) *Handler {
	return &Handler{Store: store, Limiter: limiter, Results: results, Telemetry: tel, Clock: time.Now}
}

// statusRecorder captures the status code written through it so Track can
// record whether a request ended in error without every handler branch
// having to report it explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// pollResponse is the wire shape for GET /ops/{id}.
type pollResponse struct {
	RequestID    string                      `json:"requestId"`
	State        callenvelope.State          `json:"state"`
	Location     *callenvelope.Location      `json:"location,omitempty"`
	Error        *callenvelope.EnvelopeError `json:"error,omitempty"`
	RetryAfterMs *int64                      `json:"retryAfterMs,omitempty"`
}

// ServePoll implements GET /ops/{id}. requestID is the path segment the
// caller (typically an http.ServeMux pattern variable) has already
// extracted.
func (h *Handler) ServePoll(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx, end := h.Telemetry.Track(r.Context(), "poll")
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.servePoll(ctx, rec, r, requestID)
	end(statusErr(rec.status))
}

func (h *Handler) servePoll(ctx context.Context, w http.ResponseWriter, r *http.Request, requestID string) {
	now := h.Clock()

	inst, err := h.Store.Get(ctx, requestID, now)
	if err != nil {
		writeProtocolError(w, requestID, apierr.New(apierr.OperationNotFound, "no such operation instance"))
		return
	}

	allowed, retryAfter, err := h.Limiter.Allow(ctx, requestID, now)
	if err != nil {
		writeProtocolError(w, requestID, apierr.New(apierr.InternalError, "rate limiter failure"))
		return
	}
	if !allowed {
		ms := retryAfter.Milliseconds()
		w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
		writeJSON(w, 429, &pollResponse{
			RequestID:    requestID,
			State:        callenvelope.StateError,
			Error:        &callenvelope.EnvelopeError{Code: string(apierr.RateLimited), Message: "polled too frequently"},
			RetryAfterMs: &ms,
		})
		return
	}

	switch inst.State {
	case instancestore.Accepted:
		retry := int64(ratelimit.Window / time.Millisecond)
		writeJSON(w, 202, &pollResponse{
			RequestID:    requestID,
			State:        callenvelope.StateAccepted,
			Location:     &callenvelope.Location{URI: "/ops/" + requestID},
			RetryAfterMs: &retry,
		})
	case instancestore.Pending:
		retry := int64(ratelimit.Window / time.Millisecond)
		writeJSON(w, 202, &pollResponse{
			RequestID:    requestID,
			State:        callenvelope.StatePending,
			RetryAfterMs: &retry,
		})
	case instancestore.Complete:
		writeJSON(w, 200, &pollResponse{
			RequestID: requestID,
			State:     callenvelope.StateComplete,
			Location:  &callenvelope.Location{URI: inst.ResultLocation},
		})
	case instancestore.Error:
		var envErr *callenvelope.EnvelopeError
		if inst.Err != nil {
			envErr = &callenvelope.EnvelopeError{Code: inst.Err.Code, Message: inst.Err.Message}
		}
		writeJSON(w, 200, &pollResponse{
			RequestID: requestID,
			State:     callenvelope.StateError,
			Error:     envErr,
		})
	default:
		writeProtocolError(w, requestID, apierr.New(apierr.UnknownState, "instance is in an unrecognized state"))
	}
}

// chunkResponse is the wire shape for GET /ops/{id}/chunks.
type chunkResponse struct {
	RequestID        string             `json:"requestId"`
	State            callenvelope.State `json:"state"`
	Checksum         string             `json:"checksum"`
	ChecksumPrevious *string            `json:"checksumPrevious"`
	Offset           int                `json:"offset"`
	Length           int                `json:"length"`
	MimeType         string             `json:"mimeType"`
	Total            int                `json:"total"`
	Cursor           *string            `json:"cursor"`
	Data             string             `json:"data"`
}

// ServeChunks implements GET /ops/{id}/chunks?cursor=.
func (h *Handler) ServeChunks(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx, end := h.Telemetry.Track(r.Context(), "chunk")
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.serveChunks(ctx, rec, r, requestID)
	end(statusErr(rec.status))
}

func (h *Handler) serveChunks(ctx context.Context, w http.ResponseWriter, r *http.Request, requestID string) {
	now := h.Clock()

	inst, err := h.Store.Get(ctx, requestID, now)
	if err != nil {
		writeProtocolError(w, requestID, apierr.New(apierr.OperationNotFound, "no such operation instance"))
		return
	}
	if inst.State != instancestore.Complete {
		writeProtocolError(w, requestID, apierr.New(apierr.OperationNotComplete, "operation has not completed"))
		return
	}

	data, mimeType, ferr := h.resultBytes(ctx, inst)
	if ferr != nil {
		writeProtocolError(w, requestID, apierr.New(apierr.DataNotFound, "result data is unavailable"))
		return
	}

	cursor, cerr := parseCursor(r.URL.Query().Get("cursor"))
	if cerr != nil {
		writeProtocolError(w, requestID, apierr.New(apierr.InvalidCursor, "cursor must be a non-negative integer"))
		return
	}

	chunker, err := chunkengine.Slice(data, mimeType)
	if err != nil {
		writeProtocolError(w, requestID, apierr.New(apierr.InternalError, "result is not representable as text"))
		return
	}
	if cursor < 0 || cursor >= chunker.Total() {
		writeProtocolError(w, requestID, apierr.New(apierr.InvalidCursor, "cursor is out of range"))
		return
	}

	chunk, err := chunker.Chunk(cursor)
	if err != nil {
		writeProtocolError(w, requestID, apierr.New(apierr.InvalidCursor, "cursor is out of range"))
		return
	}

	state := callenvelope.StatePending
	if chunk.Complete {
		state = callenvelope.StateComplete
	}

	writeJSON(w, 200, &chunkResponse{
		RequestID:        requestID,
		State:            state,
		Checksum:         chunk.Checksum,
		ChecksumPrevious: chunk.ChecksumPrevious,
		Offset:           chunk.Offset,
		Length:           chunk.Length,
		MimeType:         chunk.MimeType,
		Total:            chunk.Total,
		Cursor:           chunk.Cursor,
		Data:             chunk.Data,
	})
}

func (h *Handler) resultBytes(ctx context.Context, inst *instancestore.Instance) ([]byte, string, error) {
	if len(inst.ResultData) > 0 {
		return inst.ResultData, inst.ResultMime, nil
	}
	if inst.ResultLocation == "" || h.Results == nil {
		return nil, "", apierr.New(apierr.DataNotFound, "no result recorded")
	}
	return h.Results.Fetch(ctx, inst.ResultLocation)
}

func parseCursor(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierr.New(apierr.InvalidCursor, "cursor must be a non-negative integer")
	}
	return n, nil
}

// statusErr turns a final HTTP status into the error Track records, so a
// 4xx/5xx poll or chunk response shows up in the error-rate metric even
// though every branch above returns via writeJSON/writeProtocolError
// rather than a Go error value.
func statusErr(status int) error {
	if status >= 400 {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeProtocolError(w http.ResponseWriter, requestID string, perr *apierr.ProtocolError) {
	writeJSON(w, perr.Status(), &pollResponse{
		RequestID: requestID,
		State:     callenvelope.StateError,
		Error:     &callenvelope.EnvelopeError{Code: string(perr.Code), Message: perr.Message, Cause: perr.Cause},
	})
}

// RequestIDFromPath extracts the {id} segment from a "/ops/{id}" or
// "/ops/{id}/chunks" path, since the router binding is left to the
// caller (stdlib mux patterns differ across Go versions).
func RequestIDFromPath(path string) (id string, isChunks bool) {
	trimmed := strings.TrimPrefix(path, "/ops/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if rest, ok := strings.CutSuffix(trimmed, "/chunks"); ok {
		return rest, true
	}
	return trimmed, false
}
