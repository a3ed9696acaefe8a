// Package callenvelope defines the single request/response envelope shape
// shared by every operation the dispatcher serves, and the shape-level
// validation the dispatcher runs before authentication.
package callenvelope

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"github.com/opencall/core/pkg/apierr"
)

// opNamePattern matches "v<major>:<namespace>.<verb>", e.g. "v1:catalog.list".
var opNamePattern = regexp.MustCompile(`^v[0-9]+:[a-zA-Z][a-zA-Z0-9_]*\.[a-zA-Z][a-zA-Z0-9_]*$`)

// MediaRef is an out-of-band media reference. The core validates its
// shape only; it never interprets the referenced content.
type MediaRef struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Ref      string `json:"ref,omitempty"`
	Part     string `json:"part,omitempty"`
}

// RequestCtx carries the caller-supplied correlation fields.
type RequestCtx struct {
	RequestID      string `json:"requestId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Request is the one schema used by every operation invocation.
type Request struct {
	Op    string          `json:"op"`
	Args  json.RawMessage `json:"args,omitempty"`
	Ctx   RequestCtx      `json:"ctx,omitempty"`
	Media []MediaRef      `json:"media,omitempty"`
}

// Location accompanies a 303 redirect or an async acceptance.
type Location struct {
	URI  string `json:"uri"`
	Auth string `json:"auth,omitempty"`
}

// EnvelopeError is the {code, message, cause?} shape carried by
// state=error responses, for both protocol and domain errors.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   any    `json:"cause,omitempty"`
}

// State is one of the four outcomes a response envelope can carry.
type State string

const (
	StateComplete State = "complete"
	StateAccepted State = "accepted"
	StatePending  State = "pending"
	StateError    State = "error"
)

// Response is the one schema used for every outcome, sync or async,
// success or failure.
type Response struct {
	RequestID    string         `json:"requestId"`
	SessionID    string         `json:"sessionId,omitempty"`
	State        State          `json:"state"`
	Result       any            `json:"result,omitempty"`
	Error        *EnvelopeError `json:"error,omitempty"`
	Location     *Location      `json:"location,omitempty"`
	RetryAfterMs *int64         `json:"retryAfterMs,omitempty"`
	ExpiresAt    *int64         `json:"expiresAt,omitempty"`
}

// Parse decodes a request body into a Request. It does not reject
// unknown fields (forward compatibility with future envelope additions)
// but returns a protocol error if the body is not valid JSON at all.
func Parse(r io.Reader) (*Request, *apierr.ProtocolError) {
	var req Request
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return nil, apierr.New(apierr.InvalidEnvelope, fmt.Sprintf("body is not valid JSON: %v", err))
	}
	return &req, nil
}

// Validate shape-checks a parsed Request against §3.1 and returns any
// violations in declaration order. An empty slice means the envelope is
// well-formed.
func Validate(req *Request) []apierr.FieldIssue {
	var issues []apierr.FieldIssue

	if req.Op == "" {
		issues = append(issues, apierr.FieldIssue{Path: "op", Message: "op is required"})
	} else if !opNamePattern.MatchString(req.Op) {
		issues = append(issues, apierr.FieldIssue{
			Path:    "op",
			Message: fmt.Sprintf("op %q does not match v<major>:<namespace>.<verb>", req.Op),
		})
	}

	for i, m := range req.Media {
		if m.Name == "" {
			issues = append(issues, apierr.FieldIssue{Path: fmt.Sprintf("media[%d].name", i), Message: "name is required"})
		}
		if m.MimeType == "" {
			issues = append(issues, apierr.FieldIssue{Path: fmt.Sprintf("media[%d].mimeType", i), Message: "mimeType is required"})
		}
	}

	return issues
}

// EffectiveArgs returns req.Args, defaulting a missing or empty value to
// the canonical empty-object form (B2: empty args is equivalent to {}).
func EffectiveArgs(req *Request) json.RawMessage {
	if len(req.Args) == 0 {
		return json.RawMessage(`{}`)
	}
	return req.Args
}
