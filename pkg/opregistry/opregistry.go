// Package opregistry is the immutable-at-boot catalogue of operations the
// dispatcher serves. Every operation is declared once during startup;
// Freeze computes the self-description bytes and their ETag exactly once,
// after which further declarations panic.
package opregistry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExecutionModel is sync or async.
type ExecutionModel string

const (
	Sync  ExecutionModel = "sync"
	Async ExecutionModel = "async"
)

// CachingPolicy is the declared caching behavior of an operation's result.
type CachingPolicy string

const (
	CacheNone     CachingPolicy = "none"
	CacheServer   CachingPolicy = "server"
	CacheLocation CachingPolicy = "location"
)

// Handler is the callable a registered operation dispatches to. It is
// opaque to the registry itself; only the dispatcher invokes it.
type Handler interface{}

// OperationRecord is the declarative metadata behind one registered
// operation, matching §3.2 of the wire contract exactly.
type OperationRecord struct {
	Op                  string
	ArgsSchema          *jsonschema.Schema
	ResultSchema        *jsonschema.Schema
	ArgsSchemaRaw       json.RawMessage // verbatim JSON-Schema body for self-description
	ResultSchemaRaw     json.RawMessage
	ExecutionModel      ExecutionModel
	RequiredScopes      []string
	SideEffecting       bool
	IdempotencyRequired bool
	CachingPolicy       CachingPolicy
	TTLSeconds          int
	MaxSyncMs           int
	Sunset              string // ISO date, optional
	Replacement         string // optional
	OutputMimeType      string
	Handler             Handler
}

// selfDescriptionOp is the wire shape of one operation in /.well-known/ops.
type selfDescriptionOp struct {
	Op                  string          `json:"op"`
	ArgsSchema          json.RawMessage `json:"argsSchema"`
	ResultSchema        json.RawMessage `json:"resultSchema"`
	SideEffecting       bool            `json:"sideEffecting"`
	IdempotencyRequired bool            `json:"idempotencyRequired"`
	ExecutionModel      ExecutionModel  `json:"executionModel"`
	MaxSyncMs           int             `json:"maxSyncMs"`
	TTLSeconds          int             `json:"ttlSeconds"`
	AuthScopes          []string        `json:"authScopes"`
	CachingPolicy       CachingPolicy   `json:"cachingPolicy"`
	Deprecated          bool            `json:"deprecated,omitempty"`
	Sunset              string          `json:"sunset,omitempty"`
	Replacement         string          `json:"replacement,omitempty"`
}

type selfDescription struct {
	CallVersion string              `json:"callVersion"`
	Operations  []selfDescriptionOp `json:"operations"`
}

// Registry is the process-wide, read-only-after-boot operation catalogue.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*OperationRecord
	order     []string // declaration order, preserved in the self-description
	frozen    bool
	body      []byte
	etag      string
	scopesFor map[string][]string // op -> required scopes, built at Freeze
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{records: make(map[string]*OperationRecord)}
}

// Declare registers an operation. It panics if called after Freeze, or if
// the op name collides with one already declared.
func (r *Registry) Declare(rec OperationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("opregistry: Declare(%q) called after Freeze", rec.Op))
	}
	if _, exists := r.records[rec.Op]; exists {
		panic(fmt.Sprintf("opregistry: duplicate operation %q", rec.Op))
	}

	cp := rec
	r.records[rec.Op] = &cp
	r.order = append(r.order, rec.Op)
}

// Get returns the record for op, or (nil, false) if not declared.
func (r *Registry) Get(op string) (*OperationRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[op]
	return rec, ok
}

// RequiredScopes is the only per-request lookup path the dispatcher uses.
// It is only valid after Freeze.
func (r *Registry) RequiredScopes(op string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopes, ok := r.scopesFor[op]
	return scopes, ok
}

// IsSunset reports whether rec has passed its declared sunset date as of
// now. A record with no sunset, or an unparseable one, is never sunset.
func IsSunset(rec *OperationRecord, now time.Time) bool {
	if rec.Sunset == "" {
		return false
	}
	sunset, err := time.Parse("2006-01-02", rec.Sunset)
	if err != nil {
		return false
	}
	return now.After(sunset)
}

// ScopesIndex is the (scope -> {op}) introspection view; never consulted
// per-request by the dispatcher, only exposed for operators.
func (r *Registry) ScopesIndex() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := make(map[string][]string)
	for op, scopes := range r.scopesFor {
		for _, s := range scopes {
			idx[s] = append(idx[s], op)
		}
	}
	for s := range idx {
		sort.Strings(idx[s])
	}
	return idx
}

// Freeze computes the JCS-canonicalized self-description body and its
// SHA-256 ETag exactly once, and builds the inverted scope map. Further
// calls to Declare panic after this.
func (r *Registry) Freeze(callVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil
	}

	desc := selfDescription{CallVersion: callVersion}
	scopesFor := make(map[string][]string, len(r.order))

	for _, op := range r.order {
		rec := r.records[op]
		scopes := append([]string(nil), rec.RequiredScopes...)
		scopesFor[op] = scopes

		entry := selfDescriptionOp{
			Op:                  rec.Op,
			ArgsSchema:          rec.ArgsSchemaRaw,
			ResultSchema:        rec.ResultSchemaRaw,
			SideEffecting:       rec.SideEffecting,
			IdempotencyRequired: rec.IdempotencyRequired,
			ExecutionModel:      rec.ExecutionModel,
			MaxSyncMs:           rec.MaxSyncMs,
			TTLSeconds:          rec.TTLSeconds,
			AuthScopes:          scopes,
			CachingPolicy:       rec.CachingPolicy,
		}
		if rec.Sunset != "" {
			entry.Deprecated = true
			entry.Sunset = rec.Sunset
			entry.Replacement = rec.Replacement
			if rec.Replacement != "" {
				if err := checkReplacementVersion(rec.Op, rec.Replacement); err != nil {
					return err
				}
			}
		}
		desc.Operations = append(desc.Operations, entry)
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("opregistry: marshal self-description: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("opregistry: canonicalize self-description: %w", err)
	}

	sum := sha256.Sum256(canonical)

	r.body = canonical
	r.etag = `"` + hex.EncodeToString(sum[:]) + `"`
	r.scopesFor = scopesFor
	r.frozen = true
	return nil
}

// Describe returns the self-description body and its ETag. Panics if
// called before Freeze.
func (r *Registry) Describe() (body []byte, etag string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.frozen {
		panic("opregistry: Describe called before Freeze")
	}
	return r.body, r.etag
}

// DescribeIfNoneMatch implements the conditional-GET path for
// /.well-known/ops: if validator matches the current ETag, ok is false
// and the caller should respond 304 with no body.
func (r *Registry) DescribeIfNoneMatch(validator string) (body []byte, etag string, ok bool) {
	body, etag = r.Describe()
	if validator != "" && validator == etag {
		return nil, etag, false
	}
	return body, etag, true
}

// MajorVersion parses the numeric major version out of an op name of
// shape "v<major>:<ns>.<verb>", using semver for consistent comparisons
// against any future constraint-based sunset/replacement bookkeeping.
func MajorVersion(op string) (*semver.Version, error) {
	colon := -1
	for i, c := range op {
		if c == ':' {
			colon = i
			break
		}
	}
	if colon < 2 || op[0] != 'v' {
		return nil, fmt.Errorf("opregistry: malformed op name %q", op)
	}
	return semver.NewVersion(op[1:colon] + ".0.0")
}

// checkReplacementVersion enforces that a declared replacement op names a
// strictly newer major version than the sunset op it replaces — a
// replacement pointing at the same or an older major version is a
// catalogue authoring mistake, caught once at Freeze rather than on every
// sunset response.
func checkReplacementVersion(op, replacement string) error {
	opVer, err := MajorVersion(op)
	if err != nil {
		return fmt.Errorf("opregistry: sunset op %q: %w", op, err)
	}
	replVer, err := MajorVersion(replacement)
	if err != nil {
		return fmt.Errorf("opregistry: replacement %q for %q: %w", replacement, op, err)
	}
	if !replVer.GreaterThan(opVer) {
		return fmt.Errorf("opregistry: replacement %q for %q must be a newer major version (got %s, have %s)", replacement, op, replVer, opVer)
	}
	return nil
}
