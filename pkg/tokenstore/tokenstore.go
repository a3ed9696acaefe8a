// Package tokenstore persists the opaque bearer token to principal/scope
// mapping that is the sole source of authentication truth for the
// dispatcher. Tokens are never stored in the clear: a fast SHA-256 lookup
// key locates the row, and a bcrypt hash of the bearer confirms it,
// mirroring the encrypt-at-rest discipline of the credential store this
// package is descended from — adapted from reversible AES-GCM encryption
// to one-way hashing, since an opaque bearer token is never recovered in
// plaintext after issuance.
package tokenstore

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Class distinguishes how a token was issued. The core never parses the
// bearer string itself to recover this — it is a stored column.
type Class string

const (
	ClassHumanIssued Class = "humanIssued"
	ClassAgentIssued Class = "agentIssued"
)

// Token is the authenticated identity resolved from a bearer string.
type Token struct {
	Class        Class
	Principal    string
	Scopes       []string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	AnalyticsRef string
}

// ErrNotFound is returned by Lookup when no live token matches the bearer.
var ErrNotFound = errors.New("tokenstore: token not found")

// Store is the persistence surface the Dispatcher authenticates against.
type Store interface {
	// Lookup resolves a bearer string to its Token. It returns ErrNotFound
	// for an unknown, revoked, or expired token — callers must not
	// distinguish these cases in the response they send a client.
	Lookup(ctx context.Context, bearer string) (*Token, error)
	// Create registers a new token issued by an external auth endpoint.
	Create(ctx context.Context, bearer string, tok Token) error
	// Revoke removes a token immediately, ahead of its expiry.
	Revoke(ctx context.Context, bearer string) error
	// Touch bumps the token's last-used bookkeeping; failures are
	// non-fatal to the caller and may be ignored.
	Touch(ctx context.Context, bearer string, at time.Time) error
}

func lookupKey(bearer string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])
}

// SQLStore backs Store with *sql.DB, working against Postgres or SQLite
// with the same query set (parameter placeholders are the only
// dialect-specific bit, handled by the `placeholder` function supplied
// at construction).
type SQLStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

// NewSQLStore wraps db. placeholder formats the nth (1-based) bind
// parameter for the target dialect, e.g. Postgres `$1` or SQLite `?`.
func NewSQLStore(db *sql.DB, placeholder func(n int) string) *SQLStore {
	if placeholder == nil {
		placeholder = func(n int) string { return "?" }
	}
	return &SQLStore{db: db, placeholder: placeholder}
}

func (s *SQLStore) ph(n int) string { return s.placeholder(n) }

func (s *SQLStore) Create(ctx context.Context, bearer string, tok Token) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(bearer), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("tokenstore: hash token: %w", err)
	}

	scopesJSON, err := json.Marshal(tok.Scopes)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal scopes: %w", err)
	}

	now := time.Now().UTC()
	createdAt := tok.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := fmt.Sprintf(`
		INSERT INTO call_tokens (lookup_key, token_hash, class, principal, scopes, expires_at, created_at, analytics_ref)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (lookup_key) DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			class = EXCLUDED.class,
			principal = EXCLUDED.principal,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			analytics_ref = EXCLUDED.analytics_ref
	`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8))

	_, err = s.db.ExecContext(ctx, query,
		lookupKey(bearer), string(hash), string(tok.Class), tok.Principal,
		string(scopesJSON), tok.ExpiresAt, createdAt, tok.AnalyticsRef,
	)
	if err != nil {
		return fmt.Errorf("tokenstore: create: %w", err)
	}
	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, bearer string) (*Token, error) {
	query := fmt.Sprintf(`
		SELECT token_hash, class, principal, scopes, expires_at, created_at, analytics_ref
		FROM call_tokens WHERE lookup_key = %s
	`, s.ph(1))

	var (
		hash, class, principal, analyticsRef string
		scopesJSON                           string
		expiresAt, createdAt                 time.Time
	)
	err := s.db.QueryRowContext(ctx, query, lookupKey(bearer)).Scan(
		&hash, &class, &principal, &scopesJSON, &expiresAt, &createdAt, &analyticsRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokenstore: lookup: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(bearer)); err != nil {
		return nil, ErrNotFound
	}

	if time.Now().After(expiresAt) {
		return nil, ErrNotFound
	}

	var scopes []string
	if err := json.Unmarshal([]byte(scopesJSON), &scopes); err != nil {
		return nil, fmt.Errorf("tokenstore: corrupt scopes column: %w", err)
	}

	return &Token{
		Class:        Class(class),
		Principal:    principal,
		Scopes:       scopes,
		ExpiresAt:    expiresAt,
		CreatedAt:    createdAt,
		AnalyticsRef: analyticsRef,
	}, nil
}

func (s *SQLStore) Revoke(ctx context.Context, bearer string) error {
	query := fmt.Sprintf(`DELETE FROM call_tokens WHERE lookup_key = %s`, s.ph(1))
	_, err := s.db.ExecContext(ctx, query, lookupKey(bearer))
	return err
}

func (s *SQLStore) Touch(ctx context.Context, bearer string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE call_tokens SET last_used_at = %s WHERE lookup_key = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, query, at, lookupKey(bearer))
	return err
}

// Schema is the DDL for the token table; cmd/opencalld runs it unchanged
// against both Postgres and SQLite (scopes are stored as JSON text).
const Schema = `
CREATE TABLE IF NOT EXISTS call_tokens (
	lookup_key    TEXT PRIMARY KEY,
	token_hash    TEXT NOT NULL,
	class         TEXT NOT NULL,
	principal     TEXT NOT NULL,
	scopes        TEXT NOT NULL,
	expires_at    TIMESTAMP NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	analytics_ref TEXT,
	last_used_at  TIMESTAMP
)`

// InMemoryStore is a lock-guarded map implementation used in tests;
// cmd/opencalld always backs tokens with SQLStore.
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]storedToken
}

type storedToken struct {
	hash []byte
	tok  Token
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: make(map[string]storedToken)}
}

func (s *InMemoryStore) Create(ctx context.Context, bearer string, tok Token) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(bearer), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("tokenstore: hash token: %w", err)
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[lookupKey(bearer)] = storedToken{hash: hash, tok: tok}
	return nil
}

func (s *InMemoryStore) Lookup(ctx context.Context, bearer string) (*Token, error) {
	s.mu.RLock()
	st, ok := s.tokens[lookupKey(bearer)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if bcrypt.CompareHashAndPassword(st.hash, []byte(bearer)) != nil {
		return nil, ErrNotFound
	}
	if time.Now().After(st.tok.ExpiresAt) {
		return nil, ErrNotFound
	}
	tok := st.tok
	return &tok, nil
}

func (s *InMemoryStore) Revoke(ctx context.Context, bearer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, lookupKey(bearer))
	return nil
}

func (s *InMemoryStore) Touch(ctx context.Context, bearer string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tokens[lookupKey(bearer)]; ok {
		_ = st // last-used bookkeeping is not surfaced in the in-memory path
	}
	return nil
}

// ExtractBearer parses an `Authorization: Bearer <token>` header value,
// with a case-insensitive scheme match, a single space separator, and a
// non-empty trailing token, per §4.1 step 5.
func ExtractBearer(header string) (string, bool) {
	if len(header) < 7 {
		return "", false
	}
	scheme, rest := header[:7], header[7:]
	if !equalFoldASCII(scheme[:6], "bearer") || scheme[6] != ' ' {
		return "", false
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(lowerASCII(a)), []byte(lowerASCII(b))) == 1
}

func lowerASCII(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
