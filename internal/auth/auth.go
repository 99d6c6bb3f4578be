// Package auth resolves, per repository path and per item, a callable
// policy that gates read/write access on every sync access. Built-in
// rules for system repositories cannot be overridden by callers.
//
// Resolution is on the hot path — invoked per item access during every
// sync cycle — so Matcher.RuleForRepo is linear in the number of rules
// and allocates nothing for an input path already in canonical form
// (see normalize; any other input costs one string to canonicalize):
// built-in rules are checked against a fixed slice, and user rules are
// matched in registration order against
// pre-normalized/pre-compiled matchers, mirroring the ordered
// path-prefix matching the teacher's RBAC layer uses for endpoint
// permissions (see DESIGN.md).
package auth

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Op is the operation being authorized.
type Op int

const (
	// OpRead gates a read of an item.
	OpRead Op = iota
	// OpWrite gates a write (or delete) of an item.
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Session is the external, authenticated principal context the matcher
// reads from. The core only ever reads Owner; "root" is privileged. ID
// carries the "<userId>/<uniqueId>" wire identifier (see NewSessionID)
// when the caller minted one; it plays no role in rule evaluation.
type Session struct {
	Owner string
	ID    string
}

// IsRoot reports whether the session belongs to the privileged root
// principal.
func (s Session) IsRoot() bool { return s.Owner == "root" }

// NewSessionID mints a session identifier in the "<userId>/<uniqueId>"
// form external callers present on the wire (SPEC_FULL.md §6). The unique
// half is a random UUID, not derived from userID, so two sessions opened
// by the same user are never confused with each other.
func NewSessionID(userID string) string {
	return userID + "/" + uuid.NewString()
}

// Rule is a callable policy: given an opaque db handle, the repo path,
// the item's key, the requesting session, and the operation, it reports
// whether access is allowed. db is typed as `any` because the matcher
// does not interpret it — only callers and rules do.
type Rule func(db any, repoPath string, itemKey string, session Session, op Op) bool

// entry is one registered (path, rule) pair, in registration order.
type entry struct {
	exact   string         // set when the path is an exact, normalized repo id
	pattern *regexp.Regexp // set when the path is a regular expression
	rule    Rule
}

// ErrRuleConflict is returned by RegisterRule when path has already been
// registered exactly once before (fatal at registration time — a
// programmer error, not a runtime condition).
type ErrRuleConflict struct{ Path string }

func (e *ErrRuleConflict) Error() string {
	return fmt.Sprintf("auth: rule already registered for path %q", e.Path)
}

// Matcher resolves repository paths to authorization rules. Built-in
// rules for /sys/** always take precedence over user rules and can
// never be overridden (RegisterRule rejects attempts to register those
// exact paths).
type Matcher struct {
	mu       sync.RWMutex
	builtins []entry
	rules    []entry
	exact    map[string]bool // tracks registered exact paths, for conflict detection
}

// NewMatcher constructs a Matcher pre-loaded with the built-in /sys/*
// rules (§4.5): /sys/users, /sys/sessions, /sys/stats, and a /sys/**
// catch-all, checked in that order.
func NewMatcher() *Matcher {
	m := &Matcher{exact: make(map[string]bool)}
	m.builtins = []entry{
		{exact: "/sys/users", rule: sysUsersRule},
		{exact: "/sys/sessions", rule: sysSessionsRule},
		{exact: "/sys/stats", rule: sysStatsRule},
		{pattern: regexp.MustCompile(`^/sys/`), rule: sysCatchAllRule},
	}
	return m
}

// RegisterRule associates rule with path. path is either an exact
// repository identifier (normalized internally) or a regular expression.
// Registering the same exact path twice — or any of the reserved
// /sys/** built-in paths — is a conflict.
func (m *Matcher) RegisterRule(path string, isRegex bool, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if isRegex {
		compiled, err := regexp.Compile(path)
		if err != nil {
			return fmt.Errorf("auth: invalid rule pattern %q: %w", path, err)
		}
		m.rules = append(m.rules, entry{pattern: compiled, rule: rule})
		return nil
	}

	normalized := normalize(path)
	if isBuiltinPath(normalized) {
		return &ErrRuleConflict{Path: path}
	}
	if m.exact[normalized] {
		return &ErrRuleConflict{Path: path}
	}
	m.exact[normalized] = true
	m.rules = append(m.rules, entry{exact: normalized, rule: rule})
	return nil
}

// RuleForRepo resolves inputPath to the first matching rule: built-in
// rules are tried first (in their fixed order), then user rules in
// registration order. Returns nil if nothing matches — callers that
// require closed-by-default behavior must register a catch-all rule of
// their own.
func (m *Matcher) RuleForRepo(inputPath string) Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	normalized := normalize(inputPath)
	if r := matchEntries(m.builtins, inputPath, normalized); r != nil {
		return r
	}
	return matchEntries(m.rules, inputPath, normalized)
}

// matchEntries is the hot-path scan: linear in len(entries), no
// allocation — exact entries compare against the pre-normalized path,
// regex entries reset match state via MatchString (safe for concurrent
// read-only use on a compiled *regexp.Regexp).
func matchEntries(entries []entry, raw, normalized string) Rule {
	for _, e := range entries {
		if e.pattern != nil {
			if e.pattern.MatchString(raw) {
				return e.rule
			}
			continue
		}
		if e.exact == normalized {
			return e.rule
		}
	}
	return nil
}

// normalize canonicalizes a repository path the way repo identifiers are
// compared throughout the matcher: lowercased, with duplicate slashes
// collapsed and any trailing slash trimmed. This generalizes the
// teacher's normalizePathForRBAC technique of stripping a routing prefix
// before comparison — here the entire repo id is canonicalized instead
// of just having a context prefix stripped.
func normalize(path string) string {
	// A path that is already canonical (ASCII without upper case, no
	// doubled slash, no trailing slash) is returned as is, without
	// allocating.
	canonical := len(path) <= 1 || path[len(path)-1] != '/'
	for i := 0; canonical && i < len(path); i++ {
		ch := path[i]
		if (ch >= 'A' && ch <= 'Z') || ch >= 0x80 || (ch == '/' && i > 0 && path[i-1] == '/') {
			canonical = false
		}
	}
	if canonical {
		return path
	}

	lower := strings.ToLower(path)
	var b strings.Builder
	b.Grow(len(lower))
	prevSlash := false
	for _, r := range lower {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 1 && strings.HasSuffix(out, "/") {
		out = out[:len(out)-1]
	}
	return out
}

func isBuiltinPath(normalized string) bool {
	switch normalized {
	case "/sys/users", "/sys/sessions", "/sys/stats":
		return true
	}
	return strings.HasPrefix(normalized, "/sys/")
}

// --- built-in rules (§4.5) ---

func sysUsersRule(db any, repoPath, itemKey string, session Session, op Op) bool {
	if op == OpRead {
		return true // anyone may read
	}
	return session.IsRoot() || session.Owner == itemKey
}

func sysSessionsRule(db any, repoPath, itemKey string, session Session, op Op) bool {
	if op == OpRead {
		return true
	}
	return session.IsRoot()
}

func sysStatsRule(db any, repoPath, itemKey string, session Session, op Op) bool {
	return session.IsRoot()
}

func sysCatchAllRule(db any, repoPath, itemKey string, session Session, op Op) bool {
	return session.IsRoot()
}
