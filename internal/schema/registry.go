// Package schema provides the schema registry and upgrade engine: every
// stored commit carries a schema identity and version, and the registry
// walks a monotonic chain of migrations to bring older data forward on
// read.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// NullNamespace is the namespace of the universal empty schema — the
// schema carried by commits with marker "null".
const NullNamespace = ""

// Null is the universal empty schema.
var Null = Schema{ns: NullNamespace, version: 0}

// Upgrader migrates data from the prior schema version to this one. It
// must be a pure function: the registry clones data before calling it,
// so an Upgrader is free to mutate its argument in place.
type Upgrader func(data map[string]any) (map[string]any, error)

// Schema identifies one version of a namespace's data shape.
type Schema struct {
	ns      string
	version int
	upgrade Upgrader
}

// New constructs a Schema. version must be positive for any non-null
// namespace; upgrade may be nil for the first version of a namespace.
func New(ns string, version int, upgrade Upgrader) Schema {
	return Schema{ns: ns, version: version, upgrade: upgrade}
}

// NS returns the schema's namespace, or NullNamespace for the null schema.
func (s Schema) NS() string { return s.ns }

// Version returns the schema's version. The null schema reports 0.
func (s Schema) Version() int { return s.version }

// IsNull reports whether s is the universal empty schema.
func (s Schema) IsNull() bool { return s.ns == NullNamespace }

// Registry maps (ns, version) to schema entries and drives upgrades.
// Builtin namespaces (Session, User, UserStats) are registered at
// construction. The registry is read-mostly after startup: Register calls
// are expected to complete before Get/Upgrade/Decode are used
// concurrently (see internal/corectx).
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string][]Schema // sorted descending by version
}

// BuiltinNamespaces are registered in every Registry at construction.
var BuiltinNamespaces = []string{"Session", "User", "UserStats"}

// NewRegistry constructs a Registry with the builtin namespaces seeded at
// version 1 with an identity upgrade.
func NewRegistry() *Registry {
	r := &Registry{namespaces: make(map[string][]Schema)}
	for _, ns := range BuiltinNamespaces {
		// Ignore the error: registering a fresh v1 into an empty chain
		// never conflicts or creates a gap.
		_ = r.Register(New(ns, 1, nil))
	}
	return r
}

// ErrSchemaConflict describes a conflicting registration for (ns, version).
// Register never returns it: re-registering an existing (ns, version) is
// a no-op whatever upgrader the new entry carries.
type ErrSchemaConflict struct {
	NS      string
	Version int
}

func (e *ErrSchemaConflict) Error() string {
	return fmt.Sprintf("schema: conflicting registration for %s/%d", e.NS, e.Version)
}

// Register adds schema to the registry, keeping the namespace's sequence
// sorted by descending version. Registering an (ns, version) that is
// already present is a no-op (idempotent): the first entry is kept and
// the new entry's upgrader is ignored. Register always returns nil.
func (r *Registry) Register(s Schema) error {
	if s.IsNull() {
		return nil // the null schema is implicit, never stored
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.namespaces[s.ns]
	for _, existing := range chain {
		if existing.version == s.version {
			return nil // idempotent re-registration
		}
	}
	chain = append(chain, s)
	sort.Slice(chain, func(i, j int) bool { return chain[i].version > chain[j].version })
	r.namespaces[s.ns] = chain
	return nil
}

// Get returns the schema for ns at version, or the latest version for ns
// when version is nil. Returns false if unknown.
func (r *Registry) Get(ns string, version *int) (Schema, bool) {
	if ns == NullNamespace {
		return Null, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.namespaces[ns]
	if len(chain) == 0 {
		return Schema{}, false
	}
	if version == nil {
		return chain[0], true // descending sort: index 0 is latest
	}
	for _, s := range chain {
		if s.version == *version {
			return s, true
		}
	}
	return Schema{}, false
}

// Latest returns the highest registered version for ns.
func (r *Registry) Latest(ns string) (Schema, bool) {
	return r.Get(ns, nil)
}

// Namespaces returns the set of namespaces with at least one registered
// version, for introspection tooling.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.namespaces))
	for ns := range r.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Versions returns the registered versions for ns, descending.
func (r *Registry) Versions(ns string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.namespaces[ns]
	out := make([]int, len(chain))
	for i, s := range chain {
		out[i] = s.version
	}
	return out
}

// Upgrade walks data from fromSchema forward to targetSchema (or the
// latest registered version of fromSchema.ns when targetSchema is nil),
// applying each intermediate version's Upgrader. data is cloned before
// any mutation, so a failed partial walk never touches the caller's copy.
//
// If fromSchema is the null schema and no non-null target is requested,
// data is returned unchanged under the null schema. If any intermediate
// version between fromSchema and the target is missing from the
// registry, Upgrade fails (ok=false) and the caller decides: surface the
// object at its original version (see internal/syncengine's handling of
// UpgradeMissingVersion).
func (r *Registry) Upgrade(data map[string]any, fromSchema Schema, targetSchema *Schema) (map[string]any, Schema, bool) {
	if fromSchema.IsNull() && targetSchema == nil {
		return cloneMap(data), Null, true
	}

	ns := fromSchema.ns
	if targetSchema != nil {
		ns = targetSchema.ns
	}
	if ns == NullNamespace {
		return cloneMap(data), Null, true
	}

	target := Schema{}
	if targetSchema != nil {
		target = *targetSchema
	} else {
		latest, ok := r.Latest(ns)
		if !ok {
			return nil, Schema{}, false
		}
		target = latest
	}

	if fromSchema.version > target.version {
		return nil, Schema{}, false
	}
	if fromSchema.version == target.version {
		return cloneMap(data), fromSchema, true
	}

	current := cloneMap(data)
	currentVersion := fromSchema.version
	for v := fromSchema.version + 1; v <= target.version; v++ {
		step, ok := r.Get(ns, &v)
		if !ok {
			return nil, Schema{}, false // dense-chain violation: gap at v
		}
		if step.upgrade != nil {
			next, err := step.upgrade(current)
			if err != nil {
				return nil, Schema{}, false
			}
			current = next
		}
		currentVersion = v
	}
	return current, Schema{ns: ns, version: currentVersion}, true
}

// Encode returns the wire form of s: "null" or "<ns>/<version>".
func Encode(s Schema) string {
	if s.IsNull() {
		return NullMarker
	}
	return fmt.Sprintf("%s/%d", s.ns, s.version)
}

// NullMarker is the wire encoding of the null schema.
const NullMarker = "null"

// Decode parses a marker produced by Encode. It returns false for markers
// naming an (ns, version) the registry has never seen — the caller then
// treats the payload as UnknownSchemaMarker (null schema on read, original
// marker preserved for later recognition; see internal/syncengine).
func (r *Registry) Decode(marker string) (Schema, bool) {
	if marker == NullMarker || marker == "" {
		return Null, true
	}
	idx := strings.LastIndex(marker, "/")
	if idx <= 0 || idx == len(marker)-1 {
		return Schema{}, false
	}
	ns := marker[:idx]
	version, err := strconv.Atoi(marker[idx+1:])
	if err != nil || version < 1 {
		return Schema{}, false
	}
	return r.Get(ns, &version)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
