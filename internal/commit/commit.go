// Package commit defines the immutable, content-addressed record type
// that flows through the anti-entropy sync protocol.
package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// NullMarker is the schema marker used by payloads that carry no schema
// identity (the universal empty schema).
const NullMarker = "null"

// Commit is an immutable, content-addressed payload. Once constructed it
// is never rewritten; upgrading a commit's schema produces a new Commit
// rather than mutating the original (see schema.Registry.Upgrade).
type Commit struct {
	id           string
	schemaMarker string
	payload      map[string]any
}

// New constructs a Commit. If id is empty, it is derived from the
// canonical encoding of payload via Fingerprint. schemaMarker defaults to
// NullMarker when empty.
func New(id, schemaMarker string, payload map[string]any) (Commit, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if schemaMarker == "" {
		schemaMarker = NullMarker
	}
	if id == "" {
		fp, err := Fingerprint(payload)
		if err != nil {
			return Commit{}, fmt.Errorf("commit: deriving id: %w", err)
		}
		id = fp
	}
	return Commit{id: id, schemaMarker: schemaMarker, payload: payload}, nil
}

// ID returns the commit's stable, globally unique (within an org) identifier.
func (c Commit) ID() string { return c.id }

// SchemaMarker returns "<ns>/<version>" or NullMarker.
func (c Commit) SchemaMarker() string { return c.schemaMarker }

// Payload returns the commit's opaque data. Callers must treat the
// returned map as read-only; Commit is otherwise immutable.
func (c Commit) Payload() map[string]any { return c.payload }

// WithSchema returns a new Commit carrying the same ID but the given
// schema marker and payload. Used after a successful upgrade, where the
// upgraded data is written back under a new marker without losing the
// original content-addressed identity (§3: ID is payload-only addressed).
func (c Commit) WithSchema(marker string, payload map[string]any) Commit {
	return Commit{id: c.id, schemaMarker: marker, payload: payload}
}

// Fingerprint returns the hex-encoded SHA-256 of the canonical (key-sorted)
// JSON encoding of payload, used as the default commit ID.
func Fingerprint(payload map[string]any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON encodes v with map keys sorted at every level so that two
// semantically identical payloads always produce identical bytes.
func canonicalJSON(v any) ([]byte, error) {
	ordered, err := order(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ordered)
}

// order rewrites v so that map[string]any values are walked in sorted key
// order; json.Marshal already sorts map[string]any keys, but we keep this
// explicit so the contract does not depend on encoding/json internals.
func order(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			ordered, err := order(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = ordered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ordered, err := order(e)
			if err != nil {
				return nil, err
			}
			out[i] = ordered
		}
		return out, nil
	default:
		return v, nil
	}
}
