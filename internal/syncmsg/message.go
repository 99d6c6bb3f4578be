// Package syncmsg implements the symmetric, stateless sync message that
// transports a bloom-filter summary plus any commits the sender suspects
// the peer lacks.
//
// The wire shape is a plain tree (filter, size, commits array, denial
// list) by construction — there is no cyclic reference to encode or
// decode, unlike the cyclic encoder/decoder pair the original system used
// for nested structures (see SPEC_FULL.md §9).
package syncmsg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/axonops/syncd/internal/bloomfilter"
	"github.com/axonops/syncd/internal/commit"
	"github.com/axonops/syncd/internal/yield"
)

// CurrentBuildVersion is this implementation's protocol version. Peers
// report a strictly newer value are tolerated (forward-compat); an
// incompatibly older peer may cause decode failures, which are logged
// but never fatal to the process (§7 VersionSkew).
const CurrentBuildVersion = 1

// Message is the in-memory representation of one sync exchange.
type Message struct {
	OrgID        string
	BuildVersion int
	Filter       *bloomfilter.Filter
	Size         int
	Values       []commit.Commit
	AccessDenied []string
}

// wireCommit is the on-the-wire shape of a single commit.
type wireCommit struct {
	ID      string         `json:"id"`
	Marker  string         `json:"marker"`
	Payload map[string]any `json:"payload"`
}

// wireMessage mirrors the stable key layout from SPEC_FULL.md §4.3: ver,
// f, s, c, ad.
//
// C is decoded as []json.RawMessage rather than []wireCommit on purpose:
// encoding/json does not fail atomically when one element of a typed
// slice has the wrong shape — per its documented behavior it skips just
// that element and returns the first *json.UnmarshalTypeError only after
// decoding everything else, so unmarshaling straight into []wireCommit
// would still leave wm mostly populated but force every caller to treat
// the whole message as undecodable anyway. Keeping each element as raw
// bytes and decoding it individually (see decodeCommit) lets one corrupt
// commit fail completely independently of its siblings and of the
// filter/size/ad fields, matching §7's DecodeCommitFailure being
// per-commit and recoverable while DecodeFilterFailure stays fatal.
type wireMessage struct {
	Ver string              `json:"ver"`
	F   bloomfilter.Encoded `json:"f"`
	S   int                 `json:"s"`
	C   []json.RawMessage   `json:"c,omitempty"`
	AD  []string            `json:"ad,omitempty"`
}

// Serialize encodes m to its wire form. The filter is always present;
// Values and AccessDenied may be empty, in which case "c"/"ad" are
// omitted rather than emitted as empty arrays.
func Serialize(m Message) ([]byte, error) {
	wm := wireMessage{
		Ver: fmt.Sprintf("%d", m.BuildVersion),
		S:   m.Size,
	}
	if m.Filter != nil {
		wm.F = m.Filter.Encode()
	}
	if len(m.Values) > 0 {
		wm.C = make([]json.RawMessage, len(m.Values))
		for i, c := range m.Values {
			wc := wireCommit{ID: c.ID(), Marker: c.SchemaMarker(), Payload: c.Payload()}
			raw, err := json.Marshal(wc)
			if err != nil {
				return nil, fmt.Errorf("syncmsg: encoding commit %s: %w", c.ID(), err)
			}
			wm.C[i] = raw
		}
	}
	if len(m.AccessDenied) > 0 {
		wm.AD = append([]string(nil), m.AccessDenied...)
	}
	return json.Marshal(wm)
}

// decodeCommit unmarshals one raw wire commit independently of its
// siblings. A malformed element (wrong JSON type for a field, or an
// empty/missing id) is reported as not-ok rather than propagating a
// decode error to the caller — exactly the per-commit tolerance §7
// requires of DecodeCommitFailure.
func decodeCommit(raw json.RawMessage) (commit.Commit, bool) {
	var wc wireCommit
	if err := json.Unmarshal(raw, &wc); err != nil {
		return commit.Commit{}, false
	}
	if wc.ID == "" {
		return commit.Commit{}, false
	}
	c, err := commit.New(wc.ID, wc.Marker, wc.Payload)
	if err != nil {
		return commit.Commit{}, false
	}
	return c, true
}

// DecodeResult carries a successfully decoded Message plus the number of
// commits that failed to decode and were skipped (§7 DecodeCommitFailure:
// recoverable, per-commit — one corrupted commit must not poison the
// batch).
type DecodeResult struct {
	Message            Message
	SkippedCommitCount int
}

// Deserialize decodes data produced by Serialize. Absence of "c" yields
// an empty Values slice; absence of "ad" yields an empty AccessDenied
// slice. The filter must always be reconstructible — a corrupt or
// missing filter is §7's DecodeFilterFailure and is fatal to the cycle,
// reported as a distinct error so the caller can fall back to the last
// good peer filter.
func Deserialize(data []byte) (DecodeResult, error) {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return DecodeResult{}, &DecodeFilterFailure{Cause: err}
	}

	filter, err := bloomfilter.Decode(wm.F)
	if err != nil {
		return DecodeResult{}, &DecodeFilterFailure{Cause: err}
	}

	buildVersion := 0
	fmt.Sscanf(wm.Ver, "%d", &buildVersion)

	msg := Message{
		BuildVersion: buildVersion,
		Filter:       filter,
		Size:         wm.S,
		AccessDenied: append(make([]string, 0, len(wm.AD)), wm.AD...),
	}

	skipped := 0
	msg.Values = make([]commit.Commit, 0, len(wm.C))
	for _, raw := range wm.C {
		c, ok := decodeCommit(raw)
		if !ok {
			skipped++
			continue
		}
		msg.Values = append(msg.Values, c)
	}

	return DecodeResult{Message: msg, SkippedCommitCount: skipped}, nil
}

// DeserializeStreaming behaves like Deserialize but yields cooperatively
// between commit constructions (internal/yield) instead of decoding the
// whole batch in one atomic pass — required when a message carries many
// commits (SPEC_FULL.md §4.3, §5). Cancelling ctx discards the partial
// batch: DeserializeStreaming returns the context error and an empty
// DecodeResult, never a partially populated one.
func DeserializeStreaming(ctx context.Context, data []byte, yieldEvery int) (DecodeResult, error) {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return DecodeResult{}, &DecodeFilterFailure{Cause: err}
	}

	filter, err := bloomfilter.Decode(wm.F)
	if err != nil {
		return DecodeResult{}, &DecodeFilterFailure{Cause: err}
	}

	buildVersion := 0
	fmt.Sscanf(wm.Ver, "%d", &buildVersion)

	skipped := 0
	values, err := yield.Map(ctx, wm.C, yieldEvery, func(raw json.RawMessage) (*commit.Commit, error) {
		c, ok := decodeCommit(raw)
		if !ok {
			skipped++
			return nil, nil
		}
		return &c, nil
	})
	if err != nil {
		return DecodeResult{}, err // cancellation: discard the partial batch entirely
	}

	msg := Message{
		BuildVersion: buildVersion,
		Filter:       filter,
		Size:         wm.S,
		AccessDenied: append(make([]string, 0, len(wm.AD)), wm.AD...),
		Values:       make([]commit.Commit, 0, len(values)),
	}
	for _, v := range values {
		if v != nil {
			msg.Values = append(msg.Values, *v)
		}
	}

	return DecodeResult{Message: msg, SkippedCommitCount: skipped}, nil
}

// DecodeFilterFailure indicates the envelope or its bloom filter could
// not be reconstructed. Fatal to the cycle (§7): the engine abandons the
// cycle and carries the previous peer filter forward.
type DecodeFilterFailure struct {
	Cause error
}

func (e *DecodeFilterFailure) Error() string {
	return fmt.Sprintf("syncmsg: decode filter failed: %v", e.Cause)
}

func (e *DecodeFilterFailure) Unwrap() error { return e.Cause }
