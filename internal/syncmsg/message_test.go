package syncmsg

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/axonops/syncd/internal/bloomfilter"
	"github.com/axonops/syncd/internal/commit"
)

func buildTestMessage(t *testing.T, n int) Message {
	t.Helper()
	f, err := bloomfilter.New(uint64(n), 0.01)
	if err != nil {
		t.Fatalf("New filter: %v", err)
	}
	values := make([]commit.Commit, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("commit-%d", i)
		f.Add(id)
		c, err := commit.New(id, "User/1", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("commit.New: %v", err)
		}
		values = append(values, c)
	}
	return Message{
		OrgID:        "org-1",
		BuildVersion: CurrentBuildVersion,
		Filter:       f,
		Size:         n,
		Values:       values,
		AccessDenied: []string{"denied-1"},
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	msg := buildTestMessage(t, 10)
	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	result, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	decoded := result.Message

	if decoded.Size != msg.Size {
		t.Fatalf("size mismatch: got %d want %d", decoded.Size, msg.Size)
	}
	if decoded.BuildVersion != msg.BuildVersion {
		t.Fatalf("build version mismatch: got %d want %d", decoded.BuildVersion, msg.BuildVersion)
	}
	if len(decoded.Values) != len(msg.Values) {
		t.Fatalf("values length mismatch: got %d want %d", len(decoded.Values), len(msg.Values))
	}
	for _, c := range msg.Values {
		if !decoded.Filter.Has(c.ID()) {
			t.Fatalf("decoded filter lost membership of %s", c.ID())
		}
	}
	if len(decoded.AccessDenied) != 1 || decoded.AccessDenied[0] != "denied-1" {
		t.Fatalf("access-denied list not preserved: %v", decoded.AccessDenied)
	}
}

func TestDeserializeSkipsCorruptedCommitsOnly(t *testing.T) {
	msg := buildTestMessage(t, 100)
	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// Corrupt one embedded commit by blanking its id in the wire JSON.
	corrupted := corruptOneCommitID(t, data, 42)

	result, err := Deserialize(corrupted)
	if err != nil {
		t.Fatalf("Deserialize should tolerate one bad commit: %v", err)
	}
	if len(result.Message.Values) != 99 {
		t.Fatalf("expected 99 surviving values, got %d", len(result.Message.Values))
	}
	if result.SkippedCommitCount != 1 {
		t.Fatalf("expected 1 skipped commit, got %d", result.SkippedCommitCount)
	}
}

// TestDeserializeSkipsTypeMismatchedCommitOnly exercises the actual
// bail-out path the old []wireCommit-typed C field used to hit: a
// commit whose "id" is valid JSON but the wrong *type* (a number, not a
// string) doesn't fail top-level json.Unmarshal at all when C is decoded
// element-by-element — each raw element still round-trips fine, and only
// that one element fails to decode into wireCommit, leaving the filter
// and the other 99 commits untouched.
func TestDeserializeSkipsTypeMismatchedCommitOnly(t *testing.T) {
	msg := buildTestMessage(t, 100)
	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	corrupted := corruptOneCommitIDType(t, data, 42)

	result, err := Deserialize(corrupted)
	if err != nil {
		t.Fatalf("Deserialize should tolerate one type-mismatched commit: %v", err)
	}
	if len(result.Message.Values) != 99 {
		t.Fatalf("expected 99 surviving values, got %d", len(result.Message.Values))
	}
	if result.SkippedCommitCount != 1 {
		t.Fatalf("expected 1 skipped commit, got %d", result.SkippedCommitCount)
	}
	if result.Message.Filter == nil {
		t.Fatalf("expected filter to survive a type-mismatched commit")
	}
}

// TestDeserializeStreamingSkipsTypeMismatchedCommitOnly is the streaming
// counterpart of TestDeserializeSkipsTypeMismatchedCommitOnly.
func TestDeserializeStreamingSkipsTypeMismatchedCommitOnly(t *testing.T) {
	msg := buildTestMessage(t, 100)
	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	corrupted := corruptOneCommitIDType(t, data, 42)

	result, err := DeserializeStreaming(context.Background(), corrupted, 8)
	if err != nil {
		t.Fatalf("DeserializeStreaming should tolerate one type-mismatched commit: %v", err)
	}
	if len(result.Message.Values) != 99 {
		t.Fatalf("expected 99 surviving values, got %d", len(result.Message.Values))
	}
	if result.SkippedCommitCount != 1 {
		t.Fatalf("expected 1 skipped commit, got %d", result.SkippedCommitCount)
	}
}

func TestDeserializeEmptyOmittedFields(t *testing.T) {
	f, _ := bloomfilter.New(10, 0.1)
	msg := Message{BuildVersion: 1, Filter: f, Size: 0}
	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	result, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if result.Message.Values == nil || len(result.Message.Values) != 0 {
		t.Fatalf("expected empty (non-nil) values, got %#v", result.Message.Values)
	}
	if result.Message.AccessDenied == nil || len(result.Message.AccessDenied) != 0 {
		t.Fatalf("expected empty (non-nil) access-denied, got %#v", result.Message.AccessDenied)
	}
}

func TestDeserializeStreamingMatchesDeserialize(t *testing.T) {
	msg := buildTestMessage(t, 500)
	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	streamed, err := DeserializeStreaming(context.Background(), data, 32)
	if err != nil {
		t.Fatalf("DeserializeStreaming: %v", err)
	}
	plain, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(streamed.Message.Values) != len(plain.Message.Values) {
		t.Fatalf("streaming decode produced %d values, plain produced %d",
			len(streamed.Message.Values), len(plain.Message.Values))
	}
}

func TestDeserializeStreamingCancellationDiscardsPartial(t *testing.T) {
	msg := buildTestMessage(t, 1000)
	data, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := DeserializeStreaming(ctx, data, 1)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if len(result.Message.Values) != 0 {
		t.Fatalf("expected no partial values on cancellation, got %d", len(result.Message.Values))
	}
}

func TestDeserializeRejectsBadFilter(t *testing.T) {
	_, err := Deserialize([]byte(`{"ver":"1","f":{"nbits":0,"k":0},"s":0}`))
	if err == nil {
		t.Fatalf("expected decode filter failure for invalid filter encoding")
	}
	var dff *DecodeFilterFailure
	if !asDecodeFilterFailure(err, &dff) {
		t.Fatalf("expected *DecodeFilterFailure, got %T", err)
	}
}

func asDecodeFilterFailure(err error, target **DecodeFilterFailure) bool {
	if dff, ok := err.(*DecodeFilterFailure); ok {
		*target = dff
		return true
	}
	return false
}

// corruptOneCommitID rewrites the JSON so commit index idx has an empty id,
// which commit.New (via Deserialize) rejects, exercising the
// one-bad-commit-must-not-poison-the-batch contract.
func corruptOneCommitID(t *testing.T, data []byte, idx int) []byte {
	t.Helper()
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	commits := raw["c"].([]any)
	entry := commits[idx].(map[string]any)
	entry["id"] = ""
	out, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return out
}

// corruptOneCommitIDType rewrites commit index idx's "id" to a JSON
// number instead of a string — a genuine *json.UnmarshalTypeError when
// decoded into wireCommit, unlike corruptOneCommitID's empty string
// (which decodes cleanly and is only rejected afterward by the ID=="" /
// commit.New checks). This is what actually exercises the per-element
// decode failure path in decodeCommit.
func corruptOneCommitIDType(t *testing.T, data []byte, idx int) []byte {
	t.Helper()
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	commits := raw["c"].([]any)
	entry := commits[idx].(map[string]any)
	entry["id"] = 12345
	out, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return out
}
