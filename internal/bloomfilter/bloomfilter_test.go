package bloomfilter

import (
	"fmt"
	"testing"
)

func TestNoFalseNegatives(t *testing.T) {
	f, err := New(1000, 0.01)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = fmt.Sprintf("commit-%d", i)
		f.Add(ids[i])
	}
	for _, id := range ids {
		if !f.Has(id) {
			t.Fatalf("false negative for %s", id)
		}
	}
}

func TestEmpiricalFPRWithinBound(t *testing.T) {
	const n = 2000
	const fpr = 0.02
	f, err := New(n, fpr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < n; i++ {
		f.Add(fmt.Sprintf("member-%d", i))
	}

	falsePositives := 0
	const sample = 5000
	for i := 0; i < sample; i++ {
		if f.Has(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(sample)
	// Generous slack: the target is a design parameter, not a hard ceiling
	// for any one sample, but a large overshoot indicates a bug.
	if rate > fpr*3 {
		t.Fatalf("empirical FPR %.4f exceeds 3x target %.4f", rate, fpr)
	}
}

func TestTwoFiltersOverSameSetDiffer(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}

	f1, _ := New(200, 0.05)
	f2, _ := New(200, 0.05)
	for _, id := range ids {
		f1.Add(id)
		f2.Add(id)
	}

	e1, e2 := f1.Encode(), f2.Encode()
	if e1.Seed1 == e2.Seed1 && e1.Seed2 == e2.Seed2 {
		t.Fatalf("two independently constructed filters must not share seeds")
	}

	// Find at least one absent id on which the two filters disagree,
	// demonstrating different false-positive surfaces (load-bearing for
	// convergence per the sync engine's design).
	disagree := false
	for i := 0; i < 2000; i++ {
		candidate := fmt.Sprintf("absent-%d", i)
		if f1.Has(candidate) != f2.Has(candidate) {
			disagree = true
			break
		}
	}
	if !disagree {
		t.Fatalf("expected filters built from independent seeds to disagree on at least one absent id")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f, _ := New(500, 0.05)
	added := []string{"a", "b", "c", "commit-42"}
	for _, id := range added {
		f.Add(id)
	}

	encoded := f.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	for _, id := range added {
		if !decoded.Has(id) {
			t.Fatalf("decoded filter lost membership for %s", id)
		}
	}

	// Semantic round trip over a broader sample, including absent ids.
	for i := 0; i < 1000; i++ {
		probe := fmt.Sprintf("probe-%d", i)
		if f.Has(probe) != decoded.Has(probe) {
			t.Fatalf("decoded filter disagrees with original on %s", probe)
		}
	}

	if decoded.N() != f.N() || decoded.FPR() != f.FPR() {
		t.Fatalf("decoded filter lost declared size/fpr metadata")
	}
}

func TestNewRejectsInvalidFPR(t *testing.T) {
	if _, err := New(10, 0); err == nil {
		t.Fatalf("expected error for fpr=0")
	}
	if _, err := New(10, 0.6); err == nil {
		t.Fatalf("expected error for fpr>0.5")
	}
}

func TestDecodeRejectsMismatchedWordCount(t *testing.T) {
	e := Encoded{NBits: 128, K: 3, Seed1: 1, Seed2: 2, N: 10, FPR: 0.1, Words: []uint64{1}}
	if _, err := Decode(e); err == nil {
		t.Fatalf("expected error for mismatched word count")
	}
}
