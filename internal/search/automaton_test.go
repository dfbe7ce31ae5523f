package search

import "testing"

func TestAutomatonBasicMatch(t *testing.T) {
	a := BuildAutomaton(map[int][]byte{0: []byte("abc")})
	hits := a.Scan([]byte("zabcx"))
	if len(hits) != 1 || hits[0].PatternID != 0 || hits[0].Start != 1 || hits[0].End != 4 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestAutomatonOverlappingAtoms(t *testing.T) {
	a := BuildAutomaton(map[int][]byte{0: []byte("aba"), 1: []byte("ba")})
	hits := a.Scan([]byte("ababa"))
	foundIDs := map[int]bool{}
	for _, h := range hits {
		foundIDs[h.PatternID] = true
	}
	if !foundIDs[0] || !foundIDs[1] {
		t.Fatalf("expected both overlapping atoms to be found, got %+v", hits)
	}
}

func TestAutomatonNoAtomsReturnsNil(t *testing.T) {
	a := BuildAutomaton(nil)
	if hits := a.Scan([]byte("anything")); hits != nil {
		t.Fatalf("expected no hits for an empty automaton, got %+v", hits)
	}
}

func TestAutomatonEmptyAtomIgnored(t *testing.T) {
	a := BuildAutomaton(map[int][]byte{0: {}})
	if hits := a.Scan([]byte("anything")); len(hits) != 0 {
		t.Fatalf("expected a zero-length atom to be skipped entirely, got %+v", hits)
	}
}
