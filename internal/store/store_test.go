package store

import (
	"math"
	"testing"
)

func TestAddOrdersByStart(t *testing.T) {
	s := New(0)
	s.Add(0, Match{Start: 10, End: 12}, true)
	s.Add(0, Match{Start: 2, End: 4}, true)
	s.Add(0, Match{Start: 6, End: 8}, true)
	list := s.Get(0)
	if len(list) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Start > list[i].Start {
			t.Fatalf("matches not sorted by start: %v", list)
		}
	}
}

func TestAddReplacesLongerAtSameStart(t *testing.T) {
	s := New(0)
	s.Add(0, Match{Start: 5, End: 7}, true)
	s.Add(0, Match{Start: 5, End: 20}, true)
	list := s.Get(0)
	if len(list) != 1 || list[0].End != 20 {
		t.Fatalf("expected the longer match at the same start to replace the shorter one, got %v", list)
	}
}

func TestCapStopsFurtherInserts(t *testing.T) {
	s := New(2)
	if !s.Add(0, Match{Start: 0, End: 1}, true) {
		t.Fatalf("first insert should succeed")
	}
	if !s.Add(0, Match{Start: 1, End: 2}, true) {
		t.Fatalf("second insert should succeed and hit the cap")
	}
	if !s.LimitReached(0) {
		t.Fatalf("expected cap to be reached after 2 inserts with cap=2")
	}
	if s.Add(0, Match{Start: 2, End: 3}, true) {
		t.Fatalf("expected insert to be rejected once the cap is reached")
	}
	if len(s.Get(0)) != 2 {
		t.Fatalf("expected exactly 2 stored matches, got %d", len(s.Get(0)))
	}
}

func TestDedupByTraceID(t *testing.T) {
	s := New(0)
	s.SetDedup(true)
	if !s.Add(0, Match{Start: 0, End: 1, TraceID: "t1"}, true) {
		t.Fatalf("first match with a new trace id should be accepted")
	}
	if s.Add(0, Match{Start: 5, End: 6, TraceID: "t1"}, true) {
		t.Fatalf("a repeat trace id should be rejected under dedup")
	}
	if !s.Add(0, Match{Start: 5, End: 6, TraceID: "t2"}, true) {
		t.Fatalf("a distinct trace id should still be accepted")
	}
	if len(s.Get(0)) != 2 {
		t.Fatalf("expected 2 stored matches, got %d", len(s.Get(0)))
	}
}

func TestDedupIgnoresEmptyTraceID(t *testing.T) {
	s := New(0)
	s.SetDedup(true)
	s.Add(0, Match{Start: 0, End: 1}, true)
	s.Add(0, Match{Start: 2, End: 3}, true)
	if len(s.Get(0)) != 2 {
		t.Fatalf("matches without a trace id are never deduplicated against each other")
	}
}

func TestSearch(t *testing.T) {
	s := New(0)
	s.Add(0, Match{Start: 10, End: 15}, true)
	if !s.Search(0, 12) {
		t.Fatalf("expected offset 12 to fall within [10,15)")
	}
	if s.Search(0, 15) {
		t.Fatalf("end offset is exclusive, 15 must not match")
	}
	if s.Search(0, 9) {
		t.Fatalf("offset before the match must not match")
	}
}

func TestMatchesInRange(t *testing.T) {
	s := New(0)
	s.Add(0, Match{Start: 1, End: 2}, true)
	s.Add(0, Match{Start: 5, End: 6}, true)
	s.Add(0, Match{Start: 9, End: 10}, true)
	if got := s.MatchesInRange(0, 0, 6); got != 2 {
		t.Fatalf("expected 2 matches in [0,6], got %d", got)
	}
	if got := s.MatchesInRange(0, 6, 0); got != 0 {
		t.Fatalf("an inverted range must saturate to 0, got %d", got)
	}
}

func TestOffsetAndLengthSaturateOutOfRange(t *testing.T) {
	s := New(0)
	s.Add(0, Match{Start: 100, End: 110}, true)
	if got := s.Offset(0, 1); got != 100 {
		t.Fatalf("expected offset of 1st match to be 100, got %d", got)
	}
	if got := s.Length(0, 1); got != 10 {
		t.Fatalf("expected length of 1st match to be 10, got %d", got)
	}
	if got := s.Offset(0, 2); got != math.MaxInt64 {
		t.Fatalf("expected an out-of-range index to saturate to MaxInt64, got %d", got)
	}
	if got := s.Length(0, 0); got != math.MaxInt64 {
		t.Fatalf("expected a 0 (sub-1-based) index to saturate to MaxInt64, got %d", got)
	}
}

func TestCount(t *testing.T) {
	s := New(0)
	if s.Count(0) != 0 {
		t.Fatalf("expected count 0 for an unseen pattern")
	}
	s.Add(0, Match{Start: 0, End: 1}, true)
	s.Add(0, Match{Start: 1, End: 2}, true)
	if s.Count(0) != 2 {
		t.Fatalf("expected count 2, got %d", s.Count(0))
	}
}

func TestFindContaining(t *testing.T) {
	s := New(0)
	s.Add(0, Match{Start: 0, End: 5}, true)              // no trace id, skipped
	s.Add(1, Match{Start: 10, End: 20, TraceID: "t"}, true)
	m, ok := s.FindContaining(15)
	if !ok || m.TraceID != "t" {
		t.Fatalf("expected to find the match with a trace id containing offset 15, got %+v, %v", m, ok)
	}
	if _, ok := s.FindContaining(2); ok {
		t.Fatalf("a match without a trace id must never resolve a FindContaining lookup")
	}
}

func TestClear(t *testing.T) {
	s := New(1)
	s.SetDedup(true)
	s.Add(0, Match{Start: 0, End: 1, TraceID: "t"}, true)
	s.Clear()
	if len(s.Get(0)) != 0 {
		t.Fatalf("expected no matches after Clear")
	}
	if s.LimitReached(0) {
		t.Fatalf("expected the cap flag to reset after Clear")
	}
	if !s.Add(0, Match{Start: 0, End: 1, TraceID: "t"}, true) {
		t.Fatalf("expected Clear to reset dedup state so a previously-seen trace id is accepted again")
	}
}
