package search

import (
	"testing"

	"github.com/swarmguard/streamscan/internal/rules"
	"github.com/swarmguard/streamscan/internal/store"
	"github.com/swarmguard/streamscan/internal/vm"
)

func newScanCtx(s *store.Store, numPatterns int, data []byte, globalOffset uint64) *vm.EvalContext {
	return &vm.EvalContext{
		Store:         s,
		PatternBitmap: vm.NewBitmap(numPatterns),
		Data:          data,
		GlobalOffset:  globalOffset,
	}
}

func TestServiceLiteralMatch(t *testing.T) {
	patterns := []rules.Pattern{{ID: 0, Name: "$a", Kind: rules.KindLiteral, Literal: []byte("ERROR")}}
	svc, err := NewService(patterns)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	s := store.New(0)
	ctx := newScanCtx(s, 1, []byte("an ERROR occurred"), 0)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !ctx.PatternBitmap.Get(0) {
		t.Fatalf("expected pattern 0 to be marked present")
	}
	matches := s.Get(0)
	if len(matches) != 1 || matches[0].Start != 3 || matches[0].End != 8 {
		t.Fatalf("unexpected match: %+v", matches)
	}
}

func TestServiceGlobalOffsetShift(t *testing.T) {
	patterns := []rules.Pattern{{ID: 0, Name: "$a", Kind: rules.KindLiteral, Literal: []byte("x")}}
	svc, _ := NewService(patterns)
	s := store.New(0)
	ctx := newScanCtx(s, 1, []byte("zzxzz"), 1000)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	m := s.Get(0)[0]
	if m.Start != 1002 || m.End != 1003 {
		t.Fatalf("expected match shifted by the pre-call global offset, got %+v", m)
	}
}

func TestServiceNocaseMatch(t *testing.T) {
	patterns := []rules.Pattern{{ID: 0, Name: "$a", Kind: rules.KindLiteral, Literal: []byte("password"), Nocase: true}}
	svc, _ := NewService(patterns)
	s := store.New(0)
	ctx := newScanCtx(s, 1, []byte("PASSWORD=hunter2"), 0)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(s.Get(0)) != 1 {
		t.Fatalf("expected a case-insensitive match, got %v", s.Get(0))
	}
}

func TestServiceXORMatch(t *testing.T) {
	key := byte(0x5a)
	plain := []byte("secret")
	xored := make([]byte, len(plain))
	for i, b := range plain {
		xored[i] = b ^ key
	}
	data := append([]byte("prefix-"), xored...)
	patterns := []rules.Pattern{{ID: 0, Name: "$a", Kind: rules.KindLiteral, Literal: plain, XOR: true}}
	svc, _ := NewService(patterns)
	s := store.New(0)
	ctx := newScanCtx(s, 1, data, 0)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	matches := s.Get(0)
	if len(matches) != 1 {
		t.Fatalf("expected exactly one XOR match across all 256 keys, got %v", matches)
	}
	if matches[0].XORKey == nil || *matches[0].XORKey != key {
		t.Fatalf("expected the recovered key to be 0x%x, got %+v", key, matches[0].XORKey)
	}
}

func TestServiceRegexMatch(t *testing.T) {
	patterns := []rules.Pattern{{ID: 0, Name: "$a", Kind: rules.KindRegex, RegexSrc: `[0-9]{3}-[0-9]{4}`}}
	svc, err := NewService(patterns)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	s := store.New(0)
	ctx := newScanCtx(s, 1, []byte("call 555-1234 now"), 0)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(s.Get(0)) != 1 {
		t.Fatalf("expected one regex match, got %v", s.Get(0))
	}
}

func TestServiceHexChainedTailMatch(t *testing.T) {
	patterns := []rules.Pattern{{
		ID: 0, Name: "$a", Kind: rules.KindHex,
		Literal: []byte{0x41, 0x42},
		HexTail: []rules.HexSegment{
			{Wildcard: true, JumpMin: 1, JumpMax: 1},
			{Literal: []byte{0x43}},
		},
	}}
	svc, _ := NewService(patterns)
	s := store.New(0)
	data := []byte{0x00, 0x41, 0x42, 0xFF, 0x43, 0x00}
	ctx := newScanCtx(s, 1, data, 0)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	matches := s.Get(0)
	if len(matches) != 1 || matches[0].Start != 1 || matches[0].End != 5 {
		t.Fatalf("unexpected hex match: %+v", matches)
	}
}

func TestServiceHexChainedTailNoMatchWhenJumpTooFar(t *testing.T) {
	patterns := []rules.Pattern{{
		ID: 0, Name: "$a", Kind: rules.KindHex,
		Literal: []byte{0x41, 0x42},
		HexTail: []rules.HexSegment{
			{Wildcard: true, JumpMin: 1, JumpMax: 1},
			{Literal: []byte{0x43}},
		},
	}}
	svc, _ := NewService(patterns)
	s := store.New(0)
	data := []byte{0x41, 0x42, 0xFF, 0xFF, 0x43}
	ctx := newScanCtx(s, 1, data, 0)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(s.Get(0)) != 0 {
		t.Fatalf("expected no match when the tail literal falls outside the fixed jump, got %v", s.Get(0))
	}
}

func TestServiceCacheLineHookFiresWithGlobalLineStart(t *testing.T) {
	patterns := []rules.Pattern{{ID: 0, Name: "$a", Kind: rules.KindLiteral, Literal: []byte("ERROR")}}
	svc, _ := NewService(patterns)
	var gotTrace string
	var gotStart uint64
	var gotLine []byte
	svc.CacheLine = func(traceID string, globalLineStart uint64, line []byte) {
		gotTrace = traceID
		gotStart = globalLineStart
		gotLine = append([]byte(nil), line...)
	}
	s := store.New(0)
	data := []byte("prefix\nERROR id=\"abc\" suffix\n")
	ctx := newScanCtx(s, 1, data, 500)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if gotTrace != "abc" {
		t.Fatalf("expected trace id \"abc\", got %q", gotTrace)
	}
	wantLineStart := uint64(500 + len("prefix\n"))
	if gotStart != wantLineStart {
		t.Fatalf("expected global line start %d, got %d", wantLineStart, gotStart)
	}
	if string(gotLine) != `ERROR id="abc" suffix` {
		t.Fatalf("unexpected cached line: %q", gotLine)
	}
}

func TestServiceCacheLineHookNotCalledWithoutTraceID(t *testing.T) {
	patterns := []rules.Pattern{{ID: 0, Name: "$a", Kind: rules.KindLiteral, Literal: []byte("ERROR")}}
	svc, _ := NewService(patterns)
	called := false
	svc.CacheLine = func(traceID string, globalLineStart uint64, line []byte) { called = true }
	s := store.New(0)
	ctx := newScanCtx(s, 1, []byte("ERROR with no quoted trace id"), 0)
	if err := svc.SearchFunc()(ctx); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if called {
		t.Fatalf("CacheLine must not fire when trace-id extraction failed")
	}
}
