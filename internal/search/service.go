// Package search implements the pattern-search service: the host-side
// multi-pattern matcher the VM invokes, lazily and at most once per scan
// call, to populate the pattern bitmap and match store for the data
// buffer currently bound to the evaluator.
package search

import (
	"bytes"

	"github.com/coregx/coregex"

	"github.com/swarmguard/streamscan/internal/rules"
	"github.com/swarmguard/streamscan/internal/store"
	"github.com/swarmguard/streamscan/internal/traceid"
	"github.com/swarmguard/streamscan/internal/vm"
)

// Service holds the compiled automata and regex matchers derived from one
// rule set's pattern table. It is immutable after construction and safe
// to share across every stream's scan calls (the host-side analogue of
// the shared evaluator: only the data buffer and per-stream store change
// from call to call).
type Service struct {
	patterns []rules.Pattern

	exact   *Automaton // literal (case-sensitive) atoms + hex pattern heads
	nocase  *Automaton // lower-cased atoms for nocase literals
	regexes map[int]*coregex.Regex
	xorPats []rules.Pattern

	// CacheLine, when set, is invoked for every match candidate whose line
	// yields a trace-id (so once per such match, not once per line), with
	// the trace-id, the line's global start offset and its raw bytes, so
	// the caller can populate the offset cache for later out-of-window
	// integer reads. It is never invoked for matches whose trace-id
	// extraction failed.
	CacheLine func(traceID string, globalLineStart uint64, line []byte)
}

// NewService builds the pattern-search service for one compiled rule set.
func NewService(patterns []rules.Pattern) (*Service, error) {
	exactAtoms := make(map[int][]byte)
	nocaseAtoms := make(map[int][]byte)
	regexes := make(map[int]*coregex.Regex)
	var xorPats []rules.Pattern

	for _, p := range patterns {
		switch p.Kind {
		case rules.KindLiteral:
			if p.XOR {
				xorPats = append(xorPats, p)
				continue
			}
			if p.Nocase {
				nocaseAtoms[p.ID] = bytes.ToLower(p.Literal)
			} else {
				exactAtoms[p.ID] = p.Literal
			}
		case rules.KindHex:
			exactAtoms[p.ID] = p.Literal // head literal seeds the automaton
		case rules.KindRegex:
			re, err := coregex.Compile(p.RegexSrc)
			if err != nil {
				return nil, err
			}
			regexes[p.ID] = re
		}
	}

	return &Service{
		patterns: patterns,
		exact:    BuildAutomaton(exactAtoms),
		nocase:   BuildAutomaton(nocaseAtoms),
		regexes:  regexes,
		xorPats:  xorPats,
	}, nil
}

// SearchFunc returns the vm.SearchFunc the evaluator invokes lazily and
// at most once per scan call.
func (s *Service) SearchFunc() vm.SearchFunc {
	return s.scan
}

func (s *Service) patternByID(id int) rules.Pattern {
	for _, p := range s.patterns {
		if p.ID == id {
			return p
		}
	}
	return rules.Pattern{}
}

func (s *Service) scan(ctx *vm.EvalContext) error {
	data := ctx.Data
	if len(data) == 0 {
		return nil
	}

	for _, h := range s.exact.Scan(data) {
		pat := s.patternByID(h.PatternID)
		switch pat.Kind {
		case rules.KindHex:
			if end, ok := matchHexTail(data, h.End, pat.HexTail); ok {
				s.record(ctx, pat.ID, data, h.Start, end, nil)
			}
		default:
			s.record(ctx, pat.ID, data, h.Start, h.End, nil)
		}
	}

	if folded := bytes.ToLower(data); len(s.nocase.atomLen) > 0 {
		for _, h := range s.nocase.Scan(folded) {
			s.record(ctx, h.PatternID, data, h.Start, h.End, nil)
		}
	}

	for id, re := range s.regexes {
		for _, loc := range re.FindAllIndex(data, -1) {
			s.record(ctx, id, data, loc[0], loc[1], nil)
		}
	}

	for _, pat := range s.xorPats {
		for key := 0; key < 256; key++ {
			k := byte(key)
			needle := xorBytes(pat.Literal, k)
			start := 0
			for {
				idx := bytes.Index(data[start:], needle)
				if idx < 0 {
					break
				}
				pos := start + idx
				kk := k
				s.record(ctx, pat.ID, data, pos, pos+len(needle), &kk)
				start = pos + 1
			}
		}
	}
	return nil
}

// record converts a chunk-local [start,end) candidate into a stored
// global-coordinate match: trace-id extraction happens first, on the
// still-in-scope chunk-local range, before the range is shifted by the
// stream's pre-call global offset.
func (s *Service) record(ctx *vm.EvalContext, patternID int, data []byte, start, end int, xorKey *byte) {
	trace, ok := traceid.Extract(data, start, end)
	m := store.Match{
		Start:   ctx.GlobalOffset + uint64(start),
		End:     ctx.GlobalOffset + uint64(end),
		TraceID: trace,
		XORKey:  xorKey,
	}
	if ctx.Store.Add(patternID, m, true) {
		ctx.PatternBitmap.Set(patternID)
	}
	if ok && s.CacheLine != nil {
		if lineStart, lineEnd, lok := traceid.LineBounds(data, start, end); lok {
			s.CacheLine(trace, ctx.GlobalOffset+uint64(lineStart), data[lineStart:lineEnd])
		}
	}
}

func xorBytes(b []byte, key byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ key
	}
	return out
}

// matchHexTail verifies the chained tail of a hex pattern (wildcards,
// fixed/ranged jumps, and interleaved literal runs) starting immediately
// after the head literal's automaton hit, backtracking over jump ranges
// as needed. It returns the end of the combined head+tail match.
func matchHexTail(data []byte, pos int, segs []rules.HexSegment) (int, bool) {
	if len(segs) == 0 {
		return pos, true
	}
	seg := segs[0]
	if seg.Wildcard && len(seg.Literal) == 0 {
		for skip := seg.JumpMin; skip <= seg.JumpMax; skip++ {
			next := pos + skip
			if next > len(data) {
				break
			}
			if end, ok := matchHexTail(data, next, segs[1:]); ok {
				return end, true
			}
		}
		return 0, false
	}
	end := pos + len(seg.Literal)
	if end > len(data) || !bytes.Equal(data[pos:end], seg.Literal) {
		return 0, false
	}
	return matchHexTail(data, end, segs[1:])
}
