// Package streamscan implements a streaming, multi-stream pattern-matching
// engine: a YARA-flavoured rule condition is compiled once (see package
// rules) and then evaluated incrementally against any number of named
// streams, each identified by a UUID, via repeated ScanLine/ScanChunk
// calls. One sandboxed evaluator and one pattern-search service are shared
// across every stream; only the cheap per-stream bookkeeping (match store,
// rule vectors, bitmap snapshots, counters) is swapped in and out.
package streamscan

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/streamscan/internal/offsetcache"
	"github.com/swarmguard/streamscan/internal/rules"
	"github.com/swarmguard/streamscan/internal/search"
	"github.com/swarmguard/streamscan/internal/store"
	"github.com/swarmguard/streamscan/internal/stream"
	"github.com/swarmguard/streamscan/internal/vm"
)

// ScanErrorKind classifies the failure modes a scan call can surface.
// Every fallible signed/host-index conversion on the hot path is
// handled internally with a safe default instead of surfacing a new
// error kind here.
type ScanErrorKind int

const (
	ErrTimeout ScanErrorKind = iota
	ErrEvaluatorAborted
	ErrBufferBinding
	ErrModuleInit
	ErrOffsetCache
)

func (k ScanErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "Timeout"
	case ErrEvaluatorAborted:
		return "EvaluatorAborted"
	case ErrBufferBinding:
		return "BufferBindingError"
	case ErrModuleInit:
		return "ModuleInitFailure"
	case ErrOffsetCache:
		return "OffsetCacheError"
	default:
		return "Unknown"
	}
}

// ScanError is the typed error surfaced by a scan call. The scanner's
// active-stream pointer is always restored before a scan call returns,
// successfully or not, so a ScanError never leaves the scanner unusable.
type ScanError struct {
	Kind  ScanErrorKind
	Cause error
}

func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("streamscan: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("streamscan: %s", e.Kind)
}

func (e *ScanError) Unwrap() error { return e.Cause }

// RuleMatchCallback is invoked once per currently-matching non-private
// rule, per scan call, with the deduplicated union of trace-ids
// contributed by that rule's patterns in the calling stream.
type RuleMatchCallback func(namespace string, streamID uuid.UUID, ruleIdentifier string, traceIDs []string)

// ModuleInit is a module collaborator's initialiser: called with no input
// once per stream, the first time that stream is touched, producing the
// structure installed under the module's name in the stream's outputs.
type ModuleInit func() (map[string]any, error)

// StreamResultsView is a read-only snapshot of one stream's accumulated
// state, returned by GetMatches and CloseStream.
type StreamResultsView struct {
	MatchingRules  []rules.Rule
	TraceIDs       []string
	BytesProcessed uint64
	LineCount      uint64
}

// FinalStreamResults is the terminal view returned by CloseStream; it
// carries the same fields as StreamResultsView, named separately to match
// the external interface's vocabulary.
type FinalStreamResults = StreamResultsView

// Scanner is the multi-stream engine: one compiled rule set, one shared
// evaluator and pattern-search service, and a table of per-stream
// contexts. Operations are synchronous and non-reentrant: callers must
// not invoke two methods on the same Scanner concurrently.
type Scanner struct {
	compiled *rules.Compiled
	eval     *vm.Evaluator
	svc      *search.Service

	ruleBitmap    vm.Bitmap // the VM's "live" bitmaps; valid for the active stream only
	patternBitmap vm.Bitmap

	ruleByID map[int]rules.Rule

	streams      map[string]*stream.Context
	activeStream string // "" means no active stream

	timeout     time.Duration
	offsetCache *offsetcache.Cache
	dedup       bool
	callback    RuleMatchCallback
	modules     []namedModule
}

type namedModule struct {
	name string
	init ModuleInit
}

// NewScanner builds a scanner over one compiled rule set, which is
// borrowed read-only and may be shared by many scanners.
func NewScanner(compiled *rules.Compiled) (*Scanner, error) {
	svc, err := search.NewService(compiled.Patterns)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]rules.Rule, len(compiled.Rules))
	for _, r := range compiled.Rules {
		byID[r.ID] = r
	}
	return &Scanner{
		compiled:      compiled,
		eval:          vm.New(),
		svc:           svc,
		ruleBitmap:    vm.NewBitmap(len(compiled.Rules)),
		patternBitmap: vm.NewBitmap(len(compiled.Patterns)),
		ruleByID:      byID,
		streams:       make(map[string]*stream.Context),
	}, nil
}

// RegisterModule adds a module collaborator, initialised once per stream
// on that stream's first activation, in registration order.
func (s *Scanner) RegisterModule(name string, init ModuleInit) {
	s.modules = append(s.modules, namedModule{name: name, init: init})
}

// SetTimeout bounds every subsequent scan call to d; a non-positive d
// disables the timeout. The shared heartbeat goroutine (see internal/vm)
// is started lazily by the first scan call that runs with a positive
// timeout.
func (s *Scanner) SetTimeout(d time.Duration) { s.timeout = d }

// EnableOffsetCache opens (or creates) a durable offset cache at path and
// wires the pattern-search service to populate it with every matched
// line that carries a trace-id, and the read host import to fall back to
// it for out-of-window reads.
func (s *Scanner) EnableOffsetCache(path string) error {
	oc, err := offsetcache.Open(offsetcache.Config{Path: path})
	if err != nil {
		return &ScanError{Kind: ErrOffsetCache, Cause: err}
	}
	s.offsetCache = oc
	s.svc.CacheLine = oc.PutLine
	return nil
}

// EnableDeduplication toggles per-stream, per-pattern trace-id
// deduplication for every existing and future stream context.
func (s *Scanner) EnableDeduplication(on bool) {
	s.dedup = on
	for _, ctx := range s.streams {
		ctx.Store.SetDedup(on)
	}
}

// SetRuleMatchCallback installs the callback invoked once per currently
// matching non-private rule at the end of every scan call.
func (s *Scanner) SetRuleMatchCallback(cb RuleMatchCallback) { s.callback = cb }

// ensureStream looks up or creates streamID's context. On create it runs
// one-time module initialisation; a failure there leaves the stream
// absent from the table so the caller may retry.
func (s *Scanner) ensureStream(streamID string) (*stream.Context, error) {
	if ctx, ok := s.streams[streamID]; ok {
		return ctx, nil
	}
	ctx := stream.New(len(s.compiled.Rules), len(s.compiled.Patterns), 0)
	ctx.Store.SetDedup(s.dedup)
	for _, m := range s.modules {
		out, err := m.init()
		if err != nil {
			return nil, &ScanError{Kind: ErrModuleInit, Cause: fmt.Errorf("module %q: %w", m.name, err)}
		}
		ctx.ModuleOutputs[m.name] = out
	}
	ctx.Initialized = true
	s.streams[streamID] = ctx
	return ctx, nil
}

// switchToStream installs streamID as the active stream, saving out the
// previously active context's bitmaps (if any) and installing the
// target's. It is a no-op if streamID is already active.
func (s *Scanner) switchToStream(streamID string) error {
	if s.activeStream == streamID {
		return nil
	}
	// Resolve (and possibly create) the target before touching the
	// currently active stream, so a ModuleInitFailure leaves the scanner's
	// active-stream pointer untouched.
	target, err := s.ensureStream(streamID)
	if err != nil {
		return err
	}
	if s.activeStream != "" {
		if prev, ok := s.streams[s.activeStream]; ok {
			prev.RuleBitmapSnapshot.CopyFrom(s.ruleBitmap)
			prev.PatternBitmapSnapshot.CopyFrom(s.patternBitmap)
		}
	}
	s.ruleBitmap.CopyFrom(target.RuleBitmapSnapshot)
	s.patternBitmap.CopyFrom(target.PatternBitmapSnapshot)
	s.activeStream = streamID
	return nil
}

// readAt implements the VM's read_{u,i}{8,16,32,64}_at host imports: the
// current chunk window is checked first; only when that fails, and an
// offset cache is enabled, is a stored Match's trace-id used to fetch the
// enclosing line from the cache. Any failure at either layer returns
// ok=false rather than an error.
func (s *Scanner) readAt(ctx *stream.Context, preCallOffset uint64, data []byte) vm.ReadFunc {
	return func(offset int64, width int, signed bool) (int64, bool) {
		if offset < 0 || width <= 0 {
			return 0, false
		}
		off := uint64(offset)
		if off >= preCallOffset {
			local := off - preCallOffset
			if local+uint64(width) <= uint64(len(data)) {
				return decodeInt(data[local:local+uint64(width)], signed), true
			}
		}
		if s.offsetCache == nil {
			return 0, false
		}
		m, ok := ctx.Store.FindContaining(off)
		if !ok {
			return 0, false
		}
		b, ok := s.offsetCache.ReadAt(m.TraceID, off, width)
		if !ok {
			return 0, false
		}
		return decodeInt(b, signed), true
	}
}

func decodeInt(b []byte, signed bool) int64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = (u << 8) | uint64(b[i])
	}
	if !signed {
		return int64(u)
	}
	switch len(b) {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

// scanUnit is the shared scan_line/scan_chunk procedure. isLine selects
// the line_count update rule: exactly +1 for line mode regardless of
// content, or a newline-byte count for chunk mode.
func (s *Scanner) scanUnit(streamID uuid.UUID, data []byte, isLine bool) error {
	id := streamID.String()
	if err := s.switchToStream(id); err != nil {
		return err
	}
	ctx := s.streams[id]
	preOffset := ctx.GlobalOffset

	evalCtx := &vm.EvalContext{
		Rules:         s.compiled,
		Store:         ctx.Store,
		PatternBitmap: s.patternBitmap,
		RuleBitmap:    s.ruleBitmap,
		Data:          data,
		FileSize:      int64(len(data)),
		GlobalOffset:  preOffset,
		Search:        s.svc.SearchFunc(),
		ReadAt:        s.readAt(ctx, preOffset, data),
		RuleMatchNotify: func(ruleID int) {
			ctx.TempMatchingRules = append(ctx.TempMatchingRules, ruleID)
		},
		Deadline: vm.NewDeadline(s.timeout),
	}

	status, err := s.eval.Run(evalCtx)
	switch status {
	case vm.Timedout:
		return &ScanError{Kind: ErrTimeout}
	case vm.Aborted:
		return &ScanError{Kind: ErrEvaluatorAborted, Cause: err}
	}

	for _, rid := range ctx.TempMatchingRules {
		rule, ok := s.ruleByID[rid]
		if !ok {
			continue
		}
		if rule.Private {
			if !stream.HasRule(ctx.PrivateMatchingRules, rid) {
				ctx.PrivateMatchingRules = append(ctx.PrivateMatchingRules, rid)
			}
		} else {
			if !stream.HasRule(ctx.NonPrivateMatchingRules, rid) {
				ctx.NonPrivateMatchingRules = append(ctx.NonPrivateMatchingRules, rid)
			}
		}
	}
	ctx.TempMatchingRules = nil

	if s.callback != nil {
		for _, rid := range ctx.NonPrivateMatchingRules {
			rule := s.ruleByID[rid]
			s.callback(rule.Namespace, streamID, rule.Name, s.collectTraceIDs(ctx, rule))
		}
	}

	ctx.BytesProcessed += uint64(len(data))
	if isLine {
		ctx.LineCount++
	} else {
		ctx.LineCount += uint64(bytes.Count(data, []byte{'\n'}))
	}
	ctx.GlobalOffset = preOffset + uint64(len(data))
	return nil
}

// collectTraceIDs returns the sorted, deduplicated union of trace-ids
// across every pattern rule references, within ctx's store.
func (s *Scanner) collectTraceIDs(ctx *stream.Context, rule rules.Rule) []string {
	seen := make(map[string]struct{})
	for _, pid := range rule.PatternIDs {
		for _, m := range ctx.Store.Get(pid) {
			if m.TraceID != "" {
				seen[m.TraceID] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ScanLine submits line to streamID. Pattern matching never spans the
// boundary of one scan_line call.
func (s *Scanner) ScanLine(streamID uuid.UUID, line []byte) error {
	return s.scanUnit(streamID, line, true)
}

// ScanChunk submits bytes to streamID; patterns may span a prior chunk's
// tail and this chunk only if the pattern search can observe both within
// the bytes bound for this single call (no automatic sliding window is
// performed by the scanner itself).
func (s *Scanner) ScanChunk(streamID uuid.UUID, chunk []byte) error {
	return s.scanUnit(streamID, chunk, false)
}

// view builds a StreamResultsView from ctx's current state.
func (s *Scanner) view(ctx *stream.Context) *StreamResultsView {
	v := &StreamResultsView{
		BytesProcessed: ctx.BytesProcessed,
		LineCount:      ctx.LineCount,
	}
	for _, rid := range ctx.NonPrivateMatchingRules {
		v.MatchingRules = append(v.MatchingRules, s.ruleByID[rid])
	}
	for _, rid := range ctx.PrivateMatchingRules {
		v.MatchingRules = append(v.MatchingRules, s.ruleByID[rid])
	}
	seen := make(map[string]struct{})
	for _, rule := range v.MatchingRules {
		for _, pid := range rule.PatternIDs {
			for _, m := range ctx.Store.Get(pid) {
				if m.TraceID != "" {
					seen[m.TraceID] = struct{}{}
				}
			}
		}
	}
	for id := range seen {
		v.TraceIDs = append(v.TraceIDs, id)
	}
	sort.Strings(v.TraceIDs)
	return v
}

// GetMatches returns the current results view for streamID, or ok=false
// if the stream is unknown.
func (s *Scanner) GetMatches(streamID uuid.UUID) (*StreamResultsView, bool) {
	ctx, ok := s.streams[streamID.String()]
	if !ok {
		return nil, false
	}
	return s.view(ctx), true
}

// ResetStream clears streamID's stores, vectors, and counters back to
// zero. If it is the active stream, the VM's live bitmaps are zeroed too.
func (s *Scanner) ResetStream(streamID uuid.UUID) {
	id := streamID.String()
	ctx, ok := s.streams[id]
	if !ok {
		return
	}
	ctx.Reset()
	if s.activeStream == id {
		s.ruleBitmap.Clear()
		s.patternBitmap.Clear()
	}
}

// CloseStream returns streamID's final results view and removes it from
// the table, freeing its memory.
func (s *Scanner) CloseStream(streamID uuid.UUID) (*FinalStreamResults, bool) {
	id := streamID.String()
	ctx, ok := s.streams[id]
	if !ok {
		return nil, false
	}
	final := s.view(ctx)
	delete(s.streams, id)
	if s.activeStream == id {
		s.activeStream = ""
	}
	return final, true
}

// ActiveStreams returns every known stream id, in no particular order.
func (s *Scanner) ActiveStreams() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.streams))
	for id := range s.streams {
		if parsed, err := uuid.Parse(id); err == nil {
			out = append(out, parsed)
		}
	}
	return out
}

// matchSizeEstimate approximates the resident bytes of one stored Match
// (two uint64 offsets, a string header plus its data, and an optional
// XOR key byte) for ContextsMemoryUsage's estimate.
const matchSizeEstimate = 8 + 8 + 16 + 1

// ContextsMemoryUsage returns a rough byte estimate of the memory held by
// every stream context plus the two live bitmaps. It is documented as an
// estimate, not an exact accounting.
func (s *Scanner) ContextsMemoryUsage() uint64 {
	total := uint64(len(s.ruleBitmap) + len(s.patternBitmap))
	for _, ctx := range s.streams {
		total += uint64(len(ctx.RuleBitmapSnapshot) + len(ctx.PatternBitmapSnapshot))
		total += uint64(len(ctx.NonPrivateMatchingRules)+len(ctx.PrivateMatchingRules)+len(ctx.TempMatchingRules)) * 8
		ctx.Store.Iter(func(patternID int, matches []store.Match) {
			total += uint64(len(matches)) * matchSizeEstimate
			for _, m := range matches {
				total += uint64(len(m.TraceID))
			}
		})
	}
	return total
}
