package vm

import (
	"errors"

	"github.com/swarmguard/streamscan/internal/rules"
	"github.com/swarmguard/streamscan/internal/store"
)

// Status is the evaluator's per-call outcome, mirroring the sandbox
// contract's three-way result.
type Status int

const (
	OK Status = iota
	Timedout
	Aborted
)

// ErrAborted wraps a host-import failure into the Aborted status.
var ErrAborted = errors.New("evaluator aborted: host import failed")

// ReadFunc implements the VM's read_{u,i}{8,16,32,64}_at host import: it
// must apply the hybrid fast path (current chunk window first, then the
// offset cache), returning ok=false rather than an error when neither
// path can resolve the offset.
type ReadFunc func(offset int64, width int, signed bool) (value int64, ok bool)

// SearchFunc implements search_for_patterns: it scans ctx.Data exactly
// once, recording matches into ctx.Store and flipping bits in
// ctx.PatternBitmap. Errors here abort the scan call.
type SearchFunc func(ctx *EvalContext) error

// NotifyFunc implements rule_match_notify: invoked once per rule the
// moment its bit transitions 0->1 in this call.
type NotifyFunc func(ruleID int)

// EvalContext is the bound, per-call state the interpreter walks. It is
// re-bound by the multi-stream scanner before every scan_line/scan_chunk
// invocation; nothing here survives a call except via the stream
// context's own snapshot/store, which the scanner copies in and out.
type EvalContext struct {
	Rules             *rules.Compiled
	Store             *store.Store
	PatternBitmap     Bitmap
	RuleBitmap        Bitmap
	Data              []byte
	FileSize          int64
	GlobalOffset      uint64 // pre-call value; see search package for its use
	PatternSearchDone bool

	Search          SearchFunc
	ReadAt          ReadFunc
	RuleMatchNotify NotifyFunc

	Deadline Deadline
}

// Evaluator walks compiled condition trees against an EvalContext. It
// holds no per-stream state itself; every field it touches lives on the
// EvalContext or in the stream's copied-in bitmaps/store.
type Evaluator struct{}

// New constructs an Evaluator. It is stateless; one instance is shared by
// every stream in a scanner, with per-stream state passed in via EvalContext.
func New() *Evaluator { return &Evaluator{} }

// Run evaluates every compiled rule against ctx, in rule-id order. Each
// newly-true non-private or private rule flips its bit in ctx.RuleBitmap
// (monotone within a stream since Bitmap.Set only ORs) and fires
// ctx.RuleMatchNotify exactly once, on the 0->1 edge.
func (e *Evaluator) Run(ctx *EvalContext) (Status, error) {
	for _, rule := range ctx.Rules.Rules {
		if ctx.Deadline.Expired() {
			return Timedout, nil
		}
		val, err := e.evalBool(ctx, rule.Condition)
		if err != nil {
			return Aborted, err
		}
		if ctx.Deadline.Expired() {
			return Timedout, nil
		}
		if val && !ctx.RuleBitmap.Get(rule.ID) {
			ctx.RuleBitmap.Set(rule.ID)
			if ctx.RuleMatchNotify != nil {
				ctx.RuleMatchNotify(rule.ID)
			}
		}
	}
	return OK, nil
}

func (e *Evaluator) ensureSearch(ctx *EvalContext) error {
	if ctx.PatternSearchDone {
		return nil
	}
	ctx.PatternSearchDone = true
	if ctx.Search == nil {
		return nil
	}
	if err := ctx.Search(ctx); err != nil {
		return ErrAborted
	}
	return nil
}

func (e *Evaluator) evalBool(ctx *EvalContext, expr rules.Expr) (bool, error) {
	if ctx.Deadline.Expired() {
		return false, nil
	}
	switch x := expr.(type) {
	case rules.BoolLiteral:
		return x.Value, nil
	case rules.PatternPresent:
		if err := e.ensureSearch(ctx); err != nil {
			return false, err
		}
		return ctx.PatternBitmap.Get(x.PatternID), nil
	case rules.Not:
		v, err := e.evalBool(ctx, x.Operand)
		if err != nil {
			return false, err
		}
		return !v, nil
	case rules.And:
		for _, op := range x.Operands {
			v, err := e.evalBool(ctx, op)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
			if ctx.Deadline.Expired() {
				return false, nil
			}
		}
		return true, nil
	case rules.Or:
		for _, op := range x.Operands {
			v, err := e.evalBool(ctx, op)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
			if ctx.Deadline.Expired() {
				return false, nil
			}
		}
		return false, nil
	case rules.Compare:
		l, lok, err := e.evalInt(ctx, x.Left)
		if err != nil {
			return false, err
		}
		r, rok, err := e.evalInt(ctx, x.Right)
		if err != nil {
			return false, err
		}
		if !lok || !rok {
			// An operand that cannot be resolved (offset outside every
			// scanned window and cache) resolves the comparison to false
			// rather than aborting the scan call.
			return false, nil
		}
		switch x.Op {
		case rules.Eq:
			return l == r, nil
		case rules.Ne:
			return l != r, nil
		case rules.Lt:
			return l < r, nil
		case rules.Le:
			return l <= r, nil
		case rules.Gt:
			return l > r, nil
		case rules.Ge:
			return l >= r, nil
		}
	}
	return false, nil
}

func (e *Evaluator) evalInt(ctx *EvalContext, expr rules.IntExpr) (val int64, ok bool, err error) {
	switch x := expr.(type) {
	case rules.IntLiteral:
		return x.Value, true, nil
	case rules.FileSize:
		return ctx.FileSize, true, nil
	case rules.PatternCount:
		if err := e.ensureSearch(ctx); err != nil {
			return 0, false, err
		}
		return ctx.Store.Count(x.PatternID), true, nil
	case rules.PatternCountIn:
		if err := e.ensureSearch(ctx); err != nil {
			return 0, false, err
		}
		lo, _, err := e.evalInt(ctx, x.Lo)
		if err != nil {
			return 0, false, err
		}
		hi, _, err := e.evalInt(ctx, x.Hi)
		if err != nil {
			return 0, false, err
		}
		return ctx.Store.MatchesInRange(x.PatternID, lo, hi), true, nil
	case rules.PatternOffset:
		if err := e.ensureSearch(ctx); err != nil {
			return 0, false, err
		}
		return ctx.Store.Offset(x.PatternID, x.Index), true, nil
	case rules.PatternLength:
		if err := e.ensureSearch(ctx); err != nil {
			return 0, false, err
		}
		return ctx.Store.Length(x.PatternID, x.Index), true, nil
	case rules.ReadInt:
		off, ok, err := e.evalInt(ctx, x.Offset)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
		if ctx.ReadAt == nil {
			return 0, false, nil
		}
		v, ok := ctx.ReadAt(off, x.Width, x.Signed)
		return v, ok, nil
	case rules.Add:
		a, aok, err := e.evalInt(ctx, x.A)
		if err != nil {
			return 0, false, err
		}
		b, bok, err := e.evalInt(ctx, x.B)
		if err != nil {
			return 0, false, err
		}
		if !aok || !bok {
			return 0, false, nil
		}
		return saturatingAdd(a, b), true, nil
	case rules.Sub:
		a, aok, err := e.evalInt(ctx, x.A)
		if err != nil {
			return 0, false, err
		}
		b, bok, err := e.evalInt(ctx, x.B)
		if err != nil {
			return 0, false, err
		}
		if !aok || !bok {
			return 0, false, nil
		}
		return saturatingSub(a, b), true, nil
	}
	return 0, false, nil
}

const maxInt64 = 1<<63 - 1
const minInt64 = -1 << 63

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		if b > 0 {
			return maxInt64
		}
		return minInt64
	}
	return sum
}

func saturatingSub(a, b int64) int64 {
	if b == minInt64 {
		if a >= 0 {
			return maxInt64
		}
		return minInt64
	}
	return saturatingAdd(a, -b)
}
