// Package stream defines the per-stream state bundle the multi-stream
// scanner swaps in and out of the shared evaluator.
package stream

import (
	"github.com/swarmguard/streamscan/internal/store"
	"github.com/swarmguard/streamscan/internal/vm"
)

// Context is all mutable state owned by exactly one logical stream. It
// never holds a reference into the evaluator's live VM memory; its
// bitmap fields are copies, written by switch_to_stream on the way out
// and read back in on the way in.
type Context struct {
	Store *store.Store

	NonPrivateMatchingRules []int // ordered, unique, in first-matched order
	PrivateMatchingRules    []int
	TempMatchingRules       []int // drain buffer, filled by rule_match_notify during one scan call

	RuleBitmapSnapshot    vm.Bitmap
	PatternBitmapSnapshot vm.Bitmap

	BytesProcessed uint64
	LineCount      uint64
	GlobalOffset   uint64

	ModuleOutputs map[string]any
	Initialized   bool // one-time module init has run for this stream

	numRules    int
	numPatterns int
	patternCap  int
}

// New creates an Uninitialised stream context sized for the compiled
// rule set's dense id ranges.
func New(numRules, numPatterns, patternCap int) *Context {
	return &Context{
		Store:                 store.New(patternCap),
		RuleBitmapSnapshot:    vm.NewBitmap(numRules),
		PatternBitmapSnapshot: vm.NewBitmap(numPatterns),
		ModuleOutputs:         make(map[string]any),
		numRules:              numRules,
		numPatterns:           numPatterns,
		patternCap:            patternCap,
	}
}

// Reset clears the context's stores, vectors, and counters back to the
// Initialised(empty counters) state. It does not touch ModuleOutputs or
// Initialized; module init is one-time per stream for its lifetime, not
// repeated on reset.
func (c *Context) Reset() {
	c.Store.Clear()
	c.NonPrivateMatchingRules = nil
	c.PrivateMatchingRules = nil
	c.TempMatchingRules = nil
	c.RuleBitmapSnapshot.Clear()
	c.PatternBitmapSnapshot.Clear()
	c.BytesProcessed = 0
	c.LineCount = 0
	c.GlobalOffset = 0
}

// HasRule reports whether ruleID is already present in list, used to
// de-duplicate the drain of TempMatchingRules into the persistent vectors.
func HasRule(list []int, ruleID int) bool {
	for _, id := range list {
		if id == ruleID {
			return true
		}
	}
	return false
}
