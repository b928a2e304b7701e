// Package orderbook reconstructs per-symbol order books from snapshots and deltas.
package orderbook

import "github.com/coachpo/meltica-streams/internal/domain/schema"

// Verdict is the outcome of a contiguity check.
type Verdict uint8

const (
	// VerdictApply means the delta continues the book.
	VerdictApply Verdict = iota
	// VerdictSkip means the delta is entirely covered by the book already.
	VerdictSkip
	// VerdictGap means updates were missed.
	VerdictGap
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictSkip:
		return "skip"
	case VerdictGap:
		return "gap"
	default:
		return "unknown"
	}
}

// ContiguityRule decides whether a delta may be applied to a book whose last applied
// update id is last. Exchanges disagree on the rule so it is configured per exchange.
type ContiguityRule func(last uint64, update *schema.BookUpdate) Verdict

// Bracketing accepts a delta whose id range covers last+1: FirstID <= last+1 <= LastID.
// Binance and Gate.io diff depth streams follow this rule.
func Bracketing(last uint64, update *schema.BookUpdate) Verdict {
	next := last + 1
	if update.LastID < next {
		return VerdictSkip
	}
	if update.FirstID <= next {
		return VerdictApply
	}
	return VerdictGap
}

// Strict accepts only a delta that starts exactly at last+1. MEXC version ranges follow
// this rule.
func Strict(last uint64, update *schema.BookUpdate) Verdict {
	next := last + 1
	if update.LastID < next {
		return VerdictSkip
	}
	if update.FirstID == next {
		return VerdictApply
	}
	return VerdictGap
}
