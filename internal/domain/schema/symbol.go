// Package schema defines the normalized event model produced by exchange parsers.
package schema

import (
	"strings"

	"github.com/coachpo/meltica-streams/errs"
)

const derivativeSuffix = "PERP"

// Symbol identifies a tradable pair. It is comparable and safe to use as a map key.
type Symbol struct {
	Base       string
	Quote      string
	Derivative bool
}

// NewSymbol builds a spot symbol with upper-cased assets.
func NewSymbol(base, quote string) Symbol {
	return Symbol{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// IsZero reports whether the symbol is unset.
func (s Symbol) IsZero() bool {
	return s.Base == "" && s.Quote == ""
}

// String renders the canonical BASE-QUOTE form, suffixed with -PERP for derivatives.
func (s Symbol) String() string {
	if s.IsZero() {
		return ""
	}
	out := s.Base + "-" + s.Quote
	if s.Derivative {
		out += "-" + derivativeSuffix
	}
	return out
}

// ParseSymbol accepts BASE-QUOTE, BASE/QUOTE or BASE_QUOTE, with an optional -PERP suffix.
func ParseSymbol(raw string) (Symbol, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return Symbol{}, errs.New("", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	normalized := strings.NewReplacer("/", "-", "_", "-").Replace(trimmed)
	parts := strings.Split(normalized, "-")
	derivative := false
	if len(parts) == 3 && parts[2] == derivativeSuffix {
		derivative = true
		parts = parts[:2]
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Symbol{}, errs.New("", errs.CodeInvalid, errs.WithMessage("symbol must be BASE-QUOTE"), errs.WithSymbol(raw))
	}
	sym := NewSymbol(parts[0], parts[1])
	sym.Derivative = derivative
	return sym, nil
}

// MustSymbol parses raw and panics on failure. Intended for tests and static tables.
func MustSymbol(raw string) Symbol {
	sym, err := ParseSymbol(raw)
	if err != nil {
		panic(err)
	}
	return sym
}
