package shared

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/meltica-streams/internal/domain/schema"
)

// quoteAssets resolves concatenated native symbols such as BTCUSDT that were never
// registered. Longer codes are tried first.
var quoteAssets = func() []string {
	q := []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USDE", "USD1", "DAI", "BTC", "ETH", "BNB", "EUR", "TRY", "BRL", "USD", "JPY"}
	sort.SliceStable(q, func(i, j int) bool { return len(q[i]) > len(q[j]) })
	return q
}()

// SymbolCodec converts between canonical symbols and an exchange's native format.
// Safe for concurrent use.
type SymbolCodec struct {
	separator string
	lower     bool

	mu    sync.RWMutex
	known map[string]schema.Symbol
}

// NewSymbolCodec formats symbols as BASE<separator>QUOTE, lower-cased when lower is set.
func NewSymbolCodec(separator string, lower bool) *SymbolCodec {
	return &SymbolCodec{separator: separator, lower: lower, known: make(map[string]schema.Symbol)}
}

// Encode returns the native name of sym.
func (c *SymbolCodec) Encode(sym schema.Symbol) string {
	native := sym.Base + c.separator + sym.Quote
	if c.lower {
		return strings.ToLower(native)
	}
	return native
}

// Register makes symbols resolvable by Decode.
func (c *SymbolCodec) Register(symbols ...schema.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sym := range symbols {
		if sym.IsZero() {
			continue
		}
		c.known[strings.ToUpper(c.Encode(sym))] = sym
	}
}

// Decode maps a native name back to a canonical symbol.
func (c *SymbolCodec) Decode(native string) (schema.Symbol, bool) {
	key := strings.ToUpper(strings.TrimSpace(native))
	if key == "" {
		return schema.Symbol{}, false
	}
	c.mu.RLock()
	sym, ok := c.known[key]
	c.mu.RUnlock()
	if ok {
		return sym, true
	}

	if c.separator != "" {
		base, quote, found := strings.Cut(key, strings.ToUpper(c.separator))
		if !found || base == "" || quote == "" {
			return schema.Symbol{}, false
		}
		sym = schema.NewSymbol(base, quote)
	} else {
		for _, q := range quoteAssets {
			if len(key) > len(q) && strings.HasSuffix(key, q) {
				sym = schema.NewSymbol(key[:len(key)-len(q)], q)
				break
			}
		}
		if sym.IsZero() {
			return schema.Symbol{}, false
		}
	}
	c.mu.Lock()
	c.known[key] = sym
	c.mu.Unlock()
	return sym, true
}
