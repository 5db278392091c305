package exchange

import "strings"

var quoteAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "BTC", "ETH", "EUR"}

var baseAliases = map[string]string{"XBT": "BTC"}

// NormalizeSymbol maps any venue's spelling of an instrument to one canonical
// form, e.g. "SOLUSDTM", "SOL-USDT" and "SOL/USDT:USDT" all become "SOLUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	s = strings.TrimSuffix(s, "PERP")

	// futures contracts quoted in a stable coin carry a trailing M
	for _, q := range []string{"USDTM", "USDCM", "USDM"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			s = strings.TrimSuffix(s, "M")
			break
		}
	}

	base, quote := splitCanonical(s)
	if alias, ok := baseAliases[base]; ok {
		base = alias
	}
	return base + quote
}

// SameSymbol compares two symbols after normalizing both.
func SameSymbol(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}

// QuoteAsset returns the quote currency of symbol, USDT if it cannot be told.
func QuoteAsset(symbol string) string {
	_, quote := splitCanonical(NormalizeSymbol(symbol))
	if quote == "" {
		return "USDT"
	}
	return quote
}

// BaseAsset returns the base currency of symbol.
func BaseAsset(symbol string) string {
	base, _ := splitCanonical(NormalizeSymbol(symbol))
	return base
}

func splitCanonical(s string) (string, string) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q), q
		}
	}
	return s, ""
}
