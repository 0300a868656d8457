// Package instrument handles tradable symbol parsing, validation, and
// normalisation. Symbols are either a bare trading symbol ("INFY") or
// exchange-qualified ("NSE:INFY").
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Supported exchange segments.
const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"
	ExchangeNFO = "NFO" // F&O
	ExchangeBFO = "BFO"
	ExchangeCDS = "CDS" // currency
	ExchangeMCX = "MCX" // commodity
)

var validExchanges = map[string]bool{
	ExchangeNSE: true,
	ExchangeBSE: true,
	ExchangeNFO: true,
	ExchangeBFO: true,
	ExchangeCDS: true,
	ExchangeMCX: true,
}

// symbolRegex matches: [{exchange}:]{tradingsymbol}
// Example: NSE:INFY, NFO:NIFTY24OCT25000CE, X
var symbolRegex = regexp.MustCompile(
	`^(?:([A-Z]+):)?([A-Z0-9][A-Z0-9&_.\-]{0,39})$`,
)

var (
	ErrInvalidSymbol   = errors.New("instrument: invalid symbol format")
	ErrInvalidExchange = errors.New("instrument: unsupported exchange")
	ErrNoSymbols       = errors.New("instrument: no symbols given")
)

// Instrument is a parsed tradable symbol.
type Instrument struct {
	Symbol        string `json:"symbol"` // canonical form
	Exchange      string `json:"exchange,omitempty"`
	TradingSymbol string `json:"tradingsymbol"`
}

// Parse parses and validates a symbol string. Input is trimmed and
// upper-cased before matching.
func Parse(symbol string) (*Instrument, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected [EXCHANGE:]TRADINGSYMBOL)",
			ErrInvalidSymbol, symbol)
	}

	exchange := matches[1]
	trading := matches[2]

	if exchange != "" && !validExchanges[exchange] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExchange, exchange)
	}

	return &Instrument{
		Symbol:        s,
		Exchange:      exchange,
		TradingSymbol: trading,
	}, nil
}

// Canonical returns the canonical form of symbol.
func Canonical(symbol string) (string, error) {
	inst, err := Parse(symbol)
	if err != nil {
		return "", err
	}
	return inst.Symbol, nil
}

// Normalize canonicalises, de-duplicates, and sorts a symbol set. The
// first invalid symbol fails the whole set.
func Normalize(symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		s, err := Canonical(raw)
		if err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
