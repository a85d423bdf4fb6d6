// Package market describes the provider's market surfaces: which REST
// endpoints serve them, which intervals they support, and how their
// symbols are shaped.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/candlekeep/klinevault/internal/timegrid"
)

// Type identifies a market surface of the provider.
type Type string

const (
	Spot        Type = "spot"
	FuturesUSDT Type = "futures_usdt"
	FuturesCoin Type = "futures_coin"
)

// Types lists every supported market type.
var Types = []Type{Spot, FuturesUSDT, FuturesCoin}

var (
	// ErrUnknownMarket is returned for market strings outside Types.
	ErrUnknownMarket = errors.New("unknown market type")
	// ErrInvalidSymbol is returned when a symbol fails validation.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrIntervalUnsupported is returned when a market does not serve
	// the requested interval.
	ErrIntervalUnsupported = errors.New("interval not supported for market")
)

// Symbols feed directly into URLs and cache paths, so the accepted
// alphabet is deliberately narrow.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9_]{1,30}$`)

// FromString parses a market token. Short aliases um/cm map to the
// USDT- and coin-margined futures surfaces.
func FromString(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "spot":
		return Spot, nil
	case "futures", "futures_usdt", "um":
		return FuturesUSDT, nil
	case "futures_coin", "cm":
		return FuturesCoin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMarket, s)
	}
}

// String returns the canonical market token.
func (t Type) String() string { return string(t) }

// VisionPath returns the path segment the bulk archive uses for this
// market.
func (t Type) VisionPath() string {
	switch t {
	case FuturesUSDT:
		return "futures/um"
	case FuturesCoin:
		return "futures/cm"
	default:
		return "spot"
	}
}

// Supports reports whether the market serves the interval. Sub-minute
// klines exist only on spot.
func (t Type) Supports(iv timegrid.Interval) bool {
	if iv == timegrid.Second1 {
		return t == Spot
	}
	return true
}

// Capabilities describes the REST surface of one market type.
type Capabilities struct {
	PrimaryEndpoint string
	BackupEndpoints []string
	// DataOnlyEndpoint serves market data without API-key weighting;
	// empty when the market has none.
	DataOnlyEndpoint string
	// APIPrefix is the first path segment of the market's REST API:
	// "api" on spot, "fapi"/"dapi" on futures.
	APIPrefix  string
	APIVersion string
	// MaxPageRows is the provider's per-request row cap.
	MaxPageRows int
	// WeightPerMinute is the provider's request-weight allowance used to
	// seed the daily budget tracker.
	WeightPerMinute int
}

var capabilities = map[Type]Capabilities{
	Spot: {
		PrimaryEndpoint: "https://api.binance.com",
		BackupEndpoints: []string{
			"https://api-gcp.binance.com",
			"https://api1.binance.com",
			"https://api2.binance.com",
			"https://api3.binance.com",
			"https://api4.binance.com",
		},
		DataOnlyEndpoint: "https://data-api.binance.vision",
		APIPrefix:        "api",
		APIVersion:       "v3",
		MaxPageRows:      1000,
		WeightPerMinute:  1200,
	},
	FuturesUSDT: {
		PrimaryEndpoint: "https://fapi.binance.com",
		BackupEndpoints: []string{
			"https://fapi-gcp.binance.com",
			"https://fapi1.binance.com",
			"https://fapi2.binance.com",
			"https://fapi3.binance.com",
		},
		APIPrefix:       "fapi",
		APIVersion:      "v1",
		MaxPageRows:     1500,
		WeightPerMinute: 2400,
	},
	FuturesCoin: {
		PrimaryEndpoint: "https://dapi.binance.com",
		BackupEndpoints: []string{
			"https://dapi-gcp.binance.com",
			"https://dapi1.binance.com",
			"https://dapi2.binance.com",
			"https://dapi3.binance.com",
		},
		APIPrefix:       "dapi",
		APIVersion:      "v1",
		MaxPageRows:     1500,
		WeightPerMinute: 2400,
	},
}

// CapabilitiesOf returns the REST capabilities of a market type.
func CapabilitiesOf(t Type) Capabilities {
	if c, ok := capabilities[t]; ok {
		return c
	}
	return capabilities[Spot]
}

// KlinesPath returns the versioned klines path for this market, e.g.
// "/api/v3/klines" on spot or "/fapi/v1/klines" on USDT futures.
func (c Capabilities) KlinesPath() string {
	return "/" + c.APIPrefix + "/" + c.APIVersion + "/klines"
}

// Endpoints returns every usable base URL in rotation order: the
// data-only endpoint first when present, then primary, then backups.
func (c Capabilities) Endpoints() []string {
	out := make([]string, 0, len(c.BackupEndpoints)+2)
	if c.DataOnlyEndpoint != "" {
		out = append(out, c.DataOnlyEndpoint)
	}
	out = append(out, c.PrimaryEndpoint)
	out = append(out, c.BackupEndpoints...)
	return out
}

// NormalizeSymbol upper-cases and validates a trading symbol, applying
// the market's naming conventions. Coin-margined perpetuals carry a
// _PERP suffix which is appended when absent.
func NormalizeSymbol(symbol string, t Type) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if t == FuturesCoin && !strings.Contains(s, "_") {
		s += "_PERP"
	}
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}
