// Package marketid parses and validates the human-readable ticker
// strings traders and governance commands submit, and encodes them into
// the fixed 10-byte model.MarketID/model.AssetID tags the engine keys
// everything off of internally.
package marketid

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/atmx/perp-engine/internal/model"
)

// tickerRegex matches a perpetual market ticker: {BASE}-{QUOTE}, e.g.
// "ETH-USD" or "BTC-USDC". Each leg is 1-10 uppercase alphanumeric
// characters; whether the whole ticker, separator included, fits the
// fixed 10-byte MarketID is checked separately by EncodeMarket.
var tickerRegex = regexp.MustCompile(`^([A-Z0-9]{1,10})-([A-Z0-9]{1,10})$`)

// assetRegex matches a collateral asset symbol: 1-10 uppercase
// alphanumeric characters, e.g. "USDC" or the native-coin sentinel "A0".
var assetRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

var (
	// ErrInvalidTicker is returned when a market ticker does not match
	// the {BASE}-{QUOTE} format.
	ErrInvalidTicker = errors.New("marketid: invalid ticker format")
	// ErrInvalidAsset is returned when an asset symbol does not match
	// the expected alphanumeric format.
	ErrInvalidAsset = errors.New("marketid: invalid asset symbol")
	// ErrTickerTooLong is returned when a ticker's encoded form would
	// not fit the fixed 10-byte tag, e.g. "ETH-USD" at 7 bytes is fine
	// but "ABCDEFGHIJ-K" at 12 bytes is not, since the encoding keeps
	// both legs and the separator.
	ErrTickerTooLong = errors.New("marketid: ticker does not fit a 10-byte tag")
)

// Ticker is a parsed market ticker: the base and quote legs of a
// "{BASE}-{QUOTE}" string, e.g. "ETH-USD" decomposes into Base "ETH" and
// Quote "USD".
type Ticker struct {
	Base  string
	Quote string
}

// String reassembles the canonical "{BASE}-{QUOTE}" form.
func (t Ticker) String() string { return t.Base + "-" + t.Quote }

// ParseTicker parses and validates a market ticker string into its base
// and quote legs, mirroring the engine's quoted-pair naming convention
// ("ETH-USD" rather than a single opaque symbol).
func ParseTicker(ticker string) (Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return Ticker{}, fmt.Errorf("%w: %s (expected BASE-QUOTE)", ErrInvalidTicker, ticker)
	}
	return Ticker{Base: matches[1], Quote: matches[2]}, nil
}

// EncodeMarket parses a ticker and encodes it into the fixed-byte
// MarketID the registry keys markets by. The market tag is the ticker
// string itself (separator included) truncated to 10 bytes by
// model.MarketIDFromString; EncodeMarket rejects tickers that would lose
// information to that truncation rather than silently accepting a
// collision-prone tag.
func EncodeMarket(ticker string) (model.MarketID, error) {
	t, err := ParseTicker(ticker)
	if err != nil {
		return model.MarketID{}, err
	}
	if len(t.String()) > 10 {
		return model.MarketID{}, fmt.Errorf("%w: %s", ErrTickerTooLong, ticker)
	}
	return model.MarketIDFromString(t.String()), nil
}

// EncodeAsset parses and encodes a collateral asset symbol into the
// fixed-byte AssetID the registry and pool key assets by.
func EncodeAsset(symbol string) (model.AssetID, error) {
	if !assetRegex.MatchString(symbol) {
		return model.AssetID{}, fmt.Errorf("%w: %s", ErrInvalidAsset, symbol)
	}
	return model.AssetIDFromString(symbol), nil
}
